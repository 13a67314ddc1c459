package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"go-chat/internal/config"
	"go-chat/internal/server"
)

func main() {
	// 1. Config & Flags
	configPath := flag.String("config", "", "path to a TOML config file")
	addr := flag.String("addr", "", "http service address (overrides config)")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	// 2. Wire and run until SIGINT/SIGTERM
	app := fx.New(
		server.Module(cfg),
		fx.NopLogger,
	)
	app.Run()
}
