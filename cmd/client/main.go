package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-chat/internal/client"
	"go-chat/internal/config"
	"go-chat/internal/localstore"
	"go-chat/internal/logging"
	"go-chat/internal/transport"
)

const usage = `commands:
  /to <user>       talk to a user
  /group <id>      talk to a group
  /read            mark the current conversation read
  /sync            fetch history of the current conversation
  /show            print the current conversation
  /retry <id>      queue a failed message again
  /quit
anything else is sent to the current conversation`

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, zap.String("user_id", cfg.UserID))
	if err != nil {
		return err
	}
	defer logger.Sync()

	// 1. Local store
	store, err := localstore.Open(filepath.Join(cfg.DataDir, cfg.UserID+".db"), cfg.UserID)
	if err != nil {
		return err
	}
	defer store.Close()
	if res, err := store.Migrate(); err != nil {
		return err
	} else if res.Changed {
		logger.Info("local store migrated", zap.Uint("version", res.Version))
	}

	// 2. Transport + client
	apiBase, err := client.HTTPBase(cfg.ServerURL)
	if err != nil {
		return err
	}
	sess := transport.New(transport.Options{
		URL:            cfg.ServerURL,
		Token:          cfg.Token,
		InitialBackoff: cfg.Backoff.Initial,
		MaxBackoff:     cfg.Backoff.Max,
		OfflineNotice:  cfg.Backoff.OfflineNotice,
		Logger:         logger.Named("transport"),
	})
	defer sess.Close()

	c := client.New(store, sess, client.Options{
		APIBase:     apiBase,
		Token:       cfg.Token,
		ResendAfter: cfg.ResendAfter,
		Logger:      logger.Named("client"),
	})
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	fmt.Println(usage)

	// stdin is read outside the group; a blocked read must not hold up exit.
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sess.Done():
				return sess.Err()
			case u := <-c.Updates():
				printUpdate(u)
			}
		}
	})
	g.Go(func() error {
		r := &repl{client: c}
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := r.handle(ctx, line); err != nil {
					if errors.Is(err, errQuit) {
						return err
					}
					fmt.Println("!", err)
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

var errQuit = errors.New("quit")

type repl struct {
	client *client.Client
	peer   string
	group  string
}

func (r *repl) conversation() string {
	if r.group != "" {
		return r.group
	}
	return r.peer
}

func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return errQuit
	case "/to":
		r.peer, r.group = arg, ""
		return nil
	case "/group":
		r.peer, r.group = "", arg
		return nil
	case "/retry":
		return r.client.Retry(ctx, arg)
	}

	if r.conversation() == "" {
		return errors.New("pick a conversation with /to or /group first")
	}
	switch cmd {
	case "/read":
		n, err := r.client.MarkRead(ctx, r.conversation())
		fmt.Printf("marked %d read\n", n)
		return err
	case "/sync":
		var n int
		var err error
		if r.group != "" {
			n, err = r.client.SyncGroupHistory(ctx, r.group)
		} else {
			n, err = r.client.SyncHistory(ctx, r.peer)
		}
		fmt.Printf("%d new from history\n", n)
		return err
	case "/show":
		recs, err := r.client.Conversation(ctx, r.conversation(), 50)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			fmt.Printf("  [%s] %s: %s (%s)\n", rec.ClientTime.Local().Format("15:04:05"), rec.SenderID, rec.Payload, rec.Status)
		}
		return nil
	}

	if r.group != "" {
		_, err := r.client.ComposeGroup(ctx, r.group, line)
		return err
	}
	_, err := r.client.Compose(ctx, r.peer, line)
	return err
}

func printUpdate(u client.Update) {
	switch u.Kind {
	case client.UpdateMessage:
		rec := u.Record
		if rec.Outgoing {
			return
		}
		fmt.Printf("%s: %s\n", rec.SenderID, rec.Payload)
	case client.UpdateStatus:
		fmt.Printf("  %s -> %s\n", u.MessageID, u.Status)
	case client.UpdateTyping:
		if u.Typing {
			fmt.Printf("  %s is typing...\n", u.UserID)
		}
	case client.UpdatePresence:
		state := "offline"
		if u.Online {
			state = "online"
		}
		fmt.Printf("  %s is %s\n", u.UserID, state)
	case client.UpdateConnection:
		fmt.Printf("* %s %s\n", u.State, u.Reason)
	}
}
