package server

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go-chat/internal/auth"
	"go-chat/internal/chat"
	"go-chat/internal/config"
	"go-chat/internal/db"
	"go-chat/internal/logging"
	"go-chat/internal/relay"
)

// Module returns the fx module for the chat server, composing all providers
// and lifecycle hooks.
func Module(cfg *config.Server) fx.Option {
	return fx.Module("server",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideStore,
			provideRelay,
			provideVerifier,
			chat.NewRegistry,
			provideCoordinator,
			provideHandler,
			NewRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Server) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format, zap.String("service", "chat-server"))
}

type stores struct {
	fx.Out

	Messages chat.MessageStore
	Contacts chat.Contacts
	Groups   chat.Groups
}

func provideStore(lc fx.Lifecycle, cfg *config.Server, logger *zap.Logger) (stores, error) {
	if cfg.DBDSN == "" {
		logger.Warn("DB_DSN is not set, keeping messages in memory")
		mem := chat.NewMemoryStore()
		return stores{Messages: mem, Contacts: mem, Groups: mem}, nil
	}

	database, err := db.NewDatabase(context.Background(), cfg.DBDSN)
	if err != nil {
		return stores{}, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to postgres")

	if err := database.AutoMigrate(context.Background()); err != nil {
		database.Close()
		return stores{}, err
	}
	logger.Info("database schema initialized")

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return database.Close() },
	})
	repo := chat.NewRepository(database.Conn)
	return stores{Messages: repo, Contacts: repo, Groups: repo}, nil
}

func provideRelay(lc fx.Lifecycle, cfg *config.Server, logger *zap.Logger) (relay.Queue, error) {
	if cfg.Relay.Backend != config.RelayRedis {
		logger.Info("relay queue in memory")
		return relay.NewMemoryQueue(nil), nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("relay queue in redis", zap.String("addr", cfg.RedisAddr))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return rdb.Close() },
	})
	return relay.NewRedisQueue(rdb, "", nil), nil
}

func provideVerifier(cfg *config.Server) *auth.JWT {
	return auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
}

type coordinatorParams struct {
	fx.In

	Config   *config.Server
	Registry *chat.Registry
	Relay    relay.Queue
	Messages chat.MessageStore
	Contacts chat.Contacts
	Groups   chat.Groups
	Logger   *zap.Logger
}

func provideCoordinator(p coordinatorParams) (*chat.Coordinator, error) {
	return chat.NewCoordinator(context.Background(), chat.Deps{
		Registry: p.Registry,
		Relay:    p.Relay,
		Store:    p.Messages,
		Contacts: p.Contacts,
		Groups:   p.Groups,
		Logger:   p.Logger,
	}, chat.CoordinatorOptions{
		RelayTTL:      p.Config.Relay.TTL,
		SweepInterval: p.Config.Relay.SweepInterval,
	})
}

func provideHandler(cfg *config.Server, coord *chat.Coordinator, store chat.MessageStore, logger *zap.Logger) *chat.Handler {
	return chat.NewHandler(coord, store, cfg.SendBuffer, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, coord *chat.Coordinator, registry *chat.Registry, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go coord.Run(ctx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			err := srv.Stop(stopCtx)
			registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
			logger.Info("server stopped", zap.Int64("admitted", coord.Stats().Admitted))
			_ = logger.Sync()
			return err
		},
	})
}
