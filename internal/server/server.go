package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"go-chat/internal/auth"
	"go-chat/internal/chat"
	"go-chat/internal/config"
	myMiddleware "go-chat/internal/middleware"
)

// NewRouter mounts the chat endpoints. Everything except health and stats
// requires a valid token.
func NewRouter(h *chat.Handler, verifier *auth.JWT) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Get("/healthz", h.Health)
	r.Get("/api/relay/stats", h.Stats)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(verifier).Handle)

		// WebSocket (Real-time)
		r.Get("/ws", h.ServeWs)
		r.Get("/api/messages", h.GetChatHistory)
	})
	return r
}

// Server owns the HTTP listener.
type Server struct {
	http     *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer binds the configured address right away so a bad address fails
// application start instead of a background goroutine.
func NewServer(cfg *config.Server, router http.Handler, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return &Server{
		http:     &http.Server{Handler: router},
		listener: ln,
		logger:   logger,
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.listener.Addr().String()))
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops accepting requests. Hijacked websocket connections are not
// tracked by net/http and must be closed through the registry.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.http.Shutdown(ctx)
}
