// Package api provides the HTTP surface for apptflow.
//
// It exposes endpoints for driving conversation turns, inspecting session
// state and health checking, plus an optional channel webhook mount.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kasmartw/apptflow/internal/models"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// sessionService is the session surface the handlers need. It matches
// session.Manager.
type sessionService interface {
	HandleMessage(ctx context.Context, externalID, platform, text string) (string, error)
	Get(ctx context.Context, externalID string) (*models.Session, error)
}

// Server routes HTTP requests to the session manager.
type Server struct {
	sessions sessionService
	webhook  http.Handler // optional channel webhook, mounted when non-nil
	addr     string
}

// NewServer creates the API server. webhook may be nil when no messaging
// channel is configured.
func NewServer(sessions sessionService, webhook http.Handler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{sessions: sessions, webhook: webhook, addr: cfg.Addr}
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", s.messagesHandler)
	mux.HandleFunc("/sessions/", s.sessionHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.webhook != nil {
		mux.Handle("/webhook/twilio", s.webhook)
	}
	return mux
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: graceful shutdown failed", "error", err)
			return err
		}
		slog.Info("Server.Run: API stopped")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Run: listener failed", "error", err)
			return err
		}
		return nil
	}
}
