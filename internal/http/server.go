package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/atomic"
)

type ServerConfig struct {
	ListenAddr string
	Log        *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadHeaderTimeout        time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	IdleTimeout              time.Duration
}

// Server owns the listener and the readiness flag reported on /readyz
type Server struct {
	cfg     *ServerConfig
	isReady *atomic.Bool
	log     *slog.Logger
	srv     *http.Server
}

// NewServer wraps handler. ready is shared with the router's /readyz route.
func NewServer(cfg *ServerConfig, handler http.Handler, ready *atomic.Bool) *Server {
	if ready == nil {
		ready = atomic.NewBool(true)
	}
	ready.Store(true)

	return &Server{
		cfg:     cfg,
		isReady: ready,
		log:     cfg.Log,
		srv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// RunInBackground starts serving. Listen errors are logged and sent on the returned channel.
func (s *Server) RunInBackground() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", "listenAddress", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", "err", err)
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown marks the server not ready, waits the drain period so load balancers
// stop routing to it, then stops accepting requests.
func (s *Server) Shutdown() {
	if s.isReady.Swap(false) && s.cfg.DrainDuration > 0 {
		s.log.Info("Draining", "duration", s.cfg.DrainDuration)
		time.Sleep(s.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		s.log.Info("HTTP server gracefully stopped")
	}
}
