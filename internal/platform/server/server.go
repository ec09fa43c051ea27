package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

const shutdownTimeout = 10 * time.Second

// ErrDraining is reported by Ready once shutdown has begun.
var ErrDraining = errors.New("server is draining")

// Server wraps an http.Server with graceful shutdown. Shutdown first marks
// the server not ready, then drains connections, then runs the hooks that
// flush gateway state (pending invalidations, audit records, tenant pools).
type Server struct {
	srv      *http.Server
	hooks    []func(context.Context) error
	draining atomic.Bool
}

// New creates a Server that listens on addr and routes to handler.
func New(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// OnShutdown registers fn to run after the listener has drained. Hooks run
// in registration order and share the shutdown deadline.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.hooks = append(s.hooks, fn)
}

// Ready fails with ErrDraining once shutdown has started, so load balancers
// stop routing new tenants here before connections are closed.
func (s *Server) Ready(context.Context) error {
	if s.draining.Load() {
		return ErrDraining
	}
	return nil
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.draining.Store(true)
	slog.Info("server shutting down", "hooks", len(s.hooks))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	errs := []error{s.srv.Shutdown(shutdownCtx)}
	for _, fn := range s.hooks {
		if err := fn(shutdownCtx); err != nil {
			slog.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
