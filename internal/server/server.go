package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// ListenAndServe listens on cfg.Addr and serves the relay until ctx is
// cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return Serve(ctx, ln, cfg)
}

// Serve serves the relay on ln until ctx is cancelled. On shutdown, active
// sessions are closed with a going-away status before Serve returns.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	// Also ends the shutdown goroutine when srv.Serve fails on its own.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := NewHandler(cfg)
	logger := h.logger

	// No read or write timeouts: they would cut off long-lived sessions.
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// Hijacked connections are not tracked by the http.Server.
		h.Close()
	}()

	logger.Info("relay listening", "addr", ln.Addr(), "maxSessions", h.cfg.MaxSessions)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-shutdownDone
		return err
	}
	<-shutdownDone
	return nil
}
