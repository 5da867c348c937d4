package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philsphicas/wsrelay/internal/relay"
	"github.com/philsphicas/wsrelay/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Accept WebSocket upgrade requests carrying a ?url=ws(s)://... target,
connect to the target, and relay messages in both directions until either
side closes. Other requests receive a JSON status document.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringP("listen", "l", ":8080", "listen address (env WSRELAY_LISTEN)")
	cmd.Flags().Duration("connect-timeout", relay.DefaultConnectTimeout, "timeout for opening the connection to the target")
	cmd.Flags().Int("max-sessions", 0, "max concurrent sessions (0 = unlimited)")
	cmd.Flags().Duration("ping-interval", 30*time.Second, "keepalive ping interval on both sockets (0 disables)")
	cmd.Flags().Int64("max-message-size", server.DefaultMaxMessageSize, "largest message accepted from either side, in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := serveConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// If either server fails, the other is shut down too.
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics, err = resolveMetrics(ctx, g, cmd, cfg.Logger); err != nil {
		return err
	}
	g.Go(func() error { return server.ListenAndServe(ctx, cfg) })
	return g.Wait()
}

// serveConfig builds the server configuration from flags and environment.
func serveConfig(cmd *cobra.Command) (server.Config, error) {
	listen, _ := cmd.Flags().GetString("listen")
	if !cmd.Flags().Changed("listen") {
		if env := os.Getenv("WSRELAY_LISTEN"); env != "" {
			listen = env
		}
	}
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	maxSessions, _ := cmd.Flags().GetInt("max-sessions")
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")
	maxMessageSize, _ := cmd.Flags().GetInt64("max-message-size")
	logLevel, _ := cmd.Flags().GetString("log-level")

	if connectTimeout <= 0 {
		return server.Config{}, fmt.Errorf("--connect-timeout must be > 0, got %s", connectTimeout)
	}
	if maxSessions < 0 {
		return server.Config{}, fmt.Errorf("--max-sessions must be >= 0, got %d", maxSessions)
	}
	if pingInterval < 0 {
		return server.Config{}, fmt.Errorf("--ping-interval must be >= 0, got %s", pingInterval)
	}
	if maxMessageSize <= 0 {
		return server.Config{}, fmt.Errorf("--max-message-size must be > 0, got %d", maxMessageSize)
	}

	return server.Config{
		Addr:           listen,
		Name:           "wsrelay",
		Version:        version,
		ConnectTimeout: connectTimeout,
		MaxSessions:    maxSessions,
		PingInterval:   pingInterval,
		MaxMessageSize: maxMessageSize,
		Logger:         newLogger(logLevel),
	}, nil
}
