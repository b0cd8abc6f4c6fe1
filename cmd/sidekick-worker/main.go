// Command sidekick-worker is the reference worker: it serves the health,
// status, input and stop endpoints on a unix socket or loopback TCP port.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/sidekick/internal/config"
	"github.com/loykin/sidekick/internal/logger"
	"github.com/loykin/sidekick/internal/wire"
	"github.com/loykin/sidekick/internal/worker"
)

const defaultSocket = "/tmp/sidekick-worker.sock"

type workerFlags struct {
	Listen   string
	LogLevel string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultListen prefers the socket handed over by the supervisor.
func defaultListen() string {
	if v := os.Getenv(config.DefaultSocketEnv); v != "" {
		return v
	}
	return defaultSocket
}

func newRootCommand() *cobra.Command {
	flags := &workerFlags{}
	cmd := &cobra.Command{
		Use:   "sidekick-worker",
		Short: "Reference worker for the sidekick supervisor",
		Long: `Serve the worker protocol until SIGINT, SIGTERM or a POST /stop request.

Examples:
  sidekick-worker                                  # $SIDEKICK_SOCKET or /tmp/sidekick-worker.sock
  sidekick-worker --listen unix:///run/user/1000/w.sock
  sidekick-worker --listen tcp://127.0.0.1:7790`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", defaultListen(), "socket path, unix:// or tcp:// endpoint")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, f workerFlags) error {
	ep, err := wire.ParseEndpoint(f.Listen)
	if err != nil {
		return err
	}
	log := slog.New(logger.NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: logger.ParseLevel(f.LogLevel)}))

	ln, err := worker.Listen(ep)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ep, err)
	}
	if ep.IsUnix() {
		defer func() { _ = os.Remove(ep.Address) }()
	}
	log.Info("worker listening", "endpoint", ep.String(), "pid", os.Getpid())

	if err := worker.New(log).Serve(ctx, ln); err != nil {
		return err
	}
	log.Info("worker stopped")
	return nil
}
