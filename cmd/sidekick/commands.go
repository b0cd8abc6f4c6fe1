package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/sidekick"
	"github.com/loykin/sidekick/pkg/client"
)

// errStopStreaming ends an events subscription once the requested count is reached.
var errStopStreaming = errors.New("stop streaming")

type command struct {
	out io.Writer
}

// apiClient builds a control API client. The URL defaults to the listen
// address and base path of the config file when one is given.
func (c *command) apiClient(g GlobalFlags) *client.Client {
	cfg := client.DefaultConfig()
	if g.ConfigPath != "" {
		if fileCfg, err := sidekick.LoadConfig(g.ConfigPath); err == nil {
			scheme := "http"
			if fileCfg.Server.TLS.Enabled {
				scheme = "https"
			}
			cfg.BaseURL = scheme + "://" + fileCfg.Server.Listen + fileCfg.Server.BasePath
			if g.Token == "" {
				g.Token = fileCfg.Server.Token
			}
		}
	}
	if g.APIUrl != "" {
		cfg.BaseURL = g.APIUrl
	}
	if g.APITimeout > 0 {
		cfg.Timeout = g.APITimeout
	}
	cfg.Token = g.Token
	cfg.Insecure = g.Insecure
	return client.New(cfg)
}

func (c *command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *command) Start(ctx context.Context, g GlobalFlags) error {
	st, err := c.apiClient(g).Start(ctx)
	if err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	return c.printJSON(st)
}

func (c *command) Stop(ctx context.Context, g GlobalFlags) error {
	st, err := c.apiClient(g).Stop(ctx)
	if err != nil {
		return fmt.Errorf("stop failed: %w", err)
	}
	return c.printJSON(st)
}

func (c *command) Input(ctx context.Context, g GlobalFlags, f InputFlags) error {
	p, err := c.apiClient(g).Input(ctx, f.Text)
	if err != nil {
		return fmt.Errorf("input failed: %w", err)
	}
	return c.printJSON(p)
}

func (c *command) Activity(ctx context.Context, g GlobalFlags) error {
	st, err := c.apiClient(g).RecordActivity(ctx)
	if err != nil {
		return fmt.Errorf("activity failed: %w", err)
	}
	return c.printJSON(st)
}

func (c *command) State(ctx context.Context, g GlobalFlags) error {
	st, err := c.apiClient(g).State(ctx)
	if err != nil {
		return fmt.Errorf("state failed: %w", err)
	}
	return c.printJSON(st)
}

func (c *command) Journal(ctx context.Context, g GlobalFlags, f JournalFlags) error {
	recs, err := c.apiClient(g).Journal(ctx, f.Limit)
	if err != nil {
		return fmt.Errorf("journal failed: %w", err)
	}
	return c.printJSON(recs)
}

// Events prints one JSON line per event.
func (c *command) Events(ctx context.Context, g GlobalFlags, f EventsFlags) error {
	seen := 0
	enc := json.NewEncoder(c.out)
	err := c.apiClient(g).Events(ctx, f.Streams, func(e client.Event) error {
		if err := enc.Encode(e); err != nil {
			return err
		}
		seen++
		if f.Count > 0 && seen >= f.Count {
			return errStopStreaming
		}
		return nil
	})
	if errors.Is(err, errStopStreaming) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("events failed: %w", err)
	}
	return nil
}

// Serve runs the daemon in the foreground until SIGINT or SIGTERM.
func (c *command) Serve(f ServeFlags) error {
	if f.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("daemonize is not supported on this platform")
		}
		return daemonize(f.PidFile, f.LogFile)
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	cfg, err := sidekick.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, closer := cfg.Log.NewSlogger(os.Stderr)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	d, err := sidekick.NewDaemon(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if f.Start {
		if err := d.Supervisor.Start(ctx); err != nil {
			_ = d.Close(context.Background())
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}
	if err := d.Run(ctx); err != nil {
		return err
	}
	log.Info("shut down")
	return nil
}
