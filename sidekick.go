// Package sidekick supervises a single local worker process, stopping it
// after a period of inactivity.
package sidekick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/sidekick/internal/config"
	"github.com/loykin/sidekick/internal/events"
	"github.com/loykin/sidekick/internal/journal"
	"github.com/loykin/sidekick/internal/journal/factory"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/schedule"
	iapi "github.com/loykin/sidekick/internal/server"
	"github.com/loykin/sidekick/internal/supervisor"
	"github.com/loykin/sidekick/internal/wire"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Supervisor = supervisor.Supervisor

type Options = supervisor.Options

type State = supervisor.State

type Phase = supervisor.Phase

type Event = events.Event

type Payload = events.Payload

type Sink = events.Sink

const (
	NotStarted = supervisor.NotStarted
	Starting   = supervisor.Starting
	Running    = supervisor.Running
	Stopping   = supervisor.Stopping
	Stopped    = supervisor.Stopped
)

var (
	ErrStartupTimeout = supervisor.ErrStartupTimeout
	ErrNotRunning     = supervisor.ErrNotRunning
	ErrStartAborted   = supervisor.ErrStartAborted
	ErrSpawn          = supervisor.ErrSpawn
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() (*Config, error) { return cfg.Default() }

// NewWorkerClient returns the protocol client for a worker endpoint such as
// "unix:///tmp/w.sock" or "tcp://127.0.0.1:9000".
func NewWorkerClient(endpoint string, timeout time.Duration) (*wire.Client, error) {
	ep, err := wire.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return wire.NewClient(ep, wire.Options{Timeout: timeout}), nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// Daemon is a supervisor assembled from a Config together with the control
// API, event journal, schedules and resource sampler the config enables.
type Daemon struct {
	Supervisor *Supervisor
	Bus        *events.Broadcaster

	cfg     *Config
	log     *slog.Logger
	journal *journal.Writer
	sampler *metrics.Sampler
	sched   *schedule.Scheduler
	router  *iapi.Router

	mu  sync.Mutex
	srv *iapi.Server
}

// NewDaemon wires a supervisor for the worker described by c. Nothing is
// spawned until Supervisor.Start.
func NewDaemon(c *Config, log *slog.Logger) (*Daemon, error) {
	if c == nil {
		def, err := cfg.Default()
		if err != nil {
			return nil, err
		}
		c = def
	}
	if log == nil {
		log = slog.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	ep, err := wire.ParseEndpoint(c.Worker.Endpoint)
	if err != nil {
		return nil, err
	}
	if !ep.IsLoopback() {
		log.Warn("worker endpoint is not local", "endpoint", ep.String())
	}

	var extra []string
	if c.Worker.SocketEnv != "" {
		val := ep.Address
		if !ep.IsUnix() {
			val = ep.String()
		}
		extra = append(extra, c.Worker.SocketEnv+"="+val)
	}
	env, err := c.Worker.Environment(extra...)
	if err != nil {
		return nil, err
	}

	launcher, err := supervisor.NewProcessLauncher(c.Worker.Resolver(), process.Spec{
		Name:    c.Worker.Name,
		Args:    c.Worker.Args,
		WorkDir: c.Worker.WorkDir,
		Env:     env,
		Output:  c.Log.File,
		Log:     log.With("worker", c.Worker.Name),
	})
	if err != nil {
		return nil, err
	}
	launcher.PIDFile = c.Worker.PIDFile
	launcher.ReapGrace = c.Supervisor.GracePeriod

	d := &Daemon{
		Bus: events.NewBroadcaster(func(e events.Event) { metrics.IncEventDropped("subscriber") }),
		cfg: c,
		log: log,
	}

	sinks := events.Fanout{events.LogSink{Logger: log.With("component", "events")}, d.Bus}
	var reader journal.Reader
	if c.Journal.DSN != "" {
		store, err := factory.NewStoreFromDSN(c.Journal.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		d.journal = journal.NewWriter(store, c.Journal.QueueSize, log)
		sinks = append(sinks, d.journal)
		reader, _ = store.(journal.Reader)
	}

	transport := wire.NewClient(ep, wire.Options{Timeout: c.Supervisor.CallTimeout})

	opts := supervisor.Options{
		IdleTimeout:   c.Supervisor.IdleTimeout,
		PollInterval:  c.Supervisor.PollInterval,
		ReadyRetries:  c.Supervisor.ReadyRetries,
		ReadyInterval: c.Supervisor.ReadyInterval,
		GracePeriod:   c.Supervisor.GracePeriod,
		Logger:        log,
	}
	if ep.IsUnix() {
		opts.SocketPath = ep.Address
	}
	d.Supervisor = supervisor.New(launcher, transport, sinks, opts)

	if len(c.Schedules) > 0 {
		sched, err := schedule.New(d.Supervisor, c.Schedules, schedule.Options{Logger: log})
		if err != nil {
			d.closeJournal()
			return nil, err
		}
		d.sched = sched
	}

	var metricsHandler http.Handler
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			d.closeJournal()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		metricsHandler = metrics.Handler()
		d.sampler = metrics.NewSampler(c.Metrics.SampleInterval, d.Supervisor.PID, log)
	}

	d.router = iapi.NewRouter(d.Supervisor, iapi.Options{
		BasePath:    c.Server.BasePath,
		Token:       c.Server.Token,
		Bus:         d.Bus,
		Journal:     reader,
		Metrics:     metricsHandler,
		EventBuffer: c.Supervisor.EventBuffer,
		Logger:      log,
	})
	return d, nil
}

// Handler returns the control API.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Listen binds the control API. Run calls it when it has not been called.
func (d *Daemon) Listen() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.srv != nil {
		return d.srv.Addr(), nil
	}
	tlsCfg, err := iapi.SetupTLS(d.cfg.Server.TLS)
	if err != nil {
		return "", err
	}
	srv, err := iapi.Listen(d.cfg.Server.Listen, d.Handler(), tlsCfg)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Listen, err)
	}
	d.srv = srv
	d.log.Info("control API listening", "addr", srv.Addr(), "base_path", d.cfg.Server.BasePath, "tls", tlsCfg != nil)
	return srv.Addr(), nil
}

// Run serves the control API (when enabled) and samples worker resources
// (when metrics are enabled) until ctx is done, then stops the worker.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.Server.Enabled {
		if _, err := d.Listen(); err != nil {
			return err
		}
	}

	if d.sched != nil {
		d.sched.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.srv != nil {
		g.Go(func() error { return d.srv.Serve(gctx) })
	}
	if d.sampler != nil {
		g.Go(func() error {
			d.sampler.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return d.Close(closeCtx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops schedules and the worker, then flushes the journal.
func (d *Daemon) Close(ctx context.Context) error {
	var err error
	if d.sched != nil {
		err = d.sched.Stop(ctx)
	}
	err = errors.Join(err, d.Supervisor.Close(ctx))
	if d.journal != nil {
		err = errors.Join(err, d.journal.Close())
	}
	return err
}

func (d *Daemon) closeJournal() {
	if d.journal != nil {
		_ = d.journal.Close()
	}
}
