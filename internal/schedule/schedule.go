// Package schedule starts or stops the worker on cron schedules, e.g. to
// warm it up before working hours or to force a nightly restart.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/sidekick/internal/metrics"
)

// DefaultTimeout bounds one scheduled action.
const DefaultTimeout = time.Minute

type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Entry is one scheduled action. Cron accepts five or six fields (seconds
// optional) and descriptors such as "@hourly" or "@every 10m".
type Entry struct {
	Name     string `mapstructure:"name" json:"name"`
	Cron     string `mapstructure:"cron" json:"cron"`
	Action   Action `mapstructure:"action" json:"action"`
	TimeZone string `mapstructure:"timezone" json:"timezone,omitempty"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (e Entry) spec() string {
	if e.TimeZone != "" {
		return "CRON_TZ=" + e.TimeZone + " " + e.Cron
	}
	return e.Cron
}

// Validate checks the name, action, time zone and cron expression.
func (e Entry) Validate() error {
	if e.Name == "" {
		return errors.New("schedule name is required")
	}
	switch e.Action {
	case ActionStart, ActionStop:
	default:
		return fmt.Errorf("schedule %q: unknown action %q", e.Name, e.Action)
	}
	if e.Cron == "" {
		return fmt.Errorf("schedule %q: cron expression is required", e.Name)
	}
	if e.TimeZone != "" {
		if _, err := time.LoadLocation(e.TimeZone); err != nil {
			return fmt.Errorf("schedule %q: invalid timezone: %w", e.Name, err)
		}
	}
	if _, err := parser.Parse(e.spec()); err != nil {
		return fmt.Errorf("schedule %q: invalid cron schedule %q: %w", e.Name, e.Cron, err)
	}
	return nil
}

// Controller is the part of the supervisor a schedule drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Scheduler runs entries against a Controller. A run is skipped while the
// previous run of the same entry is still in progress.
type Scheduler struct {
	ctl     Controller
	log     *slog.Logger
	timeout time.Duration
	cron    *cron.Cron

	mu      sync.Mutex
	ids     map[string]cron.EntryID
	started bool
}

// New validates entries and registers them. Names must be unique.
func New(ctl Controller, entries []Entry, opts Options) (*Scheduler, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "schedule")
	s := &Scheduler{
		ctl:     ctl,
		log:     log,
		timeout: opts.Timeout,
		ids:     make(map[string]cron.EntryID, len(entries)),
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
	)
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.ids[e.Name]; dup {
			return nil, fmt.Errorf("schedule %q: duplicate name", e.Name)
		}
		id, err := s.cron.AddJob(e.spec(), cron.FuncJob(func() { s.run(e) }))
		if err != nil {
			return nil, fmt.Errorf("failed to schedule %q: %w", e.Name, err)
		}
		s.ids[e.Name] = id
	}
	return s, nil
}

// Start begins firing entries. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	for name := range s.ids {
		metrics.SetScheduleNext(name, s.nextLocked(name))
	}
	s.log.Info("schedule started", "entries", len(s.ids))
}

// Stop halts scheduling and waits for running actions until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next activation of the named entry, or the zero time
// when it is unknown or the scheduler is stopped.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked(name)
}

func (s *Scheduler) nextLocked(name string) time.Time {
	id, ok := s.ids[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) run(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var err error
	switch e.Action {
	case ActionStart:
		err = s.ctl.Start(ctx)
	case ActionStop:
		err = s.ctl.Stop(ctx)
	}
	metrics.IncScheduleRun(e.Name, string(e.Action), err)
	metrics.SetScheduleNext(e.Name, s.Next(e.Name))
	if err != nil {
		s.log.Error("scheduled action failed", "name", e.Name, "action", e.Action, "error", err)
		return
	}
	s.log.Info("scheduled action done", "name", e.Name, "action", e.Action)
}

// cronLogger routes the cron library's messages into slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
