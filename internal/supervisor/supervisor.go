// Package supervisor runs one worker process through its lifecycle: spawn,
// readiness probing, status polling with an idle timeout, and a
// graceful-then-forced shutdown.
//
// Lock order: mu (phase) may be held while taking actMu (activity), never
// the reverse. RecordActivity only takes actMu so it is never blocked by a
// phase transition.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/sidekick/internal/events"
	"github.com/loykin/sidekick/internal/metrics"
)

var (
	ErrStartupTimeout = errors.New("worker did not become ready")
	ErrNotRunning     = errors.New("worker is not running")
	ErrStartAborted   = errors.New("start aborted by stop")
	ErrSpawn          = errors.New("failed to spawn worker")
	ErrWorkerExited   = errors.New("worker exited")
)

// Defaults applied by New for zero Options fields.
const (
	DefaultIdleTimeout   = 300 * time.Second
	DefaultPollInterval  = time.Second
	DefaultReadyRetries  = 20
	DefaultReadyInterval = 500 * time.Millisecond
	DefaultGracePeriod   = 500 * time.Millisecond
	DefaultTermWait      = 250 * time.Millisecond
)

type Options struct {
	IdleTimeout   time.Duration
	PollInterval  time.Duration
	ReadyRetries  int
	ReadyInterval time.Duration
	// GracePeriod is how long the worker gets to exit after POST /stop.
	GracePeriod time.Duration
	// TermWait is how long a worker gets after SIGTERM before SIGKILL.
	TermWait time.Duration
	// SocketPath is the worker's unix socket file, removed before spawn and
	// after shutdown. Empty for TCP endpoints.
	SocketPath string
	// Now is the clock used for activity tracking.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReadyRetries <= 0 {
		o.ReadyRetries = DefaultReadyRetries
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = DefaultReadyInterval
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.TermWait <= 0 {
		o.TermWait = DefaultTermWait
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// State is a snapshot of the supervisor.
type State struct {
	Phase         Phase         `json:"phase"`
	RunID         string        `json:"run_id,omitempty"`
	PID           int           `json:"pid,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	LastActivity  time.Time     `json:"last_activity,omitzero"`
	IdleRemaining time.Duration `json:"idle_remaining,omitempty"`
}

// Supervisor owns at most one worker at a time.
type Supervisor struct {
	launcher  Launcher
	transport Transport
	sink      events.Sink
	opts      Options
	log       *slog.Logger

	mu          sync.Mutex
	phase       Phase
	worker      Worker
	runID       string
	startedAt   time.Time
	gen         uint64 // bumped on every spawn; stale goroutines compare against it
	probeCancel context.CancelFunc
	pollCancel  context.CancelFunc
	pollDone    chan struct{}

	actMu        sync.Mutex
	lastActivity time.Time
}

// New creates a supervisor in phase NotStarted. A nil sink discards events.
func New(launcher Launcher, transport Transport, sink events.Sink, opts Options) *Supervisor {
	opts.applyDefaults()
	if sink == nil {
		sink = events.Discard
	}
	return &Supervisor{
		launcher:  launcher,
		transport: meteredTransport{transport},
		sink:      sink,
		opts:      opts,
		log:       opts.Logger,
		phase:     NotStarted,
	}
}

// Start spawns the worker and waits until it answers the health check. It
// returns nil without doing anything if a worker is already starting or
// running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.phase.idle() {
		s.mu.Unlock()
		return nil
	}
	s.removeSocket("stale")
	w, err := s.launcher.Launch(ctx)
	if err != nil {
		s.mu.Unlock()
		metrics.IncStart("spawn_error")
		s.log.Error("failed to spawn worker", "error", err)
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	s.gen++
	gen := s.gen
	s.worker = w
	s.runID = uuid.NewString()
	s.startedAt = s.opts.Now()
	s.setPhaseLocked(Starting)
	s.touch()
	probeCtx, cancel := context.WithCancel(ctx)
	s.probeCancel = cancel
	runID := s.runID
	s.publishLocked(events.New(events.StreamLifecycle, runID, events.Payload{Type: "starting"}))
	s.mu.Unlock()

	s.log.Info("worker spawned", "pid", w.PID(), "run_id", runID)
	begin := time.Now()
	probeErr := s.probe(probeCtx, w)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.phase != Starting {
		// Stop took over while we were probing and already cleaned up.
		metrics.IncStart("aborted")
		return ErrStartAborted
	}
	s.probeCancel = nil
	if probeErr != nil {
		s.log.Error("worker failed readiness check", "run_id", runID, "error", probeErr)
		s.discardWorkerLocked(w)
		metrics.IncStart("timeout")
		s.publishLocked(events.Failure(runID, "start", probeErr))
		return probeErr
	}

	metrics.IncStart("ok")
	metrics.ObserveStartDuration(time.Since(begin))
	s.setPhaseLocked(Running)
	pollCtx, pollCancel := context.WithCancel(context.Background())
	s.pollCancel = pollCancel
	s.pollDone = make(chan struct{})
	go s.poll(pollCtx, gen, w, s.pollDone)
	s.publishLocked(events.New(events.StreamLifecycle, runID, events.Payload{Type: "running"}))
	s.log.Info("worker ready", "pid", w.PID(), "run_id", runID)
	return nil
}

// discardWorkerLocked kills a worker that never became ready and returns to
// NotStarted.
func (s *Supervisor) discardWorkerLocked(w Worker) {
	if w.Alive() {
		_ = w.Kill()
	}
	if err := w.Release(); err != nil {
		s.log.Warn("failed to release worker", "error", err)
	}
	s.worker = nil
	s.setPhaseLocked(NotStarted)
	s.removeSocket("failed start")
}

// Stop shuts the worker down. It returns nil when nothing is running and
// once cleanup has completed otherwise.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case Starting:
		if s.probeCancel != nil {
			s.probeCancel()
			s.probeCancel = nil
		}
	case Running:
	default:
		s.mu.Unlock()
		return nil
	}
	pollDone := s.beginStopLocked()
	s.shutdownLocked(ctx, "manual")
	s.mu.Unlock()

	// The poller may be waiting on mu to publish; it exits once it sees the
	// new generation state.
	if pollDone != nil {
		<-pollDone
	}
	return nil
}

// beginStopLocked moves to Stopping and cancels the poller, returning its
// done channel.
func (s *Supervisor) beginStopLocked() chan struct{} {
	s.setPhaseLocked(Stopping)
	done := s.pollDone
	if s.pollCancel != nil {
		s.pollCancel()
	}
	s.pollCancel = nil
	s.pollDone = nil
	return done
}

// SendInput forwards text to the worker. Transport failures are published
// as error events rather than returned; only ErrNotRunning is an error.
func (s *Supervisor) SendInput(ctx context.Context, text string) error {
	_, err := s.SendInputSync(ctx, text)
	if errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// SendInputSync is SendInput that also returns the decoded reply and the
// transport error.
func (s *Supervisor) SendInputSync(ctx context.Context, text string) (events.Payload, error) {
	s.mu.Lock()
	if s.phase != Running {
		s.mu.Unlock()
		return events.Payload{}, ErrNotRunning
	}
	gen, runID := s.gen, s.runID
	s.mu.Unlock()

	s.touch()
	body, err := s.transport.Input(ctx, text)
	var p events.Payload
	if err == nil {
		p, err = events.Decode(body)
	}

	var ev events.Event
	if err != nil {
		ev = events.Failure(runID, "input", err)
	} else {
		ev = events.New(events.StreamInput, runID, p)
		ev.Raw = body
	}
	s.mu.Lock()
	if s.gen == gen && s.phase == Running {
		s.publishLocked(ev)
	} else {
		s.log.Debug("dropping input result for finished run", "run_id", runID)
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("input call failed", "run_id", runID, "error", err)
	}
	return p, err
}

// RecordActivity resets the idle timer.
func (s *Supervisor) RecordActivity() { s.touch() }

func (s *Supervisor) touch() {
	now := s.opts.Now()
	s.actMu.Lock()
	s.lastActivity = now
	s.actMu.Unlock()
}

func (s *Supervisor) idleFor() time.Duration {
	s.actMu.Lock()
	last := s.lastActivity
	s.actMu.Unlock()
	return s.opts.Now().Sub(last)
}

// Snapshot returns the current state.
func (s *Supervisor) Snapshot() State {
	s.mu.Lock()
	st := State{Phase: s.phase}
	if s.phase.active() {
		st.RunID = s.runID
		st.StartedAt = s.startedAt
		if s.worker != nil {
			st.PID = s.worker.PID()
		}
	}
	s.mu.Unlock()

	s.actMu.Lock()
	st.LastActivity = s.lastActivity
	s.actMu.Unlock()
	if st.Phase == Running {
		if rem := s.opts.IdleTimeout - s.idleFor(); rem > 0 {
			st.IdleRemaining = rem
		}
	}
	return st
}

// Phase returns the current phase.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// PID returns the worker's pid, or 0 when none is held.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil {
		return 0
	}
	return s.worker.PID()
}

// Close stops the worker and closes the sink if it is an io.Closer.
func (s *Supervisor) Close(ctx context.Context) error {
	_ = s.Stop(ctx)
	if c, ok := s.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Supervisor) setPhaseLocked(p Phase) {
	old := s.phase
	s.phase = p
	if old != p {
		metrics.RecordPhaseTransition(old.String(), p.String())
		s.log.Debug("phase transition", "from", old.String(), "to", p.String())
	}
}

// publishLocked delivers ev while mu is held so that nothing is published
// for a run after its stopped event.
func (s *Supervisor) publishLocked(ev events.Event) {
	s.sink.Publish(ev)
	metrics.IncEventPublished(string(ev.Stream))
}

// removeSocket deletes the worker's unix socket file if one exists.
func (s *Supervisor) removeSocket(why string) {
	path := s.opts.SocketPath
	if path == "" {
		return
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return
	}
	if fi.Mode()&os.ModeSocket == 0 {
		s.log.Warn("not removing non-socket file at worker socket path", "path", path)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("failed to remove worker socket", "path", path, "error", err)
		return
	}
	s.log.Debug("removed worker socket", "path", path, "reason", why)
}
