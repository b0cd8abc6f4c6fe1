package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/pidfile"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/resolver"
)

// Worker is the handle the supervisor keeps for a spawned worker process.
// *process.Process implements it.
type Worker interface {
	PID() int
	Done() <-chan struct{}
	Alive() bool
	WaitExit(d time.Duration) bool
	Terminate() error
	Kill() error
	Release() error
}

// Launcher spawns a worker.
type Launcher interface {
	Launch(ctx context.Context) (Worker, error)
}

// ProcessLauncher starts Spec. Spec.Path is the platform executable,
// resolved once when the launcher is built.
//
// With PIDFile set, a worker still recorded there from an earlier daemon is
// stopped before the new one spawns, and the file tracks the new worker
// until it is released.
type ProcessLauncher struct {
	Spec      process.Spec
	PIDFile   string
	ReapGrace time.Duration
}

// NewProcessLauncher resolves the executable for the current platform and
// returns a launcher for it.
func NewProcessLauncher(r resolver.Resolver, spec process.Spec) (ProcessLauncher, error) {
	path, err := r.Lookup()
	if err != nil {
		return ProcessLauncher{}, fmt.Errorf("failed to resolve worker executable: %w", err)
	}
	spec.Path = path
	return ProcessLauncher{Spec: spec}, nil
}

func (l ProcessLauncher) Launch(_ context.Context) (Worker, error) {
	if l.Spec.Path == "" {
		return nil, errors.New("worker executable not set")
	}
	var pf pidfile.File
	if l.PIDFile != "" {
		pf = pidfile.File{Path: l.PIDFile}
		pid, err := pf.Reap(l.ReapGrace)
		if err != nil {
			return nil, fmt.Errorf("failed to stop orphaned worker: %w", err)
		}
		if pid > 0 && l.Spec.Log != nil {
			l.Spec.Log.Warn("stopped orphaned worker", "pid", pid, "pidfile", l.PIDFile)
		}
	}
	p, err := process.Start(l.Spec)
	if err != nil {
		return nil, err
	}
	if l.PIDFile == "" {
		return p, nil
	}
	if err := pf.Write(p.PID()); err != nil {
		_ = p.Release()
		return nil, fmt.Errorf("failed to write pidfile: %w", err)
	}
	return trackedWorker{Process: p, pf: pf}, nil
}

// trackedWorker removes its PID file once released.
type trackedWorker struct {
	*process.Process
	pf pidfile.File
}

func (w trackedWorker) Release() error {
	return errors.Join(w.Process.Release(), w.pf.Remove())
}

// Transport is the four-operation worker protocol. *wire.Client implements it.
type Transport interface {
	Health(ctx context.Context) error
	Status(ctx context.Context) ([]byte, error)
	Input(ctx context.Context, text string) ([]byte, error)
	Stop(ctx context.Context) error
}

// meteredTransport records call counts and latency per operation.
type meteredTransport struct {
	Transport
}

func (t meteredTransport) Health(ctx context.Context) error {
	start := time.Now()
	err := t.Transport.Health(ctx)
	metrics.ObserveWorkerCall("health", time.Since(start), err)
	return err
}

func (t meteredTransport) Status(ctx context.Context) ([]byte, error) {
	start := time.Now()
	b, err := t.Transport.Status(ctx)
	metrics.ObserveWorkerCall("status", time.Since(start), err)
	return b, err
}

func (t meteredTransport) Input(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	b, err := t.Transport.Input(ctx, text)
	metrics.ObserveWorkerCall("input", time.Since(start), err)
	return b, err
}

func (t meteredTransport) Stop(ctx context.Context) error {
	start := time.Now()
	err := t.Transport.Stop(ctx)
	metrics.ObserveWorkerCall("stop", time.Since(start), err)
	return err
}
