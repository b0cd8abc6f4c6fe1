package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sidekick/internal/logger"
)

// waitDelay bounds how long Wait keeps copying output after the worker exits
// while a grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

// ErrNotStarted is returned for operations on a handle without a process.
var ErrNotStarted = errors.New("process not started")

// Process is a handle to one spawned worker. A single goroutine owns
// cmd.Wait; everyone else observes exit through Done.
type Process struct {
	spec    Spec
	mu      sync.Mutex
	status  Status
	pid     int
	done    chan struct{}
	closers []io.Closer
	killFn  func(sig signal) error
}

// Start spawns the worker described by spec in its own process group.
func Start(spec Spec) (*Process, error) {
	cmd := spec.BuildCommand()
	p := &Process{spec: spec, done: make(chan struct{})}

	outW, errW, err := spec.Output.Writers(spec.displayName())
	if err != nil {
		return nil, err
	}
	if stdout := p.outputWriter(outW, slog.LevelInfo, "stdout"); stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr := p.outputWriter(errW, slog.LevelWarn, "stderr"); stderr != nil {
		cmd.Stderr = stderr
	}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	p.pid = cmd.Process.Pid
	p.killFn = func(sig signal) error { return signalGroup(cmd.Process, sig) }
	p.status = Status{Name: spec.displayName(), PID: p.pid, Running: true, StartedAt: time.Now()}

	go func() {
		werr := cmd.Wait()
		p.closeWriters()
		p.mu.Lock()
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		p.status.ExitErr = werr
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// outputWriter combines the rotated file and the slog relay for one stream.
func (p *Process) outputWriter(file io.WriteCloser, level slog.Level, stream string) io.Writer {
	if p.spec.Log != nil {
		lw := logger.NewLineWriter(p.spec.Log.With("worker", p.spec.displayName()), level, stream, file)
		p.closers = append(p.closers, lw)
		return lw
	}
	if file != nil {
		p.closers = append(p.closers, file)
		return file
	}
	return nil
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

// PID returns the worker's process id.
func (p *Process) PID() int { return p.pid }

// Done is closed once the worker has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the worker has not yet exited.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// WaitExit waits up to d for the worker to exit and reports whether it did.
func (p *Process) WaitExit(d time.Duration) bool {
	if d <= 0 {
		return !p.Alive()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Terminate asks the worker's process group to exit.
func (p *Process) Terminate() error { return p.signal(sigTerm) }

// Kill forcibly stops the worker's process group.
func (p *Process) Kill() error { return p.signal(sigKill) }

func (p *Process) signal(sig signal) error {
	if p.killFn == nil {
		return ErrNotStarted
	}
	if !p.Alive() {
		return nil
	}
	return p.killFn(sig)
}

// Release waits for the reaper goroutine so output files are closed. It
// kills the worker first if it is still running.
func (p *Process) Release() error {
	if p.Alive() {
		_ = p.Kill()
	}
	if !p.WaitExit(waitDelay + time.Second) {
		return fmt.Errorf("process %d not reaped", p.pid)
	}
	return nil
}

// Status returns a copy of the current status.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ExitError returns the error from Wait once the worker has exited.
func (p *Process) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.ExitErr
}
