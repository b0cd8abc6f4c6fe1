package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/sidekick/internal/events"
)

// poll runs for one Running lifetime. Ticks never overlap: a slow status
// call delays the next tick rather than stacking.
func (s *Supervisor) poll(ctx context.Context, gen uint64, w Worker, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Done():
			s.handleWorkerExit(gen, w)
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		if idle := s.idleFor(); idle > s.opts.IdleTimeout {
			s.idleStop(gen, idle)
			return
		}

		body, err := s.transport.Status(ctx)
		if ctx.Err() != nil {
			return
		}
		var ev events.Event
		if err == nil {
			var p events.Payload
			p, err = events.Decode(body)
			if err == nil {
				ev = events.New(events.StreamStatus, "", p)
				ev.Raw = body
			}
		}
		if !s.publishIfRunning(gen, ev, err) {
			return
		}
		if err != nil {
			s.log.Warn("status poll failed", "error", err)
		}
	}
}

// publishIfRunning publishes the status (or an error event when err is set)
// if gen is still the Running generation. It reports whether polling
// should continue.
func (s *Supervisor) publishIfRunning(gen uint64, ev events.Event, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.phase != Running {
		return false
	}
	if err != nil {
		ev = events.Failure(s.runID, "status", err)
	} else {
		ev.RunID = s.runID
	}
	s.publishLocked(ev)
	return true
}

// idleStop shuts the worker down from inside the poller. It must not wait on
// its own done channel.
func (s *Supervisor) idleStop(gen uint64, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.phase != Running {
		return
	}
	runID := s.runID
	s.log.Info("worker idle, stopping", "idle", idle.Round(time.Millisecond), "timeout", s.opts.IdleTimeout)
	s.beginStopLocked()
	s.shutdownLocked(context.Background(), "idle")
	s.publishLocked(events.New(events.StreamStatus, runID, events.Payload{
		Type:    "idle_timeout",
		Message: fmt.Sprintf("worker stopped after %s without activity", s.opts.IdleTimeout),
	}))
}

// handleWorkerExit cleans up after a worker that exited on its own.
func (s *Supervisor) handleWorkerExit(gen uint64, w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.phase != Running {
		return
	}
	err := ErrWorkerExited
	if st, ok := w.(interface{ ExitError() error }); ok && st.ExitError() != nil {
		err = fmt.Errorf("%w: %w", ErrWorkerExited, st.ExitError())
	}
	s.log.Warn("worker exited unexpectedly", "pid", w.PID(), "error", err)
	s.publishLocked(events.Failure(s.runID, "worker", err))
	s.beginStopLocked()
	s.shutdownLocked(context.Background(), "exited")
}
