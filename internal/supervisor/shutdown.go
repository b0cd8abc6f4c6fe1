package supervisor

import (
	"context"

	"github.com/loykin/sidekick/internal/events"
	"github.com/loykin/sidekick/internal/metrics"
)

// shutdownLocked runs the graceful-then-forced sequence and leaves the
// supervisor Stopped. A failing stop request never blocks the later steps.
func (s *Supervisor) shutdownLocked(ctx context.Context, reason string) {
	w := s.worker
	runID := s.runID
	if w != nil {
		if w.Alive() {
			if err := s.transport.Stop(ctx); err != nil {
				s.log.Debug("stop request failed", "error", err)
			}
		}
		if !w.WaitExit(s.opts.GracePeriod) {
			s.log.Info("worker still running after grace period, terminating", "pid", w.PID())
			_ = w.Terminate()
			if !w.WaitExit(s.opts.TermWait) {
				_ = w.Kill()
				metrics.IncForcedKill()
			}
		}
		if err := w.Release(); err != nil {
			s.log.Warn("failed to release worker", "pid", w.PID(), "error", err)
		}
	}
	s.worker = nil
	s.setPhaseLocked(Stopped)
	s.removeSocket("shutdown")
	metrics.IncStop(reason)
	s.publishLocked(events.New(events.StreamLifecycle, runID, events.Payload{Type: "stopped", Status: reason}))
	s.log.Info("worker stopped", "reason", reason, "run_id", runID)
}
