package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/sidekick/internal/metrics"
)

// probe polls the health endpoint until it answers, the attempts run out,
// the worker exits or ctx is cancelled. Connection refusals and unhealthy
// answers count the same.
func (s *Supervisor) probe(ctx context.Context, w Worker) error {
	retries := s.opts.ReadyRetries
	var last error
	for attempt := 1; attempt <= retries; attempt++ {
		err := s.transport.Health(ctx)
		metrics.IncProbeAttempt(err == nil)
		if err == nil {
			s.log.Debug("worker healthy", "attempt", attempt)
			return nil
		}
		last = err
		s.log.Debug("worker not ready", "attempt", attempt, "of", retries, "error", err)
		if attempt == retries {
			break
		}
		if err := s.waitRetry(ctx, w); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("readiness probe: %w", err)
	}
	if !w.Alive() {
		return fmt.Errorf("%w: %w", ErrStartupTimeout, ErrWorkerExited)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrStartupTimeout, retries, last)
}

func (s *Supervisor) waitRetry(ctx context.Context, w Worker) error {
	t := time.NewTimer(s.opts.ReadyInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("readiness probe: %w", ctx.Err())
	case <-w.Done():
		return fmt.Errorf("%w: %w", ErrStartupTimeout, ErrWorkerExited)
	case <-t.C:
		return nil
	}
}
