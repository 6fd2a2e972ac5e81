package engram

import (
	"context"
	"log"
	"time"
)

// Scheduler runs a background goroutine that periodically invokes the
// orchestrator's Sleep maintenance sequence, adapted from the teacher's
// decay worker to ENGRAM's consolidate/dream/metabolize cycle. Disabled by
// default: callers opt in with a positive interval.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
	cancel       context.CancelFunc
}

// NewScheduler constructs a Scheduler over o. interval <= 0 means the
// scheduler is inert; Start becomes a no-op.
func NewScheduler(o *Orchestrator, interval time.Duration) *Scheduler {
	return &Scheduler{orchestrator: o, interval: interval}
}

// Start launches the background maintenance loop. Calling Start on an
// already-started or disabled Scheduler is a no-op.
func (s *Scheduler) Start() {
	if s.interval <= 0 || s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				result, err := s.orchestrator.Sleep(ctx)
				if err != nil {
					log.Printf("[engram] scheduled sleep error: %v", err)
					continue
				}
				if result.Consolidated > 0 || result.Dreamed > 0 || len(result.Metabolized) > 0 {
					log.Printf("[engram] scheduled sleep: consolidated=%d dreamed=%d metabolized=%d",
						result.Consolidated, result.Dreamed, len(result.Metabolized))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the background loop. Safe to call on a Scheduler that was
// never started.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
