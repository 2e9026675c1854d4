package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs the engine on a fixed interval with a re-entrancy
// guard: if a cycle is still running when the next tick fires, the
// tick is dropped rather than queued. There is never more than one
// cycle in flight and no backlog.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	// trigger carries webhook/manual requests for an immediate cycle.
	// Buffer of one: a trigger arriving while one is pending collapses
	// into it.
	trigger chan struct{}

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler for the engine.
func NewScheduler(engine *Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// TriggerNow requests an immediate reconciliation cycle, subject to
// the same single-cycle guard as timer ticks. Safe from any goroutine.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes one cycle immediately, then one per interval until the
// context is cancelled. It returns after any in-flight cycle finishes.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("reconciliation scheduler starting",
		slog.Duration("interval", s.interval),
	)

	s.runGuarded(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("reconciliation scheduler stopped")

			return ctx.Err()

		case <-ticker.C:
			s.runGuarded(ctx)

		case <-s.trigger:
			s.logger.Info("immediate cycle requested")
			s.runGuarded(ctx)
		}
	}
}

// runGuarded starts a cycle unless one is already in flight, in which
// case the request is dropped.
func (s *Scheduler) runGuarded(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("cycle still running, dropping tick")
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)

		if err := s.engine.RunCycle(ctx); err != nil {
			// RunCycle already logged the cause with its context.
			s.logger.Debug("cycle aborted", slog.String("error", err.Error()))
		}
	}()
}
