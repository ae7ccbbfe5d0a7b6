package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Immediate runs the first tick before the first sleep.
	Immediate bool
}

// Scheduler is a sleep-then-repeat loop. Stop ends it once the current tick returns.
type Scheduler struct {
	opts     Options
	logger   zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		stop:   make(chan struct{}),
	}
}

// Stop asks the loop to exit. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run blocks, invoking tick every interval until ctx is cancelled or Stop is called.
// A stopped scheduler returns nil; a cancelled one returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.wait(ctx, s.opts.StartupDelay); err != nil || s.stopped() {
			return err
		}
	}

	if s.opts.Immediate {
		s.fire(ctx, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		if s.stopped() {
			return nil
		}
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := s.wait(ctx, delay); err != nil {
			return err
		}
		if s.stopped() {
			s.logger.Info().Msg("scheduler stopped")
			return nil
		}

		s.fire(ctx, tick, s.tickStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, at time.Time) {
	s.logger.Debug().Time("tick", at).Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return nil
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
