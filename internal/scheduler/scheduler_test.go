package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTicksUntilStopped(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, Immediate: true}, zerolog.Nop())

	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), func(ctx context.Context, at time.Time) error {
			if ticks.Add(1) == 3 {
				s.Stop()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(3), ticks.Load())
}

func TestRunReturnsContextError(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	s.Stop()
	s.Stop()

	var called bool
	err := s.Run(context.Background(), func(context.Context, time.Time) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestNextTickAligns(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC), s.nextTick(now))

	unaligned := New(Options{Interval: time.Minute}, zerolog.Nop())
	assert.Equal(t, now.Add(time.Minute), unaligned.nextTick(now))
}
