package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
)

type recordingObserver struct {
	mu    sync.Mutex
	names []string
	errs  int
}

func (r *recordingObserver) EffectCompleted(name string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	if err != nil {
		r.errs++
	}
}

func TestDrainWaitsForAllEffects(t *testing.T) {
	obs := &recordingObserver{}
	s := New(nil, 4, WithObserver(obs))

	var done atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Schedule(outcome.Effect{Name: "produce", Run: func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		}}))
	}

	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, int32(20), done.Load())
	assert.Zero(t, s.Pending())
	assert.Len(t, obs.names, 20)
}

func TestConcurrencyIsBounded(t *testing.T) {
	s := New(nil, 2)

	var running, peak atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Schedule(outcome.Effect{Name: "slow", Run: func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		}}))
	}
	require.NoError(t, s.Drain(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFailuresAreCountedNotReturned(t *testing.T) {
	obs := &recordingObserver{}
	s := New(nil, 0, WithObserver(obs))

	require.NoError(t, s.ScheduleAll([]outcome.Effect{
		{Name: "ok", Run: func(context.Context) error { return nil }},
		{Name: "broken", Run: func(context.Context) error { return errors.New("broker down") }},
		{Name: "nil run"},
	}))

	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, int64(1), s.Failed())
	assert.Equal(t, 1, obs.errs)
	assert.Len(t, obs.names, 2)
}

func TestEffectTimeoutAndBaseContext(t *testing.T) {
	type key struct{}
	base := context.WithValue(context.Background(), key{}, "base")
	s := New(nil, 1, WithEffectTimeout(10*time.Millisecond), WithBaseContext(base))

	var sawValue atomic.Bool
	require.NoError(t, s.Schedule(outcome.Effect{Name: "slow", Run: func(ctx context.Context) error {
		sawValue.Store(ctx.Value(key{}) == "base")
		<-ctx.Done()
		return ctx.Err()
	}}))

	require.NoError(t, s.Drain(context.Background()))
	assert.True(t, sawValue.Load())
	assert.Equal(t, int64(1), s.Failed())
}

func TestDrainHonoursContext(t *testing.T) {
	s := New(nil, 1)
	release := make(chan struct{})
	require.NoError(t, s.Schedule(outcome.Effect{Name: "blocked", Run: func(context.Context) error {
		<-release
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Drain(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(1), s.Pending())
	close(release)
}

func TestCloseRejectsNewEffects(t *testing.T) {
	s := New(nil, 1)
	require.NoError(t, s.Close(context.Background()))

	err := s.Schedule(outcome.Effect{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, errspkg.ErrSchedulerClosed)
}

func TestSchedulerIsReusableAcrossDrains(t *testing.T) {
	s := New(nil, 3)
	var count atomic.Int32
	for round := 0; round < 3; round++ {
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Schedule(outcome.Effect{Name: "n", Run: func(context.Context) error {
				count.Add(1)
				return nil
			}}))
		}
		require.NoError(t, s.Drain(context.Background()))
		assert.Equal(t, int32(5*(round+1)), count.Load())
	}
}
