// Package scheduler runs fire-and-forget side effects with bounded
// concurrency and lets the caller await them at a single drain point.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	"github.com/drblury/sessionflow/internal/runtime/logging"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
)

// Observer is told about every completed effect.
type Observer interface {
	EffectCompleted(name string, err error, elapsed time.Duration)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver sets the completion observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithEffectTimeout bounds each effect's run time. Zero means no bound.
func WithEffectTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithBaseContext sets the context effects derive from. Effects do not
// inherit the scheduling caller's context so a cancelled batch still lets
// its side effects finish.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Scheduler) { s.base = ctx }
}

// Scheduler tracks side effects. Schedule never waits for the effect itself,
// only for a free slot when the concurrency limit is reached.
type Scheduler struct {
	logger   logging.ServiceLogger
	limit    int
	timeout  time.Duration
	base     context.Context
	observer Observer

	mu     sync.Mutex
	group  *errgroup.Group
	closed bool

	pending atomic.Int64
	failed  atomic.Int64
}

// New creates a scheduler running at most limit effects at once. A limit of
// zero or less means unbounded.
func New(logger logging.ServiceLogger, limit int, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Scheduler{
		logger: logger,
		limit:  limit,
		base:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.group = s.newGroup()
	return s
}

func (s *Scheduler) newGroup() *errgroup.Group {
	g := &errgroup.Group{}
	if s.limit > 0 {
		g.SetLimit(s.limit)
	}
	return g
}

// Schedule starts effect in the background.
func (s *Scheduler) Schedule(effect outcome.Effect) error {
	if effect.Run == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errspkg.ErrSchedulerClosed
	}
	g := s.group
	s.pending.Add(1)
	s.mu.Unlock()

	g.Go(func() error {
		defer s.pending.Add(-1)
		s.run(effect)
		return nil
	})
	return nil
}

// ScheduleAll schedules every effect in order.
func (s *Scheduler) ScheduleAll(effects []outcome.Effect) error {
	for _, e := range effects {
		if err := s.Schedule(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) run(effect outcome.Effect) {
	ctx := s.base
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := effect.Run(ctx)
	elapsed := time.Since(start)

	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("Side effect failed", logging.LogFields{
			"effect":  effect.Name,
			"error":   err.Error(),
			"elapsed": elapsed.String(),
		})
	}
	if s.observer != nil {
		s.observer.EffectCompleted(effect.Name, err, elapsed)
	}
}

// Drain waits for every effect scheduled so far. Effects scheduled while
// draining belong to the next drain. If ctx ends first, Drain returns its
// error and the outstanding effects keep running.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	g := s.group
	s.group = s.newGroup()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Side effect drain interrupted", logging.LogFields{"pending": s.pending.Load()})
		return ctx.Err()
	}
}

// Close rejects further effects and drains the outstanding ones.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Drain(ctx)
}

// Pending returns the number of effects not yet finished.
func (s *Scheduler) Pending() int64 { return s.pending.Load() }

// Failed returns the number of effects that returned an error.
func (s *Scheduler) Failed() int64 { return s.failed.Load() }
