// Package scheduler drives the scheduled approval pipeline. It sleeps until the
// earliest pending due date, bounded by a maximum sleep, then triggers every
// milestone that has come due.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"escrow/pkg/requestcontext"
)

// Runner is the milestone service surface the scheduler needs.
type Runner interface {
	RunDue(ctx context.Context, asOf time.Time) (int, error)
	NextDue(ctx context.Context) (time.Time, bool, error)
}

type Scheduler struct {
	runner   Runner
	maxSleep time.Duration
	minSleep time.Duration
	now      func() time.Time
	wake     chan struct{}
	logger   *slog.Logger
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithMinSleep sets the pause after a pass that triggered nothing while a due
// date is already past, e.g. because the overdue milestone keeps failing.
func WithMinSleep(d time.Duration) Option {
	return func(s *Scheduler) {
		s.minSleep = d
	}
}

func New(runner Runner, maxSleep time.Duration, opts ...Option) *Scheduler {
	if maxSleep <= 0 {
		maxSleep = time.Minute
	}
	s := &Scheduler{
		runner:   runner,
		maxSleep: maxSleep,
		minSleep: time.Second,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.minSleep <= 0 || s.minSleep > s.maxSleep {
		s.minSleep = s.maxSleep
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Wake cuts the current sleep short, e.g. after a contract is confirmed with
// a due date earlier than the one the scheduler is waiting for.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run triggers due milestones until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", "max_sleep", s.maxSleep)
	for {
		n := s.RunOnce(ctx)
		timer := time.NewTimer(s.sleepFor(ctx, n))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce runs a single pass at the current time and reports how many
// milestones were triggered.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now().UTC()
	ctx = requestcontext.WithTime(ctx, now)
	ctx = requestcontext.WithRequestID(ctx, "scheduler-"+uuid.NewString())
	n, err := s.runner.RunDue(ctx, now)
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "scheduled pass failed", "error", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "scheduled milestones triggered", "count", n)
	}
	return n
}

// sleepFor returns the wait before the next pass. An overdue item is retried
// at once only when the previous pass triggered something.
func (s *Scheduler) sleepFor(ctx context.Context, triggered int) time.Duration {
	next, ok, err := s.runner.NextDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WarnContext(ctx, "next due lookup failed", "error", err)
		}
		return s.maxSleep
	}
	if !ok {
		return s.maxSleep
	}
	d := next.Sub(s.now())
	switch {
	case d <= 0 && triggered == 0:
		return s.minSleep
	case d < 0:
		return 0
	case d > s.maxSleep:
		return s.maxSleep
	}
	return d
}
