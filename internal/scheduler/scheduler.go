package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler calls tickFn at every activation of its cron schedule until
// stopped. Ticks never overlap.
type Scheduler struct {
	name       string
	schedule   cron.Schedule
	tickFn     func(context.Context)
	runOnStart bool

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, schedule cron.Schedule, tickFn func(context.Context)) (*Scheduler, error) {
	if schedule == nil {
		return nil, errors.New("schedule must not be nil")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		name:     name,
		schedule: schedule,
		tickFn:   tickFn,
		done:     make(chan struct{}),
	}, nil
}

// RunOnStart makes Start tick once immediately before waiting for the
// first activation.
func (s *Scheduler) RunOnStart() *Scheduler {
	s.runOnStart = true
	return s
}

// ParseSpec parses a standard five-field cron expression evaluated in UTC.
func ParseSpec(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard("CRON_TZ=UTC " + spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return sched, nil
}

type interval time.Duration

func (i interval) Next(t time.Time) time.Time { return t.Add(time.Duration(i)) }

// Every activates at a fixed delay after each tick. Unlike cron.Every it
// allows sub-second delays.
func Every(d time.Duration) cron.Schedule {
	return interval(d)
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		slog.Info("scheduler started", "name", s.name)

		if s.runOnStart {
			s.safeTick(ctx)
		}

		for {
			next := s.schedule.Next(time.Now())
			if next.IsZero() {
				slog.Warn("scheduler has no further activations", "name", s.name)
				return
			}
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				slog.Info("scheduler stopping", "name", s.name)
				return
			case <-timer.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped", "name", s.name)
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panic recovered", "name", s.name, "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	slog.Debug("scheduler tick completed", "name", s.name, "duration_ms", time.Since(start).Milliseconds())
}
