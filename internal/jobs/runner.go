package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
)

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job model.Job) error

type Config struct {
	ClaimLimit  int
	Concurrency int
	StaleAfter  time.Duration
	// HeartbeatEvery is how often a running job's lock is refreshed.
	// Defaults to a third of StaleAfter.
	HeartbeatEvery time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// Runner executes queued jobs of the kinds it has handlers for, at least
// once. Jobs are claimed with row locks, so any number of runners may share
// one queue. A running job's lock is refreshed while its handler works, so
// only jobs whose runner died are recovered as stale.
type Runner struct {
	repo     repo.JobRepo
	cfg      Config
	handlers map[string]Handler

	mu          sync.Mutex
	lastRecover time.Time

	now func() time.Time
}

func NewRunner(r repo.JobRepo, cfg Config) *Runner {
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.HeartbeatEvery <= 0 && cfg.StaleAfter > 0 {
		cfg.HeartbeatEvery = cfg.StaleAfter / 3
	}
	return &Runner{
		repo:     r,
		cfg:      cfg,
		handlers: map[string]Handler{},
		now:      time.Now,
	}
}

// Handle registers h for kind. It must be called before the runner starts.
func (r *Runner) Handle(kind string, h Handler) {
	r.handlers[kind] = h
}

// Kinds lists the job kinds this runner claims.
func (r *Runner) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Tick is the scheduler entry point: it requeues stale jobs at most once per
// StaleAfter and then drains one batch of due jobs.
func (r *Runner) Tick(ctx context.Context) {
	if r.shouldRecover() {
		if _, err := r.RecoverStale(ctx); err != nil {
			slog.Error("jobs: recover stale failed", "err", err)
		}
	}
	if _, err := r.RunOnce(ctx); err != nil {
		slog.Error("jobs: run failed", "err", err)
	}
}

func (r *Runner) shouldRecover() bool {
	if r.cfg.StaleAfter <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.lastRecover.IsZero() && now.Sub(r.lastRecover) < r.cfg.StaleAfter {
		return false
	}
	r.lastRecover = now
	return true
}

// RecoverStale puts running jobs whose lock is older than StaleAfter back in
// the queue. Their worker is assumed dead.
func (r *Runner) RecoverStale(ctx context.Context) (int, error) {
	return r.repo.RequeueStaleRunningJobs(ctx, r.Kinds(), r.now().Add(-r.cfg.StaleAfter))
}

// RunOnce claims up to ClaimLimit due jobs and runs them with at most
// Concurrency in flight. It returns the number of jobs claimed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	kinds := r.Kinds()
	if len(kinds) == 0 {
		return 0, nil
	}
	jobs, err := r.repo.ClaimDueJobs(ctx, kinds, r.now(), r.cfg.ClaimLimit)
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			r.execute(ctx, j)
			return nil
		})
	}
	_ = g.Wait()

	return len(jobs), nil
}

func (r *Runner) execute(ctx context.Context, j model.Job) {
	log := slog.With("job_id", j.ID, "kind", j.Kind, "attempt", j.Attempt+1)
	start := r.now()

	stop := r.heartbeat(ctx, j.ID)
	err := r.call(ctx, j)
	stop()
	if err == nil {
		if err := r.repo.CompleteJob(ctx, j.ID); err != nil {
			log.Error("jobs: complete failed", "err", err)
			return
		}
		log.Debug("jobs: done", "duration_ms", r.now().Sub(start).Milliseconds())
		return
	}

	next := r.now().Add(r.backoff(j.Attempt))
	if ferr := r.repo.FailJob(ctx, j.ID, err.Error(), next); ferr != nil {
		log.Error("jobs: fail failed", "err", ferr, "job_err", err)
		return
	}
	if j.MaxAttempts > 0 && j.Attempt+1 >= j.MaxAttempts {
		log.Error("jobs: giving up", "err", err)
		return
	}
	log.Warn("jobs: failed, will retry", "err", err, "next_run_at", next)
}

// heartbeat refreshes the job's lock until the returned stop is called.
func (r *Runner) heartbeat(ctx context.Context, id string) (stop func()) {
	if r.cfg.HeartbeatEvery <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(r.cfg.HeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := r.repo.TouchJob(hbCtx, id, r.now()); err != nil && hbCtx.Err() == nil {
					slog.Warn("jobs: heartbeat failed", "job_id", id, "err", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) call(ctx context.Context, j model.Job) (err error) {
	h, ok := r.handlers[j.Kind]
	if !ok {
		return fmt.Errorf("no handler for job kind %q", j.Kind)
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("jobs: handler panic recovered", "job_id", j.ID, "kind", j.Kind, "panic", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(ctx, j)
}

// backoff doubles BaseBackoff for every previous failure, capped at MaxBackoff.
func (r *Runner) backoff(prevFailures int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 0; i < prevFailures; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return min(d, r.cfg.MaxBackoff)
}
