package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/cooldown"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
)

// Enqueuer hands one claimed event to the send workers.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payload string, dedupeKey string) (string, error)
}

type Config struct {
	LimitPerMinute int
	Stagger        time.Duration
	StaleAfter     time.Duration
}

// Dispatcher moves due events into the send queue without exceeding the
// provider's per-minute budget.
type Dispatcher struct {
	repo     repo.MessageRepository
	jobs     Enqueuer
	cooldown cooldown.Store
	cfg      Config

	now func() time.Time
}

func New(r repo.MessageRepository, jobs Enqueuer, cd cooldown.Store, cfg Config) *Dispatcher {
	return &Dispatcher{repo: r, jobs: jobs, cooldown: cd, cfg: cfg, now: time.Now}
}

type TickResult struct {
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Requeued      int        `json:"requeued"`
	InProgress    int        `json:"in_progress"`
	Budget        int        `json:"budget"`
	Claimed       int        `json:"claimed"`
	Enqueued      int        `json:"enqueued"`
	Failed        int        `json:"failed"`
}

// DedupeKey is the job dedupe key of the send job for an event.
func DedupeKey(eventID string) string {
	return model.JobKindSend + ":" + eventID
}

func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	now := d.now().UTC()

	active, until, err := cooldown.Active(ctx, d.cooldown, now)
	if err != nil {
		return res, fmt.Errorf("check cooldown: %w", err)
	}
	if active {
		res.CooldownUntil = &until
		slog.Info("dispatch tick skipped: cooldown active", "until", until)
		return res, nil
	}

	if d.cfg.StaleAfter > 0 {
		n, err := d.repo.RequeueStaleEvents(ctx, now.Add(-d.cfg.StaleAfter))
		if err != nil {
			return res, fmt.Errorf("requeue stale events: %w", err)
		}
		res.Requeued = n
	}

	inProgress, err := d.repo.CountInProgress(ctx)
	if err != nil {
		return res, fmt.Errorf("count in progress: %w", err)
	}
	res.InProgress = inProgress
	res.Budget = d.cfg.LimitPerMinute - inProgress
	if res.Budget <= 0 {
		res.Budget = 0
		slog.Info("dispatch tick: no budget", "in_progress", inProgress, "limit", d.cfg.LimitPerMinute)
		return res, nil
	}

	events, err := d.repo.ClaimDueEvents(ctx, now, res.Budget)
	if err != nil {
		return res, fmt.Errorf("claim due events: %w", err)
	}
	res.Claimed = len(events)

	for i, ev := range events {
		runAt := now.Add(time.Duration(i) * d.cfg.Stagger)
		if _, err := d.jobs.EnqueueJob(ctx, model.JobKindSend, runAt, ev.ID, DedupeKey(ev.ID)); err != nil {
			// The event stays IN_PROGRESS and is picked up again once stale.
			res.Failed++
			slog.Error("dispatch: enqueue send failed", "event_id", ev.ID, "err", err)
			continue
		}
		res.Enqueued++
	}

	slog.Info("dispatch tick",
		"in_progress", res.InProgress,
		"budget", res.Budget,
		"claimed", res.Claimed,
		"enqueued", res.Enqueued,
		"failed", res.Failed,
		"requeued", res.Requeued,
	)
	return res, nil
}
