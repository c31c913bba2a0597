package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/cooldown"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
)

var tickNow = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

type fakeRepo struct {
	inProgress  int
	due         []model.SMSEvent
	claimLimit  int
	staleBefore time.Time
	requeued    int
}

var _ repo.MessageRepository = (*fakeRepo)(nil)

func (f *fakeRepo) CountInProgress(context.Context) (int, error) { return f.inProgress, nil }

func (f *fakeRepo) ClaimDueEvents(_ context.Context, _ time.Time, limit int) ([]model.SMSEvent, error) {
	f.claimLimit = limit
	n := min(limit, len(f.due))
	out := f.due[:n]
	f.due = f.due[n:]
	f.inProgress += n
	return out, nil
}

func (f *fakeRepo) RequeueStaleEvents(_ context.Context, staleBefore time.Time) (int, error) {
	f.staleBefore = staleBefore
	return f.requeued, nil
}

func (f *fakeRepo) LockEvent(context.Context, string, func(context.Context, repo.EventTx) error) error {
	return nil
}

func (f *fakeRepo) ListHistory(context.Context, model.HistoryFilter) ([]model.SMSHistory, error) {
	return nil, nil
}

func (f *fakeRepo) HistoryStats(context.Context, time.Time) (model.HistoryStats, error) {
	return model.HistoryStats{}, nil
}

type enqueued struct {
	kind, payload, dedupe string
	runAt                 time.Time
}

type fakeJobs struct {
	calls  []enqueued
	failOn string
}

func (f *fakeJobs) EnqueueJob(_ context.Context, kind string, runAt time.Time, payload, dedupeKey string) (string, error) {
	if payload == f.failOn {
		return "", errors.New("db unavailable")
	}
	f.calls = append(f.calls, enqueued{kind: kind, payload: payload, dedupe: dedupeKey, runAt: runAt})
	return "job-" + payload, nil
}

type memCooldown struct{ until time.Time }

var _ cooldown.Store = (*memCooldown)(nil)

func (m *memCooldown) Until(context.Context) (time.Time, error)     { return m.until, nil }
func (m *memCooldown) Set(_ context.Context, until time.Time) error { m.until = until; return nil }

func dueEvents(n int) []model.SMSEvent {
	out := make([]model.SMSEvent, n)
	for i := range out {
		out[i] = model.SMSEvent{ID: fmt.Sprintf("ev-%d", i), Status: model.EventPending, SendAt: tickNow.Add(-time.Hour)}
	}
	return out
}

func newTestDispatcher(r *fakeRepo, j *fakeJobs, cd *memCooldown, limit int) *Dispatcher {
	d := New(r, j, cd, Config{LimitPerMinute: limit, Stagger: 10 * time.Millisecond, StaleAfter: 15 * time.Minute})
	d.now = func() time.Time { return tickNow }
	return d
}

func TestTick_RespectsBudget(t *testing.T) {
	r := &fakeRepo{inProgress: 150, due: dueEvents(100)}
	j := &fakeJobs{}

	res, err := newTestDispatcher(r, j, &memCooldown{}, 200).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	if r.claimLimit != 50 || res.Budget != 50 {
		t.Fatalf("expected budget 50, got claim=%d budget=%d", r.claimLimit, res.Budget)
	}
	if res.Claimed != 50 || res.Enqueued != 50 || len(j.calls) != 50 {
		t.Fatalf("unexpected result: %+v calls=%d", res, len(j.calls))
	}
	if r.inProgress != 200 {
		t.Fatalf("in-progress must not exceed the limit, got %d", r.inProgress)
	}
}

func TestTick_NoBudget(t *testing.T) {
	r := &fakeRepo{inProgress: 200, due: dueEvents(3)}
	j := &fakeJobs{}

	res, err := newTestDispatcher(r, j, &memCooldown{}, 200).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if res.Budget != 0 || res.Claimed != 0 || len(j.calls) != 0 {
		t.Fatalf("expected nothing claimed, got %+v", res)
	}
}

func TestTick_SkipsWhileCooldownActive(t *testing.T) {
	r := &fakeRepo{due: dueEvents(3)}
	j := &fakeJobs{}
	cd := &memCooldown{until: tickNow.Add(3 * time.Minute)}

	res, err := newTestDispatcher(r, j, cd, 200).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if res.CooldownUntil == nil || !res.CooldownUntil.Equal(cd.until) {
		t.Fatalf("expected cooldown reported, got %+v", res)
	}
	if len(r.due) != 3 || len(j.calls) != 0 || !r.staleBefore.IsZero() {
		t.Fatalf("expected no side effects during cooldown")
	}

	cd.until = tickNow.Add(-time.Second)
	res, err = newTestDispatcher(r, j, cd, 200).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if res.Enqueued != 3 {
		t.Fatalf("expected dispatch after cooldown expired, got %+v", res)
	}
}

func TestTick_StaggersRunAt(t *testing.T) {
	r := &fakeRepo{due: dueEvents(3)}
	j := &fakeJobs{}

	if _, err := newTestDispatcher(r, j, &memCooldown{}, 200).Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	for i, c := range j.calls {
		if want := tickNow.Add(time.Duration(i) * 10 * time.Millisecond); !c.runAt.Equal(want) {
			t.Fatalf("call %d: run_at %v, want %v", i, c.runAt, want)
		}
		if c.kind != model.JobKindSend || c.dedupe != "sms.send:"+c.payload {
			t.Fatalf("unexpected job: %+v", c)
		}
	}
}

func TestTick_EnqueueFailureIsIsolated(t *testing.T) {
	r := &fakeRepo{due: dueEvents(3)}
	j := &fakeJobs{failOn: "ev-1"}

	res, err := newTestDispatcher(r, j, &memCooldown{}, 200).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if res.Enqueued != 2 || res.Failed != 1 {
		t.Fatalf("expected 2 enqueued and 1 failed, got %+v", res)
	}
	if j.calls[1].payload != "ev-2" {
		t.Fatalf("expected later events still enqueued, got %+v", j.calls)
	}
}

func TestTick_RequeuesStaleEvents(t *testing.T) {
	r := &fakeRepo{requeued: 4}

	res, err := newTestDispatcher(r, &fakeJobs{}, &memCooldown{}, 200).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if res.Requeued != 4 {
		t.Fatalf("expected requeued=4, got %d", res.Requeued)
	}
	if want := tickNow.Add(-15 * time.Minute); !r.staleBefore.Equal(want) {
		t.Fatalf("unexpected stale cutoff %v, want %v", r.staleBefore, want)
	}
}
