package jobs

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
)

// memQueue mirrors the row transitions of the Postgres job queue.
type memQueue struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

var _ repo.JobRepo = (*memQueue)(nil)

func newMemQueue(jobs ...model.Job) *memQueue {
	q := &memQueue{jobs: map[string]*model.Job{}}
	for i := range jobs {
		j := jobs[i]
		if j.Status == "" {
			j.Status = model.JobQueued
		}
		q.jobs[j.ID] = &j
	}
	return q
}

func (q *memQueue) EnqueueJob(_ context.Context, kind string, runAt time.Time, payload, _ string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := kind + "/" + payload
	q.jobs[id] = &model.Job{ID: id, Kind: kind, RunAt: runAt, Payload: payload, Status: model.JobQueued}
	return id, nil
}

func (q *memQueue) ClaimDueJobs(_ context.Context, kinds []string, now time.Time, limit int) ([]model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.Job
	for _, j := range q.jobs {
		if len(out) == limit {
			break
		}
		if j.Status != model.JobQueued || j.RunAt.After(now) || !slices.Contains(kinds, j.Kind) {
			continue
		}
		locked := now
		j.Status = model.JobRunning
		j.LockedAt = &locked
		out = append(out, *j)
	}
	return out, nil
}

func (q *memQueue) TouchJob(_ context.Context, id string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j := q.jobs[id]; j != nil && j.Status == model.JobRunning {
		locked := now
		j.LockedAt = &locked
	}
	return nil
}

func (q *memQueue) CompleteJob(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].Status = model.JobDone
	q.jobs[id].LockedAt = nil
	return nil
}

func (q *memQueue) FailJob(_ context.Context, id, errMsg string, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.jobs[id]
	j.Attempt++
	j.Status = model.JobQueued
	j.RunAt = next
	j.LastError = errMsg
	j.LockedAt = nil
	return nil
}

func (q *memQueue) RequeueStaleRunningJobs(_ context.Context, kinds []string, staleBefore time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == model.JobRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) && slices.Contains(kinds, j.Kind) {
			j.Status = model.JobQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (q *memQueue) job(id string) model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.jobs[id]
}

type testClock struct{ ns atomic.Int64 }

func newTestClock(t time.Time) *testClock {
	c := &testClock{}
	c.set(t)
	return c
}

func (c *testClock) set(t time.Time) { c.ns.Store(t.UnixNano()) }
func (c *testClock) now() time.Time { return time.Unix(0, c.ns.Load()).UTC() }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunner_LongJobIsNotRecoveredWhileRunning(t *testing.T) {
	q := newMemQueue(model.Job{ID: "agg", Kind: model.JobKindAggregate, Payload: "p1", RunAt: runnerNow})

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	handler := func(context.Context, model.Job) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}

	clockA := newTestClock(runnerNow)
	a := NewRunner(q, Config{StaleAfter: 5 * time.Minute, HeartbeatEvery: 2 * time.Millisecond})
	a.now = clockA.now
	a.Handle(model.JobKindAggregate, handler)

	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		_, _ = a.RunOnce(context.Background())
	}()
	<-started

	later := runnerNow.Add(6 * time.Minute)
	clockA.set(later)
	waitFor(t, "lock refresh", func() bool {
		j := q.job("agg")
		return j.LockedAt != nil && !j.LockedAt.Before(later)
	})

	b := NewRunner(q, Config{StaleAfter: 5 * time.Minute})
	b.now = func() time.Time { return later }
	b.Handle(model.JobKindAggregate, handler)
	b.Tick(context.Background())

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single pass while the first runner is alive, got %d", got)
	}

	close(release)
	<-doneA
	if st := q.job("agg").Status; st != model.JobDone {
		t.Fatalf("expected job done, got %s", st)
	}
}

func TestRunner_RecoversJobOfDeadRunner(t *testing.T) {
	locked := runnerNow
	q := newMemQueue(model.Job{
		ID: "agg", Kind: model.JobKindAggregate, Payload: "p1",
		RunAt: runnerNow, Status: model.JobRunning, LockedAt: &locked,
	})

	var calls atomic.Int64
	b := NewRunner(q, Config{StaleAfter: 5 * time.Minute})
	b.now = func() time.Time { return runnerNow.Add(6 * time.Minute) }
	b.Handle(model.JobKindAggregate, func(context.Context, model.Job) error {
		calls.Add(1)
		return nil
	})
	b.Tick(context.Background())

	if calls.Load() != 1 {
		t.Fatalf("expected recovered job to run once, got %d", calls.Load())
	}
	if st := q.job("agg").Status; st != model.JobDone {
		t.Fatalf("expected job done, got %s", st)
	}
}

func TestRunner_SendsFlowWhileAggregationRuns(t *testing.T) {
	q := newMemQueue(
		model.Job{ID: "agg", Kind: model.JobKindAggregate, Payload: "p1", RunAt: runnerNow},
		model.Job{ID: "send", Kind: model.JobKindSend, Payload: "ev1", RunAt: runnerNow},
	)

	started := make(chan struct{})
	release := make(chan struct{})
	agg := NewRunner(q, Config{})
	agg.now = func() time.Time { return runnerNow }
	agg.Handle(model.JobKindAggregate, func(context.Context, model.Job) error {
		close(started)
		<-release
		return nil
	})

	var sent atomic.Bool
	send := NewRunner(q, Config{})
	send.now = func() time.Time { return runnerNow }
	send.Handle(model.JobKindSend, func(context.Context, model.Job) error {
		sent.Store(true)
		return nil
	})

	doneAgg := make(chan struct{})
	go func() {
		defer close(doneAgg)
		_, _ = agg.RunOnce(context.Background())
	}()
	<-started

	if n, err := send.RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected send runner to claim its job, got n=%d err=%v", n, err)
	}
	if !sent.Load() || q.job("send").Status != model.JobDone {
		t.Fatalf("send job must complete while aggregation is still running")
	}
	if q.job("agg").Status != model.JobRunning {
		t.Fatalf("aggregation must still be running")
	}

	close(release)
	<-doneAgg
}
