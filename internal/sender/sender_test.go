package sender_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/cooldown"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/provider"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
	"github.com/LeventeLantos/vet-reminder-sms/internal/sender"
)

type fakeRepo struct {
	mu       sync.Mutex
	events   map[string]model.SMSEvent
	history  map[string]model.HistoryUpdate
	settings map[string]model.PracticeSettings
}

var _ repo.MessageRepository = (*fakeRepo)(nil)

func newFakeRepo(ev model.SMSEvent, st model.PracticeSettings) *fakeRepo {
	return &fakeRepo{
		events:   map[string]model.SMSEvent{ev.ID: ev},
		history:  map[string]model.HistoryUpdate{},
		settings: map[string]model.PracticeSettings{ev.Context.PracticeID: st},
	}
}

func (f *fakeRepo) CountInProgress(context.Context) (int, error) { return 0, nil }
func (f *fakeRepo) ClaimDueEvents(context.Context, time.Time, int) ([]model.SMSEvent, error) {
	return nil, nil
}
func (f *fakeRepo) RequeueStaleEvents(context.Context, time.Time) (int, error) { return 0, nil }
func (f *fakeRepo) ListHistory(context.Context, model.HistoryFilter) ([]model.SMSHistory, error) {
	return nil, nil
}
func (f *fakeRepo) HistoryStats(context.Context, time.Time) (model.HistoryStats, error) {
	return model.HistoryStats{}, nil
}

// LockEvent applies the callback's writes only when it returns nil.
func (f *fakeRepo) LockEvent(ctx context.Context, id string, fn func(context.Context, repo.EventTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev, ok := f.events[id]
	if !ok {
		return repo.ErrEventNotFound
	}
	tx := &fakeTx{repo: f, event: ev, history: map[string]model.HistoryUpdate{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, v := range tx.history {
		f.history[k] = v
	}
	switch {
	case tx.deleted:
		delete(f.events, id)
	case tx.rearmAt != nil:
		ev.Status = model.EventPending
		ev.SendAt = *tx.rearmAt
		f.events[id] = ev
	}
	return nil
}

type fakeTx struct {
	repo    *fakeRepo
	event   model.SMSEvent
	history map[string]model.HistoryUpdate
	rearmAt *time.Time
	deleted bool
}

func (t *fakeTx) Event() model.SMSEvent { return t.event }

func (t *fakeTx) PracticeSettings(_ context.Context, id string) (model.PracticeSettings, error) {
	st, ok := t.repo.settings[id]
	if !ok {
		return model.PracticeSettings{}, repo.ErrNotFound
	}
	return st, nil
}

func (t *fakeTx) UpdateHistory(_ context.Context, id string, u model.HistoryUpdate) error {
	t.history[id] = u
	return nil
}

func (t *fakeTx) Rearm(_ context.Context, at time.Time) error {
	t.rearmAt = &at
	return nil
}

func (t *fakeTx) Delete(context.Context) error {
	t.deleted = true
	return nil
}

type scriptedProvider struct {
	results []provider.Result
	calls   []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Send(_ context.Context, from, to, _ string) provider.Result {
	p.calls = append(p.calls, from+"->"+to)
	r := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return r
}

type memCooldown struct{ until time.Time }

var _ cooldown.Store = (*memCooldown)(nil)

func (m *memCooldown) Until(context.Context) (time.Time, error)     { return m.until, nil }
func (m *memCooldown) Set(_ context.Context, until time.Time) error { m.until = until; return nil }

type recordingAlerter struct{ categories []string }

func (a *recordingAlerter) Alert(_ context.Context, category string, _ ...any) {
	a.categories = append(a.categories, category)
}

var enabled = model.PracticeSettings{SMSEnabled: true, SenderPhone: "5550001111"}

func testEvent() model.SMSEvent {
	return model.SMSEvent{
		ID:     "ev-1",
		Status: model.EventInProgress,
		Context: model.SMSContext{
			NumberFrom: "5550001111",
			NumberTo:   "5552223333",
			PracticeID: "p1",
			HistoryID:  "h-1",
			Text:       "hello",
		},
	}
}

func newWorker(r *fakeRepo, p provider.Provider, cd *memCooldown, a *recordingAlerter) *sender.Worker {
	return sender.NewWorker(r, p, cd, sender.Config{
		PhoneCode:     "+1",
		Cooldown:      5 * time.Minute,
		RetryAttempts: 3,
		RetryDelay:    0,
	}).WithAlerter(a)
}

func TestWorker_SuccessMarksSentAndDeletesEvent(t *testing.T) {
	t.Parallel()

	r := newFakeRepo(testEvent(), enabled)
	p := &scriptedProvider{results: []provider.Result{{Kind: provider.Success, Response: json.RawMessage(`{"id":"42"}`)}}}

	if err := newWorker(r, p, &memCooldown{}, &recordingAlerter{}).Send(context.Background(), "ev-1"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	h := r.history["h-1"]
	if h.Status != model.HistorySent || h.SentAt == nil || string(h.Response) != `{"id":"42"}` {
		t.Fatalf("unexpected history update: %+v", h)
	}
	if _, ok := r.events["ev-1"]; ok {
		t.Fatalf("expected event deleted")
	}
	if len(p.calls) != 1 || p.calls[0] != "+15550001111->+15552223333" {
		t.Fatalf("unexpected provider calls: %v", p.calls)
	}
}

func TestWorker_RateLimitRearmsEventAndSetsCooldown(t *testing.T) {
	t.Parallel()

	r := newFakeRepo(testEvent(), enabled)
	p := &scriptedProvider{results: []provider.Result{{Kind: provider.RateLimited, Detail: "dialpad status=429"}}}
	cd := &memCooldown{}
	before := time.Now()

	if err := newWorker(r, p, cd, &recordingAlerter{}).Send(context.Background(), "ev-1"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	ev, ok := r.events["ev-1"]
	if !ok {
		t.Fatalf("rate-limited event must not be deleted")
	}
	if ev.Status != model.EventPending {
		t.Fatalf("expected event back to PENDING, got %s", ev.Status)
	}
	if d := ev.SendAt.Sub(before); d < 5*time.Minute || d > 5*time.Minute+time.Minute {
		t.Fatalf("expected send_at pushed ~5m, got %v", d)
	}
	h := r.history["h-1"]
	if h.Status != model.HistoryPending || h.ErrorMessage == nil || !strings.HasPrefix(*h.ErrorMessage, "Rate limited, retrying at ") {
		t.Fatalf("unexpected history update: %+v", h)
	}
	if !cd.until.Equal(ev.SendAt) {
		t.Fatalf("expected cooldown until %v, got %v", ev.SendAt, cd.until)
	}
	if len(p.calls) != 1 {
		t.Fatalf("rate limits must not be retried in-process, got %d calls", len(p.calls))
	}
}

func TestWorker_TerminalFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		result     provider.Result
		settings   model.PracticeSettings
		wantPrefix string
		wantAlert  string
		wantCalls  int
	}{
		{
			name:       "auth failed",
			result:     provider.Result{Kind: provider.AuthFailed, Detail: "bad token"},
			settings:   enabled,
			wantPrefix: "AUTH_FAILED: bad token",
			wantAlert:  sender.AlertAuthFailed,
			wantCalls:  1,
		},
		{
			name:       "mailing disabled",
			settings:   model.PracticeSettings{SenderPhone: "5550001111"},
			wantPrefix: "CONFIG_ERROR: SMS mailing for practice is disabled",
		},
		{
			name:       "missing sender number",
			settings:   model.PracticeSettings{SMSEnabled: true},
			wantPrefix: "CONFIG_ERROR: Invalid practice number",
		},
		{
			name:       "unknown provider error",
			result:     provider.Result{Kind: provider.Unknown, Detail: "dialpad status=400"},
			settings:   enabled,
			wantPrefix: "dialpad status=400",
			wantAlert:  sender.AlertUnexpected,
			wantCalls:  1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := newFakeRepo(testEvent(), tc.settings)
			p := &scriptedProvider{results: []provider.Result{tc.result}}
			a := &recordingAlerter{}

			if err := newWorker(r, p, &memCooldown{}, a).Send(context.Background(), "ev-1"); err != nil {
				t.Fatalf("Send() error: %v", err)
			}

			h := r.history["h-1"]
			if h.Status != model.HistoryError || h.ErrorMessage == nil || *h.ErrorMessage != tc.wantPrefix {
				t.Fatalf("unexpected history update: %+v", h)
			}
			if _, ok := r.events["ev-1"]; ok {
				t.Fatalf("expected event deleted")
			}
			if len(p.calls) != tc.wantCalls {
				t.Fatalf("expected %d provider calls, got %d", tc.wantCalls, len(p.calls))
			}
			if tc.wantAlert == "" && len(a.categories) != 0 {
				t.Fatalf("expected no alert, got %v", a.categories)
			}
			if tc.wantAlert != "" && (len(a.categories) != 1 || a.categories[0] != tc.wantAlert) {
				t.Fatalf("expected alert %q, got %v", tc.wantAlert, a.categories)
			}
		})
	}
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	r := newFakeRepo(testEvent(), enabled)
	p := &scriptedProvider{results: []provider.Result{
		{Kind: provider.Transient, Detail: "connection reset"},
		{Kind: provider.Transient, Detail: "timeout"},
		{Kind: provider.Success, Response: json.RawMessage(`{}`)},
	}}

	if err := newWorker(r, p, &memCooldown{}, &recordingAlerter{}).Send(context.Background(), "ev-1"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(p.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(p.calls))
	}
	if r.history["h-1"].Status != model.HistorySent {
		t.Fatalf("expected SENT after retry, got %+v", r.history["h-1"])
	}
}

func TestWorker_TransientExhaustedIsError(t *testing.T) {
	t.Parallel()

	r := newFakeRepo(testEvent(), enabled)
	p := &scriptedProvider{results: []provider.Result{{Kind: provider.Transient, Detail: "connection refused"}}}
	a := &recordingAlerter{}

	if err := newWorker(r, p, &memCooldown{}, a).Send(context.Background(), "ev-1"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(p.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(p.calls))
	}
	h := r.history["h-1"]
	if h.Status != model.HistoryError || *h.ErrorMessage != "connection refused" {
		t.Fatalf("unexpected history update: %+v", h)
	}
	if len(a.categories) != 1 {
		t.Fatalf("expected one alert, got %v", a.categories)
	}
}

func TestWorker_MissingEventIsNoop(t *testing.T) {
	t.Parallel()

	r := newFakeRepo(testEvent(), enabled)
	p := &scriptedProvider{results: []provider.Result{{Kind: provider.Success}}}

	if err := newWorker(r, p, &memCooldown{}, &recordingAlerter{}).Send(context.Background(), "other"); err != nil {
		t.Fatalf("expected nil for missing event, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatalf("expected no provider call")
	}
}

func TestWorker_SettingsLoadErrorRollsBack(t *testing.T) {
	t.Parallel()

	r := newFakeRepo(testEvent(), enabled)
	r.settings = nil
	errRepo := &settingsErrRepo{fakeRepo: r, err: errors.New("conn lost")}
	p := &scriptedProvider{results: []provider.Result{{Kind: provider.Success}}}

	w := sender.NewWorker(errRepo, p, &memCooldown{}, sender.Config{PhoneCode: "+1"})
	if err := w.Send(context.Background(), "ev-1"); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if _, ok := r.events["ev-1"]; !ok {
		t.Fatalf("event must survive a failed transaction")
	}
	if len(r.history) != 0 {
		t.Fatalf("expected no history write, got %+v", r.history)
	}
}

type settingsErrRepo struct {
	*fakeRepo
	err error
}

func (s *settingsErrRepo) LockEvent(ctx context.Context, id string, fn func(context.Context, repo.EventTx) error) error {
	return s.fakeRepo.LockEvent(ctx, id, func(ctx context.Context, tx repo.EventTx) error {
		return fn(ctx, errTx{EventTx: tx, err: s.err})
	})
}

type errTx struct {
	repo.EventTx
	err error
}

func (e errTx) PracticeSettings(context.Context, string) (model.PracticeSettings, error) {
	return model.PracticeSettings{}, e.err
}

func TestWorker_SendsThroughDialpad(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v2/sms" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 123, "message_status": "pending"})
	}))
	t.Cleanup(srv.Close)

	r := newFakeRepo(testEvent(), enabled)
	w := newWorker(r, provider.NewDialpad(srv.URL, "token", time.Second), &memCooldown{}, &recordingAlerter{})

	if err := w.Send(context.Background(), "ev-1"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got["from_number"] != "+15550001111" || got["text"] != "hello" {
		t.Fatalf("unexpected request body: %v", got)
	}
	h := r.history["h-1"]
	if h.Status != model.HistorySent || !strings.Contains(string(h.Response), `"message_status":"pending"`) {
		t.Fatalf("unexpected history update: %+v", h)
	}
}
