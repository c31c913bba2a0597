package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/vet-reminder-sms/internal/cache"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
	"github.com/LeventeLantos/vet-reminder-sms/internal/templates"
)

const (
	appointmentLead  = 14 * 24 * time.Hour
	outcomesCacheKey = "sms_outcomes_to_filter_out"
)

type TemplateResolver interface {
	Resolve(ctx context.Context, descriptions []string) (string, error)
}

type SendTimePlanner interface {
	NextSendAt(now time.Time) time.Time
}

type Config struct {
	UpdateBatchSize    int
	PatientChunkSize   int
	ExcludedPhoneTypes []string
	OutcomeCacheTTL    time.Duration
}

// Engine turns a practice's due reminders into one outbound message per
// client and records a disposition for every reminder it looked at.
type Engine struct {
	store    repo.ReminderStore
	resolver TemplateResolver
	planner  SendTimePlanner
	cache    cache.Cache
	cfg      Config
	excluded map[string]struct{}

	now   func() time.Time
	newID func() string
}

func NewEngine(store repo.ReminderStore, resolver TemplateResolver, planner SendTimePlanner, c cache.Cache, cfg Config) *Engine {
	if c == nil {
		c = cache.Nop{}
	}
	if cfg.UpdateBatchSize <= 0 {
		cfg.UpdateBatchSize = 200
	}
	if cfg.PatientChunkSize <= 0 {
		cfg.PatientChunkSize = 200
	}
	if cfg.OutcomeCacheTTL <= 0 {
		cfg.OutcomeCacheTTL = time.Hour
	}
	types := cfg.ExcludedPhoneTypes
	if len(types) == 0 {
		types = DefaultExcludedPhoneTypes
	}
	excluded := make(map[string]struct{}, len(types))
	for _, t := range types {
		excluded[t] = struct{}{}
	}

	return &Engine{
		store:    store,
		resolver: resolver,
		planner:  planner,
		cache:    c,
		cfg:      cfg,
		excluded: excluded,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Summary describes one aggregation pass.
type Summary struct {
	PracticeID   string                    `json:"practice_id"`
	Window       model.DateWindow          `json:"window"`
	Patients     int                       `json:"patients"`
	Dispositions map[model.Disposition]int `json:"dispositions"`
	Messages     int                       `json:"messages"`
	Skipped      string                    `json:"skipped,omitempty"`
}

// clientBundle accumulates everything one client's message carries.
type clientBundle struct {
	clientID    string
	numberTo    string
	names       []string
	head        []model.Reminder
	checked     []string
	multiPerPet bool
}

type run struct {
	e        *Engine
	practice model.Practice
	summary  Summary
	seen     map[string]struct{}
	pending  []model.DispositionUpdate
	bundles  map[string]*clientBundle
	order    []string
}

// Run performs one aggregation pass for a practice. It is safe to re-run:
// reminders that already carry a disposition are never scanned again.
func (e *Engine) Run(ctx context.Context, practiceID string) (Summary, error) {
	practice, err := e.store.GetPractice(ctx, practiceID)
	if err != nil {
		return Summary{PracticeID: practiceID}, fmt.Errorf("get practice: %w", err)
	}

	now := e.now().UTC()
	r := &run{
		e:        e,
		practice: practice,
		summary: Summary{
			PracticeID:   practiceID,
			Window:       EligibilityWindow(practice.Settings, now),
			Dispositions: map[model.Disposition]int{},
		},
		seen:    map[string]struct{}{},
		bundles: map[string]*clientBundle{},
	}

	switch {
	case practice.IsArchived:
		r.summary.Skipped = "practice archived"
		return r.summary, nil
	case !practice.Settings.SMSEnabled:
		r.summary.Skipped = "sms mailing disabled"
		return r.summary, nil
	}

	outcomes, err := e.excludedOutcomes(ctx)
	if err != nil {
		return r.summary, err
	}

	slog.Info("aggregation: scan started",
		"practice_id", practiceID,
		"window_start", r.summary.Window.Start.Format(time.DateOnly),
		"window_end", r.summary.Window.End.Format(time.DateOnly),
	)

	err = e.store.IterateCandidates(ctx, practiceID, r.summary.Window, outcomes, e.cfg.PatientChunkSize, func(c model.Candidate) error {
		return r.visit(ctx, c)
	})
	if err != nil {
		return r.summary, fmt.Errorf("scan candidates: %w", err)
	}
	if err := r.flush(ctx); err != nil {
		return r.summary, err
	}

	msgs, err := r.messages(ctx, now)
	if err != nil {
		return r.summary, err
	}
	if err := e.store.CreateMessages(ctx, practiceID, msgs); err != nil {
		if errors.Is(err, repo.ErrAlreadyDispositioned) {
			slog.Warn("aggregation: overlapping pass detected, nothing written", "practice_id", practiceID, "err", err)
		}
		return r.summary, fmt.Errorf("create messages: %w", err)
	}
	for _, m := range msgs {
		r.summary.Dispositions[model.DispositionEventCreated] += len(m.ReminderIDs)
		r.summary.Dispositions[model.DispositionChecked] += len(m.CheckedIDs)
	}
	r.summary.Messages = len(msgs)

	slog.Info("aggregation: pass finished",
		"practice_id", practiceID,
		"patients", r.summary.Patients,
		"messages", r.summary.Messages,
		"dispositions", r.summary.Dispositions,
	)
	return r.summary, nil
}

func (r *run) visit(ctx context.Context, c model.Candidate) error {
	if _, dup := r.seen[c.Patient.ID]; dup {
		return nil
	}
	r.seen[c.Patient.ID] = struct{}{}
	if len(c.Reminders) == 0 {
		return nil
	}
	r.summary.Patients++

	c.SortForAggregation()

	if d, skip := r.e.skipReason(c); skip {
		for _, rem := range c.Reminders {
			r.pending = append(r.pending, model.DispositionUpdate{ReminderID: rem.ID, Status: d})
		}
		r.summary.Dispositions[d] += len(c.Reminders)
		if len(r.pending) >= r.e.cfg.UpdateBatchSize {
			return r.flush(ctx)
		}
		return nil
	}

	client := c.Clients[0]
	phone := client.Phones[0]

	b := r.bundles[client.ID]
	if b == nil {
		b = &clientBundle{clientID: client.ID}
		r.bundles[client.ID] = b
		r.order = append(r.order, client.ID)
	}
	b.numberTo = phone.Number
	b.names = append(b.names, titleName(c.Patient.Name))
	b.head = append(b.head, c.Reminders[0])
	for _, rem := range c.Reminders[1:] {
		b.checked = append(b.checked, rem.ID)
	}
	if len(c.Reminders) > 1 {
		b.multiPerPet = true
	}
	return nil
}

// skipReason applies the ordered decision rules to a sorted candidate. It
// reports false when the patient contributes to its first client's message.
func (e *Engine) skipReason(c model.Candidate) (model.Disposition, bool) {
	if len(c.Appointments) > 0 {
		earliest, _ := c.EarliestDue()
		latest := model.DateOf(c.Appointments[0].At)
		if !latest.Before(model.DateOf(earliest).Add(-appointmentLead)) {
			return model.DispositionAppointmentExists, true
		}
	}
	if len(c.Clients) == 0 {
		return model.DispositionNoActiveClient, true
	}
	client := c.Clients[0]
	if len(client.Phones) == 0 {
		return model.DispositionNoPhone, true
	}
	if _, bad := e.excluded[client.Phones[0].Type]; bad {
		return model.DispositionExcludedPhoneType, true
	}
	return model.DispositionUnset, false
}

func (r *run) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	if err := r.e.store.UpdateDispositions(ctx, r.pending); err != nil {
		return fmt.Errorf("update dispositions: %w", err)
	}
	r.pending = r.pending[:0]
	return nil
}

func (r *run) messages(ctx context.Context, now time.Time) ([]model.OutboundMessage, error) {
	if len(r.order) == 0 {
		return nil, nil
	}

	sendAt := r.e.planner.NextSendAt(now)
	st := r.practice.Settings

	out := make([]model.OutboundMessage, 0, len(r.order))
	for _, clientID := range r.order {
		b := r.bundles[clientID]

		text, err := r.e.text(ctx, st, b)
		if err != nil {
			return nil, fmt.Errorf("render message for client %s: %w", clientID, err)
		}

		ids := make([]string, len(b.head))
		for i, rem := range b.head {
			ids[i] = rem.ID
		}

		out = append(out, model.OutboundMessage{
			ClientID: clientID,
			SendAt:   sendAt,
			Context: model.SMSContext{
				NumberFrom: st.SenderPhone,
				NumberTo:   b.numberTo,
				PracticeID: r.practice.ID,
				HistoryID:  r.e.newID(),
				Text:       text,
			},
			ReminderIDs: ids,
			CheckedIDs:  b.checked,
		})
	}
	return out, nil
}

func (e *Engine) text(ctx context.Context, st model.PracticeSettings, b *clientBundle) (string, error) {
	tpl := templates.DefaultLinkTemplate
	if len(b.head) == 1 && !b.multiPerPet {
		descs := []string{b.head[0].Description}
		resolved, err := e.resolver.Resolve(ctx, descs)
		if err != nil {
			return "", err
		}
		tpl = resolved
	}

	capitalized, plain, verb := petPhrase(b.names)
	return templates.Render(tpl, templates.Vars{
		Scheduler:       st.Scheduler,
		PracticeName:    st.BusinessName,
		PetsCapitalized: capitalized,
		Pets:            plain,
		BeVerb:          verb,
		Link:            st.Link,
		PracticePhone:   st.PracticePhone,
	}), nil
}

func (e *Engine) excludedOutcomes(ctx context.Context) ([]string, error) {
	var cached []string
	ok, err := e.cache.Get(ctx, outcomesCacheKey, &cached)
	if err != nil {
		slog.Warn("aggregation: outcome cache read failed", "err", err)
	}
	if ok {
		return cached, nil
	}

	outcomes, err := e.store.ExcludedOutcomes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load excluded outcomes: %w", err)
	}
	if len(outcomes) == 0 {
		outcomes = DefaultExcludedOutcomes
	}
	if err := e.cache.Set(ctx, outcomesCacheKey, outcomes, e.cfg.OutcomeCacheTTL); err != nil {
		slog.Warn("aggregation: outcome cache write failed", "err", err)
	}
	return outcomes, nil
}

// EnqueueFunc schedules the aggregation of one practice.
type EnqueueFunc func(ctx context.Context, practiceID string) error

// RunAll lists SMS-enabled practices and enqueues one aggregation per
// practice. A failed enqueue does not stop the others.
func (e *Engine) RunAll(ctx context.Context, enqueue EnqueueFunc) (int, error) {
	ids, err := e.store.ListSMSEnabledPractices(ctx)
	if err != nil {
		return 0, fmt.Errorf("list practices: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		if err := enqueue(ctx, id); err != nil {
			slog.Error("aggregation: enqueue failed", "practice_id", id, "err", err)
			errs = append(errs, fmt.Errorf("practice %s: %w", id, err))
			continue
		}
		n++
	}
	slog.Info("aggregation: fan-out", "practices", len(ids), "enqueued", n)
	return n, errors.Join(errs...)
}
