package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrEventNotFound = errors.New("sms event not found")
)

// ErrAlreadyDispositioned means another aggregation pass got to a reminder
// first. Nothing from the failed call was written.
var ErrAlreadyDispositioned = errors.New("reminder already dispositioned")

// ReminderStore is the read/write surface the aggregation engine needs.
type ReminderStore interface {
	GetPractice(ctx context.Context, practiceID string) (model.Practice, error)
	ListSMSEnabledPractices(ctx context.Context) ([]string, error)
	ExcludedOutcomes(ctx context.Context) ([]string, error)
	// IterateCandidates calls fn once per eligible patient, paging through
	// patients chunkSize at a time. Returning an error from fn stops the scan.
	IterateCandidates(ctx context.Context, practiceID string, window model.DateWindow, outcomes []string, chunkSize int, fn func(model.Candidate) error) error
	UpdateDispositions(ctx context.Context, updates []model.DispositionUpdate) error
	// CreateMessages writes every event/history pair, links the bundled
	// reminders as EVENT_CREATED and marks each message's CheckedIDs as
	// CHECKED in a single transaction. Only undispositioned reminders are
	// linked; if any bundled reminder already has a status the whole call
	// rolls back with ErrAlreadyDispositioned.
	CreateMessages(ctx context.Context, practiceID string, messages []model.OutboundMessage) error
}

type MessageRepository interface {
	CountInProgress(ctx context.Context) (int, error)
	ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]model.SMSEvent, error)
	RequeueStaleEvents(ctx context.Context, staleBefore time.Time) (int, error)
	// LockEvent holds a row lock on the event while fn runs and commits when
	// fn returns nil. It returns ErrEventNotFound if the event is gone.
	LockEvent(ctx context.Context, id string, fn func(ctx context.Context, tx EventTx) error) error
	ListHistory(ctx context.Context, f model.HistoryFilter) ([]model.SMSHistory, error)
	HistoryStats(ctx context.Context, since time.Time) (model.HistoryStats, error)
}

// EventTx is the locked view of one event handed to LockEvent callbacks.
type EventTx interface {
	Event() model.SMSEvent
	PracticeSettings(ctx context.Context, practiceID string) (model.PracticeSettings, error)
	UpdateHistory(ctx context.Context, historyID string, u model.HistoryUpdate) error
	Rearm(ctx context.Context, sendAt time.Time) error
	Delete(ctx context.Context) error
}

type TemplateStore interface {
	ListTemplates(ctx context.Context) ([]model.Template, error)
}

// JobRepo is the durable job queue. Claim and requeue are scoped to the
// given kinds so runners for different kinds never take each other's work.
// TouchJob refreshes the lock of a running job; a job is only stale once its
// runner stops touching it.
type JobRepo interface {
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payload string, dedupeKey string) (string, error)
	ClaimDueJobs(ctx context.Context, kinds []string, now time.Time, limit int) ([]model.Job, error)
	TouchJob(ctx context.Context, id string, now time.Time) error
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error
	RequeueStaleRunningJobs(ctx context.Context, kinds []string, staleBefore time.Time) (int, error)
}

type FollowUpStore interface {
	ListFollowUpCandidates(ctx context.Context, patientIDs []string) ([]model.FollowUpCandidate, error)
	MarkFollowed(ctx context.Context, historyIDs []string) error
}
