package jobs

import (
	"context"
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/aggregation"
	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
	"github.com/LeventeLantos/vet-reminder-sms/internal/repo"
)

// Aggregator runs one aggregation pass for a practice.
type Aggregator interface {
	Run(ctx context.Context, practiceID string) (aggregation.Summary, error)
}

// EventSender delivers one dispatch-queue event.
type EventSender interface {
	Send(ctx context.Context, eventID string) error
}

// AggregateHandler handles sms.aggregate jobs; the payload is the practice id.
func AggregateHandler(a Aggregator) Handler {
	return func(ctx context.Context, j model.Job) error {
		_, err := a.Run(ctx, j.Payload)
		return err
	}
}

// SendHandler handles sms.send jobs; the payload is the event id.
func SendHandler(s EventSender) Handler {
	return func(ctx context.Context, j model.Job) error {
		return s.Send(ctx, j.Payload)
	}
}

// AggregateDedupeKey keeps at most one live aggregation per practice and day.
func AggregateDedupeKey(practiceID string, now time.Time) string {
	return model.JobKindAggregate + ":" + practiceID + ":" + now.UTC().Format(time.DateOnly)
}

// AggregationEnqueuer returns the fan-out callback used by
// aggregation.Engine.RunAll.
func AggregationEnqueuer(r repo.JobRepo, now func() time.Time) aggregation.EnqueueFunc {
	return func(ctx context.Context, practiceID string) error {
		t := now()
		_, err := r.EnqueueJob(ctx, model.JobKindAggregate, t, practiceID, AggregateDedupeKey(practiceID, t))
		return err
	}
}
