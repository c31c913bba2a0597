package model

import "time"

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job kinds understood by the runner.
const (
	JobKindAggregate = "sms.aggregate"
	JobKindSend      = "sms.send"
)

// Job is a durable unit of work. Delivery is at-least-once: a job is only
// marked done after its handler returned.
type Job struct {
	ID          string
	Kind        string
	RunAt       time.Time
	Payload     string
	Status      JobStatus
	Attempt     int
	MaxAttempts int
	LastError   string
	LockedAt    *time.Time
	DedupeKey   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
