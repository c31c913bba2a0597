package model

import "time"

type PatientOutcome struct {
	PatientID string     `json:"id"`
	OutcomeAt *time.Time `json:"outcome_at"`
}

// FollowUpCandidate is a SENT, not yet followed history row together with
// the outcomes of every patient whose reminders it carried.
type FollowUpCandidate struct {
	HistoryID string
	SentAt    time.Time
	Patients  []PatientOutcome
}
