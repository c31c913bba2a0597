package model

import (
	"encoding/json"
	"time"
)

type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventInProgress EventStatus = "IN_PROGRESS"
)

type HistoryStatus string

const (
	HistoryPending HistoryStatus = "PENDING"
	HistorySent    HistoryStatus = "SENT"
	HistoryError   HistoryStatus = "ERROR"
)

// SMSContext is the payload shared by an event and its history row.
type SMSContext struct {
	NumberFrom string `json:"number_from"`
	NumberTo   string `json:"number_to"`
	PracticeID string `json:"practice_id"`
	HistoryID  string `json:"sms_history_id"`
	Text       string `json:"text"`
}

// SMSEvent is the ephemeral dispatch-queue row. It is deleted once its
// send reaches a terminal outcome.
type SMSEvent struct {
	ID        string
	SendAt    time.Time
	Context   SMSContext
	Status    EventStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SMSHistory is the durable audit row of one outbound SMS.
type SMSHistory struct {
	ID           string          `json:"id"`
	PracticeID   string          `json:"practice_id"`
	ClientID     string          `json:"client_id"`
	Context      SMSContext      `json:"event_context"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	Status       HistoryStatus   `json:"status"`
	Response     json.RawMessage `json:"response,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	IsFollowed   bool            `json:"is_followed"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// HistoryUpdate is the outcome written by the send worker.
type HistoryUpdate struct {
	Status       HistoryStatus
	Response     json.RawMessage
	ErrorMessage *string
	SentAt       *time.Time
	UpdatedAt    time.Time
}

// OutboundMessage is what aggregation hands to the store: one event/history
// pair plus the reminders it bundles. CheckedIDs are the redundant reminders
// of the contributing patients; they are marked CHECKED in the same
// transaction that creates the message.
type OutboundMessage struct {
	ClientID    string
	SendAt      time.Time
	Context     SMSContext
	ReminderIDs []string
	CheckedIDs  []string
}

type HistoryFilter struct {
	Status     HistoryStatus
	PracticeID string
	Limit      int
	Offset     int
}

// DailyStatusCount is one row of the per-day status breakdown.
type DailyStatusCount struct {
	Day    time.Time     `json:"day"`
	Status HistoryStatus `json:"status"`
	Count  int           `json:"count"`
}

type HistoryStats struct {
	Since    time.Time          `json:"since"`
	Daily    []DailyStatusCount `json:"daily"`
	ByReason map[string]int     `json:"by_reason"`
	Queue    []QueueStatus      `json:"queue"`
}

// QueueStatus summarises the dispatch queue for one event status.
type QueueStatus struct {
	Status   EventStatus `json:"status"`
	Count    int         `json:"count"`
	Earliest *time.Time  `json:"earliest_send_at,omitempty"`
	Latest   *time.Time  `json:"latest_send_at,omitempty"`
}
