package model

import (
	"errors"
	"time"
)

var ErrIncompleteSMSSettings = errors.New("sms mailing requires sender phone, scheduler, practice name and link")

type PracticeSettings struct {
	SMSEnabled         bool
	SenderPhone        string
	Scheduler          string
	BusinessName       string
	PracticePhone      string
	Link               string
	LaunchDate         *time.Time
	StartDateForLaunch *time.Time
	EndDateForLaunch   *time.Time
}

// Validate enforces the write-time invariant for SMS-enabled practices.
func (s PracticeSettings) Validate() error {
	if !s.SMSEnabled {
		return nil
	}
	if s.SenderPhone == "" || s.Scheduler == "" || s.BusinessName == "" || s.Link == "" {
		return ErrIncompleteSMSSettings
	}
	return nil
}

type Practice struct {
	ID         string
	Name       string
	IsArchived bool
	Settings   PracticeSettings
}
