package aggregation

import (
	"time"

	"github.com/LeventeLantos/vet-reminder-sms/internal/model"
)

const (
	MinExpiryWeeks = 7
	MaxExpiryYears = 3
)

// EligibilityWindow returns the due-date range scanned for a practice.
// On the launch day it spans the backlog; on every other day it is the
// single date MinExpiryWeeks ago. Dates are compared in UTC.
func EligibilityWindow(s model.PracticeSettings, now time.Time) model.DateWindow {
	today := model.DateOf(now)
	minEdge := today.AddDate(0, 0, -7*MinExpiryWeeks)

	if s.LaunchDate == nil || !model.DateOf(*s.LaunchDate).Equal(today) {
		return model.DateWindow{Start: minEdge, End: minEdge}
	}

	switch {
	case s.StartDateForLaunch != nil && s.EndDateForLaunch != nil:
		return model.DateWindow{Start: model.DateOf(*s.StartDateForLaunch), End: model.DateOf(*s.EndDateForLaunch)}
	case s.StartDateForLaunch != nil:
		return model.DateWindow{Start: model.DateOf(*s.StartDateForLaunch), End: minEdge}
	default:
		return model.DateWindow{Start: today.AddDate(-MaxExpiryYears, 0, 0), End: minEdge}
	}
}
