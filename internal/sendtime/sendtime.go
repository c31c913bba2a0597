package sendtime

import (
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"
)

// Calendar decides whether a calendar date is a working day.
type Calendar interface {
	IsWorkday(date time.Time) bool
}

// USCalendar is a Monday to Friday calendar with the US federal holidays
// (observed dates), except the day after Thanksgiving which stays a workday.
func USCalendar() *cal.BusinessCalendar {
	c := cal.NewBusinessCalendar()
	c.AddHoliday(
		us.NewYear,
		us.MlkDay,
		us.PresidentsDay,
		us.MemorialDay,
		us.Juneteenth,
		us.IndependenceDay,
		us.LaborDay,
		us.ColumbusDay,
		us.VeteransDay,
		us.ThanksgivingDay,
		us.ChristmasDay,
	)
	return c
}

// Planner computes the send time of freshly aggregated messages.
type Planner struct {
	cal  Calendar
	loc  *time.Location
	hour int
}

func NewPlanner(c Calendar, loc *time.Location, hour int) *Planner {
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{cal: c, loc: loc, hour: hour}
}

// maxLookahead bounds the workday search for calendars with no workdays.
const maxLookahead = 366

// NextSendAt returns hour:00 in the planner's zone on the first workday on
// or after the local date of now, converted to UTC. A send time earlier than
// now is still returned for today; the dispatcher picks it up on its next
// tick.
func (p *Planner) NextSendAt(now time.Time) time.Time {
	local := now.In(p.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)

	for i := 0; i < maxLookahead; i++ {
		if p.cal.IsWorkday(day) {
			break
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), p.hour, 0, 0, 0, p.loc).UTC()
}
