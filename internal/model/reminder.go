package model

import (
	"sort"
	"time"
)

// Disposition is the per-reminder outcome of an aggregation pass.
// The zero value means the reminder has not been looked at yet.
type Disposition string

const (
	DispositionUnset             Disposition = ""
	DispositionChecked           Disposition = "CHECKED"
	DispositionEventCreated      Disposition = "EVENT_CREATED"
	DispositionNoPhone           Disposition = "NO_PHONE"
	DispositionNoActiveClient    Disposition = "NO_ACTIVE_CLIENT"
	DispositionExcludedPhoneType Disposition = "EXCLUDED_PHONE_TYPE"
	DispositionAppointmentExists Disposition = "APPOINTMENT_EXISTS"
)

type Reminder struct {
	ID           string
	PatientID    string
	PracticeID   string
	DateDue      time.Time
	Description  string
	SMSStatus    Disposition
	SMSHistoryID *string
}

type Appointment struct {
	ID        string
	PatientID string
	At        time.Time
}

type Phone struct {
	ID        string
	ClientID  string
	Number    string
	Type      string
	IsPrimary bool
}

type Client struct {
	ID        string
	IsPrimary bool // primacy of the client-patient relationship
	Phones    []Phone
}

type Patient struct {
	ID   string
	Name string
}

// Candidate is one patient together with everything the aggregation
// engine needs to decide what happens to its reminders.
//
// Ordering contract, established by SortForAggregation:
//   - Reminders by DateDue descending (head is the most recent due date)
//   - Appointments by At descending (head is the latest appointment)
//   - Clients with a primary relationship first, then by ID
//   - Phones of each client by ID
type Candidate struct {
	Patient      Patient
	Reminders    []Reminder
	Appointments []Appointment
	Clients      []Client
}

// SortForAggregation puts the candidate's collections in contract order.
// Stores are free to return them in any order.
func (c *Candidate) SortForAggregation() {
	sort.SliceStable(c.Reminders, func(i, j int) bool {
		return c.Reminders[i].DateDue.After(c.Reminders[j].DateDue)
	})
	sort.SliceStable(c.Appointments, func(i, j int) bool {
		return c.Appointments[i].At.After(c.Appointments[j].At)
	})
	sort.SliceStable(c.Clients, func(i, j int) bool {
		if c.Clients[i].IsPrimary != c.Clients[j].IsPrimary {
			return c.Clients[i].IsPrimary
		}
		return c.Clients[i].ID < c.Clients[j].ID
	})
	for k := range c.Clients {
		phones := c.Clients[k].Phones
		sort.SliceStable(phones, func(i, j int) bool { return phones[i].ID < phones[j].ID })
	}
}

// EarliestDue returns the smallest due date among the candidate's reminders.
func (c *Candidate) EarliestDue() (time.Time, bool) {
	if len(c.Reminders) == 0 {
		return time.Time{}, false
	}
	earliest := c.Reminders[0].DateDue
	for _, r := range c.Reminders[1:] {
		if r.DateDue.Before(earliest) {
			earliest = r.DateDue
		}
	}
	return earliest, true
}

type DispositionUpdate struct {
	ReminderID string
	Status     Disposition
	HistoryID  *string
}

// DateWindow is an inclusive range of calendar dates (UTC midnight).
type DateWindow struct {
	Start time.Time
	End   time.Time
}

func (w DateWindow) Contains(d time.Time) bool {
	d = DateOf(d)
	return !d.Before(w.Start) && !d.After(w.End)
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
