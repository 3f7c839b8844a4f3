package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Clinic carries the timezone every date in this package is interpreted in.
type Clinic struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Timezone  string    `db:"timezone" json:"timezone"`
	OpenTime  string    `db:"open_time" json:"open_time"`
	CloseTime string    `db:"close_time" json:"close_time"`
}

// Location resolves the clinic timezone, falling back to UTC.
func (c *Clinic) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Doctor struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ClinicID  uuid.UUID `db:"clinic_id" json:"clinic_id"`
	Name      string    `db:"name" json:"name"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Specialty *string   `db:"specialty" json:"specialty,omitempty"`
}

// WeeklyRule is a recurring window in which a doctor sees patients.
type WeeklyRule struct {
	ID           uuid.UUID `db:"id" json:"id"`
	DoctorID     uuid.UUID `db:"doctor_id" json:"doctor_id"`
	ClinicID     uuid.UUID `db:"clinic_id" json:"clinic_id"`
	DayOfWeek    int       `db:"day_of_week" json:"day_of_week"` // 0 = Sunday
	StartTime    string    `db:"start_time" json:"start_time"`
	EndTime      string    `db:"end_time" json:"end_time"`
	SlotDuration int       `db:"slot_duration_minutes" json:"slot_duration"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type ExceptionKind string

const (
	ExceptionUnavailable ExceptionKind = "unavailable"
	ExceptionCustomHours ExceptionKind = "custom_hours"
	ExceptionBlocked     ExceptionKind = "blocked_hours"
)

// TimeRange is the wire form of an interval.
type TimeRange struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// ScheduleException overrides the weekly rules for one date.
type ScheduleException struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	DoctorID  uuid.UUID     `db:"doctor_id" json:"doctor_id"`
	ClinicID  uuid.UUID     `db:"clinic_id" json:"clinic_id"`
	Date      string        `db:"date" json:"date"`
	Kind      ExceptionKind `db:"kind" json:"kind"`
	StartTime *string       `db:"start_time" json:"start_time,omitempty"`
	EndTime   *string       `db:"end_time" json:"end_time,omitempty"`
	Breaks    []TimeRange   `db:"breaks" json:"breaks,omitempty"`
	Reason    *string       `db:"reason" json:"reason,omitempty"`
	Active    bool          `db:"active" json:"active"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no_show"
)

// CanConflict reports whether an appointment in this status conflicts with
// a new booking. Completed visits still occupy their time.
func (s AppointmentStatus) CanConflict() bool {
	return s != StatusCancelled && s != StatusNoShow
}

// BlocksSlots reports whether an appointment in this status removes time
// from the bookable slot list. It matches CanConflict so that every listed
// slot can be booked.
func (s AppointmentStatus) BlocksSlots() bool {
	return s.CanConflict()
}

// Open reports whether the visit can still take place.
func (s AppointmentStatus) Open() bool {
	return s == StatusScheduled || s == StatusConfirmed || s == StatusInProgress
}

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled:  {StatusConfirmed, StatusInProgress, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted},
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range appointmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type AppointmentType string

const (
	TypeInPerson         AppointmentType = "in-person"
	TypeTeleconsultation AppointmentType = "teleconsultation"
	TypeFollowUp         AppointmentType = "follow-up"
)

func (t AppointmentType) Valid() bool {
	return t == TypeInPerson || t == TypeTeleconsultation || t == TypeFollowUp
}

type Appointment struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	DoctorID        uuid.UUID         `db:"doctor_id" json:"doctor_id"`
	ClinicID        uuid.UUID         `db:"clinic_id" json:"clinic_id"`
	PatientID       uuid.UUID         `db:"patient_id" json:"patient_id"`
	Date            string            `db:"date" json:"date"`
	StartTime       string            `db:"start_time" json:"start_time"`
	DurationMinutes int               `db:"duration_minutes" json:"duration"`
	Status          AppointmentStatus `db:"status" json:"status"`
	Type            AppointmentType   `db:"appointment_type" json:"appointment_type"`
	Reason          *string           `db:"reason" json:"reason,omitempty"`
	Notes           *string           `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

// EndTime is derived from start and duration.
func (a *Appointment) EndTime() string {
	start, err := ParseClock(a.StartTime)
	if err != nil {
		return ""
	}
	return FormatClock(start + a.DurationMinutes)
}

func (a *Appointment) Interval() (Interval, error) {
	start, err := ParseClock(a.StartTime)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: start, End: start + a.DurationMinutes}, nil
}

// Slot is one bookable window.
type Slot struct {
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	Duration  int       `json:"duration"`
	StartsAt  time.Time `json:"starts_at"`
}

// Availability is the raw material for a doctor's day.
type Availability struct {
	DoctorID     uuid.UUID            `json:"doctor_id"`
	Date         string               `json:"date"`
	DayOfWeek    int                  `json:"day_of_week"`
	Timezone     string               `json:"timezone"`
	Rules        []*WeeklyRule        `json:"rules"`
	Exceptions   []*ScheduleException `json:"exceptions"`
	Appointments []*Appointment       `json:"appointments"`
}

type ConflictRecord struct {
	AppointmentID uuid.UUID         `json:"appointment_id"`
	PatientID     uuid.UUID         `json:"patient_id"`
	Time          string            `json:"time"`
	Duration      int               `json:"duration"`
	EndTime       string            `json:"end_time"`
	Status        AppointmentStatus `json:"status"`
}

type Suggestion struct {
	Time  string `json:"time"`
	Label string `json:"label"`
}

// ConflictCheck is the input to DetectConflicts.
type ConflictCheck struct {
	DoctorID             uuid.UUID  `json:"doctor_id"`
	Date                 string     `json:"date"`
	StartTime            string     `json:"start_time"`
	Duration             int        `json:"duration"`
	ExcludeAppointmentID *uuid.UUID `json:"exclude_appointment_id,omitempty"`
}

// ConflictReport is returned with a rejected booking.
type ConflictReport struct {
	Conflicts   []ConflictRecord `json:"conflicts"`
	Suggestions []Suggestion     `json:"suggestions"`
}
