package teleconsult

import (
	"time"

	"github.com/google/uuid"

	"github.com/medicore/clinic/internal/platform/notification"
)

type Status string

const (
	// StatusProcessing holds a session until its invoice is approved.
	StatusProcessing Status = "processing"
	StatusScheduled  Status = "scheduled"
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var sessionTransitions = map[Status][]Status{
	StatusProcessing: {StatusScheduled, StatusCancelled},
	StatusScheduled:  {StatusStarted, StatusCancelled},
	StatusStarted:    {StatusInProgress, StatusCompleted},
	StatusInProgress: {StatusCompleted},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusScheduled, StatusStarted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Live reports whether participants may be attached.
func (s Status) Live() bool {
	return s == StatusStarted || s == StatusInProgress
}

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Session is a teleconsultation bound to exactly one appointment.
type Session struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	AppointmentID     uuid.UUID      `db:"appointment_id" json:"appointment_id"`
	DoctorID          uuid.UUID      `db:"doctor_id" json:"doctor_id"`
	PatientID         uuid.UUID      `db:"patient_id" json:"patient_id"`
	ClinicID          uuid.UUID      `db:"clinic_id" json:"clinic_id"`
	RoomName          string         `db:"room_name" json:"room_name"`
	MeetingID         string         `db:"meeting_id" json:"meeting_id"`
	ScheduledDate     string         `db:"scheduled_date" json:"scheduled_date"`
	ScheduledTime     string         `db:"scheduled_time" json:"scheduled_time"`
	DurationMinutes   int            `db:"duration_minutes" json:"duration"`
	ModeratorSecret   string         `db:"moderator_secret" json:"-"`
	ParticipantSecret string         `db:"participant_secret" json:"-"`
	Status            Status         `db:"status" json:"status"`
	RecordingEnabled  bool           `db:"recording_enabled" json:"recording_enabled"`
	PasswordEnforced  bool           `db:"password_enforced" json:"password_enforced"`
	Outcome                          // notes, diagnosis, prescription, follow-up
	CancelReason      *string        `db:"cancel_reason" json:"cancel_reason,omitempty"`
	StartedAt         *time.Time     `db:"started_at" json:"started_at,omitempty"`
	EndedAt           *time.Time     `db:"ended_at" json:"ended_at,omitempty"`
	Participants      []*Participant `db:"-" json:"participants"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// Outcome is the clinical record written when a consultation ends.
type Outcome struct {
	Notes        *string `db:"notes" json:"notes,omitempty"`
	Diagnosis    *string `db:"diagnosis" json:"diagnosis,omitempty"`
	Prescription *string `db:"prescription" json:"prescription,omitempty"`
	FollowUp     *string `db:"follow_up" json:"follow_up,omitempty"`
}

func (o Outcome) empty() bool {
	return o.Notes == nil && o.Diagnosis == nil && o.Prescription == nil && o.FollowUp == nil
}

type Participant struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	SessionID uuid.UUID  `db:"teleconsultation_id" json:"-"`
	UserID    uuid.UUID  `db:"user_id" json:"user_id"`
	Role      Role       `db:"role" json:"role"`
	JoinedAt  time.Time  `db:"joined_at" json:"joined_at"`
	LeftAt    *time.Time `db:"left_at" json:"left_at,omitempty"`
}

// CreateRequest mints a session for an existing appointment. Zero values
// fall back to the appointment and the service defaults.
type CreateRequest struct {
	AppointmentID    uuid.UUID `json:"appointment_id"`
	ScheduledDate    string    `json:"scheduled_date,omitempty"`
	ScheduledTime    string    `json:"scheduled_time,omitempty"`
	Duration         int       `json:"duration,omitempty"`
	RecordingEnabled *bool     `json:"recording_enabled,omitempty"`
	PasswordEnforced *bool     `json:"password_enforced,omitempty"`
	// AwaitPayment creates the session in Processing.
	AwaitPayment bool   `json:"await_payment,omitempty"`
	PatientName  string `json:"patient_name,omitempty"`
	PatientEmail string `json:"patient_email,omitempty"`
}

type URLs struct {
	Moderator   string `json:"moderator"`
	Participant string `json:"participant"`
	Direct      string `json:"direct,omitempty"`
}

type Invitations struct {
	Doctor  notification.Invitation `json:"doctor"`
	Patient notification.Invitation `json:"patient"`
}

// Created is returned once, when the session is minted.
type Created struct {
	Session           *Session    `json:"session"`
	URLs              URLs        `json:"urls"`
	ModeratorSecret   string      `json:"moderator_secret"`
	ParticipantSecret string      `json:"participant_secret"`
	Invitations       Invitations `json:"invitations"`
}

// JoinResult tells a participant where to go and how to authenticate.
type JoinResult struct {
	Session   *Session  `json:"session"`
	Role      Role      `json:"role"`
	URL       string    `json:"url"`
	DirectURL string    `json:"direct_url,omitempty"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Filter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	ClinicID  *uuid.UUID
	Status    Status
}

// Settings are the media server parameters.
type Settings struct {
	Domain           string
	AppID            string
	TokenSecret      string
	PasswordEnforced bool
	RecordingEnabled bool
}
