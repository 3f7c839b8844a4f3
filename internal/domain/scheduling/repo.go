package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type ClinicRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
}

type DoctorRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	ListByClinic(ctx context.Context, clinicID uuid.UUID) ([]*Doctor, error)
}

type RuleRepository interface {
	// ListByDoctorDay returns the active rules for one weekday, ordered by start.
	ListByDoctorDay(ctx context.Context, doctorID uuid.UUID, dayOfWeek int) ([]*WeeklyRule, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*WeeklyRule, error)
	// Replace swaps a doctor's whole weekly template in one transaction.
	Replace(ctx context.Context, doctorID uuid.UUID, rules []*WeeklyRule) error
}

type ExceptionRepository interface {
	Create(ctx context.Context, e *ScheduleException) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScheduleException, error)
	// ActiveForDate returns nil, nil when the date has no override.
	ActiveForDate(ctx context.Context, doctorID uuid.UUID, date string) (*ScheduleException, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, from, to string) ([]*ScheduleException, error)
	Update(ctx context.Context, e *ScheduleException) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListByDoctorDate returns every appointment on the date regardless of status.
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) ([]*Appointment, error)
	List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// UpdateStatus moves id from one status to another and fails with
	// InvalidTransition when the row is no longer in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) error
	Reschedule(ctx context.Context, a *Appointment) error
}

// AppointmentFilter narrows List; zero fields are ignored.
type AppointmentFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	ClinicID  *uuid.UUID
	Date      string
	Status    AppointmentStatus
}
