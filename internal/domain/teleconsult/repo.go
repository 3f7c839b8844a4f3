package teleconsult

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StatusChange is applied together with a status compare-and-set.
type StatusChange struct {
	StartedAt    *time.Time
	EndedAt      *time.Time
	CancelReason *string
	Outcome      *Outcome
}

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Session, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Session, int, error)
	// UpdateStatus moves the session from one status to another and fails
	// with InvalidTransition when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, change StatusChange) error
	UpdateOutcome(ctx context.Context, id uuid.UUID, o Outcome) error
}

type ParticipantRepository interface {
	// Attached lists participants that have not left.
	Attached(ctx context.Context, sessionID uuid.UUID) ([]*Participant, error)
	Attach(ctx context.Context, p *Participant) error
	// Detach marks userID as left and reports whether anything changed.
	Detach(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) (bool, error)
	DetachAll(ctx context.Context, sessionID uuid.UUID, at time.Time) error
}
