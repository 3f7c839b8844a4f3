package teleconsult

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medicore/clinic/internal/platform/redisx"
)

// EventsChannel is the Redis channel lifecycle events are published on.
const EventsChannel = "teleconsult.events"

const (
	EventCreated           = "session.created"
	EventActivated         = "session.activated"
	EventStarted           = "session.started"
	EventInProgress        = "session.in_progress"
	EventCompleted         = "session.completed"
	EventCancelled         = "session.cancelled"
	EventParticipantJoined = "participant.joined"
	EventParticipantLeft   = "participant.left"
)

type Event struct {
	Type          string     `json:"type"`
	SessionID     uuid.UUID  `json:"session_id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	Room          string     `json:"room"`
	Status        Status     `json:"status"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	Role          Role       `json:"role,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	At            time.Time  `json:"at"`
}

func newEvent(kind string, s *Session, at time.Time) Event {
	return Event{
		Type:          kind,
		SessionID:     s.ID,
		AppointmentID: s.AppointmentID,
		Room:          s.RoomName,
		Status:        s.Status,
		At:            at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type redisPublisher struct {
	client  *redisx.Client
	channel string
}

// NewRedisPublisher publishes events as JSON on EventsChannel.
func NewRedisPublisher(client *redisx.Client) Publisher {
	return &redisPublisher{client: client, channel: EventsChannel}
}

func (p *redisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload)
}

type logPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher records events in the log when no broker is configured.
func NewLogPublisher(logger zerolog.Logger) Publisher {
	return &logPublisher{logger: logger}
}

func (p *logPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event", e.Type).
		Str("session_id", e.SessionID.String()).
		Str("room", e.Room).
		Str("status", string(e.Status)).
		Msg("teleconsultation event")
	return nil
}
