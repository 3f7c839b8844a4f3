package signaling

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// Subscriber is the slice of the Redis client the relay listens with.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, logger zerolog.Logger, fn func(payload []byte)) error
}

type sessionEvent struct {
	Type   string `json:"type"`
	Room   string `json:"room"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// FollowSessions closes rooms whose teleconsultation ends or is cancelled
// elsewhere. It blocks until ctx is done.
func (r *Relay) FollowSessions(ctx context.Context, sub Subscriber, channel string) error {
	return sub.Subscribe(ctx, channel, r.logger, r.handleSessionEvent)
}

func (r *Relay) handleSessionEvent(payload []byte) {
	var ev sessionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.logger.Warn().Err(err).Msg("ignoring malformed session event")
		return
	}
	switch ev.Type {
	case "session.completed", "session.cancelled":
		if ev.Room == "" {
			return
		}
		reason := ev.Reason
		if reason == "" {
			reason = ev.Status
		}
		r.CloseRoom(ev.Room, reason)
	}
}
