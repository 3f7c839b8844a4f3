package teleconsult

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

const roomPrefix = "dr"

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// NewRoomName returns "dr" followed by 24 lowercase hex characters.
func NewRoomName() (string, error) {
	b, err := randomBytes(12)
	if err != nil {
		return "", err
	}
	return roomPrefix + hex.EncodeToString(b), nil
}

// NewMeetingID returns nine decimal digits grouped as 123-456-789.
func NewMeetingID() (string, error) {
	b, err := randomBytes(8)
	if err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint64(b) % 1_000_000_000
	return fmt.Sprintf("%03d-%03d-%03d", n/1_000_000, n/1_000%1_000, n%1_000), nil
}

// NewSecret returns eight uppercase hex characters.
func NewSecret() (string, error) {
	b, err := randomBytes(4)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

func roomURL(domain, room, role, secret string) string {
	u := url.URL{Scheme: "https", Host: domain, Path: "/" + room}
	if strings.Contains(domain, "://") {
		if parsed, err := url.Parse(domain); err == nil {
			u.Scheme, u.Host = parsed.Scheme, parsed.Host
		}
	}
	if role != "" {
		u.RawQuery = "role=" + url.QueryEscape(role) + "&pwd=" + url.QueryEscape(secret)
	}
	return u.String()
}

// BuildURLs composes the three addresses of a room. The direct URL carries no
// secret and is only handed out when password enforcement is off.
func BuildURLs(domain string, s *Session) URLs {
	urls := URLs{
		Moderator:   roomURL(domain, s.RoomName, "moderator", s.ModeratorSecret),
		Participant: roomURL(domain, s.RoomName, "participant", s.ParticipantSecret),
	}
	if !s.PasswordEnforced {
		urls.Direct = roomURL(domain, s.RoomName, "", "")
	}
	return urls
}
