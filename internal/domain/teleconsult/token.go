package teleconsult

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenGrace extends a role token past the scheduled end of the session.
const tokenGrace = 5 * time.Minute

type TokenUser struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Moderator bool   `json:"moderator"`
}

type TokenFeatures struct {
	Recording     bool `json:"recording"`
	ScreenSharing bool `json:"screen-sharing"`
	Livestreaming bool `json:"livestreaming"`
}

type TokenContext struct {
	User     TokenUser     `json:"user"`
	Features TokenFeatures `json:"features"`
}

// RoleClaims are the claims the media server reads from a role token.
type RoleClaims struct {
	Room      string       `json:"room"`
	Moderator bool         `json:"moderator"`
	Context   TokenContext `json:"context"`
	jwt.RegisteredClaims
}

// TokenIssuer signs HS256 role tokens for a media server domain.
type TokenIssuer struct {
	appID     string
	domain    string
	secret    []byte
	recording bool
}

func NewTokenIssuer(appID, domain, secret string, recording bool) *TokenIssuer {
	return &TokenIssuer{appID: appID, domain: domain, secret: []byte(secret), recording: recording}
}

// Enabled reports whether a signing secret is configured.
func (t *TokenIssuer) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// SessionEnd is the scheduled start plus duration, read in loc.
func SessionEnd(s *Session, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", s.ScheduledDate+" "+s.ScheduledTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule: %w", err)
	}
	return start.Add(time.Duration(s.DurationMinutes) * time.Minute), nil
}

// Issue signs a token for userID joining s as role.
func (t *TokenIssuer) Issue(s *Session, userID, name string, role Role, loc *time.Location) (string, time.Time, error) {
	end, err := SessionEnd(s, loc)
	if err != nil {
		return "", time.Time{}, err
	}
	exp := end.Add(tokenGrace)
	if !t.Enabled() {
		return "", exp, nil
	}

	moderator := role == RoleDoctor
	features := TokenFeatures{}
	if moderator {
		features = TokenFeatures{Recording: t.recording && s.RecordingEnabled, ScreenSharing: true}
	}
	claims := RoleClaims{
		Room:      s.RoomName,
		Moderator: moderator,
		Context: TokenContext{
			User:     TokenUser{ID: userID, Name: name, Moderator: moderator},
			Features: features,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.appID,
			Audience:  jwt.ClaimStrings{t.appID},
			Subject:   t.domain,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign role token: %w", err)
	}
	return signed, exp, nil
}

// ParseRoleToken verifies an HS256 role token and returns its claims.
func ParseRoleToken(secret, token string) (*RoleClaims, error) {
	if secret == "" {
		return nil, errors.New("no token secret configured")
	}
	claims := &RoleClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
