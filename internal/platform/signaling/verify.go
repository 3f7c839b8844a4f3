package signaling

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what a verified join token says about the caller.
type Identity struct {
	UserID    string
	Room      string
	Moderator bool
}

// TokenVerifier checks the role token presented with join-room.
type TokenVerifier interface {
	Verify(token string) (*Identity, error)
}

type jwtVerifier struct {
	secret []byte
}

// NewJWTVerifier verifies HS256 role tokens signed with secret.
func NewJWTVerifier(secret string) TokenVerifier {
	return &jwtVerifier{secret: []byte(secret)}
}

type roleClaims struct {
	Room      string `json:"room"`
	Moderator bool   `json:"moderator"`
	Context   struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"context"`
	jwt.RegisteredClaims
}

func (v *jwtVerifier) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, errors.New("join token is required")
	}
	claims := &roleClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid join token: %w", err)
	}
	return &Identity{UserID: claims.Context.User.ID, Room: claims.Room, Moderator: claims.Moderator}, nil
}

// authorizeJoin checks a verified identity against the requested room and role.
func authorizeJoin(id *Identity, p JoinPayload) error {
	if id.Room != p.RoomName {
		return fmt.Errorf("token is for room %q", id.Room)
	}
	if id.Moderator != (p.Role == RoleDoctor) {
		return fmt.Errorf("token does not grant the %s role", p.Role)
	}
	return nil
}
