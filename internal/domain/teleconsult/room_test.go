package teleconsult

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifiers_Format(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		room, err := NewRoomName()
		require.NoError(t, err)
		assert.Regexp(t, roomPattern, room)
		assert.False(t, seen[room], "room names must not repeat")
		seen[room] = true

		meeting, err := NewMeetingID()
		require.NoError(t, err)
		assert.Regexp(t, meetingPattern, meeting)

		secret, err := NewSecret()
		require.NoError(t, err)
		assert.Regexp(t, secretPattern, secret)
	}
}

func TestBuildURLs(t *testing.T) {
	s := &Session{RoomName: "drabc", ModeratorSecret: "AAAA1111", ParticipantSecret: "BBBB2222", PasswordEnforced: true}

	urls := BuildURLs("meet.example.com", s)
	assert.Equal(t, "https://meet.example.com/drabc?role=moderator&pwd=AAAA1111", urls.Moderator)
	assert.Equal(t, "https://meet.example.com/drabc?role=participant&pwd=BBBB2222", urls.Participant)
	assert.Empty(t, urls.Direct)

	s.PasswordEnforced = false
	urls = BuildURLs("http://localhost:8443", s)
	assert.Equal(t, "http://localhost:8443/drabc", urls.Direct)
	assert.NotContains(t, urls.Direct, "pwd")
}

func TestTokenIssuer_Disabled(t *testing.T) {
	issuer := NewTokenIssuer("clinic", "meet.example.com", "", false)
	s := &Session{RoomName: "drabc", ScheduledDate: "2031-01-05", ScheduledTime: "10:00", DurationMinutes: 45}

	token, exp, err := issuer.Issue(s, "u1", "", RoleDoctor, time.UTC)
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, time.Date(2031, 1, 5, 10, 50, 0, 0, time.UTC), exp)
}

func TestTokenIssuer_ClinicZone(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	issuer := NewTokenIssuer("clinic", "meet.example.com", "k", false)
	s := &Session{RoomName: "drabc", ScheduledDate: "2031-01-05", ScheduledTime: "10:00", DurationMinutes: 30}

	_, exp, err := issuer.Issue(s, "u1", "", RolePatient, loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2031, 1, 5, 5, 5, 0, 0, time.UTC), exp.UTC())
}

func TestParseRoleToken_RejectsWrongSecretAndAlg(t *testing.T) {
	issuer := NewTokenIssuer("clinic", "meet.example.com", "right", true)
	s := &Session{RoomName: "drabc", ScheduledDate: "2031-01-05", ScheduledTime: "10:00", DurationMinutes: 30}
	token, _, err := issuer.Issue(s, "u1", "Dr", RoleDoctor, time.UTC)
	require.NoError(t, err)

	_, err = ParseRoleToken("wrong", token)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"room": "drabc"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseRoleToken("right", none)
	assert.Error(t, err)

	_, err = ParseRoleToken("", token)
	assert.Error(t, err)
}
