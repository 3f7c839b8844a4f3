package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignalingServer(t *testing.T, origins ...string) *httptest.Server {
	t.Helper()
	e := echo.New()
	NewHandler(startRelay(t), origins, zerolog.Nop()).RegisterRoutes(e)
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *gorillawebsocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *gorillawebsocket.Conn, msg []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, msg))
}

func read(t *testing.T, conn *gorillawebsocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return msg
}

func readEvent(t *testing.T, conn *gorillawebsocket.Conn) Envelope {
	t.Helper()
	env, err := Decode(read(t, conn))
	require.NoError(t, err)
	return env
}

func TestHandler_TwoPartyNegotiation(t *testing.T) {
	server := newSignalingServer(t)
	doctor, patient := dial(t, server), dial(t, server)

	write(t, doctor, joinFrame(t, testRoom, RoleDoctor, ""))
	write(t, patient, joinFrame(t, testRoom, RolePatient, ""))
	assert.Equal(t, EventRoomReady, readEvent(t, doctor).Event)
	assert.Equal(t, EventRoomReady, readEvent(t, patient).Event)

	offer := []byte(`{"event":"offer","data":{"roomName":"` + testRoom + `","sdp":"v=0\r\ns=-","meta":{"a":1}}}`)
	write(t, doctor, offer)
	assert.Equal(t, offer, read(t, patient))

	answer := []byte(`{"event":"answer","data":{"roomName":"` + testRoom + `","sdp":"v=0"}}`)
	write(t, patient, answer)
	assert.Equal(t, answer, read(t, doctor))

	third := dial(t, server)
	write(t, third, joinFrame(t, testRoom, RoleDoctor, ""))
	env := readEvent(t, third)
	require.Equal(t, EventError, env.Event)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, CodeRoleConflict, p.Code)

	resp, err := http.Get(server.URL + "/signaling/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, Stats{Rooms: 1, Connections: 3, Members: 2}, stats)

	require.NoError(t, patient.Close())
	env = readEvent(t, doctor)
	assert.Equal(t, EventUserLeft, env.Event)
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	server := newSignalingServer(t, "https://clinic.example.test")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.example.test")
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://clinic.example.test")
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()
}

func TestEncodeKeepsRawData(t *testing.T) {
	raw := json.RawMessage(`{"roomName":"r","sdp":"a  b"}`)
	b, err := Encode(EventIncomingCall, raw)
	require.NoError(t, err)
	assert.Equal(t, `{"event":"incoming-call","data":{"roomName":"r","sdp":"a  b"}}`, string(b))

	env, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "r", env.RoomName())
	assert.Equal(t, RolePatient, RoleDoctor.Peer())
	assert.Equal(t, RoleDoctor, RolePatient.Peer())
}
