// Package signaling relays WebRTC negotiation messages between the doctor
// and the patient of a teleconsultation room.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound events.
const (
	EventJoinRoom     = "join-room"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventInitiateCall = "initiate-call"
	EventAcceptCall   = "accept-call"
	EventRejectCall   = "reject-call"
	EventEndCall      = "end-call"
)

// Outbound events.
const (
	EventRoomReady    = "room-ready"
	EventIncomingCall = "incoming-call"
	EventCallAccepted = "call-accepted"
	EventCallRejected = "call-rejected"
	EventCallEnded    = "call-ended"
	EventUserLeft     = "user-left"
	EventError        = "error"
)

// Error codes carried by EventError.
const (
	CodeInvalidMessage = "InvalidInput"
	CodeRoleConflict   = "RoleConflict"
	CodeUnauthorized   = "Unauthorized"
	CodeNotInRoom      = "NotInRoom"
)

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Peer is the opposite side of the call.
func (r Role) Peer() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// Envelope is the frame exchanged over the socket. Data is opaque to the
// relay apart from the room name.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload is the data of a join-room event.
type JoinPayload struct {
	RoomName string `json:"roomName"`
	Role     Role   `json:"role"`
	Token    string `json:"token,omitempty"`
}

type roomRef struct {
	RoomName string `json:"roomName"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type RoomReadyPayload struct {
	RoomName string `json:"roomName"`
	Role     Role   `json:"role"`
}

type PeerPayload struct {
	RoomName string `json:"roomName"`
	Role     Role   `json:"role"`
	Reason   string `json:"reason,omitempty"`
}

// Decode parses one frame.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("frame has no event")
	}
	return env, nil
}

// Encode builds a frame. data may already be a json.RawMessage, in which
// case it is carried unchanged.
func Encode(event string, data interface{}) ([]byte, error) {
	env := Envelope{Event: event}
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		env.Data = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		env.Data = b
	}
	return json.Marshal(env)
}

// RoomName extracts roomName from the frame's data.
func (e Envelope) RoomName() string {
	var ref roomRef
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &ref) != nil {
		return ""
	}
	return ref.RoomName
}

func errorFrame(code, event, format string, args ...interface{}) []byte {
	b, _ := Encode(EventError, ErrorPayload{Code: code, Message: fmt.Sprintf(format, args...), Event: event})
	return b
}
