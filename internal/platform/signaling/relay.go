package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/medicore/clinic/internal/platform/telemetry"
)

const (
	instrumentation = "github.com/medicore/clinic/signaling"

	DefaultJoinGrace  = 30 * time.Second
	DefaultSendBuffer = 64
)

// Conn is one attached socket. Outbound frames are queued on its send
// channel, which the relay closes when the connection is dropped.
type Conn struct {
	ID   string
	send chan []byte

	// Owned by the event loop.
	room   *room
	role   Role
	userID string
	timer  *time.Timer
}

func NewConn(buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Conn{ID: uuid.NewString(), send: make(chan []byte, buffer)}
}

// Outbound yields frames to write to the socket. It is closed when the
// relay drops the connection.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

type room struct {
	name    string
	members map[Role]*Conn
}

func (rm *room) full() bool {
	return rm.members[RoleDoctor] != nil && rm.members[RolePatient] != nil
}

type inbound struct {
	conn     *Conn
	raw      []byte
	env      Envelope
	err      error
	identity *Identity
	authErr  error
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Members     int `json:"members"`
}

// Relay owns every room. All state is confined to the goroutine running
// Run; other goroutines talk to it by posting closures.
type Relay struct {
	events    chan func()
	verifier  TokenVerifier
	joinGrace time.Duration
	logger    zerolog.Logger

	relayed metric.Int64Counter
	dropped metric.Int64Counter

	// mu guards the shutdown handshake with posters, never room state.
	mu      sync.Mutex
	stopped bool
	posting int

	conns map[*Conn]struct{}
	rooms map[string]*room
}

type Option func(*Relay)

// WithVerifier requires join-room to carry a valid role token.
func WithVerifier(v TokenVerifier) Option {
	return func(r *Relay) { r.verifier = v }
}

func WithJoinGrace(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.joinGrace = d
		}
	}
}

func NewRelay(logger zerolog.Logger, opts ...Option) *Relay {
	r := &Relay{
		events:    make(chan func(), 256),
		joinGrace: DefaultJoinGrace,
		logger:    logger.With().Str("component", "signaling").Logger(),
		relayed:   telemetry.Counter(instrumentation, "signaling.frames", "frames delivered to a peer"),
		dropped:   telemetry.Counter(instrumentation, "signaling.dropped", "frames dropped because the peer was absent or slow"),
		conns:     make(map[*Conn]struct{}),
		rooms:     make(map[string]*room),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes events until ctx is cancelled. On shutdown it stops
// accepting work, runs every closure already accepted, then drops every
// connection.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case fn := <-r.events:
			fn()
		}
	}
}

func (r *Relay) shutdown() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	// Posters that got past the stopped check are still sending; keep
	// draining until none are left, then take what they queued.
	for r.inFlight() > 0 {
		select {
		case fn := <-r.events:
			fn()
		case <-time.After(time.Millisecond):
		}
	}
	for drained := false; !drained; {
		select {
		case fn := <-r.events:
			fn()
		default:
			drained = true
		}
	}

	for c := range r.conns {
		r.drop(c)
	}
	r.rooms = make(map[string]*room)
}

func (r *Relay) inFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posting
}

// post hands fn to the event loop. It reports false once shutdown has
// begun; a true result means fn will run.
func (r *Relay) post(fn func()) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.posting++
	r.mu.Unlock()

	r.events <- fn

	r.mu.Lock()
	r.posting--
	r.mu.Unlock()
	return true
}

// Register admits c and arms the join timer. It reports false once the
// relay has stopped.
func (r *Relay) Register(c *Conn) bool {
	return r.post(func() {
		r.conns[c] = struct{}{}
		c.timer = time.AfterFunc(r.joinGrace, func() {
			r.post(func() { r.expire(c) })
		})
	})
}

// Unregister handles a transport disconnect.
func (r *Relay) Unregister(c *Conn) {
	r.post(func() { r.disconnect(c) })
}

// Deliver queues a frame read from c. Token checks happen here, on the
// reader's goroutine, so the loop only touches maps.
func (r *Relay) Deliver(c *Conn, raw []byte) bool {
	m := inbound{conn: c, raw: raw}
	m.env, m.err = Decode(raw)
	if m.err == nil && m.env.Event == EventJoinRoom && r.verifier != nil {
		var p JoinPayload
		if err := json.Unmarshal(m.env.Data, &p); err == nil {
			m.identity, m.authErr = r.verifier.Verify(p.Token)
			if m.authErr == nil {
				m.authErr = authorizeJoin(m.identity, p)
			}
		}
	}
	return r.post(func() { r.dispatch(m) })
}

// CloseRoom tells every member of room that the call is over.
func (r *Relay) CloseRoom(name, reason string) {
	r.post(func() {
		rm, ok := r.rooms[name]
		if !ok {
			return
		}
		for role, c := range rm.members {
			r.send(c, EventCallEnded, PeerPayload{RoomName: name, Role: role, Reason: reason})
		}
	})
}

func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	out := make(chan Stats, 1)
	ok := r.post(func() {
		s := Stats{Rooms: len(r.rooms), Connections: len(r.conns)}
		for _, rm := range r.rooms {
			s.Members += len(rm.members)
		}
		out <- s
	})
	if !ok {
		return Stats{}, context.Canceled
	}
	select {
	case s := <-out:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// -- Event loop handlers --

func (r *Relay) dispatch(m inbound) {
	c := m.conn
	if _, ok := r.conns[c]; !ok {
		return
	}
	if m.err != nil {
		r.reply(c, errorFrame(CodeInvalidMessage, "", "%s", m.err.Error()))
		return
	}

	switch m.env.Event {
	case EventJoinRoom:
		r.join(m)
	case EventOffer, EventAnswer, EventICECandidate:
		if peer, ok := r.peerOf(c, m.env); ok {
			r.deliver(peer, m.env.Event, m.raw)
		}
	case EventInitiateCall:
		if c.role != RoleDoctor {
			r.reply(c, errorFrame(CodeUnauthorized, m.env.Event, "only the doctor can initiate a call"))
			return
		}
		r.emitToPeer(c, m.env, EventIncomingCall)
	case EventAcceptCall:
		r.emitToPeer(c, m.env, EventCallAccepted)
	case EventRejectCall:
		r.emitToPeer(c, m.env, EventCallRejected)
	case EventEndCall:
		r.emitToPeer(c, m.env, EventCallEnded)
	default:
		r.reply(c, errorFrame(CodeInvalidMessage, m.env.Event, "unknown event %q", m.env.Event))
	}
}

func (r *Relay) join(m inbound) {
	c := m.conn
	var p JoinPayload
	if err := json.Unmarshal(m.env.Data, &p); err != nil || p.RoomName == "" || !p.Role.Valid() {
		r.reply(c, errorFrame(CodeInvalidMessage, EventJoinRoom, "join-room needs roomName and a role of doctor or patient"))
		return
	}
	userID := ""
	if r.verifier != nil {
		if m.authErr != nil || m.identity == nil {
			msg := "join token is required"
			if m.authErr != nil {
				msg = m.authErr.Error()
			}
			r.reply(c, errorFrame(CodeUnauthorized, EventJoinRoom, "%s", msg))
			return
		}
		userID = m.identity.UserID
	}

	if c.room != nil {
		if c.room.name == p.RoomName && c.role == p.Role {
			return
		}
		r.reply(c, errorFrame(CodeInvalidMessage, EventJoinRoom, "connection already joined room %s", c.room.name))
		return
	}

	rm, ok := r.rooms[p.RoomName]
	if !ok {
		rm = &room{name: p.RoomName, members: make(map[Role]*Conn, 2)}
	}
	if occupant := rm.members[p.Role]; occupant != nil {
		if userID == "" || occupant.userID != userID {
			r.reply(c, errorFrame(CodeRoleConflict, EventJoinRoom, "%s role in room %s is already taken", p.Role, p.RoomName))
			return
		}
		// The same user reconnected; the stale socket gives up its seat.
		r.reply(occupant, errorFrame(CodeRoleConflict, EventJoinRoom, "replaced by a newer connection"))
		delete(rm.members, p.Role)
		occupant.room = nil
		r.drop(occupant)
	}

	r.rooms[p.RoomName] = rm
	rm.members[p.Role] = c
	c.room, c.role, c.userID = rm, p.Role, userID
	if c.timer != nil {
		c.timer.Stop()
	}
	r.logger.Debug().Str("room", rm.name).Str("role", string(p.Role)).Str("conn", c.ID).Msg("joined")

	if rm.full() {
		for role, member := range rm.members {
			r.send(member, EventRoomReady, RoomReadyPayload{RoomName: rm.name, Role: role})
		}
	}
}

// peerOf resolves the other member of the sender's room. Frames naming a
// room the sender is not in are refused; a missing peer drops the frame.
func (r *Relay) peerOf(c *Conn, env Envelope) (*Conn, bool) {
	if c.room == nil || env.RoomName() != c.room.name {
		r.reply(c, errorFrame(CodeNotInRoom, env.Event, "join the room before sending %s", env.Event))
		return nil, false
	}
	peer := c.room.members[c.role.Peer()]
	if peer == nil {
		r.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", env.Event)))
		return nil, false
	}
	return peer, true
}

func (r *Relay) emitToPeer(c *Conn, env Envelope, event string) {
	peer, ok := r.peerOf(c, env)
	if !ok {
		return
	}
	frame, err := Encode(event, env.Data)
	if err != nil {
		r.reply(c, errorFrame(CodeInvalidMessage, env.Event, "%s", err.Error()))
		return
	}
	r.deliver(peer, event, frame)
}

func (r *Relay) deliver(peer *Conn, event string, frame []byte) {
	if r.reply(peer, frame) {
		r.relayed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", event)))
	}
}

func (r *Relay) send(c *Conn, event string, payload interface{}) {
	frame, err := Encode(event, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	r.reply(c, frame)
}

// reply enqueues without blocking; a full buffer loses the frame.
func (r *Relay) reply(c *Conn, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		r.dropped.Add(context.Background(), 1)
		r.logger.Warn().Str("conn", c.ID).Msg("send buffer full, frame dropped")
		return false
	}
}

func (r *Relay) expire(c *Conn) {
	if _, ok := r.conns[c]; !ok || c.room != nil {
		return
	}
	r.reply(c, errorFrame(CodeInvalidMessage, EventJoinRoom, "no join-room within %s", r.joinGrace))
	r.drop(c)
}

func (r *Relay) disconnect(c *Conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	if rm := c.room; rm != nil {
		delete(rm.members, c.role)
		for _, survivor := range rm.members {
			r.send(survivor, EventUserLeft, PeerPayload{RoomName: rm.name, Role: c.role})
		}
		if len(rm.members) == 0 {
			delete(r.rooms, rm.name)
		}
		c.room = nil
	}
	r.drop(c)
}

// drop forgets c and closes its send channel. Callers detach it from its
// room first.
func (r *Relay) drop(c *Conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.send)
}
