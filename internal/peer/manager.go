package peer

import (
	"context"
	"errors"
	"sync"

	"duet/internal/client"
	"duet/internal/models"
	"duet/internal/protocol"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Session is the relay connection a Manager drives
type Session interface {
	ID() string
	Send(env *protocol.Envelope) error
	On(t protocol.EventType, h client.Handler)
}

// ManagerEvents surface what the user should see. All fields are optional.
type ManagerEvents struct {
	OnQueueStatus func(status protocol.QueueStatus)
	OnMatched     func(match protocol.MatchInfo)
	OnRoomCreated func(summary models.RoomSummary)
	OnRoomJoined  func(roomID string, members []models.Member)
	OnPeerState   func(remoteID string, state State, reason CloseReason)
	OnRemoteTrack func(remoteID string, track *webrtc.TrackRemote)
	OnError       func(info protocol.ErrorInfo)
}

type intentKind int

const (
	intentNone intentKind = iota
	intentLooking
	intentRoom
)

// intent is what the user last asked for, replayed after a reconnect
type intent struct {
	kind     intentKind
	profile  models.Profile
	filters  models.Filters
	roomID   string
	password string
}

// Manager keeps one Conn per remote peer of the current room and routes
// signaling events to them. In a group room the newcomer offers to every
// existing member; existing members answer.
type Manager struct {
	session Session
	media   *LocalMedia
	cfg     Config
	events  ManagerEvents
	log     *logrus.Entry

	mu      sync.Mutex
	roomID  string
	peers   map[string]*Conn
	intent  intent
	stopped bool
}

func NewManager(session Session, media *LocalMedia, cfg Config, events ManagerEvents) *Manager {
	cfg.setDefaults()
	m := &Manager{
		session: session,
		media:   media,
		cfg:     cfg,
		events:  events,
		log:     cfg.Logger,
		peers:   make(map[string]*Conn),
	}

	session.On(protocol.EventWelcome, m.onWelcome)
	session.On(protocol.EventQueueStatus, m.onQueueStatus)
	session.On(protocol.EventMatched, m.onMatched)
	session.On(protocol.EventRoomCreated, m.onRoomCreated)
	session.On(protocol.EventRoomJoined, m.onRoomJoined)
	session.On(protocol.EventUserJoined, m.onUserJoined)
	session.On(protocol.EventUserLeft, m.onPeerLeft)
	session.On(protocol.EventPartnerLeft, m.onPeerLeft)
	session.On(protocol.EventOffer, m.onOffer)
	session.On(protocol.EventAnswer, m.onAnswer)
	session.On(protocol.EventICECandidate, m.onCandidate)
	session.On(protocol.EventError, m.onError)
	return m
}

// RoomID is the room the session is currently in, if any
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// Peers reports the state of every live connection
func (m *Manager) Peers() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.peers))
	for id, conn := range m.peers {
		out[id] = conn.State()
	}
	return out
}

// Peer returns the connection to remoteID
func (m *Manager) Peer(remoteID string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.peers[remoteID]
	return conn, ok
}

// StartLooking enters the matchmaking queue
func (m *Manager) StartLooking(profile models.Profile, filters models.Filters) error {
	m.resetRoom(ReasonLeft)

	m.mu.Lock()
	m.intent = intent{kind: intentLooking, profile: profile, filters: filters}
	m.mu.Unlock()

	return m.session.Send(lookingEvent(profile, filters))
}

// StopLooking leaves the queue
func (m *Manager) StopLooking() error {
	m.mu.Lock()
	if m.intent.kind == intentLooking {
		m.intent = intent{}
	}
	m.mu.Unlock()
	return m.session.Send(protocol.New(protocol.EventStopLooking))
}

// Skip ends the current pairing and looks for another partner. Local
// connections are torn down before the relay is asked to requeue.
func (m *Manager) Skip() error {
	m.resetRoom(ReasonLeft)
	return m.session.Send(protocol.New(protocol.EventSkip))
}

// CreateRoom asks the relay for a new group room
func (m *Manager) CreateRoom(meta models.RoomMeta) error {
	env := protocol.New(protocol.EventCreateRoom)
	env.Room = &meta
	return m.session.Send(env)
}

// JoinRoom enters a group room, leaving the current one
func (m *Manager) JoinRoom(roomID, password string) error {
	m.resetRoom(ReasonLeft)

	m.mu.Lock()
	m.intent = intent{kind: intentRoom, roomID: roomID, password: password}
	m.mu.Unlock()

	return m.session.Send(joinEvent(roomID, password))
}

// LeaveRoom leaves the current room
func (m *Manager) LeaveRoom() error {
	roomID := m.resetRoom(ReasonLeft)

	m.mu.Lock()
	m.intent = intent{}
	m.mu.Unlock()

	if roomID == "" {
		return nil
	}
	env := protocol.New(protocol.EventLeaveRoom)
	env.RoomID = roomID
	return m.session.Send(env)
}

// Close tears down every connection. The session and media are left to
// their owners.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.resetRoom(ReasonLeft)
}

func lookingEvent(profile models.Profile, filters models.Filters) *protocol.Envelope {
	env := protocol.New(protocol.EventStartLooking)
	env.Profile = &profile
	env.Filters = &filters
	return env
}

func joinEvent(roomID, password string) *protocol.Envelope {
	env := protocol.New(protocol.EventJoinRoom)
	env.RoomID = roomID
	env.Password = password
	return env
}

// resetRoom closes every connection and forgets the room. It returns the
// room that was left.
func (m *Manager) resetRoom(reason CloseReason) string {
	m.mu.Lock()
	roomID := m.roomID
	conns := make([]*Conn, 0, len(m.peers))
	for _, conn := range m.peers {
		conns = append(conns, conn)
	}
	m.peers = make(map[string]*Conn)
	m.roomID = ""
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close(reason)
	}
	return roomID
}

// connect creates the connection to remoteID, superseding any existing one
func (m *Manager) connect(roomID, remoteID string, role Role) *Conn {
	conn := NewConn(roomID, remoteID, role, m.media, m.session, m.cfg, Events{
		OnStateChange: m.onConnState,
		OnTrack:       m.onConnTrack,
	})

	m.mu.Lock()
	if m.stopped || m.roomID != roomID {
		m.mu.Unlock()
		conn.Close(ReasonCancelled)
		return nil
	}
	old := m.peers[remoteID]
	m.peers[remoteID] = conn
	m.mu.Unlock()

	if old != nil {
		old.Close(ReasonSuperseded)
	}
	if role == RoleOfferer {
		go func() {
			if err := conn.Start(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
				m.log.WithError(err).WithField("peer_id", remoteID).Warn("Failed to start negotiation")
			}
		}()
	}
	return conn
}

// peerFor finds the connection an inbound signal belongs to, creating an
// answering one for a peer not seen yet
func (m *Manager) peerFor(env *protocol.Envelope) *Conn {
	m.mu.Lock()
	if env.RoomID != m.roomID || env.SenderID == "" {
		current := m.roomID
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"event":        env.Type,
			"room_id":      env.RoomID,
			"current_room": current,
		}).Debug("Ignoring signal for another room")
		return nil
	}
	conn, ok := m.peers[env.SenderID]
	m.mu.Unlock()
	if ok {
		return conn
	}
	return m.connect(env.RoomID, env.SenderID, RoleAnswerer)
}

func (m *Manager) onWelcome(env *protocol.Envelope) {
	m.mu.Lock()
	inRoom := m.roomID != ""
	want := m.intent
	m.mu.Unlock()

	if !inRoom && want.kind == intentNone {
		return
	}

	// the relay already dropped us from the room and told the others
	m.log.WithField("session_id", env.SessionID).Info("Reconnected, restoring session state")
	m.resetRoom(ReasonSignalingLost)

	var err error
	switch want.kind {
	case intentLooking:
		err = m.session.Send(lookingEvent(want.profile, want.filters))
	case intentRoom:
		err = m.session.Send(joinEvent(want.roomID, want.password))
	}
	if err != nil {
		m.log.WithError(err).Warn("Failed to restore session state")
	}
}

func (m *Manager) onQueueStatus(env *protocol.Envelope) {
	if env.Queue != nil && m.events.OnQueueStatus != nil {
		m.events.OnQueueStatus(*env.Queue)
	}
}

func (m *Manager) onMatched(env *protocol.Envelope) {
	if env.Match == nil {
		return
	}
	match := *env.Match
	m.resetRoom(ReasonSuperseded)

	m.mu.Lock()
	m.roomID = match.RoomID
	m.mu.Unlock()

	if m.events.OnMatched != nil {
		m.events.OnMatched(match)
	}

	role := RoleAnswerer
	if match.IsOfferer {
		role = RoleOfferer
	}
	m.connect(match.RoomID, match.PartnerID, role)
}

func (m *Manager) onRoomCreated(env *protocol.Envelope) {
	if env.Summary != nil && m.events.OnRoomCreated != nil {
		m.events.OnRoomCreated(*env.Summary)
	}
}

func (m *Manager) onRoomJoined(env *protocol.Envelope) {
	m.mu.Lock()
	m.roomID = env.RoomID
	m.mu.Unlock()

	if m.events.OnRoomJoined != nil {
		m.events.OnRoomJoined(env.RoomID, env.Members)
	}
	for _, member := range env.Members {
		m.connect(env.RoomID, member.ID, RoleOfferer)
	}
}

func (m *Manager) onUserJoined(env *protocol.Envelope) {
	m.mu.Lock()
	current := m.roomID
	m.mu.Unlock()
	if env.RoomID != current || env.SenderID == "" {
		return
	}
	// the newcomer offers; wait for it with candidates buffered
	m.connect(env.RoomID, env.SenderID, RoleAnswerer)
}

func (m *Manager) onPeerLeft(env *protocol.Envelope) {
	m.mu.Lock()
	if env.RoomID != m.roomID {
		m.mu.Unlock()
		return
	}
	conn := m.peers[env.SenderID]
	delete(m.peers, env.SenderID)
	if env.Type == protocol.EventPartnerLeft {
		m.roomID = ""
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close(ReasonRemoteLeft)
	}
}

func (m *Manager) onOffer(env *protocol.Envelope) {
	if env.SDP == nil {
		return
	}
	conn := m.peerFor(env)
	if conn == nil {
		return
	}
	if err := conn.HandleOffer(env.SDP.SDP); err != nil {
		m.log.WithError(err).WithField("peer_id", env.SenderID).Warn("Rejected offer")
	}
}

func (m *Manager) onAnswer(env *protocol.Envelope) {
	if env.SDP == nil {
		return
	}
	m.mu.Lock()
	conn := m.peers[env.SenderID]
	stale := env.RoomID != m.roomID
	m.mu.Unlock()
	if conn == nil || stale {
		return
	}
	if err := conn.HandleAnswer(env.SDP.SDP); err != nil && !errors.Is(err, ErrClosed) {
		m.log.WithError(err).WithField("peer_id", env.SenderID).Warn("Rejected answer")
	}
}

func (m *Manager) onCandidate(env *protocol.Envelope) {
	if env.Candidate == nil {
		return
	}
	conn := m.peerFor(env)
	if conn == nil {
		return
	}
	if err := conn.HandleCandidate(*env.Candidate); err != nil && !errors.Is(err, ErrClosed) {
		m.log.WithError(err).WithField("peer_id", env.SenderID).Debug("Rejected ICE candidate")
	}
}

func (m *Manager) onError(env *protocol.Envelope) {
	if env.Error == nil {
		return
	}
	m.log.WithFields(logrus.Fields{
		"code":    env.Error.Code,
		"message": env.Error.Message,
	}).Warn("Relay reported an error")
	if m.events.OnError != nil {
		m.events.OnError(*env.Error)
	}
}

func (m *Manager) onConnState(conn *Conn, state State, reason CloseReason) {
	if state == StateClosed {
		m.mu.Lock()
		if m.peers[conn.RemoteID()] == conn {
			delete(m.peers, conn.RemoteID())
		}
		m.mu.Unlock()
	}
	if m.events.OnPeerState != nil {
		m.events.OnPeerState(conn.RemoteID(), state, reason)
	}
}

func (m *Manager) onConnTrack(conn *Conn, track *webrtc.TrackRemote) {
	if m.events.OnRemoteTrack != nil {
		m.events.OnRemoteTrack(conn.RemoteID(), track)
		return
	}
	go discard(track)
}

// discard reads a remote track nobody renders so its buffers keep moving
func discard(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
