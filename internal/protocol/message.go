package protocol

import (
	"errors"
	"fmt"
	"time"

	"duet/internal/models"
)

// EventType names a relay event
type EventType string

const (
	// Session lifecycle
	EventWelcome   EventType = "welcome"
	EventHeartbeat EventType = "heartbeat"
	EventError     EventType = "error"

	// Matchmaking
	EventStartLooking EventType = "start-looking"
	EventStopLooking  EventType = "stop-looking"
	EventQueueStatus  EventType = "queue-status"
	EventMatched      EventType = "matched"
	EventSkip         EventType = "skip"
	EventPartnerLeft  EventType = "partner-left"

	// Group rooms
	EventCreateRoom  EventType = "create-room"
	EventRoomCreated EventType = "room-created"
	EventListRooms   EventType = "list-rooms"
	EventRoomList    EventType = "room-list"
	EventJoinRoom    EventType = "join-room"
	EventRoomJoined  EventType = "room-joined"
	EventLeaveRoom   EventType = "leave-room"
	EventUserJoined  EventType = "user-joined"
	EventUserLeft    EventType = "user-left"

	// Signaling
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"

	// Chat and presence
	EventSendMessage         EventType = "send-message"
	EventReceiveMessage      EventType = "receive-message"
	EventTyping              EventType = "typing"
	EventMessageStatus       EventType = "message-status"
	EventMessageStatusUpdate EventType = "message-status-update"
	EventEditMessage         EventType = "edit-message"
	EventDeleteMessage       EventType = "delete-message"
	EventReactMessage        EventType = "react-message"
)

// Error codes carried in error events
const (
	CodeProtocol    = "protocol_error"
	CodeNotFound    = "not_found"
	CodeAuth        = "auth_error"
	CodeRoomFull    = "room_full"
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
)

// SDPType mirrors the WebRTC session description type
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescription is an opaque SDP blob
type SessionDescription struct {
	Type SDPType `json:"type" msgpack:"type"`
	SDP  string  `json:"sdp" msgpack:"sdp"`
}

// ICECandidate is an opaque trickled candidate
type ICECandidate struct {
	Candidate        string  `json:"candidate" msgpack:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" msgpack:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" msgpack:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" msgpack:"usernameFragment,omitempty"`
}

// MatchInfo is the payload of a matched event
type MatchInfo struct {
	RoomID         string `json:"roomId" msgpack:"roomId"`
	PartnerID      string `json:"partnerId" msgpack:"partnerId"`
	IsOfferer      bool   `json:"isOfferer" msgpack:"isOfferer"`
	PartnerName    string `json:"partnerName,omitempty" msgpack:"partnerName,omitempty"`
	PartnerAge     int    `json:"partnerAge,omitempty" msgpack:"partnerAge,omitempty"`
	PartnerCountry string `json:"partnerCountry,omitempty" msgpack:"partnerCountry,omitempty"`
}

// QueueStatus reports a waiting session's place in line
type QueueStatus struct {
	Position  int `json:"position" msgpack:"position"`
	QueueSize int `json:"queueSize" msgpack:"queueSize"`
}

// ErrorInfo is the payload of an error event
type ErrorInfo struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Envelope is the single wire shape for every relay event. Only the fields
// relevant to Type are populated.
type Envelope struct {
	Type         EventType `json:"type" msgpack:"type"`
	RoomID       string    `json:"roomId,omitempty" msgpack:"roomId,omitempty"`
	SenderID     string    `json:"senderId,omitempty" msgpack:"senderId,omitempty"`
	TargetPeerID string    `json:"targetPeerId,omitempty" msgpack:"targetPeerId,omitempty"`

	SessionID   string `json:"sessionId,omitempty" msgpack:"sessionId,omitempty"`
	ResumeToken string `json:"resumeToken,omitempty" msgpack:"resumeToken,omitempty"`

	Profile *models.Profile `json:"profile,omitempty" msgpack:"profile,omitempty"`
	Filters *models.Filters `json:"filters,omitempty" msgpack:"filters,omitempty"`
	Match   *MatchInfo      `json:"match,omitempty" msgpack:"match,omitempty"`
	Queue   *QueueStatus    `json:"queue,omitempty" msgpack:"queue,omitempty"`

	Room     *models.RoomMeta     `json:"room,omitempty" msgpack:"room,omitempty"`
	Password string               `json:"password,omitempty" msgpack:"password,omitempty"`
	Rooms    []models.RoomSummary `json:"rooms,omitempty" msgpack:"rooms,omitempty"`
	Summary  *models.RoomSummary  `json:"summary,omitempty" msgpack:"summary,omitempty"`
	Members  []models.Member      `json:"members,omitempty" msgpack:"members,omitempty"`
	Member   *models.Member       `json:"member,omitempty" msgpack:"member,omitempty"`

	SDP       *SessionDescription `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty" msgpack:"candidate,omitempty"`

	Message   *models.Message      `json:"message,omitempty" msgpack:"message,omitempty"`
	MessageID string               `json:"messageId,omitempty" msgpack:"messageId,omitempty"`
	Status    models.MessageStatus `json:"status,omitempty" msgpack:"status,omitempty"`
	Content   string               `json:"content,omitempty" msgpack:"content,omitempty"`
	Emoji     string               `json:"emoji,omitempty" msgpack:"emoji,omitempty"`
	IsTyping  bool                 `json:"isTyping,omitempty" msgpack:"isTyping,omitempty"`

	Error     *ErrorInfo `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
}

// New creates an envelope of the given type stamped with the current time
func New(t EventType) *Envelope {
	return &Envelope{Type: t, Timestamp: time.Now().UTC()}
}

// NewError creates an error event
func NewError(code, message string) *Envelope {
	env := New(EventError)
	env.Error = &ErrorInfo{Code: code, Message: message}
	return env
}

// Clone returns a copy of e that is safe to hand to another recipient
func (e *Envelope) Clone() *Envelope {
	out := *e
	if e.Message != nil {
		m := e.Message.Clone()
		out.Message = &m
	}
	return &out
}

var ErrInvalidEnvelope = errors.New("invalid envelope")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...))
}

// Validate checks that an inbound client event carries the fields its type requires
func (e *Envelope) Validate() error {
	switch e.Type {
	case "":
		return invalid("missing type")
	case EventHeartbeat, EventStopLooking, EventSkip, EventListRooms, EventStartLooking:
		return nil
	case EventCreateRoom:
		if e.Room == nil || e.Room.Name == "" {
			return invalid("room name is required")
		}
	case EventJoinRoom, EventLeaveRoom, EventTyping:
		if e.RoomID == "" {
			return invalid("%s requires roomId", e.Type)
		}
	case EventOffer, EventAnswer:
		if e.RoomID == "" || e.SDP == nil {
			return invalid("%s requires roomId and sdp", e.Type)
		}
	case EventICECandidate:
		if e.RoomID == "" || e.Candidate == nil {
			return invalid("ice-candidate requires roomId and candidate")
		}
	case EventSendMessage:
		if e.RoomID == "" || e.Message == nil || e.Message.ID == "" {
			return invalid("send-message requires roomId and a message with an id")
		}
	case EventMessageStatus:
		if e.RoomID == "" || e.MessageID == "" || !e.Status.Valid() {
			return invalid("message-status requires roomId, messageId and a known status")
		}
	case EventEditMessage, EventDeleteMessage, EventReactMessage:
		if e.RoomID == "" || e.MessageID == "" {
			return invalid("%s requires roomId and messageId", e.Type)
		}
	default:
		return invalid("unknown type %q", e.Type)
	}
	return nil
}
