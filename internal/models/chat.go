package models

import "time"

// MessageType classifies chat message content
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeEmoji MessageType = "emoji"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeEmoji, MessageTypeImage, MessageTypeAudio, MessageTypeVideo, MessageTypeFile:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a chat message. It only moves forward.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status
func (s MessageStatus) Valid() bool { return s.rank() > 0 }

// After reports whether s is strictly later in the delivery progression than o
func (s MessageStatus) After(o MessageStatus) bool { return s.rank() > o.rank() }

// Message is a chat message as held by a participant. Deleted messages keep
// their id and lose their content.
type Message struct {
	ID        string            `json:"id" msgpack:"id" bson:"id"`
	RoomID    string            `json:"roomId" msgpack:"roomId" bson:"room_id"`
	SenderID  string            `json:"senderId" msgpack:"senderId" bson:"sender_id"`
	Content   string            `json:"content" msgpack:"content" bson:"content"`
	Type      MessageType       `json:"type" msgpack:"type" bson:"type"`
	Timestamp time.Time         `json:"timestamp" msgpack:"timestamp" bson:"timestamp"`
	Status    MessageStatus     `json:"status,omitempty" msgpack:"status,omitempty" bson:"status"`
	Edited    bool              `json:"edited,omitempty" msgpack:"edited,omitempty" bson:"edited"`
	Deleted   bool              `json:"deleted,omitempty" msgpack:"deleted,omitempty" bson:"deleted"`
	Reactions map[string]string `json:"reactions,omitempty" msgpack:"reactions,omitempty" bson:"reactions,omitempty"`
}

// Clone returns a deep copy of m
func (m Message) Clone() Message {
	if m.Reactions != nil {
		reactions := make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			reactions[k] = v
		}
		m.Reactions = reactions
	}
	return m
}
