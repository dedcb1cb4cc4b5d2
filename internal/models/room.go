package models

import "time"

// RoomKind distinguishes matchmade pair rooms from named group rooms
type RoomKind string

const (
	RoomKindPair  RoomKind = "pair"
	RoomKindGroup RoomKind = "group"
)

// Room is a relay room. Members are kept in join order.
type Room struct {
	ID           string
	Kind         RoomKind
	Name         string
	Topic        string
	PasswordHash string
	Members      []string
	CreatedAt    time.Time
	// EmptySince is zero while the room has members
	EmptySince time.Time
}

// HasMember reports whether id is in the room
func (r *Room) HasMember(id string) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Summary returns the listing view of r
func (r *Room) Summary() RoomSummary {
	return RoomSummary{
		ID:          r.ID,
		Name:        r.Name,
		Topic:       r.Topic,
		MemberCount: len(r.Members),
		HasPassword: r.PasswordHash != "",
		CreatedAt:   r.CreatedAt,
	}
}

// RoomSummary is what room listings expose; the password never leaves the registry
type RoomSummary struct {
	ID          string    `json:"id" msgpack:"id"`
	Name        string    `json:"name" msgpack:"name"`
	Topic       string    `json:"topic,omitempty" msgpack:"topic,omitempty"`
	MemberCount int       `json:"memberCount" msgpack:"memberCount"`
	HasPassword bool      `json:"hasPassword" msgpack:"hasPassword"`
	CreatedAt   time.Time `json:"createdAt" msgpack:"createdAt"`
}

// RoomMeta is the request to create a group room
type RoomMeta struct {
	Name     string `json:"name" msgpack:"name" binding:"required,max=64"`
	Topic    string `json:"topic,omitempty" msgpack:"topic,omitempty" binding:"max=256"`
	Password string `json:"password,omitempty" msgpack:"password,omitempty" binding:"max=128"`
}
