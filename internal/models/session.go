package models

import (
	"strings"
	"time"
)

// Profile is the self-description a session supplies when it starts looking
type Profile struct {
	Name    string `json:"name,omitempty" msgpack:"name,omitempty"`
	Age     int    `json:"age,omitempty" msgpack:"age,omitempty"`
	Gender  string `json:"gender,omitempty" msgpack:"gender,omitempty"`
	Country string `json:"country,omitempty" msgpack:"country,omitempty"`
}

// Normalize trims whitespace and canonicalizes case so filters compare cleanly
func (p Profile) Normalize() Profile {
	p.Name = strings.TrimSpace(p.Name)
	p.Gender = strings.ToLower(strings.TrimSpace(p.Gender))
	p.Country = strings.ToUpper(strings.TrimSpace(p.Country))
	if p.Age < 0 {
		p.Age = 0
	}
	return p
}

// Filters restrict who a session is willing to be paired with. Empty fields accept anyone.
type Filters struct {
	Gender  string `json:"gender,omitempty" msgpack:"gender,omitempty"`
	Country string `json:"country,omitempty" msgpack:"country,omitempty"`
}

// Normalize canonicalizes filter values the same way as Profile.Normalize
func (f Filters) Normalize() Filters {
	f.Gender = strings.ToLower(strings.TrimSpace(f.Gender))
	f.Country = strings.ToUpper(strings.TrimSpace(f.Country))
	return f
}

// Accepts reports whether a peer with profile p passes f
func (f Filters) Accepts(p Profile) bool {
	if f.Gender != "" && f.Gender != p.Gender {
		return false
	}
	if f.Country != "" && !strings.EqualFold(f.Country, p.Country) {
		return false
	}
	return true
}

// Member describes a room participant to other participants
type Member struct {
	ID      string `json:"id" msgpack:"id"`
	Name    string `json:"name,omitempty" msgpack:"name,omitempty"`
	Age     int    `json:"age,omitempty" msgpack:"age,omitempty"`
	Country string `json:"country,omitempty" msgpack:"country,omitempty"`
}

// MemberFor builds the public view of a session
func MemberFor(id string, p Profile) Member {
	return Member{ID: id, Name: p.Name, Age: p.Age, Country: p.Country}
}

// Session is the relay's view of one connected client
type Session struct {
	ID          string
	Profile     Profile
	Filters     Filters
	RoomID      string
	Looking     bool
	IP          string
	UserAgent   string
	ConnectedAt time.Time
}
