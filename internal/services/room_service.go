package services

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"duet/internal/models"
	"duet/internal/utils"
	"duet/pkg/logger"

	"github.com/google/uuid"
)

// LeaveResult describes the effect of a session leaving its room
type LeaveResult struct {
	RoomID    string
	Kind      models.RoomKind
	Remaining []string
	// Deleted is set when a pair room was torn down by the departure
	Deleted bool
	// Empty is set when a group room was left with no members
	Empty bool
}

// RoomService is the registry of live rooms. Every session belongs to at most
// one room; pair rooms disappear as soon as either side leaves and group
// rooms outlive their members until expired by the caller.
type RoomService struct {
	mutex       sync.RWMutex
	rooms       map[string]*models.Room
	memberships map[string]string
	maxMembers  int
	now         func() time.Time
}

func NewRoomService(maxMembers int) *RoomService {
	return &RoomService{
		rooms:       make(map[string]*models.Room),
		memberships: make(map[string]string),
		maxMembers:  maxMembers,
		now:         time.Now,
	}
}

// CreatePair registers an ephemeral room holding exactly a and b
func (s *RoomService) CreatePair(a, b string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if a == b {
		return "", fmt.Errorf("%w: pair needs two distinct sessions", ErrInvalidRoom)
	}
	for _, id := range []string{a, b} {
		if roomID, ok := s.memberships[id]; ok {
			return "", fmt.Errorf("%w: session %s is already in room %s", ErrInvalidRoom, id, roomID)
		}
	}

	room := &models.Room{
		ID:        uuid.NewString(),
		Kind:      models.RoomKindPair,
		Members:   []string{a, b},
		CreatedAt: s.now(),
	}
	s.rooms[room.ID] = room
	s.memberships[a] = room.ID
	s.memberships[b] = room.ID

	logger.LogRoomEvent("pair_created", room.ID, a, map[string]interface{}{"partner_id": b})
	return room.ID, nil
}

// CreateRoom registers an empty group room and returns its listing view
func (s *RoomService) CreateRoom(meta models.RoomMeta) (models.RoomSummary, error) {
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		return models.RoomSummary{}, fmt.Errorf("%w: name is required", ErrInvalidRoom)
	}

	var hash string
	if meta.Password != "" {
		var err error
		if hash, err = utils.HashPassword(meta.Password); err != nil {
			return models.RoomSummary{}, fmt.Errorf("hash room password: %w", err)
		}
	}

	now := s.now()
	room := &models.Room{
		ID:           uuid.NewString(),
		Kind:         models.RoomKindGroup,
		Name:         name,
		Topic:        strings.TrimSpace(meta.Topic),
		PasswordHash: hash,
		CreatedAt:    now,
		EmptySince:   now,
	}

	s.mutex.Lock()
	s.rooms[room.ID] = room
	s.mutex.Unlock()

	logger.LogRoomEvent("room_created", room.ID, "", map[string]interface{}{
		"name":         room.Name,
		"has_password": hash != "",
	})
	return room.Summary(), nil
}

// Authorize checks that roomID is a joinable group room and that password
// opens it. bcrypt runs without holding the registry lock.
func (s *RoomService) Authorize(roomID, password string) error {
	s.mutex.RLock()
	room, ok := s.rooms[roomID]
	var hash string
	if ok {
		hash = room.PasswordHash
	}
	s.mutex.RUnlock()

	if !ok || room.Kind != models.RoomKindGroup {
		return ErrRoomNotFound
	}
	if hash != "" && !utils.CheckPassword(password, hash) {
		return ErrBadPassword
	}
	return nil
}

// Join adds sessionID to a group room and returns the members that were
// already present, in join order. Joining a room the session is already in
// is a no-op. The caller must have removed the session from any other room
// and authorized the join.
func (s *RoomService) Join(roomID, sessionID string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	room, ok := s.rooms[roomID]
	if !ok || room.Kind != models.RoomKindGroup {
		return nil, ErrRoomNotFound
	}
	if current, in := s.memberships[sessionID]; in {
		if current == roomID {
			return othersThan(room.Members, sessionID), nil
		}
		return nil, fmt.Errorf("%w: session is in room %s", ErrInvalidRoom, current)
	}
	if s.maxMembers > 0 && len(room.Members) >= s.maxMembers {
		return nil, ErrRoomFull
	}

	existing := append([]string(nil), room.Members...)
	room.Members = append(room.Members, sessionID)
	room.EmptySince = time.Time{}
	s.memberships[sessionID] = roomID

	logger.LogRoomEvent("member_joined", roomID, sessionID, map[string]interface{}{"members": len(room.Members)})
	return existing, nil
}

// Leave removes a session from whatever room it is in. Leaving when not in a
// room reports false and changes nothing.
func (s *RoomService) Leave(sessionID string) (LeaveResult, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	roomID, ok := s.memberships[sessionID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(s.memberships, sessionID)

	room := s.rooms[roomID]
	room.Members = othersThan(room.Members, sessionID)
	result := LeaveResult{
		RoomID:    roomID,
		Kind:      room.Kind,
		Remaining: append([]string(nil), room.Members...),
	}

	switch room.Kind {
	case models.RoomKindPair:
		for _, m := range room.Members {
			delete(s.memberships, m)
		}
		delete(s.rooms, roomID)
		result.Deleted = true
		logger.LogRoomEvent("pair_closed", roomID, sessionID, nil)
	default:
		if len(room.Members) == 0 {
			room.EmptySince = s.now()
			result.Empty = true
		}
		logger.LogRoomEvent("member_left", roomID, sessionID, map[string]interface{}{"members": len(room.Members)})
	}
	return result, true
}

// ExpireIfEmpty deletes a group room that is still empty. It reports whether
// the room was removed.
func (s *RoomService) ExpireIfEmpty(roomID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	room, ok := s.rooms[roomID]
	if !ok || room.Kind != models.RoomKindGroup || len(room.Members) > 0 {
		return false
	}
	delete(s.rooms, roomID)
	logger.LogRoomEvent("room_expired", roomID, "", map[string]interface{}{
		"idle_ms": s.now().Sub(room.EmptySince).Milliseconds(),
	})
	return true
}

// IsMember reports whether sessionID currently belongs to roomID
func (s *RoomService) IsMember(roomID, sessionID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.memberships[sessionID] == roomID && roomID != ""
}

// RoomOf returns the room a session is in
func (s *RoomService) RoomOf(sessionID string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	roomID, ok := s.memberships[sessionID]
	return roomID, ok
}

// Members returns the members of a room in join order
func (s *RoomService) Members(roomID string) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if room, ok := s.rooms[roomID]; ok {
		return append([]string(nil), room.Members...)
	}
	return nil
}

// Get returns the listing view of any room
func (s *RoomService) Get(roomID string) (models.RoomSummary, models.RoomKind, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return models.RoomSummary{}, "", false
	}
	return room.Summary(), room.Kind, true
}

// List returns the group rooms ordered by creation time
func (s *RoomService) List() []models.RoomSummary {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]models.RoomSummary, 0, len(s.rooms))
	for _, room := range s.rooms {
		if room.Kind == models.RoomKindGroup {
			out = append(out, room.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of pair rooms, group rooms and group members
func (s *RoomService) Counts() (pairs, groups, groupMembers int) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, room := range s.rooms {
		if room.Kind == models.RoomKindPair {
			pairs++
		} else {
			groups++
			groupMembers += len(room.Members)
		}
	}
	return pairs, groups, groupMembers
}

func othersThan(members []string, id string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}
