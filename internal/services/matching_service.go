package services

import (
	"sync"
	"time"

	"duet/internal/models"
	"duet/pkg/logger"
)

// QueueEntry is a session waiting for a partner
type QueueEntry struct {
	SessionID string
	Profile   models.Profile
	Filters   models.Filters
	QueuedAt  time.Time
}

// Compatible reports whether a and b accept each other's profiles
func Compatible(a, b QueueEntry) bool {
	return a.Filters.Accepts(b.Profile) && b.Filters.Accepts(a.Profile)
}

// Pairing is the result of a successful match. Offerer is the session that
// had been waiting; Answerer is the session that just arrived.
type Pairing struct {
	Offerer  QueueEntry
	Answerer QueueEntry
	Waited   time.Duration
}

// MatchingService is the in-memory FIFO matchmaking queue. A session appears
// in the queue at most once and never while it is in a room.
type MatchingService struct {
	mutex sync.RWMutex
	queue []*QueueEntry
	index map[string]*QueueEntry
	now   func() time.Time
}

func NewMatchingService() *MatchingService {
	return &MatchingService{
		index: make(map[string]*QueueEntry),
		now:   time.Now,
	}
}

// Enqueue scans waiting entries oldest first and pairs entry with the first
// mutually compatible one. Entries whose session alive reports as gone are
// pruned during the scan. Without a match the entry joins the tail of the queue.
func (s *MatchingService) Enqueue(entry QueueEntry, alive func(sessionID string) bool) (*Pairing, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.index[entry.SessionID]; exists {
		return nil, ErrAlreadyQueued
	}
	if entry.QueuedAt.IsZero() {
		entry.QueuedAt = s.now()
	}

	kept := s.queue[:0]
	var partner *QueueEntry
	for _, waiting := range s.queue {
		switch {
		case partner != nil:
			kept = append(kept, waiting)
		case alive != nil && !alive(waiting.SessionID):
			delete(s.index, waiting.SessionID)
			logger.LogSessionEvent(waiting.SessionID, "queue_pruned", nil)
		case Compatible(*waiting, entry):
			partner = waiting
			delete(s.index, waiting.SessionID)
		default:
			kept = append(kept, waiting)
		}
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept

	if partner != nil {
		pairing := &Pairing{
			Offerer:  *partner,
			Answerer: entry,
			Waited:   entry.QueuedAt.Sub(partner.QueuedAt),
		}
		logger.LogSessionEvent(entry.SessionID, "match_found", map[string]interface{}{
			"partner_id": partner.SessionID,
			"waited_ms":  pairing.Waited.Milliseconds(),
		})
		return pairing, nil
	}

	e := entry
	s.queue = append(s.queue, &e)
	s.index[e.SessionID] = &e
	return nil, nil
}

// Remove drops a session from the queue. It reports whether the session was queued.
func (s *MatchingService) Remove(sessionID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.index[sessionID]; !ok {
		return false
	}
	delete(s.index, sessionID)
	for i, e := range s.queue {
		if e.SessionID == sessionID {
			copy(s.queue[i:], s.queue[i+1:])
			s.queue[len(s.queue)-1] = nil
			s.queue = s.queue[:len(s.queue)-1]
			break
		}
	}
	return true
}

// Position returns the 1-based queue position of a session
func (s *MatchingService) Position(sessionID string) (int, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for i, e := range s.queue {
		if e.SessionID == sessionID {
			return i + 1, true
		}
	}
	return 0, false
}

// Contains reports whether the session is waiting
func (s *MatchingService) Contains(sessionID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.index[sessionID]
	return ok
}

func (s *MatchingService) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.queue)
}

// Snapshot returns the waiting entries in queue order
func (s *MatchingService) Snapshot() []QueueEntry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]QueueEntry, len(s.queue))
	for i, e := range s.queue {
		out[i] = *e
	}
	return out
}
