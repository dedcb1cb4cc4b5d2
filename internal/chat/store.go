package chat

import (
	"errors"
	"sync"

	"duet/internal/models"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrDeleted        = errors.New("message deleted")
	ErrNotAuthor      = errors.New("only the author can change a message")
	ErrNoRoom         = errors.New("not in a room")
	ErrEmptyMessage   = errors.New("message is empty")
)

// Store holds one room's messages as one participant sees them. Deleted
// messages stay as tombstones so late status and reaction events still
// resolve.
type Store struct {
	mu       sync.RWMutex
	order    []string
	messages map[string]*models.Message
}

func NewStore() *Store {
	return &Store{messages: make(map[string]*models.Message)}
}

// Add records m unless a message with its id is already known. It reports
// whether m was new.
func (s *Store) Add(m models.Message) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.messages[m.ID]; ok {
		return existing.Clone(), false
	}
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	stored := m.Clone()
	s.messages[m.ID] = &stored
	s.order = append(s.order, m.ID)
	return stored.Clone(), true
}

// ApplyStatus moves a message forward to status. Regressions and repeats
// are ignored and reported as false.
func (s *Store) ApplyStatus(id string, status models.MessageStatus) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || !status.After(m.Status) {
		if ok {
			return m.Clone(), false
		}
		return models.Message{}, false
	}
	m.Status = status
	return m.Clone(), true
}

// Edit replaces the content of a live message. Repeating an edit is a no-op.
func (s *Store) Edit(id, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	if m.Deleted {
		return m.Clone(), ErrDeleted
	}
	if m.Content != content {
		m.Content = content
		m.Edited = true
	}
	return m.Clone(), nil
}

// Delete tombstones a message: its content and reactions are cleared and
// the id is kept
func (s *Store) Delete(id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	m.Deleted = true
	m.Content = ""
	m.Reactions = nil
	return m.Clone(), nil
}

// React sets participant's reaction on a message. An empty emoji removes it.
func (s *Store) React(id, participant, emoji string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	if m.Deleted {
		return m.Clone(), ErrDeleted
	}
	if emoji == "" {
		delete(m.Reactions, participant)
		return m.Clone(), nil
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	m.Reactions[participant] = emoji
	return m.Clone(), nil
}

func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, false
	}
	return m.Clone(), true
}

// List returns the messages in arrival order, tombstones included
func (s *Store) List() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.messages[id].Clone())
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
