package chat

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingExpiry is how long a typing signal lasts without a repeat
const DefaultTypingExpiry = 3 * time.Second

// Typing tracks who is typing. The relay only forwards typing signals, so
// expiry happens here.
type Typing struct {
	mu     sync.Mutex
	expiry time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

// NewTyping creates a tracker. now may be nil to use the wall clock.
func NewTyping(expiry time.Duration, now func() time.Time) *Typing {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if now == nil {
		now = time.Now
	}
	return &Typing{expiry: expiry, now: now, seen: make(map[string]time.Time)}
}

// Observe records a typing signal from participant
func (t *Typing) Observe(participant string, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if typing {
		t.seen[participant] = t.now()
		return
	}
	delete(t.seen, participant)
}

// IsTyping reports whether participant signalled typing within the expiry
func (t *Typing) IsTyping(participant string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.seen[participant]
	if !ok {
		return false
	}
	if t.now().Sub(at) >= t.expiry {
		delete(t.seen, participant)
		return false
	}
	return true
}

// Active lists everyone currently typing, sorted
func (t *Typing) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]string, 0, len(t.seen))
	for id, at := range t.seen {
		if now.Sub(at) >= t.expiry {
			delete(t.seen, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset forgets every participant
func (t *Typing) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = make(map[string]time.Time)
}
