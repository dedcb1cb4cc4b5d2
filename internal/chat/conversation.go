package chat

import (
	"strings"
	"sync"
	"time"

	"duet/internal/client"
	"duet/internal/models"
	"duet/internal/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session is the relay connection a Conversation talks through
type Session interface {
	ID() string
	Send(env *protocol.Envelope) error
	On(t protocol.EventType, h client.Handler)
}

// Events report changes to the conversation. All fields are optional.
type Events struct {
	OnMessage func(m models.Message)
	OnUpdate  func(m models.Message)
	OnTyping  func(participant string, typing bool)
}

// Options configure a Conversation
type Options struct {
	Logger       *logrus.Entry
	TypingExpiry time.Duration
	Now          func() time.Time
	// AutoDeliver acknowledges received messages as delivered
	AutoDeliver bool
}

// Conversation is the chat of the room the session is currently in. It
// follows the session into new rooms and starts over with an empty store.
type Conversation struct {
	session Session
	events  Events
	log     *logrus.Entry
	now     func() time.Time
	typing  *Typing
	auto    bool

	mu     sync.Mutex
	roomID string
	store  *Store
}

func NewConversation(session Session, opts Options, events Events) *Conversation {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Conversation{
		session: session,
		events:  events,
		log:     opts.Logger,
		now:     opts.Now,
		typing:  NewTyping(opts.TypingExpiry, opts.Now),
		auto:    opts.AutoDeliver,
		store:   NewStore(),
	}

	session.On(protocol.EventMatched, func(env *protocol.Envelope) {
		if env.Match != nil {
			c.SetRoom(env.Match.RoomID)
		}
	})
	session.On(protocol.EventRoomJoined, func(env *protocol.Envelope) { c.SetRoom(env.RoomID) })
	session.On(protocol.EventReceiveMessage, c.onMessage)
	session.On(protocol.EventMessageStatusUpdate, c.onStatus)
	session.On(protocol.EventEditMessage, c.onEdit)
	session.On(protocol.EventDeleteMessage, c.onDelete)
	session.On(protocol.EventReactMessage, c.onReact)
	session.On(protocol.EventTyping, c.onTyping)
	return c
}

// SetRoom switches to roomID with an empty history
func (c *Conversation) SetRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID == roomID {
		return
	}
	c.roomID = roomID
	c.store = NewStore()
	c.typing.Reset()
}

func (c *Conversation) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Conversation) current() (string, *Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.store
}

// Messages lists the current room's messages in arrival order
func (c *Conversation) Messages() []models.Message {
	_, store := c.current()
	return store.List()
}

// Message looks up one message. Ids may be abbreviated to a unique prefix.
func (c *Conversation) Message(id string) (models.Message, bool) {
	_, store := c.current()
	if m, ok := store.Get(id); ok {
		return m, true
	}
	var found models.Message
	matches := 0
	for _, m := range store.List() {
		if strings.HasPrefix(m.ID, id) {
			found = m
			matches++
		}
	}
	return found, matches == 1
}

// Typing lists participants currently typing
func (c *Conversation) Typing() []string {
	return c.typing.Active()
}

func (c *Conversation) envelope(t protocol.EventType) (*protocol.Envelope, *Store, error) {
	roomID, store := c.current()
	if roomID == "" {
		return nil, nil, ErrNoRoom
	}
	env := protocol.New(t)
	env.RoomID = roomID
	return env, store, nil
}

// Send posts a message to the room. It is stored as sent before the relay
// sees it.
func (c *Conversation) Send(content string, typ models.MessageType) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if !typ.Valid() {
		typ = models.MessageTypeText
	}
	env, store, err := c.envelope(protocol.EventSendMessage)
	if err != nil {
		return models.Message{}, err
	}

	m, _ := store.Add(models.Message{
		ID:        uuid.NewString(),
		RoomID:    env.RoomID,
		SenderID:  c.session.ID(),
		Content:   content,
		Type:      typ,
		Timestamp: c.now().UTC(),
		Status:    models.StatusSent,
	})
	wire := m.Clone()
	env.Message = &wire
	return m, c.session.Send(env)
}

// MarkSeen tells the author of a received message it has been seen
func (c *Conversation) MarkSeen(id string) error {
	return c.acknowledge(id, models.StatusSeen)
}

func (c *Conversation) acknowledge(id string, status models.MessageStatus) error {
	env, store, err := c.envelope(protocol.EventMessageStatus)
	if err != nil {
		return err
	}
	m, ok := store.Get(id)
	if !ok {
		return ErrUnknownMessage
	}
	if m.SenderID == c.session.ID() {
		return nil
	}
	store.ApplyStatus(id, status)

	env.MessageID = id
	env.Status = status
	env.TargetPeerID = m.SenderID
	return c.session.Send(env)
}

// Edit changes the content of one of our own messages
func (c *Conversation) Edit(id, content string) (models.Message, error) {
	env, store, err := c.envelope(protocol.EventEditMessage)
	if err != nil {
		return models.Message{}, err
	}
	if err := c.authored(store, id); err != nil {
		return models.Message{}, err
	}
	m, err := store.Edit(id, content)
	if err != nil {
		return m, err
	}
	env.MessageID = id
	env.Content = content
	return m, c.session.Send(env)
}

// Delete tombstones one of our own messages
func (c *Conversation) Delete(id string) (models.Message, error) {
	env, store, err := c.envelope(protocol.EventDeleteMessage)
	if err != nil {
		return models.Message{}, err
	}
	if err := c.authored(store, id); err != nil {
		return models.Message{}, err
	}
	m, err := store.Delete(id)
	if err != nil {
		return m, err
	}
	env.MessageID = id
	return m, c.session.Send(env)
}

// React sets our reaction on a message. An empty emoji clears it.
func (c *Conversation) React(id, emoji string) (models.Message, error) {
	env, store, err := c.envelope(protocol.EventReactMessage)
	if err != nil {
		return models.Message{}, err
	}
	m, err := store.React(id, c.session.ID(), emoji)
	if err != nil {
		return m, err
	}
	env.MessageID = id
	env.Emoji = emoji
	return m, c.session.Send(env)
}

// SetTyping signals whether we are typing
func (c *Conversation) SetTyping(typing bool) error {
	env, _, err := c.envelope(protocol.EventTyping)
	if err != nil {
		return err
	}
	env.IsTyping = typing
	return c.session.Send(env)
}

func (c *Conversation) authored(store *Store, id string) error {
	m, ok := store.Get(id)
	if !ok {
		return ErrUnknownMessage
	}
	if m.SenderID != c.session.ID() {
		return ErrNotAuthor
	}
	return nil
}

// inbound returns the store for env's room, or nil for events of a room we
// already left
func (c *Conversation) inbound(env *protocol.Envelope) *Store {
	roomID, store := c.current()
	if env.RoomID != roomID {
		c.log.WithFields(logrus.Fields{
			"event":   env.Type,
			"room_id": env.RoomID,
		}).Debug("Ignoring chat event for another room")
		return nil
	}
	return store
}

func (c *Conversation) onMessage(env *protocol.Envelope) {
	store := c.inbound(env)
	if store == nil || env.Message == nil {
		return
	}
	m, added := store.Add(*env.Message)
	if !added {
		return
	}
	c.typing.Observe(m.SenderID, false)
	if c.events.OnMessage != nil {
		c.events.OnMessage(m)
	}
	if c.auto {
		if err := c.acknowledge(m.ID, models.StatusDelivered); err != nil {
			c.log.WithError(err).Debug("Failed to acknowledge message")
		}
	}
}

func (c *Conversation) onStatus(env *protocol.Envelope) {
	store := c.inbound(env)
	if store == nil {
		return
	}
	// tombstones still track status but nothing about them changes visibly
	if m, advanced := store.ApplyStatus(env.MessageID, env.Status); advanced && !m.Deleted {
		c.update(m)
	}
}

func (c *Conversation) onEdit(env *protocol.Envelope) {
	store := c.inbound(env)
	if store == nil || !c.fromAuthor(store, env) {
		return
	}
	if m, err := store.Edit(env.MessageID, env.Content); err == nil {
		c.update(m)
	}
}

func (c *Conversation) onDelete(env *protocol.Envelope) {
	store := c.inbound(env)
	if store == nil || !c.fromAuthor(store, env) {
		return
	}
	if m, err := store.Delete(env.MessageID); err == nil {
		c.update(m)
	}
}

func (c *Conversation) onReact(env *protocol.Envelope) {
	store := c.inbound(env)
	if store == nil {
		return
	}
	if m, err := store.React(env.MessageID, env.SenderID, env.Emoji); err == nil {
		c.update(m)
	}
}

func (c *Conversation) onTyping(env *protocol.Envelope) {
	if c.inbound(env) == nil {
		return
	}
	c.typing.Observe(env.SenderID, env.IsTyping)
	if c.events.OnTyping != nil {
		c.events.OnTyping(env.SenderID, env.IsTyping)
	}
}

func (c *Conversation) fromAuthor(store *Store, env *protocol.Envelope) bool {
	m, ok := store.Get(env.MessageID)
	return ok && m.SenderID == env.SenderID
}

func (c *Conversation) update(m models.Message) {
	if c.events.OnUpdate != nil {
		c.events.OnUpdate(m)
	}
}
