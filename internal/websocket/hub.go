package websocket

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"duet/internal/models"
	"duet/internal/protocol"
	"duet/internal/services"
	"duet/internal/stats"
	"duet/pkg/logger"

	"github.com/google/uuid"
)

// TokenIssuer signs resume tokens for sessions
type TokenIssuer interface {
	Issue(sessionID string) (string, error)
}

var ErrHubStopped = errors.New("hub stopped")

// maxHeldEvents bounds what a client may send while its join is pending
const maxHeldEvents = 64

type inbound struct {
	client *Client
	env    *protocol.Envelope
	err    error
}

type idleTimer struct {
	timer *time.Timer
	gen   uint64
}

type expiry struct {
	roomID string
	gen    uint64
}

// Hub is the relay's single writer. Every registry mutation and every
// delivery happens on the Run goroutine, so events from one sender reach
// each recipient in the order they were sent.
type Hub struct {
	clients    map[string]*Client
	matching   *services.MatchingService
	rooms      *services.RoomService
	tokens     TokenIssuer
	idleExpiry time.Duration
	idleTimers map[string]*idleTimer
	timerGen   uint64

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	commands   chan func()
	expired    chan expiry
	done       chan struct{}

	overflowed []*Client
	relayed    atomic.Uint64
	startedAt  time.Time
}

// NewHub creates a hub over the given registries. idleExpiry is how long an
// empty group room survives.
func NewHub(matching *services.MatchingService, rooms *services.RoomService, tokens TokenIssuer, idleExpiry time.Duration) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		matching:   matching,
		rooms:      rooms,
		tokens:     tokens,
		idleExpiry: idleExpiry,
		idleTimers: make(map[string]*idleTimer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		commands:   make(chan func()),
		expired:    make(chan expiry, 16),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// Run processes hub events until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	logger.Info("WebSocket hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			if h.clients[client.ID] == client {
				h.disconnect(client)
			}

		case in := <-h.inbound:
			h.handleInbound(in)

		case fn := <-h.commands:
			fn()

		case e := <-h.expired:
			h.expireRoom(e)
		}
		h.dropOverflowed()
	}
}

// Register attaches a client and waits until it has its final session id.
// The pumps must only be started after Register returns true.
func (h *Hub) Register(ctx context.Context, client *Client) bool {
	select {
	case h.register <- client:
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case <-client.registered:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) submit(in inbound) bool {
	select {
	case h.inbound <- in:
		return true
	case <-h.done:
		return false
	}
}

// post runs fn on the hub goroutine
func (h *Hub) post(fn func()) bool {
	select {
	case h.commands <- fn:
		return true
	case <-h.done:
		return false
	}
}

// offload runs work off the hub goroutine and its returned finish back on
// it. Events client sends meanwhile are held and handled in order once
// finish has run.
func (h *Hub) offload(client *Client, work func() (finish func())) {
	client.busy = true
	go func() {
		finish := work()
		h.post(func() {
			client.busy = false
			if h.clients[client.ID] != client {
				client.held = nil
				return
			}
			finish()
			h.drainHeld(client)
		})
	}()
}

func (h *Hub) drainHeld(client *Client) {
	for !client.busy && len(client.held) > 0 {
		next := client.held[0]
		client.held = client.held[1:]
		h.handleInbound(next)
	}
	if len(client.held) == 0 {
		client.held = nil
	}
}

// call runs fn on the hub goroutine and waits for it to finish
func (h *Hub) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}
	select {
	case h.commands <- wrapped:
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) registerClient(client *Client) {
	if client.ID == "" {
		client.ID = uuid.NewString()
	} else if _, live := h.clients[client.ID]; live {
		logger.LogSecurityEvent("resume_refused", client.ID, client.IP, nil)
		client.ID = uuid.NewString()
	} else {
		logger.LogSessionEvent(client.ID, "resumed", nil)
	}

	client.session.ID = client.ID
	client.session.IP = client.IP
	client.session.UserAgent = client.UserAgent
	h.clients[client.ID] = client
	close(client.registered)

	welcome := protocol.New(protocol.EventWelcome)
	welcome.SessionID = client.ID
	if h.tokens != nil {
		token, err := h.tokens.Issue(client.ID)
		if err != nil {
			logger.LogError(err, "Failed to issue resume token", map[string]interface{}{"session_id": client.ID})
		}
		welcome.ResumeToken = token
	}
	h.deliver(client, welcome)
}

// disconnect runs the full cleanup for a departing session: queue entry,
// room membership and peer notifications all happen now.
func (h *Hub) disconnect(client *Client) {
	delete(h.clients, client.ID)
	h.matching.Remove(client.ID)
	h.leaveRoom(client)
	if !client.sendClosed {
		client.sendClosed = true
		close(client.send)
	}
}

// deliver queues env for client without blocking. A client whose buffer is
// full is dropped after the current event has been handled.
func (h *Hub) deliver(client *Client, env *protocol.Envelope) {
	if client == nil || client.sendClosed {
		return
	}
	select {
	case client.send <- env:
	default:
		logger.WithFields(map[string]interface{}{
			"session_id": client.ID,
			"event":      env.Type,
		}).Warn("Send buffer full, dropping client")
		h.overflowed = append(h.overflowed, client)
	}
}

func (h *Hub) dropOverflowed() {
	for len(h.overflowed) > 0 {
		client := h.overflowed[0]
		h.overflowed = h.overflowed[1:]
		if h.clients[client.ID] == client {
			h.disconnect(client)
		}
	}
	h.overflowed = nil
}

func (h *Hub) sendError(client *Client, code, message string) {
	h.deliver(client, protocol.NewError(code, message))
}

func (h *Hub) isAlive(sessionID string) bool {
	_, ok := h.clients[sessionID]
	return ok
}

func (h *Hub) memberView(sessionID string) models.Member {
	if client, ok := h.clients[sessionID]; ok {
		return models.MemberFor(sessionID, client.session.Profile)
	}
	return models.Member{ID: sessionID}
}

// scheduleExpiry arms the idle timer of an empty group room
func (h *Hub) scheduleExpiry(roomID string) {
	if _, armed := h.idleTimers[roomID]; armed {
		return
	}
	h.timerGen++
	e := expiry{roomID: roomID, gen: h.timerGen}
	h.idleTimers[roomID] = &idleTimer{
		gen: e.gen,
		timer: time.AfterFunc(h.idleExpiry, func() {
			select {
			case h.expired <- e:
			case <-h.done:
			}
		}),
	}
}

func (h *Hub) cancelExpiry(roomID string) {
	if t, ok := h.idleTimers[roomID]; ok {
		t.timer.Stop()
		delete(h.idleTimers, roomID)
	}
}

func (h *Hub) expireRoom(e expiry) {
	t, ok := h.idleTimers[e.roomID]
	if !ok || t.gen != e.gen {
		return
	}
	delete(h.idleTimers, e.roomID)
	h.rooms.ExpireIfEmpty(e.roomID)
}

func (h *Hub) shutdown() {
	for _, t := range h.idleTimers {
		t.timer.Stop()
	}
	for _, client := range h.clients {
		if !client.sendClosed {
			client.sendClosed = true
			close(client.send)
		}
	}
}

// Snapshot reports current load, taken on the hub goroutine
func (h *Hub) Snapshot(ctx context.Context) (stats.Snapshot, error) {
	var snap stats.Snapshot
	err := h.call(ctx, func() {
		pairs, groups, members := h.rooms.Counts()
		snap = stats.Snapshot{
			Timestamp:     time.Now().UTC(),
			Sessions:      len(h.clients),
			Waiting:       h.matching.Len(),
			PairRooms:     pairs,
			GroupRooms:    groups,
			GroupMembers:  members,
			EventsRelayed: h.relayed.Load(),
			Uptime:        time.Since(h.startedAt).Round(time.Second).String(),
		}
	})
	return snap, err
}

// ListRooms returns the joinable group rooms
func (h *Hub) ListRooms() []models.RoomSummary {
	return h.rooms.List()
}

// CreateRoom registers a group room and arms its idle expiry
func (h *Hub) CreateRoom(ctx context.Context, meta models.RoomMeta) (models.RoomSummary, error) {
	summary, err := h.rooms.CreateRoom(meta)
	if err != nil {
		return models.RoomSummary{}, err
	}
	if err := h.call(ctx, func() { h.scheduleExpiry(summary.ID) }); err != nil {
		return models.RoomSummary{}, err
	}
	return summary, nil
}

// Done is closed when Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
