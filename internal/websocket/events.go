package websocket

import (
	"errors"
	"time"

	"duet/internal/models"
	"duet/internal/protocol"
	"duet/internal/services"
	"duet/pkg/logger"
)

func (h *Hub) handleInbound(in inbound) {
	client := in.client
	if h.clients[client.ID] != client {
		return
	}
	if client.busy {
		if len(client.held) >= maxHeldEvents {
			in = inbound{client: client, err: errHeldFull}
		} else {
			client.held = append(client.held, in)
			return
		}
	}

	switch {
	case errors.Is(in.err, errRateLimited), errors.Is(in.err, errHeldFull):
		h.sendError(client, protocol.CodeRateLimited, "too many events, slow down")
		return
	case in.err != nil:
		h.sendError(client, protocol.CodeBadRequest, "event could not be decoded")
		return
	}

	env := in.env
	if err := env.Validate(); err != nil {
		h.sendError(client, protocol.CodeBadRequest, err.Error())
		return
	}

	switch env.Type {
	case protocol.EventHeartbeat:
		h.deliver(client, protocol.New(protocol.EventHeartbeat))

	case protocol.EventStartLooking:
		h.startLooking(client, env)
	case protocol.EventStopLooking:
		h.stopLooking(client)
	case protocol.EventSkip:
		h.skip(client)

	case protocol.EventCreateRoom:
		h.createRoom(client, *env.Room)
	case protocol.EventListRooms:
		out := protocol.New(protocol.EventRoomList)
		out.Rooms = h.rooms.List()
		h.deliver(client, out)
	case protocol.EventJoinRoom:
		h.joinRoom(client, env.RoomID, env.Password)
	case protocol.EventLeaveRoom:
		if !h.rooms.IsMember(env.RoomID, client.ID) {
			logger.Debugf("session %s left room %s it is not in", client.ID, env.RoomID)
			return
		}
		h.leaveRoom(client)

	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		h.relaySignal(client, env)

	case protocol.EventSendMessage, protocol.EventTyping, protocol.EventMessageStatus,
		protocol.EventEditMessage, protocol.EventDeleteMessage, protocol.EventReactMessage:
		h.relayChat(client, env)
	}
}

// Matchmaking

func (h *Hub) startLooking(client *Client, env *protocol.Envelope) {
	if env.Profile != nil {
		client.session.Profile = env.Profile.Normalize()
	}
	if env.Filters != nil {
		client.session.Filters = env.Filters.Normalize()
	}
	h.leaveRoom(client)
	h.enqueue(client)
}

func (h *Hub) stopLooking(client *Client) {
	if h.matching.Remove(client.ID) {
		logger.LogSessionEvent(client.ID, "stopped_looking", nil)
	}
	client.session.Looking = false
}

// skip tears down the current pairing before re-entering the queue with the
// filters last supplied
func (h *Hub) skip(client *Client) {
	h.leaveRoom(client)
	h.enqueue(client)
}

func (h *Hub) enqueue(client *Client) {
	h.matching.Remove(client.ID)

	pairing, err := h.matching.Enqueue(services.QueueEntry{
		SessionID: client.ID,
		Profile:   client.session.Profile,
		Filters:   client.session.Filters,
	}, h.isAlive)
	if err != nil {
		h.sendError(client, protocol.CodeProtocol, err.Error())
		return
	}

	if pairing == nil {
		client.session.Looking = true
		pos, _ := h.matching.Position(client.ID)
		out := protocol.New(protocol.EventQueueStatus)
		out.Queue = &protocol.QueueStatus{Position: pos, QueueSize: h.matching.Len()}
		h.deliver(client, out)
		logger.LogSessionEvent(client.ID, "queued", map[string]interface{}{"position": pos})
		return
	}

	offerer := h.clients[pairing.Offerer.SessionID]
	roomID, err := h.rooms.CreatePair(offerer.ID, client.ID)
	if err != nil {
		logger.LogError(err, "Failed to create pair room", map[string]interface{}{
			"offerer":  offerer.ID,
			"answerer": client.ID,
		})
		h.sendError(client, protocol.CodeProtocol, "pairing failed, try again")
		h.sendError(offerer, protocol.CodeProtocol, "pairing failed, try again")
		return
	}

	for _, c := range []*Client{offerer, client} {
		c.session.Looking = false
		c.session.RoomID = roomID
	}
	h.deliver(offerer, matchedEvent(roomID, client, true))
	h.deliver(client, matchedEvent(roomID, offerer, false))
}

func matchedEvent(roomID string, partner *Client, isOfferer bool) *protocol.Envelope {
	out := protocol.New(protocol.EventMatched)
	out.RoomID = roomID
	out.Match = &protocol.MatchInfo{
		RoomID:         roomID,
		PartnerID:      partner.ID,
		IsOfferer:      isOfferer,
		PartnerName:    partner.session.Profile.Name,
		PartnerAge:     partner.session.Profile.Age,
		PartnerCountry: partner.session.Profile.Country,
	}
	return out
}

// Rooms

// bcrypt runs off the hub goroutine; the client's later events wait for it
func (h *Hub) createRoom(client *Client, meta models.RoomMeta) {
	h.offload(client, func() func() {
		summary, err := h.rooms.CreateRoom(meta)
		return func() {
			if err != nil {
				h.sendError(client, protocol.CodeBadRequest, err.Error())
				return
			}
			h.scheduleExpiry(summary.ID)
			out := protocol.New(protocol.EventRoomCreated)
			out.RoomID = summary.ID
			out.Summary = &summary
			h.deliver(client, out)
		}
	})
}

func (h *Hub) joinRoom(client *Client, roomID, password string) {
	h.offload(client, func() func() {
		err := h.rooms.Authorize(roomID, password)
		return func() { h.completeJoin(client, roomID, err) }
	})
}

func (h *Hub) completeJoin(client *Client, roomID string, authErr error) {
	if authErr != nil {
		h.sendJoinError(client, roomID, authErr)
		return
	}

	h.matching.Remove(client.ID)
	client.session.Looking = false
	if current, in := h.rooms.RoomOf(client.ID); in && current != roomID {
		h.leaveRoom(client)
	}

	existing, err := h.rooms.Join(roomID, client.ID)
	if err != nil {
		h.sendJoinError(client, roomID, err)
		return
	}
	h.cancelExpiry(roomID)
	client.session.RoomID = roomID

	joined := protocol.New(protocol.EventRoomJoined)
	joined.RoomID = roomID
	joined.Members = make([]models.Member, 0, len(existing))
	for _, id := range existing {
		joined.Members = append(joined.Members, h.memberView(id))
	}
	if summary, _, ok := h.rooms.Get(roomID); ok {
		joined.Summary = &summary
	}
	h.deliver(client, joined)

	self := h.memberView(client.ID)
	for _, id := range existing {
		note := protocol.New(protocol.EventUserJoined)
		note.RoomID = roomID
		note.SenderID = client.ID
		note.Member = &self
		h.deliver(h.clients[id], note)
	}
}

func (h *Hub) sendJoinError(client *Client, roomID string, err error) {
	switch {
	case errors.Is(err, services.ErrRoomNotFound):
		h.sendError(client, protocol.CodeNotFound, "room not found")
	case errors.Is(err, services.ErrBadPassword):
		logger.LogSecurityEvent("room_password_rejected", client.ID, client.IP, map[string]interface{}{"room_id": roomID})
		h.sendError(client, protocol.CodeAuth, "incorrect room password")
	case errors.Is(err, services.ErrRoomFull):
		h.sendError(client, protocol.CodeRoomFull, "room is full")
	default:
		h.sendError(client, protocol.CodeProtocol, err.Error())
	}
}

// leaveRoom removes client from its room, if any, and tells whoever is left.
// Pair partners get partner-left and are released from the pair room.
func (h *Hub) leaveRoom(client *Client) {
	res, ok := h.rooms.Leave(client.ID)
	if !ok {
		return
	}
	client.session.RoomID = ""

	for _, id := range res.Remaining {
		other := h.clients[id]
		var note *protocol.Envelope
		if res.Kind == models.RoomKindPair {
			if other != nil {
				other.session.RoomID = ""
			}
			note = protocol.New(protocol.EventPartnerLeft)
		} else {
			note = protocol.New(protocol.EventUserLeft)
		}
		note.RoomID = res.RoomID
		note.SenderID = client.ID
		h.deliver(other, note)
	}

	if res.Empty {
		h.scheduleExpiry(res.RoomID)
	}
}

// Relay

// relaySignal forwards offers, answers and candidates to exactly one other
// member of the sender's room
func (h *Hub) relaySignal(client *Client, env *protocol.Envelope) {
	if !h.rooms.IsMember(env.RoomID, client.ID) {
		h.sendError(client, protocol.CodeProtocol, "not a member of room "+env.RoomID)
		return
	}

	target := env.TargetPeerID
	if target == "" {
		if _, kind, _ := h.rooms.Get(env.RoomID); kind == models.RoomKindPair {
			for _, id := range h.rooms.Members(env.RoomID) {
				if id != client.ID {
					target = id
				}
			}
		}
	}
	if target == "" || target == client.ID || !h.rooms.IsMember(env.RoomID, target) {
		h.sendError(client, protocol.CodeProtocol, "target peer is not in room "+env.RoomID)
		return
	}

	out := env.Clone()
	out.SenderID = client.ID
	out.TargetPeerID = target
	out.Timestamp = time.Now().UTC()
	h.deliver(h.clients[target], out)
	h.relayed.Add(1)
	logger.LogSignal(string(env.Type), env.RoomID, client.ID, target)
}

// relayChat forwards chat and presence events to the other members of the
// sender's room, or to one member when the event names a target
func (h *Hub) relayChat(client *Client, env *protocol.Envelope) {
	if !h.rooms.IsMember(env.RoomID, client.ID) {
		h.sendError(client, protocol.CodeProtocol, "not a member of room "+env.RoomID)
		return
	}

	out := env.Clone()
	out.SenderID = client.ID
	out.Timestamp = time.Now().UTC()
	switch env.Type {
	case protocol.EventSendMessage:
		out.Type = protocol.EventReceiveMessage
		out.Message.SenderID = client.ID
		out.Message.RoomID = env.RoomID
		out.Message.Status = models.StatusSent
		if out.Message.Type == "" {
			out.Message.Type = models.MessageTypeText
		}
		if out.Message.Timestamp.IsZero() {
			out.Message.Timestamp = out.Timestamp
		}
	case protocol.EventMessageStatus:
		out.Type = protocol.EventMessageStatusUpdate
	}

	if env.TargetPeerID != "" {
		if env.TargetPeerID == client.ID || !h.rooms.IsMember(env.RoomID, env.TargetPeerID) {
			h.sendError(client, protocol.CodeProtocol, "target peer is not in room "+env.RoomID)
			return
		}
		h.deliver(h.clients[env.TargetPeerID], out)
		h.relayed.Add(1)
		return
	}

	for _, id := range h.rooms.Members(env.RoomID) {
		if id == client.ID {
			continue
		}
		h.deliver(h.clients[id], out.Clone())
		h.relayed.Add(1)
	}
}
