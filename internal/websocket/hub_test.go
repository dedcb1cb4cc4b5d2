package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"duet/internal/models"
	"duet/internal/protocol"
	"duet/internal/services"
	"duet/internal/utils"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRelay struct {
	hub    *Hub
	tokens *utils.ResumeTokens
	server *httptest.Server
}

func newTestRelay(t *testing.T, idleExpiry time.Duration) *testRelay {
	t.Helper()
	return newTestRelayWith(t, idleExpiry, DefaultClientOptions())
}

func newTestRelayWith(t *testing.T, idleExpiry time.Duration, opts ClientOptions) *testRelay {
	t.Helper()

	tokens := utils.NewResumeTokens("test-secret", time.Minute)
	hub := NewHub(services.NewMatchingService(), services.NewRoomService(3), tokens, idleExpiry)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		codec, err := protocol.CodecByName(r.URL.Query().Get("codec"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var sessionID string
		if token := r.URL.Query().Get("resume"); token != "" {
			sessionID, _ = tokens.Verify(token)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, codec, sessionID, opts)
		if !hub.Register(context.Background(), client) {
			conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump()
	}))

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-hub.Done()
	})
	return &testRelay{hub: hub, tokens: tokens, server: server}
}

type testConn struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
	id    string
	token string
}

func (r *testRelay) dial(t *testing.T, query string) *testConn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	codec := protocol.JSON
	if strings.Contains(query, "codec=msgpack") {
		codec = protocol.MsgPack
	}
	tc := &testConn{t: t, conn: conn, codec: codec}
	t.Cleanup(func() { conn.Close() })

	welcome := tc.expect(protocol.EventWelcome)
	require.NotEmpty(t, welcome.SessionID)
	tc.id = welcome.SessionID
	tc.token = welcome.ResumeToken
	return tc
}

func (c *testConn) send(env *protocol.Envelope) {
	c.t.Helper()
	data, err := c.codec.Marshal(env)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(c.codec.FrameType(), data))
}

func (c *testConn) next() *protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frameType, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	assert.Equal(c.t, c.codec.FrameType(), frameType)

	env := &protocol.Envelope{}
	require.NoError(c.t, c.codec.Unmarshal(data, env))
	return env
}

func (c *testConn) expect(t protocol.EventType) *protocol.Envelope {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, t, env.Type, "unexpected event %+v", env)
	return env
}

// quiet asserts nothing else is pending by round-tripping a heartbeat
func (c *testConn) quiet() {
	c.t.Helper()
	c.send(protocol.New(protocol.EventHeartbeat))
	c.expect(protocol.EventHeartbeat)
}

func lookingEvent(name, gender, country string, filters models.Filters) *protocol.Envelope {
	env := protocol.New(protocol.EventStartLooking)
	env.Profile = &models.Profile{Name: name, Gender: gender, Country: country}
	env.Filters = &filters
	return env
}

func pair(t *testing.T, r *testRelay) (a, b *testConn, roomID string) {
	t.Helper()
	a = r.dial(t, "")
	b = r.dial(t, "")

	a.send(lookingEvent("alice", "female", "US", models.Filters{}))
	status := a.expect(protocol.EventQueueStatus)
	assert.Equal(t, 1, status.Queue.Position)

	b.send(lookingEvent("bob", "male", "DE", models.Filters{}))
	ma := a.expect(protocol.EventMatched)
	mb := b.expect(protocol.EventMatched)

	require.Equal(t, ma.Match.RoomID, mb.Match.RoomID)
	assert.True(t, ma.Match.IsOfferer)
	assert.False(t, mb.Match.IsOfferer)
	assert.Equal(t, b.id, ma.Match.PartnerID)
	assert.Equal(t, a.id, mb.Match.PartnerID)
	assert.Equal(t, "bob", ma.Match.PartnerName)
	assert.Equal(t, "US", mb.Match.PartnerCountry)
	return a, b, ma.Match.RoomID
}

func TestMatchAndSignal(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a, b, roomID := pair(t, r)

	offer := protocol.New(protocol.EventOffer)
	offer.RoomID = roomID
	offer.SDP = &protocol.SessionDescription{Type: protocol.SDPOffer, SDP: "v=0 offer"}
	a.send(offer)

	got := b.expect(protocol.EventOffer)
	assert.Equal(t, a.id, got.SenderID)
	assert.Equal(t, "v=0 offer", got.SDP.SDP)

	answer := protocol.New(protocol.EventAnswer)
	answer.RoomID = roomID
	answer.TargetPeerID = a.id
	answer.SDP = &protocol.SessionDescription{Type: protocol.SDPAnswer, SDP: "v=0 answer"}
	b.send(answer)
	assert.Equal(t, b.id, a.expect(protocol.EventAnswer).SenderID)

	// candidates from one sender arrive in order
	for _, cand := range []string{"c1", "c2", "c3"} {
		ice := protocol.New(protocol.EventICECandidate)
		ice.RoomID = roomID
		ice.Candidate = &protocol.ICECandidate{Candidate: cand}
		a.send(ice)
	}
	for _, cand := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, cand, b.expect(protocol.EventICECandidate).Candidate.Candidate)
	}
	a.quiet()
}

func TestMutualFiltersKeepIncompatibleSessionsWaiting(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a := r.dial(t, "")
	b := r.dial(t, "")
	c := r.dial(t, "")

	a.send(lookingEvent("a", "male", "US", models.Filters{Gender: "female"}))
	a.expect(protocol.EventQueueStatus)

	b.send(lookingEvent("b", "male", "US", models.Filters{}))
	status := b.expect(protocol.EventQueueStatus)
	assert.Equal(t, 2, status.Queue.Position)

	c.send(lookingEvent("c", "female", "us", models.Filters{Country: "US"}))
	matched := c.expect(protocol.EventMatched)
	assert.Equal(t, a.id, matched.Match.PartnerID)
	assert.Equal(t, c.id, a.expect(protocol.EventMatched).Match.PartnerID)
	b.quiet()
}

func TestSkipNotifiesPartnerAndRequeues(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a, b, roomID := pair(t, r)

	b.send(protocol.New(protocol.EventSkip))
	left := a.expect(protocol.EventPartnerLeft)
	assert.Equal(t, roomID, left.RoomID)
	assert.Equal(t, b.id, left.SenderID)
	b.expect(protocol.EventQueueStatus)

	// the old pair room is gone for both
	offer := protocol.New(protocol.EventOffer)
	offer.RoomID = roomID
	offer.SDP = &protocol.SessionDescription{Type: protocol.SDPOffer, SDP: "late"}
	a.send(offer)
	assert.Equal(t, protocol.CodeProtocol, a.expect(protocol.EventError).Error.Code)

	// b waited first, so b offers this time
	a.send(lookingEvent("alice", "female", "US", models.Filters{}))
	rematch := b.expect(protocol.EventMatched)
	assert.True(t, rematch.Match.IsOfferer)
	assert.NotEqual(t, roomID, rematch.Match.RoomID)
	assert.False(t, a.expect(protocol.EventMatched).Match.IsOfferer)
}

func TestDisconnectNotifiesPartner(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a, b, roomID := pair(t, r)

	require.NoError(t, a.conn.Close())
	left := b.expect(protocol.EventPartnerLeft)
	assert.Equal(t, roomID, left.RoomID)

	require.Eventually(t, func() bool {
		snap, err := r.hub.Snapshot(context.Background())
		return err == nil && snap.Sessions == 1 && snap.PairRooms == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopLookingLeavesQueue(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a := r.dial(t, "")
	b := r.dial(t, "")

	a.send(lookingEvent("a", "", "", models.Filters{}))
	a.expect(protocol.EventQueueStatus)
	a.send(protocol.New(protocol.EventStopLooking))
	a.quiet()

	b.send(lookingEvent("b", "", "", models.Filters{}))
	assert.Equal(t, 1, b.expect(protocol.EventQueueStatus).Queue.Position)
}

func createRoom(t *testing.T, c *testConn, name, password string) string {
	t.Helper()
	env := protocol.New(protocol.EventCreateRoom)
	env.Room = &models.RoomMeta{Name: name, Password: password}
	c.send(env)
	created := c.expect(protocol.EventRoomCreated)
	require.NotNil(t, created.Summary)
	assert.Equal(t, name, created.Summary.Name)
	assert.Equal(t, password != "", created.Summary.HasPassword)
	return created.RoomID
}

func joinRoom(c *testConn, roomID, password string) {
	env := protocol.New(protocol.EventJoinRoom)
	env.RoomID = roomID
	env.Password = password
	c.send(env)
}

func TestGroupRoomMembership(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a := r.dial(t, "")
	b := r.dial(t, "")
	c := r.dial(t, "")
	d := r.dial(t, "")

	roomID := createRoom(t, a, "lobby", "")

	joinRoom(a, roomID, "")
	assert.Empty(t, a.expect(protocol.EventRoomJoined).Members)

	joinRoom(b, roomID, "")
	assert.Len(t, b.expect(protocol.EventRoomJoined).Members, 1)
	assert.Equal(t, b.id, a.expect(protocol.EventUserJoined).Member.ID)

	joinRoom(c, roomID, "")
	joined := c.expect(protocol.EventRoomJoined)
	require.Len(t, joined.Members, 2)
	assert.Equal(t, a.id, joined.Members[0].ID)
	assert.Equal(t, b.id, joined.Members[1].ID)
	assert.Equal(t, c.id, a.expect(protocol.EventUserJoined).SenderID)
	assert.Equal(t, c.id, b.expect(protocol.EventUserJoined).SenderID)

	// capacity is three in this relay
	joinRoom(d, roomID, "")
	assert.Equal(t, protocol.CodeRoomFull, d.expect(protocol.EventError).Error.Code)

	// signals go to the named member only
	offer := protocol.New(protocol.EventOffer)
	offer.RoomID = roomID
	offer.TargetPeerID = a.id
	offer.SDP = &protocol.SessionDescription{Type: protocol.SDPOffer, SDP: "c-to-a"}
	c.send(offer)
	assert.Equal(t, c.id, a.expect(protocol.EventOffer).SenderID)
	b.quiet()

	leave := protocol.New(protocol.EventLeaveRoom)
	leave.RoomID = roomID
	c.send(leave)
	assert.Equal(t, c.id, a.expect(protocol.EventUserLeft).SenderID)
	assert.Equal(t, c.id, b.expect(protocol.EventUserLeft).SenderID)

	// leaving twice is a no-op
	c.send(leave)
	c.quiet()
	a.quiet()
	b.quiet()

	list := protocol.New(protocol.EventListRooms)
	d.send(list)
	rooms := d.expect(protocol.EventRoomList).Rooms
	require.Len(t, rooms, 1)
	assert.Equal(t, 2, rooms[0].MemberCount)
}

func TestGroupRoomPassword(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a := r.dial(t, "")
	roomID := createRoom(t, a, "private", "open-sesame")

	joinRoom(a, roomID, "wrong")
	assert.Equal(t, protocol.CodeAuth, a.expect(protocol.EventError).Error.Code)

	joinRoom(a, "no-such-room", "")
	assert.Equal(t, protocol.CodeNotFound, a.expect(protocol.EventError).Error.Code)

	joinRoom(a, roomID, "open-sesame")
	a.expect(protocol.EventRoomJoined)
}

func TestEventsAfterJoinWaitForIt(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a := r.dial(t, "")
	b := r.dial(t, "")
	roomID := createRoom(t, a, "private", "open-sesame")
	joinRoom(a, roomID, "open-sesame")
	a.expect(protocol.EventRoomJoined)

	joinRoom(b, roomID, "open-sesame")
	send := protocol.New(protocol.EventSendMessage)
	send.RoomID = roomID
	send.Message = &models.Message{ID: "m1", Content: "made it"}
	b.send(send)
	leave := protocol.New(protocol.EventLeaveRoom)
	leave.RoomID = roomID
	b.send(leave)

	b.expect(protocol.EventRoomJoined)
	assert.Equal(t, b.id, a.expect(protocol.EventUserJoined).SenderID)
	assert.Equal(t, "made it", a.expect(protocol.EventReceiveMessage).Message.Content)
	assert.Equal(t, b.id, a.expect(protocol.EventUserLeft).SenderID)
	b.quiet()

	snap, err := r.hub.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.GroupMembers)
}

func TestListAfterCreateSeesRoom(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a := r.dial(t, "")

	env := protocol.New(protocol.EventCreateRoom)
	env.Room = &models.RoomMeta{Name: "fresh", Password: "pw"}
	a.send(env)
	a.send(protocol.New(protocol.EventListRooms))

	created := a.expect(protocol.EventRoomCreated)
	rooms := a.expect(protocol.EventRoomList).Rooms
	require.Len(t, rooms, 1)
	assert.Equal(t, created.RoomID, rooms[0].ID)
	assert.True(t, rooms[0].HasPassword)
}

func TestEmptyGroupRoomExpires(t *testing.T) {
	r := newTestRelay(t, 300*time.Millisecond)
	a := r.dial(t, "")
	roomID := createRoom(t, a, "short-lived", "")

	joinRoom(a, roomID, "")
	a.expect(protocol.EventRoomJoined)

	// occupied rooms stay past the idle window
	time.Sleep(500 * time.Millisecond)
	assert.Len(t, r.hub.ListRooms(), 1)

	leave := protocol.New(protocol.EventLeaveRoom)
	leave.RoomID = roomID
	a.send(leave)

	require.Eventually(t, func() bool {
		return len(r.hub.ListRooms()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatRelayAndStatus(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a, b, roomID := pair(t, r)

	send := protocol.New(protocol.EventSendMessage)
	send.RoomID = roomID
	send.Message = &models.Message{ID: "m1", Content: "hi", SenderID: "spoofed"}
	a.send(send)

	got := b.expect(protocol.EventReceiveMessage)
	require.NotNil(t, got.Message)
	assert.Equal(t, "m1", got.Message.ID)
	assert.Equal(t, a.id, got.Message.SenderID)
	assert.Equal(t, models.StatusSent, got.Message.Status)
	assert.Equal(t, models.MessageTypeText, got.Message.Type)

	seen := protocol.New(protocol.EventMessageStatus)
	seen.RoomID = roomID
	seen.MessageID = "m1"
	seen.Status = models.StatusSeen
	seen.TargetPeerID = a.id
	b.send(seen)

	update := a.expect(protocol.EventMessageStatusUpdate)
	assert.Equal(t, "m1", update.MessageID)
	assert.Equal(t, models.StatusSeen, update.Status)
	assert.Equal(t, b.id, update.SenderID)

	typing := protocol.New(protocol.EventTyping)
	typing.RoomID = roomID
	typing.IsTyping = true
	a.send(typing)
	assert.True(t, b.expect(protocol.EventTyping).IsTyping)
	a.quiet()
}

func TestRelayRequiresMembership(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	_, _, roomID := pair(t, r)
	outsider := r.dial(t, "")

	send := protocol.New(protocol.EventSendMessage)
	send.RoomID = roomID
	send.Message = &models.Message{ID: "m1", Content: "let me in"}
	outsider.send(send)
	assert.Equal(t, protocol.CodeProtocol, outsider.expect(protocol.EventError).Error.Code)
}

func TestMalformedEvents(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a := r.dial(t, "")

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, protocol.CodeBadRequest, a.expect(protocol.EventError).Error.Code)

	a.send(&protocol.Envelope{Type: "teleport"})
	assert.Equal(t, protocol.CodeBadRequest, a.expect(protocol.EventError).Error.Code)

	// the connection survives bad input
	a.quiet()
}

func TestResume(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a := r.dial(t, "")
	require.NotEmpty(t, a.token)

	// a live session cannot be taken over
	thief := r.dial(t, "resume="+a.token)
	assert.NotEqual(t, a.id, thief.id)

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		snap, err := r.hub.Snapshot(context.Background())
		return err == nil && snap.Sessions == 1
	}, 2*time.Second, 10*time.Millisecond)

	back := r.dial(t, "resume="+a.token)
	assert.Equal(t, a.id, back.id)
	assert.NotEmpty(t, back.token)
}

func TestMsgpackCodec(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	a := r.dial(t, "codec=msgpack")
	b := r.dial(t, "")

	a.send(lookingEvent("packed", "", "", models.Filters{}))
	a.expect(protocol.EventQueueStatus)
	b.send(lookingEvent("plain", "", "", models.Filters{}))

	assert.Equal(t, "plain", a.expect(protocol.EventMatched).Match.PartnerName)
	assert.Equal(t, "packed", b.expect(protocol.EventMatched).Match.PartnerName)
}

func TestSnapshotCounts(t *testing.T) {
	r := newTestRelay(t, time.Minute)
	pair(t, r)
	waiting := r.dial(t, "")
	waiting.send(lookingEvent("w", "", "", models.Filters{Country: "JP"}))
	waiting.expect(protocol.EventQueueStatus)

	snap, err := r.hub.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Sessions)
	assert.Equal(t, 1, snap.Waiting)
	assert.Equal(t, 1, snap.PairRooms)
}

func TestEventRateLimit(t *testing.T) {
	opts := DefaultClientOptions()
	opts.EventRate = 0.001
	opts.EventBurst = 2
	r := newTestRelayWith(t, time.Minute, opts)
	a := r.dial(t, "")

	for i := 0; i < 2; i++ {
		a.send(protocol.New(protocol.EventHeartbeat))
		a.expect(protocol.EventHeartbeat)
	}

	a.send(protocol.New(protocol.EventHeartbeat))
	assert.Equal(t, protocol.CodeRateLimited, a.expect(protocol.EventError).Error.Code)
}
