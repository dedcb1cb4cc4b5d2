package protocol

import (
	"testing"

	"duet/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"missing type", Envelope{}, false},
		{"unknown type", Envelope{Type: "teleport"}, false},
		{"heartbeat", Envelope{Type: EventHeartbeat}, true},
		{"join without room", Envelope{Type: EventJoinRoom}, false},
		{"join", Envelope{Type: EventJoinRoom, RoomID: "r1"}, true},
		{"offer without sdp", Envelope{Type: EventOffer, RoomID: "r1"}, false},
		{"offer", Envelope{Type: EventOffer, RoomID: "r1", SDP: &SessionDescription{Type: SDPOffer, SDP: "v=0"}}, true},
		{"candidate without payload", Envelope{Type: EventICECandidate, RoomID: "r1"}, false},
		{"message without id", Envelope{Type: EventSendMessage, RoomID: "r1", Message: &models.Message{}}, false},
		{"status unknown", Envelope{Type: EventMessageStatus, RoomID: "r1", MessageID: "m1", Status: "read"}, false},
		{"status seen", Envelope{Type: EventMessageStatus, RoomID: "r1", MessageID: "m1", Status: models.StatusSeen}, true},
		{"create without name", Envelope{Type: EventCreateRoom, Room: &models.RoomMeta{}}, false},
		{"server-only event", Envelope{Type: EventMatched}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEnvelope)
			}
		})
	}
}

func TestCodecs(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	env := New(EventICECandidate)
	env.RoomID = "room-1"
	env.TargetPeerID = "peer-b"
	env.Candidate = &ICECandidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}

	for _, codec := range []Codec{JSON, MsgPack} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Marshal(env)
			require.NoError(t, err)

			var got Envelope
			require.NoError(t, codec.Unmarshal(data, &got))
			assert.Equal(t, env.Type, got.Type)
			assert.Equal(t, env.TargetPeerID, got.TargetPeerID)
			require.NotNil(t, got.Candidate)
			assert.Equal(t, env.Candidate.Candidate, got.Candidate.Candidate)
			assert.Equal(t, idx, *got.Candidate.SDPMLineIndex)
		})
	}

	assert.Equal(t, websocket.TextMessage, JSON.FrameType())
	assert.Equal(t, websocket.BinaryMessage, MsgPack.FrameType())
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = CodecByName("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func TestCloneDetachesMessage(t *testing.T) {
	env := New(EventReceiveMessage)
	env.Message = &models.Message{ID: "m1", Reactions: map[string]string{"a": "👍"}}

	cp := env.Clone()
	cp.Message.Reactions["b"] = "🎉"
	cp.SenderID = "x"

	assert.Len(t, env.Message.Reactions, 1)
	assert.Empty(t, env.SenderID)
}
