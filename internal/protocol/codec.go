package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts envelopes to and from websocket frames
type Codec interface {
	Name() string
	// FrameType is the websocket message type frames are written with
	FrameType() int
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return "json" }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(env *Envelope) ([]byte, error) { return json.Marshal(env) }

func (jsonCodec) Unmarshal(data []byte, env *Envelope) error { return json.Unmarshal(data, env) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string   { return "msgpack" }
func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(env *Envelope) ([]byte, error) { return msgpack.Marshal(env) }

func (msgpackCodec) Unmarshal(data []byte, env *Envelope) error { return msgpack.Unmarshal(data, env) }

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// CodecByName resolves the codec query parameter. An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MsgPack, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}
