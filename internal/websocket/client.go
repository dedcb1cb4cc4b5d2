package websocket

import (
	"errors"
	"time"

	"duet/internal/models"
	"duet/internal/protocol"
	"duet/pkg/logger"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ClientOptions are the per-connection transport limits
type ClientOptions struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// EventRate and EventBurst bound inbound relay events per connection
	EventRate  rate.Limit
	EventBurst int
}

// DefaultClientOptions mirror the configuration defaults
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		EventRate:      20,
		EventBurst:     60,
	}
}

var (
	errRateLimited = errors.New("too many events")
	errHeldFull    = errors.New("too many events while a join is pending")
	errUndecodable = errors.New("malformed event")
)

// Client is one websocket connection attached to the hub
type Client struct {
	ID          string
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	hub     *Hub
	conn    *websocket.Conn
	codec   protocol.Codec
	opts    ClientOptions
	send    chan *protocol.Envelope
	limiter *rate.Limiter

	// closed by the hub once the client is registered under its final ID
	registered chan struct{}

	// owned by the hub goroutine
	session    models.Session
	sendClosed bool
	busy       bool
	held       []inbound
}

// NewClient creates a client for an upgraded connection. requestedID is the
// session id recovered from a resume token, or empty for a new session.
func NewClient(hub *Hub, conn *websocket.Conn, codec protocol.Codec, requestedID string, opts ClientOptions) *Client {
	now := time.Now()
	return &Client{
		ID:          requestedID,
		ConnectedAt: now,
		hub:         hub,
		conn:        conn,
		codec:       codec,
		opts:        opts,
		send:        make(chan *protocol.Envelope, opts.SendBuffer),
		limiter:     rate.NewLimiter(opts.EventRate, opts.EventBurst),
		registered:  make(chan struct{}),
		session:     models.Session{ConnectedAt: now},
	}
}

// ReadPump decodes frames from the connection and hands them to the hub in
// arrival order
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
		c.logDisconnection()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	c.logConnection()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.WithFields(map[string]interface{}{
					"session_id": c.ID,
					"error":      err.Error(),
				}).Warn("WebSocket connection closed unexpectedly")
			}
			return
		}

		if !c.limiter.Allow() {
			logger.LogSecurityEvent("event_rate_limited", c.ID, c.IP, nil)
			if !c.hub.submit(inbound{client: c, err: errRateLimited}) {
				return
			}
			continue
		}

		env := &protocol.Envelope{}
		if err := c.codec.Unmarshal(data, env); err != nil {
			logger.WithFields(map[string]interface{}{
				"session_id": c.ID,
				"codec":      c.codec.Name(),
				"error":      err.Error(),
			}).Debug("Failed to decode event")
			if !c.hub.submit(inbound{client: c, err: errUndecodable}) {
				return
			}
			continue
		}

		if !c.hub.submit(inbound{client: c, env: env}) {
			return
		}
	}
}

// WritePump encodes queued envelopes onto the connection and keeps it alive
// with pings. It exits when the hub closes the send channel.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			data, err := c.codec.Marshal(env)
			if err != nil {
				logger.LogError(err, "Failed to encode event", map[string]interface{}{
					"session_id": c.ID,
					"event":      env.Type,
				})
				continue
			}
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Registered is closed once the hub has accepted the client
func (c *Client) Registered() <-chan struct{} {
	return c.registered
}

func (c *Client) logConnection() {
	logger.LogSessionEvent(c.ID, "connected", map[string]interface{}{
		"ip":         c.IP,
		"user_agent": c.UserAgent,
		"codec":      c.codec.Name(),
	})
}

func (c *Client) logDisconnection() {
	logger.LogSessionEvent(c.ID, "disconnected", map[string]interface{}{
		"ip":       c.IP,
		"duration": time.Since(c.ConnectedAt).String(),
	})
}
