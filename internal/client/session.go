package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"duet/internal/protocol"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	welcomeWait    = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Send while the session is reconnecting
	ErrNotConnected = errors.New("not connected to relay")
	// ErrClosed is returned by Send after Close
	ErrClosed = errors.New("session closed")
	// ErrNoWelcome means the relay did not open the connection with a welcome event
	ErrNoWelcome = errors.New("relay did not send welcome")
)

// Handler receives one relay event. Handlers run on the session's dispatch
// goroutine, one at a time, in the order events arrived.
type Handler func(env *protocol.Envelope)

// Options configures a Session
type Options struct {
	// ServerURL is the relay websocket endpoint, e.g. ws://localhost:8080/ws
	ServerURL string
	// Codec is "json" (default) or "msgpack"
	Codec  string
	Dialer *websocket.Dialer
	Logger *logrus.Entry
	// ReconnectTimeout bounds how long a dropped session keeps retrying.
	// Zero disables reconnection.
	ReconnectTimeout time.Duration
	// Backoff overrides the reconnect schedule
	Backoff backoff.BackOff
	// EventBuffer is the dispatch queue length
	EventBuffer int
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
}

// Session is one participant's connection to the relay. It survives
// transport drops by redialling with the last resume token, so the relay
// hands back the same session id.
type Session struct {
	opts  Options
	codec protocol.Codec
	log   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	id       string
	token    string
	handlers map[protocol.EventType][]Handler
	any      []Handler
	closed   bool
	err      error

	outgoing chan *protocol.Envelope
	events   chan *protocol.Envelope
	done     chan struct{}
}

// Dial connects to the relay and waits for its welcome event
func Dial(ctx context.Context, opts Options) (*Session, error) {
	opts.setDefaults()
	codec, err := protocol.CodecByName(opts.Codec)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:     opts,
		codec:    codec,
		log:      opts.Logger,
		ctx:      sctx,
		cancel:   cancel,
		handlers: make(map[protocol.EventType][]Handler),
		outgoing: make(chan *protocol.Envelope, 64),
		events:   make(chan *protocol.Envelope, opts.EventBuffer),
		done:     make(chan struct{}),
	}

	conn, welcome, err := s.connect(ctx, "")
	if err != nil {
		cancel()
		return nil, err
	}

	go s.dispatch()
	s.attach(conn, welcome)
	return s, nil
}

// On registers h for events of type t. An empty type matches every event.
func (s *Session) On(t protocol.EventType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == "" {
		s.any = append(s.any, h)
		return
	}
	s.handlers[t] = append(s.handlers[t], h)
}

// Send queues env for the relay
func (s *Session) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	closed, connected := s.closed, s.conn != nil
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}

	select {
	case s.outgoing <- env:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// ID is the relay-assigned session id. It is stable across resumed reconnects.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Connected reports whether a relay connection is currently up
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Done is closed once the session has ended, by Close or by giving up on
// reconnection
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended. It is nil after a plain Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session and its connection
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
	}
}

func (s *Session) dialURL(token string) (string, error) {
	u, err := url.Parse(s.opts.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	q := u.Query()
	q.Set("codec", s.codec.Name())
	if token != "" {
		q.Set("resume", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect dials the relay and reads the welcome event
func (s *Session) connect(ctx context.Context, token string) (*websocket.Conn, *protocol.Envelope, error) {
	target, err := s.dialURL(token)
	if err != nil {
		return nil, nil, backoff.Permanent(err)
	}

	conn, resp, err := s.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
			return nil, nil, backoff.Permanent(fmt.Errorf("relay rejected connection: %s", resp.Status))
		}
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(welcomeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read welcome: %w", err)
	}
	welcome := &protocol.Envelope{}
	if err := s.codec.Unmarshal(data, welcome); err != nil || welcome.Type != protocol.EventWelcome || welcome.SessionID == "" {
		conn.Close()
		return nil, nil, ErrNoWelcome
	}
	return conn, welcome, nil
}

// attach makes conn the live connection and starts its pumps
func (s *Session) attach(conn *websocket.Conn, welcome *protocol.Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	previous := s.id
	s.conn = conn
	s.id = welcome.SessionID
	s.token = welcome.ResumeToken
	s.mu.Unlock()

	fields := logrus.Fields{"session_id": welcome.SessionID, "codec": s.codec.Name()}
	switch {
	case previous == "":
		s.log.WithFields(fields).Info("Connected to relay")
	case previous == welcome.SessionID:
		s.log.WithFields(fields).Info("Session resumed")
	default:
		fields["previous_session_id"] = previous
		s.log.WithFields(fields).Warn("Session could not be resumed, relay issued a new id")
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	s.enqueue(welcome)
	go s.writePump(conn, stop)
	go s.readPump(conn, stop)
}

func (s *Session) enqueue(env *protocol.Envelope) bool {
	select {
	case s.events <- env:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) readPump(conn *websocket.Conn, stop chan struct{}) {
	defer func() {
		close(stop)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.lost(conn, err)
			return
		}

		env := &protocol.Envelope{}
		if err := s.codec.Unmarshal(data, env); err != nil {
			s.log.WithError(err).Warn("Dropping undecodable relay event")
			continue
		}
		if !s.enqueue(env) {
			return
		}
	}
}

func (s *Session) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-s.outgoing:
			data, err := s.codec.Marshal(env)
			if err != nil {
				s.log.WithError(err).WithField("event", env.Type).Error("Failed to encode event")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(s.codec.FrameType(), data); err != nil {
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

// lost handles a dead connection: reconnect or end the session
func (s *Session) lost(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	token := s.token
	s.mu.Unlock()

	if s.opts.ReconnectTimeout <= 0 {
		s.shutdown(fmt.Errorf("connection lost: %w", cause))
		return
	}

	s.log.WithError(cause).Warn("Relay connection lost, reconnecting")
	go s.reconnect(token)
}

func (s *Session) reconnect(token string) {
	b := s.opts.Backoff
	if b == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 250 * time.Millisecond
		exp.MaxInterval = 5 * time.Second
		b = exp
	}

	type result struct {
		conn    *websocket.Conn
		welcome *protocol.Envelope
	}
	attempt := 0
	res, err := backoff.Retry(s.ctx, func() (result, error) {
		attempt++
		conn, welcome, err := s.connect(s.ctx, token)
		if err != nil {
			return result{}, err
		}
		return result{conn: conn, welcome: welcome}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.opts.ReconnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"retry":   next.String(),
				"error":   err.Error(),
			}).Debug("Reconnect attempt failed")
		}),
	)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.WithError(err).Error("Giving up on relay connection")
		}
		s.shutdown(fmt.Errorf("reconnect: %w", err))
		return
	}
	s.attach(res.conn, res.welcome)
}

// dispatch delivers events to handlers in arrival order
func (s *Session) dispatch() {
	for {
		select {
		case env := <-s.events:
			s.mu.Lock()
			hs := make([]Handler, 0, len(s.handlers[env.Type])+len(s.any))
			hs = append(hs, s.handlers[env.Type]...)
			hs = append(hs, s.any...)
			s.mu.Unlock()

			for _, h := range hs {
				h(env)
			}
		case <-s.done:
			return
		}
	}
}
