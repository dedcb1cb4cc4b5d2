package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duet/internal/protocol"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newVNetAPIs returns one pion API per host of an in-process virtual network
func newVNetAPIs(t *testing.T, hosts int) []*webrtc.API {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	apis := make([]*webrtc.API, 0, hosts)
	for i := 0; i < hosts; i++ {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{fmt.Sprintf("10.0.0.%d", i+1)}})
		require.NoError(t, err)
		require.NoError(t, router.AddNet(n))

		se := webrtc.SettingEngine{}
		se.SetNet(n)
		api, err := NewAPI(se)
		require.NoError(t, err)
		apis = append(apis, api)
	}

	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })
	return apis
}

func newSilence(t *testing.T) *LocalMedia {
	t.Helper()
	media := NewLocalMedia(&SilenceSource{})
	t.Cleanup(func() { _ = media.Release() })
	return media
}

// wire delivers signals to the connection on the other end in send order
type wire struct {
	ch   chan *protocol.Envelope
	done chan struct{}
	drop atomic.Bool
	sent atomic.Int32
}

func newWire(t *testing.T, target func() *Conn) *wire {
	w := &wire{ch: make(chan *protocol.Envelope, 256), done: make(chan struct{})}
	go func() {
		for {
			select {
			case env := <-w.ch:
				deliver(target(), env)
			case <-w.done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(w.done) })
	return w
}

func (w *wire) Send(env *protocol.Envelope) error {
	if w.drop.Load() {
		return nil
	}
	select {
	case w.ch <- env:
		w.sent.Add(1)
		return nil
	case <-w.done:
		return errors.New("wire closed")
	}
}

func deliver(c *Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.EventOffer:
		_ = c.HandleOffer(env.SDP.SDP)
	case protocol.EventAnswer:
		_ = c.HandleAnswer(env.SDP.SDP)
	case protocol.EventICECandidate:
		_ = c.HandleCandidate(*env.Candidate)
	}
}

// observer records the transitions each connection reports
type observer struct {
	mu      sync.Mutex
	states  map[string][]State
	reasons map[string]CloseReason
	tracks  atomic.Int32
}

func newObserver() *observer {
	return &observer{states: map[string][]State{}, reasons: map[string]CloseReason{}}
}

func (o *observer) events() Events {
	return Events{
		OnStateChange: func(c *Conn, s State, r CloseReason) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.states[c.RemoteID()] = append(o.states[c.RemoteID()], s)
			if s == StateClosed {
				o.reasons[c.RemoteID()] = r
			}
		},
		OnTrack: func(_ *Conn, track *webrtc.TrackRemote) {
			o.tracks.Add(1)
			go discard(track)
		},
	}
}

func (o *observer) history(remoteID string) []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states[remoteID]...)
}

func (c *Conn) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

type connPair struct {
	offerer  *Conn
	answerer *Conn
	obs      *observer
	toB      *wire
	toA      *wire
}

func newConnPair(t *testing.T, tune func(*Config)) *connPair {
	t.Helper()
	apis := newVNetAPIs(t, 2)
	obs := newObserver()
	p := &connPair{obs: obs}

	p.toB = newWire(t, func() *Conn { return p.answerer })
	p.toA = newWire(t, func() *Conn { return p.offerer })

	cfgA, cfgB := DefaultConfig(), DefaultConfig()
	cfgA.API, cfgB.API = apis[0], apis[1]
	if tune != nil {
		tune(&cfgA)
		tune(&cfgB)
	}

	p.offerer = NewConn("room", "b", RoleOfferer, newSilence(t), p.toB, cfgA, obs.events())
	p.answerer = NewConn("room", "a", RoleAnswerer, newSilence(t), p.toA, cfgB, obs.events())
	t.Cleanup(func() {
		p.offerer.Close(ReasonLeft)
		p.answerer.Close(ReasonLeft)
	})
	return p
}

func (p *connPair) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.offerer.State() == StateConnected && p.answerer.State() == StateConnected
	}, 15*time.Second, 20*time.Millisecond)
}

func TestConnNegotiatesOverVirtualNetwork(t *testing.T) {
	p := newConnPair(t, nil)

	require.NoError(t, p.offerer.Start(context.Background()))
	p.waitConnected(t)

	assert.Equal(t, []State{StateNegotiating, StateConnected}, p.obs.history("b"))
	assert.Equal(t, []State{StateNegotiating, StateConnected}, p.obs.history("a"))
	assert.GreaterOrEqual(t, p.obs.tracks.Load(), int32(2))
	assert.Equal(t, 1, p.offerer.Attempts())

	p.offerer.Close(ReasonLeft)
	select {
	case <-p.offerer.Done():
	case <-time.After(time.Second):
		t.Fatal("offerer did not close")
	}
	assert.Equal(t, StateClosed, p.offerer.State())
	assert.Equal(t, ReasonLeft, p.offerer.Reason())

	p.answerer.Close(ReasonRemoteLeft)
	assert.Equal(t, ReasonRemoteLeft, p.answerer.Reason())
}

func TestConnRenegotiatesAfterTransportFailure(t *testing.T) {
	p := newConnPair(t, nil)
	require.NoError(t, p.offerer.Start(context.Background()))
	p.waitConnected(t)

	p.offerer.transportFailed(p.offerer.generation())

	require.Eventually(t, func() bool {
		return p.offerer.Attempts() == 2 && p.answerer.Attempts() == 2 &&
			p.offerer.State() == StateConnected && p.answerer.State() == StateConnected
	}, 15*time.Second, 20*time.Millisecond)
	assert.Contains(t, p.obs.history("b"), StateNegotiating)

	// out of attempts: the next failure is final
	p.offerer.mu.Lock()
	p.offerer.attempts = p.offerer.cfg.MaxNegotiationAttempts
	p.offerer.mu.Unlock()
	p.offerer.transportFailed(p.offerer.generation())

	assert.Equal(t, StateClosed, p.offerer.State())
	assert.Equal(t, ReasonFailed, p.offerer.Reason())
}

func TestConnIgnoresFailuresOfReplacedConnections(t *testing.T) {
	c := NewConn("room", "b", RoleOfferer, newSilence(t), &wire{}, DefaultConfig(), Events{})
	defer c.Close(ReasonLeft)

	c.transportFailed(c.generation() + 1)
	assert.Equal(t, StateIdle, c.State())
}

func TestConnBuffersEarlyCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingCandidates = 4
	obs := newObserver()
	c := NewConn("room", "a", RoleAnswerer, newSilence(t), &wire{}, cfg, obs.events())

	for i := 0; i < 4; i++ {
		require.NoError(t, c.HandleCandidate(protocol.ICECandidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.1 5000 typ host", i)}))
	}
	assert.Equal(t, 4, c.Pending())
	assert.Equal(t, StateIdle, c.State())

	err := c.HandleCandidate(protocol.ICECandidate{Candidate: "candidate:overflow"})
	assert.ErrorIs(t, err, ErrTooManyCandidates)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, ReasonFailed, c.Reason())
	assert.Equal(t, 0, c.Pending())

	assert.ErrorIs(t, c.HandleCandidate(protocol.ICECandidate{Candidate: "late"}), ErrClosed)
}

func TestConnRejectsRoleViolations(t *testing.T) {
	offerer := NewConn("room", "b", RoleOfferer, newSilence(t), &wire{}, DefaultConfig(), Events{})
	answerer := NewConn("room", "a", RoleAnswerer, newSilence(t), &wire{}, DefaultConfig(), Events{})
	defer offerer.Close(ReasonLeft)
	defer answerer.Close(ReasonLeft)

	assert.ErrorIs(t, offerer.HandleOffer("v=0"), ErrUnexpectedOffer)
	assert.ErrorIs(t, answerer.Start(context.Background()), ErrUnexpectedOffer)
	assert.ErrorIs(t, answerer.HandleAnswer("v=0"), ErrUnexpectedAnswer)
	assert.ErrorIs(t, offerer.HandleAnswer("v=0"), ErrNoLocalOffer)

	assert.Equal(t, StateIdle, offerer.State())
	assert.Equal(t, StateIdle, answerer.State())
}

type deniedSource struct{}

func (deniedSource) Open(context.Context) ([]webrtc.TrackLocal, error) {
	return nil, ErrMediaPermission
}
func (deniedSource) Close() error { return nil }

func TestConnMediaPermissionDenied(t *testing.T) {
	w := &wire{}
	c := NewConn("room", "b", RoleOfferer, NewLocalMedia(deniedSource{}), w, DefaultConfig(), Events{})

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrMediaPermission)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, ReasonFailed, c.Reason())
	assert.Zero(t, w.sent.Load())
	assert.Zero(t, c.Attempts())
}

// blockingSource holds Open until its lifetime context ends
type blockingSource struct {
	opened chan struct{}
}

func (s *blockingSource) Open(ctx context.Context) ([]webrtc.TrackLocal, error) {
	close(s.opened)
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s *blockingSource) Close() error { return nil }

func TestConnCloseInterruptsMediaAcquisition(t *testing.T) {
	source := &blockingSource{opened: make(chan struct{})}
	media := NewLocalMedia(source)
	defer media.Release()
	c := NewConn("room", "b", RoleOfferer, media, &wire{}, DefaultConfig(), Events{})

	result := make(chan error, 1)
	go func() { result <- c.Start(context.Background()) }()

	<-source.opened
	assert.Equal(t, StateNegotiating, c.State())
	c.Close(ReasonCancelled)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Close")
	}
	assert.Equal(t, ReasonCancelled, c.Reason())
}

func TestConnStartContextCancelsAcquisition(t *testing.T) {
	source := &blockingSource{opened: make(chan struct{})}
	media := NewLocalMedia(source)
	defer media.Release()
	c := NewConn("room", "b", RoleOfferer, media, &wire{}, DefaultConfig(), Events{})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- c.Start(ctx) }()

	<-source.opened
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, ReasonCancelled, c.Reason())
}

func TestConnNegotiationTimeout(t *testing.T) {
	apis := newVNetAPIs(t, 1)
	cfg := DefaultConfig()
	cfg.API = apis[0]
	cfg.NegotiationTimeout = 200 * time.Millisecond

	w := newWire(t, func() *Conn { return nil })
	w.drop.Store(true)
	c := NewConn("room", "b", RoleOfferer, newSilence(t), w, cfg, Events{})

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("negotiation did not time out")
	}
	assert.Equal(t, ReasonFailed, c.Reason())
}

func TestConnCloseIsIdempotent(t *testing.T) {
	var closes atomic.Int32
	c := NewConn("room", "b", RoleOfferer, newSilence(t), &wire{}, DefaultConfig(), Events{
		OnStateChange: func(_ *Conn, s State, _ CloseReason) {
			if s == StateClosed {
				closes.Add(1)
			}
		},
	})

	c.Close(ReasonLeft)
	c.Close(ReasonFailed)
	assert.Equal(t, int32(1), closes.Load())
	assert.Equal(t, ReasonLeft, c.Reason())
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.HandleAnswer("v=0"), ErrClosed)
}

func TestNextState(t *testing.T) {
	tests := []struct {
		from State
		on   trigger
		to   State
		ok   bool
	}{
		{StateIdle, triggerStart, StateNegotiating, true},
		{StateNegotiating, triggerStart, StateNegotiating, false},
		{StateIdle, triggerOffer, StateNegotiating, true},
		{StateConnected, triggerOffer, StateNegotiating, true},
		{StateIdle, triggerRetry, StateIdle, false},
		{StateConnected, triggerRetry, StateNegotiating, true},
		{StateIdle, triggerMedia, StateIdle, false},
		{StateNegotiating, triggerMedia, StateConnected, true},
		{StateConnected, triggerMedia, StateConnected, true},
		{StateIdle, triggerClose, StateClosed, true},
		{StateConnected, triggerClose, StateClosed, true},
		{StateClosed, triggerClose, StateClosed, false},
		{StateClosed, triggerOffer, StateClosed, false},
		{StateClosed, triggerStart, StateClosed, false},
	}

	for _, tt := range tests {
		got, ok := nextState(tt.from, tt.on)
		assert.Equal(t, tt.to, got, "%s on %d", tt.from, tt.on)
		assert.Equal(t, tt.ok, ok, "%s on %d", tt.from, tt.on)
	}
}
