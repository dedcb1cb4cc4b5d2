package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duet/internal/protocol"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Signaler carries signaling envelopes to the relay
type Signaler interface {
	Send(env *protocol.Envelope) error
}

// Config tunes negotiation
type Config struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// MaxPendingCandidates bounds candidates held before a remote description exists
	MaxPendingCandidates int
	// MaxNegotiationAttempts bounds offers made (or answered) for one remote peer
	MaxNegotiationAttempts int
	// NegotiationTimeout closes a connection that stays negotiating this long
	NegotiationTimeout time.Duration
	Logger             *logrus.Entry
}

// DefaultConfig returns the negotiation defaults
func DefaultConfig() Config {
	return Config{
		MaxPendingCandidates:   64,
		MaxNegotiationAttempts: 3,
		NegotiationTimeout:     20 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxPendingCandidates <= 0 {
		c.MaxPendingCandidates = d.MaxPendingCandidates
	}
	if c.MaxNegotiationAttempts <= 0 {
		c.MaxNegotiationAttempts = d.MaxNegotiationAttempts
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.API == nil {
		api, err := NewAPI(webrtc.SettingEngine{})
		if err != nil {
			api = webrtc.NewAPI()
		}
		c.API = api
	}
}

// NewAPI builds a pion API with the default codecs registered
func NewAPI(se webrtc.SettingEngine) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)), nil
}

// Events are the callbacks of one connection. They are never invoked with
// internal locks held.
type Events struct {
	OnStateChange func(c *Conn, state State, reason CloseReason)
	OnTrack       func(c *Conn, track *webrtc.TrackRemote)
}

// Conn negotiates and owns the media channel with one remote peer in one
// room. Its state only moves through nextState.
type Conn struct {
	roomID   string
	remoteID string
	role     Role
	cfg      Config
	media    *LocalMedia
	signaler Signaler
	events   Events
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// serialises negotiation steps
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	reason      CloseReason
	pc          *webrtc.PeerConnection
	gen         uint64
	senders     []*webrtc.RTPSender
	pending     []webrtc.ICECandidateInit
	remoteSet   bool
	attempts    int
	deadline    *time.Timer
	deadlineGen uint64
	offerSeq    uint64
	answeredSeq uint64
	nextOffer   string
}

func NewConn(roomID, remoteID string, role Role, media *LocalMedia, signaler Signaler, cfg Config, events Events) *Conn {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		roomID:   roomID,
		remoteID: remoteID,
		role:     role,
		cfg:      cfg,
		media:    media,
		signaler: signaler,
		events:   events,
		log: cfg.Logger.WithFields(logrus.Fields{
			"room_id": roomID,
			"peer_id": remoteID,
			"role":    role.String(),
		}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *Conn) RoomID() string   { return c.roomID }
func (c *Conn) RemoteID() string { return c.remoteID }
func (c *Conn) Role() Role       { return c.role }

// Done is closed when the connection reaches StateClosed
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason is empty until the connection is closed
func (c *Conn) Reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Attempts is the number of negotiations started so far
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// applyLocked runs one transition and keeps the negotiation deadline in
// step with it
func (c *Conn) applyLocked(t trigger) (prev, next State, ok bool) {
	prev = c.state
	next, ok = nextState(prev, t)
	if !ok {
		return prev, prev, false
	}
	c.state = next
	if next == StateNegotiating {
		c.armDeadlineLocked()
	} else {
		c.stopDeadlineLocked()
	}
	return prev, next, true
}

func (c *Conn) armDeadlineLocked() {
	c.stopDeadlineLocked()
	if c.cfg.NegotiationTimeout <= 0 {
		return
	}
	gen := c.deadlineGen
	c.deadline = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.mu.Lock()
		stale := c.deadlineGen != gen || c.state != StateNegotiating
		c.mu.Unlock()
		if !stale {
			c.log.Warn("Negotiation timed out")
			c.Close(ReasonFailed)
		}
	})
}

func (c *Conn) stopDeadlineLocked() {
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	c.deadlineGen++
}

func (c *Conn) notify(prev, next State, reason CloseReason) {
	if prev == next || c.events.OnStateChange == nil {
		return
	}
	c.events.OnStateChange(c, next, reason)
}

func (c *Conn) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state != StateClosed
}

// Start begins negotiation from the offering side. It blocks through media
// acquisition and until the offer has been handed to the signaler.
func (c *Conn) Start(ctx context.Context) error {
	if c.role != RoleOfferer {
		return ErrUnexpectedOffer
	}

	c.mu.Lock()
	prev, next, ok := c.applyLocked(triggerStart)
	state := c.state
	c.mu.Unlock()
	if !ok {
		if state == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}
	c.notify(prev, next, "")

	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.offer(ctx)
}

// HandleOffer accepts a remote offer. The answer is produced in the
// background; a later offer supersedes one not yet answered.
func (c *Conn) HandleOffer(sdp string) error {
	if c.role != RoleAnswerer {
		return ErrUnexpectedOffer
	}

	c.mu.Lock()
	prev, next, ok := c.applyLocked(triggerOffer)
	if !ok {
		c.mu.Unlock()
		return ErrClosed
	}
	// candidates for the coming description wait until it is applied
	c.remoteSet = false
	c.offerSeq++
	c.nextOffer = sdp
	c.mu.Unlock()
	c.notify(prev, next, "")

	go func() {
		c.opMu.Lock()
		defer c.opMu.Unlock()

		c.mu.Lock()
		if c.answeredSeq >= c.offerSeq {
			c.mu.Unlock()
			return
		}
		c.answeredSeq = c.offerSeq
		offer := c.nextOffer
		c.mu.Unlock()

		if err := c.answer(offer); err != nil && !errors.Is(err, ErrClosed) {
			c.log.WithError(err).Warn("Failed to answer offer")
		}
	}()
	return nil
}

// HandleAnswer applies the remote answer to the outstanding offer
func (c *Conn) HandleAnswer(sdp string) error {
	if c.role != RoleOfferer {
		return ErrUnexpectedAnswer
	}

	c.mu.Lock()
	pc, state := c.pc, c.state
	c.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	if pc == nil {
		return ErrNoLocalOffer
	}
	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		c.log.WithField("signaling_state", pc.SignalingState().String()).Debug("Ignoring stale answer")
		return nil
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return c.abort("set remote answer", err)
	}
	c.flushPending(pc)
	return nil
}

// HandleCandidate adds a remote candidate, or holds it until a remote
// description exists. Overflowing the buffer fails the connection.
func (c *Conn) HandleCandidate(cand protocol.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.pc == nil || !c.remoteSet {
		if len(c.pending) >= c.cfg.MaxPendingCandidates {
			c.mu.Unlock()
			c.log.WithField("buffered", c.cfg.MaxPendingCandidates).Warn("ICE candidate buffer overflow")
			c.Close(ReasonFailed)
			return &Error{Op: "buffer ICE candidate", PeerID: c.remoteID, Err: ErrTooManyCandidates}
		}
		c.pending = append(c.pending, init)
		c.mu.Unlock()
		return nil
	}
	pc := c.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		return &Error{Op: "add ICE candidate", PeerID: c.remoteID, Err: err}
	}
	return nil
}

// Pending is the number of buffered remote candidates
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears the connection down. It is idempotent and may be called from
// any goroutine at any point of a negotiation.
func (c *Conn) Close(reason CloseReason) {
	c.mu.Lock()
	prev, next, ok := c.applyLocked(triggerClose)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.reason = reason
	pc, senders := c.pc, c.senders
	c.pc, c.senders, c.pending = nil, nil, nil
	c.gen++
	c.mu.Unlock()

	c.cancel()
	if pc != nil {
		for _, sender := range senders {
			_ = pc.RemoveTrack(sender)
		}
		if err := pc.Close(); err != nil {
			c.log.WithError(err).Debug("Peer connection close reported an error")
		}
	}
	close(c.done)

	c.log.WithField("reason", string(reason)).Info("Peer connection closed")
	c.notify(prev, next, reason)
}

func (c *Conn) offer(ctx context.Context) error {
	tracks, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	if err := c.beginAttempt(); err != nil {
		return err
	}

	pc, err := c.replacePeerConnection()
	if err != nil {
		return c.abort("create peer connection", err)
	}
	if err := c.addTracks(pc, tracks); err != nil {
		return c.abort("add local tracks", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return c.abort("create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return c.abort("set local description", err)
	}

	err = c.signal(protocol.EventOffer, func(env *protocol.Envelope) {
		env.SDP = &protocol.SessionDescription{Type: protocol.SDPOffer, SDP: offer.SDP}
	})
	if err != nil {
		return c.abort("send offer", err)
	}
	return nil
}

func (c *Conn) answer(sdp string) error {
	tracks, err := c.acquire(c.ctx)
	if err != nil {
		return err
	}
	if err := c.beginAttempt(); err != nil {
		return err
	}

	pc, err := c.replacePeerConnection()
	if err != nil {
		return c.abort("create peer connection", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return c.abort("set remote offer", err)
	}
	c.flushPending(pc)

	if err := c.addTracks(pc, tracks); err != nil {
		return c.abort("add local tracks", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return c.abort("create answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return c.abort("set local description", err)
	}

	err = c.signal(protocol.EventAnswer, func(env *protocol.Envelope) {
		env.SDP = &protocol.SessionDescription{Type: protocol.SDPAnswer, SDP: answer.SDP}
	})
	if err != nil {
		return c.abort("send answer", err)
	}
	return nil
}

// acquire waits for local media. Closing the connection interrupts the wait.
func (c *Conn) acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	tracks, err := c.media.Acquire(actx)
	if err == nil {
		return tracks, nil
	}
	switch {
	case c.ctx.Err() != nil:
		return nil, ErrClosed
	case ctx.Err() != nil:
		c.Close(ReasonCancelled)
		return nil, ctx.Err()
	default:
		c.Close(ReasonFailed)
		return nil, &Error{Op: "acquire local media", PeerID: c.remoteID, Err: err}
	}
}

func (c *Conn) beginAttempt() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.attempts >= c.cfg.MaxNegotiationAttempts {
		c.mu.Unlock()
		c.Close(ReasonFailed)
		return &Error{Op: "negotiate", PeerID: c.remoteID, Err: ErrNegotiationExhausted}
	}
	c.attempts++
	c.mu.Unlock()
	return nil
}

// abort fails the connection unless it was already closed underneath the
// negotiation
func (c *Conn) abort(op string, err error) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.Close(ReasonFailed)
	return &Error{Op: op, PeerID: c.remoteID, Err: err}
}

// replacePeerConnection swaps in a fresh pion connection, closing the one
// from any previous attempt
func (c *Conn) replacePeerConnection() (*webrtc.PeerConnection, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	pc, err := c.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	c.watch(pc, gen)

	c.mu.Lock()
	if c.state == StateClosed || c.gen != gen {
		c.mu.Unlock()
		pc.Close()
		return nil, ErrClosed
	}
	old, oldSenders := c.pc, c.senders
	c.pc, c.senders, c.remoteSet = pc, nil, false
	c.mu.Unlock()

	if old != nil {
		for _, sender := range oldSenders {
			_ = old.RemoveTrack(sender)
		}
		old.Close()
	}
	return pc, nil
}

func (c *Conn) addTracks(pc *webrtc.PeerConnection, tracks []webrtc.TrackLocal) error {
	senders := make([]*webrtc.RTPSender, 0, len(tracks))
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return err
		}
		senders = append(senders, sender)
		go drainRTCP(sender)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc != pc {
		return ErrClosed
	}
	c.senders = append(c.senders, senders...)
	return nil
}

// drainRTCP keeps interceptors fed until the sender stops
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Conn) flushPending(pc *webrtc.PeerConnection) {
	c.mu.Lock()
	if c.pc != pc {
		c.mu.Unlock()
		return
	}
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			c.log.WithError(err).Debug("Dropping buffered ICE candidate")
		}
	}
}

// watch wires pion callbacks for the connection of generation gen. Callbacks
// from replaced connections are ignored.
func (c *Conn) watch(pc *webrtc.PeerConnection, gen uint64) {
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || !c.current(gen) {
			return
		}
		init := cand.ToJSON()
		err := c.signal(protocol.EventICECandidate, func(env *protocol.Envelope) {
			env.Candidate = &protocol.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			}
		})
		if err != nil {
			c.log.WithError(err).Debug("Failed to send ICE candidate")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		prev, next, ok := c.applyLocked(triggerMedia)
		c.mu.Unlock()
		if !ok {
			return
		}

		c.log.WithFields(logrus.Fields{
			"kind":  track.Kind().String(),
			"codec": track.Codec().MimeType,
		}).Info("Remote media received")
		c.notify(prev, next, "")
		if c.events.OnTrack != nil {
			c.events.OnTrack(c, track)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.WithField("state", s.String()).Debug("Transport state changed")
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			go c.transportFailed(gen)
		case webrtc.PeerConnectionStateClosed:
			if c.current(gen) {
				go c.Close(ReasonFailed)
			}
		}
	})
}

// transportFailed renegotiates while attempts remain. The answering side
// waits for the next offer under the negotiation deadline.
func (c *Conn) transportFailed(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxNegotiationAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		c.log.WithField("attempts", attempts).Warn("Connection failed, no attempts left")
		c.Close(ReasonFailed)
		return
	}
	prev, next, _ := c.applyLocked(triggerRetry)
	attempts := c.attempts
	c.mu.Unlock()
	c.notify(prev, next, "")

	c.log.WithField("attempts", attempts).Warn("Connection failed, renegotiating")
	if c.role != RoleOfferer {
		return
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.current(gen) {
		return
	}
	if err := c.offer(c.ctx); err != nil && !errors.Is(err, ErrClosed) {
		c.log.WithError(err).Warn("Renegotiation failed")
	}
}

func (c *Conn) signal(t protocol.EventType, fill func(env *protocol.Envelope)) error {
	env := protocol.New(t)
	env.RoomID = c.roomID
	env.TargetPeerID = c.remoteID
	fill(env)
	if err := c.signaler.Send(env); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}
