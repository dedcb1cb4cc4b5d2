package peer

// State is the lifecycle stage of a peer connection
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CloseReason says why a connection reached StateClosed
type CloseReason string

const (
	ReasonLeft          CloseReason = "left"
	ReasonRemoteLeft    CloseReason = "remote_left"
	ReasonFailed        CloseReason = "failed"
	ReasonCancelled     CloseReason = "cancelled"
	ReasonSuperseded    CloseReason = "superseded"
	ReasonSignalingLost CloseReason = "signaling_lost"
)

// Role is the side of the offer/answer exchange a connection plays
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

type trigger int

const (
	// local offer started
	triggerStart trigger = iota
	// remote offer received
	triggerOffer
	// renegotiation after a transport failure
	triggerRetry
	// remote media arrived
	triggerMedia
	triggerClose
)

// nextState is the only place connection states change. ok is false when t
// is not allowed in s.
func nextState(s State, t trigger) (next State, ok bool) {
	if s == StateClosed {
		return StateClosed, false
	}

	switch t {
	case triggerStart:
		if s == StateIdle {
			return StateNegotiating, true
		}
	case triggerOffer:
		return StateNegotiating, true
	case triggerRetry:
		if s == StateNegotiating || s == StateConnected {
			return StateNegotiating, true
		}
	case triggerMedia:
		if s == StateNegotiating || s == StateConnected {
			return StateConnected, true
		}
	case triggerClose:
		return StateClosed, true
	}
	return s, false
}
