package peer

import (
	"errors"
	"fmt"
)

var (
	ErrClosed               = errors.New("peer connection closed")
	ErrAlreadyStarted       = errors.New("negotiation already started")
	ErrUnexpectedOffer      = errors.New("offer received by the offering side")
	ErrUnexpectedAnswer     = errors.New("answer received by the answering side")
	ErrNoLocalOffer         = errors.New("answer received before an offer was sent")
	ErrTooManyCandidates    = errors.New("too many ICE candidates buffered")
	ErrNegotiationExhausted = errors.New("negotiation attempts exhausted")
	ErrMediaPermission      = errors.New("local media permission denied")
	ErrMediaReleased        = errors.New("local media released")
)

// Error records which step of a negotiation with which peer failed
type Error struct {
	Op     string
	PeerID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.PeerID, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
