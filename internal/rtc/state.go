package rtc

import (
	"errors"
	"fmt"
)

// State is the lifecycle of one peer's negotiation session.
//
//	Idle → OfferSent/OfferReceived → Negotiating → Active
//	Active ⇄ Renegotiating (every topology change)
//	any → Closed (terminal)
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateNegotiating
	StateActive
	StateRenegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer sent"
	case StateOfferReceived:
		return "offer received"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidTransition is returned for an operation that is not
	// valid in the session's current state.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrSessionClosed is returned for any operation on a closed
	// session. Closed is terminal; a new peer session must start over.
	ErrSessionClosed = errors.New("session closed")

	// ErrNegotiationFailed wraps a rejected or malformed description
	// exchange. The session is closed afterwards.
	ErrNegotiationFailed = errors.New("negotiation failed")
)

var validTransitions = map[State][]State{
	StateIdle:          {StateOfferSent, StateOfferReceived, StateClosed},
	StateOfferSent:     {StateNegotiating, StateClosed},
	StateOfferReceived: {StateNegotiating, StateClosed},
	StateNegotiating:   {StateActive, StateClosed},
	StateActive:        {StateRenegotiating, StateClosed},
	StateRenegotiating: {StateActive, StateClosed},
	StateClosed:        {},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	if from == StateClosed {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

func wrapNegotiationErr(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrNegotiationFailed, stage, err)
}
