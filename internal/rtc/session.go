package rtc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rigbridge/rigbridge/internal/notify"
)

// descriptionExchanger is the slice of *webrtc.PeerConnection the
// negotiation state machine drives.
type descriptionExchanger interface {
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	Close() error
}

// Session tracks the negotiation state machine for one connected peer.
//
// Description exchanges for one peer are mutually exclusive: a Negotiate
// call made while another is in flight waits for the first to settle
// before proceeding, so two exchanges can never race on the same
// connection.
type Session struct {
	logger   *slog.Logger
	notifier notify.Notifier

	id uuid.UUID

	exchanger descriptionExchanger

	// gatheringComplete, when non-nil, is waited on after the local
	// description is set so the answer carries resolved candidates.
	gatheringComplete func() <-chan struct{}

	// negotiateMu serializes description exchanges for this peer.
	negotiateMu sync.Mutex

	stateMu sync.Mutex
	state   State

	// This context signals to handlers that the session is shutting
	// down; listen with <-ctx.Done().
	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	shutdownOnce  sync.Once
}

func newSession(
	id uuid.UUID,
	exchanger descriptionExchanger,
	gatheringComplete func() <-chan struct{},
	notifier notify.Notifier,
	logger *slog.Logger,
) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		logger:            logger.With("session uuid", id),
		notifier:          notifier,
		id:                id,
		exchanger:         exchanger,
		gatheringComplete: gatheringComplete,
		state:             StateIdle,
		ctx:               ctx,
		ctxCancelFunc:     cancel,
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

// Context may be used to determine if the session is shutting down.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !canTransition(s.state, to) {
		return transitionError(s.state, to)
	}
	from := s.state
	s.state = to
	s.logger.Debug("session state change", "from", from.String(), "to", to.String())
	s.notifier.Publish(notify.Event{
		Kind:   notify.EventSessionStateChanged,
		Source: s.id.String(),
		Detail: to.String(),
	})
	return nil
}

// Negotiate runs one offer/answer exchange with the peer and returns the
// local answer. The first exchange takes the session Idle → Active; an
// exchange on an Active session is a renegotiation and returns it to
// Active on completion.
//
// Any failure in the exchange closes the session: the peer must restart
// from a fresh session.
func (s *Session) Negotiate(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.negotiateMu.Lock()
	defer s.negotiateMu.Unlock()

	switch s.State() {
	case StateIdle:
		if err := s.transition(StateOfferReceived); err != nil {
			return webrtc.SessionDescription{}, err
		}
	case StateActive:
		if err := s.transition(StateRenegotiating); err != nil {
			return webrtc.SessionDescription{}, err
		}
	case StateClosed:
		return webrtc.SessionDescription{}, ErrSessionClosed
	default:
		return webrtc.SessionDescription{}, transitionError(s.State(), StateNegotiating)
	}

	answer, err := s.exchange(offer)
	if err != nil {
		s.logger.Error("description exchange failed", "err", err)
		s.Close()
		return webrtc.SessionDescription{}, err
	}

	return answer, nil
}

func (s *Session) exchange(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	renegotiation := s.State() == StateRenegotiating
	if !renegotiation {
		if err := s.transition(StateNegotiating); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}

	if err := s.exchanger.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, wrapNegotiationErr("set remote description", err)
	}

	answer, err := s.exchanger.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, wrapNegotiationErr("create answer", err)
	}

	if err := s.exchanger.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, wrapNegotiationErr("set local description", err)
	}

	// Wait for ICE to resolve, finalizing the local description.
	if s.gatheringComplete != nil {
		<-s.gatheringComplete()
	}

	if err := s.transition(StateActive); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if local := s.exchanger.LocalDescription(); local != nil {
		return *local, nil
	}
	return answer, nil
}

// Close tears the session down. Terminal and idempotent: no further
// operations are accepted afterwards.
func (s *Session) Close() {
	s.shutdownOnce.Do(func() {
		s.stateMu.Lock()
		from := s.state
		s.state = StateClosed
		s.stateMu.Unlock()

		s.ctxCancelFunc()
		s.exchanger.Close()

		if from != StateClosed {
			s.logger.Info("session closed", "previous state", from.String())
			s.notifier.Publish(notify.Event{
				Kind:   notify.EventSessionStateChanged,
				Source: s.id.String(),
				Detail: StateClosed.String(),
			})
		}
	})
}
