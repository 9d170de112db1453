package rtc

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchanger stands in for a peer connection: it records the offer,
// answers with a fixed description, and tracks how many exchanges are in
// flight at once.
type fakeExchanger struct {
	mu     sync.Mutex
	remote *webrtc.SessionDescription
	local  *webrtc.SessionDescription
	closed bool

	setRemoteErr error
	createErr    error
	setLocalErr  error

	// delay stretches SetRemoteDescription so concurrent Negotiate calls
	// overlap unless the session serializes them.
	delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeExchanger) SetRemoteDescription(desc webrtc.SessionDescription) error {
	current := f.inFlight.Add(1)
	for {
		observed := f.maxInFlight.Load()
		if current <= observed || f.maxInFlight.CompareAndSwap(observed, current) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.inFlight.Add(-1)

	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.mu.Lock()
	f.remote = &desc
	f.mu.Unlock()
	return nil
}

func (f *fakeExchanger) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	if f.createErr != nil {
		return webrtc.SessionDescription{}, f.createErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeExchanger) SetLocalDescription(desc webrtc.SessionDescription) error {
	if f.setLocalErr != nil {
		return f.setLocalErr
	}
	f.mu.Lock()
	f.local = &desc
	f.mu.Unlock()
	return nil
}

func (f *fakeExchanger) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeExchanger) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeExchanger) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeExchanger) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
}

func newTestSession(exchanger descriptionExchanger) *Session {
	return newSession(uuid.New(), exchanger, nil, nil, nil)
}

func TestNegotiateTakesSessionIdleToActive(t *testing.T) {
	exchanger := &fakeExchanger{}
	session := newTestSession(exchanger)
	require.Equal(t, StateIdle, session.State())

	answer, err := session.Negotiate(testOffer())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Equal(t, StateActive, session.State())
	require.NotNil(t, exchanger.RemoteDescription())
	assert.Equal(t, "v=0 offer", exchanger.RemoteDescription().SDP)
}

func TestRenegotiationReturnsToActive(t *testing.T) {
	session := newTestSession(&fakeExchanger{})

	_, err := session.Negotiate(testOffer())
	require.NoError(t, err)

	// A second offer on an established session renegotiates in place.
	answer, err := session.Negotiate(testOffer())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Equal(t, StateActive, session.State())
}

func TestNegotiateOnClosedSessionFails(t *testing.T) {
	session := newTestSession(&fakeExchanger{})
	session.Close()

	_, err := session.Negotiate(testOffer())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, StateClosed, session.State())
}

func TestFailedExchangeClosesSession(t *testing.T) {
	exchanger := &fakeExchanger{
		setRemoteErr: errors.New("malformed sdp"),
	}
	session := newTestSession(exchanger)

	_, err := session.Negotiate(testOffer())
	require.ErrorIs(t, err, ErrNegotiationFailed)
	assert.Equal(t, StateClosed, session.State())
	assert.True(t, exchanger.isClosed())

	// Recovery means starting over, not retrying.
	_, err = session.Negotiate(testOffer())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestFailedRenegotiationClosesSession(t *testing.T) {
	exchanger := &fakeExchanger{}
	session := newTestSession(exchanger)

	_, err := session.Negotiate(testOffer())
	require.NoError(t, err)

	exchanger.createErr = errors.New("codec mismatch")
	_, err = session.Negotiate(testOffer())
	require.ErrorIs(t, err, ErrNegotiationFailed)
	assert.Equal(t, StateClosed, session.State())
}

func TestConcurrentNegotiationsAreSerialized(t *testing.T) {
	exchanger := &fakeExchanger{delay: 10 * time.Millisecond}
	session := newTestSession(exchanger)

	const attempts = 5
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.Negotiate(testOffer())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), exchanger.maxInFlight.Load(),
		"description exchanges for one peer must never overlap")
	assert.Equal(t, StateActive, session.State())
}

func TestCloseIsIdempotentAndCancelsContext(t *testing.T) {
	exchanger := &fakeExchanger{}
	session := newTestSession(exchanger)

	session.Close()
	session.Close()

	assert.Equal(t, StateClosed, session.State())
	assert.True(t, exchanger.isClosed())
	select {
	case <-session.Context().Done():
	default:
		t.Fatal("session context must be canceled on close")
	}
}

func TestAnswerCarriesFinalLocalDescription(t *testing.T) {
	gathered := make(chan struct{})
	close(gathered)
	exchanger := &fakeExchanger{}
	session := newSession(
		uuid.New(),
		exchanger,
		func() <-chan struct{} { return gathered },
		nil,
		nil,
	)

	answer, err := session.Negotiate(testOffer())
	require.NoError(t, err)
	require.NotNil(t, exchanger.LocalDescription())
	assert.Equal(t, exchanger.LocalDescription().SDP, answer.SDP)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		allowed  bool
	}{
		{StateIdle, StateOfferReceived, true},
		{StateIdle, StateOfferSent, true},
		{StateIdle, StateActive, false},
		{StateOfferReceived, StateNegotiating, true},
		{StateOfferReceived, StateActive, false},
		{StateNegotiating, StateActive, true},
		{StateNegotiating, StateRenegotiating, false},
		{StateActive, StateRenegotiating, true},
		{StateRenegotiating, StateActive, true},
		{StateActive, StateIdle, false},
		{StateClosed, StateIdle, false},
		{StateClosed, StateActive, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, canTransition(tc.from, tc.to),
			"%s to %s", tc.from, tc.to)
	}

	// Closed is reachable from everywhere but itself.
	for _, from := range []State{
		StateIdle, StateOfferSent, StateOfferReceived,
		StateNegotiating, StateActive, StateRenegotiating,
	} {
		assert.True(t, canTransition(from, StateClosed), "%s to closed", from)
	}
	assert.False(t, canTransition(StateClosed, StateClosed))
}
