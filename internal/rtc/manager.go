package rtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rigbridge/rigbridge/internal/capture"
	"github.com/rigbridge/rigbridge/internal/notify"
	"github.com/rigbridge/rigbridge/internal/playback"
)

// Manager owns one negotiation session per connected browser peer and
// wires each session into the audio core: captured radio audio goes out
// on the peer's track, and the peer's microphone track competes for the
// playback sink's single admission slot.
type Manager struct {
	logger   *slog.Logger
	notifier notify.Notifier

	connectionConfiguration webrtc.Configuration

	distributor *capture.Distributor
	sink        *playback.Sink

	mu       sync.Mutex
	sessions map[uuid.UUID]*managedSession
}

type managedSession struct {
	session *Session
	pc      *webrtc.PeerConnection
}

func NewManager(
	connectionConfig webrtc.Configuration,
	distributor *capture.Distributor,
	sink *playback.Sink,
	notifier notify.Notifier,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	return &Manager{
		logger:                  logger.With("component", "rtc manager"),
		notifier:                notifier,
		connectionConfiguration: connectionConfig,
		distributor:             distributor,
		sink:                    sink,
		sessions:                make(map[uuid.UUID]*managedSession),
	}
}

// ProcessOffer answers a browser SDP offer. An empty sessionID starts a
// fresh session; a known id renegotiates the existing one, which is how
// every topology change (uploader admitted or released, output device
// changed) reaches the peer.
func (m *Manager) ProcessOffer(
	sessionID string,
	offer webrtc.SessionDescription,
) (webrtc.SessionDescription, uuid.UUID, error) {
	managed, err := m.ensureSession(sessionID)
	if err != nil {
		return webrtc.SessionDescription{}, uuid.Nil, err
	}

	answer, err := managed.session.Negotiate(offer)
	if err != nil {
		m.removeSession(managed.session.ID())
		return webrtc.SessionDescription{}, uuid.Nil, err
	}
	return answer, managed.session.ID(), nil
}

// CloseSession tears one peer down, releasing its playback admission and
// capture subscription. Idempotent.
func (m *Manager) CloseSession(id uuid.UUID) {
	m.mu.Lock()
	managed, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		managed.session.Close()
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*managedSession)
	m.mu.Unlock()

	for _, managed := range sessions {
		managed.session.Close()
	}
}

// SessionCount reports the number of live peer sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) ensureSession(sessionID string) (*managedSession, error) {
	if sessionID != "" {
		if id, err := uuid.Parse(sessionID); err == nil {
			m.mu.Lock()
			managed, ok := m.sessions[id]
			m.mu.Unlock()
			if ok {
				return managed, nil
			}
		}
		// Unknown or stale id: the peer restarts from a fresh session.
	}
	return m.newSession()
}

func (m *Manager) newSession() (*managedSession, error) {
	id := uuid.New()
	logger := m.logger.With("session uuid", id)

	pc, err := webrtc.NewPeerConnection(m.connectionConfiguration)
	if err != nil {
		logger.Error("error while creating new peer connection", "err", err)
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	); err != nil {
		pc.Close()
		logger.Error("error while adding audio transceiver", "err", err)
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		opusCodecCapability,
		fmt.Sprintf("%s audio", id),
		fmt.Sprintf("%s audio stream", id),
	)
	if err != nil {
		pc.Close()
		logger.Error("error while creating audio track", "err", err)
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		logger.Error("error while adding audio track", "err", err)
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	session := newSession(
		id,
		pc,
		func() <-chan struct{} { return webrtc.GatheringCompletePromise(pc) },
		m.notifier,
		logger,
	)

	sender, err := newTrackSender(m.distributor, track, logger)
	if err != nil {
		session.Close()
		return nil, err
	}
	go sender.run(session.Context().Done())

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		m.handleRemoteTrack(session, remote, logger)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state change", "new state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.CloseSession(id)
		}
	})

	managed := &managedSession{session: session, pc: pc}
	m.mu.Lock()
	m.sessions[id] = managed
	m.mu.Unlock()

	logger.Info("new peer session created")
	return managed, nil
}

// handleRemoteTrack admits the peer's microphone into the playback sink.
// A second uploader while one is active is rejected synchronously; the
// rejected track is left unread and the peer keeps its downlink audio.
func (m *Manager) handleRemoteTrack(session *Session, remote *webrtc.TrackRemote, logger *slog.Logger) {
	playbackSession, err := m.sink.TryAcquire(session.ID().String())
	if err != nil {
		logger.Warn("playback busy, rejecting new sender", "err", err)
		return
	}

	receiver, err := newTrackReceiver(m.sink, playbackSession, logger)
	if err != nil {
		m.sink.Release(playbackSession)
		logger.Error("error while creating track receiver", "err", err)
		return
	}
	go receiver.run(remote, session.Context().Done())
}

func (m *Manager) removeSession(id uuid.UUID) {
	m.mu.Lock()
	managed, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		managed.session.Close()
	}
}
