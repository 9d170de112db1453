package playback

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oov/audio/resampler"
	"github.com/rigbridge/rigbridge/internal/notify"
	"github.com/rigbridge/rigbridge/pkg/audiodevice"
	"github.com/rigbridge/rigbridge/pkg/frame"
)

var (
	// ErrAlreadyOccupied is returned by TryAcquire while another session
	// holds the admission slot.
	ErrAlreadyOccupied = errors.New("playback already in use by another sender")

	// ErrSessionNotActive is returned by SubmitFrame when the caller's
	// session is no longer the admitted one.
	ErrSessionNotActive = errors.New("playback session is not active")
)

// A Session is one admitted uploader. At most one session is active at
// any instant; admission is a compare-and-set on the sink's slot.
type Session struct {
	ownerID   string
	startedAt time.Time
}

func (s *Session) OwnerID() string      { return s.ownerID }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Sink serializes audio from exactly one remote producer into a local
// output device.
//
// Frames from a session that has been released are stale and rejected;
// they are never mixed into a successor's stream.
type Sink struct {
	logger   *slog.Logger
	notifier notify.Notifier

	// slot holds the single admitted session, nil when free.
	slot atomic.Pointer[Session]

	inRate int

	// outMu guards the device and its resampler. SetDevice swaps both
	// together; an in-flight write finishes on the old device first.
	outMu    sync.Mutex
	out      audiodevice.Sink
	resample *resampler.Resampler
}

// NewSink wraps the given output device. inputSampleRate is the rate of
// submitted frames; when it differs from the device rate, frames are
// resampled before the write.
func NewSink(
	out audiodevice.Sink,
	inputSampleRate int,
	notifier notify.Notifier,
	logger *slog.Logger,
) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}

	s := &Sink{
		logger:   logger.With("component", "playback sink"),
		notifier: notifier,
		inRate:   inputSampleRate,
	}
	s.installDevice(out)
	return s
}

// TryAcquire claims the admission slot for ownerID. Under concurrent
// calls exactly one caller wins; the rest fail with ErrAlreadyOccupied
// immediately, no queueing.
func (s *Sink) TryAcquire(ownerID string) (*Session, error) {
	session := &Session{
		ownerID:   ownerID,
		startedAt: time.Now(),
	}
	if !s.slot.CompareAndSwap(nil, session) {
		s.notifier.Publish(notify.Event{
			Kind:   notify.EventAdmissionRejected,
			Source: ownerID,
			Detail: "playback slot occupied",
		})
		return nil, ErrAlreadyOccupied
	}
	s.logger.Info("playback acquired", "owner", ownerID)
	return session, nil
}

// SubmitFrame writes one frame from the admitted session to the output
// device. Stereo input is downmixed to mono first. A frame from a stale
// session fails with ErrSessionNotActive.
//
// Device write errors are surfaced to the caller only; they do not evict
// the session. Explicit Release is required.
func (s *Sink) SubmitFrame(session *Session, f frame.PCMFrame) error {
	if session == nil || s.slot.Load() != session {
		return ErrSessionNotActive
	}

	samples := frame.DownmixToMono(f.Samples, f.NumChannels)

	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.resample != nil {
		samples = s.resampleMono(samples)
	}
	return s.out.WriteFrame(frame.PCMFrame{
		Samples:     samples,
		SampleRate:  s.out.Properties().SampleRate,
		NumChannels: 1,
		Seq:         f.Seq,
	})
}

// Release frees the admission slot if session still holds it.
// Idempotent and safe from any goroutine; a subsequent TryAcquire may
// succeed immediately.
func (s *Sink) Release(session *Session) {
	if session == nil {
		return
	}
	if s.slot.CompareAndSwap(session, nil) {
		s.logger.Info("playback released", "owner", session.ownerID)
	}
}

// Occupied reports whether an uploader currently holds the slot.
func (s *Sink) Occupied() bool {
	return s.slot.Load() != nil
}

// SetDevice installs a reopened output device, closing the previous
// one. The admitted session survives the swap; only the hardware route
// changes.
func (s *Sink) SetDevice(out audiodevice.Sink) {
	s.outMu.Lock()
	old := s.out
	s.outMu.Unlock()
	if old != nil {
		old.Close()
	}

	s.installDevice(out)
	s.logger.Info("playback device replaced", "sampleRate", out.Properties().SampleRate)
}

func (s *Sink) installDevice(out audiodevice.Sink) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out = out
	s.resample = nil
	if deviceRate := out.Properties().SampleRate; deviceRate != s.inRate {
		s.logger.Debug("adding resampler", "from", s.inRate, "to", deviceRate)
		s.resample = resampler.New(1, s.inRate, deviceRate, 10)
	}
}

// resampleMono converts one mono chunk to the device rate. Called with
// outMu held.
func (s *Sink) resampleMono(samples []int16) []int16 {
	in := make([]float32, len(samples))
	for i, v := range samples {
		in[i] = float32(v) / 32768
	}
	outRate := s.out.Properties().SampleRate
	out := make([]float32, len(samples)*outRate/s.inRate+16)
	_, written := s.resample.ProcessFloat32(0, in, out)

	result := make([]int16, written)
	for i := 0; i < written; i++ {
		v := out[i] * 32767
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		result[i] = int16(v)
	}
	return result
}
