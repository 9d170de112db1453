package rtc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rigbridge/rigbridge/internal/capture"
	"github.com/rigbridge/rigbridge/internal/playback"
	"github.com/rigbridge/rigbridge/pkg/frame"
	"layeh.com/gopus"
)

// The audio profile is fixed: 48 kHz mono Opus at 20 ms frames. There is
// no codec negotiation beyond this.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusMaxPacketSize bounds one encoded packet.
	opusMaxPacketSize = 4000
)

var opusCodecCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: opusSampleRate,
	Channels:  opusChannels,
}

// trackSender pulls captured frames from a distributor subscription,
// encodes them to Opus and writes them onto the peer's outbound track.
// Device frames rarely align with the 20 ms Opus frame size, so samples
// are accumulated and encoded in exact frameSize chunks.
type trackSender struct {
	logger *slog.Logger

	distributor *capture.Distributor
	sub         *capture.Subscription
	track       *webrtc.TrackLocalStaticSample
	encoder     *gopus.Encoder

	pcmRemainder []int16
}

func newTrackSender(
	distributor *capture.Distributor,
	track *webrtc.TrackLocalStaticSample,
	logger *slog.Logger,
) (*trackSender, error) {
	encoder, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	return &trackSender{
		logger:      logger,
		distributor: distributor,
		sub:         distributor.Subscribe(),
		track:       track,
		encoder:     encoder,
	}, nil
}

// run forwards captured audio until the subscription ends or the session
// shuts down. It owns the subscription and detaches on return.
func (ts *trackSender) run(done <-chan struct{}) {
	defer ts.distributor.Unsubscribe(ts.sub.ID())

	for {
		select {
		case <-done:
			return
		case f, ok := <-ts.sub.Frames():
			if !ok {
				ts.logger.Debug("capture stream ended, outbound track stopping")
				return
			}
			ts.sendFrame(f)
		}
	}
}

func (ts *trackSender) sendFrame(f frame.PCMFrame) {
	ts.pcmRemainder = append(ts.pcmRemainder, f.Samples...)

	for len(ts.pcmRemainder) >= opusFrameSize {
		chunk := ts.pcmRemainder[:opusFrameSize]
		packet, err := ts.encoder.Encode(chunk, opusFrameSize, opusMaxPacketSize)
		if err != nil {
			ts.logger.Error("opus encode failed", "err", err)
			ts.pcmRemainder = ts.pcmRemainder[:0]
			return
		}
		ts.pcmRemainder = ts.pcmRemainder[opusFrameSize:]

		err = ts.track.WriteSample(media.Sample{
			Data:     packet,
			Duration: opusFrameSizeMs * time.Millisecond,
		})
		if err != nil {
			ts.logger.Warn("writing sample to track failed", "err", err)
		}
	}
}

// trackReceiver reads the remote peer's Opus track, decodes it and
// serializes the audio into the playback sink under the session's
// admission.
type trackReceiver struct {
	logger *slog.Logger

	sink    *playback.Sink
	session *playback.Session
	decoder *gopus.Decoder

	seq uint64
}

func newTrackReceiver(
	sink *playback.Sink,
	session *playback.Session,
	logger *slog.Logger,
) (*trackReceiver, error) {
	decoder, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &trackReceiver{
		logger:  logger,
		sink:    sink,
		session: session,
		decoder: decoder,
	}, nil
}

// run consumes the remote track until it ends or the session shuts
// down, then releases the playback slot.
func (tr *trackReceiver) run(remote *webrtc.TrackRemote, done <-chan struct{}) {
	defer tr.sink.Release(tr.session)

	for {
		select {
		case <-done:
			return
		default:
		}

		packet, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				tr.logger.Warn("remote track read failed", "err", err)
			}
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}

		pcm, err := tr.decoder.Decode(packet.Payload, opusFrameSize, false)
		if err != nil {
			tr.logger.Warn("opus decode failed", "err", err)
			continue
		}

		tr.seq++
		err = tr.sink.SubmitFrame(tr.session, frame.PCMFrame{
			Samples:     pcm,
			SampleRate:  opusSampleRate,
			NumChannels: opusChannels,
			Seq:         tr.seq,
		})
		if errors.Is(err, playback.ErrSessionNotActive) {
			// Evicted: frames from this session are stale, stop sending.
			tr.logger.Info("playback session no longer active, stopping upload")
			return
		}
		if err != nil {
			tr.logger.Warn("playback write failed", "err", err)
		}
	}
}
