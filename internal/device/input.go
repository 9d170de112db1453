package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"
	"github.com/rigbridge/rigbridge/pkg/audiodevice"
	"github.com/rigbridge/rigbridge/pkg/frame"
)

// PortAudioInputDevice captures audio from a microphone via PortAudio.
// It implements the audiodevice.Source interface.
type PortAudioInputDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	deviceName string
	stream     *portaudio.Stream
	buf        []int16
	props      audiodevice.DeviceProperties

	// seq is only advanced from ReadFrame, which has a single caller by
	// contract (the capture read loop).
	seq uint64

	shutdownOnce sync.Once
	closeErr     error
	closedMu     sync.Mutex
	closed       bool
}

// NewPortAudioInputDevice opens the input device identified by deviceID
// (empty for the system default) as a mono 16-bit stream.
// framesPerBuffer determines the size of audio chunks (typically 1024 or
// 2048) and therefore the pacing of every downstream consumer.
//
// Opening a device already held by another handle fails with
// ErrDeviceBusy. The hardware claim is released on any open failure.
func NewPortAudioInputDevice(deviceID string, sampleRate, framesPerBuffer int) (*PortAudioInputDevice, error) {
	info, err := findDevice(deviceID, DirectionInput)
	if err != nil {
		return nil, err
	}

	if err := claim(info.Name, DirectionInput); err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := slog.Default().With(
		"input device uuid", id,
		"device", info.Name,
	)

	buf := make([]int16, framesPerBuffer)
	params := portaudio.HighLatencyParameters(info, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = framesPerBuffer

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		release(info.Name, DirectionInput)
		logger.Error("failed to open input stream", "err", err)
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, info.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		release(info.Name, DirectionInput)
		logger.Error("failed to start input stream", "err", err)
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, info.Name, err)
	}

	logger.Info(
		"input device started",
		"sampleRate", sampleRate,
		"framesPerBuffer", framesPerBuffer,
	)

	return &PortAudioInputDevice{
		logger:     logger,
		uuid:       id,
		deviceName: info.Name,
		stream:     stream,
		buf:        buf,
		props: audiodevice.DeviceProperties{
			SampleRate:      sampleRate,
			NumChannels:     1,
			FramesPerBuffer: framesPerBuffer,
		},
	}, nil
}

// ReadFrame blocks until the hardware has filled one buffer, then
// returns a copy of it with the next sequence number.
func (d *PortAudioInputDevice) ReadFrame() (frame.PCMFrame, error) {
	d.closedMu.Lock()
	closed := d.closed
	d.closedMu.Unlock()
	if closed {
		return frame.PCMFrame{}, ErrDeviceClosed
	}

	if err := d.stream.Read(); err != nil {
		return frame.PCMFrame{}, fmt.Errorf("%w: read %s: %v", ErrDeviceIO, d.deviceName, err)
	}

	samples := make([]int16, len(d.buf))
	copy(samples, d.buf)
	d.seq++

	return frame.PCMFrame{
		Samples:     samples,
		SampleRate:  d.props.SampleRate,
		NumChannels: 1,
		Seq:         d.seq,
	}, nil
}

// Close stops the stream and releases the hardware claim. Safe to call
// more than once.
func (d *PortAudioInputDevice) Close() error {
	d.shutdownOnce.Do(func() {
		d.closedMu.Lock()
		d.closed = true
		d.closedMu.Unlock()

		if err := d.stream.Stop(); err != nil {
			d.logger.Error("error stopping input stream", "err", err)
			d.closeErr = err
		}
		if err := d.stream.Close(); err != nil {
			d.logger.Error("error closing input stream", "err", err)
			d.closeErr = err
		}
		release(d.deviceName, DirectionInput)
		d.logger.Info("input device closed")
	})
	return d.closeErr
}

func (d *PortAudioInputDevice) Properties() audiodevice.DeviceProperties {
	return d.props
}
