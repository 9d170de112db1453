package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"
	"github.com/rigbridge/rigbridge/pkg/audiodevice"
	"github.com/rigbridge/rigbridge/pkg/frame"
	"github.com/rigbridge/rigbridge/pkg/jitter"
)

// PortAudioOutputDevice plays audio to a speaker via PortAudio.
// It implements the audiodevice.Sink interface.
type PortAudioOutputDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	deviceName string
	stream     *portaudio.Stream
	buf        []int16
	props      audiodevice.DeviceProperties

	// pending smooths incoming frame sizes into exact device buffers so
	// no silence is injected between frames.
	pending *jitter.Buffer

	writeMu sync.Mutex

	shutdownOnce sync.Once
	closeErr     error
	closedMu     sync.Mutex
	closed       bool
}

// NewPortAudioOutputDevice opens the output device identified by
// deviceID (empty for the system default) as a mono 16-bit stream.
//
// Opening a device already held by another handle fails with
// ErrDeviceBusy. The hardware claim is released on any open failure.
func NewPortAudioOutputDevice(deviceID string, sampleRate, framesPerBuffer int) (*PortAudioOutputDevice, error) {
	info, err := findDevice(deviceID, DirectionOutput)
	if err != nil {
		return nil, err
	}

	if err := claim(info.Name, DirectionOutput); err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := slog.Default().With(
		"output device uuid", id,
		"device", info.Name,
	)

	buf := make([]int16, framesPerBuffer)
	params := portaudio.HighLatencyParameters(nil, info)
	params.Output.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = framesPerBuffer

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		release(info.Name, DirectionOutput)
		logger.Error("failed to open output stream", "err", err)
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, info.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		release(info.Name, DirectionOutput)
		logger.Error("failed to start output stream", "err", err)
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, info.Name, err)
	}

	logger.Info(
		"output device started",
		"sampleRate", sampleRate,
		"framesPerBuffer", framesPerBuffer,
	)

	return &PortAudioOutputDevice{
		logger:     logger,
		uuid:       id,
		deviceName: info.Name,
		stream:     stream,
		buf:        buf,
		pending:    jitter.New(framesPerBuffer * 2),
		props: audiodevice.DeviceProperties{
			SampleRate:      sampleRate,
			NumChannels:     1,
			FramesPerBuffer: framesPerBuffer,
		},
	}, nil
}

// WriteFrame blocks until the hardware has accepted the frame. Incoming
// frames rarely match the device buffer size, so samples accumulate in
// the jitter buffer and only full buffers reach the hardware; the
// remainder waits for the next frame instead of being padded with
// silence.
func (d *PortAudioOutputDevice) WriteFrame(f frame.PCMFrame) error {
	d.closedMu.Lock()
	closed := d.closed
	d.closedMu.Unlock()
	if closed {
		return ErrDeviceClosed
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.pending.Push(f.Samples)
	for d.pending.Buffered() >= len(d.buf) {
		d.pending.Pull(d.buf)
		if err := d.stream.Write(); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrDeviceIO, d.deviceName, err)
		}
	}
	return nil
}

// Close stops the stream and releases the hardware claim. Safe to call
// more than once.
func (d *PortAudioOutputDevice) Close() error {
	d.shutdownOnce.Do(func() {
		d.closedMu.Lock()
		d.closed = true
		d.closedMu.Unlock()

		// Flush the buffered remainder, zero-padded to a full device
		// buffer, so the tail of the stream is not cut off.
		d.writeMu.Lock()
		if d.pending.Buffered() > 0 {
			d.pending.Pull(d.buf)
			if err := d.stream.Write(); err != nil {
				d.logger.Warn("error flushing output stream", "err", err)
			}
		}
		d.writeMu.Unlock()

		if err := d.stream.Stop(); err != nil {
			d.logger.Error("error stopping output stream", "err", err)
			d.closeErr = err
		}
		if err := d.stream.Close(); err != nil {
			d.logger.Error("error closing output stream", "err", err)
			d.closeErr = err
		}
		release(d.deviceName, DirectionOutput)
		d.logger.Info("output device closed")
	})
	return d.closeErr
}

func (d *PortAudioOutputDevice) Properties() audiodevice.DeviceProperties {
	return d.props
}
