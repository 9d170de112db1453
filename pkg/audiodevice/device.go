package audiodevice

import "github.com/rigbridge/rigbridge/pkg/frame"

type DeviceProperties struct {
	SampleRate      int
	NumChannels     int
	FramesPerBuffer int
}

// Interface for audio source devices, e.g. microphones.
//
// Source devices need only define some way to get data out of the device.
// ReadFrame blocks until the hardware has filled one buffer; the block is
// bounded by the device buffer size, which makes the read loop of a
// capture pipeline pace itself at the device's natural frame rate.
type Source interface {
	// Read one frame of audio from the device.
	//
	// The returned frame carries a strictly increasing sequence number.
	// A non-nil error means the device is unusable until reopened.
	ReadFrame() (frame.PCMFrame, error)

	// Meaningfully close the Source, releasing the hardware stream.
	// Safe to call more than once and from any goroutine.
	Close() error

	Properties() DeviceProperties
}

// Interface for audio sink devices, e.g. speakers.
//
// Sink devices need only define some way to consume data. WriteFrame
// blocks until the hardware has accepted the buffer, again bounded by
// the device buffer size.
type Sink interface {
	// Write one frame of audio to the device.
	WriteFrame(frame.PCMFrame) error

	// Meaningfully close the Sink, releasing the hardware stream.
	// Safe to call more than once and from any goroutine.
	Close() error

	Properties() DeviceProperties
}
