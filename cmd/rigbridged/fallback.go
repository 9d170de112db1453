package main

import (
	"errors"
	"sync"
	"time"

	"github.com/rigbridge/rigbridge/pkg/audiodevice"
	"github.com/rigbridge/rigbridge/pkg/frame"
)

var audioDeviceGone = errors.New("placeholder capture source closed")

// silenceSource stands in for a capture device that is missing or
// failed to open, so the daemon can start degraded: connected peers
// receive silence at the real frame rate until the hardware comes back.
type silenceSource struct {
	props audiodevice.DeviceProperties
	seq   uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func newSilenceSource(sampleRate, framesPerBuffer int) *silenceSource {
	return &silenceSource{
		props: audiodevice.DeviceProperties{
			SampleRate:      sampleRate,
			NumChannels:     1,
			FramesPerBuffer: framesPerBuffer,
		},
		closed: make(chan struct{}),
	}
}

func (s *silenceSource) ReadFrame() (frame.PCMFrame, error) {
	interval := time.Duration(s.props.FramesPerBuffer) * time.Second / time.Duration(s.props.SampleRate)
	select {
	case <-s.closed:
		return frame.PCMFrame{}, audioDeviceGone
	case <-time.After(interval):
	}
	s.seq++
	return frame.PCMFrame{
		Samples:     make([]int16, s.props.FramesPerBuffer),
		SampleRate:  s.props.SampleRate,
		NumChannels: 1,
		Seq:         s.seq,
	}, nil
}

func (s *silenceSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *silenceSource) Properties() audiodevice.DeviceProperties { return s.props }

// discardSink stands in for a missing playback device; uploaded audio is
// accepted and dropped.
type discardSink struct {
	props audiodevice.DeviceProperties
}

func newDiscardSink(sampleRate int) *discardSink {
	return &discardSink{
		props: audiodevice.DeviceProperties{
			SampleRate:  sampleRate,
			NumChannels: 1,
		},
	}
}

func (s *discardSink) WriteFrame(frame.PCMFrame) error          { return nil }
func (s *discardSink) Close() error                             { return nil }
func (s *discardSink) Properties() audiodevice.DeviceProperties { return s.props }
