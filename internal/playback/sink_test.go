package playback

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigbridge/rigbridge/pkg/audiodevice"
	"github.com/rigbridge/rigbridge/pkg/frame"
)

// memorySink records every written frame in place of a real output
// device.
type memorySink struct {
	mu         sync.Mutex
	written    []frame.PCMFrame
	writeErr   error
	closed     bool
	sampleRate int
}

func newMemorySink(sampleRate int) *memorySink {
	return &memorySink{sampleRate: sampleRate}
}

func (m *memorySink) WriteFrame(f frame.PCMFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = append(m.written, f)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) Properties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{SampleRate: m.sampleRate, NumChannels: 1}
}

func (m *memorySink) frames() []frame.PCMFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame.PCMFrame(nil), m.written...)
}

func TestTryAcquireAdmitsExactlyOneConcurrentCaller(t *testing.T) {
	sink := NewSink(newMemorySink(48000), 48000, nil, nil)

	const callers = 16
	var wg sync.WaitGroup
	var admitted, rejected sync.Map
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ownerID := fmt.Sprintf("caller-%d", i)
			session, err := sink.TryAcquire(ownerID)
			if err != nil {
				rejected.Store(ownerID, err)
				return
			}
			admitted.Store(ownerID, session)
		}()
	}
	wg.Wait()

	winners := 0
	admitted.Range(func(_, _ any) bool {
		winners++
		return true
	})
	require.Equal(t, 1, winners, "exactly one caller must win the slot")

	losers := 0
	rejected.Range(func(_, value any) bool {
		assert.ErrorIs(t, value.(error), ErrAlreadyOccupied)
		losers++
		return true
	})
	assert.Equal(t, callers-1, losers)
	assert.True(t, sink.Occupied())
}

func TestReleaseFreesSlotForNextCaller(t *testing.T) {
	sink := NewSink(newMemorySink(48000), 48000, nil, nil)

	first, err := sink.TryAcquire("first")
	require.NoError(t, err)

	_, err = sink.TryAcquire("second")
	require.ErrorIs(t, err, ErrAlreadyOccupied)

	sink.Release(first)
	require.False(t, sink.Occupied())

	second, err := sink.TryAcquire("second")
	require.NoError(t, err)
	assert.Equal(t, "second", second.OwnerID())

	// Releasing twice, or releasing a stale session, is harmless and
	// never frees the successor's slot.
	sink.Release(first)
	sink.Release(nil)
	assert.True(t, sink.Occupied())
}

func TestSubmitFrameRejectsStaleSession(t *testing.T) {
	device := newMemorySink(48000)
	sink := NewSink(device, 48000, nil, nil)

	first, err := sink.TryAcquire("first")
	require.NoError(t, err)
	sink.Release(first)

	second, err := sink.TryAcquire("second")
	require.NoError(t, err)

	// A frame still in flight from the released session must not reach
	// the device under the successor's stream.
	err = sink.SubmitFrame(first, frame.PCMFrame{
		Samples:     []int16{1, 2, 3},
		SampleRate:  48000,
		NumChannels: 1,
	})
	require.ErrorIs(t, err, ErrSessionNotActive)
	assert.Empty(t, device.frames())

	require.NoError(t, sink.SubmitFrame(second, frame.PCMFrame{
		Samples:     []int16{7, 8},
		SampleRate:  48000,
		NumChannels: 1,
	}))
	written := device.frames()
	require.Len(t, written, 1)
	assert.Equal(t, []int16{7, 8}, written[0].Samples)
}

func TestSubmitFrameDownmixesStereo(t *testing.T) {
	device := newMemorySink(48000)
	sink := NewSink(device, 48000, nil, nil)

	session, err := sink.TryAcquire("uploader")
	require.NoError(t, err)

	require.NoError(t, sink.SubmitFrame(session, frame.PCMFrame{
		Samples:     []int16{100, 200, -100, 100},
		SampleRate:  48000,
		NumChannels: 2,
	}))

	written := device.frames()
	require.Len(t, written, 1)
	assert.Equal(t, []int16{150, 0}, written[0].Samples)
	assert.Equal(t, 1, written[0].NumChannels)
}

func TestDeviceWriteErrorDoesNotEvictSession(t *testing.T) {
	device := newMemorySink(48000)
	sink := NewSink(device, 48000, nil, nil)

	session, err := sink.TryAcquire("uploader")
	require.NoError(t, err)

	deviceErr := errors.New("underlying device gone")
	device.mu.Lock()
	device.writeErr = deviceErr
	device.mu.Unlock()

	err = sink.SubmitFrame(session, frame.PCMFrame{
		Samples:     []int16{1},
		SampleRate:  48000,
		NumChannels: 1,
	})
	require.ErrorIs(t, err, deviceErr)

	// The session still holds the slot; recovery after the device comes
	// back needs no re-admission.
	assert.True(t, sink.Occupied())
	device.mu.Lock()
	device.writeErr = nil
	device.mu.Unlock()
	assert.NoError(t, sink.SubmitFrame(session, frame.PCMFrame{
		Samples:     []int16{2},
		SampleRate:  48000,
		NumChannels: 1,
	}))
}

func TestSetDeviceSurvivesAdmittedSession(t *testing.T) {
	oldDevice := newMemorySink(48000)
	sink := NewSink(oldDevice, 48000, nil, nil)

	session, err := sink.TryAcquire("uploader")
	require.NoError(t, err)

	newDevice := newMemorySink(48000)
	sink.SetDevice(newDevice)

	oldDevice.mu.Lock()
	closed := oldDevice.closed
	oldDevice.mu.Unlock()
	assert.True(t, closed, "replaced device must be closed")
	assert.True(t, sink.Occupied(), "admitted session survives the swap")

	require.NoError(t, sink.SubmitFrame(session, frame.PCMFrame{
		Samples:     []int16{5},
		SampleRate:  48000,
		NumChannels: 1,
	}))
	assert.Empty(t, oldDevice.frames())
	assert.Len(t, newDevice.frames(), 1)
}

func TestResamplerInstalledOnRateMismatch(t *testing.T) {
	device := newMemorySink(8000)
	sink := NewSink(device, 48000, nil, nil)

	session, err := sink.TryAcquire("uploader")
	require.NoError(t, err)

	in := make([]int16, 480)
	for i := range in {
		in[i] = 1000
	}
	require.NoError(t, sink.SubmitFrame(session, frame.PCMFrame{
		Samples:     in,
		SampleRate:  48000,
		NumChannels: 1,
	}))

	written := device.frames()
	require.Len(t, written, 1)
	assert.Equal(t, 8000, written[0].SampleRate)
	assert.Less(t, len(written[0].Samples), len(in), "48k to 8k must shrink the chunk")
}
