package device

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var (
	// ErrDeviceUnavailable is returned when the requested device does not
	// exist or cannot be opened.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrDeviceBusy is returned when a second handle is opened for the
	// same physical device in the same direction.
	ErrDeviceBusy = errors.New("audio device already open")

	// ErrDeviceClosed is returned by reads and writes after Close.
	ErrDeviceClosed = errors.New("audio device closed")

	// ErrDeviceIO is wrapped around transient hardware read/write
	// failures. The handle is unusable until reopened.
	ErrDeviceIO = errors.New("audio device i/o failure")
)

type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionInput {
		return "input"
	}
	return "output"
}

// Registry of claimed hardware streams. Exactly one open handle is
// allowed per physical device per direction; the claim is released
// unconditionally on Close, including error paths during open.
var (
	claimsMu sync.Mutex
	claims   = make(map[string]struct{})
)

func claimKey(deviceName string, dir Direction) string {
	return dir.String() + ":" + deviceName
}

func claim(deviceName string, dir Direction) error {
	claimsMu.Lock()
	defer claimsMu.Unlock()
	key := claimKey(deviceName, dir)
	if _, taken := claims[key]; taken {
		return fmt.Errorf("%w: %s %s", ErrDeviceBusy, deviceName, dir)
	}
	claims[key] = struct{}{}
	return nil
}

func release(deviceName string, dir Direction) {
	claimsMu.Lock()
	defer claimsMu.Unlock()
	delete(claims, claimKey(deviceName, dir))
}

// findDevice resolves a device id to a portaudio device. An empty id
// selects the default device for the direction; otherwise the id is
// interpreted first as a numeric index, then as an exact device name.
func findDevice(deviceID string, dir Direction) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		if dir == DirectionInput {
			info, err := portaudio.DefaultInputDevice()
			if err != nil {
				return nil, fmt.Errorf("%w: no default input device: %v", ErrDeviceUnavailable, err)
			}
			return info, nil
		}
		info, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default output device: %v", ErrDeviceUnavailable, err)
		}
		return info, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot enumerate devices: %v", ErrDeviceUnavailable, err)
	}

	if index, convErr := strconv.Atoi(deviceID); convErr == nil {
		if index < 0 || index >= len(devices) {
			return nil, fmt.Errorf("%w: no device with index %d", ErrDeviceUnavailable, index)
		}
		return devices[index], nil
	}

	for _, info := range devices {
		if info.Name == deviceID {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: no device named %q", ErrDeviceUnavailable, deviceID)
}
