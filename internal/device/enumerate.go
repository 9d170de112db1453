package device

import (
	"fmt"
	"strconv"

	"github.com/gordonklaus/portaudio"
)

// Info describes one audio device for the settings layer. ID is the
// value to hand back to NewPortAudioInputDevice / NewPortAudioOutputDevice.
type Info struct {
	ID          string
	Description string
}

// ListInputDevices returns every device with at least one input channel.
func ListInputDevices() ([]Info, error) {
	return listDevices(DirectionInput)
}

// ListOutputDevices returns every device with at least one output channel.
func ListOutputDevices() ([]Info, error) {
	return listDevices(DirectionOutput)
}

func listDevices(dir Direction) ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot enumerate devices: %v", ErrDeviceUnavailable, err)
	}

	var result []Info
	for index, info := range devices {
		channels := info.MaxInputChannels
		if dir == DirectionOutput {
			channels = info.MaxOutputChannels
		}
		if channels <= 0 {
			continue
		}
		description := info.Name
		if info.HostApi != nil {
			description = fmt.Sprintf("%s (%s)", info.Name, info.HostApi.Name)
		}
		result = append(result, Info{
			ID:          strconv.Itoa(index),
			Description: description,
		})
	}
	return result, nil
}
