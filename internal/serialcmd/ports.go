package serialcmd

import (
	"fmt"
	"sort"

	"go.bug.st/serial"
)

// ListPorts enumerates the serial ports on this machine, sorted by
// device path, for the settings layer to present.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
