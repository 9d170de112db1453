package settings

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// DeviceConfig is an immutable snapshot of the hardware configuration.
//
// The core never mutates a snapshot. A configuration change is modeled
// as "deliver a new snapshot and reopen the affected device", never as
// in-place mutation of a config another goroutine might be reading.
type DeviceConfig struct {
	SerialPort string
	BaudRate   int
	Parity     string
	StopBits   float64

	InputDeviceID  string
	OutputDeviceID string
}

var validParity = map[string]struct{}{"N": {}, "E": {}, "O": {}, "M": {}, "S": {}}

// Validate checks the serial line parameters. Device ids are validated
// at open time against the hardware, not here.
func (c DeviceConfig) Validate() error {
	if _, ok := validParity[c.Parity]; !ok {
		return fmt.Errorf("unsupported parity %q", c.Parity)
	}
	switch c.StopBits {
	case 1, 1.5, 2:
	default:
		return fmt.Errorf("unsupported stop bits %v", c.StopBits)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	return nil
}

// Repository is the persisted-settings collaborator. The core only
// reads through it; writes belong to the UI layer.
type Repository interface {
	Load() (DeviceConfig, error)
}

// ViperRepository reads the device configuration out of the daemon's
// viper-backed config file.
type ViperRepository struct{}

func (ViperRepository) Load() (DeviceConfig, error) {
	cfg := DeviceConfig{
		SerialPort:     viper.GetString("serialport"),
		BaudRate:       viper.GetInt("baudrate"),
		Parity:         viper.GetString("parity"),
		StopBits:       viper.GetFloat64("stopbits"),
		InputDeviceID:  viper.GetString("inputdevice"),
		OutputDeviceID: viper.GetString("outputdevice"),
	}
	if err := cfg.Validate(); err != nil {
		return DeviceConfig{}, fmt.Errorf("stored settings invalid: %w", err)
	}
	return cfg, nil
}

// Watcher fans configuration snapshots out to the components that must
// reopen their device when the settings collaborator reports a change.
type Watcher struct {
	mu   sync.Mutex
	subs []chan DeviceConfig
}

func NewWatcher() *Watcher {
	return &Watcher{}
}

// Subscribe returns a channel that receives every snapshot published
// after the call. A slow subscriber only ever sees the latest snapshot;
// intermediate ones are superseded, not queued without bound.
func (w *Watcher) Subscribe() <-chan DeviceConfig {
	ch := make(chan DeviceConfig, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Publish delivers a new snapshot to all subscribers without blocking.
func (w *Watcher) Publish(cfg DeviceConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- cfg:
		default:
			// Drop the stale queued snapshot and replace it.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}
