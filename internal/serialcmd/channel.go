package serialcmd

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rigbridge/rigbridge/internal/settings"
	"go.bug.st/serial"
)

var (
	// ErrPortUnavailable is returned when the serial port cannot be
	// opened or is not currently open.
	ErrPortUnavailable = errors.New("serial port unavailable")

	// ErrWriteFailed wraps a transient write failure. The channel stays
	// usable; the queue moves on to the next command.
	ErrWriteFailed = errors.New("serial write failed")

	// ErrTimeout means no response arrived within the bound. The line
	// may be desynchronized; the queue reopens the channel before the
	// next command.
	ErrTimeout = errors.New("serial response timeout")
)

// Transport is the single in-order write+optional-read surface the
// command queue drives. Exactly one worker calls into a Transport at a
// time; implementations do not need to tolerate concurrent Exchange.
type Transport interface {
	Open(cfg settings.DeviceConfig) error
	Exchange(payload []byte, expectResponse bool, timeout time.Duration) ([]byte, error)
	Close() error
}

// Channel owns exactly one open serial port.
type Channel struct {
	logger *slog.Logger

	mu   sync.Mutex
	port serial.Port
	name string
}

func NewChannel(logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		logger: logger.With("component", "serial channel"),
	}
}

var parityMap = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
	"M": serial.MarkParity,
	"S": serial.SpaceParity,
}

var stopBitsMap = map[float64]serial.StopBits{
	1:   serial.OneStopBit,
	1.5: serial.OnePointFiveStopBits,
	2:   serial.TwoStopBits,
}

// Open closes any previous port and opens the one described by cfg.
func (c *Channel) Open(cfg settings.DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPortUnavailable, err)
	}
	if cfg.SerialPort == "" {
		return fmt.Errorf("%w: no port configured", ErrPortUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		c.port.Close()
		c.port = nil
	}

	c.logger.Info(
		"opening serial port",
		"port", cfg.SerialPort,
		"baud", cfg.BaudRate,
		"parity", cfg.Parity,
		"stopBits", cfg.StopBits,
	)

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   parityMap[cfg.Parity],
		StopBits: stopBitsMap[cfg.StopBits],
	}
	port, err := serial.Open(cfg.SerialPort, mode)
	if err != nil {
		c.logger.Error("serial open failed", "port", cfg.SerialPort, "err", err)
		return fmt.Errorf("%w: open %s: %v", ErrPortUnavailable, cfg.SerialPort, err)
	}

	c.port = port
	c.name = cfg.SerialPort
	return nil
}

// Exchange writes payload to the line and, when expectResponse is set,
// collects the device's reply. The read is bounded by timeout; a line
// that stays silent yields ErrTimeout.
//
// The payload and response bytes are opaque; the radio's command syntax
// belongs to the caller.
func (c *Channel) Exchange(payload []byte, expectResponse bool, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return nil, ErrPortUnavailable
	}

	if err := writeAll(port, payload); err != nil {
		// Transient failures get a single internal retry.
		c.logger.Warn("serial write failed, retrying once", "err", err)
		if err := writeAll(port, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
	}

	if !expectResponse {
		return nil, nil
	}
	return c.readResponse(port, timeout)
}

// readResponse waits up to timeout for the first bytes of a reply, then
// keeps collecting until the line goes quiet.
func (c *Channel) readResponse(port serial.Port, timeout time.Duration) ([]byte, error) {
	const quietWindow = 50 * time.Millisecond

	if err := port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("%w: set read timeout: %v", ErrWriteFailed, err)
	}

	buf := make([]byte, 256)
	n, err := port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrTimeout, err)
	}
	if n == 0 {
		return nil, ErrTimeout
	}
	response := append([]byte(nil), buf[:n]...)

	if err := port.SetReadTimeout(quietWindow); err != nil {
		return response, nil
	}
	for {
		n, err := port.Read(buf)
		if err != nil || n == 0 {
			return response, nil
		}
		response = append(response, buf[:n]...)
	}
}

// Close releases the port. Safe to call when already closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	c.logger.Info("serial port closed", "port", c.name)
	return err
}

func writeAll(port serial.Port, payload []byte) error {
	for len(payload) > 0 {
		n, err := port.Write(payload)
		if err != nil {
			return err
		}
		payload = payload[n:]
	}
	return port.Drain()
}
