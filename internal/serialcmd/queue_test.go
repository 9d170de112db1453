package serialcmd

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigbridge/rigbridge/internal/settings"
)

// fakeTransport scripts open and exchange outcomes and records every
// call in order.
type fakeTransport struct {
	mu  sync.Mutex
	log []string

	// openErrs is popped once per Open; nil entries mean success.
	openErrs []error

	// exchangeErrs is popped once per Exchange; nil entries mean the
	// payload is echoed back as the response.
	exchangeErrs []error

	// entered, when non-nil, receives the payload as each Exchange
	// starts; gate, when non-nil, blocks the Exchange until released.
	entered chan string
	gate    chan struct{}
}

func (f *fakeTransport) Open(cfg settings.DeviceConfig) error {
	f.mu.Lock()
	f.log = append(f.log, "open "+cfg.SerialPort)
	var err error
	if len(f.openErrs) > 0 {
		err = f.openErrs[0]
		f.openErrs = f.openErrs[1:]
	}
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) Exchange(payload []byte, _ bool, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	f.log = append(f.log, "exchange "+string(payload))
	var err error
	if len(f.exchangeErrs) > 0 {
		err = f.exchangeErrs[0]
		f.exchangeErrs = f.exchangeErrs[1:]
	}
	entered, gate := f.entered, f.gate
	f.mu.Unlock()

	if entered != nil {
		entered <- string(payload)
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), payload...), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.log = append(f.log, "close")
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func testConfig(port string) settings.DeviceConfig {
	return settings.DeviceConfig{
		SerialPort: port,
		BaudRate:   9600,
		Parity:     "N",
		StopBits:   1.0,
	}
}

func startQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func awaitResult(t *testing.T, p *Pending) Result {
	t.Helper()
	select {
	case r := <-p.Result():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("command result never delivered")
		return Result{}
	}
}

func TestCommandsExecuteInSubmissionOrder(t *testing.T) {
	transport := &fakeTransport{}
	q := NewQueue(transport, 8, testConfig("/dev/ttyUSB0"), time.Second, nil, nil)

	var pendings []*Pending
	for i := 0; i < 3; i++ {
		p, err := q.Enqueue(fmt.Appendf(nil, "cmd-%d", i), true)
		require.NoError(t, err)
		pendings = append(pendings, p)
	}

	startQueue(t, q)

	for i, p := range pendings {
		r := awaitResult(t, p)
		require.NoError(t, r.Err)
		assert.Equal(t, fmt.Sprintf("cmd-%d", i), string(r.Response))
	}
	assert.Equal(t, []string{
		"close", "open /dev/ttyUSB0",
		"exchange cmd-0", "exchange cmd-1", "exchange cmd-2",
	}, transport.calls())
}

func TestReconfigureTakesEffectAtRequestPosition(t *testing.T) {
	transport := &fakeTransport{
		entered: make(chan string),
		gate:    make(chan struct{}),
	}
	q := NewQueue(transport, 8, testConfig("/dev/ttyUSB0"), time.Second, nil, nil)

	p1, err := q.Enqueue([]byte("before"), true)
	require.NoError(t, err)
	p2, err := q.Enqueue([]byte("after"), true)
	require.NoError(t, err)

	startQueue(t, q)

	// Reconfigure while the first command is in flight: it must not be
	// interrupted, and the second command must run on the reopened line.
	require.Equal(t, "before", <-transport.entered)
	q.Reconfigure(testConfig("/dev/ttyUSB1"))
	transport.gate <- struct{}{}

	require.Equal(t, "after", <-transport.entered)
	transport.gate <- struct{}{}

	require.NoError(t, awaitResult(t, p1).Err)
	require.NoError(t, awaitResult(t, p2).Err)
	assert.Equal(t, []string{
		"close", "open /dev/ttyUSB0",
		"exchange before",
		"close", "open /dev/ttyUSB1",
		"exchange after",
	}, transport.calls())
}

func TestTimeoutForcesReopenBeforeNextCommand(t *testing.T) {
	transport := &fakeTransport{exchangeErrs: []error{ErrTimeout}}
	q := NewQueue(transport, 8, testConfig("/dev/ttyUSB0"), time.Second, nil, nil)

	p1, err := q.Enqueue([]byte("hangs"), true)
	require.NoError(t, err)
	p2, err := q.Enqueue([]byte("recovers"), true)
	require.NoError(t, err)

	startQueue(t, q)

	require.ErrorIs(t, awaitResult(t, p1).Err, ErrTimeout)
	r2 := awaitResult(t, p2)
	require.NoError(t, r2.Err)
	assert.Equal(t, "recovers", string(r2.Response))

	// The line was reopened between the timed-out command and the next
	// one, discarding any half-read response.
	assert.Equal(t, []string{
		"close", "open /dev/ttyUSB0",
		"exchange hangs",
		"close", "open /dev/ttyUSB0",
		"exchange recovers",
	}, transport.calls())
}

func TestEnqueueRejectsWhenSaturated(t *testing.T) {
	q := NewQueue(&fakeTransport{}, 2, testConfig("/dev/ttyUSB0"), time.Second, nil, nil)

	_, err := q.Enqueue([]byte("a"), false)
	require.NoError(t, err)
	_, err = q.Enqueue([]byte("b"), false)
	require.NoError(t, err)

	_, err = q.Enqueue([]byte("c"), false)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDegradedQueueFailsFastUntilReconfigure(t *testing.T) {
	transport := &fakeTransport{openErrs: []error{ErrPortUnavailable}}
	q := NewQueue(transport, 8, testConfig("/dev/missing"), time.Second, nil, nil)

	startQueue(t, q)

	p, err := q.Enqueue([]byte("lost"), true)
	require.NoError(t, err)
	require.ErrorIs(t, awaitResult(t, p).Err, ErrPortUnavailable)

	// A later reconfigure with a reachable port recovers the queue. Wait
	// for the reopen so the next command cannot race the reconfigure.
	q.Reconfigure(testConfig("/dev/ttyUSB0"))
	require.Eventually(t, func() bool {
		for _, call := range transport.calls() {
			if call == "open /dev/ttyUSB0" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	p, err = q.Enqueue([]byte("found"), true)
	require.NoError(t, err)
	r := awaitResult(t, p)
	require.NoError(t, r.Err)
	assert.Equal(t, "found", string(r.Response))
}

func TestShutdownFailsQueuedCommands(t *testing.T) {
	transport := &fakeTransport{}
	q := NewQueue(transport, 8, testConfig("/dev/ttyUSB0"), time.Second, nil, nil)

	p, err := q.Enqueue([]byte("never runs"), true)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Run(ctx))

	require.ErrorIs(t, awaitResult(t, p).Err, ErrShuttingDown)
	assert.Contains(t, transport.calls(), "close")
}
