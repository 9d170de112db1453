package serialcmd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rigbridge/rigbridge/internal/notify"
	"github.com/rigbridge/rigbridge/internal/settings"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is saturated,
	// which happens when the device hangs and callers keep submitting.
	ErrQueueFull = errors.New("serial command queue full")

	// ErrShuttingDown fails commands still queued when the worker stops.
	ErrShuttingDown = errors.New("serial command queue shutting down")
)

// A Command is one request unit: written to the line exactly once, in
// submission order, by the queue's single worker.
type Command struct {
	Payload         []byte
	ExpectsResponse bool

	result chan Result
}

// Result is delivered exactly once per command: a response or an error,
// never both.
type Result struct {
	Response []byte
	Err      error
}

// Pending is the caller's handle on a queued command.
type Pending struct {
	result chan Result
}

// Result delivers the command's outcome. The channel yields exactly one
// value.
func (p *Pending) Result() <-chan Result { return p.result }

// Queue serializes concurrent command submissions against one serial
// transport. A single worker executes commands strictly in FIFO order
// with at most one command in flight; reconfiguration reopens the line
// without dropping or reordering anything already queued.
type Queue struct {
	logger   *slog.Logger
	notifier notify.Notifier

	transport       Transport
	responseTimeout time.Duration

	cmds     chan *Command
	reconfig chan settings.DeviceConfig

	// Worker-local state, touched only from Run.
	cfg        settings.DeviceConfig
	degraded   bool
	needReopen bool
}

// NewQueue builds a queue over transport with the given submission
// capacity. initialCfg is applied when the worker starts; a failed
// initial open leaves the queue degraded (commands fail fast) until a
// later Reconfigure succeeds, so the daemon can start without the radio
// attached.
func NewQueue(
	transport Transport,
	capacity int,
	initialCfg settings.DeviceConfig,
	responseTimeout time.Duration,
	notifier notify.Notifier,
	logger *slog.Logger,
) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	return &Queue{
		logger:          logger.With("component", "serial command queue"),
		notifier:        notifier,
		transport:       transport,
		responseTimeout: responseTimeout,
		cmds:            make(chan *Command, capacity),
		reconfig:        make(chan settings.DeviceConfig, 1),
		cfg:             initialCfg,
	}
}

// Enqueue appends a command to the tail. It never blocks: a saturated
// queue rejects with ErrQueueFull.
func (q *Queue) Enqueue(payload []byte, expectsResponse bool) (*Pending, error) {
	cmd := &Command{
		Payload:         append([]byte(nil), payload...),
		ExpectsResponse: expectsResponse,
		result:          make(chan Result, 1),
	}
	select {
	case q.cmds <- cmd:
		return &Pending{result: cmd.result}, nil
	default:
		return nil, ErrQueueFull
	}
}

// Reconfigure asks the worker to close the line, reopen it with cfg and
// resume draining. The reopen takes effect at the queue position where
// the call was made: commands already queued before it are preserved and
// executed afterwards on the reopened line. An in-flight command is not
// interrupted, but its wait is bounded by the response timeout, so the
// reconfigure is picked up within that bound.
//
// A second Reconfigure before the first is consumed supersedes it.
func (q *Queue) Reconfigure(cfg settings.DeviceConfig) {
	for {
		select {
		case q.reconfig <- cfg:
			return
		default:
			select {
			case <-q.reconfig:
			default:
			}
		}
	}
}

// Run is the worker loop. It returns when ctx is canceled, after
// failing any still-queued commands with ErrShuttingDown and closing
// the transport.
func (q *Queue) Run(ctx context.Context) error {
	q.applyConfig(q.cfg)

	for {
		// Shutdown and reconfiguration take priority over the next
		// command, so a reconfigure lands at the queue position where
		// it was requested.
		select {
		case <-ctx.Done():
			q.shutdown()
			return nil
		default:
		}
		select {
		case cfg := <-q.reconfig:
			q.applyConfig(cfg)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			q.shutdown()
			return nil
		case cfg := <-q.reconfig:
			q.applyConfig(cfg)
		case cmd := <-q.cmds:
			q.execute(cmd)
		}
	}
}

func (q *Queue) applyConfig(cfg settings.DeviceConfig) {
	q.cfg = cfg
	q.needReopen = false

	q.transport.Close()
	if err := q.transport.Open(cfg); err != nil {
		q.logger.Warn("serial open failed, queue degraded", "err", err)
		q.notifier.Publish(notify.Event{
			Kind:   notify.EventDeviceError,
			Source: "serial",
			Detail: "serial port open failed",
			Err:    err,
		})
		q.degraded = true
		return
	}
	q.degraded = false
	q.logger.Info("serial transport configured", "port", cfg.SerialPort)
}

func (q *Queue) execute(cmd *Command) {
	if q.degraded {
		// Fail fast until the next successful reopen.
		cmd.result <- Result{Err: ErrPortUnavailable}
		return
	}

	if q.needReopen {
		// The previous command timed out; the line may hold half a
		// response. Reopen before trusting it again.
		q.logger.Warn("reopening serial line after timeout")
		q.applyConfig(q.cfg)
		if q.degraded {
			cmd.result <- Result{Err: ErrPortUnavailable}
			return
		}
	}

	response, err := q.transport.Exchange(cmd.Payload, cmd.ExpectsResponse, q.responseTimeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			q.needReopen = true
		}
		q.logger.Warn("serial command failed", "err", err)
		cmd.result <- Result{Err: err}
		return
	}
	cmd.result <- Result{Response: response}
}

func (q *Queue) shutdown() {
	q.transport.Close()
	for {
		select {
		case cmd := <-q.cmds:
			cmd.result <- Result{Err: ErrShuttingDown}
		default:
			return
		}
	}
}
