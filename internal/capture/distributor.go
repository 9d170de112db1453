package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rigbridge/rigbridge/internal/notify"
	"github.com/rigbridge/rigbridge/pkg/audiodevice"
	"github.com/rigbridge/rigbridge/pkg/frame"
)

var (
	// ErrStopped is returned by Run after a device read failure. The
	// distributor does not restart itself; call Restart once the device
	// has been re-validated.
	ErrStopped = errors.New("capture distributor stopped")

	// ErrNotStopped is returned by Restart while the read loop is live.
	ErrNotStopped = errors.New("capture distributor still running")
)

// A Subscription is one downstream consumer of captured audio.
//
// Frames arrive on a bounded queue. When the queue is full the oldest
// queued frame is dropped for this subscriber only; the capture loop and
// every other subscriber are unaffected. The channel is closed as an
// end-of-stream signal when the subscriber is removed or the device
// stops.
type Subscription struct {
	id      uuid.UUID
	frames  chan frame.PCMFrame
	dropped atomic.Uint64
}

func (s *Subscription) ID() uuid.UUID { return s.id }

// Frames is the subscriber's bounded delivery queue. Frames are shared
// by reference and must not be mutated.
func (s *Subscription) Frames() <-chan frame.PCMFrame { return s.frames }

// Dropped reports how many frames have been discarded for this
// subscriber because its queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Distributor continuously pulls frames from one input device and fans
// each frame out to every current subscriber.
//
// The blocking device read is the pacing clock of the whole pipeline: a
// single goroutine runs the read loop, and nothing a subscriber does can
// stall it.
type Distributor struct {
	logger     *slog.Logger
	notifier   notify.Notifier
	queueDepth int

	// mu guards the registry and the source/stopped state. The registry
	// has a single writer discipline: membership only changes under mu.
	mu      sync.Mutex
	subs    map[uuid.UUID]*Subscription
	source  audiodevice.Source
	running bool
	stopped bool
}

// NewDistributor wraps the given input device. queueDepth is the
// per-subscriber queue capacity in frames; with 2048-sample buffers at
// 48 kHz, a depth of 5 holds roughly 200 ms.
func NewDistributor(
	source audiodevice.Source,
	queueDepth int,
	notifier notify.Notifier,
	logger *slog.Logger,
) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	return &Distributor{
		logger:     logger.With("component", "capture distributor"),
		notifier:   notifier,
		queueDepth: queueDepth,
		subs:       make(map[uuid.UUID]*Subscription),
		source:     source,
	}
}

// Run is the capture read loop. It returns nil when ctx is canceled and
// ErrStopped after a device read failure. Either way every subscriber
// has received its end-of-stream signal by the time Run returns.
func (d *Distributor) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	d.running = true
	source := d.source
	d.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			d.stop(nil)
			return nil
		default:
		}

		f, err := source.ReadFrame()
		if err != nil {
			d.logger.Error("device read failed, stopping capture", "err", err)
			d.stop(err)
			return ErrStopped
		}
		d.broadcast(f)
	}
}

// Subscribe registers a new bounded queue and returns immediately. A
// subscription made after the distributor stopped receives an immediate
// end-of-stream.
func (d *Distributor) Subscribe() *Subscription {
	sub := &Subscription{
		id:     uuid.New(),
		frames: make(chan frame.PCMFrame, d.queueDepth),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		close(sub.frames)
		return sub
	}
	d.subs[sub.id] = sub
	d.logger.Debug("subscriber added", "subscriber", sub.id)
	return sub
}

// Unsubscribe removes the subscriber and drains its queue. Idempotent,
// safe from any goroutine, and never blocks on the read loop.
func (d *Distributor) Unsubscribe(id uuid.UUID) {
	d.mu.Lock()
	sub, ok := d.subs[id]
	if ok {
		delete(d.subs, id)
		close(sub.frames)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	for range sub.frames {
		// Drain whatever the consumer never collected.
	}
	if dropped := sub.Dropped(); dropped > 0 {
		d.notifier.Publish(notify.Event{
			Kind:   notify.EventSubscriberDropped,
			Source: sub.id.String(),
			Count:  dropped,
		})
	}
	d.logger.Debug("subscriber removed", "subscriber", id, "dropped frames", sub.Dropped())
}

// Restart installs a re-validated device after a stop. The caller is
// expected to invoke Run again afterwards. Previous subscribers have
// already seen end-of-stream and must resubscribe.
func (d *Distributor) Restart(source audiodevice.Source) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrNotStopped
	}
	d.source = source
	d.stopped = false
	d.logger.Info("capture distributor restarted")
	return nil
}

// SourceProperties reports the properties of the current input device.
func (d *Distributor) SourceProperties() audiodevice.DeviceProperties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.source.Properties()
}

func (d *Distributor) broadcast(f frame.PCMFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sub := range d.subs {
		select {
		case sub.frames <- f:
			continue
		default:
		}

		// Queue full: drop the oldest frame for this subscriber only.
		select {
		case <-sub.frames:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.frames <- f:
		default:
			// The consumer raced the drop; count the new frame instead.
			sub.dropped.Add(1)
		}
	}
}

func (d *Distributor) stop(cause error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.running = false
	subs := d.subs
	d.subs = make(map[uuid.UUID]*Subscription)
	for _, sub := range subs {
		close(sub.frames)
	}
	d.mu.Unlock()

	if cause != nil {
		d.notifier.Publish(notify.Event{
			Kind:   notify.EventDeviceError,
			Source: "capture",
			Detail: "capture device read failed",
			Err:    cause,
		})
	}
}
