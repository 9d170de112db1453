package notify

import "log/slog"

type EventKind int

const (
	EventDeviceError EventKind = iota
	EventSessionStateChanged
	EventSubscriberDropped
	EventAdmissionRejected
)

func (k EventKind) String() string {
	switch k {
	case EventDeviceError:
		return "device error"
	case EventSessionStateChanged:
		return "session state changed"
	case EventSubscriberDropped:
		return "subscriber dropped"
	case EventAdmissionRejected:
		return "admission rejected"
	default:
		return "unknown"
	}
}

// Event is a discrete status report emitted by the core for an external
// layer to surface to users. The core itself never renders anything.
type Event struct {
	Kind EventKind

	// Source identifies the component or session the event concerns.
	Source string

	// Detail carries the human-readable description or state name.
	Detail string

	// Count is used by EventSubscriberDropped to report dropped frames.
	Count uint64

	Err error
}

// Notifier receives events from the core. Implementations must not
// block: Publish may be called from audio and serial worker loops.
type Notifier interface {
	Publish(Event)
}

// LogNotifier writes every event to slog. It is the default collaborator
// when no UI layer is attached.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Publish(e Event) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if e.Err != nil {
		logger.Warn(e.Kind.String(), "source", e.Source, "detail", e.Detail, "err", e.Err)
		return
	}
	logger.Info(e.Kind.String(), "source", e.Source, "detail", e.Detail, "count", e.Count)
}

// ChannelNotifier forwards events to a channel without ever blocking the
// publisher; events nobody is draining are discarded.
type ChannelNotifier struct {
	Events chan Event
}

func NewChannelNotifier(capacity int) *ChannelNotifier {
	return &ChannelNotifier{Events: make(chan Event, capacity)}
}

func (n *ChannelNotifier) Publish(e Event) {
	select {
	case n.Events <- e:
	default:
	}
}
