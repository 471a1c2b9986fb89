package resources

import "time"

const DefaultEventHistory = 256

// EventKind classifies an entry in a tool's resource history.
type EventKind int

const (
	EventAllocate EventKind = iota
	EventRelease
	EventSample
	EventReset
	EventLimitExceeded
)

var eventKindNames = map[EventKind]string{
	EventAllocate:      "allocate",
	EventRelease:       "release",
	EventSample:        "sample",
	EventReset:         "reset",
	EventLimitExceeded: "limit_exceeded",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ResourceEvent is one entry of a tool's resource history.
type ResourceEvent struct {
	ToolID string
	At     time.Time
	Kind   EventKind
	Field  Field
	// Value is the measurement as given: a delta for allocations and
	// releases, a reading for samples, the usage ratio for limit breaches.
	Value float64
	// Total is the field's value once the event was applied.
	Total  float64
	Source string
}

func eventKindOf(m Measurement) EventKind {
	switch {
	case m.Kind == Absolute || m.Field == FieldExecutionTime:
		return EventSample
	case m.Value < 0:
		return EventRelease
	default:
		return EventAllocate
	}
}

// eventRing keeps the newest events up to its capacity. A zero-capacity ring
// records nothing.
type eventRing struct {
	items []ResourceEvent
	head  int
	count int
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		return &eventRing{}
	}
	return &eventRing{items: make([]ResourceEvent, capacity)}
}

func (r *eventRing) push(e ResourceEvent) {
	if len(r.items) == 0 {
		return
	}
	r.items[r.head] = e
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

func (r *eventRing) all() []ResourceEvent {
	if r.count == 0 {
		return nil
	}
	out := make([]ResourceEvent, r.count)
	start := (r.head - r.count + len(r.items)) % len(r.items)
	for i := range out {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}
