package tunnel

import "sync"

// EventKind identifies an event emitted by the manager.
type EventKind string

// Event kinds consumed by the dashboard layer.
const (
	EventStarted           EventKind = "tunnel:started"
	EventStopped           EventKind = "tunnel:stopped"
	EventRetry             EventKind = "tunnel:retry"
	EventHealth            EventKind = "tunnel:health"
	EventRecoveryStart     EventKind = "tunnel:recovery:start"
	EventRecoverySuccess   EventKind = "tunnel:recovery:success"
	EventRecoveryFailed    EventKind = "tunnel:recovery:failed"
	EventRecoveryExhausted EventKind = "tunnel:recovery:exhausted"
	EventVisitorNew        EventKind = "tunnel:visitor:new"
	EventMetricsUpdated    EventKind = "tunnel:metrics:updated"
)

// Event is the single payload shape published on the bus. Fields are set
// according to Kind; unset fields are zero.
type Event struct {
	Kind    EventKind
	Info    *Info
	Health  *HealthReport
	Stats   *Stats
	Attempt int
	Err     string
	Visitor string
}

// Bus is a minimal typed publish/subscribe fan-out. Handlers are invoked
// synchronously in subscription order and must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers []func(Event)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

// Publish delivers the event to every subscribed handler.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]func(Event), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}
