// Package telemetry provides structured event logging for the composition
// runtime. Events capture significant occurrences such as remote load
// attempts, singleton slot population, boundary trips, and bus activity.
package telemetry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies the kind of runtime event.
type EventType string

const (
	// Remote loading events
	EventLoadStarted   EventType = "remote.load_started"
	EventLoadRetried   EventType = "remote.load_retried"
	EventLoadSucceeded EventType = "remote.load_succeeded"
	EventLoadFailed    EventType = "remote.load_failed"
	EventLoadReset     EventType = "remote.load_reset"
	EventProbeFailed   EventType = "remote.probe_failed"

	// Singleton registry events
	EventSlotPopulated EventType = "singleton.populated"
	EventSlotConflict  EventType = "singleton.conflict"
	EventSlotRejected  EventType = "singleton.offer_rejected"

	// Boundary events
	EventBoundaryTripped EventType = "boundary.tripped"
	EventBoundaryReset   EventType = "boundary.reset"

	// Bus events
	EventBusPublished    EventType = "bus.published"
	EventBusHandlerPanic EventType = "bus.handler_panic"

	// Context events
	EventSliceUpdated EventType = "context.slice_updated"

	// Region lifecycle events
	EventRegionMounted   EventType = "region.mounted"
	EventRegionUnmounted EventType = "region.unmounted"

	// Host lifecycle events
	EventHostStarting EventType = "host.starting"
	EventHostStarted  EventType = "host.started"
	EventHostStopping EventType = "host.stopping"
	EventHostStopped  EventType = "host.stopped"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event represents a structured runtime event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// Context fields
	Scope  string `json:"scope,omitempty"`
	Region string `json:"region,omitempty"`
	Topic  string `json:"topic,omitempty"`

	// Details
	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Attempt  int               `json:"attempt,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// String returns a human-readable representation.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether an event should be passed to a handler.
type Filter func(Event) bool

// Log is the interface for runtime event logging.
type Log interface {
	// Record stores an event and notifies subscribed handlers.
	Record(event Event)

	// Subscribe registers a handler for all events. The returned function
	// removes the subscription.
	Subscribe(handler Handler) func()

	// Recent returns the most recent n events, newest first.
	Recent(n int) []Event

	// RecentByScope returns recent events for a specific remote scope.
	RecentByScope(scope string, n int) []Event

	// RecentByType returns recent events of a specific type.
	RecentByType(eventType EventType, n int) []Event
}

// RingLog is a thread-safe circular buffer of events.
type RingLog struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingLog creates an event log holding up to size events.
func NewRingLog(size int) *RingLog {
	if size <= 0 {
		size = 1000
	}
	return &RingLog{
		events: make([]Event, size),
		size:   size,
	}
}

// Record adds an event to the buffer and notifies handlers.
func (rl *RingLog) Record(event Event) {
	rl.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}

	rl.events[rl.head] = event
	rl.head = (rl.head + 1) % rl.size
	if rl.count < rl.size {
		rl.count++
	}

	handlers := make([]handlerEntry, len(rl.handlers))
	copy(handlers, rl.handlers)
	rl.mu.Unlock()

	// Notify handlers outside the lock
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (rl *RingLog) Subscribe(handler Handler) func() {
	return rl.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rl *RingLog) SubscribeFiltered(filter Filter, handler Handler) func() {
	rl.mu.Lock()
	id := rl.nextID
	rl.nextID++
	rl.handlers = append(rl.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rl.mu.Unlock()

	return func() {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		for i, h := range rl.handlers {
			if h.id == id {
				rl.handlers = append(rl.handlers[:i], rl.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent n events in reverse chronological order.
func (rl *RingLog) Recent(n int) []Event {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if n <= 0 || rl.count == 0 {
		return nil
	}
	if n > rl.count {
		n = rl.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rl.head - 1 - i + rl.size) % rl.size
		result[i] = rl.events[idx]
	}
	return result
}

// RecentByScope returns recent events for a specific remote scope.
func (rl *RingLog) RecentByScope(scope string, n int) []Event {
	return rl.recentWhere(n, func(e Event) bool { return e.Scope == scope })
}

// RecentByType returns recent events of a specific type.
func (rl *RingLog) RecentByType(eventType EventType, n int) []Event {
	return rl.recentWhere(n, func(e Event) bool { return e.Type == eventType })
}

func (rl *RingLog) recentWhere(n int, match func(Event) bool) []Event {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if n <= 0 || rl.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rl.count && len(result) < n; i++ {
		idx := (rl.head - 1 - i + rl.size) % rl.size
		if match(rl.events[idx]) {
			result = append(result, rl.events[idx])
		}
	}
	return result
}

// Count returns the number of events currently buffered.
func (rl *RingLog) Count() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.count
}

// Clear removes all events from the buffer.
func (rl *RingLog) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.events = make([]Event, rl.size)
	rl.head = 0
	rl.count = 0
}

// generateEventID generates a unique event ID.
func generateEventID() string {
	return uuid.NewString()
}

// NoOpLog is an event log that discards all events.
type NoOpLog struct{}

func (NoOpLog) Record(Event)                        {}
func (NoOpLog) Subscribe(Handler) func()            { return func() {} }
func (NoOpLog) Recent(int) []Event                  { return nil }
func (NoOpLog) RecentByScope(string, int) []Event   { return nil }
func (NoOpLog) RecentByType(EventType, int) []Event { return nil }
