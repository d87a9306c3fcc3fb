package events

import (
	"strings"
	"sync"
	"time"
)

const (
	// EventTypeServerStarted identifies debug-server subprocess startup.
	EventTypeServerStarted = "ServerStarted"
	// EventTypeServerStopped identifies debug-server subprocess shutdown.
	EventTypeServerStopped = "ServerStopped"
	// EventTypeSessionConnected identifies console session establishment.
	EventTypeSessionConnected = "SessionConnected"
	// EventTypeSessionDisconnected identifies console session teardown.
	EventTypeSessionDisconnected = "SessionDisconnected"
	// EventTypeCommandSent identifies one console command submission.
	EventTypeCommandSent = "CommandSent"
	// EventTypeCommandRetry identifies a retry attempt after a failed response.
	EventTypeCommandRetry = "CommandRetry"
	// EventTypeCommandFailed identifies a command that exhausted all attempts.
	EventTypeCommandFailed = "CommandFailed"
	// EventTypeTargetHalted identifies a corrective halt issued before a
	// destructive operation.
	EventTypeTargetHalted = "TargetHalted"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type      string
	Timestamp time.Time
	Command   string
	Detail    string
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// InMemoryBus is a thread-safe in-process pub/sub bus. Delivery is
// synchronous: the console protocol is strictly request/response, and
// subscribers (display, logging) must observe events in dispatch order.
type InMemoryBus struct {
	mu           sync.RWMutex
	typedSubs    map[string][]Handler
	wildcardSubs []Handler
}

// New creates an in-memory event bus.
func New() *InMemoryBus {
	return &InMemoryBus{
		typedSubs:    make(map[string][]Handler),
		wildcardSubs: make([]Handler, 0),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}

	b.mu.Lock()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], handler)
	b.mu.Unlock()
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}

	b.mu.Lock()
	b.wildcardSubs = append(b.wildcardSubs, handler)
	b.mu.Unlock()
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, handler := range typed {
		handler(event)
	}
	for _, handler := range wildcard {
		handler(event)
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]Handler, []Handler) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := make([]Handler, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]Handler, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard
}

var _ Bus = (*InMemoryBus)(nil)
