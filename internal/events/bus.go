// Package events carries login session events from the supervisor to
// in-process consumers such as the run journal.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// EventTypeStateTransition identifies login session state transitions.
	EventTypeStateTransition = "StateTransition"
	// EventTypeChildStarted identifies a launched child process.
	EventTypeChildStarted = "ChildStarted"
	// EventTypeURLSurfaced identifies an auth URL shown to the operator.
	EventTypeURLSurfaced = "URLSurfaced"
	// EventTypePromptDetected identifies a detected input prompt.
	EventTypePromptDetected = "PromptDetected"
	// EventTypeResponseInjected identifies a response written to the child.
	EventTypeResponseInjected = "ResponseInjected"
	// EventTypeReadError identifies a failed read of child output.
	EventTypeReadError = "ReadError"
	// EventTypeChildExited identifies child exit.
	EventTypeChildExited = "ChildExited"
	// EventTypeHealthCheck identifies preflight health check events.
	EventTypeHealthCheck = "HealthCheck"
	// EventTypeSystemAlert identifies failures the operator must see.
	EventTypeSystemAlert = "SystemAlert"
)

const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is one message published on the bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a published event.
type Handler func(Event)

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithLogger sets where publishes after Close are reported.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus delivers events to each subscriber in publish order on the
// subscriber's own goroutine. Publish never blocks on a slow handler and
// never drops an event; Close waits until every queued event is handled.
type InMemoryBus struct {
	mu     sync.RWMutex
	logger *log.Logger
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	eventType string
	handler   Handler

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
}

// New creates an in-memory event bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{logger: log.Default()}
	for _, option := range options {
		if option != nil {
			option(bus)
		}
	}
	return bus
}

// Subscribe registers a handler for one event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return
	}
	b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	b.add("", handler)
}

func (b *InMemoryBus) add(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	sub := &subscriber{
		eventType: eventType,
		handler:   handler,
		wake:      make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run()
	}()
}

// Publish queues event for every matching subscriber.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Type = strings.TrimSpace(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.With("type", event.Type, "entity_id", event.EntityID).Warn("event published after bus closed")
		return
	}
	for _, sub := range b.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			sub.push(event)
		}
	}
}

// Close stops accepting events and returns once every subscriber has
// handled what was already published. It is safe to call more than once.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, sub := range b.subs {
			sub.close()
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (s *subscriber) push(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			pending := s.queue
			s.queue = nil
			closed := s.closed
			s.mu.Unlock()

			for _, event := range pending {
				s.handler(event)
			}
			if len(pending) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}
