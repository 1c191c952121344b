package events

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSpecificSubscribers(t *testing.T) {
	t.Parallel()

	bus := New()
	var stateEvents, promptEvents []Event
	bus.Subscribe(EventTypeStateTransition, func(event Event) {
		stateEvents = append(stateEvents, event)
	})
	bus.Subscribe(EventTypePromptDetected, func(event Event) {
		promptEvents = append(promptEvents, event)
	})

	bus.Publish(Event{
		Type:       EventTypeStateTransition,
		EntityType: EntitySession,
		EntityID:   "s-1",
		Severity:   SeverityInfo,
	})
	bus.Close()

	require.Len(t, stateEvents, 1)
	assert.Equal(t, EventTypeStateTransition, stateEvents[0].Type)
	assert.Empty(t, promptEvents)
}

func TestSubscribeAllReceivesEveryEventInOrder(t *testing.T) {
	t.Parallel()

	bus := New()
	var got []string
	bus.SubscribeAll(func(event Event) {
		got = append(got, event.Type)
	})

	bus.Publish(Event{
		Type:     EventTypeChildStarted,
		EntityID: "s-1",
		Payload:  ChildStartedPayload{PID: 42, Path: "/opt/sdk/bin/gcloud", Reader: "queue"},
	})
	bus.Publish(Event{Type: EventTypeURLSurfaced, EntityID: "s-1"})
	bus.Publish(Event{Type: EventTypeChildExited, EntityID: "s-1"})
	bus.Close()

	assert.Equal(t, []string{EventTypeChildStarted, EventTypeURLSurfaced, EventTypeChildExited}, got)
}

func TestSlowSubscriberNeitherBlocksPublishNorLosesEvents(t *testing.T) {
	t.Parallel()

	bus := New()
	unblock := make(chan struct{})
	var handled atomic.Int64
	bus.Subscribe(EventTypeReadError, func(Event) {
		<-unblock
		handled.Add(1)
	})

	start := time.Now()
	for i := 0; i < 500; i++ {
		bus.Publish(Event{Type: EventTypeReadError, Payload: ReadErrorPayload{Consecutive: i}})
	}
	assert.Less(t, time.Since(start), time.Second, "publish should not wait for handlers")

	close(unblock)
	bus.Close()
	assert.Equal(t, int64(500), handled.Load())
}

func TestCloseFlushesLastEventBeforeReturning(t *testing.T) {
	t.Parallel()

	bus := New()
	var last atomic.Value
	bus.Subscribe(EventTypeChildExited, func(event Event) {
		time.Sleep(20 * time.Millisecond)
		last.Store(event.Payload)
	})

	bus.Publish(Event{Type: EventTypeChildExited, Payload: ExitPayload{Code: 4}})
	bus.Close()

	assert.Equal(t, ExitPayload{Code: 4}, last.Load())
}

func TestPublishAfterCloseIsReported(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	bus := New(WithLogger(log.New(&logs)))
	var calls atomic.Int64
	bus.SubscribeAll(func(Event) { calls.Add(1) })

	bus.Close()
	bus.Close()
	bus.Publish(Event{Type: EventTypeHealthCheck, EntityID: "hc-1"})
	bus.SubscribeAll(func(Event) { calls.Add(1) })

	assert.Zero(t, calls.Load())
	assert.Contains(t, logs.String(), "event published after bus closed")
}

func TestPublishPopulatesTimestampAndPreservesMetadata(t *testing.T) {
	t.Parallel()

	bus := New()
	var got Event
	bus.Subscribe(EventTypeHealthCheck, func(event Event) {
		got = event
	})
	bus.Publish(Event{
		Type:       " " + EventTypeHealthCheck + " ",
		EntityType: "health",
		EntityID:   "hc-1",
		Payload:    ExitPayload{Code: 0},
		Severity:   SeverityInfo,
	})
	bus.Close()

	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, EventTypeHealthCheck, got.Type)
	assert.Equal(t, "health", got.EntityType)
	assert.Equal(t, "hc-1", got.EntityID)
	assert.Equal(t, SeverityInfo, got.Severity)
	assert.Equal(t, ExitPayload{Code: 0}, got.Payload)
}

func TestBusSupportsConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New()
	const publisherCount = 20
	const eventsPerPublisher = 100

	var received atomic.Int64
	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < publisherCount; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(Event{
					Type:     EventTypeReadError,
					EntityID: "s-concurrent",
					Payload:  ReadErrorPayload{Consecutive: j, Error: fmt.Sprintf("publisher %d", i)},
				})
			}
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTypeReadError, func(Event) {})
		}()
	}

	wg.Wait()
	bus.Close()
	assert.Equal(t, int64(publisherCount*eventsPerPublisher), received.Load())
}
