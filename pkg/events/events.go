// Package events provides the in-process broker for memory lifecycle
// events. Delivery is buffered and lossy under sustained backpressure; the
// broker is a local fan-out, not a durable queue.
package events

import (
	"sync"
	"time"
)

// EventType labels memory lifecycle events.
type EventType string

const (
	EventEpisodeAdded     EventType = "episode.added"
	EventEpisodeUpdated   EventType = "episode.updated"
	EventEpisodeDeleted   EventType = "episode.deleted"
	EventPatternAdded     EventType = "pattern.added"
	EventPatternUpdated   EventType = "pattern.updated"
	EventPatternDeleted   EventType = "pattern.deleted"
	EventSkillAdded       EventType = "skill.added"
	EventSkillUpdated     EventType = "skill.updated"
	EventSkillDeprecated  EventType = "skill.deprecated"
	EventSessionStarted   EventType = "session.started"
	EventSessionExpired   EventType = "session.expired"
	EventConsolidationRan EventType = "consolidation.completed"
)

// Event is an in-process notification about a memory record. ID carries the
// affected record's identifier; Source identifies the instance that made the
// change (empty for local changes).
type Event struct {
	Type      EventType
	ID        string
	Source    string
	Timestamp time.Time
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and fan-out within one process. Remote
// changes arriving over the shared KV bus are re-published here so local
// consumers see one unified stream.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Idempotent.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for distribution. Never blocks past broker stop.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
