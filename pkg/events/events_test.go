package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventEpisodeAdded, ID: "ep-1"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventEpisodeAdded, ev.Type)
		assert.Equal(t, "ep-1", ev.ID)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp should be stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventSkillAdded, ID: "sk-1"})

	for _, sub := range []Subscriber{s1, s2} {
		select {
		case ev := <-sub:
			assert.Equal(t, "sk-1", ev.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop() // idempotent

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventPatternAdded, ID: "p"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe() // never drained; fills and drops
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	// Stay under the per-subscriber buffer so no delivery to the fast
	// subscriber is dropped.
	const n = 40
	for i := 0; i < n; i++ {
		b.Publish(&Event{Type: EventEpisodeAdded, ID: "ep"})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < n {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}
}
