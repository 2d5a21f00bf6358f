package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(TopicEncoder)
	bus.Publish(Event{Topic: TopicEncoder, Type: TypeStarted, VideoID: "v1"})

	got := collect(t, sub, 1)
	assert.Equal(t, TypeStarted, got[0].Type)
	assert.Equal(t, "v1", got[0].VideoID)
	assert.False(t, got[0].Timestamp.IsZero(), "timestamp stamped on publish")
}

func TestBus_TopicFiltering(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	encoderSub := bus.Subscribe(TopicEncoder)
	allSub := bus.Subscribe()

	bus.Publish(Event{Topic: TopicAnalyzer, Type: TypeCompleted})
	bus.Publish(Event{Topic: TopicEncoder, Type: TypeCompleted})

	got := collect(t, encoderSub, 1)
	assert.Equal(t, TopicEncoder, got[0].Topic)

	all := collect(t, allSub, 2)
	assert.Equal(t, TopicAnalyzer, all[0].Topic)
	assert.Equal(t, TopicEncoder, all[1].Topic)

	select {
	case e := <-encoderSub.Events():
		t.Fatalf("unexpected extra event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_DropsOldestProgressWhenFull(t *testing.T) {
	bus := NewBus(nil).WithQueueSize(3)
	defer bus.Close()

	sub := bus.Subscribe(TopicCrfSearch)
	// Hold the pump on the first event so the queue backs up behind it.
	bus.Publish(Event{Topic: TopicCrfSearch, Type: TypeStarted})
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Topic: TopicCrfSearch, Type: TypeProgress, Payload: i})
	}
	bus.Publish(Event{Topic: TopicCrfSearch, Type: TypeCompleted})

	// started + 2 surviving progress (newest) + completed.
	got := collect(t, sub, 4)
	assert.Equal(t, TypeStarted, got[0].Type)
	assert.Equal(t, TypeProgress, got[1].Type)
	assert.Equal(t, 8, got[1].Payload, "oldest progress dropped first")
	assert.Equal(t, TypeProgress, got[2].Type)
	assert.Equal(t, 9, got[2].Payload)
	assert.Equal(t, TypeCompleted, got[3].Type)
	assert.Positive(t, sub.Dropped())
}

func TestBus_LifecycleNeverLost(t *testing.T) {
	bus := NewBus(nil).WithQueueSize(2)
	defer bus.Close()

	sub := bus.Subscribe(TopicEncoder)
	time.Sleep(10 * time.Millisecond)

	// Fill the queue with lifecycle events, then publish more lifecycle
	// events than the bound; all of them must arrive.
	for i := 0; i < 6; i++ {
		bus.Publish(Event{Topic: TopicEncoder, Type: TypeCompleted, Payload: i})
	}

	got := collect(t, sub, 6)
	for i, e := range got {
		assert.Equal(t, TypeCompleted, e.Type)
		assert.Equal(t, i, e.Payload, "lifecycle events keep publish order")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(TopicAnalyzer)
	bus.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel closed on unsubscribe")

	// Publishing after unsubscribe must not panic or block.
	bus.Publish(Event{Topic: TopicAnalyzer, Type: TypeProgress})
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(TopicStats)

	bus.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Idempotent close and post-close operations are no-ops.
	bus.Close()
	bus.Publish(Event{Topic: TopicStats, Type: TypeProgress})
	late := bus.Subscribe(TopicStats)
	_, ok = <-late.Events()
	assert.False(t, ok)
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	bus := NewBus(nil).WithQueueSize(1024)
	defer bus.Close()

	sub := bus.Subscribe(TopicAnalyzer)

	const publishers = 4
	const perPublisher = 50
	for p := 0; p < publishers; p++ {
		go func(p int) {
			for i := 0; i < perPublisher; i++ {
				bus.Publish(Event{
					Topic:   TopicAnalyzer,
					Type:    TypeCompleted,
					VideoID: fmt.Sprintf("%d-%d", p, i),
				})
			}
		}(p)
	}

	got := collect(t, sub, publishers*perPublisher)
	seen := make(map[string]bool, len(got))
	for _, e := range got {
		require.False(t, seen[e.VideoID], "duplicate event %s", e.VideoID)
		seen[e.VideoID] = true
	}
}
