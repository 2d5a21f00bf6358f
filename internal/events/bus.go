package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Topic names a per-stage event stream.
type Topic string

// Bus topics, one per pipeline stage plus stats refresh triggers and
// watchdog health alerts.
const (
	TopicAnalyzer  Topic = "analyzer"
	TopicCrfSearch Topic = "crf_search"
	TopicEncoder   Topic = "encoder"
	TopicStats     Topic = "stats"
	TopicHealth    Topic = "health"
)

// Type classifies an event within a topic.
type Type string

// Event types. Progress events are droppable under backpressure; all
// others are lifecycle events and are always delivered.
const (
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypePaused    Type = "paused"
	TypeResumed   Type = "resumed"
	TypeStalled   Type = "stalled"
	TypeKilled    Type = "killed"
)

// Event is a single bus message.
type Event struct {
	Topic     Topic     `json:"topic"`
	Type      Type      `json:"type"`
	VideoID   string    `json:"video_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsProgress reports whether the event is droppable under backpressure.
func (e Event) IsProgress() bool {
	return e.Type == TypeProgress
}

// DefaultQueueSize bounds each subscriber's pending event queue.
const DefaultQueueSize = 256

// Bus is an in-process publish/subscribe fanout with per-subscriber
// queues. A slow subscriber loses progress events oldest first but
// never loses a lifecycle event.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
	closed    bool
	logger    *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: DefaultQueueSize,
		logger:    logger.With("component", "event_bus"),
	}
}

// WithQueueSize overrides the per-subscriber queue bound.
func (b *Bus) WithQueueSize(n int) *Bus {
	if n > 0 {
		b.queueSize = n
	}
	return b
}

// Subscribe registers a subscriber for the given topics. Subscribing
// to no topics receives everything.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		id:     ulid.Make().String(),
		topics: make(map[Topic]struct{}, len(topics)),
		max:    b.queueSize,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.done)
		close(sub.out)
		return sub
	}
	b.subs[sub.id] = sub
	go sub.pump()

	b.logger.Debug("subscriber added", "subscriber_id", sub.id, "topics", topics)
	return sub
}

// Unsubscribe removes a subscriber and closes its event channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	if ok {
		sub.stop()
		b.logger.Debug("subscriber removed", "subscriber_id", sub.id)
	}
}

// Publish delivers the event to every matching subscriber. The
// timestamp is stamped here when the caller left it zero.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.wants(event.Topic) {
			if dropped := sub.enqueue(event); dropped {
				b.logger.Debug("dropped progress event for slow subscriber",
					"subscriber_id", sub.id,
					"topic", event.Topic,
				)
			}
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.stop()
		delete(b.subs, id)
	}
}

// Subscription is one subscriber's view of the bus. Events arrive on
// Events() in publish order, except that progress events may be
// dropped when the subscriber falls behind.
type Subscription struct {
	id     string
	topics map[Topic]struct{}
	max    int

	out    chan Event
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	queue   []Event
	dropped uint64

	stopOnce sync.Once
}

// ID returns the subscriber's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Events returns the receive channel. It is closed on unsubscribe or
// bus shutdown.
func (s *Subscription) Events() <-chan Event { return s.out }

// Dropped returns how many progress events were discarded for this
// subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) wants(topic Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// enqueue adds an event to the pending queue. When the queue is full,
// a progress event displaces the oldest queued progress event (or is
// itself discarded when none is queued); a lifecycle event evicts the
// oldest progress event if possible, otherwise the queue grows past
// the bound so the lifecycle event is never lost.
func (s *Subscription) enqueue(event Event) (droppedProgress bool) {
	s.mu.Lock()
	if len(s.queue) >= s.max {
		idx := s.oldestProgressLocked()
		switch {
		case event.IsProgress() && idx >= 0:
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.queue = append(s.queue, event)
			s.dropped++
			droppedProgress = true
		case event.IsProgress():
			// Queue full of lifecycle events; discard the newcomer.
			s.dropped++
			droppedProgress = true
		case idx >= 0:
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.queue = append(s.queue, event)
			s.dropped++
			droppedProgress = true
		default:
			s.queue = append(s.queue, event)
		}
	} else {
		s.queue = append(s.queue, event)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return droppedProgress
}

func (s *Subscription) oldestProgressLocked() int {
	for i, e := range s.queue {
		if e.IsProgress() {
			return i
		}
	}
	return -1
}

// pump drains the pending queue into the output channel.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
