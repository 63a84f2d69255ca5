// Package bus is the in-process event fan-out: topic-keyed pub/sub with
// bounded per-subscriber buffers. A slow subscriber loses its oldest
// events, never blocks a publisher.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic groups related event types for subscription filtering.
type Topic string

const (
	TopicExecutions Topic = "executions"
	TopicFills      Topic = "fills"
	TopicPositions  Topic = "positions"
	TopicAccounts   Topic = "accounts"
	TopicStrategies Topic = "strategies"
	TopicViolations Topic = "violations"
	TopicSystem     Topic = "system"
)

// Event type names carried on the wire.
const (
	EventOrderAccepted   = "order_accepted"
	EventExecution       = "execution"
	EventFill            = "fill"
	EventPositionUpdated = "position_updated"
	EventAccountUpdated  = "account_updated"
	EventStrategyMode    = "strategy_mode_changed"
	EventViolation       = "violation"
	EventFlattenRequest  = "flatten_requested"
	EventSystem          = "system"
)

// Event is one published message. AlertID ties post-accept processing
// results back to the webhook that caused them.
type Event struct {
	Topic   Topic     `json:"topic"`
	Type    string    `json:"type"`
	AlertID string    `json:"alert_id,omitempty"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data"`
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscriber
	nextID  int
	dropped atomic.Uint64
}

// Subscriber receives matching events on C(). Close it when done or the
// bus keeps delivering into its buffer.
type Subscriber struct {
	id      int
	topics  map[Topic]bool // empty matches every topic
	ch      chan Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscriber)}
}

// Subscribe registers a receiver with the given buffer size. No topics
// means all topics.
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscriber{
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Event, buffer),
		bus:    b,
	}
	for _, t := range topics {
		s.topics[t] = true
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Publish delivers the event to every matching subscriber. When a buffer
// is full the oldest buffered event is discarded to make room.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if len(s.topics) > 0 && !s.topics[ev.Topic] {
			continue
		}
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// full: drop oldest, then retry once
		select {
		case <-s.ch:
			s.dropped.Add(1)
			b.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Dropped is the total number of events discarded across all subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers is the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// C is the receive channel.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Dropped counts events this subscriber lost to a full buffer.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscriber. The channel is not closed so late
// receives drain normally; it simply stops filling.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}
