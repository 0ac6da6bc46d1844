// Package pubsub is the in-process fan-out bus between the gateway's
// producers and consumers. Each topic keeps one bounded buffer per
// subscriber; a slow subscriber only ever loses its own messages.
package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"talos/internal/check"
	"talos/internal/metrics"
)

// Overflow selects what Publish does when a subscriber buffer is full.
type Overflow int

const (
	// DropOldest evicts the oldest buffered message to make room.
	DropOldest Overflow = iota
	// DropNewest discards the message being published.
	DropNewest
	// BlockProducer blocks Publish until the subscriber drains.
	BlockProducer
)

func (o Overflow) String() string {
	switch o {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case BlockProducer:
		return "block_producer"
	default:
		return "unknown"
	}
}

const (
	defaultCapacity      = 128
	defaultMetricsWindow = 30 * time.Second
)

// Policy is the per-topic buffer configuration.
type Policy struct {
	Capacity      int
	OnOverflow    Overflow
	MetricsWindow time.Duration
}

func (p Policy) normalized() Policy {
	if p.Capacity <= 0 {
		p.Capacity = defaultCapacity
	}
	if p.MetricsWindow <= 0 {
		p.MetricsWindow = defaultMetricsWindow
	}
	return p
}

// Subscription is one consumer's view of a topic. C yields messages in
// publish order until Close (or bus shutdown) closes it. Exactly one
// goroutine may receive from C.
type Subscription struct {
	C     <-chan any
	close func()
	once  sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

type subscriber struct {
	ch chan any
}

type topic struct {
	name   string
	policy Policy

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64

	published uint64
	dropped   uint64

	// sampled by the metrics loop
	lastDropped time.Time
	sampledDrop uint64
}

// Bus is the topic registry. The zero value is not usable; call New.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
	done   chan struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		done:   make(chan struct{}),
	}
}

// SetTopicPolicy configures the buffer policy for a topic. It applies to
// subscriptions created afterwards; existing buffers keep their capacity.
func (b *Bus) SetTopicPolicy(name string, p Policy) {
	t := b.topic(name)
	t.mu.Lock()
	t.policy = p.normalized()
	t.mu.Unlock()
}

func (b *Bus) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			name:   name,
			policy: Policy{}.normalized(),
			subs:   make(map[uint64]*subscriber),
		}
		b.topics[name] = t
	}
	return t
}

// Publish enqueues msg for every active subscriber of the topic. It never
// fails; overflow is handled by the topic policy and reported via metrics.
func (b *Bus) Publish(name string, msg any) {
	check.Assert(msg != nil, "pubsub.Publish: nil message")
	t := b.topic(name)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.published++
	metrics.PubSubPublished.WithLabelValues(name).Inc()
	for _, sub := range t.subs {
		switch t.policy.OnOverflow {
		case DropNewest:
			select {
			case sub.ch <- msg:
			default:
				t.drop()
			}
		case DropOldest:
			select {
			case sub.ch <- msg:
			default:
				// Evict one, then retry once. The retry can still lose the
				// race against a concurrent receive filling the slot back up,
				// in which case the new message is counted dropped.
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- msg:
				default:
					t.drop()
				}
			}
		case BlockProducer:
			select {
			case sub.ch <- msg:
			case <-b.done:
				return
			}
		}
	}
}

// must be called with t.mu held
func (t *topic) drop() {
	t.dropped++
	metrics.PubSubDropped.WithLabelValues(t.name).Inc()
}

// Subscribe attaches a new consumer to the topic and returns its stream.
func (b *Bus) Subscribe(name string) *Subscription {
	t := b.topic(name)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	sub := &subscriber{ch: make(chan any, t.policy.Capacity)}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		t.subs[id] = sub
	}
	t.mu.Unlock()

	if closed {
		close(sub.ch)
		return &Subscription{C: sub.ch, close: func() {}}
	}

	return &Subscription{
		C: sub.ch,
		close: func() {
			t.mu.Lock()
			if s, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(s.ch)
			}
			t.mu.Unlock()
		},
	}
}

// Close shuts the bus down: all subscription streams are closed and
// further publishes are dropped on the floor.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			close(sub.ch)
		}
		t.mu.Unlock()
	}
}

// TopicStats is a point-in-time counter snapshot for one topic.
type TopicStats struct {
	Published uint64
	Dropped   uint64
}

// Stats returns per-topic counters.
func (b *Bus) Stats() map[string]TopicStats {
	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	out := make(map[string]TopicStats, len(topics))
	for _, t := range topics {
		t.mu.Lock()
		out[t.name] = TopicStats{Published: t.published, Dropped: t.dropped}
		t.mu.Unlock()
	}
	return out
}

// RunDropMetrics samples per-topic drop counters on each topic's metrics
// window and logs non-zero deltas. Operator visibility only.
func (b *Bus) RunDropMetrics(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			topics := make([]*topic, 0, len(b.topics))
			for _, t := range b.topics {
				topics = append(topics, t)
			}
			b.mu.Unlock()

			for _, t := range topics {
				t.mu.Lock()
				window := t.policy.MetricsWindow
				if t.lastDropped.IsZero() {
					t.lastDropped = now
					t.sampledDrop = t.dropped
				} else if now.Sub(t.lastDropped) >= window {
					delta := t.dropped - t.sampledDrop
					t.lastDropped = now
					t.sampledDrop = t.dropped
					if delta > 0 {
						slog.Warn("pubsub messages dropped",
							"topic", t.name, "dropped", delta, "window", window)
					}
				}
				t.mu.Unlock()
			}
		}
	}
}
