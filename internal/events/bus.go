// Package events provides the single-process pub/sub bus with a bounded
// replay ring. Every component publishes lifecycle events here; HTTP event
// streams subscribe.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sapphirehost/sapphire/pkg/models"
)

const (
	// DefaultReplayCapacity is the size of the replay ring.
	DefaultReplayCapacity = 50

	// SubscriberQueueCapacity bounds each subscriber's event queue.
	SubscriberQueueCapacity = 100

	// KeepaliveInterval is how long a subscriber waits on an empty queue
	// before a keepalive event is synthesized.
	KeepaliveInterval = 30 * time.Second
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sapphire_events_published_total",
		Help: "Events published on the bus.",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sapphire_events_dropped_total",
		Help: "Events dropped because a subscriber queue was full.",
	})
)

// Bus is a single-process pub/sub bus. Publish never blocks: events for
// subscribers with full queues are dropped with a logged warning.
type Bus struct {
	mu          sync.Mutex
	ring        []models.Event
	ringCap     int
	subscribers map[*Subscriber]struct{}
	logger      *slog.Logger
}

// Option configures the bus.
type Option func(*Bus)

// WithLogger configures the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithReplayCapacity overrides the replay ring capacity.
func WithReplayCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ringCap = n
		}
	}
}

// NewBus creates an event bus with an empty replay ring.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		ringCap:     DefaultReplayCapacity,
		subscribers: make(map[*Subscriber]struct{}),
		logger:      slog.Default().With("component", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends an event to the replay ring and enqueues it on every live
// subscriber without blocking.
func (b *Bus) Publish(kind models.EventKind, data map[string]any) {
	event := models.NewEvent(kind, data)
	publishedTotal.Inc()

	b.mu.Lock()
	b.ring = append(b.ring, event)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
	var reap []*Subscriber
	for sub := range b.subscribers {
		if sub.isClosed() {
			reap = append(reap, sub)
			continue
		}
		select {
		case sub.queue <- event:
		default:
			droppedTotal.Inc()
			b.logger.Warn("subscriber queue full, dropping event", "kind", kind)
		}
	}
	for _, sub := range reap {
		delete(b.subscribers, sub)
	}
	b.mu.Unlock()
}

// Subscribe registers a new subscriber. When replay is set, a snapshot of the
// current replay ring is drained into the queue before live delivery begins.
func (b *Bus) Subscribe(replay bool) *Subscriber {
	sub := &Subscriber{
		bus:   b,
		queue: make(chan models.Event, SubscriberQueueCapacity),
	}

	b.mu.Lock()
	if replay {
		for _, event := range b.ring {
			select {
			case sub.queue <- event:
			default:
			}
		}
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Subscriber is one bounded point-to-point event queue. It is destroyed on
// Close; the producer side never terminates the stream.
type Subscriber struct {
	bus    *Bus
	queue  chan models.Event
	mu     sync.Mutex
	closed bool
}

// Next returns the next event, blocking up to KeepaliveInterval. On an idle
// queue it returns a synthesized keepalive event so the consumer's connection
// stays warm. It returns ctx.Err() only when the context is done.
func (s *Subscriber) Next(ctx context.Context) (models.Event, error) {
	timer := time.NewTimer(KeepaliveInterval)
	defer timer.Stop()

	select {
	case event := <-s.queue:
		return event, nil
	case <-timer.C:
		return models.NewEvent(models.EventKeepalive, nil), nil
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	}
}

// Close detaches the subscriber from the bus. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subscribers, s)
	s.bus.mu.Unlock()
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
