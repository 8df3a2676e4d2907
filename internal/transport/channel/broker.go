// Package channel fans live status events out to every connected observer.
//
// Each subscriber owns a bounded queue. When a queue is full the oldest
// queued event is dropped to make room, so Publish never waits on a consumer
// and a stalled observer cannot delay delivery to the others.
package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

const DefaultQueueSize = 64

// MetricsSink records broker metrics. Methods must not block.
type MetricsSink interface {
	LogEventPublished()
	LogEventDropped()
	SubscribersUpdate(count int)
}

type Option func(*Broker)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithMetrics(sink MetricsSink) Option {
	return func(b *Broker) { b.metrics = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

type subscriber struct {
	id   string
	ch   chan domain.LogEvent
	stop chan struct{}
}

// Broker is an in-process publish/subscribe registry keyed by connection id.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	closed      bool

	queueSize int
	metrics   MetricsSink // optional, nil = disabled
	logger    *slog.Logger
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subscribers: make(map[string]*subscriber),
		queueSize:   DefaultQueueSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("component", "logstream"))
	return b
}

// Publish enqueues event for every current subscriber.
func (b *Broker) Publish(event domain.LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.metrics != nil {
		b.metrics.LogEventPublished()
	}

	for _, sub := range b.subscribers {
		if b.enqueue(sub, event) {
			continue
		}
		b.logger.Debug("subscriber queue full, dropped oldest event",
			slog.String("connection_id", sub.id))
		if b.metrics != nil {
			b.metrics.LogEventDropped()
		}
	}
}

// enqueue reports false when an older event had to be evicted.
// Must be called with b.mu held.
func (b *Broker) enqueue(sub *subscriber, event domain.LogEvent) bool {
	select {
	case sub.ch <- event:
		return true
	default:
	}

	// Full: evict the oldest. The consumer may have drained in the meantime,
	// in which case there is nothing to evict and the send below succeeds.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- event:
	default:
	}
	return false
}

// Subscribe registers connectionID and returns its event stream. The stream
// is closed and the registration removed when ctx is done or Unsubscribe is
// called. A connection id that is already registered yields a Conflict error.
func (b *Broker) Subscribe(ctx context.Context, connectionID string) (<-chan domain.LogEvent, error) {
	if connectionID == "" {
		return nil, apperr.Validation("logstream.Subscribe", "connection id is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperr.Conflict("logstream.Subscribe", "broker is closed")
	}
	if _, exists := b.subscribers[connectionID]; exists {
		b.mu.Unlock()
		return nil, apperr.Conflict("logstream.Subscribe", "connection %q is already subscribed", connectionID)
	}
	sub := &subscriber{
		id:   connectionID,
		ch:   make(chan domain.LogEvent, b.queueSize),
		stop: make(chan struct{}),
	}
	b.subscribers[connectionID] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscribersUpdate(count)
	}
	b.logger.Debug("subscriber connected", slog.String("connection_id", connectionID))

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub)
		case <-sub.stop:
		}
	}()

	return sub.ch, nil
}

// Unsubscribe removes connectionID if present.
func (b *Broker) Unsubscribe(connectionID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[connectionID]
	b.mu.Unlock()
	if ok {
		b.remove(sub)
	}
}

// remove deletes sub only if it is still the registered subscriber for its id,
// so a late cancellation never evicts a newer subscription that reused the id.
func (b *Broker) remove(sub *subscriber) {
	b.mu.Lock()
	current, ok := b.subscribers[sub.id]
	if !ok || current != sub {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.ch)
	close(sub.stop)
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscribersUpdate(count)
	}
	b.logger.Debug("subscriber disconnected", slog.String("connection_id", sub.id))
}

func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone. Later publishes are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.remove(sub)
	}
}
