package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
)

// Publisher is the write side of the bus used by the engines.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Subscriber receives events synchronously on the publishing goroutine and
// must not block.
type Subscriber interface {
	HandleEvent(ctx context.Context, e Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, e Event)

func (f SubscriberFunc) HandleEvent(ctx context.Context, e Event) { f(ctx, e) }

// Bus fans events out to subscribers and keeps a bounded history.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]Subscriber
	chans   map[uint64]chan Event
	history *ringBuffer
	logger  *zap.Logger
}

const defaultHistorySize = 500

// NewBus creates a bus that remembers the last historySize events.
func NewBus(historySize int, logger *zap.Logger) *Bus {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Bus{
		subs:    make(map[uint64]Subscriber),
		chans:   make(map[uint64]chan Event),
		history: newRingBuffer(historySize),
		logger:  logging.OrNop(logger).Named("events"),
	}
}

// Subscribe registers s and returns a function that removes it.
func (b *Bus) Subscribe(s Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscribeChan returns a buffered channel that receives every event. When the
// channel is full new events are dropped for that subscriber. The returned
// function unsubscribes and closes the channel.
func (b *Bus) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.chans[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.chans, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish records e in the history and delivers it to every subscriber.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.history.Push(e)
	metrics.EventsPublished.WithLabelValues(string(e.Kind())).Inc()

	b.mu.RLock()
	for _, ch := range b.chans {
		select {
		case ch <- e:
		default:
			metrics.EventsDropped.WithLabelValues(string(e.Kind())).Inc()
			b.logger.Warn("subscriber channel full, dropping event", zap.String("kind", string(e.Kind())))
		}
	}
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	// Subscribers run without the lock so they may subscribe or unsubscribe.
	for _, s := range subs {
		b.deliver(ctx, s, e)
	}
}

func (b *Bus) deliver(ctx context.Context, s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("kind", string(e.Kind())),
				zap.Any("panic", r),
			)
		}
	}()
	s.HandleEvent(ctx, e)
}

// Recent returns up to limit of the newest events, oldest first. A limit of
// zero or less returns the full history.
func (b *Bus) Recent(limit int) []Event {
	all := b.history.Snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// ─── Ring buffer ───────────────────────────────────────────────────────────────

type ringBuffer struct {
	mu    sync.RWMutex
	items []Event
	head  int // index of next write position
	size  int // current fill level
	cap   int // total capacity
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		items: make([]Event, capacity),
		cap:   capacity,
	}
}

func (rb *ringBuffer) Push(ev Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.items[rb.head] = ev
	rb.head = (rb.head + 1) % rb.cap
	if rb.size < rb.cap {
		rb.size++
	}
}

// Snapshot returns all events in chronological order (oldest first).
func (rb *ringBuffer) Snapshot() []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	result := make([]Event, 0, rb.size)
	start := 0
	if rb.size == rb.cap {
		// Buffer has wrapped: oldest element is at rb.head
		start = rb.head
	}
	for i := 0; i < rb.size; i++ {
		result = append(result, rb.items[(start+i)%rb.cap])
	}
	return result
}
