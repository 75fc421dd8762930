// Package hub fans committed events out to live subscribers. Each
// subscriber owns a bounded queue; when it fills, the oldest queued event
// is discarded so Publish never waits on a slow reader.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/ids"
	"crabstack.local/projects/crab-observer/internal/store"
)

var ErrClosed = errors.New("subscription closed")

const DefaultQueueSize = 256

type Hub struct {
	logger    *slog.Logger
	queueSize int

	mu     sync.RWMutex
	closed bool
	subs   map[string]*Subscription
}

func New(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		subs:      make(map[string]*Subscription),
	}
}

func (h *Hub) Subscribe(filter store.Filter) (*Subscription, error) {
	return h.SubscribeWithQueue(filter, h.queueSize)
}

// SubscribeWithQueue overrides the queue capacity for one subscriber.
func (h *Hub) SubscribeWithQueue(filter store.Filter, queueSize int) (*Subscription, error) {
	if queueSize <= 0 {
		queueSize = h.queueSize
	}
	sub := &Subscription{
		id:     ids.New(),
		filter: filter,
		buf:    make([]event.Event, queueSize),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.subs[sub.id] = sub
	h.logger.Debug("subscriber attached", "subscriber", sub.id, "queue_size", queueSize)
	return sub, nil
}

// Unsubscribe detaches sub and discards anything still queued for it.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.subs[sub.id]
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.close(false)
	if ok {
		h.logger.Debug("subscriber detached", "subscriber", sub.id, "dropped", sub.Dropped())
	}
}

// Publish enqueues ev on every matching subscription. It never blocks on a
// subscriber and is safe to call from the store's commit observer.
// Subscribers share ev and must not mutate it.
func (h *Hub) Publish(ev event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter.Matches(ev) {
			sub.enqueue(ev)
		}
	}
}

// Close stops accepting subscribers and closes every stream. Events already
// queued are still delivered before Next reports ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(true)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped sums the overrun counters of attached subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var total uint64
	for _, sub := range h.subs {
		total += sub.Dropped()
	}
	return total
}

// Delivery is one dequeued event. DroppedSinceLast counts events discarded
// for this subscriber since the previous delivery; Dropped is the running
// total.
type Delivery struct {
	Event            event.Event
	Dropped          uint64
	DroppedSinceLast uint64
}

type Subscription struct {
	id     string
	filter store.Filter
	notify chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	buf       []event.Event
	head      int
	count     int
	dropped   uint64
	pending   uint64
	closed    bool
	closeOnce sync.Once
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Filter() store.Filter {
	return s.filter
}

// Done is closed once the subscription stops receiving events.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) enqueue(ev event.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	capacity := len(s.buf)
	if s.count == capacity {
		s.buf[s.head] = event.Event{}
		s.head = (s.head + 1) % capacity
		s.count--
		s.dropped++
		s.pending++
	}
	s.buf[(s.head+s.count)%capacity] = ev
	s.count++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is queued, ctx ends, or the subscription is
// closed and drained.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	for {
		s.mu.Lock()
		if s.count > 0 {
			ev := s.buf[s.head]
			s.buf[s.head] = event.Event{}
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			d := Delivery{Event: ev, Dropped: s.dropped, DroppedSinceLast: s.pending}
			s.pending = 0
			s.mu.Unlock()
			return d, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Delivery{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

func (s *Subscription) close(drain bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if !drain {
			clear(s.buf)
			s.head, s.count = 0, 0
		}
		s.mu.Unlock()
		close(s.done)
	})
}
