// Package eventbus is the daemon's process-wide event broadcaster, one
// of the three singletons design note §9 calls out (alongside the
// persistence handle and the rate-limit window). Shaped after the
// teacher's Hub/Client registration pattern in
// internal/interfaces/websocket/handler.go and its own predecessor,
// internal/infrastructure/eventbus/bus.go, but rebuilt for this domain's
// event.Event record and for spec.md §5's explicit "bounded buffer with
// drop-oldest semantics for slow subscribers" requirement — the
// teacher's non-blocking send drops the newest event instead, which
// diverges from that line (recorded as Open Question OQ-2 in
// DESIGN.md, resolved in spec.md's favor here).
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/scottidler/loopr/internal/domain/event"
)

// DefaultCapacity bounds each subscriber's ring buffer absent an
// explicit override.
const DefaultCapacity = 256

// subscriber holds one connected client's private ring buffer and
// acknowledgement cursor, matching spec.md §5's "in-memory consumers
// keep their own acknowledgement cursor" line.
type subscriber struct {
	mu       sync.Mutex
	buf      []event.Event
	cap      int
	notify   chan struct{}
	closed   bool
}

func newSubscriber(capacity int) *subscriber {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &subscriber{
		buf:    make([]event.Event, 0, capacity),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// push appends ev to the ring buffer, dropping the oldest buffered
// event when the buffer is already at capacity.
func (s *subscriber) push(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.buf) >= s.cap {
		s.buf = append(s.buf[1:], ev)
	} else {
		s.buf = append(s.buf, ev)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns every event currently buffered.
func (s *subscriber) drain() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = make([]event.Event, 0, s.cap)
	return out
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}

// Broadcaster fans out events published by any producer (the loop
// engine, the scheduler, the daemon host) to every currently-registered
// subscriber (one per connected IPC client).
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	capacity    int
	logger      *zap.Logger
}

// New constructs a Broadcaster whose subscriber ring buffers each hold
// capacity events (DefaultCapacity if capacity <= 0).
func New(capacity int, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		capacity:    capacity,
		logger:      logger,
	}
}

// Subscribe registers a new subscriber under id (the ipc connection
// id) and returns a channel that receives a notification every time new
// events are buffered for it, plus a Drain function to collect them.
// Registering twice under the same id replaces the prior subscriber.
func (b *Broadcaster) Subscribe(id string) (notify <-chan struct{}, drain func() []event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newSubscriber(b.capacity)
	b.subscribers[id] = sub
	return sub.notify, sub.drain
}

// Unsubscribe removes and closes the subscriber registered under id.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish fans ev out to every currently-registered subscriber. Events
// are observed in emission order per subscriber (spec.md §5); a lagging
// subscriber drops its oldest buffered event rather than blocking the
// publisher or losing the newest occurrence.
func (b *Broadcaster) Publish(ev event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		sub.push(ev)
	}
}

// SubscriberCount reports how many subscribers are currently
// registered, for diagnostics (metrics.get).
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
