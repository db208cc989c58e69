// Package statusbus fans session status updates out to independent
// observers (MQTT emitter, health endpoint, master console, coordinator)
// without ever blocking the publisher.
package statusbus

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed          = errors.New("statusbus: bus is closed")
	ErrSubscriberExists   = errors.New("statusbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("statusbus: subscriber not found")
	ErrNilChannel         = errors.New("statusbus: nil channel provided")
)

// SubscriberStats counts deliveries to one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the whole bus.
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

type subscriber[T any] struct {
	ch     chan<- T
	latest *Latest[T]

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes values of T to subscribers. Channel subscribers that are
// not ready miss the update (drop new); Latest subscribers always hold the
// most recent value (drop old).
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber[T]
	published   atomic.Uint64
	closed      bool
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subscribers: make(map[string]*subscriber[T])}
}

// Subscribe registers ch under id.
func (b *Bus[T]) Subscribe(id string, ch chan<- T) error {
	if ch == nil {
		return ErrNilChannel
	}
	return b.add(id, &subscriber[T]{ch: ch})
}

// SubscribeLatest registers a drop-old subscriber and returns its holder.
func (b *Bus[T]) SubscribeLatest(id string) (*Latest[T], error) {
	l := newLatest[T]()
	if err := b.add(id, &subscriber[T]{latest: l}); err != nil {
		return nil, err
	}
	return l, nil
}

func (b *Bus[T]) add(id string, s *subscriber[T]) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = s
	return nil
}

// Publish delivers v to every subscriber without blocking.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.set(v)
			s.sent.Add(1)
			continue
		}
		select {
		case s.ch <- v:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// Unsubscribe removes id.
func (b *Bus[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.latest != nil {
		s.latest.close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns a snapshot of the delivery counters.
func (b *Bus[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, s := range b.subscribers {
		st.Subscribers[id] = SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
	}
	return st
}

// Close drops all subscribers. Later publishes are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.close()
		}
	}
	b.subscribers = nil
}

// Latest holds the most recent published value.
type Latest[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	value  T
	seq    uint64
	closed bool
}

func newLatest[T any]() *Latest[T] {
	l := &Latest[T]{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Latest[T]) set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.value = v
	l.seq++
	l.cond.Broadcast()
}

func (l *Latest[T]) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
}

// Get returns the latest value and false if nothing was published yet.
func (l *Latest[T]) Get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.seq > 0
}

// Next blocks until a value newer than seq arrives or the holder is closed.
// Pass 0 to wait for the first value. ok is false once closed.
func (l *Latest[T]) Next(seq uint64) (v T, next uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.seq <= seq && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		var zero T
		return zero, l.seq, false
	}
	return l.value, l.seq, true
}
