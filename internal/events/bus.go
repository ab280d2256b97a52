// Package events implements the in-process event bus: non-blocking
// publish from engine state transitions, bounded per-subscriber FIFO
// buffers with lossy overflow, and long-poll consumption.
//
// The bus is advisory. A lost or lagging subscriber never affects
// engine correctness; durable state lives in the store.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/labtasker/internal/clock"
	"github.com/fairyhunter13/labtasker/internal/domain"
)

// DefaultBufferSize bounds each subscriber's buffer unless configured.
const DefaultBufferSize = 1024

// Filter selects which events a subscriber receives. QueueID is
// required; empty Entities/Statuses mean "any".
type Filter struct {
	QueueID  string
	Entities []domain.EventEntity
	Statuses []string
}

func (f Filter) matches(ev domain.Event) bool {
	if ev.QueueID != f.QueueID {
		return false
	}
	if len(f.Entities) > 0 {
		ok := false
		for _, e := range f.Entities {
			if e == ev.Entity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if s == ev.NewStatus {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Bus fans out engine events to subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]*Subscriber
	nextID  uint64
	bufSize int
	clk     clock.Clock
	taps    []func(domain.Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer bound.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithClock injects the time source used for event timestamps.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clk = c }
}

// NewBus constructs an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:    map[string]*Subscriber{},
		bufSize: DefaultBufferSize,
		clk:     clock.System{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Tap registers fn to observe every published event, regardless of
// subscriber filters. Used to attach external sinks (Kafka, Redis
// relay). fn must not block.
func (b *Bus) Tap(fn func(domain.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, fn)
}

// Publish assigns the event its bus-monotonic id and timestamp and
// delivers it to matching subscribers and taps. It never blocks: full
// buffers drop their oldest entries and gain an overflow sentinel.
func (b *Bus) Publish(ev domain.Event) {
	b.deliver(ev, true)
}

// Inject delivers an externally sourced event to local subscribers
// without running taps. Used by cross-replica relays to avoid echo
// loops.
func (b *Bus) Inject(ev domain.Event) {
	b.deliver(ev, false)
}

func (b *Bus) deliver(ev domain.Event, withTaps bool) {
	b.mu.Lock()
	b.nextID++
	ev.ID = b.nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clk.Now()
	}
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	taps := b.taps
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter.matches(ev) {
			s.push(ev)
		}
	}
	if !withTaps {
		return
	}
	for _, fn := range taps {
		fn(ev)
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe(f Filter) *Subscriber {
	s := &Subscriber{
		handle:   uuid.New().String(),
		filter:   f,
		cap:      b.bufSize,
		notify:   make(chan struct{}, 1),
		lastPoll: b.clk.Now(),
		bus:      b,
	}
	b.mu.Lock()
	b.subs[s.handle] = s
	b.mu.Unlock()
	return s
}

// Get resolves a long-poll handle to its subscriber.
func (b *Bus) Get(handle string) (*Subscriber, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[handle]
	return s, ok
}

// Unsubscribe removes the subscriber and wakes any pending Next call.
func (b *Bus) Unsubscribe(handle string) {
	b.mu.Lock()
	s, ok := b.subs[handle]
	delete(b.subs, handle)
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// PruneIdle drops subscribers that have not polled within maxIdle and
// returns how many were removed. Scheduled as periodic bus maintenance.
func (b *Bus) PruneIdle(maxIdle time.Duration) int {
	cutoff := b.clk.Now().Add(-maxIdle)
	b.mu.Lock()
	var stale []*Subscriber
	for h, s := range b.subs {
		s.mu.Lock()
		idle := s.lastPoll.Before(cutoff)
		s.mu.Unlock()
		if idle {
			stale = append(stale, s)
			delete(b.subs, h)
		}
	}
	b.mu.Unlock()
	for _, s := range stale {
		s.close()
	}
	return len(stale)
}

// Subscriber holds one bounded event buffer consumed by long-polling.
type Subscriber struct {
	handle string
	filter Filter
	bus    *Bus

	mu         sync.Mutex
	buf        []domain.Event
	cap        int
	overflowed bool
	closed     bool
	lastPoll   time.Time
	notify     chan struct{}
}

// Handle returns the opaque long-poll token for this subscriber.
func (s *Subscriber) Handle() string { return s.handle }

func (s *Subscriber) push(ev domain.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.cap {
		// Drop oldest; surface the gap exactly once until drained. The
		// sentinel only ever sits at the buffer head, so dropping it
		// re-arms insertion.
		dropped := s.buf[0]
		s.buf = s.buf[1:]
		if dropped.Overflow {
			s.overflowed = false
		}
		if !s.overflowed {
			s.overflowed = true
			sentinel := domain.Event{
				Timestamp: ev.Timestamp,
				QueueID:   s.filter.QueueID,
				Overflow:  true,
			}
			// Make room for the sentinel; a one-slot buffer has nothing
			// left to drop.
			rest := s.buf
			if len(rest) > 0 {
				rest = rest[1:]
			}
			s.buf = append([]domain.Event{sentinel}, rest...)
		}
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next buffered event, blocking until one arrives, the
// timeout expires (ok=false) or ctx is cancelled.
func (s *Subscriber) Next(ctx context.Context, timeout time.Duration) (domain.Event, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		s.lastPoll = s.bus.clk.Now()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			if ev.Overflow {
				s.overflowed = false
			}
			s.mu.Unlock()
			return ev, true, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return domain.Event{}, false, domain.ErrNotFound
		}

		select {
		case <-s.notify:
		case <-timer.C:
			return domain.Event{}, false, nil
		case <-ctx.Done():
			return domain.Event{}, false, ctx.Err()
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
