package bus

import (
	"context"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts missing events (at-most-once delivery).
const subscriberBuffer = 256

// MemBus is an in-process implementation of Bus.
//
// Each subscriber gets an independent buffered channel; Publish performs a
// non-blocking send to every subscriber, so a stalled consumer drops events
// instead of stalling the worker. Terminal events are retained per run for
// the grace window so late subscribers still observe stream closure.
type MemBus struct {
	mu       sync.Mutex
	subs     map[string]map[*memSub]struct{} // run ID -> subscribers
	retained map[string]Event                // run ID -> terminal event
	grace    time.Duration
	closed   bool
}

type memSub struct {
	bus    *MemBus
	runID  string
	ch     chan Event
	closed bool
}

// NewMemBus creates an in-process bus. grace bounds how long a run's
// terminal event stays observable to late subscribers.
func NewMemBus(grace time.Duration) *MemBus {
	return &MemBus{
		subs:     make(map[string]map[*memSub]struct{}),
		retained: make(map[string]Event),
		grace:    grace,
	}
}

// Publish delivers the event to all current subscribers of the run
// (implements Bus).
func (b *MemBus) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	for sub := range b.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full; drop for this subscriber.
		}
	}

	if ev.Terminal {
		// Close out current subscribers and retain the sentinel for late
		// arrivals within the grace window.
		for sub := range b.subs[ev.RunID] {
			sub.closeLocked()
		}
		delete(b.subs, ev.RunID)
		b.retained[ev.RunID] = ev
		runID := ev.RunID
		time.AfterFunc(b.grace, func() {
			b.mu.Lock()
			delete(b.retained, runID)
			b.mu.Unlock()
		})
	}
	return nil
}

// Subscribe attaches a new consumer to the run's stream (implements Bus).
func (b *MemBus) Subscribe(_ context.Context, runID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{
		bus:   b,
		runID: runID,
		ch:    make(chan Event, subscriberBuffer),
	}

	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub, nil
	}

	// Run already finished within the grace window: deliver the retained
	// terminal event and close immediately.
	if ev, done := b.retained[runID]; done {
		sub.ch <- ev
		close(sub.ch)
		sub.closed = true
		return sub, nil
	}

	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*memSub]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	return sub, nil
}

// Close shuts the bus down (implements Bus).
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	b.subs = make(map[string]map[*memSub]struct{})
	return nil
}

// SubscriberCount reports the number of live subscribers for a run.
func (b *MemBus) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

func (s *memSub) Events() <-chan Event { return s.ch }

func (s *memSub) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subs[s.runID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.subs, s.runID)
		}
	}
	s.closeLocked()
}

// closeLocked closes the channel exactly once. Caller holds bus.mu.
func (s *memSub) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var _ Bus = (*MemBus)(nil)
