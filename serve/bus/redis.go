package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus is a Redis pub/sub implementation of Bus for multi-process
// deployments: workers publish to one channel per run and any number of API
// processes subscribe, regardless of which worker produced the events.
//
// Terminal events are additionally written to a keyspace entry with a TTL of
// the grace window, closing the race between run completion and a subscriber
// attaching moments later.
type RedisBus struct {
	client *redis.Client
	grace  time.Duration
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*redisSub]struct{}
}

// NewRedisBus creates a bus on top of an existing Redis client. The caller
// retains ownership of the client; Close only detaches subscriptions.
func NewRedisBus(client *redis.Client, grace time.Duration, log *zap.Logger) *RedisBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{
		client: client,
		grace:  grace,
		log:    log,
		subs:   make(map[*redisSub]struct{}),
	}
}

func runChannel(runID string) string { return "graphserve:run:" + runID }

func terminalKey(runID string) string { return "graphserve:run:" + runID + ":terminal" }

// Publish sends the event to the run's channel. Terminal events are retained
// under a TTL key before publishing, so a subscriber attaching between the
// two operations still observes the sentinel exactly once (implements Bus).
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if ev.Terminal {
		if err := b.client.Set(ctx, terminalKey(ev.RunID), payload, b.grace).Err(); err != nil {
			return fmt.Errorf("failed to retain terminal event: %w", err)
		}
	}
	if err := b.client.Publish(ctx, runChannel(ev.RunID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe attaches a consumer to the run's channel (implements Bus).
func (b *RedisBus) Subscribe(ctx context.Context, runID string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, runChannel(runID))
	// Wait for the subscription to be confirmed so no events published after
	// this call are missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to run channel: %w", err)
	}

	sub := &redisSub{
		bus:    b,
		pubsub: pubsub,
		out:    make(chan Event, subscriberBuffer),
	}

	// Run may already have finished within the grace window.
	raw, err := b.client.Get(ctx, terminalKey(runID)).Bytes()
	if err == nil {
		var terminal Event
		if uerr := json.Unmarshal(raw, &terminal); uerr == nil {
			sub.out <- terminal
			close(sub.out)
			_ = pubsub.Close()
			return sub, nil
		}
	} else if err != redis.Nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to check terminal event: %w", err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub, nil
}

// Close detaches all subscriptions (implements Bus).
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*redisSub]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.pubsub.Close()
	}
	return nil
}

type redisSub struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	out    chan Event

	closeOnce sync.Once
}

// pump forwards pub/sub messages to the subscriber channel until a terminal
// event arrives or the subscription is closed.
func (s *redisSub) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.bus.log.Warn("dropping undecodable event", zap.Error(err))
			continue
		}
		select {
		case s.out <- ev:
		default:
			// Subscriber buffer full; drop (at-most-once delivery).
		}
		if ev.Terminal {
			s.detach()
			return
		}
	}
}

func (s *redisSub) detach() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		_ = s.pubsub.Close()
	})
}

func (s *redisSub) Events() <-chan Event { return s.out }

// Close detaches the subscriber. The Events channel closes once the pump
// goroutine observes the closed pub/sub connection.
func (s *redisSub) Close() { s.detach() }

var _ Bus = (*RedisBus)(nil)
