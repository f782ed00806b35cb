// Package bus provides publish/subscribe fan-out of live run progress events.
//
// The bus decouples run producers (workers) from an arbitrary number of live
// stream consumers (API connections), independent of which process produced
// the events. Two implementations are provided:
//
//   - MemBus: in-process fan-out over channels, for tests and single-process
//     deployments
//   - RedisBus: cross-process fan-out over Redis pub/sub, one channel per run
//
// Delivery is at-most-once per subscriber with no backfill: a consumer that
// subscribes after an event was published does not receive it. Consumers are
// expected to subscribe first and then read current run status and checkpoint
// history, deduplicating overlap by checkpoint ID, so no event falls in a
// gap. The terminal event is additionally retained for a bounded grace period
// so a subscriber attaching just after completion still observes the stream
// closing.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Event kinds published by the run pipeline.
const (
	// KindRunStarted marks the transition into the running state.
	KindRunStarted = "run_started"
	// KindStep carries one executor step's output alongside the ID of the
	// checkpoint persisted for it.
	KindStep = "step"
	// KindRunEnd is the terminal sentinel; Data carries the terminal status
	// and, for failed runs, the structured cause. Terminal is always true.
	KindRunEnd = "run_end"
)

// Event is an ephemeral, ordered message tied to a run.
//
// Events within a run are delivered to each subscriber in publish order;
// there is no ordering guarantee across runs. Events are not persisted
// beyond the terminal-event grace window.
type Event struct {
	// RunID identifies the run this event belongs to.
	RunID string `json:"run_id"`

	// Seq orders events within the run's stream, starting at 1.
	Seq int `json:"seq"`

	// Kind is one of the Kind* constants.
	Kind string `json:"kind"`

	// Data is the event payload (step output, terminal status, ...).
	Data json.RawMessage `json:"data,omitempty"`

	// CheckpointID references the checkpoint persisted with this event,
	// when the event corresponds to a checkpointed step.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// Terminal marks the final event of a run's stream. Subscriptions close
	// after delivering a terminal event.
	Terminal bool `json:"terminal,omitempty"`

	// At records when the event was published.
	At time.Time `json:"at"`
}

// Subscription is one consumer's view of a single run's event stream.
//
// The Events channel yields events in publish order and is closed after a
// terminal event is delivered, or when the subscription is closed. Each
// subscriber to the same run receives an independent copy of the stream.
type Subscription interface {
	// Events returns the subscriber's event channel.
	Events() <-chan Event

	// Close detaches the subscriber and releases its resources. Safe to
	// call multiple times and after the channel has closed.
	Close()
}

// Bus is the publish/subscribe fan-out layer for live run progress.
//
// Publish is fire-and-forget: a slow subscriber misses events rather than
// blocking the publisher (at-most-once delivery). Implementations must
// preserve per-run publish order for each subscriber and must retain the
// terminal event for the configured grace window.
type Bus interface {
	// Publish delivers an event to all current subscribers of its run.
	Publish(ctx context.Context, ev Event) error

	// Subscribe attaches a new consumer to a run's event stream. If the run
	// finished within the grace window, the subscription yields the retained
	// terminal event and closes.
	Subscribe(ctx context.Context, runID string) (Subscription, error)

	// Close shuts the bus down, closing all subscriptions.
	Close() error
}
