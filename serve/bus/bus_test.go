package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dshills/graphserve-go/serve/bus"
)

func collect(t *testing.T, sub bus.Subscription, n int, timeout time.Duration) []bus.Event {
	t.Helper()
	var events []bus.Event
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out after %d/%d events", len(events), n)
		}
	}
	return events
}

func TestMemBusFanOut(t *testing.T) {
	b := bus.NewMemBus(time.Second)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub2.Close()

	for i := 1; i <= 3; i++ {
		if err := b.Publish(ctx, bus.Event{RunID: "run-1", Seq: i, Kind: bus.KindStep}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// Each subscriber gets an independent, ordered copy.
	for _, sub := range []bus.Subscription{sub1, sub2} {
		events := collect(t, sub, 3, time.Second)
		for i, ev := range events {
			if ev.Seq != i+1 {
				t.Errorf("event %d Seq = %d, want %d", i, ev.Seq, i+1)
			}
		}
	}
}

func TestMemBusNoBackfill(t *testing.T) {
	b := bus.NewMemBus(time.Second)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	if err := b.Publish(ctx, bus.Event{RunID: "run-1", Seq: 1, Kind: bus.KindStep}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sub, err := b.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		t.Fatalf("late subscriber received backfilled event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// New events flow normally.
	if err := b.Publish(ctx, bus.Event{RunID: "run-1", Seq: 2, Kind: bus.KindStep}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	events := collect(t, sub, 1, time.Second)
	if events[0].Seq != 2 {
		t.Errorf("Seq = %d, want 2", events[0].Seq)
	}
}

func TestMemBusEventIsolationAcrossRuns(t *testing.T) {
	b := bus.NewMemBus(time.Second)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run-a")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, bus.Event{RunID: "run-b", Seq: 1, Kind: bus.KindStep}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("received event for another run: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBusTerminalClosesStream(t *testing.T) {
	b := bus.NewMemBus(time.Second)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	data, _ := json.Marshal(map[string]string{"status": "success"})
	if err := b.Publish(ctx, bus.Event{RunID: "run-1", Seq: 1, Kind: bus.KindRunEnd, Data: data, Terminal: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	events := collect(t, sub, 1, time.Second)
	if !events[0].Terminal {
		t.Error("event not marked terminal")
	}

	// Channel closes after the terminal event.
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("received event after terminal")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after terminal event")
	}
}

func TestMemBusTerminalGraceWindow(t *testing.T) {
	b := bus.NewMemBus(100 * time.Millisecond)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	if err := b.Publish(ctx, bus.Event{RunID: "run-1", Seq: 5, Kind: bus.KindRunEnd, Terminal: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Within the grace window: the retained terminal event is delivered once
	// and the stream closes.
	sub, err := b.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	events := collect(t, sub, 1, time.Second)
	if !events[0].Terminal || events[0].Seq != 5 {
		t.Errorf("retained event = %+v, want terminal Seq 5", events[0])
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("stream stayed open after retained terminal")
	}
	sub.Close()

	// Past the grace window: nothing is retained.
	time.Sleep(150 * time.Millisecond)
	late, err := b.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer late.Close()
	select {
	case ev, ok := <-late.Events():
		if ok {
			t.Fatalf("received event past grace window: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBusSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := bus.NewMemBus(time.Second)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// Publish far past the buffer without consuming; Publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 1000; i++ {
			_ = b.Publish(ctx, bus.Event{RunID: "run-1", Seq: i, Kind: bus.KindStep})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The subscriber still sees an ordered prefix.
	events := collect(t, sub, 10, time.Second)
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("out of order: %d after %d", events[i].Seq, events[i-1].Seq)
		}
	}
}

func TestMemBusSubscriberClose(t *testing.T) {
	b := bus.NewMemBus(time.Second)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()
	sub.Close() // double close is safe

	if n := b.SubscriberCount("run-1"); n != 0 {
		t.Errorf("subscriber count after close = %d, want 0", n)
	}
	// Publishing to a run with no subscribers is fine.
	if err := b.Publish(ctx, bus.Event{RunID: "run-1", Seq: 1, Kind: bus.KindStep}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
