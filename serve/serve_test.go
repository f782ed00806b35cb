package serve_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	serve "github.com/dshills/graphserve-go/serve"
	"github.com/dshills/graphserve-go/serve/bus"
	"github.com/dshills/graphserve-go/serve/store"
)

// fastOptions keeps end-to-end tests snappy without changing semantics.
func fastOptions(extra ...serve.Option) []serve.Option {
	opts := []serve.Option{
		serve.WithWorkers(2),
		serve.WithLease(time.Second),
		serve.WithClaimPoll(10 * time.Millisecond),
		serve.WithRetryPolicy(serve.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
		}),
	}
	return append(opts, extra...)
}

func startServer(t *testing.T, exec serve.Executor, opts ...serve.Option) (*serve.Server, store.Store, bus.Bus) {
	t.Helper()
	st := store.NewMemStore()
	b := bus.NewMemBus(time.Second)

	srv, err := serve.New(st, b, exec, fastOptions(opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
		_ = b.Close()
		_ = st.Close()
	})
	return srv, st, b
}

func TestTwoStepRunSuccess(t *testing.T) {
	exec := serve.NewScriptedExecutor(
		serve.Step{Output: json.RawMessage(`"one"`), Checkpoint: json.RawMessage(`{"s":1}`)},
		serve.Step{Output: json.RawMessage(`"two"`), Checkpoint: json.RawMessage(`{"s":2}`)},
	)
	srv, _, _ := startServer(t, exec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if run.Status != store.RunPending {
		t.Errorf("submitted status = %s, want pending", run.Status)
	}

	final, err := srv.JoinRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JoinRun: %v", err)
	}
	if final.Status != store.RunSuccess {
		t.Fatalf("final status = %s, want success", final.Status)
	}
	if final.StartedAt.IsZero() || final.EndedAt.IsZero() {
		t.Error("StartedAt/EndedAt not stamped")
	}

	history, err := srv.ThreadHistory(ctx, run.ThreadID)
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	// Newest first: seq 2 child of seq 1.
	if history[0].Seq != 2 || history[1].Seq != 1 {
		t.Errorf("history seqs = %d,%d, want 2,1", history[0].Seq, history[1].Seq)
	}
	if history[0].ParentID != history[1].ID {
		t.Errorf("checkpoint 2 parent = %q, want %q", history[0].ParentID, history[1].ID)
	}
	if history[1].ParentID != "" {
		t.Errorf("root parent = %q, want empty", history[1].ParentID)
	}
}

func TestRunEventStream(t *testing.T) {
	exec := serve.NewScriptedExecutor(
		serve.Step{Output: json.RawMessage(`"one"`), Checkpoint: json.RawMessage(`{"s":1}`)},
	)

	st := store.NewMemStore()
	b := bus.NewMemBus(time.Second)
	srv, err := serve.New(st, b, exec, fastOptions()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Submit before the pool starts so the subscription deterministically
	// precedes every event.
	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	stream, err := srv.StreamRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("StreamRun: %v", err)
	}
	defer stream.Events.Close()
	if len(stream.History) != 0 {
		t.Errorf("pre-run history = %d checkpoints, want 0", len(stream.History))
	}

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	}()

	var kinds []string
	for ev := range stream.Events.Events() {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == bus.KindStep && ev.CheckpointID == "" {
			t.Error("step event missing checkpoint id")
		}
		if ev.Terminal {
			var data struct {
				Status store.RunStatus `json:"status"`
			}
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				t.Fatalf("terminal data: %v", err)
			}
			if data.Status != store.RunSuccess {
				t.Errorf("terminal status = %s, want success", data.Status)
			}
		}
	}

	want := []string{bus.KindRunStarted, bus.KindStep, bus.KindRunEnd}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	exec := serve.NewScriptedExecutor(
		serve.Step{Output: json.RawMessage(`"one"`), Checkpoint: json.RawMessage(`{"s":1}`)},
		serve.Step{Output: json.RawMessage(`"two"`), Checkpoint: json.RawMessage(`{"s":2}`)},
	)
	exec.FailAt = 1
	exec.FailWith = serve.Transient(fmt.Errorf("upstream hiccup"))
	exec.FailOnce = true

	srv, _, _ := startServer(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	final, err := srv.JoinRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JoinRun: %v", err)
	}
	if final.Status != store.RunSuccess {
		t.Fatalf("final status = %s (error %q), want success", final.Status, final.Error)
	}
	if final.Attempt != 1 {
		t.Errorf("attempt = %d, want 1 retry recorded", final.Attempt)
	}

	// The retry resumed from the persisted checkpoint instead of replaying
	// the first step.
	history, err := srv.ThreadHistory(ctx, final.ThreadID)
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (no replayed steps)", len(history))
	}
	if exec.ResumeCalls() != 1 {
		t.Errorf("resume calls = %d, want 1", exec.ResumeCalls())
	}
}

func TestPermanentFailureFinalizesError(t *testing.T) {
	exec := serve.NewScriptedExecutor(
		serve.Step{Output: json.RawMessage(`"one"`), Checkpoint: json.RawMessage(`{"s":1}`)},
	)
	exec.FailAt = 0
	exec.FailWith = fmt.Errorf("schema mismatch")

	srv, _, _ := startServer(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	final, err := srv.JoinRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JoinRun: %v", err)
	}
	if final.Status != store.RunError {
		t.Fatalf("final status = %s, want error", final.Status)
	}
	if final.Error == "" {
		t.Error("error cause not recorded")
	}
	if final.Attempt != 0 {
		t.Errorf("attempt = %d, want 0 (no retries for permanent failures)", final.Attempt)
	}
}

func TestRetriesExhaustedFinalizesError(t *testing.T) {
	exec := serve.NewScriptedExecutor(
		serve.Step{Output: json.RawMessage(`"one"`), Checkpoint: json.RawMessage(`{"s":1}`)},
	)
	exec.FailAt = 0
	exec.FailWith = serve.Transient(fmt.Errorf("always down"))

	srv, _, _ := startServer(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	final, err := srv.JoinRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JoinRun: %v", err)
	}
	if final.Status != store.RunError {
		t.Fatalf("final status = %s, want error", final.Status)
	}
	if final.Attempt != 2 {
		t.Errorf("attempt = %d, want 2 (three attempts total)", final.Attempt)
	}
}

func TestSuspensionFinalizesInterruptedAndResumes(t *testing.T) {
	exec := serve.NewScriptedExecutor(
		serve.Step{Output: json.RawMessage(`"ask"`), Checkpoint: json.RawMessage(`{"s":1}`)},
		serve.Step{Output: json.RawMessage(`"wait"`), Checkpoint: json.RawMessage(`{"s":2}`), Suspended: true},
		serve.Step{Output: json.RawMessage(`"done"`), Checkpoint: json.RawMessage(`{"s":3}`)},
	)
	srv, st, _ := startServer(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	first, err := srv.JoinRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JoinRun: %v", err)
	}
	if first.Status != store.RunInterrupted {
		t.Fatalf("suspended run status = %s, want interrupted", first.Status)
	}

	latest, err := st.LatestCheckpoint(ctx, run.ThreadID, "")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if !latest.Suspended {
		t.Error("latest checkpoint not marked suspended")
	}

	// A new run on the same thread resumes from the suspension point.
	resumed, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst", ThreadID: run.ThreadID})
	if err != nil {
		t.Fatalf("SubmitRun resume: %v", err)
	}
	second, err := srv.JoinRun(ctx, resumed.ID)
	if err != nil {
		t.Fatalf("JoinRun resume: %v", err)
	}
	if second.Status != store.RunSuccess {
		t.Fatalf("resumed run status = %s, want success", second.Status)
	}

	history, err := srv.ThreadHistory(ctx, run.ThreadID)
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].ParentID != history[1].ID {
		t.Error("resumed checkpoint not linked to suspension point")
	}
	if history[0].RunID != resumed.ID {
		t.Errorf("final checkpoint run = %s, want %s", history[0].RunID, resumed.ID)
	}
}

// gatedExecutor yields one checkpointed step, then blocks until released
// before yielding the next. It lets tests act while a run is mid-flight.
type gatedExecutor struct {
	gate chan struct{}
}

func (g *gatedExecutor) Execute(_ context.Context, _ *store.Checkpoint, _ json.RawMessage) (serve.StepStream, error) {
	return &gatedStream{gate: g.gate}, nil
}

func (g *gatedExecutor) Resume(_ context.Context, _ *store.Checkpoint, _ json.RawMessage) (serve.StepStream, error) {
	return &gatedStream{gate: g.gate, pos: 1}, nil
}

type gatedStream struct {
	gate chan struct{}
	pos  int
}

func (s *gatedStream) Next(ctx context.Context) (serve.Step, error) {
	switch s.pos {
	case 0:
		s.pos++
		return serve.Step{Output: json.RawMessage(`"first"`), Checkpoint: json.RawMessage(`{"g":1}`)}, nil
	case 1:
		select {
		case <-ctx.Done():
			return serve.Step{}, ctx.Err()
		case <-s.gate:
		}
		s.pos++
		return serve.Step{Output: json.RawMessage(`"second"`), Checkpoint: json.RawMessage(`{"g":2}`)}, nil
	default:
		return serve.Step{}, io.EOF
	}
}

func TestCancelRunningRunInterruptsAtBoundary(t *testing.T) {
	exec := &gatedExecutor{gate: make(chan struct{})}
	srv, st, _ := startServer(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	// Wait for the first checkpoint: the run is mid-flight.
	waitFor(t, func() bool {
		history, err := st.CheckpointHistory(ctx, run.ThreadID)
		return err == nil && len(history) >= 1
	})

	if _, err := srv.CancelRun(ctx, run.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	close(exec.gate) // let the executor reach the next boundary

	final, err := srv.JoinRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JoinRun: %v", err)
	}
	if final.Status != store.RunInterrupted {
		t.Fatalf("cancelled run status = %s, want interrupted", final.Status)
	}
}

func TestCancelPendingRun(t *testing.T) {
	// No server running: the run stays pending in the queue.
	st := store.NewMemStore()
	b := bus.NewMemBus(time.Second)
	sup := serve.NewSupervisor(st, b, serve.Options{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := sup.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	status, err := sup.CancelRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if status != store.RunCancelled {
		t.Fatalf("status = %s, want cancelled", status)
	}

	// Joining a just-cancelled run returns immediately via the retained
	// terminal event.
	final, err := sup.JoinRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JoinRun: %v", err)
	}
	if final.Status != store.RunCancelled {
		t.Errorf("final status = %s, want cancelled", final.Status)
	}

	depth, err := st.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestSubmitRunIdempotent(t *testing.T) {
	st := store.NewMemStore()
	b := bus.NewMemBus(time.Second)
	sup := serve.NewSupervisor(st, b, serve.Options{}, nil)

	ctx := context.Background()
	first, err := sup.SubmitRun(ctx, serve.SubmitRequest{RunID: "fixed-id", AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	second, err := sup.SubmitRun(ctx, serve.SubmitRequest{RunID: "fixed-id", AssistantID: "asst"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ThreadID != first.ThreadID {
		t.Errorf("resubmit returned different run: %+v vs %+v", second, first)
	}
	depth, err := st.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

// serialTrackingExecutor fails the test invariant if two runs execute
// concurrently.
type serialTrackingExecutor struct {
	active  atomic.Int32
	overlap atomic.Bool
}

func (e *serialTrackingExecutor) Execute(_ context.Context, _ *store.Checkpoint, _ json.RawMessage) (serve.StepStream, error) {
	return &serialTrackingStream{exec: e}, nil
}

func (e *serialTrackingExecutor) Resume(ctx context.Context, _ *store.Checkpoint, input json.RawMessage) (serve.StepStream, error) {
	return e.Execute(ctx, nil, input)
}

type serialTrackingStream struct {
	exec *serialTrackingExecutor
	pos  int
}

func (s *serialTrackingStream) Next(_ context.Context) (serve.Step, error) {
	if s.pos > 0 {
		return serve.Step{}, io.EOF
	}
	if s.exec.active.Add(1) > 1 {
		s.exec.overlap.Store(true)
	}
	time.Sleep(20 * time.Millisecond)
	s.exec.active.Add(-1)
	s.pos++
	return serve.Step{Output: json.RawMessage(`"x"`), Checkpoint: json.RawMessage(`{"x":1}`)}, nil
}

func TestSameThreadRunsSerialize(t *testing.T) {
	exec := &serialTrackingExecutor{}
	srv, _, _ := startServer(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst", ThreadID: "shared", Input: json.RawMessage(`"a"`)})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	second, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst", ThreadID: "shared", Input: json.RawMessage(`"b"`)})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	for _, id := range []string{first.ID, second.ID} {
		final, err := srv.JoinRun(ctx, id)
		if err != nil {
			t.Fatalf("JoinRun(%s): %v", id, err)
		}
		if final.Status != store.RunSuccess {
			t.Fatalf("run %s status = %s, want success", id, final.Status)
		}
	}

	if exec.overlap.Load() {
		t.Error("two runs on the same thread executed concurrently")
	}
}

func TestReclaimAfterWorkerCrashResumesFromCheckpoint(t *testing.T) {
	exec := serve.NewScriptedExecutor(
		serve.Step{Output: json.RawMessage(`"one"`), Checkpoint: json.RawMessage(`{"s":1}`)},
		serve.Step{Output: json.RawMessage(`"two"`), Checkpoint: json.RawMessage(`{"s":2}`)},
	)

	st := store.NewMemStore()
	b := bus.NewMemBus(time.Second)
	srv, err := serve.New(st, b, exec, fastOptions()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	// Simulate a worker that claimed the run, made one step of progress, and
	// crashed without renewing its lease.
	claimed, err := st.Claim(ctx, "dead-worker", 10*time.Millisecond)
	if err != nil || claimed == nil {
		t.Fatalf("Claim = %v, %v", claimed, err)
	}
	if err := st.AcquireThread(ctx, run.ThreadID, run.ID); err != nil {
		t.Fatalf("AcquireThread: %v", err)
	}
	if err := st.UpdateRunStatus(ctx, run.ID, store.RunRunning, ""); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if _, err := st.PutCheckpoint(ctx, run.ThreadID, "", run.ID, json.RawMessage(`{"s":1}`), false); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // lease lapses

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	}()

	final, err := srv.JoinRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JoinRun: %v", err)
	}
	if final.Status != store.RunSuccess {
		t.Fatalf("reclaimed run status = %s, want success", final.Status)
	}

	// The reclaim resumed past the persisted checkpoint instead of
	// restarting.
	history, err := srv.ThreadHistory(ctx, run.ThreadID)
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if exec.ExecuteCalls() != 0 || exec.ResumeCalls() != 1 {
		t.Errorf("execute/resume calls = %d/%d, want 0/1", exec.ExecuteCalls(), exec.ResumeCalls())
	}
}

func TestReapTimeouts(t *testing.T) {
	st := store.NewMemStore()
	b := bus.NewMemBus(time.Second)
	sup := serve.NewSupervisor(st, b, serve.Options{RunTimeout: time.Minute}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := sup.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	// A worker claims the run and then wedges.
	if _, err := st.Claim(ctx, "wedged-worker", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.AcquireThread(ctx, run.ThreadID, run.ID); err != nil {
		t.Fatalf("AcquireThread: %v", err)
	}
	if err := st.UpdateRunStatus(ctx, run.ID, store.RunRunning, ""); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	// Before the budget lapses nothing is reaped.
	reaped, err := sup.ReapTimeouts(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ReapTimeouts: %v", err)
	}
	if reaped != 0 {
		t.Errorf("reaped = %d, want 0", reaped)
	}

	reaped, err = sup.ReapTimeouts(ctx, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ReapTimeouts: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	final, err := sup.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Status != store.RunTimeout {
		t.Errorf("status = %s, want timeout", final.Status)
	}

	// The wedged worker cannot finalize: its entry is gone.
	if err := st.Complete(ctx, run.ID, "wedged-worker", store.RunSuccess, ""); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("Complete by wedged worker = %v, want ErrNotOwner", err)
	}
	// The thread is free for new runs.
	if err := st.AcquireThread(ctx, run.ThreadID, "other-run"); err != nil {
		t.Errorf("thread lock not released: %v", err)
	}
}

func TestDeleteRunLifecycle(t *testing.T) {
	exec := serve.NewScriptedExecutor(
		serve.Step{Output: json.RawMessage(`"x"`), Checkpoint: json.RawMessage(`{"s":1}`)},
	)
	srv, _, _ := startServer(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{AssistantID: "asst"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if _, err := srv.JoinRun(ctx, run.ID); err != nil {
		t.Fatalf("JoinRun: %v", err)
	}

	if err := srv.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := srv.GetRun(ctx, run.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetRun after delete = %v, want ErrNotFound", err)
	}
	// The thread's checkpoints survive run deletion.
	history, err := srv.ThreadHistory(ctx, run.ThreadID)
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}
}

func TestStartFromPinnedCheckpointBranch(t *testing.T) {
	exec := serve.NewScriptedExecutor(
		serve.Step{Output: json.RawMessage(`"x"`), Checkpoint: json.RawMessage(`{"fork":1}`)},
	)
	srv, st, _ := startServer(t, exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Seed a thread whose checkpoint tree forks at the root: the "side"
	// leaf is older than the "main" leaf.
	root, err := st.PutCheckpoint(ctx, "th-fork", "", "seed-run", json.RawMessage(`{"seed":1}`), false)
	if err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	side, err := st.PutCheckpoint(ctx, "th-fork", root.ID, "seed-run", json.RawMessage(`{"side":1}`), false)
	if err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	if _, err := st.PutCheckpoint(ctx, "th-fork", root.ID, "seed-run", json.RawMessage(`{"main":1}`), false); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	// Pinning the side leaf continues that branch even though the main
	// branch is newer.
	run, err := srv.SubmitRun(ctx, serve.SubmitRequest{
		AssistantID:       "asst",
		StartCheckpointID: side.ID,
	})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if run.ThreadID != "th-fork" {
		t.Fatalf("thread derived from checkpoint = %s, want th-fork", run.ThreadID)
	}
	final, err := srv.JoinRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("JoinRun: %v", err)
	}
	if final.Status != store.RunSuccess {
		t.Fatalf("status = %s, want success", final.Status)
	}

	// The new checkpoint extends the side branch, not the newer main leaf.
	history, err := srv.ThreadHistory(ctx, "th-fork")
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[0].ParentID != side.ID {
		t.Errorf("forked checkpoint parent = %q, want side leaf %q", history[0].ParentID, side.ID)
	}

	// Submitting against a missing checkpoint fails up front.
	if _, err := srv.SubmitRun(ctx, serve.SubmitRequest{
		AssistantID:       "asst",
		StartCheckpointID: "no-such-checkpoint",
	}); err == nil {
		t.Error("submit with missing start checkpoint accepted")
	}
}

// waitFor polls cond until it holds or the test deadline approaches.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
