package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/graphserve-go/serve/bus"
	"github.com/dshills/graphserve-go/serve/store"
)

// worker drives claimed runs to a terminal state: claim, lock the thread,
// resolve the starting checkpoint, stream executor steps into checkpoints and
// events, and finalize through the lease-guarded Complete.
type worker struct {
	id      string
	st      store.Store
	bus     bus.Bus
	exec    Executor
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	tracer  *tracer
}

// loop claims and processes runs until ctx is cancelled.
func (w *worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		run, err := w.st.Claim(ctx, w.id, w.opts.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("claim failed", zap.String("worker_id", w.id), zap.Error(err))
			w.sleep(ctx, w.opts.ClaimPoll)
			continue
		}
		if run == nil {
			w.metrics.claim("empty")
			w.sleep(ctx, w.opts.ClaimPoll)
			continue
		}
		w.metrics.claim("claimed")
		w.process(ctx, *run)
	}
}

// sleep waits for d or until ctx is cancelled.
func (w *worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process executes one claimed run to a terminal state, or abandons it when
// lease ownership is lost.
func (w *worker) process(ctx context.Context, run store.Run) {
	log := w.log.With(
		zap.String("worker_id", w.id),
		zap.String("run_id", run.ID),
		zap.String("thread_id", run.ThreadID),
	)

	// One run per thread. On contention the claim goes back to the queue and
	// another worker (or this one, later) picks it up once the thread frees.
	if err := w.st.AcquireThread(ctx, run.ThreadID, run.ID); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			w.metrics.claim("conflict")
			if rerr := w.st.ReleaseClaim(ctx, run.ID, w.id); rerr != nil {
				log.Warn("failed to release contended claim", zap.Error(rerr))
			}
			w.sleep(ctx, w.opts.ClaimPoll)
			return
		}
		log.Error("failed to acquire thread lock", zap.Error(err))
		_ = w.st.ReleaseClaim(ctx, run.ID, w.id)
		return
	}

	// A reclaimed run is already running; a fresh claim flips it here.
	if run.Status == store.RunPending {
		if err := w.st.UpdateRunStatus(ctx, run.ID, store.RunRunning, ""); err != nil {
			// Cancelled between claim and transition.
			log.Info("run not startable", zap.Error(err))
			_ = w.st.DropQueueEntry(ctx, run.ID)
			_ = w.st.ReleaseThread(ctx, run.ThreadID, run.ID)
			return
		}
	}

	w.metrics.runStarted()
	started := time.Now()
	log.Info("run started", zap.Int("attempt", run.Attempt))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Heartbeat renews the lease at a third of its duration. Losing the lease
	// means the run was reclaimed or finalized elsewhere: the driver must
	// stop without finalizing.
	var lostLease atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, run.ID, &lostLease, cancel)
	}()

	status, errCause, eventSeq := w.drive(runCtx, run, &lostLease)
	cancel()
	<-hbDone

	if status == "" {
		// Abandoned: lease lost or shutdown. No finalization; the queue entry
		// either belongs to someone else now or will expire and be reclaimed.
		w.metrics.runFinished("abandoned", time.Since(started).Seconds())
		log.Info("run abandoned", zap.Bool("lease_lost", lostLease.Load()))
		return
	}

	w.finalize(run, status, errCause, eventSeq, log)
	w.metrics.runFinished(string(status), time.Since(started).Seconds())
}

// heartbeat renews the queue lease until ctx ends or ownership is lost.
func (w *worker) heartbeat(ctx context.Context, runID string, lostLease *atomic.Bool, cancel context.CancelFunc) {
	interval := w.opts.Lease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := w.st.ExtendLease(ctx, runID, w.id, w.opts.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient store trouble: keep trying while the lease lasts.
			w.log.Warn("lease extension failed", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		if !ok {
			lostLease.Store(true)
			cancel()
			return
		}
	}
}

// drive runs the executor attempt loop. It returns the terminal status to
// record plus the last published event sequence number, or empty status when
// the run must be abandoned without finalizing.
func (w *worker) drive(ctx context.Context, run store.Run, lostLease *atomic.Bool) (store.RunStatus, string, int) {
	eventSeq := 0
	publish := func(kind string, data json.RawMessage, checkpointID string, terminal bool) {
		eventSeq++
		ev := bus.Event{
			RunID:        run.ID,
			Seq:          eventSeq,
			Kind:         kind,
			Data:         data,
			CheckpointID: checkpointID,
			Terminal:     terminal,
		}
		if err := w.bus.Publish(ctx, ev); err != nil && ctx.Err() == nil {
			w.log.Warn("event publish failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	publish(bus.KindRunStarted, nil, "", false)

	for {
		w.metrics.attempt()
		runCtx, span := w.tracer.startRun(ctx, run.ID, run.ThreadID, run.Attempt)

		status, errCause, attemptErr := w.attempt(runCtx, run, lostLease, publish)
		endSpan(span, attemptErr)

		if status != "" || attemptErr == nil {
			return status, errCause, eventSeq
		}
		if lostLease.Load() || ctx.Err() != nil {
			return "", "", eventSeq
		}

		// Attempt failed. Transient failures retry with backoff until the
		// policy is exhausted; anything else finalizes immediately.
		if !w.opts.Retry.retryable(attemptErr) {
			return store.RunError, attemptErr.Error(), eventSeq
		}
		if run.Attempt+1 >= w.opts.Retry.MaxAttempts {
			return store.RunError, fmt.Sprintf("retries exhausted after %d attempts: %v", run.Attempt+1, attemptErr), eventSeq
		}
		if err := w.st.IncrementAttempt(ctx, run.ID); err != nil {
			w.log.Warn("failed to record attempt", zap.String("run_id", run.ID), zap.Error(err))
		}
		delay := computeBackoff(run.Attempt, w.opts.Retry.BaseDelay, w.opts.Retry.MaxDelay, nil)
		w.log.Info("retrying run",
			zap.String("run_id", run.ID),
			zap.Int("attempt", run.Attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(attemptErr),
		)
		w.sleep(ctx, delay)
		if lostLease.Load() || ctx.Err() != nil {
			return "", "", eventSeq
		}
		run.Attempt++
	}
}

// attempt drives one executor stream from the run's effective starting
// checkpoint. Returns a terminal status when the run finished (or must be
// abandoned: empty status with nil error), or the executor failure for the
// retry loop.
func (w *worker) attempt(ctx context.Context, run store.Run, lostLease *atomic.Bool, publish func(kind string, data json.RawMessage, checkpointID string, terminal bool)) (store.RunStatus, string, error) {
	start, err := w.startCheckpoint(ctx, run)
	if err != nil {
		return "", "", err
	}

	var stream StepStream
	if start != nil && (start.Suspended || start.RunID == run.ID) {
		// Continuing earlier progress: a suspended thread being resumed, or
		// this run's own checkpoints after a retry or crash reclaim.
		stream, err = w.exec.Resume(ctx, start, run.Input)
	} else {
		stream, err = w.exec.Execute(ctx, start, run.Input)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to start executor: %w", err)
	}

	parentID := ""
	if start != nil {
		parentID = start.ID
	}
	stepSeq := 0

	for {
		if lostLease.Load() || ctx.Err() != nil {
			return "", "", nil
		}

		// Cooperative cancellation, observed at checkpoint boundaries only.
		cur, err := w.st.GetRun(ctx, run.ID)
		if err == nil && cur.CancelRequested {
			return store.RunInterrupted, "cancelled", nil
		}

		step, err := stream.Next(ctx)
		if err == io.EOF {
			return store.RunSuccess, "", nil
		}
		if err != nil {
			if lostLease.Load() || ctx.Err() != nil {
				return "", "", nil
			}
			return "", "", err
		}

		stepSeq++
		stepCtx, span := w.tracer.startStep(ctx, run.ID, stepSeq)
		cp, err := w.st.PutCheckpoint(stepCtx, run.ThreadID, parentID, run.ID, step.Checkpoint, step.Suspended)
		endSpan(span, err)
		if err != nil {
			return "", "", fmt.Errorf("failed to persist checkpoint: %w", err)
		}
		w.metrics.checkpointWritten()
		parentID = cp.ID

		publish(bus.KindStep, step.Output, cp.ID, false)

		if step.Suspended {
			return store.RunInterrupted, "suspended", nil
		}
	}
}

// startCheckpoint resolves the checkpoint an attempt begins from: the run's
// pinned start checkpoint, else the thread head, else nil for a fresh thread.
// Progress persisted by earlier attempts of this run wins over the pin so a
// retry never replays completed steps.
func (w *worker) startCheckpoint(ctx context.Context, run store.Run) (*store.Checkpoint, error) {
	head, err := w.st.LatestCheckpoint(ctx, run.ThreadID, run.StartCheckpointID)
	if err == nil {
		return &head, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to resolve starting checkpoint: %w", err)
	}
	if run.StartCheckpointID != "" {
		return nil, fmt.Errorf("start checkpoint %s: %w", run.StartCheckpointID, store.ErrNotFound)
	}
	return nil, nil
}

// terminalData is the payload of a run's terminal event.
type terminalData struct {
	Status store.RunStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// finalize records the terminal status through the lease-guarded Complete,
// publishes the terminal event, and releases the thread lock. A lost lease
// surfaces as ErrNotOwner and the run is abandoned silently: whoever took
// ownership finalizes instead.
func (w *worker) finalize(run store.Run, status store.RunStatus, errCause string, eventSeq int, log *zap.Logger) {
	// Finalization must proceed even when the pool is shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.st.Complete(ctx, run.ID, w.id, status, errCause); err != nil {
		if errors.Is(err, store.ErrNotOwner) {
			log.Info("lease moved before finalization, abandoning", zap.String("status", string(status)))
			return
		}
		log.Error("failed to finalize run", zap.String("status", string(status)), zap.Error(err))
		return
	}

	data, _ := json.Marshal(terminalData{Status: status, Error: errCause})
	ev := bus.Event{
		RunID:    run.ID,
		Seq:      eventSeq + 1,
		Kind:     bus.KindRunEnd,
		Data:     data,
		Terminal: true,
	}
	if err := w.bus.Publish(ctx, ev); err != nil {
		log.Warn("terminal event publish failed", zap.Error(err))
	}

	if err := w.st.ReleaseThread(ctx, run.ThreadID, run.ID); err != nil {
		log.Warn("failed to release thread lock", zap.Error(err))
	}

	log.Info("run finished",
		zap.String("status", string(status)),
		zap.String("error", errCause),
	)
}
