package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/graphserve-go/serve/bus"
	"github.com/dshills/graphserve-go/serve/store"
)

// SubmitRequest describes a run to schedule.
type SubmitRequest struct {
	// RunID optionally fixes the run's ID, making submission idempotent:
	// resubmitting an existing ID returns the existing run unchanged. Empty
	// generates a new ID.
	RunID string

	// ThreadID selects the thread to execute against. Empty creates a fresh
	// thread.
	ThreadID string

	// AssistantID references the assistant/graph to execute. Required.
	AssistantID string

	// Input is the opaque input payload for the executor.
	Input json.RawMessage

	// StartCheckpointID optionally pins the starting checkpoint instead of
	// the thread head, selecting that checkpoint's branch.
	StartCheckpointID string
}

// Supervisor is the API-facing coordinator: it admits runs into the queue,
// handles cancellation and queries, joins and streams run progress, and
// reaps runs past their wall-clock budget.
type Supervisor struct {
	st      store.Store
	bus     bus.Bus
	opts    Options
	log     *zap.Logger
	metrics *Metrics
}

// NewSupervisor creates a supervisor over the given store and bus.
func NewSupervisor(st store.Store, b bus.Bus, opts Options, metrics *Metrics) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		st:      st,
		bus:     b,
		opts:    opts,
		log:     opts.Logger,
		metrics: metrics,
	}
}

// SubmitRun creates a pending run and its queue entry. The run becomes
// visible to GetRun before any worker claims it.
func (s *Supervisor) SubmitRun(ctx context.Context, req SubmitRequest) (store.Run, error) {
	if req.AssistantID == "" {
		return store.Run{}, fmt.Errorf("assistant id is required")
	}

	run := store.Run{
		ID:                req.RunID,
		ThreadID:          req.ThreadID,
		AssistantID:       req.AssistantID,
		Input:             req.Input,
		StartCheckpointID: req.StartCheckpointID,
		Status:            store.RunPending,
		CreatedAt:         time.Now().UTC(),
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if req.StartCheckpointID != "" {
		cp, err := s.st.GetCheckpoint(ctx, req.StartCheckpointID)
		if err != nil {
			return store.Run{}, fmt.Errorf("failed to resolve start checkpoint: %w", err)
		}
		if run.ThreadID == "" {
			run.ThreadID = cp.ThreadID
		} else if run.ThreadID != cp.ThreadID {
			return store.Run{}, fmt.Errorf("start checkpoint belongs to thread %s, not %s", cp.ThreadID, run.ThreadID)
		}
	}
	if run.ThreadID == "" {
		run.ThreadID = uuid.NewString()
	}

	if err := s.st.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			existing, gerr := s.st.GetRun(ctx, run.ID)
			if gerr != nil {
				return store.Run{}, fmt.Errorf("failed to load existing run: %w", gerr)
			}
			return existing, nil
		}
		return store.Run{}, fmt.Errorf("failed to create run: %w", err)
	}
	if err := s.st.Enqueue(ctx, run.ID); err != nil {
		return store.Run{}, fmt.Errorf("failed to enqueue run: %w", err)
	}

	s.log.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("thread_id", run.ThreadID),
		zap.String("assistant_id", run.AssistantID),
	)
	return run, nil
}

// GetRun returns a run by ID.
func (s *Supervisor) GetRun(ctx context.Context, runID string) (store.Run, error) {
	return s.st.GetRun(ctx, runID)
}

// SearchRuns lists runs, newest first, optionally filtered by thread and
// status. A limit of 0 means no limit.
func (s *Supervisor) SearchRuns(ctx context.Context, threadID string, status store.RunStatus, limit, offset int) ([]store.Run, error) {
	return s.st.SearchRuns(ctx, threadID, status, limit, offset)
}

// CancelRun requests cancellation. A pending run is finalized cancelled
// immediately; a running run is flagged and stops cooperatively at its next
// checkpoint boundary, finalizing as interrupted. Returns the run's status
// after the request.
func (s *Supervisor) CancelRun(ctx context.Context, runID string) (store.RunStatus, error) {
	status, err := s.st.RequestCancel(ctx, runID)
	if err != nil {
		return "", err
	}

	if status == store.RunCancelled {
		// Never claimed: no worker will publish the terminal event.
		data, _ := json.Marshal(terminalData{Status: store.RunCancelled})
		ev := bus.Event{
			RunID:    runID,
			Seq:      1,
			Kind:     bus.KindRunEnd,
			Data:     data,
			Terminal: true,
		}
		if perr := s.bus.Publish(ctx, ev); perr != nil {
			s.log.Warn("terminal event publish failed", zap.String("run_id", runID), zap.Error(perr))
		}
		s.metrics.runFinalizedExternally(string(store.RunCancelled))
	}

	s.log.Info("cancellation requested",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
	)
	return status, nil
}

// CancelRunWait cancels the run and blocks until it reaches a terminal
// state or ctx expires.
func (s *Supervisor) CancelRunWait(ctx context.Context, runID string) (store.Run, error) {
	if _, err := s.CancelRun(ctx, runID); err != nil {
		return store.Run{}, err
	}
	return s.JoinRun(ctx, runID)
}

// DeleteRun removes a terminal or pending run record. Pending runs are
// dequeued first so no worker claims a deleted run. Running runs must be
// cancelled before deletion.
func (s *Supervisor) DeleteRun(ctx context.Context, runID string) error {
	run, err := s.st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunRunning {
		return fmt.Errorf("cannot delete run %s: %w", runID, store.ErrRunActive)
	}
	if run.Status == store.RunPending {
		if err := s.st.DropQueueEntry(ctx, runID); err != nil {
			return fmt.Errorf("failed to dequeue run: %w", err)
		}
	}
	return s.st.DeleteRun(ctx, runID)
}

// JoinRun blocks until the run reaches a terminal state and returns it.
//
// The subscription is taken before the status check, so a run that finishes
// between the two is still observed through its retained terminal event
// rather than blocking forever.
func (s *Supervisor) JoinRun(ctx context.Context, runID string) (store.Run, error) {
	sub, err := s.bus.Subscribe(ctx, runID)
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to subscribe to run: %w", err)
	}
	defer sub.Close()

	run, err := s.st.GetRun(ctx, runID)
	if err != nil {
		return store.Run{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	for {
		select {
		case <-ctx.Done():
			return store.Run{}, ctx.Err()
		case ev, ok := <-sub.Events():
			if ok && !ev.Terminal {
				continue
			}
			// Terminal event, or the stream closed under us. Either way the
			// store has the authoritative state.
			run, err := s.st.GetRun(ctx, runID)
			if err != nil {
				return store.Run{}, err
			}
			if run.Status.Terminal() {
				return run, nil
			}
			if !ok {
				// Stream closed without a terminal transition (bus shutdown).
				return store.Run{}, fmt.Errorf("event stream closed before run %s finished", runID)
			}
		}
	}
}

// RunStream is a consistent view of a run for live streaming: the record and
// checkpoint history as of subscription time, plus the live event feed.
//
// Because the subscription is taken before history is read, an event may be
// reflected in both History and Events; consumers deduplicate by checkpoint
// ID.
type RunStream struct {
	Run     store.Run
	History []store.Checkpoint
	Events  bus.Subscription
}

// StreamRun subscribes to a run's live events and snapshots its current
// state. The caller must Close the Events subscription.
func (s *Supervisor) StreamRun(ctx context.Context, runID string) (*RunStream, error) {
	sub, err := s.bus.Subscribe(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to run: %w", err)
	}

	run, err := s.st.GetRun(ctx, runID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	history, err := s.st.CheckpointHistory(ctx, run.ThreadID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to load checkpoint history: %w", err)
	}

	return &RunStream{Run: run, History: history, Events: sub}, nil
}

// ReapTimeouts finalizes running runs whose wall-clock budget expired as of
// now: status timeout, queue entry dropped, thread lock released, terminal
// event published. The owning worker's next lease renewal fails and it
// abandons silently. Returns the number of runs reaped.
func (s *Supervisor) ReapTimeouts(ctx context.Context, now time.Time) (int, error) {
	running, err := s.st.SearchRuns(ctx, "", store.RunRunning, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list running runs: %w", err)
	}

	reaped := 0
	for _, run := range running {
		if run.StartedAt.IsZero() || now.Sub(run.StartedAt) < s.opts.RunTimeout {
			continue
		}
		cause := fmt.Sprintf("exceeded run timeout %s", s.opts.RunTimeout)
		if err := s.st.UpdateRunStatus(ctx, run.ID, store.RunTimeout, cause); err != nil {
			// Finished or already reaped in the meantime.
			if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return reaped, fmt.Errorf("failed to finalize timed-out run %s: %w", run.ID, err)
		}
		if err := s.st.DropQueueEntry(ctx, run.ID); err != nil {
			s.log.Warn("failed to drop queue entry for timed-out run", zap.String("run_id", run.ID), zap.Error(err))
		}
		if err := s.st.ReleaseThread(ctx, run.ThreadID, run.ID); err != nil {
			s.log.Warn("failed to release thread lock for timed-out run", zap.String("run_id", run.ID), zap.Error(err))
		}

		data, _ := json.Marshal(terminalData{Status: store.RunTimeout, Error: cause})
		ev := bus.Event{
			RunID:    run.ID,
			Kind:     bus.KindRunEnd,
			Data:     data,
			Terminal: true,
		}
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.log.Warn("terminal event publish failed", zap.String("run_id", run.ID), zap.Error(err))
		}

		s.metrics.runFinalizedExternally(string(store.RunTimeout))
		s.log.Warn("run timed out",
			zap.String("run_id", run.ID),
			zap.Duration("budget", s.opts.RunTimeout),
		)
		reaped++
	}
	return reaped, nil
}

// reapLoop runs ReapTimeouts periodically until ctx ends.
func (s *Supervisor) reapLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReapTimeouts(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				s.log.Warn("timeout reap failed", zap.Error(err))
			}
		}
	}
}
