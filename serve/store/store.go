package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced thread, checkpoint, run, or
// schedule does not exist. Callers should surface it without retrying.
var ErrNotFound = errors.New("not found")

// ErrNotOwner is returned when a worker calls ExtendLease or Complete for a
// queue entry whose lease has expired and been reclaimed by another worker.
// The caller must abort its local execution without finalizing; the run is
// now owned elsewhere.
var ErrNotOwner = errors.New("lease not owned")

// ErrLockHeld is returned when a thread's execution lock is already held by a
// different run. The claimed run should be returned to the queue; this is not
// an error visible to the submitter.
var ErrLockHeld = errors.New("thread lock held by another run")

// ErrAlreadyExists is returned by CreateRun and PutSchedule when a record
// with the same ID already exists. Submission paths treat this as an
// idempotent no-op and fetch the existing record.
var ErrAlreadyExists = errors.New("already exists")

// ErrRunActive is returned by DeleteRun when the run is currently running.
// Running runs must be cancelled before deletion.
var ErrRunActive = errors.New("run is active")

// RunStatus is the lifecycle state of a run.
//
// Lifecycle: pending -> running -> {success, error, interrupted, timeout}.
// A pending run may move directly to cancelled before it is claimed.
// A cancelled-while-running run finalizes as interrupted (cooperative stop).
// Terminal states are final; no transition leaves them.
type RunStatus string

const (
	// RunPending is a run waiting in the queue for a worker claim.
	RunPending RunStatus = "pending"
	// RunRunning is a run currently driven by a worker.
	RunRunning RunStatus = "running"
	// RunSuccess is a run whose executor stream completed normally.
	RunSuccess RunStatus = "success"
	// RunError is a run finalized after a permanent executor failure or
	// exhausted retries. The Error field carries the structured cause.
	RunError RunStatus = "error"
	// RunInterrupted is a run stopped cooperatively: either a cancellation
	// observed at a checkpoint boundary or an executor suspension awaiting
	// an external resume.
	RunInterrupted RunStatus = "interrupted"
	// RunTimeout is a run finalized by the supervisor after exceeding the
	// configured wall-clock deadline, independent of worker cooperation.
	RunTimeout RunStatus = "timeout"
	// RunCancelled is a run cancelled before any worker claimed it.
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunError, RunInterrupted, RunTimeout, RunCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether a run may move from one status to another.
// Terminal states accept no outgoing transitions.
func ValidTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case RunPending:
		return to == RunRunning || to == RunCancelled
	case RunRunning:
		return to == RunSuccess || to == RunError || to == RunInterrupted || to == RunTimeout
	}
	return false
}

// ErrInvalidTransition is returned by UpdateRunStatus when the requested
// status change violates the run state machine.
var ErrInvalidTransition = errors.New("invalid run status transition")

// Checkpoint is an immutable snapshot of execution state at a point in a run.
//
// Checkpoints for a thread form an append-only tree: each checkpoint points
// at its parent, and forks create sibling branches. Sequence numbers are
// strictly increasing and gap-free per thread. A checkpoint is never mutated
// or deleted except by explicit thread-history truncation.
type Checkpoint struct {
	// ID uniquely identifies the checkpoint.
	ID string `json:"id"`

	// ThreadID is the thread this checkpoint belongs to.
	ThreadID string `json:"thread_id"`

	// ParentID is the parent checkpoint, empty for a root.
	ParentID string `json:"parent_id,omitempty"`

	// Seq is the per-thread sequence number, starting at 1.
	Seq int64 `json:"seq"`

	// RunID identifies the run that produced this checkpoint.
	RunID string `json:"run_id"`

	// Payload is the serialized execution state supplied by the executor.
	Payload json.RawMessage `json:"payload"`

	// Suspended marks a checkpoint written at an executor suspension point,
	// awaiting an external resume.
	Suspended bool `json:"suspended,omitempty"`

	// CreatedAt records when the checkpoint was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// Run is one execution attempt of an assistant against a thread.
type Run struct {
	// ID uniquely identifies the run.
	ID string `json:"id"`

	// ThreadID is the thread this run executes against.
	ThreadID string `json:"thread_id"`

	// AssistantID references the assistant/graph to execute.
	AssistantID string `json:"assistant_id"`

	// Input is the opaque input payload passed to the executor.
	Input json.RawMessage `json:"input,omitempty"`

	// StartCheckpointID optionally pins the starting checkpoint. Empty means
	// the thread head at claim time.
	StartCheckpointID string `json:"start_checkpoint_id,omitempty"`

	// Status is the current lifecycle state.
	Status RunStatus `json:"status"`

	// Error carries the structured cause for runs finalized as RunError.
	Error string `json:"error,omitempty"`

	// Attempt counts executor retry attempts consumed so far.
	Attempt int `json:"attempt"`

	// CancelRequested is the cooperative cancellation flag, observed by the
	// owning worker at checkpoint boundaries.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// QueueEntry is a durable, claimable record referencing a pending or running
// run, plus its lease. An entry is claimable by exactly one worker at a time;
// an expired lease makes it reclaimable.
type QueueEntry struct {
	RunID       string    `json:"run_id"`
	Owner       string    `json:"owner,omitempty"`
	LeaseExpiry time.Time `json:"lease_expiry,omitzero"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Schedule is a cron expression bound to an assistant and thread template.
// Mutated only by the cron scheduler, via the AdvanceSchedule compare-and-swap.
type Schedule struct {
	// ID uniquely identifies the schedule.
	ID string `json:"id"`

	// Spec is the cron expression (standard five-field format).
	Spec string `json:"spec"`

	// AssistantID references the assistant to run on each fire.
	AssistantID string `json:"assistant_id"`

	// ThreadID pins fires to one thread. Empty means a fresh thread per fire.
	ThreadID string `json:"thread_id,omitempty"`

	// Input is the run input template submitted on each fire.
	Input json.RawMessage `json:"input,omitempty"`

	// NextFireAt is the next computed fire time.
	NextFireAt time.Time `json:"next_fire_at"`

	// LastFiredAt records the most recent fire that enqueued a run.
	LastFiredAt time.Time `json:"last_fired_at,omitzero"`

	// EndAt optionally stops the schedule; fires past EndAt delete it.
	EndAt time.Time `json:"end_at,omitzero"`

	CreatedAt time.Time `json:"created_at"`
}

// Store provides durable persistence and cross-process coordination for
// checkpoints, runs, queue leases, thread execution locks, and schedules.
//
// Implementations must make every write durable before returning, and must
// implement Claim, AcquireThread, and AdvanceSchedule as atomic conditional
// writes so that independent worker and scheduler processes coordinating
// through the same database observe exactly-once semantics.
//
// Implementations:
//   - MemStore: in-memory, for tests and single-process development
//   - SQLiteStore: single-file database, WAL mode
//   - MySQLStore: shared database for multi-host fleets
type Store interface {
	// PutCheckpoint appends a checkpoint as a child of parentID, or as a new
	// root when parentID is empty. Returns ErrNotFound if the parent does not
	// exist. Concurrent appends to the same thread are serialized so that
	// sequence numbers remain strictly increasing and gap-free.
	PutCheckpoint(ctx context.Context, threadID, parentID, runID string, payload json.RawMessage, suspended bool) (Checkpoint, error)

	// GetCheckpoint returns a checkpoint by ID, or ErrNotFound.
	GetCheckpoint(ctx context.Context, id string) (Checkpoint, error)

	// LatestCheckpoint returns the most recent checkpoint on the selected
	// branch. An empty branch selects the most recently created leaf; a
	// checkpoint ID pins the branch containing that checkpoint, returning
	// the newest descendant-or-self. Returns ErrNotFound when the thread has
	// no checkpoints (or no checkpoint on the branch).
	LatestCheckpoint(ctx context.Context, threadID, branch string) (Checkpoint, error)

	// CheckpointHistory returns the thread's checkpoint tree in
	// reverse-chronological order (newest first).
	CheckpointHistory(ctx context.Context, threadID string) ([]Checkpoint, error)

	// TruncateThread deletes the thread's checkpoint history. This is the
	// only deletion path for checkpoints.
	TruncateThread(ctx context.Context, threadID string) error

	// CreateRun persists a new run record. Returns ErrAlreadyExists when a
	// run with the same ID exists.
	CreateRun(ctx context.Context, run Run) error

	// GetRun returns a run by ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (Run, error)

	// UpdateRunStatus transitions a run, enforcing the state machine.
	// Moving into RunRunning stamps StartedAt; moving into a terminal status
	// stamps EndedAt and records errCause for RunError.
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errCause string) error

	// IncrementAttempt bumps the run's retry counter.
	IncrementAttempt(ctx context.Context, id string) error

	// RequestCancel flags a run for cooperative cancellation. A pending run
	// moves straight to RunCancelled and its queue entry is removed; a
	// running run keeps its status and relies on the worker observing the
	// flag at the next checkpoint boundary. Returns the resulting status.
	RequestCancel(ctx context.Context, id string) (RunStatus, error)

	// SearchRuns lists runs, newest first. Empty threadID matches all
	// threads; empty status matches all statuses. A limit of 0 means no limit.
	SearchRuns(ctx context.Context, threadID string, status RunStatus, limit, offset int) ([]Run, error)

	// DeleteRun removes a run record. Returns ErrRunActive for running runs.
	DeleteRun(ctx context.Context, id string) error

	// Enqueue creates a queue entry for the run. Idempotent: enqueueing an
	// already-queued run is a no-op.
	Enqueue(ctx context.Context, runID string) error

	// Claim atomically claims the oldest unclaimed-or-lease-expired entry,
	// setting owner and lease expiry, and returns the referenced run.
	// Entries whose thread lock is held by a different run are skipped, so
	// a thread with an active run never has a second run claimed against it.
	// Returns (nil, nil) when nothing is claimable.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*Run, error)

	// ExtendLease renews the caller's lease. Returns false, without error,
	// when the caller no longer owns the entry; the caller must stop driving
	// the executor immediately and discard local state without finalizing.
	ExtendLease(ctx context.Context, runID, workerID string, lease time.Duration) (bool, error)

	// ReleaseClaim clears the caller's claim, returning the entry to the
	// queue. Used when the thread lock is contended. No-op if the caller no
	// longer owns the entry.
	ReleaseClaim(ctx context.Context, runID, workerID string) error

	// Complete removes the queue entry and records the terminal status on
	// the run. Returns ErrNotOwner when the caller's lease has expired and
	// the entry was reclaimed or dropped, preventing a zombie worker from
	// double-finalizing.
	Complete(ctx context.Context, runID, workerID string, status RunStatus, errCause string) error

	// DropQueueEntry removes a queue entry unconditionally. Used by the
	// supervisor when finalizing a timed-out run.
	DropQueueEntry(ctx context.Context, runID string) error

	// QueueDepth returns the number of entries currently in the queue.
	QueueDepth(ctx context.Context) (int, error)

	// AcquireThread takes the thread execution lock for a run, via an atomic
	// conditional write keyed by thread ID. Returns ErrLockHeld when a
	// different run holds the lock. Re-entrant for the same run ID so a
	// reclaimed run can resume after a worker crash.
	AcquireThread(ctx context.Context, threadID, runID string) error

	// ReleaseThread releases the thread lock if held by the given run.
	// No-op otherwise.
	ReleaseThread(ctx context.Context, threadID, runID string) error

	// PutSchedule persists a schedule. Returns ErrAlreadyExists on ID reuse.
	PutSchedule(ctx context.Context, sched Schedule) error

	// GetSchedule returns a schedule by ID, or ErrNotFound.
	GetSchedule(ctx context.Context, id string) (Schedule, error)

	// DeleteSchedule removes a schedule. Returns ErrNotFound if absent.
	DeleteSchedule(ctx context.Context, id string) error

	// SearchSchedules lists schedules filtered by assistant and/or thread.
	SearchSchedules(ctx context.Context, assistantID, threadID string, limit, offset int) ([]Schedule, error)

	// DueSchedules returns schedules whose next fire time has passed.
	DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)

	// AdvanceSchedule atomically advances a schedule's next fire time,
	// conditional on the previous value. Returns true only for the single
	// caller whose prevNext matched, so racing scheduler processes enqueue
	// at most one run per fire time. firedAt updates LastFiredAt when
	// non-zero.
	AdvanceSchedule(ctx context.Context, id string, prevNext, newNext, firedAt time.Time) (bool, error)

	// Close releases the store's resources.
	Close() error
}
