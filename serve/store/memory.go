package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process deployments where durability isn't required
//
// MemStore is thread-safe. All conditional writes (Claim, AcquireThread,
// AdvanceSchedule) are atomic under a single mutex, so the coordination
// semantics match the database-backed stores; only durability is lost.
type MemStore struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint   // checkpoint ID -> checkpoint
	byThread    map[string][]string     // thread ID -> checkpoint IDs in append order
	seq         map[string]int64        // thread ID -> last sequence number
	runs        map[string]Run          // run ID -> run
	queue       map[string]*QueueEntry  // run ID -> entry
	locks       map[string]string       // thread ID -> holding run ID
	schedules   map[string]Schedule     // schedule ID -> schedule
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string]Checkpoint),
		byThread:    make(map[string][]string),
		seq:         make(map[string]int64),
		runs:        make(map[string]Run),
		queue:       make(map[string]*QueueEntry),
		locks:       make(map[string]string),
		schedules:   make(map[string]Schedule),
	}
}

// PutCheckpoint appends a checkpoint under the thread's append lock
// (implements Store).
func (m *MemStore) PutCheckpoint(_ context.Context, threadID, parentID, runID string, payload json.RawMessage, suspended bool) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parentID != "" {
		parent, ok := m.checkpoints[parentID]
		if !ok || parent.ThreadID != threadID {
			return Checkpoint{}, ErrNotFound
		}
	}

	m.seq[threadID]++
	cp := Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		ParentID:  parentID,
		Seq:       m.seq[threadID],
		RunID:     runID,
		Payload:   append(json.RawMessage(nil), payload...),
		Suspended: suspended,
		CreatedAt: time.Now().UTC(),
	}
	m.checkpoints[cp.ID] = cp
	m.byThread[threadID] = append(m.byThread[threadID], cp.ID)
	return cp, nil
}

// GetCheckpoint returns a checkpoint by ID (implements Store).
func (m *MemStore) GetCheckpoint(_ context.Context, id string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

// LatestCheckpoint returns the newest checkpoint on the selected branch
// (implements Store).
func (m *MemStore) LatestCheckpoint(_ context.Context, threadID, branch string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return latestOnBranch(m.threadCheckpointsLocked(threadID), branch)
}

// CheckpointHistory returns the thread's checkpoints newest first
// (implements Store).
func (m *MemStore) CheckpointHistory(_ context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cps := m.threadCheckpointsLocked(threadID)
	sort.Slice(cps, func(i, j int) bool { return cps[i].Seq > cps[j].Seq })
	return cps, nil
}

// TruncateThread deletes the thread's checkpoint history (implements Store).
func (m *MemStore) TruncateThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.byThread[threadID] {
		delete(m.checkpoints, id)
	}
	delete(m.byThread, threadID)
	delete(m.seq, threadID)
	return nil
}

func (m *MemStore) threadCheckpointsLocked(threadID string) []Checkpoint {
	ids := m.byThread[threadID]
	cps := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		cps = append(cps, m.checkpoints[id])
	}
	return cps
}

// latestOnBranch picks the newest checkpoint from cps, restricted to the
// branch rooted at the given checkpoint ID when branch is non-empty.
// Shared by MemStore and the SQL stores, which resolve branch lineage in
// memory after loading the (bounded) thread history.
func latestOnBranch(cps []Checkpoint, branch string) (Checkpoint, error) {
	if len(cps) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	byID := make(map[string]Checkpoint, len(cps))
	for _, cp := range cps {
		byID[cp.ID] = cp
	}

	onBranch := func(cp Checkpoint) bool {
		if branch == "" {
			return true
		}
		for {
			if cp.ID == branch {
				return true
			}
			if cp.ParentID == "" {
				return false
			}
			parent, ok := byID[cp.ParentID]
			if !ok {
				return false
			}
			cp = parent
		}
	}

	var best Checkpoint
	found := false
	for _, cp := range cps {
		if !onBranch(cp) {
			continue
		}
		if !found || cp.Seq > best.Seq {
			best = cp
			found = true
		}
	}
	if !found {
		return Checkpoint{}, ErrNotFound
	}
	return best, nil
}

// CreateRun persists a new run record (implements Store).
func (m *MemStore) CreateRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	m.runs[run.ID] = run
	return nil
}

// GetRun returns a run by ID (implements Store).
func (m *MemStore) GetRun(_ context.Context, id string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

// UpdateRunStatus transitions a run, enforcing the state machine
// (implements Store).
func (m *MemStore) UpdateRunStatus(_ context.Context, id string, status RunStatus, errCause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRunStatusLocked(id, status, errCause)
}

func (m *MemStore) updateRunStatusLocked(id string, status RunStatus, errCause string) error {
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if !ValidTransition(run.Status, status) {
		return ErrInvalidTransition
	}
	run.Status = status
	now := time.Now().UTC()
	if status == RunRunning && run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if status.Terminal() {
		run.EndedAt = now
		if status == RunError {
			run.Error = errCause
		}
	}
	m.runs[id] = run
	return nil
}

// IncrementAttempt bumps the run's retry counter (implements Store).
func (m *MemStore) IncrementAttempt(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Attempt++
	m.runs[id] = run
	return nil
}

// RequestCancel flags a run for cooperative cancellation (implements Store).
func (m *MemStore) RequestCancel(_ context.Context, id string) (RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return "", ErrNotFound
	}
	if run.Status.Terminal() {
		return run.Status, nil
	}
	run.CancelRequested = true
	m.runs[id] = run

	// A pending run was never claimed; cancel it outright and drop its
	// queue entry so no worker picks it up.
	if run.Status == RunPending {
		if entry, queued := m.queue[id]; queued && entry.Owner == "" {
			delete(m.queue, id)
			if err := m.updateRunStatusLocked(id, RunCancelled, ""); err != nil {
				return run.Status, err
			}
			return RunCancelled, nil
		}
	}
	return run.Status, nil
}

// SearchRuns lists runs newest first (implements Store).
func (m *MemStore) SearchRuns(_ context.Context, threadID string, status RunStatus, limit, offset int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		if threadID != "" && run.ThreadID != threadID {
			continue
		}
		if status != "" && run.Status != status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return paginate(runs, limit, offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// DeleteRun removes a run record (implements Store).
func (m *MemStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status == RunRunning {
		return ErrRunActive
	}
	delete(m.runs, id)
	delete(m.queue, id)
	return nil
}

// Enqueue creates a queue entry for the run (implements Store).
func (m *MemStore) Enqueue(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return ErrNotFound
	}
	if _, queued := m.queue[runID]; queued {
		return nil
	}
	m.queue[runID] = &QueueEntry{
		RunID:      runID,
		EnqueuedAt: time.Now().UTC(),
	}
	return nil
}

// Claim atomically claims the oldest claimable entry (implements Store).
func (m *MemStore) Claim(_ context.Context, workerID string, lease time.Duration) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	entries := make([]*QueueEntry, 0, len(m.queue))
	for _, entry := range m.queue {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].RunID < entries[j].RunID
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})

	for _, entry := range entries {
		if entry.Owner != "" && entry.LeaseExpiry.After(now) {
			continue // lease still live
		}
		run := m.runs[entry.RunID]
		if holder, locked := m.locks[run.ThreadID]; locked && holder != run.ID {
			continue // thread busy with another run
		}
		entry.Owner = workerID
		entry.LeaseExpiry = now.Add(lease)
		claimed := run
		return &claimed, nil
	}
	return nil, nil
}

// ExtendLease renews the caller's lease (implements Store).
func (m *MemStore) ExtendLease(_ context.Context, runID, workerID string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.queue[runID]
	if !ok || entry.Owner != workerID {
		return false, nil
	}
	entry.LeaseExpiry = time.Now().UTC().Add(lease)
	return true, nil
}

// ReleaseClaim returns the caller's entry to the queue (implements Store).
func (m *MemStore) ReleaseClaim(_ context.Context, runID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.queue[runID]
	if !ok || entry.Owner != workerID {
		return nil
	}
	entry.Owner = ""
	entry.LeaseExpiry = time.Time{}
	return nil
}

// Complete removes the queue entry and finalizes the run (implements Store).
func (m *MemStore) Complete(_ context.Context, runID, workerID string, status RunStatus, errCause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.queue[runID]
	if !ok || entry.Owner != workerID {
		return ErrNotOwner
	}
	delete(m.queue, runID)
	return m.updateRunStatusLocked(runID, status, errCause)
}

// DropQueueEntry removes a queue entry unconditionally (implements Store).
func (m *MemStore) DropQueueEntry(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.queue, runID)
	return nil
}

// QueueDepth returns the number of queued entries (implements Store).
func (m *MemStore) QueueDepth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), nil
}

// AcquireThread takes the thread execution lock (implements Store).
func (m *MemStore) AcquireThread(_ context.Context, threadID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, locked := m.locks[threadID]; locked && holder != runID {
		return ErrLockHeld
	}
	m.locks[threadID] = runID
	return nil
}

// ReleaseThread releases the thread lock if held by the run (implements Store).
func (m *MemStore) ReleaseThread(_ context.Context, threadID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, locked := m.locks[threadID]; locked && holder == runID {
		delete(m.locks, threadID)
	}
	return nil
}

// PutSchedule persists a schedule (implements Store).
func (m *MemStore) PutSchedule(_ context.Context, sched Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[sched.ID]; exists {
		return ErrAlreadyExists
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	m.schedules[sched.ID] = sched
	return nil
}

// GetSchedule returns a schedule by ID (implements Store).
func (m *MemStore) GetSchedule(_ context.Context, id string) (Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, ok := m.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return sched, nil
}

// DeleteSchedule removes a schedule (implements Store).
func (m *MemStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

// SearchSchedules lists schedules filtered by assistant and thread
// (implements Store).
func (m *MemStore) SearchSchedules(_ context.Context, assistantID, threadID string, limit, offset int) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scheds := make([]Schedule, 0, len(m.schedules))
	for _, sched := range m.schedules {
		if assistantID != "" && sched.AssistantID != assistantID {
			continue
		}
		if threadID != "" && sched.ThreadID != threadID {
			continue
		}
		scheds = append(scheds, sched)
	}
	sort.Slice(scheds, func(i, j int) bool {
		if scheds[i].CreatedAt.Equal(scheds[j].CreatedAt) {
			return scheds[i].ID < scheds[j].ID
		}
		return scheds[i].CreatedAt.Before(scheds[j].CreatedAt)
	})
	return paginate(scheds, limit, offset), nil
}

// DueSchedules returns schedules whose next fire time has passed
// (implements Store).
func (m *MemStore) DueSchedules(_ context.Context, now time.Time) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Schedule
	for _, sched := range m.schedules {
		if !sched.NextFireAt.After(now) {
			due = append(due, sched)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(due[j].NextFireAt) })
	return due, nil
}

// AdvanceSchedule performs the compare-and-swap fire-time advance
// (implements Store).
func (m *MemStore) AdvanceSchedule(_ context.Context, id string, prevNext, newNext, firedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, ok := m.schedules[id]
	if !ok {
		return false, nil
	}
	if !sched.NextFireAt.Equal(prevNext) {
		return false, nil
	}
	sched.NextFireAt = newNext
	if !firedAt.IsZero() {
		sched.LastFiredAt = firedAt
	}
	m.schedules[id] = sched
	return true, nil
}

// Close is a no-op for MemStore (implements Store).
func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
