package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// dialect captures the differences between the supported SQL backends.
// Both use "?" placeholders; they differ in schema DDL and duplicate-key
// error detection.
type dialect struct {
	name   string
	schema []string
	isDup  func(error) bool
}

// sqlStore implements Store on top of database/sql. SQLiteStore and
// MySQLStore are thin constructors around it; all timestamps are persisted
// as unix nanoseconds so lease-expiry comparisons are plain integer
// comparisons in SQL.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

func (s *sqlStore) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// PutCheckpoint appends a checkpoint, allocating the next per-thread
// sequence number. The UNIQUE(thread_id, seq) constraint is the arbiter
// under concurrent appends: losers observe a duplicate-key error and retry
// with a fresh sequence number, so numbers stay strictly increasing and
// gap-free (implements Store).
func (s *sqlStore) PutCheckpoint(ctx context.Context, threadID, parentID, runID string, payload json.RawMessage, suspended bool) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}

	if parentID != "" {
		var parentThread string
		err := s.db.QueryRowContext(ctx,
			`SELECT thread_id FROM checkpoints WHERE id = ?`, parentID).Scan(&parentThread)
		if err == sql.ErrNoRows || (err == nil && parentThread != threadID) {
			return Checkpoint{}, ErrNotFound
		}
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to look up parent checkpoint: %w", err)
		}
	}

	const maxSeqRetries = 10
	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		var seq int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&seq)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to allocate sequence number: %w", err)
		}

		cp := Checkpoint{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			ParentID:  parentID,
			Seq:       seq,
			RunID:     runID,
			Payload:   append(json.RawMessage(nil), payload...),
			Suspended: suspended,
			CreatedAt: time.Now().UTC(),
		}

		suspendedInt := 0
		if suspended {
			suspendedInt = 1
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (id, thread_id, parent_id, seq, run_id, payload, suspended, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.ThreadID, cp.ParentID, cp.Seq, cp.RunID, string(cp.Payload), suspendedInt, nanos(cp.CreatedAt))
		if err != nil {
			if s.dialect.isDup(err) {
				continue // lost the sequence race, retry with a fresh number
			}
			return Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return cp, nil
	}
	return Checkpoint{}, fmt.Errorf("failed to allocate sequence number after %d attempts", maxSeqRetries)
}

func scanCheckpoint(row interface{ Scan(...any) error }) (Checkpoint, error) {
	var (
		cp        Checkpoint
		payload   string
		suspended int
		created   int64
	)
	err := row.Scan(&cp.ID, &cp.ThreadID, &cp.ParentID, &cp.Seq, &cp.RunID, &payload, &suspended, &created)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Payload = json.RawMessage(payload)
	cp.Suspended = suspended != 0
	cp.CreatedAt = fromNanos(created)
	return cp, nil
}

const checkpointColumns = `id, thread_id, parent_id, seq, run_id, payload, suspended, created_at`

// GetCheckpoint returns a checkpoint by ID (implements Store).
func (s *sqlStore) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// LatestCheckpoint returns the newest checkpoint on the selected branch.
// Branch lineage is resolved in memory after loading the thread history
// (implements Store).
func (s *sqlStore) LatestCheckpoint(ctx context.Context, threadID, branch string) (Checkpoint, error) {
	if branch == "" {
		if err := s.checkOpen(); err != nil {
			return Checkpoint{}, err
		}
		cp, err := scanCheckpoint(s.db.QueryRowContext(ctx,
			`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID))
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrNotFound
		}
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
		}
		return cp, nil
	}

	history, err := s.CheckpointHistory(ctx, threadID)
	if err != nil {
		return Checkpoint{}, err
	}
	return latestOnBranch(history, branch)
}

// CheckpointHistory returns the thread's checkpoints newest first
// (implements Store).
func (s *sqlStore) CheckpointHistory(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return cps, nil
}

// TruncateThread deletes the thread's checkpoint history (implements Store).
func (s *sqlStore) TruncateThread(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to truncate thread: %w", err)
	}
	return nil
}

const runColumns = `id, thread_id, assistant_id, input, start_checkpoint_id, status, error, attempt, cancel_requested, created_at, started_at, ended_at`

// CreateRun persists a new run record (implements Store).
func (s *sqlStore) CreateRun(ctx context.Context, run Run) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	cancelInt := 0
	if run.CancelRequested {
		cancelInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, run.AssistantID, string(run.Input), run.StartCheckpointID,
		string(run.Status), run.Error, run.Attempt, cancelInt,
		nanos(run.CreatedAt), nanos(run.StartedAt), nanos(run.EndedAt))
	if err != nil {
		if s.dialect.isDup(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		run                      Run
		input, status            string
		cancel                   int
		created, started, ended  int64
	)
	err := row.Scan(&run.ID, &run.ThreadID, &run.AssistantID, &input, &run.StartCheckpointID,
		&status, &run.Error, &run.Attempt, &cancel, &created, &started, &ended)
	if err != nil {
		return Run{}, err
	}
	if input != "" {
		run.Input = json.RawMessage(input)
	}
	run.Status = RunStatus(status)
	run.CancelRequested = cancel != 0
	run.CreatedAt = fromNanos(created)
	run.StartedAt = fromNanos(started)
	run.EndedAt = fromNanos(ended)
	return run, nil
}

// GetRun returns a run by ID (implements Store).
func (s *sqlStore) GetRun(ctx context.Context, id string) (Run, error) {
	if err := s.checkOpen(); err != nil {
		return Run{}, err
	}

	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus transitions a run with a compare-and-swap on the current
// status, enforcing the state machine under concurrent updaters
// (implements Store).
func (s *sqlStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errCause string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if !ValidTransition(run.Status, status) {
			return ErrInvalidTransition
		}

		now := time.Now().UTC()
		started := nanos(run.StartedAt)
		if status == RunRunning && run.StartedAt.IsZero() {
			started = nanos(now)
		}
		ended := nanos(run.EndedAt)
		cause := run.Error
		if status.Terminal() {
			ended = nanos(now)
			if status == RunError {
				cause = errCause
			}
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?, started_at = ?, ended_at = ?
			WHERE id = ? AND status = ?`,
			string(status), cause, started, ended, id, string(run.Status))
		if err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		// Lost a status race; re-read and re-validate.
	}
	return ErrInvalidTransition
}

// IncrementAttempt bumps the run's retry counter (implements Store).
func (s *sqlStore) IncrementAttempt(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE runs SET attempt = attempt + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel flags a run for cooperative cancellation (implements Store).
func (s *sqlStore) RequestCancel(ctx context.Context, id string) (RunStatus, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		return run.Status, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE runs SET cancel_requested = 1 WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("failed to set cancel flag: %w", err)
	}

	if run.Status == RunPending {
		// Drop the queue entry only if still unclaimed; a concurrent claim
		// wins the race and the worker observes the flag instead.
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM run_queue WHERE run_id = ? AND owner = ''`, id)
		if err != nil {
			return "", fmt.Errorf("failed to drop queue entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if err := s.UpdateRunStatus(ctx, id, RunCancelled, ""); err != nil {
				return run.Status, err
			}
			return RunCancelled, nil
		}
	}
	return run.Status, nil
}

// SearchRuns lists runs newest first (implements Store).
func (s *sqlStore) SearchRuns(ctx context.Context, threadID string, status RunStatus, limit, offset int) ([]Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if threadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run record (implements Store).
func (s *sqlStore) DeleteRun(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status == RunRunning {
		return ErrRunActive
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to drop queue entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// Enqueue creates a queue entry for the run, idempotently (implements Store).
func (s *sqlStore) Enqueue(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_queue (run_id, owner, lease_expiry, enqueued_at)
		VALUES (?, '', 0, ?)`, runID, nanos(time.Now().UTC()))
	if err != nil {
		if s.dialect.isDup(err) {
			return nil // already queued
		}
		return fmt.Errorf("failed to enqueue run: %w", err)
	}
	return nil
}

// Claim atomically claims the oldest claimable entry via a conditional
// UPDATE keyed on the observed lease state, so two workers racing for the
// same entry can never both win while a lease is unexpired
// (implements Store).
func (s *sqlStore) Claim(ctx context.Context, workerID string, lease time.Duration) (*Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	const maxCandidates = 8
	for attempt := 0; attempt < maxCandidates; attempt++ {
		var runID string
		var owner string
		var expiry int64
		err := s.db.QueryRowContext(ctx, `
			SELECT q.run_id, q.owner, q.lease_expiry
			FROM run_queue q
			JOIN runs r ON r.id = q.run_id
			LEFT JOIN thread_locks l ON l.thread_id = r.thread_id
			WHERE (q.owner = '' OR q.lease_expiry < ?)
			  AND (l.run_id IS NULL OR l.run_id = q.run_id)
			ORDER BY q.enqueued_at ASC, q.run_id ASC
			LIMIT 1`, nanos(now)).Scan(&runID, &owner, &expiry)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select queue entry: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE run_queue SET owner = ?, lease_expiry = ?
			WHERE run_id = ? AND owner = ? AND lease_expiry = ?`,
			workerID, nanos(now.Add(lease)), runID, owner, expiry)
		if err != nil {
			return nil, fmt.Errorf("failed to claim queue entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue // another worker won this entry, try the next candidate
		}

		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &run, nil
	}
	return nil, nil
}

// ExtendLease renews the caller's lease (implements Store).
func (s *sqlStore) ExtendLease(ctx context.Context, runID, workerID string, lease time.Duration) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE run_queue SET lease_expiry = ?
		WHERE run_id = ? AND owner = ?`,
		nanos(time.Now().UTC().Add(lease)), runID, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseClaim returns the caller's entry to the queue (implements Store).
func (s *sqlStore) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE run_queue SET owner = '', lease_expiry = 0
		WHERE run_id = ? AND owner = ?`, runID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// Complete removes the queue entry and finalizes the run (implements Store).
func (s *sqlStore) Complete(ctx context.Context, runID, workerID string, status RunStatus, errCause string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_queue WHERE run_id = ? AND owner = ?`, runID, workerID)
	if err != nil {
		return fmt.Errorf("failed to remove queue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotOwner
	}
	return s.UpdateRunStatus(ctx, runID, status, errCause)
}

// DropQueueEntry removes a queue entry unconditionally (implements Store).
func (s *sqlStore) DropQueueEntry(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to drop queue entry: %w", err)
	}
	return nil
}

// QueueDepth returns the number of queued entries (implements Store).
func (s *sqlStore) QueueDepth(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var depth int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_queue`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return depth, nil
}

// AcquireThread takes the thread execution lock via a conditional insert
// keyed by thread ID (implements Store).
func (s *sqlStore) AcquireThread(ctx context.Context, threadID, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_locks (thread_id, run_id) VALUES (?, ?)`, threadID, runID)
	if err == nil {
		return nil
	}
	if !s.dialect.isDup(err) {
		return fmt.Errorf("failed to acquire thread lock: %w", err)
	}

	// Lock row exists; re-entrant only for the same run.
	var holder string
	qerr := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM thread_locks WHERE thread_id = ?`, threadID).Scan(&holder)
	if qerr == nil && holder == runID {
		return nil
	}
	return ErrLockHeld
}

// ReleaseThread releases the thread lock if held by the run
// (implements Store).
func (s *sqlStore) ReleaseThread(ctx context.Context, threadID, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_locks WHERE thread_id = ? AND run_id = ?`, threadID, runID)
	if err != nil {
		return fmt.Errorf("failed to release thread lock: %w", err)
	}
	return nil
}

const scheduleColumns = `id, spec, assistant_id, thread_id, input, next_fire_at, last_fired_at, end_at, created_at`

// PutSchedule persists a schedule (implements Store).
func (s *sqlStore) PutSchedule(ctx context.Context, sched Schedule) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Spec, sched.AssistantID, sched.ThreadID, string(sched.Input),
		nanos(sched.NextFireAt), nanos(sched.LastFiredAt), nanos(sched.EndAt), nanos(sched.CreatedAt))
	if err != nil {
		if s.dialect.isDup(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

func scanSchedule(row interface{ Scan(...any) error }) (Schedule, error) {
	var (
		sched                        Schedule
		input                        string
		next, fired, end, created    int64
	)
	err := row.Scan(&sched.ID, &sched.Spec, &sched.AssistantID, &sched.ThreadID, &input,
		&next, &fired, &end, &created)
	if err != nil {
		return Schedule{}, err
	}
	if input != "" {
		sched.Input = json.RawMessage(input)
	}
	sched.NextFireAt = fromNanos(next)
	sched.LastFiredAt = fromNanos(fired)
	sched.EndAt = fromNanos(end)
	sched.CreatedAt = fromNanos(created)
	return sched, nil
}

// GetSchedule returns a schedule by ID (implements Store).
func (s *sqlStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	if err := s.checkOpen(); err != nil {
		return Schedule{}, err
	}

	sched, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to load schedule: %w", err)
	}
	return sched, nil
}

// DeleteSchedule removes a schedule (implements Store).
func (s *sqlStore) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchSchedules lists schedules filtered by assistant and thread
// (implements Store).
func (s *sqlStore) SearchSchedules(ctx context.Context, assistantID, threadID string, limit, offset int) ([]Schedule, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE 1=1`
	var args []any
	if assistantID != "" {
		query += ` AND assistant_id = ?`
		args = append(args, assistantID)
	}
	if threadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	scheds := []Schedule{}
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		scheds = append(scheds, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule rows: %w", err)
	}
	return scheds, nil
}

// DueSchedules returns schedules whose next fire time has passed
// (implements Store).
func (s *sqlStore) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE next_fire_at <= ? ORDER BY next_fire_at ASC`,
		nanos(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		due = append(due, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule rows: %w", err)
	}
	return due, nil
}

// AdvanceSchedule performs the compare-and-swap fire-time advance: the
// UPDATE is conditional on the previous next_fire_at value, so exactly one
// of several racing scheduler processes wins each fire (implements Store).
func (s *sqlStore) AdvanceSchedule(ctx context.Context, id string, prevNext, newNext, firedAt time.Time) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var res sql.Result
	var err error
	if firedAt.IsZero() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE schedules SET next_fire_at = ?
			WHERE id = ? AND next_fire_at = ?`,
			nanos(newNext), id, nanos(prevNext))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE schedules SET next_fire_at = ?, last_fired_at = ?
			WHERE id = ? AND next_fire_at = ?`,
			nanos(newNext), nanos(firedAt), id, nanos(prevNext))
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
