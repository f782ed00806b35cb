// Package serve schedules and supervises long-running graph computations.
//
// A Server owns the full run lifecycle: submitted runs wait in a durable
// queue, a worker pool claims them under renewable leases, per-thread
// execution locks keep at most one run active per conversation thread, every
// executor step is persisted as a checkpoint, and progress events fan out to
// live subscribers through a bus. A cron scheduler turns registered cron
// expressions into runs, and a timeout reaper finalizes runs that exceed
// their wall-clock budget.
//
// Persistence and cross-process coordination live in the store subpackage
// (memory, SQLite, MySQL); event fan-out lives in the bus subpackage (memory,
// Redis). Any number of server processes may share one store and bus: the
// lease, lock, and compare-and-swap protocols keep each run owned by exactly
// one worker and each cron fire submitted exactly once.
package serve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/graphserve-go/serve/bus"
	"github.com/dshills/graphserve-go/serve/store"
)

// Server wires the supervisor, worker pool, and cron scheduler over a shared
// store and bus.
type Server struct {
	st      store.Store
	bus     bus.Bus
	opts    Options
	log     *zap.Logger
	metrics *Metrics

	sup  *Supervisor
	pool *Pool
	cron *CronScheduler

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
}

// New creates a server executing runs with exec, persisting through st, and
// fanning events out through b.
func New(st store.Store, b bus.Bus, exec Executor, options ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}

	var opts Options
	for _, opt := range options {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}
	opts = opts.withDefaults()

	var metrics *Metrics
	if opts.Registerer != nil {
		metrics = NewMetrics(opts.Registerer)
	}
	tr := newTracer(opts.TracerProvider)

	sup := NewSupervisor(st, b, opts, metrics)
	srv := &Server{
		st:      st,
		bus:     b,
		opts:    opts,
		log:     opts.Logger,
		metrics: metrics,
		sup:     sup,
		pool:    NewPool(st, b, exec, opts, metrics, tr),
		cron:    NewCronScheduler(st, sup, opts, metrics),
	}
	return srv, nil
}

// Start launches the worker pool, the timeout reaper, and the cron ticker.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.pool.Start(loopCtx); err != nil {
		cancel()
		return err
	}

	stopped := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.sup.reapLoop(loopCtx, s.reapInterval())
	}()
	go func() {
		defer wg.Done()
		s.cron.run(loopCtx)
	}()
	go func() {
		wg.Wait()
		close(stopped)
	}()

	s.cancel = cancel
	s.stopped = stopped
	s.running = true
	s.log.Info("server started")
	return nil
}

// reapInterval derives the timeout reaper's polling interval from the run
// budget, clamped to [1s, 30s].
func (s *Server) reapInterval() time.Duration {
	interval := s.opts.RunTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

// Stop shuts the background loops down and waits for in-flight runs to
// finalize or abandon, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()

	cancel()
	if err := s.pool.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-stopped:
	case <-ctx.Done():
		return fmt.Errorf("server shutdown interrupted: %w", ctx.Err())
	}
	s.log.Info("server stopped")
	return nil
}

// SubmitRun admits a run into the queue.
func (s *Server) SubmitRun(ctx context.Context, req SubmitRequest) (store.Run, error) {
	return s.sup.SubmitRun(ctx, req)
}

// GetRun returns a run by ID.
func (s *Server) GetRun(ctx context.Context, runID string) (store.Run, error) {
	return s.sup.GetRun(ctx, runID)
}

// SearchRuns lists runs, newest first.
func (s *Server) SearchRuns(ctx context.Context, threadID string, status store.RunStatus, limit, offset int) ([]store.Run, error) {
	return s.sup.SearchRuns(ctx, threadID, status, limit, offset)
}

// CancelRun requests cooperative cancellation of a run.
func (s *Server) CancelRun(ctx context.Context, runID string) (store.RunStatus, error) {
	return s.sup.CancelRun(ctx, runID)
}

// CancelRunWait cancels a run and waits for it to reach a terminal state.
func (s *Server) CancelRunWait(ctx context.Context, runID string) (store.Run, error) {
	return s.sup.CancelRunWait(ctx, runID)
}

// DeleteRun removes a non-running run record.
func (s *Server) DeleteRun(ctx context.Context, runID string) error {
	return s.sup.DeleteRun(ctx, runID)
}

// JoinRun blocks until the run reaches a terminal state.
func (s *Server) JoinRun(ctx context.Context, runID string) (store.Run, error) {
	return s.sup.JoinRun(ctx, runID)
}

// StreamRun snapshots a run's state and subscribes to its live events.
func (s *Server) StreamRun(ctx context.Context, runID string) (*RunStream, error) {
	return s.sup.StreamRun(ctx, runID)
}

// RegisterSchedule registers a cron schedule submitting runs on each fire.
func (s *Server) RegisterSchedule(ctx context.Context, req ScheduleRequest) (store.Schedule, error) {
	return s.cron.Register(ctx, req)
}

// UnregisterSchedule removes a cron schedule.
func (s *Server) UnregisterSchedule(ctx context.Context, scheduleID string) error {
	return s.cron.Unregister(ctx, scheduleID)
}

// GetSchedule returns a schedule by ID.
func (s *Server) GetSchedule(ctx context.Context, scheduleID string) (store.Schedule, error) {
	return s.cron.Get(ctx, scheduleID)
}

// SearchSchedules lists schedules filtered by assistant and/or thread.
func (s *Server) SearchSchedules(ctx context.Context, assistantID, threadID string, limit, offset int) ([]store.Schedule, error) {
	return s.cron.Search(ctx, assistantID, threadID, limit, offset)
}

// ThreadHistory returns a thread's checkpoint tree, newest first.
func (s *Server) ThreadHistory(ctx context.Context, threadID string) ([]store.Checkpoint, error) {
	return s.st.CheckpointHistory(ctx, threadID)
}

// TruncateThread deletes a thread's checkpoint history.
func (s *Server) TruncateThread(ctx context.Context, threadID string) error {
	return s.st.TruncateThread(ctx, threadID)
}

// Supervisor exposes the underlying supervisor, mainly for embedding in
// custom serving layers.
func (s *Server) Supervisor() *Supervisor { return s.sup }

// Cron exposes the underlying cron scheduler.
func (s *Server) Cron() *CronScheduler { return s.cron }
