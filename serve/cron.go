package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dshills/graphserve-go/serve/store"
)

// cronParser accepts the standard five-field cron format
// (minute hour day-of-month month day-of-week).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ScheduleRequest describes a recurring run registration.
type ScheduleRequest struct {
	// ScheduleID optionally fixes the schedule's ID. Empty generates one.
	ScheduleID string

	// Spec is the five-field cron expression.
	Spec string

	// AssistantID references the assistant to run on each fire. Required.
	AssistantID string

	// ThreadID pins every fire to one thread; the thread lock then serializes
	// overlapping fires. Empty gives each fire a fresh thread.
	ThreadID string

	// Input is the run input submitted on each fire.
	Input json.RawMessage

	// EndAt optionally stops the schedule; it is deleted once the end time
	// passes.
	EndAt time.Time
}

// CronScheduler turns schedules into runs.
//
// Any number of scheduler processes may tick against the same store: the
// compare-and-swap advance of a schedule's next fire time picks exactly one
// winner per fire, and only the winner submits the run. Fires missed for
// longer than the catch-up window (scheduler downtime) are skipped, not
// submitted late.
type CronScheduler struct {
	st      store.Store
	sup     *Supervisor
	opts    Options
	log     *zap.Logger
	metrics *Metrics
}

// NewCronScheduler creates a scheduler submitting runs through sup.
func NewCronScheduler(st store.Store, sup *Supervisor, opts Options, metrics *Metrics) *CronScheduler {
	opts = opts.withDefaults()
	return &CronScheduler{
		st:      st,
		sup:     sup,
		opts:    opts,
		log:     opts.Logger,
		metrics: metrics,
	}
}

// Register validates the cron expression, computes the first fire time, and
// persists the schedule.
func (c *CronScheduler) Register(ctx context.Context, req ScheduleRequest) (store.Schedule, error) {
	if req.AssistantID == "" {
		return store.Schedule{}, fmt.Errorf("assistant id is required")
	}
	spec, err := cronParser.Parse(req.Spec)
	if err != nil {
		return store.Schedule{}, fmt.Errorf("invalid cron expression %q: %w", req.Spec, err)
	}

	now := time.Now().UTC()
	sched := store.Schedule{
		ID:          req.ScheduleID,
		Spec:        req.Spec,
		AssistantID: req.AssistantID,
		ThreadID:    req.ThreadID,
		Input:       req.Input,
		NextFireAt:  spec.Next(now),
		EndAt:       req.EndAt,
		CreatedAt:   now,
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if !sched.EndAt.IsZero() && !sched.NextFireAt.Before(sched.EndAt) {
		return store.Schedule{}, fmt.Errorf("schedule would never fire before end time %s", sched.EndAt)
	}

	if err := c.st.PutSchedule(ctx, sched); err != nil {
		return store.Schedule{}, fmt.Errorf("failed to persist schedule: %w", err)
	}
	c.log.Info("schedule registered",
		zap.String("schedule_id", sched.ID),
		zap.String("spec", sched.Spec),
		zap.Time("next_fire_at", sched.NextFireAt),
	)
	return sched, nil
}

// Unregister removes a schedule. In-flight runs it already submitted are
// unaffected.
func (c *CronScheduler) Unregister(ctx context.Context, scheduleID string) error {
	return c.st.DeleteSchedule(ctx, scheduleID)
}

// Get returns a schedule by ID.
func (c *CronScheduler) Get(ctx context.Context, scheduleID string) (store.Schedule, error) {
	return c.st.GetSchedule(ctx, scheduleID)
}

// Search lists schedules filtered by assistant and/or thread.
func (c *CronScheduler) Search(ctx context.Context, assistantID, threadID string, limit, offset int) ([]store.Schedule, error) {
	return c.st.SearchSchedules(ctx, assistantID, threadID, limit, offset)
}

// Tick processes all schedules due as of now: expired schedules are deleted,
// stale fires are skipped, and each remaining fire submits exactly one run
// across all racing scheduler processes. Returns the number of runs
// submitted.
func (c *CronScheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := c.st.DueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	fired := 0
	for _, sched := range due {
		n, err := c.fire(ctx, sched, now)
		if err != nil {
			if ctx.Err() != nil {
				return fired, err
			}
			c.log.Warn("schedule fire failed", zap.String("schedule_id", sched.ID), zap.Error(err))
			continue
		}
		fired += n
	}
	return fired, nil
}

// fire advances one due schedule through all of its elapsed fire times.
func (c *CronScheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) (int, error) {
	if !sched.EndAt.IsZero() && now.After(sched.EndAt) {
		if err := c.st.DeleteSchedule(ctx, sched.ID); err != nil {
			return 0, fmt.Errorf("failed to delete ended schedule: %w", err)
		}
		c.metrics.cronFire("ended")
		c.log.Info("schedule ended", zap.String("schedule_id", sched.ID), zap.Time("end_at", sched.EndAt))
		return 0, nil
	}

	spec, err := cronParser.Parse(sched.Spec)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", sched.Spec, err)
	}

	submitted := 0
	fire := sched.NextFireAt
	for !fire.After(now) {
		next := spec.Next(fire)
		withinWindow := now.Sub(fire) <= c.opts.CatchUpWindow

		firedAt := time.Time{}
		if withinWindow {
			firedAt = now
		}
		won, err := c.st.AdvanceSchedule(ctx, sched.ID, fire, next, firedAt)
		if err != nil {
			return submitted, fmt.Errorf("failed to advance schedule: %w", err)
		}
		if !won {
			// Another scheduler process owns this fire.
			c.metrics.cronFire("lost")
			return submitted, nil
		}

		if withinWindow {
			// Deterministic run ID: resubmission after a crash between the
			// advance and the submit is a no-op.
			runID := fmt.Sprintf("cron-%s-%d", sched.ID, fire.Unix())
			if _, err := c.sup.SubmitRun(ctx, SubmitRequest{
				RunID:       runID,
				ThreadID:    sched.ThreadID,
				AssistantID: sched.AssistantID,
				Input:       sched.Input,
			}); err != nil {
				return submitted, fmt.Errorf("failed to submit scheduled run: %w", err)
			}
			submitted++
			c.metrics.cronFire("fired")
			c.log.Info("schedule fired",
				zap.String("schedule_id", sched.ID),
				zap.String("run_id", runID),
				zap.Time("fire_time", fire),
			)
		} else {
			c.metrics.cronFire("skipped")
			c.log.Info("stale fire skipped",
				zap.String("schedule_id", sched.ID),
				zap.Time("fire_time", fire),
			)
		}

		if !sched.EndAt.IsZero() && next.After(sched.EndAt) {
			if err := c.st.DeleteSchedule(ctx, sched.ID); err != nil {
				return submitted, fmt.Errorf("failed to delete ended schedule: %w", err)
			}
			c.metrics.cronFire("ended")
			return submitted, nil
		}
		fire = next
	}
	return submitted, nil
}

// run ticks the scheduler until ctx ends.
func (c *CronScheduler) run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.CronTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Tick(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				c.log.Warn("cron tick failed", zap.Error(err))
			}
		}
	}
}
