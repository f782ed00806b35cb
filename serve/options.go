package serve

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Defaults applied by New when the corresponding option is not supplied.
const (
	// DefaultWorkers is the worker pool size.
	DefaultWorkers = 4

	// DefaultLease is the queue claim lease duration. Workers renew at a
	// third of this interval; a worker silent for a full lease is presumed
	// dead and its run becomes reclaimable.
	DefaultLease = 30 * time.Second

	// DefaultClaimPoll is how often an idle worker polls the queue.
	DefaultClaimPoll = 500 * time.Millisecond

	// DefaultRunTimeout is the wall-clock budget for a running run before
	// the supervisor finalizes it as timed out.
	DefaultRunTimeout = 15 * time.Minute

	// DefaultCatchUpWindow bounds how far in the past a missed cron fire may
	// be and still produce a run. Older fires are skipped.
	DefaultCatchUpWindow = time.Hour

	// DefaultCronTick is the cron scheduler polling interval.
	DefaultCronTick = 10 * time.Second

	// DefaultEventGrace is how long a run's terminal event stays observable
	// to subscribers attaching after completion.
	DefaultEventGrace = 60 * time.Second
)

// Options collects the tunable behavior of a Server. Zero values are replaced
// with the defaults above; construct via New with functional options rather
// than populating this struct directly.
type Options struct {
	// Workers is the number of concurrent run executors in the pool.
	Workers int

	// Lease is the claim lease duration for queue entries.
	Lease time.Duration

	// ClaimPoll is the idle worker's queue polling interval.
	ClaimPoll time.Duration

	// RunTimeout bounds a single run's wall-clock execution time.
	RunTimeout time.Duration

	// Retry governs re-execution of transiently failed runs.
	Retry RetryPolicy

	// CatchUpWindow bounds cron catch-up after scheduler downtime.
	CatchUpWindow time.Duration

	// CronTick is the cron scheduler polling interval.
	CronTick time.Duration

	// EventGrace is the terminal event retention window.
	EventGrace time.Duration

	// Logger receives structured logs from all components.
	Logger *zap.Logger

	// Registerer receives the server's Prometheus collectors. Nil disables
	// metric registration.
	Registerer prometheus.Registerer

	// TracerProvider supplies the tracer for run and step spans. Nil
	// disables tracing.
	TracerProvider trace.TracerProvider
}

// withDefaults fills unset fields with package defaults.
func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.ClaimPoll <= 0 {
		o.ClaimPoll = DefaultClaimPoll
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = DefaultRunTimeout
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		}
	}
	if o.CatchUpWindow <= 0 {
		o.CatchUpWindow = DefaultCatchUpWindow
	}
	if o.CronTick <= 0 {
		o.CronTick = DefaultCronTick
	}
	if o.EventGrace <= 0 {
		o.EventGrace = DefaultEventGrace
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Option is a functional option for configuring a Server.
//
// Example:
//
//	srv, err := serve.New(st, bus, exec,
//	    serve.WithWorkers(8),
//	    serve.WithLease(15*time.Second),
//	    serve.WithLogger(logger),
//	)
type Option func(*Options) error

// WithWorkers sets the worker pool size. Must be >= 1.
func WithWorkers(n int) Option {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("workers must be >= 1, got %d", n)
		}
		o.Workers = n
		return nil
	}
}

// WithLease sets the queue claim lease duration. Shorter leases detect dead
// workers faster at the cost of more frequent renewals.
func WithLease(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("lease must be positive, got %v", d)
		}
		o.Lease = d
		return nil
	}
}

// WithClaimPoll sets how often an idle worker polls the queue for work.
func WithClaimPoll(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("claim poll interval must be positive, got %v", d)
		}
		o.ClaimPoll = d
		return nil
	}
}

// WithRunTimeout sets the wall-clock budget for a single run. Runs past the
// budget are finalized as timed out by the supervisor.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("run timeout must be positive, got %v", d)
		}
		o.RunTimeout = d
		return nil
	}
}

// WithRetryPolicy sets the retry behavior for transient executor failures.
func WithRetryPolicy(rp RetryPolicy) Option {
	return func(o *Options) error {
		if err := rp.Validate(); err != nil {
			return err
		}
		o.Retry = rp
		return nil
	}
}

// WithCatchUpWindow bounds how old a missed cron fire may be and still
// produce a run after scheduler downtime.
func WithCatchUpWindow(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("catch-up window must be positive, got %v", d)
		}
		o.CatchUpWindow = d
		return nil
	}
}

// WithCronTick sets the cron scheduler polling interval.
func WithCronTick(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("cron tick must be positive, got %v", d)
		}
		o.CronTick = d
		return nil
	}
}

// WithEventGrace sets the terminal event retention window. Must match the
// grace configured on the Bus implementation.
func WithEventGrace(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("event grace must be positive, got %v", d)
		}
		o.EventGrace = d
		return nil
	}
}

// WithLogger sets the structured logger used by all components.
func WithLogger(log *zap.Logger) Option {
	return func(o *Options) error {
		if log == nil {
			return fmt.Errorf("logger must not be nil")
		}
		o.Logger = log
		return nil
	}
}

// WithMetrics registers the server's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) error {
		o.Registerer = reg
		return nil
	}
}

// WithTracerProvider enables OpenTelemetry spans around run execution and
// each checkpointed step.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) error {
		o.TracerProvider = tp
		return nil
	}
}
