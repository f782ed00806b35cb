package serve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the run pipeline, namespaced
// "graphserve".
//
// Metrics exposed:
//   - active_runs (gauge): runs currently executing in this process
//   - queue_claims_total (counter, label outcome=claimed|empty|conflict):
//     claim attempts by result
//   - runs_total (counter, label status): terminal statuses recorded
//   - run_attempts_total (counter): executor attempts, including retries
//   - checkpoints_written_total (counter): checkpoints persisted
//   - cron_fires_total (counter, label outcome=fired|skipped|lost|ended):
//     schedule fire decisions
//   - run_duration_seconds (histogram, label status): wall-clock run time
//
// A nil *Metrics is valid and records nothing, so call sites never need to
// branch on whether metrics are enabled.
type Metrics struct {
	activeRuns   prometheus.Gauge
	queueClaims  *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runAttempts  prometheus.Counter
	checkpoints  prometheus.Counter
	cronFires    *prometheus.CounterVec
	runDurations *prometheus.HistogramVec
}

// NewMetrics creates and registers the pipeline metrics with registry. Use a
// dedicated prometheus.NewRegistry for isolation in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "graphserve",
			Name:      "active_runs",
			Help:      "Number of runs currently executing in this process.",
		}),
		queueClaims: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphserve",
			Name:      "queue_claims_total",
			Help:      "Queue claim attempts by outcome.",
		}, []string{"outcome"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphserve",
			Name:      "runs_total",
			Help:      "Runs finalized, by terminal status.",
		}, []string{"status"}),
		runAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "graphserve",
			Name:      "run_attempts_total",
			Help:      "Executor attempts, including retries.",
		}),
		checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "graphserve",
			Name:      "checkpoints_written_total",
			Help:      "Checkpoints persisted by workers.",
		}),
		cronFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphserve",
			Name:      "cron_fires_total",
			Help:      "Cron schedule fire decisions by outcome.",
		}, []string{"outcome"}),
		runDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "graphserve",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock run execution time by terminal status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60, 300, 900},
		}, []string{"status"}),
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(status).Inc()
	m.runDurations.WithLabelValues(status).Observe(seconds)
}

// runFinalizedExternally counts terminal statuses recorded outside a worker
// (pending-cancel, supervisor timeout), where no active-run gauge was held.
func (m *Metrics) runFinalizedExternally(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) claim(outcome string) {
	if m == nil {
		return
	}
	m.queueClaims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) attempt() {
	if m == nil {
		return
	}
	m.runAttempts.Inc()
}

func (m *Metrics) checkpointWritten() {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
}

func (m *Metrics) cronFire(outcome string) {
	if m == nil {
		return
	}
	m.cronFires.WithLabelValues(outcome).Inc()
}
