package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upshift_runs_total",
			Help: "Migration runs by outcome (completed, skipped, failed).",
		},
		[]string{"outcome"},
	)
	stepsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upshift_steps_applied_total",
			Help: "Total migration steps applied successfully.",
		},
	)
	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upshift_run_duration_seconds",
			Help:    "Wall-clock duration of migration runs.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
		},
	)
)

func init() {
	prometheus.MustRegister(
		runsTotal,
		stepsAppliedTotal,
		runDurationSeconds,
	)
}

func observeRun(outcome string, d time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	runDurationSeconds.Observe(d.Seconds())
}
