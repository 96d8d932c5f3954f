// Package metrics exposes the Prometheus gauges and counters the Server API
// and Runner Loop record against, served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowstate_run_queue_depth",
			Help: "Number of runs currently queued, by required capability tier",
		},
		[]string{"capability"},
	)

	runsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_runs_claimed_total",
			Help: "Total runs claimed by a runner, by action",
		},
		[]string{"action"},
	)

	runOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_run_outcomes_total",
			Help: "Total runs reaching a terminal status, by action and status",
		},
		[]string{"action", "status"},
	)

	subprocessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowstate_subprocess_duration_seconds",
			Help:    "Duration of managed subprocess executions, by action",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. 2048s (~34min)
		},
		[]string{"action"},
	)

	watchdogTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_watchdog_timeouts_total",
			Help: "Total runs demoted to timed_out by the watchdog",
		},
		[]string{"action"},
	)
)

// SetQueueDepth records the current queue depth for a capability tier.
func SetQueueDepth(capabilityTier string, depth int) {
	queueDepth.WithLabelValues(capabilityTier).Set(float64(depth))
}

// RecordClaim increments the claimed-runs counter for action.
func RecordClaim(action string) {
	runsClaimed.WithLabelValues(action).Inc()
}

// RecordOutcome increments the terminal-outcome counter for action/status.
func RecordOutcome(action, status string) {
	runOutcomes.WithLabelValues(action, status).Inc()
}

// ObserveSubprocessDuration records how long a managed subprocess ran for action.
func ObserveSubprocessDuration(action string, d time.Duration) {
	subprocessDuration.WithLabelValues(action).Observe(d.Seconds())
}

// RecordWatchdogTimeout increments the watchdog-demotion counter for action.
func RecordWatchdogTimeout(action string) {
	watchdogTimeouts.WithLabelValues(action).Inc()
}
