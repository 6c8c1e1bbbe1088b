package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crontabber",
			Subsystem: "job",
			Name:      "runs_total",
			Help:      "Number of job run attempts, labeled by outcome.",
		}, []string{"app_name", "outcome"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crontabber",
			Subsystem: "job",
			Name:      "run_duration_seconds",
			Help:      "Observed duration of each run segment (per success event or failure).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"app_name"},
	)

	errorCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crontabber",
			Subsystem: "job",
			Name:      "error_count",
			Help:      "Current consecutive error count recorded in the ledger for this job.",
		}, []string{"app_name"},
	)

	ledgerSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crontabber",
			Subsystem: "ledger",
			Name:      "rows",
			Help:      "Current number of rows in the state ledger.",
		}, []string{},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runsTotal, runDuration, errorCount, ledgerSize}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

// Outcome labels for RecordRun.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// RecordRun records one run outcome and its observed duration segment.
func RecordRun(appName, outcome string, seconds float64) {
	if regOK.Load() {
		runsTotal.WithLabelValues(appName, outcome).Inc()
		runDuration.WithLabelValues(appName).Observe(seconds)
	}
}

// SetErrorCount reflects the ledger's current error_count for appName.
func SetErrorCount(appName string, count int) {
	if regOK.Load() {
		errorCount.WithLabelValues(appName).Set(float64(count))
	}
}

// SetLedgerSize reflects the current row count of the state ledger.
func SetLedgerSize(n int) {
	if regOK.Load() {
		ledgerSize.WithLabelValues().Set(float64(n))
	}
}
