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

	jobsTracked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobpulse",
			Subsystem: "recorder",
			Name:      "jobs_tracked_total",
			Help:      "Job lifecycle notifications recorded, by transition.",
		}, []string{"transition"},
	)
	syncedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobpulse",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Records folded into the durable store, by kind.",
		}, []string{"kind"},
	)
	syncErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobpulse",
			Subsystem: "sync",
			Name:      "errors_total",
			Help:      "Per-record sync failures.",
		},
	)
	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "jobpulse",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Wall time of one sync run.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobpulse",
			Subsystem: "analyze",
			Name:      "anomalies_total",
			Help:      "Detected anomalies, by type and severity.",
		}, []string{"type", "severity"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{jobsTracked, syncedRecords, syncErrors, syncDuration, anomalies}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns an http.Handler serving the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op if Register hasn't been called.

func IncJobTracked(transition string) {
	if regOK.Load() {
		jobsTracked.WithLabelValues(transition).Inc()
	}
}

func AddSynced(kind string, n int) {
	if regOK.Load() && n > 0 {
		syncedRecords.WithLabelValues(kind).Add(float64(n))
	}
}

func AddSyncErrors(n int) {
	if regOK.Load() && n > 0 {
		syncErrors.Add(float64(n))
	}
}

func ObserveSyncDuration(seconds float64) {
	if regOK.Load() {
		syncDuration.Observe(seconds)
	}
}

func IncAnomaly(anomalyType, severity string) {
	if regOK.Load() {
		anomalies.WithLabelValues(anomalyType, severity).Inc()
	}
}
