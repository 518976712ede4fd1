// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package metrics exposes Prometheus collectors for the engine host.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// engineInstances is the current number of live engine instances.
	engineInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aviary_engine_instances",
		Help: "Current number of live engine instances",
	})

	// eventsAcceptedTotal counts events accepted per instance.
	eventsAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_events_accepted_total",
		Help: "Total number of events accepted",
	}, []string{"engine_id"})

	// eventsRejectedTotal counts events rejected before acceptance.
	eventsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_events_rejected_total",
		Help: "Total number of events rejected",
	}, []string{"engine_id"})

	// queriesTotal counts queries served per instance.
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_queries_total",
		Help: "Total number of queries served",
	}, []string{"engine_id"})

	// mirrorAppendsTotal counts mirror log appends per instance.
	mirrorAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_mirror_appends_total",
		Help: "Total number of mirror log appends",
	}, []string{"engine_id"})

	// mirrorAppendErrorsTotal counts failed mirror log appends.
	mirrorAppendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_mirror_append_errors_total",
		Help: "Total number of failed mirror log appends",
	}, []string{"engine_id"})

	// mirrorAppendLatency measures mirror append latency.
	mirrorAppendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aviary_mirror_append_latency_seconds",
		Help:    "Mirror log append latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// trainingRunsTotal counts batch training runs by result.
	trainingRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_training_runs_total",
		Help: "Total number of batch training runs",
	}, []string{"engine_id", "result"})

	// incrementalUpdatesTotal counts incremental model updates by result.
	incrementalUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_incremental_updates_total",
		Help: "Total number of incremental model updates",
	}, []string{"engine_id", "result"})
)

// SetEngineInstances records the current live instance count.
func SetEngineInstances(n int) {
	engineInstances.Set(float64(n))
}

// RecordEventAccepted increments the accepted event counter.
func RecordEventAccepted(engineID string) {
	eventsAcceptedTotal.WithLabelValues(engineID).Inc()
}

// RecordEventRejected increments the rejected event counter.
func RecordEventRejected(engineID string) {
	eventsRejectedTotal.WithLabelValues(engineID).Inc()
}

// RecordQuery increments the query counter.
func RecordQuery(engineID string) {
	queriesTotal.WithLabelValues(engineID).Inc()
}

// RecordMirrorAppend records one successful append and its latency.
func RecordMirrorAppend(engineID string, seconds float64) {
	mirrorAppendsTotal.WithLabelValues(engineID).Inc()
	mirrorAppendLatency.Observe(seconds)
}

// RecordMirrorAppendError increments the failed append counter.
func RecordMirrorAppendError(engineID string) {
	mirrorAppendErrorsTotal.WithLabelValues(engineID).Inc()
}

// RecordTrainingRun records one finished batch run. result is "success"
// or "failure".
func RecordTrainingRun(engineID, result string) {
	trainingRunsTotal.WithLabelValues(engineID, result).Inc()
}

// RecordIncrementalUpdate records one finished incremental update.
func RecordIncrementalUpdate(engineID, result string) {
	incrementalUpdatesTotal.WithLabelValues(engineID, result).Inc()
}
