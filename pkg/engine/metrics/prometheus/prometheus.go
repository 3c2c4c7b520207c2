// Package prommetrics implements engine.Metrics on Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements engine.Metrics using Prometheus.
type Metrics struct {
	progressionsTotal          *prometheus.CounterVec
	interestsAddedTotal        *prometheus.CounterVec
	interestsRemovedTotal      *prometheus.CounterVec
	quotaResetsTotal           *prometheus.CounterVec
	generationsTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		progressionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_progressions_total",
			Help:      "Total number of persisted stage changes.",
		}, []string{"from", "to"}),

		interestsAddedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interests_added_total",
			Help:      "Total number of interest tags added by migrations.",
		}, []string{"stage"}),

		interestsRemovedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interests_removed_total",
			Help:      "Total number of interest tags dropped by migrations.",
		}, []string{"stage"}),

		quotaResetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_resets_total",
			Help:      "Total number of daily quota resets.",
		}, []string{"tier"}),

		generationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of generation attempts.",
		}, []string{"tier", "model", "allowed"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordProgression(from, to string) {
	m.progressionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordInterestMigration(stage string, added, removed int) {
	m.interestsAddedTotal.WithLabelValues(stage).Add(float64(added))
	m.interestsRemovedTotal.WithLabelValues(stage).Add(float64(removed))
}

func (m *Metrics) RecordQuotaReset(tier string) {
	m.quotaResetsTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordGeneration(tier, model string, allowed bool) {
	m.generationsTotal.WithLabelValues(tier, model, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
