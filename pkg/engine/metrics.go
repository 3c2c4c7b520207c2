package engine

import "time"

// Metrics defines the interface for tracking progression and quota activity.
type Metrics interface {
	// RecordProgression records a persisted stage change.
	RecordProgression(from, to string)

	// RecordInterestMigration records the tags added and removed by a migration.
	RecordInterestMigration(stage string, added, removed int)

	// RecordQuotaReset records a lazy daily reset of a quota record.
	RecordQuotaReset(tier string)

	// RecordGeneration records a generation attempt and whether the quota allowed it.
	RecordGeneration(tier, model string, allowed bool)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordProgression(from, to string)                                         {}
func (n *NoopMetrics) RecordInterestMigration(stage string, added, removed int)                  {}
func (n *NoopMetrics) RecordQuotaReset(tier string)                                              {}
func (n *NoopMetrics) RecordGeneration(tier, model string, allowed bool)                         {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                              {}
