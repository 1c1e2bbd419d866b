package metering

import "time"

// Metrics defines the interface for tracking metering operations.
type Metrics interface {
	// RecordTrack records one TrackUsage call and its admission outcome.
	RecordTrack(resource ResourceType, admitted bool, amount int64)

	// RecordRollover records a period rollover for a resource.
	RecordRollover(resource ResourceType)

	// RecordAlert records a dispatched threshold or overage alert.
	RecordAlert(kind AlertKind, resource ResourceType)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTrack(resource ResourceType, admitted bool, amount int64)         {}
func (n *NoopMetrics) RecordRollover(resource ResourceType)                                   {}
func (n *NoopMetrics) RecordAlert(kind AlertKind, resource ResourceType)                      {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
}
