package interfaces

import "time"

// MetricsCollector defines the interface for channel metrics collection
type MetricsCollector interface {
	// Connection metrics
	RecordStateTransition(from, to string)
	RecordRecoveryAttempt()
	RecordRecoveryOutcome(recovered bool, elapsed time.Duration)

	// Health metrics
	RecordHealthCheck(ok bool, responseTime time.Duration)
	SetHealthState(state string)

	// Queue metrics
	RecordMessageEnqueued()
	RecordMessageDispatched(operation string)
	RecordMessageFinished(operation, status string, duration time.Duration)
	RecordMessageRejected(reason string)
	SetQueueDepth(pending, running int)

	// Operation metrics
	SetActiveOperations(count int)
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordStateTransition(from, to string)               {}
func (NoOpMetricsCollector) RecordRecoveryAttempt()                              {}
func (NoOpMetricsCollector) RecordRecoveryOutcome(bool, time.Duration)           {}
func (NoOpMetricsCollector) RecordHealthCheck(bool, time.Duration)               {}
func (NoOpMetricsCollector) SetHealthState(string)                               {}
func (NoOpMetricsCollector) RecordMessageEnqueued()                              {}
func (NoOpMetricsCollector) RecordMessageDispatched(string)                      {}
func (NoOpMetricsCollector) RecordMessageFinished(string, string, time.Duration) {}
func (NoOpMetricsCollector) RecordMessageRejected(string)                        {}
func (NoOpMetricsCollector) SetQueueDepth(pending, running int)                  {}
func (NoOpMetricsCollector) SetActiveOperations(int)                             {}
