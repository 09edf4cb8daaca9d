package protocol

import (
	"time"
)

// OperationStatus is the coarse status exposed by the operation tracker
type OperationStatus int

const (
	OperationPending OperationStatus = iota
	OperationRunning
	OperationCompleted
	OperationFailed
	OperationCancelled
)

func (s OperationStatus) String() string {
	switch s {
	case OperationPending:
		return "pending"
	case OperationRunning:
		return "running"
	case OperationCompleted:
		return "completed"
	case OperationFailed:
		return "failed"
	case OperationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends the operation
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCancelled
}

// TrackedOperation is owned by the operation tracker
type TrackedOperation struct {
	ID        string
	Type      OperationType
	StartTime time.Time
	Status    OperationStatus
	Progress  float64
	Err       error
}

// OperationEvent is published on every tracked status or progress change
type OperationEvent struct {
	Operation TrackedOperation
	Previous  OperationStatus
}
