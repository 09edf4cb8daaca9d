package protocol

import (
	"fmt"
	"time"
)

// HealthState is the coarse health value; only changes of this value are published
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (s HealthState) String() string {
	switch s {
	case HealthUnknown:
		return "unknown"
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "invalid"
	}
}

// HealthStatus is recomputed on every probe
type HealthStatus struct {
	State                HealthState
	Reason               string
	LastChecked          time.Time
	ResponseTime         time.Duration
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	Resources            ResourceSnapshot
}

func (h HealthStatus) String() string {
	if h.Reason == "" {
		return h.State.String()
	}
	return fmt.Sprintf("%s(%s)", h.State, h.Reason)
}

// HealthChange is published when HealthStatus.State changes
type HealthChange struct {
	Old HealthStatus
	New HealthStatus
}
