package protocol

import (
	"fmt"
	"time"
)

// StateKind identifies a connection state
type StateKind int

const (
	// StateIdle is the zero value: no connection has been attempted yet
	StateIdle StateKind = iota
	StateConnecting
	StateActive
	StateInterrupted
	StateInvalidated
	StateRecovering
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateInvalidated:
		return "invalidated"
	case StateRecovering:
		return "recovering"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState is the value owned by the connection manager. Only the
// fields relevant to Kind are set: At for Interrupted/Invalidated, Attempt and
// At (episode start) for Recovering, Cause for Failed.
type ConnectionState struct {
	Kind    StateKind
	At      time.Time
	Attempt int
	Cause   error
}

func Connecting() ConnectionState {
	return ConnectionState{Kind: StateConnecting}
}

func Active() ConnectionState {
	return ConnectionState{Kind: StateActive}
}

func Interrupted(at time.Time) ConnectionState {
	return ConnectionState{Kind: StateInterrupted, At: at}
}

func Invalidated(at time.Time) ConnectionState {
	return ConnectionState{Kind: StateInvalidated, At: at}
}

func Recovering(attempt int, since time.Time) ConnectionState {
	return ConnectionState{Kind: StateRecovering, Attempt: attempt, At: since}
}

func Failed(cause error) ConnectionState {
	return ConnectionState{Kind: StateFailed, Cause: cause}
}

// Recoverable reports whether the recovery routine may run from this state
func (s ConnectionState) Recoverable() bool {
	switch s.Kind {
	case StateInterrupted, StateInvalidated, StateRecovering:
		return true
	default:
		return false
	}
}

// Transient reports whether the state is part of an ongoing recovery episode
func (s ConnectionState) Transient() bool {
	return s.Kind == StateConnecting || s.Recoverable()
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateInterrupted, StateInvalidated:
		return fmt.Sprintf("%s(at=%s)", s.Kind, s.At.Format(time.RFC3339Nano))
	case StateRecovering:
		return fmt.Sprintf("%s(attempt=%d, since=%s)", s.Kind, s.Attempt, s.At.Format(time.RFC3339Nano))
	case StateFailed:
		if s.Cause != nil {
			return fmt.Sprintf("%s(%v)", s.Kind, s.Cause)
		}
		return s.Kind.String()
	default:
		return s.Kind.String()
	}
}

// StateChange is broadcast on every connection state transition
type StateChange struct {
	Old ConnectionState
	New ConnectionState
	At  time.Time
}
