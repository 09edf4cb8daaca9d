package protocol

import (
	"time"
)

// MessageStatus is the lifecycle status of a queued message
type MessageStatus int

const (
	MessagePending MessageStatus = iota
	MessageRunning
	MessageCompleted
	MessageFailed
)

func (s MessageStatus) String() string {
	switch s {
	case MessagePending:
		return "pending"
	case MessageRunning:
		return "running"
	case MessageCompleted:
		return "completed"
	case MessageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Finished reports whether the status is terminal
func (s MessageStatus) Finished() bool {
	return s == MessageCompleted || s == MessageFailed
}

// QueuedMessage is a command owned by the message queue while pending or
// running. Copies handed out by the queue are snapshots.
type QueuedMessage struct {
	ID          string
	OperationID string
	Command     CommandDescriptor
	Status      MessageStatus
	Result      *CommandResult
	Err         error
	Attempts    int
	EnqueuedAt  time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// CompletionEvent is emitted when a message reaches Completed or Failed
type CompletionEvent struct {
	MessageID   string
	OperationID string
	Status      MessageStatus
	Result      *CommandResult
	Err         error
}

// HistoryRecord is the persisted diagnostic form of a finished message
type HistoryRecord struct {
	ID           string        `cbor:"id" json:"id"`
	OperationID  string        `cbor:"op_id,omitempty" json:"operation_id,omitempty"`
	Operation    OperationType `cbor:"op" json:"operation"`
	Status       string        `cbor:"status" json:"status"`
	ExitStatus   int           `cbor:"exit" json:"exit_status"`
	ErrorKind    string        `cbor:"err_kind,omitempty" json:"error_kind,omitempty"`
	ErrorMessage string        `cbor:"err,omitempty" json:"error,omitempty"`
	Attempts     int           `cbor:"attempts" json:"attempts"`
	EnqueuedAt   time.Time     `cbor:"enq" json:"enqueued_at"`
	StartedAt    time.Time     `cbor:"start" json:"started_at"`
	FinishedAt   time.Time     `cbor:"fin" json:"finished_at"`
}
