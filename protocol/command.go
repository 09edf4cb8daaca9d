package protocol

import (
	"time"
)

// OperationType is the coarse kind of backup-engine invocation
type OperationType string

const (
	OperationBackup  OperationType = "backup"
	OperationRestore OperationType = "restore"
	OperationInit    OperationType = "init"
	OperationList    OperationType = "list"
	OperationCheck   OperationType = "check"
	OperationPrune   OperationType = "prune"
)

// Valid reports whether t is one of the known operation types
func (t OperationType) Valid() bool {
	switch t {
	case OperationBackup, OperationRestore, OperationInit, OperationList, OperationCheck, OperationPrune:
		return true
	default:
		return false
	}
}

// NeedsPathAccess reports whether the operation reads or writes user paths and
// therefore requires a resolved sandbox access token
func (t OperationType) NeedsPathAccess() bool {
	return t == OperationBackup || t == OperationRestore
}

// CommandDescriptor is the opaque payload moved across the channel. The
// channel only inspects Operation for bookkeeping; the helper interprets the rest.
type CommandDescriptor struct {
	Operation  OperationType     `cbor:"op" json:"operation"`
	Executable string            `cbor:"exe" json:"executable"`
	Args       []string          `cbor:"args,omitempty" json:"args,omitempty"`
	Env        map[string]string `cbor:"env,omitempty" json:"env,omitempty"`
	WorkDir    string            `cbor:"wd,omitempty" json:"work_dir,omitempty"`
	// AccessToken is an already-resolved sandbox access grant for the repository
	// and source paths; the channel never resolves it itself.
	AccessToken string `cbor:"tok,omitempty" json:"-"`
	// Timeout bounds the engine run on the helper; zero means no limit.
	Timeout time.Duration `cbor:"to,omitempty" json:"timeout,omitempty"`
}

// CommandResult is the final outcome of an execute call
type CommandResult struct {
	ExitStatus int           `cbor:"exit" json:"exit_status"`
	Output     string        `cbor:"out,omitempty" json:"output,omitempty"`
	Error      string        `cbor:"err,omitempty" json:"error,omitempty"`
	Duration   time.Duration `cbor:"dur,omitempty" json:"duration,omitempty"`
}

// Succeeded reports a zero exit status
func (r *CommandResult) Succeeded() bool {
	return r != nil && r.ExitStatus == 0
}

// ProgressEvent is streamed by the helper before the final result
type ProgressEvent struct {
	Fraction     float64  `cbor:"f" json:"fraction"`
	FilesDone    uint64   `cbor:"fd,omitempty" json:"files_done,omitempty"`
	TotalFiles   uint64   `cbor:"tf,omitempty" json:"total_files,omitempty"`
	BytesDone    uint64   `cbor:"bd,omitempty" json:"bytes_done,omitempty"`
	TotalBytes   uint64   `cbor:"tb,omitempty" json:"total_bytes,omitempty"`
	CurrentFiles []string `cbor:"cur,omitempty" json:"current_files,omitempty"`
	Message      string   `cbor:"msg,omitempty" json:"message,omitempty"`
}

// ResourceSnapshot is answered by the helper's resource probe
type ResourceSnapshot struct {
	MemoryBytes   uint64    `cbor:"mem" json:"memory_bytes"`
	CPUPercent    float64   `cbor:"cpu" json:"cpu_percent"`
	DiskFreeBytes uint64    `cbor:"disk" json:"disk_free_bytes"`
	FileHandles   int       `cbor:"fd" json:"file_handles"`
	Connections   int       `cbor:"conn" json:"connections"`
	TakenAt       time.Time `cbor:"at" json:"taken_at"`
}
