package interfaces

import (
	"context"

	"github.com/maxpert/backupd/protocol"
)

// ProgressSink receives zero or more progress events before an execute call returns
type ProgressSink func(event protocol.ProgressEvent)

// Handle is a live channel to the helper process. Handles are owned by the
// connection manager; other components borrow one per call and never close it.
type Handle interface {
	// ID identifies the handle for logging and stale-callback detection
	ID() string

	// Ping is a liveness probe and must return promptly
	Ping(ctx context.Context) (bool, error)

	// CheckResources returns the helper's resource usage
	CheckResources(ctx context.Context) (protocol.ResourceSnapshot, error)

	// Execute runs one backup-engine command. A non-zero exit status is
	// reported in the result, not as an error.
	Execute(ctx context.Context, cmd protocol.CommandDescriptor, progress ProgressSink) (*protocol.CommandResult, error)

	// Close tears the handle down without firing transport hooks
	Close() error
}

// TransportHooks are installed on a handle during the handshake and fire from
// the transport's own goroutine, at most once per handle
type TransportHooks struct {
	OnInterrupt  func(cause error)
	OnInvalidate func(cause error)
}

// Dialer opens handles to the helper
type Dialer interface {
	Dial(ctx context.Context, hooks TransportHooks) (Handle, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, hooks TransportHooks) (Handle, error)

func (f DialerFunc) Dial(ctx context.Context, hooks TransportHooks) (Handle, error) {
	return f(ctx, hooks)
}

// Validator checks a freshly dialled handle before it becomes active
type Validator interface {
	Validate(ctx context.Context, handle Handle) error
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc func(ctx context.Context, handle Handle) error

func (f ValidatorFunc) Validate(ctx context.Context, handle Handle) error {
	return f(ctx, handle)
}

// PeerIdentity describes the process at the other end of a handle
type PeerIdentity struct {
	PID     int
	UID     int
	GID     int
	Name    string
	Version int
}

// IdentifiedHandle is implemented by handles that know their peer
type IdentifiedHandle interface {
	Handle
	Peer() (PeerIdentity, error)
}
