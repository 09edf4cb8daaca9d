package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by how the channel reacts to it
type Kind int

const (
	KindInternal Kind = iota
	// KindTransport failures drive recovery and are surfaced only after recovery is exhausted
	KindTransport
	// KindValidation failures are rejected immediately and never retried
	KindValidation
	// KindResource failures come from resource checks and admission control
	KindResource
	// KindRemote failures are non-zero exits of the backup engine, passed through verbatim
	KindRemote
	// KindCancelled marks work withdrawn by the caller or by shutdown
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindRemote:
		return "remote"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String; unknown names map to KindInternal
func ParseKind(name string) Kind {
	switch name {
	case "transport":
		return KindTransport
	case "validation":
		return KindValidation
	case "resource":
		return KindResource
	case "remote":
		return KindRemote
	case "cancelled":
		return KindCancelled
	default:
		return KindInternal
	}
}

// Error codes
const (
	// Transport
	NotConnected       = 100
	Interrupted        = 101
	Invalidated        = 102
	ServiceUnavailable = 103
	HandshakeFailed    = 104
	RecoveryTimeout    = 105
	RecoveryExhausted  = 106
	ConnectionFailed   = 107
	ProtocolViolation  = 108

	// Validation
	InvalidToken       = 200
	UnsafeArgument     = 201
	MalformedCommand   = 202
	MissingEnvironment = 203
	PeerRejected       = 204
	NotAllowed         = 205

	// Resource
	InsufficientMemory = 300
	InsufficientDisk   = 301
	ResourceLimit      = 302

	// Remote
	NonZeroExit = 400
	EngineError = 401

	// Lifecycle
	Cancelled = 500
	Closed    = 501
	NotFound  = 502
	Internal  = 503
)

// ChannelError is the base error carried through the command channel
type ChannelError struct {
	Kind    Kind   `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	Cause   error  `json:"cause,omitempty"`
}

func (e *ChannelError) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error %d: %s: %v", e.Kind, e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s error %d: %s", e.Kind, e.Code, msg)
}

func (e *ChannelError) Unwrap() error {
	return e.Cause
}

// New creates a bare ChannelError
func New(kind Kind, code int, message string, cause error) *ChannelError {
	return &ChannelError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Transport Errors

// TransportError represents a failure of the channel to the helper
type TransportError struct {
	ChannelError
	HandleID string `json:"handle_id,omitempty"`
	Attempts int    `json:"attempts,omitempty"`

	// FromHelper marks an error the helper answered with. The connection
	// carried the answer, so it is not evidence of a broken channel.
	FromHelper bool `json:"from_helper,omitempty"`
}

func NewTransportError(code int, message, handleID string, cause error) *TransportError {
	return &TransportError{
		ChannelError: ChannelError{
			Kind:    KindTransport,
			Code:    code,
			Message: message,
			Cause:   cause,
		},
		HandleID: handleID,
	}
}

func NewNotConnected(op string) *TransportError {
	e := NewTransportError(NotConnected, "no live channel to helper", "", nil)
	e.Op = op
	return e
}

func NewInterrupted(handleID string, cause error) *TransportError {
	return NewTransportError(Interrupted, "channel interrupted", handleID, cause)
}

func NewInvalidated(handleID string, cause error) *TransportError {
	return NewTransportError(Invalidated, "channel invalidated", handleID, cause)
}

func NewServiceUnavailable(reason string, cause error) *TransportError {
	return NewTransportError(ServiceUnavailable, fmt.Sprintf("helper unavailable: %s", reason), "", cause)
}

func NewHandshakeFailed(reason string, cause error) *TransportError {
	return NewTransportError(HandshakeFailed, fmt.Sprintf("handshake failed: %s", reason), "", cause)
}

func NewRecoveryTimeout(attempts int, cause error) *TransportError {
	e := NewTransportError(RecoveryTimeout, fmt.Sprintf("recovery timed out after %d attempts", attempts), "", cause)
	e.Attempts = attempts
	return e
}

func NewRecoveryExhausted(attempts int, cause error) *TransportError {
	e := NewTransportError(RecoveryExhausted, fmt.Sprintf("recovery gave up after %d attempts", attempts), "", cause)
	e.Attempts = attempts
	return e
}

// NewConnectionFailed is delivered to messages dispatched while the channel is Failed
func NewConnectionFailed(cause error) *TransportError {
	return NewTransportError(ConnectionFailed, "connection failed; re-establish to continue", "", cause)
}

func NewProtocolViolation(reason string) *TransportError {
	return NewTransportError(ProtocolViolation, fmt.Sprintf("protocol violation: %s", reason), "", nil)
}

func (e *TransportError) As(target interface{}) bool {
	if chErr, ok := target.(**ChannelError); ok {
		*chErr = &e.ChannelError
		return true
	}
	return false
}

// Validation Errors

// ValidationError represents a request rejected before it reached the engine
type ValidationError struct {
	ChannelError
	Field string `json:"field,omitempty"`
}

func NewValidationError(code int, message, field string) *ValidationError {
	return &ValidationError{
		ChannelError: ChannelError{
			Kind:    KindValidation,
			Code:    code,
			Message: message,
		},
		Field: field,
	}
}

func NewMalformedCommand(field, reason string) *ValidationError {
	return NewValidationError(MalformedCommand, fmt.Sprintf("malformed command: %s", reason), field)
}

func NewUnsafeArgument(index int, reason string) *ValidationError {
	return NewValidationError(UnsafeArgument, fmt.Sprintf("unsafe argument %d: %s", index, reason), fmt.Sprintf("args[%d]", index))
}

func NewInvalidToken(reason string) *ValidationError {
	return NewValidationError(InvalidToken, fmt.Sprintf("invalid access token: %s", reason), "token")
}

func NewMissingEnvironment(name string) *ValidationError {
	return NewValidationError(MissingEnvironment, fmt.Sprintf("missing required environment variable %s", name), "env."+name)
}

func NewPeerRejected(reason string) *ValidationError {
	return NewValidationError(PeerRejected, fmt.Sprintf("helper peer rejected: %s", reason), "peer")
}

func NewNotAllowed(executable string) *ValidationError {
	return NewValidationError(NotAllowed, fmt.Sprintf("executable %q is not allowed", executable), "executable")
}

func (e *ValidationError) As(target interface{}) bool {
	if chErr, ok := target.(**ChannelError); ok {
		*chErr = &e.ChannelError
		return true
	}
	return false
}

// Resource Errors

// ResourceError represents a resource limit breach reported by the helper
type ResourceError struct {
	ChannelError
	Resource string  `json:"resource"`
	Observed float64 `json:"observed"`
	Limit    float64 `json:"limit"`
}

func NewResourceError(code int, resource string, observed, limit float64) *ResourceError {
	return &ResourceError{
		ChannelError: ChannelError{
			Kind:    KindResource,
			Code:    code,
			Message: fmt.Sprintf("%s at %.0f breaches limit %.0f", resource, observed, limit),
		},
		Resource: resource,
		Observed: observed,
		Limit:    limit,
	}
}

// NewAdmissionRejected is returned by admission control while the helper is degraded
func NewAdmissionRejected(reason string) *ResourceError {
	return &ResourceError{
		ChannelError: ChannelError{
			Kind:    KindResource,
			Code:    ResourceLimit,
			Message: fmt.Sprintf("rejected before dispatch: %s", reason),
		},
	}
}

func (e *ResourceError) As(target interface{}) bool {
	if chErr, ok := target.(**ChannelError); ok {
		*chErr = &e.ChannelError
		return true
	}
	return false
}

// Remote Errors

// RemoteError represents the backup engine finishing unsuccessfully
type RemoteError struct {
	ChannelError
	ExitStatus int    `json:"exit_status"`
	Output     string `json:"output,omitempty"`
}

func NewRemoteError(exitStatus int, output string) *RemoteError {
	return &RemoteError{
		ChannelError: ChannelError{
			Kind:    KindRemote,
			Code:    NonZeroExit,
			Message: fmt.Sprintf("engine exited with status %d", exitStatus),
		},
		ExitStatus: exitStatus,
		Output:     output,
	}
}

func NewEngineError(message string, cause error) *RemoteError {
	return &RemoteError{
		ChannelError: ChannelError{
			Kind:    KindRemote,
			Code:    EngineError,
			Message: message,
			Cause:   cause,
		},
		ExitStatus: -1,
	}
}

func (e *RemoteError) As(target interface{}) bool {
	if chErr, ok := target.(**ChannelError); ok {
		*chErr = &e.ChannelError
		return true
	}
	return false
}

// Lifecycle Errors

func NewCancelled(op string) *ChannelError {
	return &ChannelError{Kind: KindCancelled, Code: Cancelled, Message: "cancelled", Op: op}
}

func NewClosed(component string) *ChannelError {
	return &ChannelError{Kind: KindCancelled, Code: Closed, Message: fmt.Sprintf("%s is closed", component)}
}

func NewNotFound(what, id string) *ChannelError {
	return &ChannelError{Kind: KindInternal, Code: NotFound, Message: fmt.Sprintf("%s %q not found", what, id)}
}

// Helper functions for common error checking

// IsTransport checks if an error belongs to the transport class
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}

// IsValidation checks if an error belongs to the validation class
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsResource checks if an error belongs to the resource class
func IsResource(err error) bool {
	return KindOf(err) == KindResource
}

// IsRemote checks if an error is a remote execution failure
func IsRemote(err error) bool {
	return KindOf(err) == KindRemote
}

// IsCancelled reports cancellation, including context cancellation
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return KindOf(err) == KindCancelled
}

// KindOf returns the Kind of err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return chErr.Kind
	}
	return KindInternal
}

// CodeOf returns the error code if the error is a ChannelError
func CodeOf(err error) int {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return 0
}

// Retryable reports whether the channel may retry the failed work on its own.
// Only a broken connection qualifies: recovery outcomes are final, and a
// protocol violation or a helper-reported error would fail again on a new
// connection.
func Retryable(err error) bool {
	if !IsTransport(err) {
		return false
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.FromHelper {
		return false
	}
	switch CodeOf(err) {
	case ConnectionFailed, RecoveryExhausted, RecoveryTimeout, ProtocolViolation:
		return false
	}
	return true
}
