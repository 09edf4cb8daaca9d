package protocol

import (
	"errors"
	"fmt"

	chanerrors "github.com/maxpert/backupd/errors"
)

// ProtocolVersion is exchanged in the hello frame
const ProtocolVersion = 1

// FrameType identifies a frame on the helper socket
type FrameType uint8

const (
	FrameHello    FrameType = 1
	FrameRequest  FrameType = 2
	FrameProgress FrameType = 3
	FrameResult   FrameType = 4
	FrameError    FrameType = 5
	FrameCancel   FrameType = 6
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameRequest:
		return "request"
	case FrameProgress:
		return "progress"
	case FrameResult:
		return "result"
	case FrameError:
		return "error"
	case FrameCancel:
		return "cancel"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// Remote methods
const (
	MethodPing      = "ping"
	MethodResources = "resources"
	MethodExecute   = "execute"
)

// Frame is one CBOR item on the helper socket. Requests carry a client-chosen
// ID; every progress, result or error frame echoes the ID of its request.
type Frame struct {
	Type    FrameType  `cbor:"t"`
	ID      uint64     `cbor:"id"`
	Method  string     `cbor:"m,omitempty"`
	Payload RawMessage `cbor:"p,omitempty"`
	Error   *WireError `cbor:"e,omitempty"`
}

// Hello is the payload of the first frame in each direction
type Hello struct {
	Version int    `cbor:"v"`
	Role    string `cbor:"role"`
	Name    string `cbor:"name,omitempty"`
	PID     int    `cbor:"pid,omitempty"`
}

// PingReply is the payload of a ping result
type PingReply struct {
	OK bool `cbor:"ok"`
}

// WireError is the cross-process form of a channel error
type WireError struct {
	Kind       string `cbor:"kind"`
	Code       int    `cbor:"code"`
	Message    string `cbor:"msg"`
	Field      string `cbor:"field,omitempty"`
	ExitStatus int    `cbor:"exit,omitempty"`
	Output     string `cbor:"out,omitempty"`
}

// NewFrame builds a frame with payload encoded as CBOR
func NewFrame(typ FrameType, id uint64, method string, payload any) (*Frame, error) {
	frame := &Frame{Type: typ, ID: id, Method: method}
	if payload != nil {
		data, err := Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		frame.Payload = data
	}
	return frame, nil
}

// NewErrorFrame builds an error frame answering request id
func NewErrorFrame(id uint64, err error) *Frame {
	return &Frame{Type: FrameError, ID: id, Error: WireErrorFrom(err)}
}

// Decode decodes the frame payload into v
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame %d has no payload", f.Type, f.ID)
	}
	return Unmarshal(f.Payload, v)
}

// Validate checks the structural rules of a frame
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameHello:
		if len(f.Payload) == 0 {
			return fmt.Errorf("hello frame without payload")
		}
	case FrameRequest:
		if f.ID == 0 {
			return fmt.Errorf("request frame without id")
		}
		switch f.Method {
		case MethodPing, MethodResources, MethodExecute:
		default:
			return fmt.Errorf("unknown method %q", f.Method)
		}
	case FrameProgress, FrameResult, FrameCancel:
		if f.ID == 0 {
			return fmt.Errorf("%s frame without id", f.Type)
		}
	case FrameError:
		if f.Error == nil {
			return fmt.Errorf("error frame without error")
		}
	default:
		return fmt.Errorf("unknown frame type %d", uint8(f.Type))
	}
	return nil
}

// WireErrorFrom converts any error into its wire form
func WireErrorFrom(err error) *WireError {
	if err == nil {
		return nil
	}

	w := &WireError{
		Kind:    chanerrors.KindOf(err).String(),
		Code:    chanerrors.CodeOf(err),
		Message: err.Error(),
	}
	if w.Code == 0 {
		w.Code = chanerrors.Internal
	}

	var chErr *chanerrors.ChannelError
	if errors.As(err, &chErr) {
		w.Message = chErr.Message
	}
	var validationErr *chanerrors.ValidationError
	if errors.As(err, &validationErr) {
		w.Field = validationErr.Field
	}
	var remoteErr *chanerrors.RemoteError
	if errors.As(err, &remoteErr) {
		w.ExitStatus = remoteErr.ExitStatus
		w.Output = remoteErr.Output
	}
	return w
}

// Err reconstructs a typed channel error from its wire form
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}

	switch chanerrors.ParseKind(w.Kind) {
	case chanerrors.KindValidation:
		return chanerrors.NewValidationError(w.Code, w.Message, w.Field)
	case chanerrors.KindRemote:
		e := chanerrors.NewRemoteError(w.ExitStatus, w.Output)
		e.Code = w.Code
		e.Message = w.Message
		return e
	case chanerrors.KindTransport:
		e := chanerrors.NewTransportError(w.Code, w.Message, "", nil)
		e.FromHelper = true
		return e
	case chanerrors.KindResource:
		return &chanerrors.ResourceError{ChannelError: chanerrors.ChannelError{
			Kind: chanerrors.KindResource, Code: w.Code, Message: w.Message,
		}}
	default:
		return chanerrors.New(chanerrors.ParseKind(w.Kind), w.Code, w.Message, nil)
	}
}
