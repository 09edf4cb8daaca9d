package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chanerrors "github.com/maxpert/backupd/errors"
)

func TestFrameStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	hello, err := NewFrame(FrameHello, 0, "", Hello{Version: ProtocolVersion, Role: "client", Name: "backupd", PID: 42})
	require.NoError(t, err)
	request, err := NewFrame(FrameRequest, 7, MethodExecute, CommandDescriptor{
		Operation:  OperationBackup,
		Executable: "/usr/bin/restic",
		Args:       []string{"backup", "--json", "/home/user"},
		Env:        map[string]string{"RESTIC_REPOSITORY": "/srv/repo"},
		Timeout:    time.Hour,
	})
	require.NoError(t, err)
	progress, err := NewFrame(FrameProgress, 7, "", ProgressEvent{Fraction: 0.5, FilesDone: 10})
	require.NoError(t, err)

	for _, frame := range []*Frame{hello, request, progress} {
		require.NoError(t, enc.Encode(frame))
	}

	// frames are self-delimiting, so they decode back to back
	dec := NewDecoder(&buf)
	var got []Frame
	for range 3 {
		var frame Frame
		require.NoError(t, dec.Decode(&frame))
		require.NoError(t, frame.Validate())
		got = append(got, frame)
	}
	assert.Zero(t, buf.Len())

	var peer Hello
	require.NoError(t, got[0].Decode(&peer))
	assert.Equal(t, "backupd", peer.Name)

	assert.Equal(t, uint64(7), got[1].ID)
	assert.Equal(t, MethodExecute, got[1].Method)
	var cmd CommandDescriptor
	require.NoError(t, got[1].Decode(&cmd))
	assert.Equal(t, OperationBackup, cmd.Operation)
	assert.Equal(t, time.Hour, cmd.Timeout)
	assert.Equal(t, "/srv/repo", cmd.Env["RESTIC_REPOSITORY"])

	var event ProgressEvent
	require.NoError(t, got[2].Decode(&event))
	assert.Equal(t, 0.5, event.Fraction)
}

func TestFrameEncodingIsDeterministic(t *testing.T) {
	cmd := CommandDescriptor{
		Operation:  OperationRestore,
		Executable: "/usr/bin/restic",
		Env:        map[string]string{"B": "2", "A": "1", "C": "3"},
	}
	first, err := Marshal(cmd)
	require.NoError(t, err)
	for range 10 {
		again, err := Marshal(cmd)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{
		"v":       ProtocolVersion,
		"role":    "helper",
		"feature": "from a newer helper",
	})
	require.NoError(t, err)

	var hello Hello
	require.NoError(t, Unmarshal(data, &hello))
	assert.Equal(t, "helper", hello.Role)
}

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		valid bool
	}{
		{"hello", Frame{Type: FrameHello, Payload: RawMessage{0xa0}}, true},
		{"hello without payload", Frame{Type: FrameHello}, false},
		{"ping", Frame{Type: FrameRequest, ID: 1, Method: MethodPing}, true},
		{"request without id", Frame{Type: FrameRequest, Method: MethodPing}, false},
		{"unknown method", Frame{Type: FrameRequest, ID: 1, Method: "shutdown"}, false},
		{"cancel", Frame{Type: FrameCancel, ID: 3}, true},
		{"result without id", Frame{Type: FrameResult}, false},
		{"error", Frame{Type: FrameError, Error: &WireError{Kind: "internal", Code: chanerrors.Internal}}, true},
		{"error without error", Frame{Type: FrameError, ID: 2}, false},
		{"unknown type", Frame{Type: FrameType(99), ID: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestFrameDecodeWithoutPayload(t *testing.T) {
	frame := Frame{Type: FrameResult, ID: 1}
	var reply PingReply
	assert.Error(t, frame.Decode(&reply))
}

func TestErrorFramesKeepTaxonomy(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "validation",
			err:  chanerrors.NewUnsafeArgument(2, "contains NUL byte"),
			check: func(t *testing.T, err error) {
				assert.True(t, chanerrors.IsValidation(err))
				assert.Equal(t, chanerrors.UnsafeArgument, chanerrors.CodeOf(err))
				var v *chanerrors.ValidationError
				require.ErrorAs(t, err, &v)
				assert.Equal(t, "args[2]", v.Field)
			},
		},
		{
			name: "remote",
			err:  chanerrors.NewRemoteError(3, "Fatal: unable to open config file"),
			check: func(t *testing.T, err error) {
				var remote *chanerrors.RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, 3, remote.ExitStatus)
				assert.Equal(t, "Fatal: unable to open config file", remote.Output)
			},
		},
		{
			name: "transport",
			err:  chanerrors.NewHandshakeFailed("peer announced role \"client\"", nil),
			check: func(t *testing.T, err error) {
				assert.True(t, chanerrors.IsTransport(err))
				assert.Equal(t, chanerrors.HandshakeFailed, chanerrors.CodeOf(err))
			},
		},
		{
			name: "helper answers are not retried",
			err:  chanerrors.NewServiceUnavailable("engine busy", nil),
			check: func(t *testing.T, err error) {
				assert.True(t, chanerrors.IsTransport(err))
				assert.False(t, chanerrors.Retryable(err))
				var transportErr *chanerrors.TransportError
				require.ErrorAs(t, err, &transportErr)
				assert.True(t, transportErr.FromHelper)
			},
		},
		{
			name: "cancelled",
			err:  chanerrors.NewCancelled("execute backup"),
			check: func(t *testing.T, err error) {
				assert.True(t, chanerrors.IsCancelled(err))
			},
		},
		{
			name: "foreign",
			err:  assert.AnError,
			check: func(t *testing.T, err error) {
				assert.Equal(t, chanerrors.Internal, chanerrors.CodeOf(err))
				assert.Contains(t, err.Error(), assert.AnError.Error())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewEncoder(&buf).Encode(NewErrorFrame(9, tt.err)))

			var frame Frame
			require.NoError(t, NewDecoder(&buf).Decode(&frame))
			require.NoError(t, frame.Validate())
			assert.Equal(t, uint64(9), frame.ID)
			tt.check(t, frame.Error.Err())
		})
	}
}
