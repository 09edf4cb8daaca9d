//go:build unix

package helper

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxpert/backupd/channel"
	"github.com/maxpert/backupd/config"
	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
	"github.com/maxpert/backupd/transport"
)

// startServer runs a helper on a socket in a short temp dir and stops it when
// the test ends
func startServer(t *testing.T, modify func(*interfaces.HelperConfig)) (*Server, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "bkd")
	require.NoError(t, err)
	settings := interfaces.HelperConfig{
		SocketPath:            filepath.Join(dir, "h.sock"),
		SocketMode:            0o600,
		DiskPath:              dir,
		MaxConcurrentCommands: 2,
		KillGracePeriod:       time.Second,
	}
	if modify != nil {
		modify(&settings)
	}

	server, err := NewServer(Config{Settings: settings, Logger: zap.NewNop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(settings.SocketPath)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		os.RemoveAll(dir)
	})
	return server, settings.SocketPath
}

func dial(t *testing.T, path string) interfaces.Handle {
	t.Helper()
	dialer := transport.NewDialer(transport.DialerConfig{SocketPath: path})
	handle, err := dialer.Dial(runCtx(t), interfaces.TransportHooks{})
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	return handle
}

func TestServerAnswersProbes(t *testing.T) {
	server, path := startServer(t, nil)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	handle := dial(t, path)
	ok, err := handle.Ping(runCtx(t))
	require.NoError(t, err)
	assert.True(t, ok)

	snapshot, err := handle.CheckResources(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.Connections)
	assert.NotZero(t, snapshot.DiskFreeBytes)
	assert.Equal(t, 1, server.Connections())

	validator := transport.NewPeerValidator(nil, nil)
	assert.NoError(t, validator.Validate(runCtx(t), handle), "helper runs as the test user")
}

func TestServerExecutesCommands(t *testing.T) {
	_, path := startServer(t, func(settings *interfaces.HelperConfig) {
		settings.AllowedExecutables = []string{"/bin/sh"}
	})
	handle := dial(t, path)

	var (
		mu     sync.Mutex
		events []protocol.ProgressEvent
	)
	result, err := handle.Execute(runCtx(t), script(`
printf '{"message_type":"status","percent_done":0.5}\n'
printf '{"message_type":"status","percent_done":1}\n'
echo finished`), func(event protocol.ProgressEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitStatus)
	assert.Contains(t, result.Output, "finished")
	mu.Lock()
	require.Len(t, events, 2)
	assert.Equal(t, 1.0, events[1].Fraction)
	mu.Unlock()

	result, err = handle.Execute(runCtx(t), script(`exit 4`), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, result.ExitStatus)

	denied := script("true")
	denied.Executable = "/usr/bin/env"
	_, err = handle.Execute(runCtx(t), denied, nil)
	require.Error(t, err)
	assert.True(t, chanerrors.IsValidation(err))
	assert.Equal(t, chanerrors.NotAllowed, chanerrors.CodeOf(err))

	ok, err := handle.Ping(runCtx(t))
	require.NoError(t, err)
	assert.True(t, ok, "refused commands leave the connection usable")
}

func TestServerCancelsAbandonedExecute(t *testing.T) {
	server, path := startServer(t, nil)
	handle := dial(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := handle.Execute(ctx, script(`exec sleep 30`), nil)
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		return server.runner.Active() == 0
	}, 3*time.Second, 10*time.Millisecond, "cancel frame stops the engine")

	ok, err := handle.Ping(runCtx(t))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServerRejectsVersionMismatch(t *testing.T) {
	_, path := startServer(t, nil)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	hello, err := protocol.NewFrame(protocol.FrameHello, 0, "", protocol.Hello{
		Version: protocol.ProtocolVersion + 1,
		Role:    transport.RoleClient,
	})
	require.NoError(t, err)
	require.NoError(t, protocol.NewEncoder(conn).Encode(hello))

	var reply protocol.Frame
	require.NoError(t, protocol.NewDecoder(conn).Decode(&reply))
	require.Equal(t, protocol.FrameError, reply.Type)
	assert.Equal(t, chanerrors.HandshakeFailed, reply.Error.Code)
}

func TestServerStopRemovesSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "bkd")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "h.sock")

	// a stale socket from a crashed helper
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	server, err := NewServer(Config{Settings: interfaces.HelperConfig{SocketPath: path}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestChannelAgainstHelper(t *testing.T) {
	_, path := startServer(t, nil)

	cfg := config.DefaultConfig()
	cfg.Connection.SocketPath = path
	cfg.Storage.Backend = "memory"
	cfg.Metrics.Enabled = false
	cfg.Health.Limits = interfaces.ResourceLimits{}

	ch, err := channel.NewBuilder(cfg).WithLogger(zap.NewNop()).Build()
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Start(runCtx(t)))
	assert.Equal(t, protocol.StateActive, ch.State().Kind)

	status := ch.Check(runCtx(t))
	assert.Equal(t, protocol.HealthHealthy, status.State)

	var (
		mu       sync.Mutex
		progress []float64
	)
	result, err := ch.Execute(runCtx(t), script(`
printf '{"message_type":"status","percent_done":0.3}\n'
echo "snapshot 5f3a saved"`), func(event protocol.ProgressEvent) {
		mu.Lock()
		progress = append(progress, event.Fraction)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "snapshot 5f3a saved")
	mu.Lock()
	assert.Equal(t, []float64{0.3}, progress)
	mu.Unlock()

	_, err = ch.Execute(runCtx(t), script(`echo "Fatal: wrong password" >&2; exit 1`), nil)
	require.Error(t, err)
	assert.True(t, chanerrors.IsRemote(err))

	records, err := ch.History(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "remote", records[0].ErrorKind, "newest first")
}
