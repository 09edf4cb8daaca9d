package queue

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/maxpert/backupd/connection"
	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/internal/fakeremote"
	"github.com/maxpert/backupd/protocol"
	"github.com/maxpert/backupd/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func queueSettings() interfaces.QueueConfig {
	return interfaces.QueueConfig{
		MaxConcurrency:      1,
		IdleDelay:           10 * time.Millisecond,
		MaxDispatchAttempts: 3,
		RetentionCount:      100,
	}
}

type harness struct {
	queue   *Queue
	manager *connection.Manager
	dialer  *fakeremote.Dialer
	history *storage.MemoryHistoryStore
}

func newHarness(t *testing.T, settings interfaces.QueueConfig, clk clock.Clock, configure func(h *fakeremote.Handle)) *harness {
	t.Helper()

	dialer := fakeremote.NewDialer()
	dialer.Configure = configure

	manager, err := connection.NewManager(connection.Config{
		Settings: interfaces.ConnectionConfig{
			HandshakeTimeout:    time.Second,
			RecoveryTimeout:     5 * time.Second,
			MaxRecoveryAttempts: 3,
			RecoveryBaseDelay:   5 * time.Millisecond,
			RecoveryMaxDelay:    20 * time.Millisecond,
			BackoffMultiplier:   2,
		},
		Dialer: dialer,
		Clock:  clock.WallClock,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	history := storage.NewMemoryHistoryStore()
	q, err := New(Config{
		Settings:   settings,
		Connection: manager,
		History:    history,
		Clock:      clk,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))

	t.Cleanup(func() {
		q.Stop()
		manager.Close()
		history.Close()
	})
	return &harness{queue: q, manager: manager, dialer: dialer, history: history}
}

func await(t *testing.T, q *Queue, id string) protocol.QueuedMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := q.Await(ctx, id)
	require.NoError(t, err)
	return msg
}

func command(op protocol.OperationType) protocol.CommandDescriptor {
	return protocol.CommandDescriptor{Operation: op, Executable: "restic"}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Settings:   queueSettings(),
		Connection: &connection.Manager{},
		Clock:      clock.WallClock,
		Logger:     zap.NewNop(),
	}
	assert.NoError(t, valid.Validate())

	broken := valid
	broken.Connection = nil
	assert.Error(t, broken.Validate())

	broken = valid
	broken.Settings.MaxConcurrency = 0
	assert.Error(t, broken.Validate())

	broken = valid
	broken.Settings.IdleDelay = 0
	assert.Error(t, broken.Validate())

	_, err := New(broken)
	assert.Error(t, err)
}

func TestQueueCompletesInSubmissionOrder(t *testing.T) {
	h := newHarness(t, queueSettings(), clock.WallClock, nil)
	_, err := h.manager.EstablishConnection(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var completed []string
	h.queue.Subscribe(func(e protocol.CompletionEvent) {
		mu.Lock()
		completed = append(completed, e.MessageID)
		mu.Unlock()
	})

	ops := []protocol.OperationType{protocol.OperationInit, protocol.OperationBackup, protocol.OperationCheck}
	var ids []string
	for _, op := range ops {
		id, err := h.queue.Enqueue(command(op))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i, id := range ids {
		msg := await(t, h.queue, id)
		assert.Equal(t, protocol.MessageCompleted, msg.Status)
		assert.Equal(t, "ok "+string(ops[i]), msg.Result.Output)
		assert.Equal(t, 1, msg.Attempts)
		assert.NoError(t, msg.Err)
	}

	executed := h.dialer.Last().Executed()
	require.Len(t, executed, 3)
	for i, cmd := range executed {
		assert.Equal(t, ops[i], cmd.Operation)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, ids, completed)
	mu.Unlock()

	count, err := h.history.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestQueueSurvivesInterruptionMidQueue(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, queueSettings(), clock.WallClock, func(handle *fakeremote.Handle) {
		if handle.ID() != "fake-1" {
			return
		}
		handle.ExecuteFunc = func(ctx context.Context, cmd protocol.CommandDescriptor, _ interfaces.ProgressSink) (*protocol.CommandResult, error) {
			close(started)
			<-release
			return nil, chanerrors.NewInterrupted(handle.ID(), io.EOF)
		}
	})
	_, err := h.manager.EstablishConnection(context.Background())
	require.NoError(t, err)

	// first recovery attempt fails, the second succeeds
	h.dialer.FailNext(fakeremote.ErrRefused)

	var ids []string
	for _, op := range []protocol.OperationType{protocol.OperationBackup, protocol.OperationPrune, protocol.OperationCheck} {
		id, err := h.queue.Enqueue(command(op))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	<-started
	first := h.dialer.Handles()[0]
	first.Interrupt()
	close(release)

	for _, id := range ids {
		msg := await(t, h.queue, id)
		assert.Equal(t, protocol.MessageCompleted, msg.Status, "message %s: %v", id, msg.Err)
	}

	retried := await(t, h.queue, ids[0])
	assert.Equal(t, 2, retried.Attempts)
	assert.Equal(t, 3, h.dialer.Dials())
	assert.Equal(t, protocol.StateActive, h.manager.State().Kind)

	executed := h.dialer.Last().Executed()
	require.Len(t, executed, 3)
	assert.Equal(t, protocol.OperationBackup, executed[0].Operation)
	assert.Equal(t, protocol.OperationCheck, executed[2].Operation)
}

func TestQueueDeliversConnectionFailed(t *testing.T) {
	h := newHarness(t, queueSettings(), clock.WallClock, nil)
	h.dialer.FailAlways(fakeremote.ErrRefused)

	_, err := h.manager.EstablishConnection(context.Background())
	require.Error(t, err)
	require.Equal(t, protocol.StateFailed, h.manager.State().Kind)

	id, err := h.queue.Enqueue(command(protocol.OperationBackup))
	require.NoError(t, err)

	msg := await(t, h.queue, id)
	assert.Equal(t, protocol.MessageFailed, msg.Status)
	assert.Equal(t, chanerrors.ConnectionFailed, chanerrors.CodeOf(msg.Err))
	assert.True(t, chanerrors.IsTransport(msg.Err))

	// explicit re-establishment restores service
	h.dialer.FailAlways(nil)
	_, err = h.manager.EstablishConnection(context.Background())
	require.NoError(t, err)

	id, err = h.queue.Enqueue(command(protocol.OperationBackup))
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageCompleted, await(t, h.queue, id).Status)
}

func TestQueuePassesRemoteFailureThrough(t *testing.T) {
	h := newHarness(t, queueSettings(), clock.WallClock, func(handle *fakeremote.Handle) {
		handle.ExecuteFunc = func(ctx context.Context, cmd protocol.CommandDescriptor, _ interfaces.ProgressSink) (*protocol.CommandResult, error) {
			return &protocol.CommandResult{ExitStatus: 11, Output: "repository is already locked"}, nil
		}
	})

	id, err := h.queue.Enqueue(command(protocol.OperationBackup))
	require.NoError(t, err)

	msg := await(t, h.queue, id)
	assert.Equal(t, protocol.MessageFailed, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	require.NotNil(t, msg.Result)
	assert.Equal(t, 11, msg.Result.ExitStatus)

	var remote *chanerrors.RemoteError
	require.ErrorAs(t, msg.Err, &remote)
	assert.Equal(t, 11, remote.ExitStatus)
	assert.Equal(t, "repository is already locked", remote.Output)

	rec, err := h.history.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "remote", rec.ErrorKind)
	assert.Equal(t, 11, rec.ExitStatus)
}

func TestQueueDoesNotRetryValidationErrors(t *testing.T) {
	h := newHarness(t, queueSettings(), clock.WallClock, func(handle *fakeremote.Handle) {
		handle.ExecuteFunc = func(ctx context.Context, cmd protocol.CommandDescriptor, _ interfaces.ProgressSink) (*protocol.CommandResult, error) {
			return nil, chanerrors.NewNotAllowed(cmd.Executable)
		}
	})

	id, err := h.queue.Enqueue(command(protocol.OperationBackup))
	require.NoError(t, err)

	msg := await(t, h.queue, id)
	assert.Equal(t, protocol.MessageFailed, msg.Status)
	assert.True(t, chanerrors.IsValidation(msg.Err))
	assert.Equal(t, 1, msg.Attempts)
	assert.Len(t, h.dialer.Last().Executed(), 1)
}

func TestQueueKeepsConnectionOnHelperErrorFrame(t *testing.T) {
	h := newHarness(t, queueSettings(), clock.WallClock, func(handle *fakeremote.Handle) {
		handle.ExecuteFunc = func(ctx context.Context, cmd protocol.CommandDescriptor, _ interfaces.ProgressSink) (*protocol.CommandResult, error) {
			return nil, chanerrors.NewProtocolViolation("unknown method \"execute\"")
		}
	})
	_, err := h.manager.EstablishConnection(context.Background())
	require.NoError(t, err)
	live := h.dialer.Last()

	id, err := h.queue.Enqueue(command(protocol.OperationBackup))
	require.NoError(t, err)

	msg := await(t, h.queue, id)
	assert.Equal(t, protocol.MessageFailed, msg.Status)
	assert.Equal(t, chanerrors.ProtocolViolation, chanerrors.CodeOf(msg.Err))
	assert.Equal(t, 1, msg.Attempts)
	assert.Len(t, live.Executed(), 1)

	// the working connection is neither reported nor replaced
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, protocol.StateActive, h.manager.State().Kind)
	assert.Same(t, live, h.manager.CurrentHandle())
	assert.False(t, live.Closed())
}

func TestQueueForwardsProgressAndStartHook(t *testing.T) {
	h := newHarness(t, queueSettings(), clock.WallClock, nil)

	var mu sync.Mutex
	var fractions []float64
	var startedID string
	id, err := h.queue.Enqueue(command(protocol.OperationBackup),
		WithOperationID("op-7"),
		WithProgress(func(e protocol.ProgressEvent) {
			mu.Lock()
			fractions = append(fractions, e.Fraction)
			mu.Unlock()
		}),
		WithStartHook(func(messageID string) {
			mu.Lock()
			startedID = messageID
			mu.Unlock()
		}))
	require.NoError(t, err)

	msg := await(t, h.queue, id)
	assert.Equal(t, "op-7", msg.OperationID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id, startedID)
	assert.Equal(t, []float64{1}, fractions)
}

func TestQueueCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, queueSettings(), clock.WallClock, func(handle *fakeremote.Handle) {
		handle.ExecuteFunc = func(ctx context.Context, cmd protocol.CommandDescriptor, _ interfaces.ProgressSink) (*protocol.CommandResult, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})

	running, err := h.queue.Enqueue(command(protocol.OperationBackup))
	require.NoError(t, err)
	pending, err := h.queue.Enqueue(command(protocol.OperationCheck))
	require.NoError(t, err)

	<-started
	msg, ok := h.queue.Status(running)
	require.True(t, ok)
	assert.Equal(t, protocol.MessageRunning, msg.Status)

	require.NoError(t, h.queue.Cancel(pending))
	msg = await(t, h.queue, pending)
	assert.Equal(t, protocol.MessageFailed, msg.Status)
	assert.True(t, chanerrors.IsCancelled(msg.Err))
	assert.Zero(t, msg.Attempts)

	require.NoError(t, h.queue.Cancel(running))
	msg = await(t, h.queue, running)
	assert.Equal(t, protocol.MessageFailed, msg.Status)
	assert.True(t, chanerrors.IsCancelled(msg.Err))

	// finished messages are a no-op, unknown ones are reported
	assert.NoError(t, h.queue.Cancel(running))
	err = h.queue.Cancel("missing")
	assert.Equal(t, chanerrors.NotFound, chanerrors.CodeOf(err))

	_, err = h.queue.Await(context.Background(), "missing")
	assert.Equal(t, chanerrors.NotFound, chanerrors.CodeOf(err))
}

func TestQueueCancelAsSoonAsRunning(t *testing.T) {
	h := newHarness(t, queueSettings(), clock.WallClock, nil)

	cancelled := make(chan error, 1)
	id, err := h.queue.Enqueue(command(protocol.OperationBackup),
		WithStartHook(func(messageID string) {
			cancelled <- h.queue.Cancel(messageID)
		}))
	require.NoError(t, err)

	msg := await(t, h.queue, id)
	require.NoError(t, <-cancelled)
	assert.Equal(t, protocol.MessageFailed, msg.Status)
	assert.True(t, chanerrors.IsCancelled(msg.Err))
	assert.Zero(t, msg.Attempts)
	assert.Zero(t, h.dialer.Dials(), "a cancelled message never reaches the helper")
}

func TestQueueRunsUpToMaxConcurrency(t *testing.T) {
	settings := queueSettings()
	settings.MaxConcurrency = 2

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	h := newHarness(t, settings, clock.WallClock, func(handle *fakeremote.Handle) {
		handle.ExecuteFunc = func(ctx context.Context, cmd protocol.CommandDescriptor, _ interfaces.ProgressSink) (*protocol.CommandResult, error) {
			mu.Lock()
			inFlight++
			peak = max(peak, inFlight)
			mu.Unlock()

			<-release

			mu.Lock()
			inFlight--
			mu.Unlock()
			return &protocol.CommandResult{}, nil
		}
	})

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := h.queue.Enqueue(command(protocol.OperationList))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		_, running := h.queue.Depth()
		return running == 2
	}, time.Second, 5*time.Millisecond)
	pending, _ := h.queue.Depth()
	assert.Equal(t, 2, pending)

	close(release)
	for _, id := range ids {
		assert.Equal(t, protocol.MessageCompleted, await(t, h.queue, id).Status)
	}

	mu.Lock()
	assert.Equal(t, 2, peak)
	mu.Unlock()
}

func TestQueueCleanupByCount(t *testing.T) {
	settings := queueSettings()
	settings.RetentionCount = 2
	h := newHarness(t, settings, clock.WallClock, nil)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := h.queue.Enqueue(command(protocol.OperationList))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		await(t, h.queue, id)
	}

	assert.Equal(t, 2, h.queue.Cleanup())
	assert.Equal(t, 2, h.queue.retainedCount())

	_, ok := h.queue.Status(ids[0])
	assert.False(t, ok)
	_, ok = h.queue.Status(ids[3])
	assert.True(t, ok)

	// persisted history is only pruned by age
	count, err := h.history.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestQueueCleanupByAge(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	settings := queueSettings()
	settings.RetentionAge = time.Hour
	h := newHarness(t, settings, clk, nil)

	id, err := h.queue.Enqueue(command(protocol.OperationCheck))
	require.NoError(t, err)
	await(t, h.queue, id)

	assert.Zero(t, h.queue.Cleanup())

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.queue.Cleanup())
	assert.Zero(t, h.queue.retainedCount())

	count, err := h.history.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestQueueStopFailsUnfinishedMessages(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, queueSettings(), clock.WallClock, func(handle *fakeremote.Handle) {
		handle.ExecuteFunc = func(ctx context.Context, cmd protocol.CommandDescriptor, _ interfaces.ProgressSink) (*protocol.CommandResult, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})

	running, err := h.queue.Enqueue(command(protocol.OperationBackup))
	require.NoError(t, err)
	pending, err := h.queue.Enqueue(command(protocol.OperationCheck))
	require.NoError(t, err)
	<-started

	require.NoError(t, h.queue.Stop())
	require.NoError(t, h.queue.Stop())

	for _, id := range []string{running, pending} {
		msg := await(t, h.queue, id)
		assert.Equal(t, protocol.MessageFailed, msg.Status)
		assert.Equal(t, chanerrors.Closed, chanerrors.CodeOf(msg.Err))
	}

	_, err = h.queue.Enqueue(command(protocol.OperationCheck))
	assert.Equal(t, chanerrors.Closed, chanerrors.CodeOf(err))
	assert.Error(t, h.queue.Start(context.Background()))
}
