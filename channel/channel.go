// Package channel is the command executor: it wires the connection manager,
// health monitor, message queue and operation tracker of one helper channel
// and exposes them as a single submit/await API.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/maxpert/backupd/connection"
	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/health"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
	"github.com/maxpert/backupd/queue"
	"github.com/maxpert/backupd/storage"
	"github.com/maxpert/backupd/tracker"
)

// Config defines the operation of a Channel
type Config struct {
	Connection interfaces.ConnectionConfig
	Health     interfaces.HealthConfig
	Queue      interfaces.QueueConfig

	Dialer    interfaces.Dialer
	Validator interfaces.Validator

	// History receives finished messages; nil keeps them in memory only.
	// The channel closes it on Close.
	History interfaces.HistoryStore

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics interfaces.MetricsCollector
}

// Validate returns an error if config cannot drive a Channel
func (config Config) Validate() error {
	if config.Dialer == nil {
		return fmt.Errorf("nil Dialer")
	}
	return nil
}

// Ticket identifies an accepted submission
type Ticket struct {
	OperationID string
	MessageID   string
}

// Channel is one supervised command channel to the helper
type Channel struct {
	config  Config
	logger  *zap.Logger
	metrics interfaces.MetricsCollector
	history interfaces.HistoryStore

	manager *connection.Manager
	monitor *health.Monitor
	tracker *tracker.Tracker
	queue   *queue.Queue

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds a stopped channel. Nothing is dialled until Start or Connect.
func New(config Config) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel config: %w", err)
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = interfaces.NoOpMetricsCollector{}
	}
	if config.History == nil {
		config.History = storage.NewMemoryHistoryStore()
	}

	manager, err := connection.NewManager(connection.Config{
		Settings:  config.Connection,
		Dialer:    config.Dialer,
		Validator: config.Validator,
		Clock:     config.Clock,
		Logger:    config.Logger,
		Metrics:   config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	monitor, err := health.NewMonitor(health.Config{
		Settings: config.Health,
		Target:   manager,
		Clock:    config.Clock,
		Logger:   config.Logger,
		Metrics:  config.Metrics,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}
	manager.Attach(monitor)

	q, err := queue.New(queue.Config{
		Settings:   config.Queue,
		Connection: manager,
		History:    config.History,
		Clock:      config.Clock,
		Logger:     config.Logger,
		Metrics:    config.Metrics,
	})
	if err != nil {
		manager.Close()
		monitor.Close()
		return nil, err
	}

	c := &Channel{
		config:  config,
		logger:  config.Logger.Named("channel"),
		metrics: config.Metrics,
		history: config.History,
		manager: manager,
		monitor: monitor,
		tracker: tracker.New(config.Clock, config.Logger, config.Metrics),
		queue:   q,
	}
	q.Subscribe(c.onCompletion)
	return c, nil
}

// Start launches the queue processor and, when configured, establishes the
// connection. A failed initial connection is returned but leaves the channel
// started: submissions are accepted and complete once Connect succeeds.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chanerrors.NewClosed("command channel")
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("command channel already started")
	}
	c.started = true
	c.mu.Unlock()

	// the workers outlive the caller's context; Close stops them
	if err := c.queue.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	c.logger.Info("Command channel started",
		zap.String("socket", c.config.Connection.SocketPath),
		zap.Bool("connect_on_start", c.config.Connection.ConnectOnStart))

	if c.config.Connection.ConnectOnStart {
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("Initial connection failed", zap.Error(err))
			return err
		}
	}
	return nil
}

// Connect establishes the connection, or re-establishes it after Failed
func (c *Channel) Connect(ctx context.Context) error {
	_, err := c.manager.EstablishConnection(ctx)
	return err
}

// KeepConnected re-establishes a Failed connection every ReconnectInterval
// until ctx is done. Recovery episodes give up after their bounds; a
// long-running client uses this to keep trying. With no interval configured it
// only waits for ctx.
func (c *Channel) KeepConnected(ctx context.Context) error {
	interval := c.config.Connection.ReconnectInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.config.Clock.After(interval):
		}
		if c.isClosed() {
			return nil
		}

		state := c.State()
		if state.Kind != protocol.StateFailed {
			continue
		}

		c.logger.Info("Reconnecting failed channel", zap.NamedError("cause", state.Cause))
		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil || chanerrors.CodeOf(err) == chanerrors.Closed {
				return nil
			}
			c.logger.Warn("Reconnect failed",
				zap.Duration("retry_in", interval),
				zap.Error(err))
			continue
		}
		c.logger.Info("Channel reconnected")
	}
}

// Submit validates cmd, registers a tracked operation and enqueues the
// command. It never waits for the helper.
func (c *Channel) Submit(cmd protocol.CommandDescriptor, progress interfaces.ProgressSink) (Ticket, error) {
	if c.isClosed() {
		return Ticket{}, chanerrors.NewClosed("command channel")
	}

	if err := cmd.Validate(); err != nil {
		c.metrics.RecordMessageRejected("validation")
		c.logger.Debug("Command rejected", zap.String("operation", string(cmd.Operation)), zap.Error(err))
		return Ticket{}, err
	}
	if err := c.admit(); err != nil {
		c.metrics.RecordMessageRejected("resource")
		c.logger.Warn("Command rejected by admission control", zap.String("operation", string(cmd.Operation)), zap.Error(err))
		return Ticket{}, err
	}

	opID, err := c.tracker.Start(cmd.Operation)
	if err != nil {
		return Ticket{}, err
	}

	msgID, err := c.queue.Enqueue(cmd,
		queue.WithOperationID(opID),
		queue.WithStartHook(func(string) {
			c.updateOperation(opID, protocol.OperationRunning, nil)
		}),
		queue.WithProgress(func(event protocol.ProgressEvent) {
			if err := c.tracker.UpdateProgress(opID, event.Fraction); err != nil {
				c.logger.Debug("Progress for untracked operation", zap.String("operation_id", opID), zap.Error(err))
			}
			if progress != nil {
				progress(event)
			}
		}),
	)
	if err != nil {
		c.updateOperation(opID, protocol.OperationFailed, err)
		return Ticket{}, err
	}

	// the message may already have finished and pruned the operation
	if err := c.tracker.SetCancelHook(opID, func() {
		if err := c.queue.Cancel(msgID); err != nil {
			c.logger.Debug("Cancel hook found no message", zap.String("message_id", msgID), zap.Error(err))
		}
	}); err != nil {
		c.logger.Debug("Operation finished before cancel hook was set", zap.String("operation_id", opID))
	}

	return Ticket{OperationID: opID, MessageID: msgID}, nil
}

// Await blocks until the message finishes. A remote failure returns both the
// engine's result and a remote error. Errors are always from the channel
// taxonomy.
func (c *Channel) Await(ctx context.Context, messageID string) (*protocol.CommandResult, error) {
	msg, err := c.queue.Await(ctx, messageID)
	if err != nil {
		return nil, classify(err)
	}
	if msg.Err != nil {
		return msg.Result, classify(msg.Err)
	}
	return msg.Result, nil
}

// Execute submits cmd and waits for its result. Cancelling ctx cancels the
// operation; aborting an already dispatched command is best effort.
func (c *Channel) Execute(ctx context.Context, cmd protocol.CommandDescriptor, progress interfaces.ProgressSink) (*protocol.CommandResult, error) {
	ticket, err := c.Submit(cmd, progress)
	if err != nil {
		return nil, err
	}

	result, err := c.Await(ctx, ticket.MessageID)
	if err != nil && ctx.Err() != nil {
		if cancelErr := c.Cancel(ticket.OperationID); cancelErr != nil {
			c.logger.Debug("Cancel after abandoned await", zap.String("operation_id", ticket.OperationID), zap.Error(cancelErr))
		}
	}
	return result, err
}

// Cancel cancels a tracked operation. A pending command is removed from the
// queue; a running one has its call context cancelled.
func (c *Channel) Cancel(operationID string) error {
	return c.tracker.Cancel(operationID)
}

// Operation returns a live tracked operation
func (c *Channel) Operation(id string) (protocol.TrackedOperation, bool) {
	return c.tracker.Status(id)
}

// ActiveOperations returns every live tracked operation, oldest first
func (c *Channel) ActiveOperations() []protocol.TrackedOperation {
	return c.tracker.Active()
}

// Message returns a snapshot of a message still held by the queue
func (c *Channel) Message(id string) (protocol.QueuedMessage, bool) {
	return c.queue.Status(id)
}

// Depth returns the number of pending and running messages
func (c *Channel) Depth() (pending, running int) {
	return c.queue.Depth()
}

// State returns the current connection state
func (c *Channel) State() protocol.ConnectionState {
	return c.manager.State()
}

// HealthStatus returns the last computed health status
func (c *Channel) HealthStatus() protocol.HealthStatus {
	return c.monitor.Status()
}

// Check runs one health probe immediately
func (c *Channel) Check(ctx context.Context) protocol.HealthStatus {
	return c.monitor.Check(ctx)
}

// Healthy reports whether the channel can currently serve commands, for
// liveness endpoints
func (c *Channel) Healthy() (bool, string) {
	state := c.manager.State()
	if state.Kind != protocol.StateActive {
		return false, state.String()
	}
	status := c.monitor.Status()
	if status.State == protocol.HealthUnhealthy {
		return false, status.String()
	}
	return true, fmt.Sprintf("%s, %s", state, status)
}

// History returns up to limit finished commands, newest first
func (c *Channel) History(limit int) ([]protocol.HistoryRecord, error) {
	return c.history.Recent(limit)
}

// Cleanup applies the retention policy now and returns the number of
// messages dropped
func (c *Channel) Cleanup() int {
	return c.queue.Cleanup()
}

// OnStateChange registers fn for connection state transitions
func (c *Channel) OnStateChange(fn func(protocol.StateChange)) (unsubscribe func()) {
	return c.manager.Subscribe(fn)
}

// OnHealthChange registers fn for coarse health state changes
func (c *Channel) OnHealthChange(fn func(protocol.HealthChange)) (unsubscribe func()) {
	return c.monitor.Subscribe(fn)
}

// OnCompletion registers fn for finished messages, successful or not
func (c *Channel) OnCompletion(fn func(protocol.CompletionEvent)) (unsubscribe func()) {
	return c.queue.Subscribe(fn)
}

// OnOperation registers fn for tracked operation changes
func (c *Channel) OnOperation(fn func(protocol.OperationEvent)) (unsubscribe func()) {
	return c.tracker.Subscribe(fn)
}

// Close stops the queue, fails unfinished messages, tears down the
// connection and releases the history store. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.logger.Info("Closing command channel")

	var errs []error
	if err := c.queue.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping queue: %w", err))
	}
	c.tracker.Stop()
	if err := c.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing connection: %w", err))
	}
	c.monitor.Close()
	if err := c.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing history: %w", err))
	}
	return errors.Join(errs...)
}

// admit applies admission control before a command is queued
func (c *Channel) admit() error {
	if !c.config.Queue.RejectWhenDegraded {
		return nil
	}
	status := c.monitor.Status()
	if status.State == protocol.HealthDegraded {
		return chanerrors.NewAdmissionRejected(status.Reason)
	}
	return nil
}

func (c *Channel) onCompletion(event protocol.CompletionEvent) {
	switch {
	case event.Status == protocol.MessageCompleted:
		c.updateOperation(event.OperationID, protocol.OperationCompleted, nil)
	case chanerrors.IsCancelled(event.Err):
		c.updateOperation(event.OperationID, protocol.OperationCancelled, event.Err)
	default:
		c.updateOperation(event.OperationID, protocol.OperationFailed, event.Err)
	}
}

func (c *Channel) updateOperation(id string, status protocol.OperationStatus, err error) {
	if id == "" {
		return
	}
	// a cancelled operation is already pruned when its message finishes
	if updateErr := c.tracker.Update(id, status, err); updateErr != nil {
		c.logger.Debug("Operation update skipped",
			zap.String("operation_id", id),
			zap.Stringer("status", status),
			zap.Error(updateErr))
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// classify maps foreign errors into the channel taxonomy
func classify(err error) error {
	var chErr *chanerrors.ChannelError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &chErr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &chanerrors.ChannelError{
			Kind:    chanerrors.KindCancelled,
			Code:    chanerrors.Cancelled,
			Message: "await abandoned",
			Cause:   err,
		}
	default:
		return chanerrors.New(chanerrors.KindInternal, chanerrors.Internal, "command failed", err)
	}
}
