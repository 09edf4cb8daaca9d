package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/events"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// Connection supplies live handles to the queue
type Connection interface {
	// AcquireHandle blocks while recovery is in progress
	AcquireHandle(ctx context.Context) (interfaces.Handle, error)

	// ReportTransportFailure interrupts the connection if h is still live
	ReportTransportFailure(h interfaces.Handle, cause error)
}

// Config defines the operation of a Queue
type Config struct {
	Settings   interfaces.QueueConfig
	Connection Connection
	History    interfaces.HistoryStore
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    interfaces.MetricsCollector
}

// Validate returns an error if config cannot drive a Queue
func (config Config) Validate() error {
	if config.Connection == nil {
		return fmt.Errorf("nil Connection")
	}
	if config.Clock == nil {
		return fmt.Errorf("nil Clock")
	}
	if config.Logger == nil {
		return fmt.Errorf("nil Logger")
	}
	if config.Settings.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be at least 1")
	}
	if config.Settings.MaxDispatchAttempts < 1 {
		return fmt.Errorf("max dispatch attempts must be at least 1")
	}
	if config.Settings.IdleDelay <= 0 {
		return fmt.Errorf("idle delay must be positive")
	}
	return nil
}

// EnqueueOption customises one submission
type EnqueueOption func(*entry)

// WithOperationID links the message to a tracked operation
func WithOperationID(id string) EnqueueOption {
	return func(e *entry) {
		e.msg.OperationID = id
	}
}

// WithProgress receives progress events while the message runs
func WithProgress(fn interfaces.ProgressSink) EnqueueOption {
	return func(e *entry) {
		e.progress = fn
	}
}

// WithStartHook is called when the message moves to Running
func WithStartHook(fn func(messageID string)) EnqueueOption {
	return func(e *entry) {
		e.onStart = fn
	}
}

type entry struct {
	msg      protocol.QueuedMessage
	progress interfaces.ProgressSink
	onStart  func(string)
	done     chan struct{}
	elem     *list.Element
	cancel   context.CancelFunc
}

// Queue accepts command submissions and executes them in enqueue order on up
// to MaxConcurrency workers. With one worker, execution and completion order
// equal submission order. Submission never blocks: a slow or disconnected
// helper delays completion but does not lose work.
type Queue struct {
	config      Config
	logger      *zap.Logger
	metrics     interfaces.MetricsCollector
	completions *events.Bus[protocol.CompletionEvent]

	mu       sync.Mutex
	pending  *list.List // *entry, oldest first
	running  map[string]*entry
	finished map[string]*entry
	order    *list.List // finished ids, oldest first
	wake     chan struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group
	started  bool
	closed   bool
}

// New creates a stopped queue
func New(config Config) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message queue config: %w", err)
	}
	if config.Metrics == nil {
		config.Metrics = interfaces.NoOpMetricsCollector{}
	}

	return &Queue{
		config:      config,
		logger:      config.Logger.Named("queue"),
		metrics:     config.Metrics,
		completions: events.NewBus[protocol.CompletionEvent](),
		pending:     list.New(),
		running:     make(map[string]*entry),
		finished:    make(map[string]*entry),
		order:       list.New(),
		wake:        make(chan struct{}, 1),
	}, nil
}

// Subscribe registers fn for completion events
func (q *Queue) Subscribe(fn func(protocol.CompletionEvent)) (unsubscribe func()) {
	return q.completions.Subscribe(fn)
}

// Start launches the workers and the retention loop
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return chanerrors.NewClosed("message queue")
	}
	if q.started {
		return fmt.Errorf("message queue already started")
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	q.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < q.config.Settings.MaxConcurrency; i++ {
		worker := i
		q.group.Go(func() error {
			return q.work(ctx, worker)
		})
	}
	if q.config.Settings.CleanupInterval > 0 {
		q.group.Go(func() error {
			return q.cleanupLoop(ctx)
		})
	}

	q.logger.Info("Message queue started",
		zap.Int("workers", q.config.Settings.MaxConcurrency),
		zap.Int("max_dispatch_attempts", q.config.Settings.MaxDispatchAttempts))
	return nil
}

// Stop cancels the workers and fails every message that has not finished
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel, group := q.cancel, q.group
	q.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = group.Wait()
	}

	q.mu.Lock()
	var leftover []*entry
	for el := q.pending.Front(); el != nil; el = el.Next() {
		leftover = append(leftover, el.Value.(*entry))
	}
	q.pending.Init()
	q.mu.Unlock()

	for _, e := range leftover {
		q.finish(e, nil, chanerrors.NewClosed("message queue"))
	}

	q.completions.Close()
	q.logger.Info("Message queue stopped", zap.Int("abandoned", len(leftover)))
	return err
}

// Enqueue appends a Pending message and returns its id without waiting
func (q *Queue) Enqueue(cmd protocol.CommandDescriptor, opts ...EnqueueOption) (string, error) {
	e := &entry{
		msg: protocol.QueuedMessage{
			ID:         uuid.NewString(),
			Command:    cmd,
			Status:     protocol.MessagePending,
			EnqueuedAt: q.config.Clock.Now(),
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", chanerrors.NewClosed("message queue")
	}
	e.elem = q.pending.PushBack(e)
	pending, running := q.pending.Len(), len(q.running)
	q.mu.Unlock()

	q.metrics.RecordMessageEnqueued()
	q.metrics.SetQueueDepth(pending, running)
	q.signal()

	q.logger.Debug("Message enqueued",
		zap.String("message_id", e.msg.ID),
		zap.String("operation", string(cmd.Operation)),
		zap.Int("pending", pending))
	return e.msg.ID, nil
}

// Status returns a snapshot of a message still held by the queue
func (q *Queue) Status(id string) (protocol.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e := q.lookupLocked(id); e != nil {
		return e.msg, true
	}
	return protocol.QueuedMessage{}, false
}

// Await blocks until the message finishes and returns its final snapshot
func (q *Queue) Await(ctx context.Context, id string) (protocol.QueuedMessage, error) {
	q.mu.Lock()
	e := q.lookupLocked(id)
	q.mu.Unlock()
	if e == nil {
		return protocol.QueuedMessage{}, chanerrors.NewNotFound("message", id)
	}

	select {
	case <-ctx.Done():
		return protocol.QueuedMessage{}, ctx.Err()
	case <-e.done:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return e.msg, nil
}

// Cancel removes a pending message, or aborts a running one on a best-effort
// basis. Cancelling a finished message is a no-op.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	if e, ok := q.running[id]; ok {
		cancel := e.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	if _, ok := q.finished[id]; ok {
		q.mu.Unlock()
		return nil
	}
	for el := q.pending.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.msg.ID == id {
			q.pending.Remove(el)
			q.mu.Unlock()
			q.finish(e, nil, chanerrors.NewCancelled("message "+id))
			return nil
		}
	}
	q.mu.Unlock()
	return chanerrors.NewNotFound("message", id)
}

// Depth returns the number of pending and running messages
func (q *Queue) Depth() (pending, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len(), len(q.running)
}

func (q *Queue) lookupLocked(id string) *entry {
	if e, ok := q.running[id]; ok {
		return e
	}
	if e, ok := q.finished[id]; ok {
		return e
	}
	for el := q.pending.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); e.msg.ID == id {
			return e
		}
	}
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// work is one execution slot
func (q *Queue) work(ctx context.Context, worker int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		e, opCtx := q.next(ctx)
		if e == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			case <-q.config.Clock.After(q.config.Settings.IdleDelay):
			}
			continue
		}

		q.dispatch(ctx, opCtx, e, worker)
	}
}

// next pops the oldest pending message and marks it Running. The message is
// cancellable from the moment it is Running, so its context is created here.
func (q *Queue) next(ctx context.Context) (*entry, context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el := q.pending.Front()
	if el == nil {
		return nil, nil
	}
	e := q.pending.Remove(el).(*entry)
	e.elem = nil
	e.msg.Status = protocol.MessageRunning
	e.msg.StartedAt = q.config.Clock.Now()
	opCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	q.running[e.msg.ID] = e

	q.metrics.SetQueueDepth(q.pending.Len(), len(q.running))
	if q.pending.Len() > 0 {
		// let an idle sibling pick up the next message
		q.signal()
	}
	return e, opCtx
}

// dispatch runs e against a live handle. Transport failures are reported to
// the connection and the message is re-dispatched once recovery completes,
// up to MaxDispatchAttempts. Validation and remote errors are final.
func (q *Queue) dispatch(ctx, opCtx context.Context, e *entry, worker int) {
	q.mu.Lock()
	cancel := e.cancel
	cmd := e.msg.Command
	id := e.msg.ID
	q.mu.Unlock()
	defer cancel()

	if e.onStart != nil {
		e.onStart(id)
	}

	logger := q.logger.With(
		zap.String("message_id", id),
		zap.String("operation", string(cmd.Operation)),
		zap.Int("worker", worker))

	var lastErr error
	for attempt := 1; attempt <= q.config.Settings.MaxDispatchAttempts; attempt++ {
		if opCtx.Err() != nil {
			lastErr = opCtx.Err()
			break
		}

		q.mu.Lock()
		e.msg.Attempts = attempt
		q.mu.Unlock()

		h, err := q.config.Connection.AcquireHandle(opCtx)
		if err != nil {
			lastErr = err
			break
		}

		q.metrics.RecordMessageDispatched(string(cmd.Operation))
		logger.Debug("Dispatching message", zap.String("handle", h.ID()), zap.Int("attempt", attempt))

		result, err := h.Execute(opCtx, cmd, e.progress)
		if err == nil {
			if !result.Succeeded() {
				q.finish(e, result, chanerrors.NewRemoteError(result.ExitStatus, result.Output))
				return
			}
			q.finish(e, result, nil)
			return
		}

		lastErr = err
		if opCtx.Err() != nil || !chanerrors.Retryable(err) {
			break
		}

		logger.Warn("Dispatch interrupted, waiting for recovery",
			zap.String("handle", h.ID()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		q.config.Connection.ReportTransportFailure(h, err)
	}

	switch {
	case ctx.Err() != nil:
		lastErr = chanerrors.NewClosed("message queue")
	case opCtx.Err() != nil:
		lastErr = chanerrors.NewCancelled("message " + id)
	case errors.Is(lastErr, context.DeadlineExceeded):
		lastErr = chanerrors.NewCancelled("message " + id)
	}
	q.finish(e, nil, lastErr)
}

// finish records the outcome, releases waiters and publishes the completion
func (q *Queue) finish(e *entry, result *protocol.CommandResult, err error) {
	now := q.config.Clock.Now()

	q.mu.Lock()
	e.msg.Result = result
	e.msg.Err = err
	e.msg.FinishedAt = now
	if err == nil {
		e.msg.Status = protocol.MessageCompleted
	} else {
		e.msg.Status = protocol.MessageFailed
	}
	e.cancel = nil
	delete(q.running, e.msg.ID)
	q.finished[e.msg.ID] = e
	q.order.PushBack(e.msg.ID)
	msg := e.msg
	pending, running := q.pending.Len(), len(q.running)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(pending, running)
	started := msg.StartedAt
	if started.IsZero() {
		started = msg.EnqueuedAt
	}
	q.metrics.RecordMessageFinished(string(msg.Command.Operation), msg.Status.String(), now.Sub(started))

	if q.config.History != nil {
		if herr := q.config.History.Append(historyRecord(msg)); herr != nil {
			q.logger.Warn("Failed to persist message history", zap.String("message_id", msg.ID), zap.Error(herr))
		}
	}
	// waiters see the history record once Await returns
	close(e.done)

	q.completions.Publish(protocol.CompletionEvent{
		MessageID:   msg.ID,
		OperationID: msg.OperationID,
		Status:      msg.Status,
		Result:      msg.Result,
		Err:         msg.Err,
	})

	fields := []zap.Field{
		zap.String("message_id", msg.ID),
		zap.String("operation", string(msg.Command.Operation)),
		zap.Int("attempts", msg.Attempts),
		zap.Duration("elapsed", now.Sub(msg.EnqueuedAt)),
	}
	if err != nil {
		q.logger.Info("Message failed", append(fields, zap.Stringer("kind", chanerrors.KindOf(err)), zap.Error(err))...)
		return
	}
	q.logger.Debug("Message completed", fields...)
}

func historyRecord(msg protocol.QueuedMessage) protocol.HistoryRecord {
	record := protocol.HistoryRecord{
		ID:          msg.ID,
		OperationID: msg.OperationID,
		Operation:   msg.Command.Operation,
		Status:      msg.Status.String(),
		Attempts:    msg.Attempts,
		EnqueuedAt:  msg.EnqueuedAt,
		StartedAt:   msg.StartedAt,
		FinishedAt:  msg.FinishedAt,
	}
	if msg.Result != nil {
		record.ExitStatus = msg.Result.ExitStatus
	}
	if msg.Err != nil {
		record.ErrorKind = chanerrors.KindOf(msg.Err).String()
		record.ErrorMessage = msg.Err.Error()
	}
	return record
}

// cleanupLoop applies the retention policy periodically
func (q *Queue) cleanupLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.config.Clock.After(q.config.Settings.CleanupInterval):
			q.Cleanup()
		}
	}
}

// Cleanup drops finished messages beyond RetentionCount or older than
// RetentionAge and prunes the history store by age. It returns the number of
// messages dropped from memory.
func (q *Queue) Cleanup() int {
	now := q.config.Clock.Now()
	settings := q.config.Settings

	q.mu.Lock()
	dropped := 0
	for el := q.order.Front(); el != nil; {
		id := el.Value.(string)
		e := q.finished[id]

		overCount := settings.RetentionCount > 0 && q.order.Len() > settings.RetentionCount
		tooOld := settings.RetentionAge > 0 && now.Sub(e.msg.FinishedAt) >= settings.RetentionAge
		if !overCount && !tooOld {
			break
		}

		next := el.Next()
		q.order.Remove(el)
		delete(q.finished, id)
		dropped++
		el = next
	}
	retained := q.order.Len()
	q.mu.Unlock()

	pruned := 0
	if q.config.History != nil && settings.RetentionAge > 0 {
		n, err := q.config.History.PruneBefore(now.Add(-settings.RetentionAge))
		if err != nil && !errors.Is(err, interfaces.ErrStoreClosed) {
			q.logger.Warn("Failed to prune message history", zap.Error(err))
		}
		pruned = n
	}

	if dropped > 0 || pruned > 0 {
		q.logger.Debug("Queue cleanup",
			zap.Int("dropped", dropped),
			zap.Int("retained", retained),
			zap.Int("history_pruned", pruned))
	}
	return dropped
}

// retainedCount returns how many finished messages are still in memory
func (q *Queue) retainedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}
