package tracker

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/events"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// InboxSize bounds commands queued ahead of the tracker goroutine
const InboxSize = 256

// Command is a mutation or query executed on the tracker goroutine
type Command interface {
	Execute(*Tracker)
}

// Tracker owns the set of active operations. A single goroutine executes
// every command, so progress callbacks, status updates and cancellation never
// race. Terminal operations are removed after their event is published.
type Tracker struct {
	inbox chan Command
	done  chan struct{}
	stop  sync.Once
	wg    sync.WaitGroup

	clock   clock.Clock
	logger  *zap.Logger
	metrics interfaces.MetricsCollector
	events  *events.Bus[protocol.OperationEvent]

	// owned by the actor goroutine
	operations  map[string]*protocol.TrackedOperation
	cancelHooks map[string]func()
}

// New creates and starts a tracker
func New(clk clock.Clock, logger *zap.Logger, metrics interfaces.MetricsCollector) *Tracker {
	if metrics == nil {
		metrics = interfaces.NoOpMetricsCollector{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		inbox:       make(chan Command, InboxSize),
		done:        make(chan struct{}),
		clock:       clk,
		logger:      logger.Named("tracker"),
		metrics:     metrics,
		events:      events.NewBus[protocol.OperationEvent](),
		operations:  make(map[string]*protocol.TrackedOperation),
		cancelHooks: make(map[string]func()),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Tracker) run() {
	defer t.wg.Done()
	for {
		select {
		case cmd := <-t.inbox:
			cmd.Execute(t)
		case <-t.done:
			return
		}
	}
}

// send delivers cmd to the actor and waits for reply to be closed or answered
func send[R any](t *Tracker, cmd Command, reply chan R) (R, error) {
	var zero R
	select {
	case t.inbox <- cmd:
	case <-t.done:
		return zero, chanerrors.NewClosed("operation tracker")
	}
	select {
	case r := <-reply:
		return r, nil
	case <-t.done:
		return zero, chanerrors.NewClosed("operation tracker")
	}
}

// Subscribe registers fn for every status and progress change
func (t *Tracker) Subscribe(fn func(protocol.OperationEvent)) (unsubscribe func()) {
	return t.events.Subscribe(fn)
}

// Start registers a new Pending operation and returns its id
func (t *Tracker) Start(opType protocol.OperationType) (string, error) {
	if !opType.Valid() {
		return "", chanerrors.NewMalformedCommand("operation", fmt.Sprintf("unknown operation type %q", opType))
	}
	reply := make(chan string, 1)
	return send(t, &StartCmd{Type: opType, Reply: reply}, reply)
}

// Update moves an operation to status. err is recorded for Failed.
func (t *Tracker) Update(id string, status protocol.OperationStatus, err error) error {
	reply := make(chan error, 1)
	result, sendErr := send(t, &UpdateCmd{ID: id, Status: status, Err: err, Reply: reply}, reply)
	if sendErr != nil {
		return sendErr
	}
	return result
}

// UpdateProgress sets the progress of a live operation, clamped to [0,1]
func (t *Tracker) UpdateProgress(id string, value float64) error {
	reply := make(chan error, 1)
	result, sendErr := send(t, &ProgressCmd{ID: id, Value: value, Reply: reply}, reply)
	if sendErr != nil {
		return sendErr
	}
	return result
}

// SetCancelHook installs fn to run when the operation is cancelled. The hook
// runs on the caller of Cancel, never on the tracker goroutine.
func (t *Tracker) SetCancelHook(id string, fn func()) error {
	reply := make(chan error, 1)
	result, sendErr := send(t, &HookCmd{ID: id, Hook: fn, Reply: reply}, reply)
	if sendErr != nil {
		return sendErr
	}
	return result
}

// Cancel marks the operation Cancelled and runs its cancel hook. Aborting a
// remote call that is already dispatched is best effort.
func (t *Tracker) Cancel(id string) error {
	reply := make(chan cancelReply, 1)
	result, err := send(t, &CancelCmd{ID: id, Reply: reply}, reply)
	if err != nil {
		return err
	}
	if result.err != nil {
		return result.err
	}
	if result.hook != nil {
		result.hook()
	}
	return nil
}

// Status returns a copy of a live operation
func (t *Tracker) Status(id string) (protocol.TrackedOperation, bool) {
	reply := make(chan *protocol.TrackedOperation, 1)
	op, err := send(t, &StatusCmd{ID: id, Reply: reply}, reply)
	if err != nil || op == nil {
		return protocol.TrackedOperation{}, false
	}
	return *op, true
}

// Active returns copies of all live operations, oldest first
func (t *Tracker) Active() []protocol.TrackedOperation {
	reply := make(chan []protocol.TrackedOperation, 1)
	ops, err := send(t, &ActiveCmd{Reply: reply}, reply)
	if err != nil {
		return nil
	}
	return ops
}

// Stop ends the actor. Pending callers receive a closed error.
func (t *Tracker) Stop() {
	t.stop.Do(func() {
		close(t.done)
		t.wg.Wait()
		t.events.Close()
	})
}

// StartCmd registers an operation
type StartCmd struct {
	Type  protocol.OperationType
	Reply chan string
}

func (c *StartCmd) Execute(t *Tracker) {
	op := &protocol.TrackedOperation{
		ID:        uuid.NewString(),
		Type:      c.Type,
		StartTime: t.clock.Now(),
		Status:    protocol.OperationPending,
	}
	t.operations[op.ID] = op
	t.publish(op, protocol.OperationPending)
	t.metrics.SetActiveOperations(len(t.operations))
	c.Reply <- op.ID
}

// UpdateCmd changes an operation's status
type UpdateCmd struct {
	ID     string
	Status protocol.OperationStatus
	Err    error
	Reply  chan error
}

func (c *UpdateCmd) Execute(t *Tracker) {
	op, ok := t.operations[c.ID]
	if !ok {
		c.Reply <- chanerrors.NewNotFound("operation", c.ID)
		return
	}
	if !validTransition(op.Status, c.Status) {
		c.Reply <- chanerrors.New(chanerrors.KindInternal, chanerrors.Internal,
			fmt.Sprintf("invalid operation transition %s -> %s", op.Status, c.Status), nil)
		return
	}
	if op.Status == c.Status {
		c.Reply <- nil
		return
	}

	previous := op.Status
	op.Status = c.Status
	if c.Status == protocol.OperationFailed {
		op.Err = c.Err
	}
	if c.Status == protocol.OperationCompleted {
		op.Progress = 1
	}
	t.publish(op, previous)
	t.finishIfTerminal(op)
	c.Reply <- nil
}

// ProgressCmd records progress
type ProgressCmd struct {
	ID    string
	Value float64
	Reply chan error
}

func (c *ProgressCmd) Execute(t *Tracker) {
	op, ok := t.operations[c.ID]
	if !ok {
		c.Reply <- chanerrors.NewNotFound("operation", c.ID)
		return
	}

	value := c.Value
	if value < 0 || math.IsNaN(value) {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	if value != op.Progress {
		op.Progress = value
		t.publish(op, op.Status)
	}
	c.Reply <- nil
}

// HookCmd installs a cancel hook
type HookCmd struct {
	ID    string
	Hook  func()
	Reply chan error
}

func (c *HookCmd) Execute(t *Tracker) {
	if _, ok := t.operations[c.ID]; !ok {
		c.Reply <- chanerrors.NewNotFound("operation", c.ID)
		return
	}
	t.cancelHooks[c.ID] = c.Hook
	c.Reply <- nil
}

type cancelReply struct {
	hook func()
	err  error
}

// CancelCmd cancels an operation
type CancelCmd struct {
	ID    string
	Reply chan cancelReply
}

func (c *CancelCmd) Execute(t *Tracker) {
	op, ok := t.operations[c.ID]
	if !ok {
		c.Reply <- cancelReply{err: chanerrors.NewNotFound("operation", c.ID)}
		return
	}

	hook := t.cancelHooks[c.ID]
	previous := op.Status
	op.Status = protocol.OperationCancelled
	t.publish(op, previous)
	t.finishIfTerminal(op)
	c.Reply <- cancelReply{hook: hook}
}

// StatusCmd queries one operation
type StatusCmd struct {
	ID    string
	Reply chan *protocol.TrackedOperation
}

func (c *StatusCmd) Execute(t *Tracker) {
	op, ok := t.operations[c.ID]
	if !ok {
		c.Reply <- nil
		return
	}
	cp := *op
	c.Reply <- &cp
}

// ActiveCmd lists live operations
type ActiveCmd struct {
	Reply chan []protocol.TrackedOperation
}

func (c *ActiveCmd) Execute(t *Tracker) {
	ops := make([]protocol.TrackedOperation, 0, len(t.operations))
	for _, op := range t.operations {
		ops = append(ops, *op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].StartTime.Before(ops[j].StartTime)
	})
	c.Reply <- ops
}

func (t *Tracker) publish(op *protocol.TrackedOperation, previous protocol.OperationStatus) {
	t.events.Publish(protocol.OperationEvent{Operation: *op, Previous: previous})
}

// finishIfTerminal prunes op once its terminal event has been published
func (t *Tracker) finishIfTerminal(op *protocol.TrackedOperation) {
	if !op.Status.Terminal() {
		return
	}
	delete(t.operations, op.ID)
	delete(t.cancelHooks, op.ID)
	t.metrics.SetActiveOperations(len(t.operations))

	fields := []zap.Field{
		zap.String("operation_id", op.ID),
		zap.String("type", string(op.Type)),
		zap.Stringer("status", op.Status),
		zap.Duration("elapsed", t.clock.Now().Sub(op.StartTime)),
	}
	if op.Err != nil {
		t.logger.Warn("Operation finished", append(fields, zap.Error(op.Err))...)
		return
	}
	t.logger.Info("Operation finished", fields...)
}

// validTransition encodes Pending -> Running -> terminal, with Pending allowed
// to go straight to a terminal status
func validTransition(from, to protocol.OperationStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case protocol.OperationPending:
		return to == protocol.OperationRunning || to.Terminal()
	case protocol.OperationRunning:
		return to.Terminal()
	default:
		return false
	}
}
