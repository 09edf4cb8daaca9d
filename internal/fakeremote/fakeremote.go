// Package fakeremote provides scripted Dialer and Handle doubles for tests of
// the connection, health, queue and channel packages.
package fakeremote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// Handle is an in-memory helper handle
type Handle struct {
	id    string
	hooks interfaces.TransportHooks

	PingFunc      func(ctx context.Context) (bool, error)
	ResourcesFunc func(ctx context.Context) (protocol.ResourceSnapshot, error)
	ExecuteFunc   func(ctx context.Context, cmd protocol.CommandDescriptor, progress interfaces.ProgressSink) (*protocol.CommandResult, error)

	mu       sync.Mutex
	closed   bool
	executed []protocol.CommandDescriptor
	fired    atomic.Bool
	pings    atomic.Int64
}

// NewHandle creates a handle with healthy defaults
func NewHandle(id string, hooks interfaces.TransportHooks) *Handle {
	return &Handle{id: id, hooks: hooks}
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Ping(ctx context.Context) (bool, error) {
	h.pings.Add(1)
	if h.Closed() {
		return false, chanerrors.NewInterrupted(h.id, fmt.Errorf("handle closed"))
	}
	if h.PingFunc != nil {
		return h.PingFunc(ctx)
	}
	return true, nil
}

func (h *Handle) CheckResources(ctx context.Context) (protocol.ResourceSnapshot, error) {
	if h.Closed() {
		return protocol.ResourceSnapshot{}, chanerrors.NewInterrupted(h.id, fmt.Errorf("handle closed"))
	}
	if h.ResourcesFunc != nil {
		return h.ResourcesFunc(ctx)
	}
	return protocol.ResourceSnapshot{TakenAt: time.Now()}, nil
}

func (h *Handle) Execute(ctx context.Context, cmd protocol.CommandDescriptor, progress interfaces.ProgressSink) (*protocol.CommandResult, error) {
	if h.Closed() {
		return nil, chanerrors.NewInterrupted(h.id, fmt.Errorf("handle closed"))
	}

	h.mu.Lock()
	h.executed = append(h.executed, cmd)
	h.mu.Unlock()

	if h.ExecuteFunc != nil {
		return h.ExecuteFunc(ctx, cmd, progress)
	}
	if progress != nil {
		progress(protocol.ProgressEvent{Fraction: 1, Message: "done"})
	}
	return &protocol.CommandResult{Output: "ok " + string(cmd.Operation)}, nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether Close was called
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Executed returns the commands this handle ran
func (h *Handle) Executed() []protocol.CommandDescriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.CommandDescriptor(nil), h.executed...)
}

// Pings returns the number of ping calls
func (h *Handle) Pings() int {
	return int(h.pings.Load())
}

// Interrupt simulates the transport reporting a transient interruption. The
// handle is closed first, as a real transport would be.
func (h *Handle) Interrupt() {
	h.Close()
	if h.fired.CompareAndSwap(false, true) && h.hooks.OnInterrupt != nil {
		h.hooks.OnInterrupt(chanerrors.NewInterrupted(h.id, nil))
	}
}

// Invalidate simulates the transport being torn down
func (h *Handle) Invalidate() {
	h.Close()
	if h.fired.CompareAndSwap(false, true) && h.hooks.OnInvalidate != nil {
		h.hooks.OnInvalidate(chanerrors.NewInvalidated(h.id, nil))
	}
}

// Dialer hands out Handles following a script of dial outcomes
type Dialer struct {
	// Configure is applied to every new handle before it is returned
	Configure func(h *Handle)

	// Delay is slept (honouring ctx) before every dial
	Delay time.Duration

	mu       sync.Mutex
	script   []error
	fallback error
	handles  []*Handle
	dials    int
}

// NewDialer creates a dialer whose dials succeed until scripted otherwise
func NewDialer() *Dialer {
	return &Dialer{}
}

// FailNext queues outcomes for the next dials; nil entries succeed
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, errs...)
}

// FailAlways makes every unscripted dial return err; nil restores success
func (d *Dialer) FailAlways(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = err
}

func (d *Dialer) Dial(ctx context.Context, hooks interfaces.TransportHooks) (interfaces.Handle, error) {
	if d.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.Delay):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	var err error
	if len(d.script) > 0 {
		err = d.script[0]
		d.script = d.script[1:]
	} else {
		err = d.fallback
	}
	if err != nil {
		return nil, err
	}

	h := NewHandle(fmt.Sprintf("fake-%d", d.dials), hooks)
	if d.Configure != nil {
		d.Configure(h)
	}
	d.handles = append(d.handles, h)
	return h, nil
}

// Dials returns the number of dial calls
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Handles returns every handle dialled so far
func (d *Dialer) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Handle(nil), d.handles...)
}

// Last returns the most recent handle or nil
func (d *Dialer) Last() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// ErrRefused is a convenient dial failure
var ErrRefused = chanerrors.NewServiceUnavailable("helper refused connection", nil)
