package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// call is one outstanding request
type call struct {
	progress interfaces.ProgressSink
	reply    chan *protocol.Frame
}

// Conn is a live handle to the helper over one unix-socket connection.
// Requests are multiplexed by frame id; a single reader goroutine routes
// progress, result and error frames to their callers.
type Conn struct {
	id     string
	conn   net.Conn
	hooks  interfaces.TransportHooks
	logger *zap.Logger

	peer    interfaces.PeerIdentity
	peerErr error

	writeMu sync.Mutex
	enc     *protocol.Encoder
	dec     *protocol.Decoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*call
	closing bool
	err     error

	fired atomic.Bool
	done  chan struct{}
}

func newConn(id string, conn net.Conn, dec *protocol.Decoder, enc *protocol.Encoder, hooks interfaces.TransportHooks, logger *zap.Logger) *Conn {
	return &Conn{
		id:      id,
		conn:    conn,
		hooks:   hooks,
		logger:  logger.With(zap.String("handle", id)),
		enc:     enc,
		dec:     dec,
		pending: make(map[uint64]*call),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Peer returns the identity of the helper process
func (c *Conn) Peer() (interfaces.PeerIdentity, error) {
	return c.peer, c.peerErr
}

func (c *Conn) Ping(ctx context.Context) (bool, error) {
	frame, err := c.call(ctx, protocol.MethodPing, nil, nil)
	if err != nil {
		return false, err
	}
	var reply protocol.PingReply
	if err := frame.Decode(&reply); err != nil {
		return false, c.violation(fmt.Sprintf("bad ping reply: %v", err))
	}
	return reply.OK, nil
}

func (c *Conn) CheckResources(ctx context.Context) (protocol.ResourceSnapshot, error) {
	frame, err := c.call(ctx, protocol.MethodResources, nil, nil)
	if err != nil {
		return protocol.ResourceSnapshot{}, err
	}
	var snapshot protocol.ResourceSnapshot
	if err := frame.Decode(&snapshot); err != nil {
		return protocol.ResourceSnapshot{}, c.violation(fmt.Sprintf("bad resources reply: %v", err))
	}
	return snapshot, nil
}

// Execute runs cmd on the helper. progress is called on the connection's
// reader goroutine and must not block for long.
func (c *Conn) Execute(ctx context.Context, cmd protocol.CommandDescriptor, progress interfaces.ProgressSink) (*protocol.CommandResult, error) {
	frame, err := c.call(ctx, protocol.MethodExecute, cmd, progress)
	if err != nil {
		return nil, err
	}
	var result protocol.CommandResult
	if err := frame.Decode(&result); err != nil {
		return nil, c.violation(fmt.Sprintf("bad execute reply: %v", err))
	}
	return &result, nil
}

// Close tears the connection down without firing transport hooks and fails
// every outstanding call. Closing a connection that already failed returns
// at once, so hooks may close the handle that fired them.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.err != nil || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Conn) call(ctx context.Context, method string, payload any, progress interfaces.ProgressSink) (*protocol.Frame, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	pending := &call{progress: progress, reply: make(chan *protocol.Frame, 1)}
	c.pending[id] = pending
	c.mu.Unlock()

	request, err := protocol.NewFrame(protocol.FrameRequest, id, method, payload)
	if err != nil {
		c.forget(id)
		return nil, chanerrors.NewMalformedCommand("payload", err.Error())
	}
	if err := c.write(request); err != nil {
		c.forget(id)
		return nil, c.fail(err)
	}

	select {
	case frame := <-pending.reply:
		if frame.Type == protocol.FrameError {
			return nil, frame.Error.Err()
		}
		return frame, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		c.forget(id)
		if method == protocol.MethodExecute {
			c.cancelRemote(id)
		}
		return nil, ctx.Err()
	}
}

// cancelRemote asks the helper to abandon request id; best effort
func (c *Conn) cancelRemote(id uint64) {
	if err := c.write(&protocol.Frame{Type: protocol.FrameCancel, ID: id}); err != nil {
		c.logger.Debug("Failed to send cancel frame", zap.Uint64("request", id), zap.Error(err))
		return
	}
	c.logger.Debug("Sent cancel frame", zap.Uint64("request", id))
}

func (c *Conn) write(frame *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(frame)
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop routes incoming frames until the connection fails
func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		var frame protocol.Frame
		if err := c.dec.Decode(&frame); err != nil {
			c.fail(err)
			return
		}
		if err := frame.Validate(); err != nil {
			c.fail(chanerrors.NewProtocolViolation(err.Error()))
			return
		}

		switch frame.Type {
		case protocol.FrameProgress:
			c.mu.Lock()
			pending := c.pending[frame.ID]
			c.mu.Unlock()
			if pending == nil || pending.progress == nil {
				continue
			}
			var event protocol.ProgressEvent
			if err := frame.Decode(&event); err != nil {
				c.logger.Debug("Dropping malformed progress frame", zap.Uint64("request", frame.ID), zap.Error(err))
				continue
			}
			pending.progress(event)

		case protocol.FrameResult, protocol.FrameError:
			c.mu.Lock()
			pending := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if pending == nil {
				// answer to a call abandoned by its caller
				continue
			}
			f := frame
			pending.reply <- &f

		default:
			c.fail(chanerrors.NewProtocolViolation(fmt.Sprintf("unexpected %s frame from helper", frame.Type)))
			return
		}
	}
}

// fail records the terminal error once, wakes every caller and fires the
// matching transport hook unless the connection was closed locally
func (c *Conn) fail(cause error) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}

	closing := c.closing
	invalidated := !closing && !transient(cause)
	var err error
	switch {
	case closing:
		err = chanerrors.NewInterrupted(c.id, fmt.Errorf("handle closed"))
	case invalidated:
		err = chanerrors.NewInvalidated(c.id, cause)
	default:
		err = chanerrors.NewInterrupted(c.id, cause)
	}
	c.err = err
	c.pending = make(map[uint64]*call)
	c.mu.Unlock()

	c.conn.Close()

	if closing || !c.fired.CompareAndSwap(false, true) {
		return err
	}
	if invalidated {
		c.logger.Error("Helper connection invalidated", zap.Error(cause))
		if c.hooks.OnInvalidate != nil {
			c.hooks.OnInvalidate(err)
		}
	} else {
		c.logger.Warn("Helper connection interrupted", zap.Error(cause))
		if c.hooks.OnInterrupt != nil {
			c.hooks.OnInterrupt(err)
		}
	}
	return err
}

// violation fails the connection for a malformed reply and returns the
// connection error, which wraps the violation, for the current caller
func (c *Conn) violation(reason string) error {
	return c.fail(chanerrors.NewProtocolViolation(reason))
}

// transient reports whether a read or write failure means the helper went
// away, as opposed to the stream being unusable
func transient(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
