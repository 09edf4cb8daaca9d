// Package transport implements the helper channel over a unix socket. Frames
// are CBOR items written back to back; after a hello exchange the client
// multiplexes requests by id.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// Roles announced in the hello frame
const (
	RoleClient = "client"
	RoleHelper = "helper"
)

// DialerConfig defines how the client reaches the helper
type DialerConfig struct {
	SocketPath string

	// Name is announced to the helper in the hello frame
	Name string

	Logger *zap.Logger
}

// Dialer opens unix-socket handles to the helper
type Dialer struct {
	config DialerConfig
	logger *zap.Logger
}

// NewDialer creates a dialer for config.SocketPath
func NewDialer(config DialerConfig) *Dialer {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "backupd"
	}
	return &Dialer{
		config: config,
		logger: config.Logger.Named("transport"),
	}
}

// Dial connects, exchanges hello frames and starts the reader. The whole
// exchange is bounded by ctx.
func (d *Dialer) Dial(ctx context.Context, hooks interfaces.TransportHooks) (interfaces.Handle, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "unix", d.config.SocketPath)
	if err != nil {
		return nil, chanerrors.NewServiceUnavailable(fmt.Sprintf("dial %s", d.config.SocketPath), err)
	}

	hello, err := d.exchangeHello(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	dec, enc := hello.dec, hello.enc
	c := newConn(uuid.NewString(), conn, dec, enc, hooks, d.logger)
	c.peer = interfaces.PeerIdentity{
		Name:    hello.peer.Name,
		Version: hello.peer.Version,
		PID:     hello.peer.PID,
	}
	if creds, err := PeerCredentials(conn); err != nil {
		c.peerErr = err
	} else {
		c.peer.PID, c.peer.UID, c.peer.GID = creds.PID, creds.UID, creds.GID
	}
	go c.readLoop()

	d.logger.Debug("Dialled helper",
		zap.String("handle", c.id),
		zap.String("peer", c.peer.Name),
		zap.Int("peer_pid", c.peer.PID),
		zap.Int("peer_uid", c.peer.UID))
	return c, nil
}

type helloResult struct {
	peer protocol.Hello
	dec  *protocol.Decoder
	enc  *protocol.Encoder
}

func (d *Dialer) exchangeHello(ctx context.Context, conn net.Conn) (*helloResult, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// unblock the exchange if ctx is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)

	frame, err := protocol.NewFrame(protocol.FrameHello, 0, "", protocol.Hello{
		Version: protocol.ProtocolVersion,
		Role:    RoleClient,
		Name:    d.config.Name,
		PID:     os.Getpid(),
	})
	if err != nil {
		return nil, chanerrors.NewHandshakeFailed("encode hello", err)
	}
	if err := enc.Encode(frame); err != nil {
		return nil, chanerrors.NewHandshakeFailed("send hello", err)
	}

	var reply protocol.Frame
	if err := dec.Decode(&reply); err != nil {
		return nil, chanerrors.NewHandshakeFailed("read hello", err)
	}
	if reply.Type == protocol.FrameError {
		return nil, reply.Error.Err()
	}
	if reply.Type != protocol.FrameHello {
		return nil, chanerrors.NewHandshakeFailed(fmt.Sprintf("expected hello, got %s", reply.Type), nil)
	}
	var peer protocol.Hello
	if err := reply.Decode(&peer); err != nil {
		return nil, chanerrors.NewHandshakeFailed("decode hello", err)
	}
	if peer.Role != RoleHelper {
		return nil, chanerrors.NewHandshakeFailed(fmt.Sprintf("peer announced role %q", peer.Role), nil)
	}

	if !stop() {
		return nil, ctx.Err()
	}
	conn.SetDeadline(time.Time{})
	return &helloResult{peer: peer, dec: dec, enc: enc}, nil
}
