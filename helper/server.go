// Package helper is the privileged side of the command channel. It listens on
// a unix socket, answers health probes and runs backup engine commands on
// behalf of the desktop client.
package helper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
	"github.com/maxpert/backupd/transport"
)

const (
	// helloTimeout bounds how long a new client may take to introduce itself
	helloTimeout = 10 * time.Second

	// writeTimeout bounds a single frame write to a slow client
	writeTimeout = 10 * time.Second

	defaultSocketMode = 0o600
)

// Config defines the helper server
type Config struct {
	Settings interfaces.HelperConfig
	Logger   *zap.Logger
	Metrics  Metrics
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Settings.SocketPath == "" {
		return fmt.Errorf("socket path is required")
	}
	if c.Settings.MaxConcurrentCommands < 0 {
		return fmt.Errorf("max concurrent commands must not be negative")
	}
	return nil
}

// Server accepts client connections on the helper socket
type Server struct {
	config  Config
	logger  *zap.Logger
	metrics Metrics
	policy  Policy
	runner  *Runner
	prober  *Prober

	connections atomic.Int64
	handlers    sync.WaitGroup
}

// NewServer creates a helper server
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid helper config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}

	s := &Server{
		config:  config,
		logger:  config.Logger.Named("helper"),
		metrics: config.Metrics,
		policy:  NewPolicy(config.Settings),
		runner: NewRunner(RunnerConfig{
			MaxConcurrent:   config.Settings.MaxConcurrentCommands,
			OutputTailBytes: config.Settings.OutputTailBytes,
			KillGracePeriod: config.Settings.KillGracePeriod,
			Logger:          config.Logger,
			Metrics:         config.Metrics,
		}),
	}
	s.prober = NewProber(config.Settings.DiskPath, s.Connections)
	return s, nil
}

// Connections returns the number of connected clients
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Serve listens until ctx is cancelled, then cancels every running command
// and waits for connection handlers to finish.
//
// Any existing socket file is removed before listening. The socket file is
// removed on return.
func (s *Server) Serve(ctx context.Context) error {
	path := s.config.Settings.SocketPath
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	defer func() {
		listener.Close()
		os.Remove(path)
	}()

	mode := os.FileMode(s.config.Settings.SocketMode)
	if mode == 0 {
		mode = defaultSocketMode
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting mode of %s: %w", path, err)
	}

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	s.logger.Info("Helper listening",
		zap.String("socket", path),
		zap.Stringer("mode", mode))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("Accept failed", zap.Error(err))
			continue
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.handlers.Wait()
	s.logger.Info("Helper stopped")
	return nil
}

// session is one client connection
type session struct {
	server *Server
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	enc     *protocol.Encoder

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	requests sync.WaitGroup
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.connections.Add(1)
	defer s.connections.Add(-1)

	logger := s.logger
	if creds, err := transport.PeerCredentials(conn); err == nil {
		logger = logger.With(zap.Int("client_pid", creds.PID), zap.Int("client_uid", creds.UID))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// unblock the decoder on shutdown
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	sess := &session{
		server:   s,
		conn:     conn,
		logger:   logger,
		enc:      protocol.NewEncoder(conn),
		inflight: make(map[uint64]context.CancelFunc),
	}
	dec := protocol.NewDecoder(conn)

	client, err := sess.handshake(dec)
	if err != nil {
		logger.Warn("Handshake failed", zap.Error(err))
		return
	}
	logger = logger.With(zap.String("client", client.Name))
	sess.logger = logger
	logger.Info("Client connected")

	sess.serve(ctx, dec)

	// the client is gone; nobody is left to receive results
	cancel()
	sess.requests.Wait()
	logger.Info("Client disconnected")
}

func (sess *session) handshake(dec *protocol.Decoder) (*protocol.Hello, error) {
	sess.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer sess.conn.SetReadDeadline(time.Time{})

	var frame protocol.Frame
	if err := dec.Decode(&frame); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if frame.Type != protocol.FrameHello {
		err := chanerrors.NewHandshakeFailed(fmt.Sprintf("expected hello, got %s", frame.Type), nil)
		sess.write(protocol.NewErrorFrame(0, err))
		return nil, err
	}
	var hello protocol.Hello
	if err := frame.Decode(&hello); err != nil {
		err := chanerrors.NewHandshakeFailed("decode hello", err)
		sess.write(protocol.NewErrorFrame(0, err))
		return nil, err
	}
	if hello.Role != transport.RoleClient {
		err := chanerrors.NewHandshakeFailed(fmt.Sprintf("peer announced role %q", hello.Role), nil)
		sess.write(protocol.NewErrorFrame(0, err))
		return nil, err
	}
	if hello.Version != protocol.ProtocolVersion {
		err := chanerrors.NewHandshakeFailed(fmt.Sprintf("protocol version %d, want %d", hello.Version, protocol.ProtocolVersion), nil)
		sess.write(protocol.NewErrorFrame(0, err))
		return nil, err
	}

	reply, err := protocol.NewFrame(protocol.FrameHello, 0, "", protocol.Hello{
		Version: protocol.ProtocolVersion,
		Role:    transport.RoleHelper,
		Name:    "backup-helper",
		PID:     os.Getpid(),
	})
	if err != nil {
		return nil, err
	}
	if err := sess.write(reply); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return &hello, nil
}

// serve reads frames until the client disconnects or breaks the protocol
func (sess *session) serve(ctx context.Context, dec *protocol.Decoder) {
	for {
		var frame protocol.Frame
		if err := dec.Decode(&frame); err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				sess.logger.Debug("Connection read ended", zap.Error(err))
			}
			return
		}
		if err := frame.Validate(); err != nil {
			sess.logger.Warn("Closing connection after invalid frame", zap.Error(err))
			return
		}

		switch frame.Type {
		case protocol.FrameRequest:
			sess.dispatch(ctx, frame)
		case protocol.FrameCancel:
			sess.cancel(frame.ID)
		default:
			sess.logger.Warn("Closing connection after unexpected frame", zap.Stringer("type", frame.Type))
			return
		}
	}
}

func (sess *session) dispatch(ctx context.Context, frame protocol.Frame) {
	reqCtx, cancel := context.WithCancel(ctx)

	sess.mu.Lock()
	if _, dup := sess.inflight[frame.ID]; dup {
		sess.mu.Unlock()
		cancel()
		sess.write(protocol.NewErrorFrame(frame.ID, chanerrors.NewProtocolViolation(fmt.Sprintf("request id %d already in flight", frame.ID))))
		return
	}
	sess.inflight[frame.ID] = cancel
	sess.mu.Unlock()

	sess.server.metrics.RecordHelperRequest(frame.Method)

	sess.requests.Add(1)
	go func() {
		defer sess.requests.Done()
		defer func() {
			sess.mu.Lock()
			delete(sess.inflight, frame.ID)
			sess.mu.Unlock()
			cancel()
		}()

		reply, err := sess.handle(reqCtx, frame)
		if err != nil {
			reply = protocol.NewErrorFrame(frame.ID, err)
		}
		if err := sess.write(reply); err != nil {
			sess.logger.Debug("Failed to write reply", zap.Uint64("request", frame.ID), zap.Error(err))
		}
	}()
}

func (sess *session) cancel(id uint64) {
	sess.mu.Lock()
	cancel, ok := sess.inflight[id]
	sess.mu.Unlock()
	if !ok {
		return
	}
	sess.logger.Info("Client cancelled request", zap.Uint64("request", id))
	cancel()
}

func (sess *session) handle(ctx context.Context, frame protocol.Frame) (*protocol.Frame, error) {
	switch frame.Method {
	case protocol.MethodPing:
		return protocol.NewFrame(protocol.FrameResult, frame.ID, frame.Method, protocol.PingReply{OK: true})

	case protocol.MethodResources:
		return protocol.NewFrame(protocol.FrameResult, frame.ID, frame.Method, sess.server.prober.Snapshot())

	case protocol.MethodExecute:
		var cmd protocol.CommandDescriptor
		if err := frame.Decode(&cmd); err != nil {
			return nil, chanerrors.NewMalformedCommand("payload", err.Error())
		}
		if err := sess.server.policy.Check(cmd); err != nil {
			sess.logger.Warn("Refusing command",
				zap.String("operation", string(cmd.Operation)),
				zap.String("executable", cmd.Executable),
				zap.Error(err))
			return nil, err
		}
		result, err := sess.server.runner.Run(ctx, cmd, func(event protocol.ProgressEvent) {
			progress, err := protocol.NewFrame(protocol.FrameProgress, frame.ID, "", event)
			if err != nil {
				return
			}
			sess.write(progress)
		})
		if err != nil {
			return nil, err
		}
		return protocol.NewFrame(protocol.FrameResult, frame.ID, frame.Method, result)

	default:
		return nil, chanerrors.NewProtocolViolation(fmt.Sprintf("unknown method %q", frame.Method))
	}
}

func (sess *session) write(frame *protocol.Frame) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sess.enc.Encode(frame)
}
