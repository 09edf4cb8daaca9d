package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/events"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// Supervisor is started each time the manager reaches Active and stopped when
// it leaves. Both calls are made with the manager's lock held and must not block.
type Supervisor interface {
	Start()
	Stop()
}

// Config defines the operation of a Manager
type Config struct {
	Settings  interfaces.ConnectionConfig
	Dialer    interfaces.Dialer
	Validator interfaces.Validator
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   interfaces.MetricsCollector
}

// Validate returns an error if config cannot drive a Manager
func (config Config) Validate() error {
	if config.Dialer == nil {
		return fmt.Errorf("nil Dialer")
	}
	if config.Clock == nil {
		return fmt.Errorf("nil Clock")
	}
	if config.Logger == nil {
		return fmt.Errorf("nil Logger")
	}
	if config.Settings.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("max recovery attempts must be at least 1")
	}
	if config.Settings.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive")
	}
	if config.Settings.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	return nil
}

// Manager owns the helper handle and the connection state machine. It is the
// only writer of ConnectionState; every transition is published on the bus
// returned by Subscribe.
type Manager struct {
	config  Config
	backoff Backoff
	logger  *zap.Logger
	metrics interfaces.MetricsCollector
	changes *events.Bus[protocol.StateChange]

	mu             sync.Mutex
	state          protocol.ConnectionState
	handle         interfaces.Handle
	generation     uint64
	episode        uint64
	recoveryCancel context.CancelFunc
	changed        chan struct{}
	supervisor     Supervisor
	closed         bool

	// handshakes are serialised; the second caller re-checks the fast path
	connectMu sync.Mutex
	nextGen   atomic.Uint64
	wg        sync.WaitGroup
}

// NewManager creates a manager in the Idle state
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection manager config: %w", err)
	}
	if config.Metrics == nil {
		config.Metrics = interfaces.NoOpMetricsCollector{}
	}

	return &Manager{
		config: config,
		backoff: Backoff{
			Base:       config.Settings.RecoveryBaseDelay,
			Max:        config.Settings.RecoveryMaxDelay,
			Multiplier: config.Settings.BackoffMultiplier,
			Jitter:     config.Settings.BackoffJitter,
		},
		logger:  config.Logger.Named("connection"),
		metrics: config.Metrics,
		changes: events.NewBus[protocol.StateChange](),
		changed: make(chan struct{}),
	}, nil
}

// Subscribe registers fn for every state transition
func (m *Manager) Subscribe(fn func(protocol.StateChange)) (unsubscribe func()) {
	return m.changes.Subscribe(fn)
}

// Attach installs the supervisor (normally the health monitor). If the
// manager is already Active the supervisor is started immediately.
func (m *Manager) Attach(s Supervisor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.supervisor != nil {
		m.supervisor.Stop()
	}
	m.supervisor = s
	if s != nil && m.state.Kind == protocol.StateActive {
		s.Start()
	}
}

// State returns the current connection state
func (m *Manager) State() protocol.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentHandle returns the live handle, or nil when not Active
func (m *Manager) CurrentHandle() interfaces.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Kind != protocol.StateActive {
		return nil
	}
	return m.handle
}

// EstablishConnection returns the live handle, performing a handshake first
// unless the manager is already Active. A failed handshake leaves the manager
// Failed and is not retried.
func (m *Manager) EstablishConnection(ctx context.Context) (interfaces.Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, chanerrors.NewClosed("connection manager")
	}
	if m.state.Kind == protocol.StateActive && m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	// an explicit establish supersedes a running recovery episode
	m.cancelRecoveryLocked()
	m.mu.Unlock()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, chanerrors.NewClosed("connection manager")
	}
	if m.state.Kind == protocol.StateActive && m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	m.cancelRecoveryLocked()
	m.episode++
	episode := m.episode
	m.setStateLocked(protocol.Connecting())
	m.mu.Unlock()

	m.logger.Info("Establishing connection to helper", zap.String("socket", m.config.Settings.SocketPath))

	started := m.config.Clock.Now()
	h, err := m.handshake(ctx)
	if err == nil {
		err = m.activate(episode, h)
	}
	if err != nil {
		if errors.Is(err, errSuperseded) {
			return nil, chanerrors.NewClosed("connection attempt")
		}
		m.fail(episode, err)
		return nil, err
	}

	m.logger.Info("Connection established",
		zap.String("handle", h.ID()),
		zap.Duration("elapsed", since(m.config.Clock, started)))
	return h.Handle, nil
}

// AcquireHandle returns a live handle for one call. It connects from Idle,
// waits while a recovery episode is in progress, and fails fast when the
// manager is Failed.
func (m *Manager) AcquireHandle(ctx context.Context) (interfaces.Handle, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, chanerrors.NewClosed("connection manager")
		}

		switch m.state.Kind {
		case protocol.StateActive:
			h := m.handle
			m.mu.Unlock()
			return h, nil
		case protocol.StateFailed:
			cause := m.state.Cause
			m.mu.Unlock()
			return nil, chanerrors.NewConnectionFailed(cause)
		case protocol.StateIdle:
			m.mu.Unlock()
			return m.EstablishConnection(ctx)
		}

		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// HandleInterruption records a transient interruption of the current handle
// and starts recovery. It has no effect unless the manager is Active.
func (m *Manager) HandleInterruption() {
	m.interrupt(m.currentGeneration(), false, chanerrors.NewInterrupted("", nil))
}

// HandleInvalidation records that the current handle was torn down for good
// and starts recovery. It has no effect unless the manager is Active.
func (m *Manager) HandleInvalidation() {
	m.interrupt(m.currentGeneration(), true, chanerrors.NewInvalidated("", nil))
}

// ReportTransportFailure interrupts the connection if h is still the live
// handle. Callers holding a handle use this so a late report about a handle
// that was already replaced does not disturb its successor.
func (m *Manager) ReportTransportFailure(h interfaces.Handle, cause error) {
	if h == nil {
		return
	}

	m.mu.Lock()
	if m.handle != h {
		m.mu.Unlock()
		m.logger.Debug("Ignoring failure report for replaced handle", zap.String("handle", h.ID()))
		return
	}
	gen := m.generation
	m.mu.Unlock()

	m.interrupt(gen, chanerrors.CodeOf(cause) == chanerrors.Invalidated, cause)
}

// Close stops recovery, closes the live handle and releases waiters. The
// manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelRecoveryLocked()
	m.episode++
	h := m.handle
	m.handle = nil
	if m.supervisor != nil {
		m.supervisor.Stop()
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	var err error
	if h != nil {
		err = h.Close()
	}
	m.wg.Wait()
	m.changes.Close()

	m.logger.Info("Connection manager closed")
	return err
}

var errSuperseded = errors.New("connection attempt superseded")

// link tracks one dialled handle until it is installed. Hooks that fire
// before installation mark it lost so a dead handle never becomes Active.
type link struct {
	gen  uint64
	lost atomic.Bool
}

type linkedHandle struct {
	interfaces.Handle
	link *link
}

// handshake dials, installs transport hooks and runs the validator, all within
// the handshake timeout
func (m *Manager) handshake(ctx context.Context) (*linkedHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.Settings.HandshakeTimeout)
	defer cancel()

	l := &link{gen: m.nextGen.Add(1)}
	hooks := interfaces.TransportHooks{
		OnInterrupt: func(cause error) {
			l.lost.Store(true)
			m.interrupt(l.gen, false, cause)
		},
		OnInvalidate: func(cause error) {
			l.lost.Store(true)
			m.interrupt(l.gen, true, cause)
		},
	}

	h, err := m.config.Dialer.Dial(ctx, hooks)
	if err != nil {
		return nil, handshakeError("dial", err)
	}

	if m.config.Validator != nil {
		if err := m.config.Validator.Validate(ctx, h); err != nil {
			h.Close()
			return nil, handshakeError("validate", err)
		}
	}

	return &linkedHandle{Handle: h, link: l}, nil
}

func handshakeError(step string, err error) error {
	var chErr *chanerrors.ChannelError
	if errors.As(err, &chErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return chanerrors.NewHandshakeFailed(step, err)
}

// activate installs h if episode is still current
func (m *Manager) activate(episode uint64, h *linkedHandle) error {
	m.mu.Lock()
	if m.closed || episode != m.episode {
		m.mu.Unlock()
		h.Close()
		return errSuperseded
	}
	if h.link.lost.Load() {
		m.mu.Unlock()
		h.Close()
		return chanerrors.NewInterrupted(h.ID(), fmt.Errorf("handle lost during handshake"))
	}

	m.handle = h.Handle
	m.generation = h.link.gen
	m.recoveryCancel = nil
	m.setStateLocked(protocol.Active())
	if m.supervisor != nil {
		m.supervisor.Start()
	}
	m.mu.Unlock()
	return nil
}

// fail moves to Failed if episode is still current
func (m *Manager) fail(episode uint64, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || episode != m.episode {
		return false
	}
	m.recoveryCancel = nil
	m.setStateLocked(protocol.Failed(cause))
	return true
}

// transition writes state if episode is still current
func (m *Manager) transition(episode uint64, state protocol.ConnectionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || episode != m.episode {
		return false
	}
	m.setStateLocked(state)
	return true
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// interrupt handles a transport signal for handle generation gen
func (m *Manager) interrupt(gen uint64, invalidated bool, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.generation || m.state.Kind != protocol.StateActive || m.handle == nil {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("Ignoring stale transport signal",
			zap.Uint64("generation", gen),
			zap.Bool("invalidated", invalidated),
			zap.Stringer("state", state))
		return
	}

	h := m.handle
	m.handle = nil
	now := m.config.Clock.Now()
	if invalidated {
		m.setStateLocked(protocol.Invalidated(now))
	} else {
		m.setStateLocked(protocol.Interrupted(now))
	}
	if m.supervisor != nil {
		m.supervisor.Stop()
	}
	m.startRecoveryLocked(cause)
	m.mu.Unlock()

	if err := h.Close(); err != nil {
		m.logger.Debug("Error closing interrupted handle", zap.String("handle", h.ID()), zap.Error(err))
	}
}

// setStateLocked is the single place state is written. Caller holds mu.
func (m *Manager) setStateLocked(next protocol.ConnectionState) {
	old := m.state
	m.state = next
	close(m.changed)
	m.changed = make(chan struct{})

	now := m.config.Clock.Now()
	m.changes.Publish(protocol.StateChange{Old: old, New: next, At: now})
	m.metrics.RecordStateTransition(old.Kind.String(), next.Kind.String())

	fields := []zap.Field{
		zap.Stringer("from", old.Kind),
		zap.Stringer("to", next.Kind),
	}
	switch next.Kind {
	case protocol.StateInterrupted:
		m.logger.Warn("Connection interrupted", fields...)
	case protocol.StateInvalidated:
		m.logger.Error("Connection invalidated", fields...)
	case protocol.StateFailed:
		m.logger.Error("Connection failed", append(fields, zap.Error(next.Cause))...)
	case protocol.StateRecovering:
		m.logger.Info("Connection recovering", append(fields, zap.Int("attempt", next.Attempt))...)
	default:
		m.logger.Debug("Connection state changed", fields...)
	}
}

// waitFor blocks until pred holds for the state or ctx ends
func (m *Manager) waitFor(ctx context.Context, pred func(protocol.ConnectionState) bool) (protocol.ConnectionState, error) {
	for {
		m.mu.Lock()
		state := m.state
		changed := m.changed
		m.mu.Unlock()

		if pred(state) {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

// WaitSettled blocks until the manager is Active or Failed
func (m *Manager) WaitSettled(ctx context.Context) (protocol.ConnectionState, error) {
	return m.waitFor(ctx, func(s protocol.ConnectionState) bool {
		return s.Kind == protocol.StateActive || s.Kind == protocol.StateFailed
	})
}

func since(c clock.Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
