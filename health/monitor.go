package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/events"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// Target is the connection the monitor watches
type Target interface {
	// CurrentHandle returns the live handle or nil
	CurrentHandle() interfaces.Handle

	// ReportTransportFailure interrupts the connection if h is still live
	ReportTransportFailure(h interfaces.Handle, cause error)
}

// Config defines the operation of a Monitor
type Config struct {
	Settings interfaces.HealthConfig
	Target   Target
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  interfaces.MetricsCollector
}

// Validate returns an error if config cannot drive a Monitor
func (config Config) Validate() error {
	if config.Target == nil {
		return fmt.Errorf("nil Target")
	}
	if config.Clock == nil {
		return fmt.Errorf("nil Clock")
	}
	if config.Logger == nil {
		return fmt.Errorf("nil Logger")
	}
	if config.Settings.Interval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if config.Settings.DegradedThreshold < 1 || config.Settings.UnhealthyThreshold < 1 || config.Settings.RecoveryThreshold < 1 {
		return fmt.Errorf("health thresholds must be at least 1")
	}
	return nil
}

// Monitor periodically probes the live handle and derives a HealthStatus.
// Failed probes and resource breaches count against the same consecutive
// failure counter; clean probes count successes. A flip in either direction
// resets the other counter, and the coarse state only moves once a counter
// crosses its threshold.
type Monitor struct {
	config  Config
	logger  *zap.Logger
	metrics interfaces.MetricsCollector
	changes *events.Bus[protocol.HealthChange]

	mu     sync.Mutex
	status protocol.HealthStatus

	// one probe at a time
	checkMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a stopped monitor in the Unknown state
func NewMonitor(config Config) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health monitor config: %w", err)
	}
	if config.Metrics == nil {
		config.Metrics = interfaces.NoOpMetricsCollector{}
	}

	return &Monitor{
		config:  config,
		logger:  config.Logger.Named("health"),
		metrics: config.Metrics,
		changes: events.NewBus[protocol.HealthChange](),
		status:  protocol.HealthStatus{State: protocol.HealthUnknown, Reason: "not checked"},
	}, nil
}

// Subscribe registers fn for coarse health state changes
func (m *Monitor) Subscribe(fn func(protocol.HealthChange)) (unsubscribe func()) {
	return m.changes.Subscribe(fn)
}

// Status returns the latest health status
func (m *Monitor) Status() protocol.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start begins periodic checks. It returns immediately and is a no-op if the
// monitor is already running.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return
	}

	m.mu.Lock()
	m.status.ConsecutiveFailures = 0
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Debug("Health monitor started", zap.Duration("interval", m.config.Settings.Interval))
}

// Stop ends periodic checks without waiting for an in-flight probe
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.logger.Debug("Health monitor stopped")
}

// Close stops the monitor and waits for its goroutine
func (m *Monitor) Close() {
	m.Stop()
	m.wg.Wait()
	m.changes.Close()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.config.Clock.After(m.config.Settings.Interval):
			if ctx.Err() != nil {
				return
			}
			m.Check(ctx)
		}
	}
}

// Check runs one probe against the live handle and returns the resulting
// status. Without a live handle the status is returned unchanged.
func (m *Monitor) Check(ctx context.Context) protocol.HealthStatus {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	h := m.config.Target.CurrentHandle()
	if h == nil {
		return m.Status()
	}

	snapshot, responseTime, err := m.probe(ctx, h)
	if ctx.Err() != nil {
		// cancelled by Stop; a half-finished probe says nothing about the helper
		return m.Status()
	}
	m.metrics.RecordHealthCheck(err == nil, responseTime)

	m.mu.Lock()
	old := m.status
	next := old
	next.LastChecked = m.config.Clock.Now()
	next.ResponseTime = responseTime

	var interrupt bool
	switch {
	case err != nil:
		next.ConsecutiveFailures++
		next.ConsecutiveSuccesses = 0
		if next.ConsecutiveFailures >= m.config.Settings.UnhealthyThreshold {
			next.State = protocol.HealthUnhealthy
			next.Reason = err.Error()
			interrupt = true
		}

	default:
		next.Resources = snapshot
		if breaches := Breaches(m.config.Settings.Limits, snapshot); len(breaches) > 0 {
			next.ConsecutiveFailures++
			next.ConsecutiveSuccesses = 0
			if next.ConsecutiveFailures >= m.config.Settings.DegradedThreshold && next.State != protocol.HealthDegraded {
				next.State = protocol.HealthDegraded
				next.Reason = strings.Join(breaches, "; ")
			}
		} else {
			next.ConsecutiveSuccesses++
			next.ConsecutiveFailures = 0
			switch next.State {
			case protocol.HealthUnknown:
				next.State = protocol.HealthHealthy
				next.Reason = ""
			case protocol.HealthDegraded, protocol.HealthUnhealthy:
				if next.ConsecutiveSuccesses >= m.config.Settings.RecoveryThreshold {
					next.State = protocol.HealthHealthy
					next.Reason = ""
				}
			}
		}
	}
	m.status = next
	m.mu.Unlock()

	if next.State != old.State {
		m.publish(old, next)
	}

	if interrupt {
		m.logger.Warn("Health probe failed, interrupting connection",
			zap.String("handle", h.ID()),
			zap.Int("consecutive_failures", next.ConsecutiveFailures),
			zap.Error(err))
		m.config.Target.ReportTransportFailure(h, chanerrors.NewInterrupted(h.ID(), err))
	} else if err != nil {
		m.logger.Debug("Health probe failed",
			zap.String("handle", h.ID()),
			zap.Int("consecutive_failures", next.ConsecutiveFailures),
			zap.Error(err))
	}

	return next
}

// probe pings then queries resources within the probe timeout
func (m *Monitor) probe(ctx context.Context, h interfaces.Handle) (protocol.ResourceSnapshot, time.Duration, error) {
	if timeout := m.config.Settings.ProbeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := m.config.Clock.Now()
	ok, err := h.Ping(ctx)
	responseTime := m.config.Clock.Now().Sub(started)
	if err != nil {
		return protocol.ResourceSnapshot{}, responseTime, fmt.Errorf("ping failed: %w", err)
	}
	if !ok {
		return protocol.ResourceSnapshot{}, responseTime, fmt.Errorf("ping rejected by helper")
	}

	snapshot, err := h.CheckResources(ctx)
	if err != nil {
		return protocol.ResourceSnapshot{}, responseTime, fmt.Errorf("resource query failed: %w", err)
	}
	return snapshot, responseTime, nil
}

func (m *Monitor) publish(old, next protocol.HealthStatus) {
	m.metrics.SetHealthState(next.State.String())
	m.changes.Publish(protocol.HealthChange{Old: old, New: next})

	fields := []zap.Field{
		zap.Stringer("from", old.State),
		zap.Stringer("to", next.State),
		zap.String("reason", next.Reason),
	}
	switch next.State {
	case protocol.HealthDegraded:
		m.logger.Warn("Helper degraded", fields...)
	case protocol.HealthUnhealthy:
		m.logger.Error("Helper unhealthy", fields...)
	default:
		m.logger.Info("Helper health changed", fields...)
	}
}
