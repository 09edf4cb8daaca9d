package connection

import (
	"context"
	"errors"

	"go.uber.org/zap"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/protocol"
)

// startRecoveryLocked cancels any running recovery routine and starts a new
// episode. Caller holds mu.
func (m *Manager) startRecoveryLocked(cause error) {
	m.cancelRecoveryLocked()
	m.episode++
	episode := m.episode

	ctx, cancel := context.WithCancel(context.Background())
	m.recoveryCancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.recover(ctx, episode, cause)
	}()
}

func (m *Manager) cancelRecoveryLocked() {
	if m.recoveryCancel != nil {
		m.recoveryCancel()
		m.recoveryCancel = nil
	}
}

// recover runs one recovery episode. The episode ends Active, Failed, or
// silently when superseded by Close, an explicit EstablishConnection or a
// newer episode. Attempts are bounded by MaxRecoveryAttempts and the whole
// episode, handshakes included, by RecoveryTimeout, whichever is reached first.
func (m *Manager) recover(ctx context.Context, episode uint64, cause error) {
	settings := m.config.Settings
	clk := m.config.Clock
	start := clk.Now()
	lastErr := cause

	// handshakes share the episode deadline so a slow dial cannot outlive it
	deadlineCtx, expire := context.WithCancelCause(ctx)
	defer expire(nil)
	deadline := clk.AfterFunc(settings.RecoveryTimeout, func() {
		expire(errRecoveryDeadline)
	})
	defer deadline.Stop()

	m.logger.Info("Starting connection recovery",
		zap.Uint64("episode", episode),
		zap.Int("max_attempts", settings.MaxRecoveryAttempts),
		zap.Duration("timeout", settings.RecoveryTimeout),
		zap.NamedError("cause", cause))

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		if since(clk, start) >= settings.RecoveryTimeout {
			if m.fail(episode, chanerrors.NewRecoveryTimeout(attempt-1, lastErr)) {
				m.metrics.RecordRecoveryOutcome(false, since(clk, start))
			}
			return
		}

		if !m.transition(episode, protocol.Recovering(attempt, start)) {
			return
		}
		m.metrics.RecordRecoveryAttempt()

		h, err := m.handshake(deadlineCtx)
		if err != nil && ctx.Err() == nil && errors.Is(context.Cause(deadlineCtx), errRecoveryDeadline) {
			m.logger.Warn("Recovery attempt ran out of time",
				zap.Int("attempt", attempt),
				zap.Error(err))
			if !errors.Is(err, context.Canceled) {
				lastErr = err
			}
			if m.fail(episode, chanerrors.NewRecoveryTimeout(attempt, lastErr)) {
				m.metrics.RecordRecoveryOutcome(false, since(clk, start))
			}
			return
		}
		if err == nil {
			err = m.activate(episode, h)
			if err == nil {
				elapsed := since(clk, start)
				m.metrics.RecordRecoveryOutcome(true, elapsed)
				m.logger.Info("Connection recovered",
					zap.String("handle", h.ID()),
					zap.Int("attempts", attempt),
					zap.Duration("elapsed", elapsed))
				return
			}
			if err == errSuperseded {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		lastErr = err
		m.logger.Warn("Recovery attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if chanerrors.IsValidation(err) || attempt >= settings.MaxRecoveryAttempts {
			if m.fail(episode, chanerrors.NewRecoveryExhausted(attempt, err)) {
				m.metrics.RecordRecoveryOutcome(false, since(clk, start))
			}
			return
		}

		delay := m.backoff.Delay(attempt)
		if remaining := settings.RecoveryTimeout - since(clk, start); delay > remaining {
			delay = remaining
		}
		if delay <= 0 {
			continue
		}

		m.logger.Debug("Waiting before next recovery attempt",
			zap.Int("next_attempt", attempt+1),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-clk.After(delay):
		}
	}
}

var errRecoveryDeadline = errors.New("recovery timeout reached")
