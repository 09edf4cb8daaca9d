package channel

import (
	"fmt"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/maxpert/backupd/config"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/metrics"
	"github.com/maxpert/backupd/storage"
	"github.com/maxpert/backupd/transport"
)

// Builder provides a fluent API for assembling a Channel from a Config
type Builder struct {
	config    *config.Config
	dialer    interfaces.Dialer
	validator interfaces.Validator
	history   interfaces.HistoryStore
	clock     clock.Clock
	logger    *zap.Logger
	metrics   interfaces.MetricsCollector
}

// NewBuilder creates a builder; a nil cfg uses config.DefaultConfig()
func NewBuilder(cfg *config.Config) *Builder {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Builder{config: cfg}
}

// WithDialer replaces the unix-socket dialer
func (b *Builder) WithDialer(dialer interfaces.Dialer) *Builder {
	b.dialer = dialer
	return b
}

// WithValidator replaces the peer-credential validator
func (b *Builder) WithValidator(validator interfaces.Validator) *Builder {
	b.validator = validator
	return b
}

// WithHistory replaces the configured history backend
func (b *Builder) WithHistory(history interfaces.HistoryStore) *Builder {
	b.history = history
	return b
}

// WithClock sets the clock used for timers and timestamps
func (b *Builder) WithClock(clk clock.Clock) *Builder {
	b.clock = clk
	return b
}

// WithLogger sets a custom logger; otherwise one is built from the logging config
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetrics sets the metrics collector; otherwise a Prometheus collector is
// registered when metrics are enabled
func (b *Builder) WithMetrics(collector interfaces.MetricsCollector) *Builder {
	b.metrics = collector
	return b
}

// Build validates the configuration and creates the channel
func (b *Builder) Build() (*Channel, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := b.logger
	if logger == nil {
		var err error
		if logger, err = config.NewLogger(b.config.Logging); err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	collector := b.metrics
	if collector == nil && b.config.Metrics.Enabled {
		collector = metrics.NewCollector(b.config.Metrics.Namespace, nil)
	}

	dialer := b.dialer
	if dialer == nil {
		dialer = transport.NewDialer(transport.DialerConfig{
			SocketPath: b.config.Connection.SocketPath,
			Logger:     logger,
		})
	}
	validator := b.validator
	if validator == nil {
		validator = transport.NewPeerValidator(b.config.Connection.AllowedPeerUIDs, logger)
	}

	history := b.history
	if history == nil {
		var err error
		factory := storage.NewStorageFactory(b.config.Storage, b.config.Queue.RetentionAge)
		if history, err = factory.CreateHistoryStore(); err != nil {
			return nil, fmt.Errorf("failed to create history store: %w", err)
		}
	}

	ch, err := New(Config{
		Connection: b.config.Connection,
		Health:     b.config.Health,
		Queue:      b.config.Queue,
		Dialer:     dialer,
		Validator:  validator,
		History:    history,
		Clock:      b.clock,
		Logger:     logger,
		Metrics:    collector,
	})
	if err != nil {
		history.Close()
		return nil, err
	}
	return ch, nil
}
