package config

import (
	"slices"
	"time"
)

// ConfigBuilder provides a fluent API for building configuration
type ConfigBuilder struct {
	config *Config
}

// NewConfigBuilder creates a new configuration builder with defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: DefaultConfig(),
	}
}

// FromConfig creates a builder from an existing configuration
func FromConfig(config *Config) *ConfigBuilder {
	builder := NewConfigBuilder()
	*builder.config = *config
	builder.config.Connection.AllowedPeerUIDs = slices.Clone(config.Connection.AllowedPeerUIDs)
	builder.config.Helper.AllowedExecutables = slices.Clone(config.Helper.AllowedExecutables)
	builder.config.Helper.RequiredEnv = slices.Clone(config.Helper.RequiredEnv)
	return builder
}

// Connection Configuration

// WithSocketPath sets the helper socket for both the client and the helper
func (b *ConfigBuilder) WithSocketPath(path string) *ConfigBuilder {
	b.config.Connection.SocketPath = path
	b.config.Helper.SocketPath = path
	return b
}

// WithHandshakeTimeout sets the handshake bound
func (b *ConfigBuilder) WithHandshakeTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.Connection.HandshakeTimeout = timeout
	return b
}

// WithRecovery sets the recovery episode bounds
func (b *ConfigBuilder) WithRecovery(timeout time.Duration, maxAttempts int) *ConfigBuilder {
	b.config.Connection.RecoveryTimeout = timeout
	b.config.Connection.MaxRecoveryAttempts = maxAttempts
	return b
}

// WithBackoff sets the delay policy between recovery attempts
func (b *ConfigBuilder) WithBackoff(base, max time.Duration, multiplier, jitter float64) *ConfigBuilder {
	b.config.Connection.RecoveryBaseDelay = base
	b.config.Connection.RecoveryMaxDelay = max
	b.config.Connection.BackoffMultiplier = multiplier
	b.config.Connection.BackoffJitter = jitter
	return b
}

// WithConnectOnStart enables/disables connecting when the channel starts
func (b *ConfigBuilder) WithConnectOnStart(enabled bool) *ConfigBuilder {
	b.config.Connection.ConnectOnStart = enabled
	return b
}

// WithReconnectInterval sets how often a Failed connection is retried; 0 disables
func (b *ConfigBuilder) WithReconnectInterval(interval time.Duration) *ConfigBuilder {
	b.config.Connection.ReconnectInterval = interval
	return b
}

// WithAllowedPeerUIDs restricts the helper identities the client accepts
func (b *ConfigBuilder) WithAllowedPeerUIDs(uids ...int) *ConfigBuilder {
	b.config.Connection.AllowedPeerUIDs = uids
	return b
}

// Health Configuration

// WithHealthInterval sets the probe interval and timeout
func (b *ConfigBuilder) WithHealthInterval(interval, probeTimeout time.Duration) *ConfigBuilder {
	b.config.Health.Interval = interval
	b.config.Health.ProbeTimeout = probeTimeout
	return b
}

// WithHealthThresholds sets the hysteresis thresholds
func (b *ConfigBuilder) WithHealthThresholds(degraded, unhealthy, recovery int) *ConfigBuilder {
	b.config.Health.DegradedThreshold = degraded
	b.config.Health.UnhealthyThreshold = unhealthy
	b.config.Health.RecoveryThreshold = recovery
	return b
}

// WithMemoryLimit sets the helper memory limit
func (b *ConfigBuilder) WithMemoryLimit(bytes uint64) *ConfigBuilder {
	b.config.Health.Limits.MaxMemoryBytes = bytes
	return b
}

// WithDiskFreeLimit sets the minimum free disk space
func (b *ConfigBuilder) WithDiskFreeLimit(bytes uint64) *ConfigBuilder {
	b.config.Health.Limits.MinDiskFreeBytes = bytes
	return b
}

// Queue Configuration

// WithConcurrency sets the number of worker slots
func (b *ConfigBuilder) WithConcurrency(slots int) *ConfigBuilder {
	b.config.Queue.MaxConcurrency = slots
	return b
}

// WithRetention sets how many finished messages are kept and for how long
func (b *ConfigBuilder) WithRetention(count int, age time.Duration) *ConfigBuilder {
	b.config.Queue.RetentionCount = count
	b.config.Queue.RetentionAge = age
	return b
}

// WithAdmissionControl enables/disables rejecting submissions while degraded
func (b *ConfigBuilder) WithAdmissionControl(enabled bool) *ConfigBuilder {
	b.config.Queue.RejectWhenDegraded = enabled
	return b
}

// Helper Configuration

// WithAllowedExecutables sets the engine binaries the helper may run
func (b *ConfigBuilder) WithAllowedExecutables(paths ...string) *ConfigBuilder {
	b.config.Helper.AllowedExecutables = paths
	return b
}

// WithRequiredEnv sets environment variables every command must carry
func (b *ConfigBuilder) WithRequiredEnv(names ...string) *ConfigBuilder {
	b.config.Helper.RequiredEnv = names
	return b
}

// WithPidFile sets the helper PID file
func (b *ConfigBuilder) WithPidFile(path string) *ConfigBuilder {
	b.config.Helper.PidFile = path
	return b
}

// Storage Configuration

// WithMemoryStorage keeps history in memory only
func (b *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	b.config.Storage.Backend = "memory"
	b.config.Storage.Path = ""
	b.config.Storage.InMemory = false
	return b
}

// WithBadgerStorage keeps history in a badger database under path
func (b *ConfigBuilder) WithBadgerStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = "badger"
	b.config.Storage.Path = path
	b.config.Storage.InMemory = false
	return b
}

// Observability

// WithLogging configures logging settings
func (b *ConfigBuilder) WithLogging(level, format, logFile string) *ConfigBuilder {
	b.config.Logging.Level = level
	b.config.Logging.Format = format
	b.config.Logging.File = logFile
	return b
}

// WithMetrics enables the metrics endpoint on port
func (b *ConfigBuilder) WithMetrics(port int) *ConfigBuilder {
	b.config.Metrics.Enabled = true
	b.config.Metrics.Port = port
	return b
}

// Build returns the configured Config
func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the configured Config without validation
func (b *ConfigBuilder) BuildUnsafe() *Config {
	return b.config
}
