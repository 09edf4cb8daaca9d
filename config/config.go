package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/storage"
)

// DefaultSocketPath is where the helper listens unless configured otherwise
const DefaultSocketPath = "/tmp/backupd-helper.sock"

// DefaultConfig creates a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Connection: interfaces.ConnectionConfig{
			SocketPath:          DefaultSocketPath,
			HandshakeTimeout:    10 * time.Second,
			RecoveryTimeout:     2 * time.Minute,
			MaxRecoveryAttempts: 5,
			RecoveryBaseDelay:   time.Second,
			RecoveryMaxDelay:    30 * time.Second,
			BackoffMultiplier:   2,
			BackoffJitter:       0.1,
			ConnectOnStart:      true,
			ReconnectInterval:   time.Minute,
		},
		Health: interfaces.HealthConfig{
			Interval:           30 * time.Second,
			ProbeTimeout:       5 * time.Second,
			DegradedThreshold:  3,
			UnhealthyThreshold: 2,
			RecoveryThreshold:  3,
			Limits: interfaces.ResourceLimits{
				MaxMemoryBytes:   2 << 30, // 2GiB
				MaxCPUPercent:    90,
				MinDiskFreeBytes: 1 << 30, // 1GiB
				MaxFileHandles:   4096,
				MaxConnections:   64,
			},
		},
		Queue: interfaces.QueueConfig{
			MaxConcurrency:      1,
			IdleDelay:           100 * time.Millisecond,
			MaxDispatchAttempts: 3,
			RetentionCount:      500,
			RetentionAge:        7 * 24 * time.Hour,
			CleanupInterval:     5 * time.Minute,
			RejectWhenDegraded:  false,
		},
		Helper: interfaces.HelperConfig{
			SocketPath:            DefaultSocketPath,
			SocketMode:            0o600,
			AllowedExecutables:    []string{"/usr/bin/restic", "/usr/local/bin/restic", "/opt/homebrew/bin/restic"},
			RequiredEnv:           []string{},
			DiskPath:              "/",
			MaxConcurrentCommands: 4,
			OutputTailBytes:       64 * 1024,
			KillGracePeriod:       10 * time.Second,
			PidFile:               "",
		},
		Storage: interfaces.StorageConfig{
			Backend:  "badger",
			Path:     "./data",
			InMemory: false,
		},
		Logging: interfaces.LoggingConfig{
			Level:  "info",
			Format: "console",
			File:   "",
		},
		Metrics: interfaces.MetricsConfig{
			Enabled:   false,
			Port:      9419,
			Namespace: "backupd",
		},
	}
}

// Config is the complete configuration of the client and the helper
type Config struct {
	Connection interfaces.ConnectionConfig `koanf:"connection" yaml:"connection"`
	Health     interfaces.HealthConfig     `koanf:"health" yaml:"health"`
	Queue      interfaces.QueueConfig      `koanf:"queue" yaml:"queue"`
	Helper     interfaces.HelperConfig     `koanf:"helper" yaml:"helper"`
	Storage    interfaces.StorageConfig    `koanf:"storage" yaml:"storage"`
	Logging    interfaces.LoggingConfig    `koanf:"logging" yaml:"logging"`
	Metrics    interfaces.MetricsConfig    `koanf:"metrics" yaml:"metrics"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Connection
	if c.Connection.SocketPath == "" {
		return fmt.Errorf("connection socket path cannot be empty")
	}
	if c.Connection.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive: %v", c.Connection.HandshakeTimeout)
	}
	if c.Connection.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive: %v", c.Connection.RecoveryTimeout)
	}
	if c.Connection.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("max recovery attempts must be at least 1: %d", c.Connection.MaxRecoveryAttempts)
	}
	if c.Connection.RecoveryBaseDelay < 0 || c.Connection.RecoveryMaxDelay < 0 {
		return fmt.Errorf("recovery delays cannot be negative")
	}
	if c.Connection.RecoveryMaxDelay > 0 && c.Connection.RecoveryBaseDelay > c.Connection.RecoveryMaxDelay {
		return fmt.Errorf("recovery base delay %v exceeds max delay %v",
			c.Connection.RecoveryBaseDelay, c.Connection.RecoveryMaxDelay)
	}
	if c.Connection.ReconnectInterval < 0 {
		return fmt.Errorf("reconnect interval cannot be negative: %v", c.Connection.ReconnectInterval)
	}
	if c.Connection.BackoffJitter < 0 || c.Connection.BackoffJitter > 1 {
		return fmt.Errorf("backoff jitter must be within [0,1]: %v", c.Connection.BackoffJitter)
	}

	// Health
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive: %v", c.Health.Interval)
	}
	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive: %v", c.Health.ProbeTimeout)
	}
	if c.Health.DegradedThreshold < 1 || c.Health.UnhealthyThreshold < 1 || c.Health.RecoveryThreshold < 1 {
		return fmt.Errorf("health thresholds must be at least 1")
	}

	// Queue
	if c.Queue.MaxConcurrency < 1 {
		return fmt.Errorf("queue max concurrency must be at least 1: %d", c.Queue.MaxConcurrency)
	}
	if c.Queue.IdleDelay <= 0 {
		return fmt.Errorf("queue idle delay must be positive: %v", c.Queue.IdleDelay)
	}
	if c.Queue.MaxDispatchAttempts < 1 {
		return fmt.Errorf("queue max dispatch attempts must be at least 1: %d", c.Queue.MaxDispatchAttempts)
	}
	if c.Queue.RetentionCount < 0 || c.Queue.RetentionAge < 0 {
		return fmt.Errorf("queue retention cannot be negative")
	}

	// Helper
	if c.Helper.SocketPath == "" {
		return fmt.Errorf("helper socket path cannot be empty")
	}
	for _, exe := range c.Helper.AllowedExecutables {
		if !filepath.IsAbs(exe) {
			return fmt.Errorf("allowed executable must be an absolute path: %s", exe)
		}
	}
	if c.Helper.MaxConcurrentCommands < 1 {
		return fmt.Errorf("helper max concurrent commands must be at least 1: %d", c.Helper.MaxConcurrentCommands)
	}

	// Storage
	if err := storage.ValidateBackend(c.Storage.Backend); err != nil {
		return err
	}
	if c.Storage.Backend != string(storage.BackendMemory) && !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage path required for backend: %s", c.Storage.Backend)
	}

	// Logging
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Logging.Format)
	}

	// Metrics
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	return nil
}

// Save writes the configuration as YAML
func (c *Config) Save(destination string) error {
	// Ensure destination directory exists
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	data, err := c.YAML()
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(destination, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}
