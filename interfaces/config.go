package interfaces

import (
	"time"
)

// ConnectionConfig holds connection manager and recovery configuration
type ConnectionConfig struct {
	// Helper socket the client dials
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`

	// Handshake bound (dial + hello + validation)
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" yaml:"handshake_timeout"`

	// Recovery bounds; whichever triggers first ends the episode
	RecoveryTimeout     time.Duration `koanf:"recovery_timeout" yaml:"recovery_timeout"`
	MaxRecoveryAttempts int           `koanf:"max_recovery_attempts" yaml:"max_recovery_attempts"`

	// Backoff between recovery attempts
	RecoveryBaseDelay time.Duration `koanf:"recovery_base_delay" yaml:"recovery_base_delay"`
	RecoveryMaxDelay  time.Duration `koanf:"recovery_max_delay" yaml:"recovery_max_delay"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffJitter     float64       `koanf:"backoff_jitter" yaml:"backoff_jitter"`

	// Establish the connection when the channel starts instead of on first use
	ConnectOnStart bool `koanf:"connect_on_start" yaml:"connect_on_start"`

	// How often a long-running client retries a Failed connection; 0 disables
	ReconnectInterval time.Duration `koanf:"reconnect_interval" yaml:"reconnect_interval"`

	// Accepted helper identities; empty means "same uid as this process"
	AllowedPeerUIDs []int `koanf:"allowed_peer_uids" yaml:"allowed_peer_uids"`
}

// ResourceLimits are the thresholds that mark the helper Degraded. Zero disables a limit.
type ResourceLimits struct {
	MaxMemoryBytes   uint64  `koanf:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxCPUPercent    float64 `koanf:"max_cpu_percent" yaml:"max_cpu_percent"`
	MinDiskFreeBytes uint64  `koanf:"min_disk_free_bytes" yaml:"min_disk_free_bytes"`
	MaxFileHandles   int     `koanf:"max_file_handles" yaml:"max_file_handles"`
	MaxConnections   int     `koanf:"max_connections" yaml:"max_connections"`
}

// HealthConfig holds health monitor configuration
type HealthConfig struct {
	Interval     time.Duration `koanf:"interval" yaml:"interval"`
	ProbeTimeout time.Duration `koanf:"probe_timeout" yaml:"probe_timeout"`

	// Hysteresis: consecutive failed checks before Degraded / Unhealthy, and
	// consecutive clean checks before returning to Healthy
	DegradedThreshold  int `koanf:"degraded_threshold" yaml:"degraded_threshold"`
	UnhealthyThreshold int `koanf:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	RecoveryThreshold  int `koanf:"recovery_threshold" yaml:"recovery_threshold"`

	Limits ResourceLimits `koanf:"limits" yaml:"limits"`
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	// Worker slots; 1 gives strict global FIFO
	MaxConcurrency int `koanf:"max_concurrency" yaml:"max_concurrency"`

	// Wait between polls of an empty queue
	IdleDelay time.Duration `koanf:"idle_delay" yaml:"idle_delay"`

	// Dispatches per message across transport failures
	MaxDispatchAttempts int `koanf:"max_dispatch_attempts" yaml:"max_dispatch_attempts"`

	// Finished-message retention
	RetentionCount  int           `koanf:"retention_count" yaml:"retention_count"`
	RetentionAge    time.Duration `koanf:"retention_age" yaml:"retention_age"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" yaml:"cleanup_interval"`

	// Admission control
	RejectWhenDegraded bool `koanf:"reject_when_degraded" yaml:"reject_when_degraded"`
}

// HelperConfig holds configuration of the helper process
type HelperConfig struct {
	SocketPath            string        `koanf:"socket_path" yaml:"socket_path"`
	SocketMode            uint32        `koanf:"socket_mode" yaml:"socket_mode"`
	AllowedExecutables    []string      `koanf:"allowed_executables" yaml:"allowed_executables"`
	RequiredEnv           []string      `koanf:"required_env" yaml:"required_env"`
	DiskPath              string        `koanf:"disk_path" yaml:"disk_path"`
	MaxConcurrentCommands int           `koanf:"max_concurrent_commands" yaml:"max_concurrent_commands"`
	OutputTailBytes       int           `koanf:"output_tail_bytes" yaml:"output_tail_bytes"`
	KillGracePeriod       time.Duration `koanf:"kill_grace_period" yaml:"kill_grace_period"`
	PidFile               string        `koanf:"pid_file" yaml:"pid_file"`
}

// StorageConfig holds command history storage configuration
type StorageConfig struct {
	// Backend type ("memory", "badger")
	Backend string `koanf:"backend" yaml:"backend"`

	// Directory for persistent backends
	Path string `koanf:"path" yaml:"path"`

	// Run badger fully in memory (tests, ephemeral sessions)
	InMemory bool `koanf:"in_memory" yaml:"in_memory"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
	File   string `koanf:"file" yaml:"file"`
}

// MetricsConfig holds telemetry endpoint configuration
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled" yaml:"enabled"`
	Port      int    `koanf:"port" yaml:"port"`
	Namespace string `koanf:"namespace" yaml:"namespace"`
}
