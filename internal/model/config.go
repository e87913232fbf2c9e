// Package model defines the data structures shared by the failover core, its stores and the daemon.
package model

type Config struct {
	Project     ProjectConfig     `yaml:"project"`
	Failover    FailoverConfig    `yaml:"failover"`
	Storage     StorageConfig     `yaml:"storage"`
	Supervision SupervisionConfig `yaml:"supervision"`
	Events      EventsConfig      `yaml:"events"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Created string `yaml:"created"`
}

type FailoverConfig struct {
	Strategy                   string `yaml:"strategy"`
	GracefulShutdownTimeoutSec int    `yaml:"graceful_shutdown_timeout_sec"`
	TaskReassignmentTimeoutSec int    `yaml:"task_reassignment_timeout_sec"`
	MaxReassignmentAttempts    int    `yaml:"max_reassignment_attempts"`
	EnableStateRecovery        bool   `yaml:"enable_state_recovery"`
	EnableTaskCheckpointing    bool   `yaml:"enable_task_checkpointing"`
	RecoveryDelaySec           int    `yaml:"recovery_delay_sec"`
	StatusPollIntervalMs       int    `yaml:"status_poll_interval_ms"`
	ShutdownTimeoutSec         int    `yaml:"shutdown_timeout_sec"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // sqlite database file, relative to the state dir
}

type SupervisionConfig struct {
	// NotifyOnManual sends a desktop notification when a worker is flagged for an operator.
	NotifyOnManual bool `yaml:"notify_on_manual"`
}

type EventsConfig struct {
	BufferSize    int   `yaml:"buffer_size"`
	AuditLog      bool  `yaml:"audit_log"`
	AuditMaxBytes int64 `yaml:"audit_max_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration written by setup.
func DefaultConfig() Config {
	return Config{
		Failover: FailoverConfig{
			Strategy:                   string(StrategyImmediate),
			GracefulShutdownTimeoutSec: 30,
			TaskReassignmentTimeoutSec: 10,
			MaxReassignmentAttempts:    3,
			EnableStateRecovery:        true,
			EnableTaskCheckpointing:    true,
			RecoveryDelaySec:           60,
			StatusPollIntervalMs:       500,
			ShutdownTimeoutSec:         10,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "state/failover.db",
		},
		Events: EventsConfig{
			BufferSize:    1024,
			AuditLog:      true,
			AuditMaxBytes: 100 * 1024 * 1024,
		},
		Daemon: DaemonConfig{
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
