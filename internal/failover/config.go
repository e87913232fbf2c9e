package failover

import (
	"fmt"
	"time"

	"github.com/msageha/maestro-failover/internal/model"
)

// Config is the live coordinator configuration. Sessions copy it when they start.
type Config struct {
	Strategy                model.FailoverStrategy `json:"strategy"`
	GracefulShutdownTimeout time.Duration          `json:"graceful_shutdown_timeout"`
	TaskReassignmentTimeout time.Duration          `json:"task_reassignment_timeout"`
	MaxReassignmentAttempts int                    `json:"max_reassignment_attempts"`
	EnableStateRecovery     bool                   `json:"enable_state_recovery"`
	EnableTaskCheckpointing bool                   `json:"enable_task_checkpointing"`
	RecoveryDelay           time.Duration          `json:"recovery_delay"`
	StatusPollInterval      time.Duration          `json:"status_poll_interval"`
	ShutdownTimeout         time.Duration          `json:"shutdown_timeout"`
}

// DefaultConfig mirrors model.DefaultConfig().Failover.
func DefaultConfig() Config {
	cfg, _ := ConfigFromModel(model.DefaultConfig().Failover)
	return cfg
}

// ConfigFromModel converts the YAML representation. Zero numeric fields fall back to
// defaults; the result is validated.
func ConfigFromModel(fc model.FailoverConfig) (Config, error) {
	def := model.DefaultConfig().Failover
	if fc.Strategy == "" {
		fc.Strategy = def.Strategy
	}
	if fc.GracefulShutdownTimeoutSec == 0 {
		fc.GracefulShutdownTimeoutSec = def.GracefulShutdownTimeoutSec
	}
	if fc.TaskReassignmentTimeoutSec == 0 {
		fc.TaskReassignmentTimeoutSec = def.TaskReassignmentTimeoutSec
	}
	if fc.MaxReassignmentAttempts == 0 {
		fc.MaxReassignmentAttempts = def.MaxReassignmentAttempts
	}
	if fc.StatusPollIntervalMs == 0 {
		fc.StatusPollIntervalMs = def.StatusPollIntervalMs
	}
	if fc.ShutdownTimeoutSec == 0 {
		fc.ShutdownTimeoutSec = def.ShutdownTimeoutSec
	}

	strategy, err := model.ParseStrategy(fc.Strategy)
	if err != nil {
		return Config{}, &ConfigValidationError{Field: "strategy", Reason: err.Error()}
	}
	cfg := Config{
		Strategy:                strategy,
		GracefulShutdownTimeout: time.Duration(fc.GracefulShutdownTimeoutSec) * time.Second,
		TaskReassignmentTimeout: time.Duration(fc.TaskReassignmentTimeoutSec) * time.Second,
		MaxReassignmentAttempts: fc.MaxReassignmentAttempts,
		EnableStateRecovery:     fc.EnableStateRecovery,
		EnableTaskCheckpointing: fc.EnableTaskCheckpointing,
		RecoveryDelay:           time.Duration(fc.RecoveryDelaySec) * time.Second,
		StatusPollInterval:      time.Duration(fc.StatusPollIntervalMs) * time.Millisecond,
		ShutdownTimeout:         time.Duration(fc.ShutdownTimeoutSec) * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case !c.Strategy.Valid():
		return &ConfigValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	case c.GracefulShutdownTimeout < 0:
		return &ConfigValidationError{Field: "graceful_shutdown_timeout", Reason: "must not be negative"}
	case c.TaskReassignmentTimeout <= 0:
		return &ConfigValidationError{Field: "task_reassignment_timeout", Reason: "must be positive"}
	case c.MaxReassignmentAttempts < 1:
		return &ConfigValidationError{Field: "max_reassignment_attempts", Reason: "must be at least 1"}
	case c.RecoveryDelay < 0:
		return &ConfigValidationError{Field: "recovery_delay", Reason: "must not be negative"}
	case c.StatusPollInterval <= 0:
		return &ConfigValidationError{Field: "status_poll_interval", Reason: "must be positive"}
	case c.ShutdownTimeout < 0:
		return &ConfigValidationError{Field: "shutdown_timeout", Reason: "must not be negative"}
	}
	return nil
}

// ConfigPatch is a partial update. Nil fields keep their current value.
type ConfigPatch struct {
	Strategy                *model.FailoverStrategy `json:"strategy,omitempty"`
	GracefulShutdownTimeout *time.Duration          `json:"graceful_shutdown_timeout,omitempty"`
	TaskReassignmentTimeout *time.Duration          `json:"task_reassignment_timeout,omitempty"`
	MaxReassignmentAttempts *int                    `json:"max_reassignment_attempts,omitempty"`
	EnableStateRecovery     *bool                   `json:"enable_state_recovery,omitempty"`
	EnableTaskCheckpointing *bool                   `json:"enable_task_checkpointing,omitempty"`
	RecoveryDelay           *time.Duration          `json:"recovery_delay,omitempty"`
	StatusPollInterval      *time.Duration          `json:"status_poll_interval,omitempty"`
	ShutdownTimeout         *time.Duration          `json:"shutdown_timeout,omitempty"`
}

// Empty reports whether p changes nothing.
func (p ConfigPatch) Empty() bool {
	return p == ConfigPatch{}
}

// Apply returns c with every non-nil field of p merged in. The result is not validated.
func (c Config) Apply(p ConfigPatch) Config {
	if p.Strategy != nil {
		c.Strategy = *p.Strategy
	}
	if p.GracefulShutdownTimeout != nil {
		c.GracefulShutdownTimeout = *p.GracefulShutdownTimeout
	}
	if p.TaskReassignmentTimeout != nil {
		c.TaskReassignmentTimeout = *p.TaskReassignmentTimeout
	}
	if p.MaxReassignmentAttempts != nil {
		c.MaxReassignmentAttempts = *p.MaxReassignmentAttempts
	}
	if p.EnableStateRecovery != nil {
		c.EnableStateRecovery = *p.EnableStateRecovery
	}
	if p.EnableTaskCheckpointing != nil {
		c.EnableTaskCheckpointing = *p.EnableTaskCheckpointing
	}
	if p.RecoveryDelay != nil {
		c.RecoveryDelay = *p.RecoveryDelay
	}
	if p.StatusPollInterval != nil {
		c.StatusPollInterval = *p.StatusPollInterval
	}
	if p.ShutdownTimeout != nil {
		c.ShutdownTimeout = *p.ShutdownTimeout
	}
	return c
}

// Diff returns the patch that turns c into next.
func (c Config) Diff(next Config) ConfigPatch {
	var p ConfigPatch
	if c.Strategy != next.Strategy {
		p.Strategy = &next.Strategy
	}
	if c.GracefulShutdownTimeout != next.GracefulShutdownTimeout {
		p.GracefulShutdownTimeout = &next.GracefulShutdownTimeout
	}
	if c.TaskReassignmentTimeout != next.TaskReassignmentTimeout {
		p.TaskReassignmentTimeout = &next.TaskReassignmentTimeout
	}
	if c.MaxReassignmentAttempts != next.MaxReassignmentAttempts {
		p.MaxReassignmentAttempts = &next.MaxReassignmentAttempts
	}
	if c.EnableStateRecovery != next.EnableStateRecovery {
		p.EnableStateRecovery = &next.EnableStateRecovery
	}
	if c.EnableTaskCheckpointing != next.EnableTaskCheckpointing {
		p.EnableTaskCheckpointing = &next.EnableTaskCheckpointing
	}
	if c.RecoveryDelay != next.RecoveryDelay {
		p.RecoveryDelay = &next.RecoveryDelay
	}
	if c.StatusPollInterval != next.StatusPollInterval {
		p.StatusPollInterval = &next.StatusPollInterval
	}
	if c.ShutdownTimeout != next.ShutdownTimeout {
		p.ShutdownTimeout = &next.ShutdownTimeout
	}
	return p
}
