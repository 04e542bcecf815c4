package faulttolerance

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/fleetguard/types"
)

// Config is the immutable tuning surface of the fault tolerance manager.
type Config struct {
	// HeartbeatInterval is the sweep cadence.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// AgentTimeout is the silence after which an agent becomes Unresponsive.
	AgentTimeout time.Duration `json:"agent_timeout"`

	// FailureGracePeriod is the additional silence, beyond AgentTimeout, after
	// which an Unresponsive agent is declared Failed. Zero means one HeartbeatInterval.
	FailureGracePeriod time.Duration `json:"failure_grace_period"`

	// CircuitBreakerFailureThreshold is the number of consecutive failed task
	// results that opens an agent's circuit.
	CircuitBreakerFailureThreshold uint32 `json:"circuit_breaker_failure_threshold"`

	// CircuitBreakerTimeout is the Open -> HalfOpen delay.
	CircuitBreakerTimeout time.Duration `json:"circuit_breaker_timeout"`

	MaxRestartAttempts uint32 `json:"max_restart_attempts"`

	// RestartDelay is the backoff applied before each restart.
	RestartDelay time.Duration `json:"restart_delay"`

	TaskRedistributionDelay time.Duration `json:"task_redistribution_delay"`

	// CheckpointInterval is advisory: the cadence at which callers are expected
	// to create checkpoints. The store does not enforce it.
	CheckpointInterval time.Duration `json:"checkpoint_interval"`

	// MaxCheckpoints bounds the retained checkpoints per task.
	MaxCheckpoints int `json:"max_checkpoints"`

	EnableAutoRecovery       bool `json:"enable_auto_recovery"`
	EnableTaskRedistribution bool `json:"enable_task_redistribution"`

	// RecoveryConfirmationTimeout is how long a restarted agent has to send a
	// heartbeat before the restart counts as failed.
	RecoveryConfirmationTimeout time.Duration `json:"recovery_confirmation_timeout"`

	// RecoveryQueueSize is the buffer between failure detection and recovery.
	RecoveryQueueSize int `json:"recovery_queue_size"`

	// MaxConcurrentRecoveries bounds the recovery workers running at once.
	MaxConcurrentRecoveries int64 `json:"max_concurrent_recoveries"`

	// StopTimeout bounds how long Stop waits for in-flight recoveries.
	StopTimeout time.Duration `json:"stop_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:              5 * time.Second,
		AgentTimeout:                   15 * time.Second,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerTimeout:          30 * time.Second,
		MaxRestartAttempts:             3,
		RestartDelay:                   2 * time.Second,
		TaskRedistributionDelay:        500 * time.Millisecond,
		CheckpointInterval:             30 * time.Second,
		MaxCheckpoints:                 10,
		EnableAutoRecovery:             true,
		EnableTaskRedistribution:       true,
		RecoveryConfirmationTimeout:    30 * time.Second,
		RecoveryQueueSize:              256,
		MaxConcurrentRecoveries:        16,
		StopTimeout:                    10 * time.Second,
	}
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	var errs []string

	if c.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeat_interval must be positive")
	}
	if c.AgentTimeout <= 0 {
		errs = append(errs, "agent_timeout must be positive")
	}
	if c.HeartbeatInterval > 0 && c.AgentTimeout > 0 && c.HeartbeatInterval > c.AgentTimeout {
		errs = append(errs, "heartbeat_interval must not exceed agent_timeout")
	}
	if c.FailureGracePeriod < 0 {
		errs = append(errs, "failure_grace_period must not be negative")
	}
	if c.CircuitBreakerFailureThreshold == 0 {
		errs = append(errs, "circuit_breaker_failure_threshold must be positive")
	}
	if c.CircuitBreakerTimeout <= 0 {
		errs = append(errs, "circuit_breaker_timeout must be positive")
	}
	if c.RestartDelay < 0 || c.TaskRedistributionDelay < 0 || c.CheckpointInterval < 0 {
		errs = append(errs, "delays must not be negative")
	}
	if c.MaxCheckpoints <= 0 {
		errs = append(errs, "max_checkpoints must be positive")
	}
	if c.RecoveryConfirmationTimeout <= 0 {
		errs = append(errs, "recovery_confirmation_timeout must be positive")
	}
	if c.RecoveryQueueSize < 0 {
		errs = append(errs, "recovery_queue_size must not be negative")
	}
	if c.MaxConcurrentRecoveries < 0 {
		errs = append(errs, "max_concurrent_recoveries must not be negative")
	}
	if c.StopTimeout < 0 {
		errs = append(errs, "stop_timeout must not be negative")
	}

	if len(errs) > 0 {
		return types.NewError(types.ErrInvalidConfig,
			fmt.Sprintf("fault tolerance config: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// failureGrace returns the effective Unresponsive -> Failed grace period.
func (c Config) failureGrace() time.Duration {
	if c.FailureGracePeriod > 0 {
		return c.FailureGracePeriod
	}
	return c.HeartbeatInterval
}

// withRuntimeDefaults fills the Go-side knobs a caller may leave zero.
func (c Config) withRuntimeDefaults() Config {
	if c.RecoveryQueueSize == 0 {
		c.RecoveryQueueSize = 256
	}
	if c.MaxConcurrentRecoveries == 0 {
		c.MaxConcurrentRecoveries = 16
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}
