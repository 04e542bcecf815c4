package faulttolerance

import (
	"encoding/json"
	"fmt"
	"time"
)

// HealthState is the liveness classification of an agent.
type HealthState string

const (
	HealthHealthy      HealthState = "healthy"
	HealthUnresponsive HealthState = "unresponsive"
	HealthFailed       HealthState = "failed"
)

func (h HealthState) String() string { return string(h) }

// CircuitState is the state of an agent's circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalJSON encodes the state by name.
func (s CircuitState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *CircuitState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "closed":
		*s = CircuitClosed
	case "open":
		*s = CircuitOpen
	case "half_open":
		*s = CircuitHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", name)
	}
	return nil
}

// CircuitBreakerState is the state carried by an AgentRecord. OpenedAt is set
// only while the circuit is Open or HalfOpen.
type CircuitBreakerState struct {
	State    CircuitState `json:"state"`
	OpenedAt *time.Time   `json:"opened_at,omitempty"`
}

// CircuitBreakerStatus is the read model for an agent's breaker.
type CircuitBreakerStatus struct {
	AgentID             string        `json:"agent_id"`
	State               CircuitState  `json:"state"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	TrialOutstanding    bool          `json:"trial_outstanding"`
	TotalSuccesses      uint64        `json:"total_successes"`
	TotalFailures       uint64        `json:"total_failures"`
	LastDuration        time.Duration `json:"last_duration"`
	LastTransition      time.Time     `json:"last_transition"`
}

// AgentRecord is a point-in-time copy of everything the manager knows about
// one agent. ActiveTask is empty when the agent holds no task.
type AgentRecord struct {
	AgentID             string              `json:"agent_id"`
	Health              HealthState         `json:"health"`
	LastHeartbeat       time.Time           `json:"last_heartbeat"`
	ActiveTask          string              `json:"active_task,omitempty"`
	Circuit             CircuitBreakerState `json:"circuit"`
	ConsecutiveFailures uint32              `json:"consecutive_failures"`
	RestartAttempts     uint32              `json:"restart_attempts"`
	RegisteredAt        time.Time           `json:"registered_at"`

	generation uint64
}

// TaskState is the resumable state of a task at checkpoint time.
type TaskState struct {
	CurrentStep    string         `json:"current_step"`
	CompletedSteps []string       `json:"completed_steps,omitempty"`
	RemainingSteps []string       `json:"remaining_steps,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TaskProgress describes how far a task has come. Percentage is in [0, 1].
type TaskProgress struct {
	Percentage         float64        `json:"percentage"`
	CompletedSteps     uint32         `json:"completed_steps"`
	TotalSteps         uint32         `json:"total_steps"`
	EstimatedRemaining *time.Duration `json:"estimated_remaining,omitempty"`
}

// Checkpoint is an immutable snapshot of task progress.
type Checkpoint struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	AgentID   string         `json:"agent_id"`
	TaskState TaskState      `json:"task_state"`
	Progress  TaskProgress   `json:"progress"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecoveryStatistics are the cumulative recovery counters.
type RecoveryStatistics struct {
	TotalRecoveryAttempts uint64     `json:"total_recovery_attempts"`
	SuccessfulRecoveries  uint64     `json:"successful_recoveries"`
	FailedRecoveries      uint64     `json:"failed_recoveries"`
	AgentRestarts         uint64     `json:"agent_restarts"`
	TaskRedistributions   uint64     `json:"task_redistributions"`
	TaskRollbacks         uint64     `json:"task_rollbacks"`
	UnhandledFailures     uint64     `json:"unhandled_failures"`
	LastRecovery          *time.Time `json:"last_recovery,omitempty"`
}

// clone returns a copy that shares no mutable memory with c.
func (c Checkpoint) clone() Checkpoint {
	out := c
	out.TaskState = c.TaskState.clone()
	if c.Progress.EstimatedRemaining != nil {
		d := *c.Progress.EstimatedRemaining
		out.Progress.EstimatedRemaining = &d
	}
	out.Context = cloneMap(c.Context)
	return out
}

func (s TaskState) clone() TaskState {
	out := s
	out.CompletedSteps = cloneStrings(s.CompletedSteps)
	out.RemainingSteps = cloneStrings(s.RemainingSteps)
	out.Metadata = cloneMap(s.Metadata)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the JSON-shaped containers; other values are shared.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return cloneStrings(t)
	default:
		return v
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
