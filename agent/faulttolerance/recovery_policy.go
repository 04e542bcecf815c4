package faulttolerance

import "fmt"

// RecoveryAction is the remedy chosen for a failed agent.
type RecoveryAction string

const (
	RecoveryRestart      RecoveryAction = "restart"
	RecoveryRedistribute RecoveryAction = "redistribute"
	RecoveryRollback     RecoveryAction = "rollback"
)

// RecoveryDecision is the outcome of DecideRecovery.
type RecoveryDecision struct {
	Action RecoveryAction
	Reason string
	// FromCheckpoint is set when a redistributed task can resume from a
	// checkpoint instead of starting over.
	FromCheckpoint bool
}

// DecideRecovery picks the remedy for a Failed agent. It has no side effects.
//
// Restart is tried while restart attempts remain. After that, an agent
// holding a task has the task moved elsewhere if redistribution is enabled.
// Everything else is rolled back.
func DecideRecovery(cfg Config, rec AgentRecord, hasCheckpoint bool) RecoveryDecision {
	if rec.RestartAttempts < cfg.MaxRestartAttempts {
		return RecoveryDecision{
			Action: RecoveryRestart,
			Reason: fmt.Sprintf("restart attempt %d of %d", rec.RestartAttempts+1, cfg.MaxRestartAttempts),
		}
	}

	if cfg.EnableTaskRedistribution && rec.ActiveTask != "" {
		reason := "restart attempts exhausted, resuming task from latest checkpoint"
		if !hasCheckpoint {
			reason = "restart attempts exhausted, task has no checkpoint and restarts from scratch"
		}
		return RecoveryDecision{
			Action:         RecoveryRedistribute,
			Reason:         reason,
			FromCheckpoint: hasCheckpoint,
		}
	}

	reason := "restart attempts exhausted and no task to redistribute"
	if rec.ActiveTask != "" {
		reason = "restart attempts exhausted and task redistribution disabled"
	}
	return RecoveryDecision{Action: RecoveryRollback, Reason: reason}
}
