package faulttolerance

import (
	"context"
	"sort"
	"time"
)

// HandoffKind says what the execution engine is asked to do with a task.
type HandoffKind string

const (
	// HandoffRedistribute resumes the task on another agent.
	HandoffRedistribute HandoffKind = "redistribute"
	// HandoffRollback abandons the task for external intervention.
	HandoffRollback HandoffKind = "rollback"
)

// Handoff is a recovery decision about a task, addressed to the execution
// engine. Checkpoint is nil when the task never checkpointed.
type Handoff struct {
	ID         string      `json:"id"`
	Kind       HandoffKind `json:"kind"`
	TaskID     string      `json:"task_id"`
	FromAgent  string      `json:"from_agent"`
	ToAgent    string      `json:"to_agent,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	Reason     string      `json:"reason"`
	DecidedAt  time.Time   `json:"decided_at"`
}

// HandoffSink delivers handoffs to whoever executes tasks.
type HandoffSink interface {
	Deliver(ctx context.Context, h Handoff) error
}

// HandoffSinkFunc adapts a function to HandoffSink.
type HandoffSinkFunc func(ctx context.Context, h Handoff) error

func (f HandoffSinkFunc) Deliver(ctx context.Context, h Handoff) error { return f(ctx, h) }

// AgentSelector orders redistribution candidates by preference. Candidates
// are Healthy agents other than the failed one; the orchestrator picks the
// first whose circuit admits a task.
type AgentSelector interface {
	Rank(failedAgentID string, candidates []AgentRecord) []AgentRecord
}

// AgentSelectorFunc adapts a function to AgentSelector.
type AgentSelectorFunc func(failedAgentID string, candidates []AgentRecord) []AgentRecord

func (f AgentSelectorFunc) Rank(failedAgentID string, candidates []AgentRecord) []AgentRecord {
	return f(failedAgentID, candidates)
}

// IdleFirstSelector prefers agents without an active task, then agent id.
type IdleFirstSelector struct{}

func (IdleFirstSelector) Rank(_ string, candidates []AgentRecord) []AgentRecord {
	out := append([]AgentRecord(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := out[i].ActiveTask != "", out[j].ActiveTask != ""
		if bi != bj {
			return !bi
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
