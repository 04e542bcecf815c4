package faulttolerance

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/types"
)

const checkpointShards = 32

type checkpointShard struct {
	mu    sync.RWMutex
	tasks map[string][]Checkpoint // ordered by CreatedAt, oldest first
}

// CheckpointStore keeps the most recent checkpoints of each task in memory.
// Stored checkpoints are never handed out; readers get deep copies.
type CheckpointStore struct {
	maxPerTask int
	clock      Clock
	shards     [checkpointShards]*checkpointShard
	logger     *zap.Logger
}

// NewCheckpointStore creates a store retaining at most maxPerTask
// checkpoints per task. A nil clock means the wall clock.
func NewCheckpointStore(maxPerTask int, clock Clock, logger *zap.Logger) *CheckpointStore {
	if maxPerTask <= 0 {
		maxPerTask = 1
	}
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CheckpointStore{
		maxPerTask: maxPerTask,
		clock:      clock,
		logger:     logger.With(zap.String("component", "checkpoint_store")),
	}
	for i := range s.shards {
		s.shards[i] = &checkpointShard{tasks: make(map[string][]Checkpoint)}
	}
	return s
}

func (s *CheckpointStore) shard(taskID string) *checkpointShard {
	return s.shards[xxhash.Sum64String(taskID)%checkpointShards]
}

// Create records a checkpoint and evicts the oldest ones beyond the limit.
func (s *CheckpointStore) Create(taskID, agentID string, state TaskState, progress TaskProgress, ctx map[string]any) (Checkpoint, error) {
	if taskID == "" {
		return Checkpoint{}, types.NewInvalidRequestError("task id is required")
	}

	progress.Percentage = clampUnit(progress.Percentage)
	cp := Checkpoint{
		ID:        "ckpt_" + uuid.NewString(),
		TaskID:    taskID,
		AgentID:   agentID,
		TaskState: state,
		Progress:  progress,
		Context:   ctx,
		CreatedAt: s.clock.Now(),
	}.clone()

	sh := s.shard(taskID)
	sh.mu.Lock()
	list := sh.tasks[taskID]
	// Equal timestamps keep insertion order.
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(cp.CreatedAt) })
	list = append(list, Checkpoint{})
	copy(list[i+1:], list[i:])
	list[i] = cp
	evicted := 0
	if over := len(list) - s.maxPerTask; over > 0 {
		evicted = over
		list = append([]Checkpoint(nil), list[over:]...)
	}
	sh.tasks[taskID] = list
	sh.mu.Unlock()

	s.logger.Debug("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.Float64("progress", cp.Progress.Percentage),
		zap.Int("evicted", evicted))

	return cp.clone(), nil
}

// Latest returns the most recent checkpoint of the task.
func (s *CheckpointStore) Latest(taskID string) (Checkpoint, bool) {
	sh := s.shard(taskID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	list := sh.tasks[taskID]
	if len(list) == 0 {
		return Checkpoint{}, false
	}
	return list[len(list)-1].clone(), true
}

// List returns the retained checkpoints of the task, oldest first.
func (s *CheckpointStore) List(taskID string) []Checkpoint {
	sh := s.shard(taskID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	list := sh.tasks[taskID]
	out := make([]Checkpoint, len(list))
	for i := range list {
		out[i] = list[i].clone()
	}
	return out
}

// Clear drops every checkpoint of the task and returns how many were removed.
func (s *CheckpointStore) Clear(taskID string) int {
	sh := s.shard(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := len(sh.tasks[taskID])
	delete(sh.tasks, taskID)
	return n
}

func clampUnit(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
