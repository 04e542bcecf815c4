package faulttolerance

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 32

// agentEntry is the live record of one agent. All fields are guarded by mu.
type agentEntry struct {
	mu sync.Mutex

	id                string
	health            HealthState
	lastHeartbeat     time.Time
	unresponsiveSince time.Time
	activeTask        string
	registeredAt      time.Time
	restartAttempts   uint32

	// generation changes whenever the entry is reset or removed; timers
	// compare it to detect that the state they were armed for is gone.
	generation uint64

	// failureEpisode is set when the agent is handed to recovery and cleared
	// only by a reset, so each failure is enqueued once.
	failureEpisode bool
	removed        bool

	breaker breakerState
	confirm *restartConfirmation
}

// restartConfirmation is an armed post-restart watch. Whoever clears
// agentEntry.confirm owns resolving it.
type restartConfirmation struct {
	generation uint64
	deadline   time.Time
	timer      Timer
}

func (e *agentEntry) snapshotLocked() AgentRecord {
	return AgentRecord{
		AgentID:       e.id,
		Health:        e.health,
		LastHeartbeat: e.lastHeartbeat,
		ActiveTask:    e.activeTask,
		Circuit: CircuitBreakerState{
			State:    e.breaker.state,
			OpenedAt: timePtr(e.breaker.openedAt),
		},
		ConsecutiveFailures: e.breaker.consecutiveFailures,
		RestartAttempts:     e.restartAttempts,
		RegisteredAt:        e.registeredAt,
		generation:          e.generation,
	}
}

// resetLocked returns the entry to a fresh Healthy/Closed state. Restart
// attempts survive unless clearAttempts is set.
func (e *agentEntry) resetLocked(now time.Time, generation uint64, clearAttempts bool) *restartConfirmation {
	e.health = HealthHealthy
	e.lastHeartbeat = now
	e.unresponsiveSince = time.Time{}
	e.activeTask = ""
	e.failureEpisode = false
	e.generation = generation
	e.breaker = breakerState{state: CircuitClosed, lastTransition: now}
	if clearAttempts {
		e.restartAttempts = 0
	}
	pending := e.confirm
	e.confirm = nil
	return pending
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[string]*agentEntry
}

// AgentRegistry is the sharded store of agent entries. Shard locks are held
// only for map access; state changes happen under the entry's own lock.
type AgentRegistry struct {
	shards     [registryShards]*registryShard
	generation atomic.Uint64
	size       atomic.Int64
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	r := &AgentRegistry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{entries: make(map[string]*agentEntry)}
	}
	return r
}

func (r *AgentRegistry) shard(id string) *registryShard {
	return r.shards[xxhash.Sum64String(id)%registryShards]
}

func (r *AgentRegistry) nextGeneration() uint64 {
	return r.generation.Add(1)
}

// registerResult tells the caller what register did.
type registerResult int

const (
	registerCreated registerResult = iota
	registerExisting
	registerReset
)

// register creates a Healthy entry, leaves a live entry untouched, or resets
// a Failed one. A pending restart confirmation discarded by the reset is
// returned so the caller can resolve it.
func (r *AgentRegistry) register(id string, now time.Time) (registerResult, *restartConfirmation) {
	s := r.shard(id)

	for {
		s.mu.Lock()
		e, ok := s.entries[id]
		if !ok {
			e = &agentEntry{id: id, registeredAt: now}
			e.resetLocked(now, r.nextGeneration(), true)
			s.entries[id] = e
			s.mu.Unlock()
			r.size.Add(1)
			return registerCreated, nil
		}
		s.mu.Unlock()

		res, pending, live := r.reregister(e, now)
		if live {
			return res, pending
		}
		// Lost a race with unregister; the id is free again.
	}
}

func (r *AgentRegistry) reregister(e *agentEntry, now time.Time) (registerResult, *restartConfirmation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return 0, nil, false
	}
	if e.health != HealthFailed {
		return registerExisting, nil, true
	}
	e.registeredAt = now
	return registerReset, e.resetLocked(now, r.nextGeneration(), true), true
}

// unregister removes the entry. The removed entry is marked so that holders
// of a stale pointer see it is gone.
func (r *AgentRegistry) unregister(id string) (bool, *restartConfirmation) {
	s := r.shard(id)

	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	r.size.Add(-1)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	e.generation = r.nextGeneration()
	pending := e.confirm
	e.confirm = nil
	return true, pending
}

func (r *AgentRegistry) lookup(id string) (*agentEntry, bool) {
	s := r.shard(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// withAgent runs fn under the entry lock. It reports false if the agent is
// not registered.
func (r *AgentRegistry) withAgent(id string, fn func(e *agentEntry)) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn(e)
	return true
}

// entries returns the live entries at the time of the call.
func (r *AgentRegistry) entries() []*agentEntry {
	out := make([]*agentEntry, 0, r.Len())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out
}

// Snapshot returns a copy of the agent's record.
func (r *AgentRegistry) Snapshot(id string) (AgentRecord, bool) {
	var rec AgentRecord
	ok := r.withAgent(id, func(e *agentEntry) {
		rec = e.snapshotLocked()
	})
	return rec, ok
}

// Records returns copies of every record, ordered by agent id.
func (r *AgentRegistry) Records() []AgentRecord {
	entries := r.entries()
	out := make([]AgentRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.snapshotLocked())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// HealthAll returns the health of every registered agent.
func (r *AgentRegistry) HealthAll() map[string]HealthState {
	entries := r.entries()
	out := make(map[string]HealthState, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out[e.id] = e.health
		}
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int {
	return int(r.size.Load())
}
