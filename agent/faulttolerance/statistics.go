package faulttolerance

import (
	"sync/atomic"
	"time"
)

// statsCounters holds the recovery counters. Every field is updated
// atomically so readers never observe a torn value.
type statsCounters struct {
	total           atomic.Uint64
	successful      atomic.Uint64
	failed          atomic.Uint64
	restarts        atomic.Uint64
	redistributions atomic.Uint64
	rollbacks       atomic.Uint64
	unhandled       atomic.Uint64
	lastRecovery    atomic.Int64 // unix nanos, 0 means never
}

func (s *statsCounters) recordAttempt(now time.Time) {
	s.total.Add(1)
	s.lastRecovery.Store(now.UnixNano())
}

func (s *statsCounters) snapshot() RecoveryStatistics {
	out := RecoveryStatistics{
		TotalRecoveryAttempts: s.total.Load(),
		SuccessfulRecoveries:  s.successful.Load(),
		FailedRecoveries:      s.failed.Load(),
		AgentRestarts:         s.restarts.Load(),
		TaskRedistributions:   s.redistributions.Load(),
		TaskRollbacks:         s.rollbacks.Load(),
		UnhandledFailures:     s.unhandled.Load(),
	}
	if ns := s.lastRecovery.Load(); ns != 0 {
		t := time.Unix(0, ns)
		out.LastRecovery = &t
	}
	return out
}
