package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

func setupJournalDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestJournal(t *testing.T, cfg JournalConfig) *EventJournal {
	t.Helper()
	j, err := NewEventJournal(setupJournalDB(t), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func journalEvent(i int, typ faulttolerance.EventType, agent string, at time.Time) faulttolerance.Event {
	return faulttolerance.Event{
		ID:      fmt.Sprintf("evt-%d", i),
		Type:    typ,
		AgentID: agent,
		TaskID:  fmt.Sprintf("task-%d", i%2),
		Time:    at,
	}
}

func TestEventJournal_WriteAndList(t *testing.T) {
	j := newTestJournal(t, JournalConfig{BatchSize: 4, FlushInterval: time.Hour})
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		typ := faulttolerance.EventAgentFailed
		if i%3 == 0 {
			typ = faulttolerance.EventCircuitOpened
		}
		agent := "agent-a"
		if i%2 == 1 {
			agent = "agent-b"
		}
		j.OnFaultEvent(journalEvent(i, typ, agent, base.Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, j.Flush(ctx))

	all, err := j.List(ctx, JournalQuery{})
	require.NoError(t, err)
	require.Len(t, all, 10)
	assert.Equal(t, "evt-9", all[0].ID, "newest first")
	assert.Equal(t, "evt-0", all[9].ID)

	byAgent, err := j.List(ctx, JournalQuery{AgentID: "agent-b"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 5)
	for _, e := range byAgent {
		assert.Equal(t, "agent-b", e.AgentID)
	}

	byType, err := j.List(ctx, JournalQuery{Type: faulttolerance.EventCircuitOpened})
	require.NoError(t, err)
	assert.Len(t, byType, 4)

	since, err := j.List(ctx, JournalQuery{Since: base.Add(7 * time.Second), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	counts, err := j.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[string(faulttolerance.EventCircuitOpened)])
	assert.Equal(t, int64(6), counts[string(faulttolerance.EventAgentFailed)])
}

func TestEventJournal_CloseDrainsBuffer(t *testing.T) {
	db := setupJournalDB(t)
	j, err := NewEventJournal(db, JournalConfig{BatchSize: 100, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		j.OnFaultEvent(journalEvent(i, faulttolerance.EventAgentRestarted, "agent-a", time.Now()))
	}
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	var count int64
	require.NoError(t, db.Model(&FaultEventRecord{}).Count(&count).Error)
	assert.Equal(t, int64(5), count)

	// events after close are ignored
	j.OnFaultEvent(journalEvent(99, faulttolerance.EventAgentRestarted, "agent-a", time.Now()))
	assert.ErrorIs(t, j.Flush(context.Background()), ErrStoreClosed)
}

func TestEventJournal_MissingIDIsAssigned(t *testing.T) {
	j := newTestJournal(t, JournalConfig{})
	ctx := context.Background()

	j.OnFaultEvent(faulttolerance.Event{Type: faulttolerance.EventAgentFailed, AgentID: "a", Time: time.Now()})
	j.OnFaultEvent(faulttolerance.Event{Type: faulttolerance.EventAgentFailed, AgentID: "a", Time: time.Now()})
	require.NoError(t, j.Flush(ctx))

	events, err := j.List(ctx, JournalQuery{AgentID: "a"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestEventJournal_Prune(t *testing.T) {
	j := newTestJournal(t, JournalConfig{})
	ctx := context.Background()

	j.OnFaultEvent(journalEvent(1, faulttolerance.EventAgentFailed, "a", time.Now().Add(-48*time.Hour)))
	j.OnFaultEvent(journalEvent(2, faulttolerance.EventAgentFailed, "a", time.Now()))
	require.NoError(t, j.Flush(ctx))

	n, err := j.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := j.List(ctx, JournalQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-2", events[0].ID)
	assert.NoError(t, j.Ping(ctx))
}

func TestEventJournal_AsManagerObserver(t *testing.T) {
	j := newTestJournal(t, JournalConfig{})
	ctx := context.Background()

	cfg := faulttolerance.DefaultConfig()
	mgr, err := faulttolerance.New(cfg,
		faulttolerance.WithLogger(zaptest.NewLogger(t)),
		faulttolerance.WithObserver(j))
	require.NoError(t, err)

	require.NoError(t, mgr.RegisterAgent("agent-a"))
	for i := 0; i < int(cfg.CircuitBreakerFailureThreshold); i++ {
		require.NoError(t, mgr.RecordTaskResult("agent-a", false, time.Millisecond))
	}
	require.NoError(t, j.Flush(ctx))

	events, err := j.List(ctx, JournalQuery{AgentID: "agent-a"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, faulttolerance.EventCircuitOpened, events[0].Type)
	assert.Equal(t, "closed", events[0].From)
	assert.Equal(t, "open", events[0].To)
	assert.Equal(t, faulttolerance.EventAgentRegistered, events[1].Type)
}

func TestNewEventJournal_NilDB(t *testing.T) {
	_, err := NewEventJournal(nil, DefaultJournalConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
