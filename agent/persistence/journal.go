package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

// FaultEventRecord is the journal row for one fault tolerance event
type FaultEventRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EventID    string    `gorm:"size:64;uniqueIndex" json:"event_id"`
	Type       string    `gorm:"size:64;not null;index:idx_fault_event_type" json:"type"`
	AgentID    string    `gorm:"size:255;not null;index:idx_fault_event_agent" json:"agent_id"`
	TaskID     string    `gorm:"size:255;index" json:"task_id,omitempty"`
	FromState  string    `gorm:"size:32" json:"from,omitempty"`
	ToState    string    `gorm:"size:32" json:"to,omitempty"`
	Detail     string    `gorm:"size:1024" json:"detail,omitempty"`
	OccurredAt time.Time `gorm:"not null;index:idx_fault_event_time" json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName 指定表名
func (FaultEventRecord) TableName() string {
	return "fleetguard_fault_events"
}

// Event converts the row back to a fault tolerance event
func (r FaultEventRecord) Event() faulttolerance.Event {
	return faulttolerance.Event{
		ID:      r.EventID,
		Type:    faulttolerance.EventType(r.Type),
		AgentID: r.AgentID,
		TaskID:  r.TaskID,
		From:    r.FromState,
		To:      r.ToState,
		Detail:  r.Detail,
		Time:    r.OccurredAt,
	}
}

func recordFromEvent(e faulttolerance.Event) FaultEventRecord {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return FaultEventRecord{
		EventID:    e.ID,
		Type:       string(e.Type),
		AgentID:    e.AgentID,
		TaskID:     e.TaskID,
		FromState:  e.From,
		ToState:    e.To,
		Detail:     e.Detail,
		OccurredAt: e.Time,
	}
}

// MigrateJournal creates or updates the journal table
func MigrateJournal(db *gorm.DB) error {
	if err := db.AutoMigrate(&FaultEventRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// JournalConfig tunes the asynchronous journal writer
type JournalConfig struct {
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultJournalConfig returns the default journal configuration
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		BufferSize:    1024,
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// JournalQuery filters journal reads. Zero values match everything.
type JournalQuery struct {
	AgentID string
	TaskID  string
	Type    faulttolerance.EventType
	Since   time.Time
	Limit   int
}

// EventJournal appends fault tolerance events to a SQL table.
//
// It is an Observer: OnFaultEvent never blocks the manager. Events are
// buffered and written in batches by a background goroutine; when the buffer
// is full the event is dropped and counted.
type EventJournal struct {
	db     *gorm.DB
	config JournalConfig
	logger *zap.Logger

	events chan faulttolerance.Event
	flush  chan chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
	wg      sync.WaitGroup
}

// NewEventJournal migrates the table and starts the writer
func NewEventJournal(db *gorm.DB, config JournalConfig, logger *zap.Logger) (*EventJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("event journal: %w", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultJournalConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if err := MigrateJournal(db); err != nil {
		return nil, err
	}

	j := &EventJournal{
		db:     db,
		config: config,
		logger: logger.With(zap.String("component", "event_journal")),
		events: make(chan faulttolerance.Event, config.BufferSize),
		flush:  make(chan chan struct{}),
		done:   make(chan struct{}),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// OnFaultEvent queues an event for writing
func (j *EventJournal) OnFaultEvent(e faulttolerance.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.events <- e:
	default:
		j.dropped++
		j.logger.Warn("journal buffer full, event dropped",
			zap.String("event_type", string(e.Type)),
			zap.String("agent_id", e.AgentID),
			zap.Int64("dropped_total", j.dropped))
	}
}

// Dropped returns how many events were lost to a full buffer
func (j *EventJournal) Dropped() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Flush blocks until every event queued before the call is written
func (j *EventJournal) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case j.flush <- ack:
	case <-j.done:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer after draining the buffer
func (j *EventJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.done)
	j.mu.Unlock()

	j.wg.Wait()
	return nil
}

// Ping checks the underlying database
func (j *EventJournal) Ping(ctx context.Context) error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (j *EventJournal) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]FaultEventRecord, 0, j.config.BatchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.db.CreateInBatches(batch, j.config.BatchSize).Error; err != nil {
			j.logger.Error("failed to write fault events", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-j.events:
				batch = append(batch, recordFromEvent(e))
				if len(batch) >= j.config.BatchSize {
					write()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case e := <-j.events:
			batch = append(batch, recordFromEvent(e))
			if len(batch) >= j.config.BatchSize {
				write()
			}
		case ack := <-j.flush:
			drain()
			write()
			close(ack)
		case <-ticker.C:
			write()
		case <-j.done:
			drain()
			write()
			return
		}
	}
}

// List returns journaled events, newest first
func (j *EventJournal) List(ctx context.Context, q JournalQuery) ([]faulttolerance.Event, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	tx := j.db.WithContext(ctx).Model(&FaultEventRecord{})
	if q.AgentID != "" {
		tx = tx.Where("agent_id = ?", q.AgentID)
	}
	if q.TaskID != "" {
		tx = tx.Where("task_id = ?", q.TaskID)
	}
	if q.Type != "" {
		tx = tx.Where("type = ?", string(q.Type))
	}
	if !q.Since.IsZero() {
		tx = tx.Where("occurred_at >= ?", q.Since)
	}

	var rows []FaultEventRecord
	if err := tx.Order("occurred_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list fault events: %w", err)
	}

	events := make([]faulttolerance.Event, len(rows))
	for i, r := range rows {
		events[i] = r.Event()
	}
	return events, nil
}

// CountByType aggregates the journal by event type
func (j *EventJournal) CountByType(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Type  string
		Count int64
	}
	err := j.db.WithContext(ctx).Model(&FaultEventRecord{}).
		Select("type, COUNT(*) AS count").
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Type] = r.Count
	}
	return out, nil
}

// Prune deletes events older than the given age
func (j *EventJournal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	return PruneEvents(j.db.WithContext(ctx), time.Now().Add(-olderThan))
}

// PruneEvents deletes journal rows that occurred before cutoff using db,
// which may be a transaction.
func PruneEvents(db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.Where("occurred_at < ?", cutoff).Delete(&FaultEventRecord{})
	return res.RowsAffected, res.Error
}

var _ faulttolerance.Observer = (*EventJournal)(nil)
