package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// RetryConfig defines redelivery behavior for handoffs that a consumer
// failed to process.
type RetryConfig struct {
	// MaxRetries is the maximum number of redelivery attempts (default: 3)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the initial backoff duration (default: 1s)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration (default: 30s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
// Conservative strategy: max 3 retries with exponential backoff 1s/2s/4s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry attempt
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}

	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// StoreConfig is the configuration for handoff stores
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`

	// Retry configuration
	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// StreamMaxLen caps the handoff stream; 0 keeps every entry
	StreamMaxLen int64 `json:"stream_max_len" yaml:"stream_max_len"`

	// MinIdleConns keeps warm connections in the pool
	MinIdleConns int `json:"min_idle_conns" yaml:"min_idle_conns"`

	// TLS enables hardened TLS on the connection
	TLS bool `json:"tls" yaml:"tls"`

	// TLSInsecure skips certificate verification
	TLSInsecure bool `json:"tls_insecure" yaml:"tls_insecure"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "fleetguard:",
		},
		Retry: DefaultRetryConfig(),
	}
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// HandoffStore persists recovery handoffs until the execution engine
// acknowledges them. It is the fault tolerance manager's HandoffSink.
type HandoffStore interface {
	Store
	faulttolerance.HandoffSink

	// Get retrieves a handoff record by ID
	Get(ctx context.Context, id string) (*HandoffRecord, error)

	// Pending returns unacknowledged handoffs that are due for (re)delivery,
	// oldest first
	Pending(ctx context.Context, limit int) ([]*HandoffRecord, error)

	// Ack marks a handoff as processed
	Ack(ctx context.Context, id string) error

	// Nack records a failed processing attempt, scheduling a redelivery
	Nack(ctx context.Context, id string) error

	// Cleanup removes acknowledged handoffs older than the given age
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns statistics about the store
	Stats(ctx context.Context) (*HandoffStoreStats, error)
}

// HandoffRecord is a stored handoff with its delivery bookkeeping
type HandoffRecord struct {
	faulttolerance.Handoff

	// StoredAt is when the handoff was persisted
	StoredAt time.Time `json:"stored_at"`

	// Attempts is the number of failed processing attempts
	Attempts int `json:"attempts"`

	// LastAttemptAt is when the last failed attempt was recorded
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// AckedAt is when the handoff was acknowledged (nil if not acked)
	AckedAt *time.Time `json:"acked_at,omitempty"`
}

// NextRetryTime returns when the record becomes due again
func (r *HandoffRecord) NextRetryTime(cfg RetryConfig) time.Time {
	if r.LastAttemptAt == nil {
		return r.StoredAt
	}
	return r.LastAttemptAt.Add(cfg.CalculateBackoff(r.Attempts - 1))
}

// due reports whether the record should be handed out by Pending
func (r *HandoffRecord) due(now time.Time, cfg RetryConfig) bool {
	if r.AckedAt != nil {
		return false
	}
	if r.Attempts > cfg.MaxRetries {
		return false
	}
	return !now.Before(r.NextRetryTime(cfg))
}

// HandoffStoreStats contains statistics about a handoff store
type HandoffStoreStats struct {
	Total     int64            `json:"total"`
	Pending   int64            `json:"pending"`
	Acked     int64            `json:"acked"`
	Exhausted int64            `json:"exhausted"`
	ByKind    map[string]int64 `json:"by_kind"`
}

func newRecord(h faulttolerance.Handoff, now time.Time) (*HandoffRecord, error) {
	if h.ID == "" || h.TaskID == "" {
		return nil, ErrInvalidInput
	}
	return &HandoffRecord{Handoff: h, StoredAt: now}, nil
}
