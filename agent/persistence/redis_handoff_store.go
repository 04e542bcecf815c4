package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
	"github.com/BaSui01/fleetguard/internal/tlsutil"
)

// RedisHandoffStore is a Redis-based implementation of HandoffStore.
// Suitable for distributed production deployments.
//
// Every handoff is stored as a JSON document, indexed in a pending sorted
// set until acknowledged, and announced on a Redis stream so that execution
// engines can follow new handoffs with XREAD.
type RedisHandoffStore struct {
	client    *redis.Client
	keyPrefix string
	config    StoreConfig
	now       func() time.Time
}

// NewRedisHandoffStore creates a new Redis-based handoff store
func NewRedisHandoffStore(config StoreConfig) (*RedisHandoffStore, error) {
	opts := &redis.Options{
		Addr:         config.Redis.Addr,
		Password:     config.Redis.Password,
		DB:           config.Redis.DB,
		PoolSize:     config.Redis.PoolSize,
		MinIdleConns: config.Redis.MinIdleConns,
	}
	if config.Redis.TLS {
		host, _, _ := net.SplitHostPort(config.Redis.Addr)
		opts.TLSConfig = tlsutil.ClientTLSConfig(host, config.Redis.TLSInsecure)
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisHandoffStoreWithClient(client, config), nil
}

// NewRedisHandoffStoreWithClient wraps an existing client. The store takes
// ownership of the client and closes it on Close.
func NewRedisHandoffStoreWithClient(client *redis.Client, config StoreConfig) *RedisHandoffStore {
	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "fleetguard:"
	}
	return &RedisHandoffStore{
		client:    client,
		keyPrefix: keyPrefix + "handoff:",
		config:    config,
		now:       time.Now,
	}
}

// Close closes the store
func (s *RedisHandoffStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisHandoffStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisHandoffStore) dataKey(id string) string { return s.keyPrefix + "data:" + id }
func (s *RedisHandoffStore) pendingKey() string      { return s.keyPrefix + "pending" }
func (s *RedisHandoffStore) ackedKey() string        { return s.keyPrefix + "acked" }

// StreamKey returns the stream new handoffs are announced on
func (s *RedisHandoffStore) StreamKey() string { return s.keyPrefix + "stream" }

// Deliver persists a handoff. Delivering the same ID twice is a no-op.
func (s *RedisHandoffStore) Deliver(ctx context.Context, h faulttolerance.Handoff) error {
	rec, err := newRecord(h, s.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.dataKey(h.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store handoff: %w", err)
	}
	if !created {
		return nil
	}

	args := &redis.XAddArgs{
		Stream: s.StreamKey(),
		Values: map[string]any{
			"id":         h.ID,
			"kind":       string(h.Kind),
			"task_id":    h.TaskID,
			"from_agent": h.FromAgent,
			"to_agent":   h.ToAgent,
		},
	}
	if s.config.Redis.StreamMaxLen > 0 {
		args.MaxLen = s.config.Redis.StreamMaxLen
		args.Approx = true
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.pendingKey(), redis.Z{
		Score:  float64(rec.StoredAt.UnixNano()),
		Member: h.ID,
	})
	pipe.XAdd(ctx, args)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index handoff: %w", err)
	}
	return nil
}

// Get retrieves a handoff record by ID
func (s *RedisHandoffStore) Get(ctx context.Context, id string) (*HandoffRecord, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec HandoffRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handoff %s: %w", id, err)
	}
	return &rec, nil
}

func (s *RedisHandoffStore) put(ctx context.Context, pipe redis.Pipeliner, rec *HandoffRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.dataKey(rec.ID), data, 0)
	return nil
}

// Pending returns due, unacknowledged handoffs, oldest first
func (s *RedisHandoffStore) Pending(ctx context.Context, limit int) ([]*HandoffRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.now()

	ids, err := s.client.ZRange(ctx, s.pendingKey(), 0, int64(limit*2)).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*HandoffRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if !rec.due(now, s.config.Retry) {
			continue
		}
		result = append(result, rec)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Ack marks a handoff as processed
func (s *RedisHandoffStore) Ack(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.AckedAt != nil {
		return nil
	}
	now := s.now()
	rec.AckedAt = &now

	pipe := s.client.TxPipeline()
	if err := s.put(ctx, pipe, rec); err != nil {
		return err
	}
	pipe.ZRem(ctx, s.pendingKey(), id)
	pipe.ZAdd(ctx, s.ackedKey(), redis.Z{Score: float64(now.UnixNano()), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

// Nack records a failed processing attempt
func (s *RedisHandoffStore) Nack(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	rec.Attempts++
	rec.LastAttemptAt = &now

	pipe := s.client.TxPipeline()
	if err := s.put(ctx, pipe, rec); err != nil {
		return err
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Cleanup removes acknowledged handoffs older than the given age
func (s *RedisHandoffStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan).UnixNano()

	ids, err := s.client.ZRangeByScore(ctx, s.ackedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	members := make([]any, len(ids))
	for i, id := range ids {
		pipe.Del(ctx, s.dataKey(id))
		members[i] = id
	}
	pipe.ZRem(ctx, s.ackedKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Stats returns statistics about the store
func (s *RedisHandoffStore) Stats(ctx context.Context) (*HandoffStoreStats, error) {
	stats := &HandoffStoreStats{ByKind: make(map[string]int64)}

	pending, err := s.client.ZRange(ctx, s.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	acked, err := s.client.ZCard(ctx, s.ackedKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.Acked = acked

	for _, id := range pending {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		stats.ByKind[string(rec.Kind)]++
		if rec.Attempts > s.config.Retry.MaxRetries {
			stats.Exhausted++
		} else {
			stats.Pending++
		}
	}
	stats.Total = stats.Pending + stats.Exhausted + stats.Acked
	return stats, nil
}

// StreamLength returns the number of entries on the handoff stream
func (s *RedisHandoffStore) StreamLength(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, s.StreamKey()).Result()
}

// Ensure RedisHandoffStore implements HandoffStore
var _ HandoffStore = (*RedisHandoffStore)(nil)
