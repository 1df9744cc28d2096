// Package redis implements storage.QueueStore on Redis. Each record is a
// Hash holding the serialized call; a Sorted Set scored by a monotonically
// increasing counter keeps persist order for ListPending.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "beaver:"

var _ storage.QueueStore = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix sets the key namespace. Two dispatchers sharing a Redis
// server need distinct prefixes.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store is a Redis-backed queue store.
type Store struct {
	client goredis.Cmdable
	prefix string
	logger *slog.Logger
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// recordKey returns the Hash key of one record: {prefix}queued:{id}
func (s *Store) recordKey(id string) string { return s.prefix + "queued:" + id }

// pendingKey is the Sorted Set of store ids scored by persist order.
func (s *Store) pendingKey() string { return s.prefix + "pending" }

// seqKey is the counter that provides persist order.
func (s *Store) seqKey() string { return s.prefix + "pending_seq" }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Persist stores rec as a Hash and indexes it in the pending set.
func (s *Store) Persist(ctx context.Context, rec types.QueuedCall) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("storage/redis: marshal %s: %w", rec.TaskID, err)
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("storage/redis: next seq: %w", err)
	}

	id := uuid.NewString()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.recordKey(id),
		"task_id", string(rec.TaskID),
		"operation", rec.Operation,
		"call", string(raw),
		"persisted_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, s.pendingKey(), goredis.Z{Score: float64(seq), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("storage/redis: persist %s: %w", rec.TaskID, err)
	}
	return id, nil
}

// Remove deletes a record and its index entry.
func (s *Store) Remove(ctx context.Context, storeID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.recordKey(storeID))
	rem := pipe.ZRem(ctx, s.pendingKey(), storeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storage/redis: remove %s: %w", storeID, err)
	}
	if del.Val() == 0 && rem.Val() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, storeID)
	}
	return nil
}

// ListPending returns records in persist order. An index entry whose Hash is
// missing or undecodable comes back with Err set.
func (s *Store) ListPending(ctx context.Context) ([]storage.Pending, error) {
	ids, err := s.client.ZRange(ctx, s.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("storage/redis: list pending: %w", err)
	}

	out := make([]storage.Pending, 0, len(ids))
	for _, id := range ids {
		p := storage.Pending{StoreID: id}
		raw, err := s.client.HGet(ctx, s.recordKey(id), "call").Result()
		switch {
		case errors.Is(err, goredis.Nil):
			p.Err = fmt.Errorf("storage/redis: record %s has no body", id)
			s.logger.Warn("Pending index entry without record", "store_id", id, "key", s.recordKey(id))
		case err != nil:
			return nil, fmt.Errorf("storage/redis: get %s: %w", id, err)
		default:
			if err := json.Unmarshal([]byte(raw), &p.Call); err != nil {
				p.Err = fmt.Errorf("storage/redis: decode %s: %w", id, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
