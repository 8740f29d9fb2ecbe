// ABOUTME: Redis implementation of SnapshotStore using go-redis
// ABOUTME: Stores each account's snapshot as one JSON string key with an optional TTL

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/inbox-sync/internal/inbox"
)

// DefaultKeyPrefix namespaces snapshot keys.
const DefaultKeyPrefix = "inbox-sync:snapshot:"

// RedisConfig configures the Redis snapshot store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires snapshots that were not refreshed. Zero keeps them forever.
	TTL time.Duration
}

// RedisStore implements SnapshotStore on Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return newRedisStore(client, cfg), nil
}

func newRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: slog.Default().With("component", "store", "driver", "redis"),
	}
}

func (s *RedisStore) key(accountID string) string {
	return s.prefix + accountID
}

// Save stores the snapshot for accountID.
func (s *RedisStore) Save(ctx context.Context, accountID string, snap *inbox.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(accountID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	s.logger.Debug("saved snapshot", "account_id", accountID, "size", len(payload))
	return nil
}

// Load retrieves the snapshot for accountID.
// Returns ErrNotFound if the key does not exist.
func (s *RedisStore) Load(ctx context.Context, accountID string) (*inbox.Snapshot, error) {
	payload, err := s.client.Get(ctx, s.key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	var snap inbox.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot for accountID.
func (s *RedisStore) Delete(ctx context.Context, accountID string) error {
	if err := s.client.Del(ctx, s.key(accountID)).Err(); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
