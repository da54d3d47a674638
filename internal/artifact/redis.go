package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs Store and StateStore with Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis connects to the given Redis URL and verifies the connection.
func DialRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("writing artifact %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading artifact %q: %w", key, err)
	}
	return val, true, nil
}

// SaveState writes the state JSON and maintains the active-run index. A
// terminal run is dropped from the index and its state key expires.
func (s *RedisStore) SaveState(ctx context.Context, runID string, state []byte, terminal bool) error {
	key := StateKey(runID)
	if err := s.client.Set(ctx, key, state, 0).Err(); err != nil {
		return fmt.Errorf("persisting state for run %q: %w", runID, err)
	}
	if terminal {
		if err := s.client.SRem(ctx, activeRunsKey, runID).Err(); err != nil {
			return fmt.Errorf("deindexing run %q: %w", runID, err)
		}
		if err := s.client.Expire(ctx, key, RetainTerminal).Err(); err != nil {
			return fmt.Errorf("expiring state for run %q: %w", runID, err)
		}
		return nil
	}
	if err := s.client.SAdd(ctx, activeRunsKey, runID).Err(); err != nil {
		return fmt.Errorf("indexing run %q: %w", runID, err)
	}
	return nil
}

func (s *RedisStore) LoadState(ctx context.Context, runID string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, StateKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading state for run %q: %w", runID, err)
	}
	return val, true, nil
}

func (s *RedisStore) ActiveRuns(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeRunsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active runs: %w", err)
	}
	return ids, nil
}
