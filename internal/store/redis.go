package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/forecastra/abrouter/internal/api"
)

const redisKeyPrefix = "abr:experiment:"

// RedisStore persists each experiment as a JSON blob under a prefixed key,
// with a set tracking the registry membership so SaveAll can drop removed
// ids.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed experiment store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) LoadAll(ctx context.Context) (map[string]*api.Experiment, error) {
	ids, err := r.client.SMembers(ctx, redisKeyPrefix+"ids").Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}

	out := make(map[string]*api.Experiment, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, redisKeyPrefix+id).Result()
		if err == redis.Nil {
			continue // membership set ahead of a deleted key; skip
		}
		if err != nil {
			return nil, fmt.Errorf("redis GET failed for %s: %w", id, err)
		}

		var exp api.Experiment
		if err := json.Unmarshal([]byte(data), &exp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal experiment %s: %w", id, err)
		}
		out[id] = &exp
	}

	return out, nil
}

func (r *RedisStore) SaveAll(ctx context.Context, experiments map[string]*api.Experiment) error {
	pipe := r.client.TxPipeline()

	pipe.Del(ctx, redisKeyPrefix+"ids")
	for id, exp := range experiments {
		data, err := json.Marshal(exp)
		if err != nil {
			return fmt.Errorf("failed to marshal experiment %s: %w", id, err)
		}
		pipe.Set(ctx, redisKeyPrefix+id, data, 0)
		pipe.SAdd(ctx, redisKeyPrefix+"ids", id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
