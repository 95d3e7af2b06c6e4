// Package results caches the latest JobResult of every job in Redis so
// producers can poll for completion without touching the worker.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"videoworker/config"
	"videoworker/models"

	"github.com/redis/go-redis/v9"
)

const ResultKeyPrefix = "result:"

// Key returns the Redis key of a job's result.
func Key(jobID string) string {
	return ResultKeyPrefix + jobID
}

// Cache stores job results for a limited time.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache returns nil when no Redis address is configured.
func NewCache(s config.RedisSettings) *Cache {
	if s.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
	return &Cache{client: client, ttl: s.ResultTTL}
}

// Put stores result under result:<jobID>, replacing any earlier attempt.
func (c *Cache) Put(ctx context.Context, result models.JobResult) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return c.client.Set(ctx, Key(result.JobID), data, c.ttl).Err()
}

// Get returns the cached result, nil if none is cached.
func (c *Cache) Get(ctx context.Context, jobID string) (*models.JobResult, error) {
	if c == nil {
		return nil, nil
	}
	data, err := c.client.Get(ctx, Key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result models.JobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
