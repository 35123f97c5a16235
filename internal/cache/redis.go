// Package cache provides a Redis read-through cache for batch timelines.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a cached timeline may lag the ledger when an
// invalidation is lost.
const DefaultTTL = 30 * time.Second

const keyPrefix = "tracker:timeline:"

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis caches timelines as JSON under one key per batch.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.TTL, logger), nil
}

// New wraps an existing client. ttl defaults to DefaultTTL.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// Key returns the cache key for a batch timeline.
func Key(batchID string) string { return keyPrefix + batchID }

// Get implements service.TimelineCache.
func (c *Redis) Get(ctx context.Context, batchID string) (*model.Timeline, bool, error) {
	data, err := c.client.Get(ctx, Key(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached timeline: %w", err)
	}
	tl, err := Decode(data)
	if err != nil {
		// A malformed entry is treated as a miss and dropped.
		c.logger.Warn("discarding unreadable cached timeline", zap.String("batch_id", batchID), zap.Error(err))
		_ = c.client.Del(ctx, Key(batchID)).Err()
		return nil, false, nil
	}
	return tl, true, nil
}

// Set implements service.TimelineCache.
func (c *Redis) Set(ctx context.Context, tl *model.Timeline) error {
	data, err := Encode(tl)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, Key(tl.Batch.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached timeline: %w", err)
	}
	return nil
}

// Invalidate implements service.TimelineCache.
func (c *Redis) Invalidate(ctx context.Context, batchID string) error {
	if err := c.client.Del(ctx, Key(batchID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached timeline: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Redis) Close() error {
	return c.client.Close()
}

// cachedTimeline is the stored form. Anchoring status is not cached; it is
// looked up on every read.
type cachedTimeline struct {
	Batch  *model.Batch   `json:"batch"`
	Events []*model.Event `json:"events"`
}

// Encode serialises the batch and events of tl.
func Encode(tl *model.Timeline) ([]byte, error) {
	if tl == nil || tl.Batch == nil {
		return nil, errors.New("encode timeline: missing batch")
	}
	data, err := json.Marshal(cachedTimeline{Batch: tl.Batch, Events: tl.Events})
	if err != nil {
		return nil, fmt.Errorf("encode timeline: %w", err)
	}
	return data, nil
}

// Decode parses data written by Encode.
func Decode(data []byte) (*model.Timeline, error) {
	var ct cachedTimeline
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}
	if ct.Batch == nil {
		return nil, errors.New("decode timeline: missing batch")
	}
	return &model.Timeline{Batch: ct.Batch, Events: ct.Events}, nil
}
