package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/stage_delta.lua
var stageDeltaScript string

//go:embed scripts/take_delta.lua
var takeDeltaScript string

const stagedIndexKey = "voice:staged"

// ErrStagingFull is returned when the staged delta bound is reached
var ErrStagingFull = errors.New("too many staged deltas")

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	stageScript   *redis.Script
	takeScript    *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return Wrap(rdb), nil
}

// Wrap builds a Client around an existing connection
func Wrap(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		stageScript:   redis.NewScript(stageDeltaScript),
		takeScript:    redis.NewScript(takeDeltaScript),
	}
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AcquireLock acquires a distributed lock owned by token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
}

// ReleaseLock releases a distributed lock only if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// StageDelta stores a staged delta payload with a TTL, bounded by maxStaged live entries
func (c *Client) StageDelta(ctx context.Context, id string, payload []byte, ttl time.Duration, maxStaged int) error {
	key := fmt.Sprintf("voice:delta:%s", id)
	now := time.Now().UnixMilli()

	result, err := c.stageScript.Run(ctx, c.rdb, []string{key, stagedIndexKey},
		string(payload), ttl.Milliseconds(), now, maxStaged, id).Result()
	if err != nil {
		return fmt.Errorf("stage delta script failed: %w", err)
	}

	stored, ok := result.(int64)
	if !ok {
		return fmt.Errorf("unexpected script result type")
	}
	if stored != 1 {
		return ErrStagingFull
	}
	return nil
}

// PeekDelta reads a staged delta without consuming it. Returns nil when missing.
func (c *Client) PeekDelta(ctx context.Context, id string) ([]byte, error) {
	payload, err := c.rdb.Get(ctx, fmt.Sprintf("voice:delta:%s", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delta: %w", err)
	}
	return payload, nil
}

// TakeDelta atomically reads and removes a staged delta. Returns nil when the delta
// is unknown or already expired.
func (c *Client) TakeDelta(ctx context.Context, id string) ([]byte, error) {
	key := fmt.Sprintf("voice:delta:%s", id)

	result, err := c.takeScript.Run(ctx, c.rdb, []string{key, stagedIndexKey}, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take delta script failed: %w", err)
	}

	payload, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected script result type")
	}
	return []byte(payload), nil
}
