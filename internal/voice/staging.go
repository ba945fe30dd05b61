package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"surplus-service/internal/models"
	"surplus-service/internal/redisclient"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrStagingFull is returned when too many deltas await confirmation
var ErrStagingFull = errors.New("too many staged deltas")

// Staging holds deltas until confirmed, discarded or timed out. Each store enforces its
// own TTL; ExpiresAt on the delta is informational.
// Take returns nil when the delta is unknown or expired; a delta is taken at most once.
type Staging interface {
	Stage(ctx context.Context, delta *models.StagedDelta) error
	Peek(ctx context.Context, id string) (*models.StagedDelta, error)
	Take(ctx context.Context, id string) (*models.StagedDelta, error)
}

// RedisStaging keeps staged deltas in Redis so any instance can confirm them
type RedisStaging struct {
	client    *redisclient.Client
	maxStaged int
	ttl       time.Duration
}

func NewRedisStaging(client *redisclient.Client, maxStaged int, ttl time.Duration) *RedisStaging {
	return &RedisStaging{client: client, maxStaged: maxStaged, ttl: ttl}
}

func (s *RedisStaging) Stage(ctx context.Context, delta *models.StagedDelta) error {
	payload, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("failed to marshal delta: %w", err)
	}
	err = s.client.StageDelta(ctx, delta.ID, payload, s.ttl, s.maxStaged)
	if errors.Is(err, redisclient.ErrStagingFull) {
		return ErrStagingFull
	}
	return err
}

func (s *RedisStaging) Peek(ctx context.Context, id string) (*models.StagedDelta, error) {
	payload, err := s.client.PeekDelta(ctx, id)
	if err != nil || payload == nil {
		return nil, err
	}
	return decodeDelta(payload)
}

func (s *RedisStaging) Take(ctx context.Context, id string) (*models.StagedDelta, error) {
	payload, err := s.client.TakeDelta(ctx, id)
	if err != nil || payload == nil {
		return nil, err
	}
	return decodeDelta(payload)
}

func decodeDelta(payload []byte) (*models.StagedDelta, error) {
	var delta models.StagedDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delta: %w", err)
	}
	return &delta, nil
}

// MemoryStaging keeps staged deltas in a TTL cache local to this process
type MemoryStaging struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, models.StagedDelta]
	max   int
}

func NewMemoryStaging(maxStaged int, ttl time.Duration) *MemoryStaging {
	return &MemoryStaging{
		cache: expirable.NewLRU[string, models.StagedDelta](maxStaged, nil, ttl),
		max:   maxStaged,
	}
}

func (s *MemoryStaging) Stage(ctx context.Context, delta *models.StagedDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cache.Keys()) >= s.max {
		return ErrStagingFull
	}
	s.cache.Add(delta.ID, *delta)
	return nil
}

func (s *MemoryStaging) Peek(ctx context.Context, id string) (*models.StagedDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta, ok := s.cache.Peek(id)
	if !ok {
		return nil, nil
	}
	return &delta, nil
}

func (s *MemoryStaging) Take(ctx context.Context, id string) (*models.StagedDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta, ok := s.cache.Peek(id)
	if !ok {
		return nil, nil
	}
	s.cache.Remove(id)
	return &delta, nil
}
