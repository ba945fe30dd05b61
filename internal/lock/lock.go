// Package lock provides short-lived per-key mutual exclusion with bounded waits.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"surplus-service/internal/redisclient"
	"surplus-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when the lock is still held after the wait bound
var ErrNotAcquired = errors.New("lock not acquired")

const retryInterval = 25 * time.Millisecond

// Locker serializes work on a key. The returned unlock func must be called once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Redis is a Locker shared by every instance of the service
type Redis struct {
	client *redisclient.Client
	ttl    time.Duration
	wait   time.Duration
	logger *zap.Logger
}

// NewRedis creates a Redis-backed locker. ttl bounds how long a crashed holder
// can block others; wait bounds how long Lock retries.
func NewRedis(client *redisclient.Client, ttl, wait time.Duration) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
		wait:   wait,
		logger: util.GetLogger(),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.client.AcquireLock(ctx, key, token, r.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := r.client.ReleaseLock(ctx, key, token); err != nil {
					r.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Local is an in-process Locker for single-instance deployments and tests
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker with the given wait bound
func NewLocal(wait time.Duration) *Local {
	return &Local{slots: make(map[string]*slot), wait: wait}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-timer.C:
		l.release(key, s)
		return nil, ErrNotAcquired
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
