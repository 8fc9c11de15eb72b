package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1].
// It backs both lock release and the session store's compare-and-delete.
var compareAndDeleteScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock represents a distributed lock using Redis
type DistributedLock struct {
	client   *redis.Client
	key      string
	value    string
	ttl      time.Duration
	acquired bool
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Acquire attempts to acquire the lock without waiting
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", domainErrors.ErrLockAcquisitionFailed, err)
	}

	l.acquired = success
	return success, nil
}

// Release releases the lock if this instance still owns it
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}

	result, err := compareAndDeleteScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.acquired = false
	if val, ok := result.(int64); !ok || val == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

// Locker hands out one DistributedLock per key.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker creates a Locker whose locks expire after ttl.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl}
}

// TryLock acquires the lock for key or reports that another holder has it.
func (l *Locker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	lock := NewDistributedLock(l.client, key, l.ttl)
	acquired, err := lock.Acquire(ctx)
	if err != nil || !acquired {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, domainErrors.ErrLockNotHeld) {
			// Expired under us; nothing left to release.
			return nil
		}
		return err
	}, true, nil
}
