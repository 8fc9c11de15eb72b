package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore is a session-scoped key-value store. Every key expires with
// the session TTL so that nothing outlives the session.
type SessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, prefix: "session:", ttl: ttl}
}

func (s *SessionStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get session key: %w", err)
	}
	return val, true, nil
}

func (s *SessionStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("set session key: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete session key: %w", err)
	}
	return nil
}

func (s *SessionStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	result, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.prefix + key}, expected).Result()
	if err != nil {
		return false, fmt.Errorf("compare and delete session key: %w", err)
	}
	val, ok := result.(int64)
	return ok && val == 1, nil
}
