// Package memory holds single-process implementations of the session store
// and the per-key locker. They are used in development and tests.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// SessionStore keeps session-scoped values in memory with a TTL.
type SessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// live returns the entry for key, dropping it if it has expired.
// Callers hold s.mu.
func (s *SessionStore) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if s.ttl > 0 && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *SessionStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

func (s *SessionStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{value: bytes.Clone(value), expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *SessionStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *SessionStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Len reports the number of live entries.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if _, ok := s.live(key); ok {
			n++
		}
	}
	return n
}
