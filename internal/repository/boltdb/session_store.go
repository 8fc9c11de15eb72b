// Package boltdb provides a BoltDB-backed session store for single-node
// deployments that must survive a restart without Redis.
package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "sessions"

// SessionStore keeps session-scoped values in a BoltDB file. Each value is
// stored behind an 8 byte expiry header.
type SessionStore struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the bucket exists.
func Open(path string, ttl time.Duration) (*SessionStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt session store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}

	return &SessionStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the database file lock.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

func (s *SessionStore) encode(value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, uint64(s.now().Add(s.ttl).UnixNano()))
	copy(buf[8:], value)
	return buf
}

// decode returns the value held in raw, or false when it has expired.
func (s *SessionStore) decode(raw []byte) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
	if !s.now().Before(expiresAt) {
		return nil, false
	}
	return bytes.Clone(raw[8:]), true
}

func (s *SessionStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if raw != nil {
			value, found = s.decode(raw)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get session key: %w", err)
	}
	return value, found, nil
}

func (s *SessionStore) Set(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), s.encode(value))
	})
	if err != nil {
		return fmt.Errorf("set session key: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *SessionStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete session key: %w", err)
	}
	return nil
}

// CompareAndDelete removes key only while it still holds expected. The read
// and the delete share one write transaction.
func (s *SessionStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		value, ok := s.decode(raw)
		if !ok || !bytes.Equal(value, expected) {
			return nil
		}
		deleted = true
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("compare and delete session key: %w", err)
	}
	return deleted, nil
}

// Sweep deletes expired entries and reports how many were removed.
func (s *SessionStore) Sweep() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if _, ok := s.decode(v); !ok {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
