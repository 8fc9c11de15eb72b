package memory

import (
	"context"
	"sync"
)

// Locker is a non-blocking keyed mutex for a single process.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

// TryLock acquires key if nobody holds it. The returned unlock is safe to
// call more than once.
func (l *Locker) TryLock(_ context.Context, key string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, true, nil
}
