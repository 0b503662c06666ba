// Package lock provides the per-key mutual exclusion used to serialize
// writers of one learner's session on one track.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context was done.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker hands out exclusive access to a key. The returned unlock func is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process keyed mutex. Entries are dropped once no caller
// holds or waits for them, so the map does not grow with the key space.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
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

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
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

// held returns the number of keys currently tracked.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
