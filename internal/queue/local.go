package queue

import (
	"context"
	"fmt"
	"sync"

	"accesscache/internal/access"
)

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	mu      sync.Mutex
	all     bool
	users   map[int64]bool
	changed chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{users: make(map[int64]bool), changed: make(chan struct{})}
}

// notify wakes every waiter; callers hold mu.
func (l *LocalLocker) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *LocalLocker) Acquire(ctx context.Context, scope access.Scope) (func(context.Context) error, error) {
	l.mu.Lock()
	if l.all {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: full rebuild running", access.ErrScopeBusy)
	}

	if !scope.IsAll() {
		if l.users[scope.UserID] {
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", access.ErrScopeBusy, scope)
		}
		l.users[scope.UserID] = true
		l.mu.Unlock()
		var once sync.Once
		return func(context.Context) error {
			once.Do(func() {
				l.mu.Lock()
				delete(l.users, scope.UserID)
				l.notify()
				l.mu.Unlock()
			})
			return nil
		}, nil
	}

	// Claim the store first so no new user lock starts, then wait for the
	// running ones.
	l.all = true
	for len(l.users) > 0 {
		wait := l.changed
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.all = false
			l.notify()
			l.mu.Unlock()
			return nil, ctx.Err()
		case <-wait:
		}
		l.mu.Lock()
	}
	l.mu.Unlock()

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			l.all = false
			l.notify()
			l.mu.Unlock()
		})
		return nil
	}, nil
}
