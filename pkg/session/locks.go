package session

import (
	"context"
	"sync"
)

// UserLocks serializes operations per user. Different users never contend.
type UserLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewUserLocks() *UserLocks {
	return &UserLocks{slots: make(map[string]chan struct{})}
}

func (l *UserLocks) slot(userID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[userID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[userID] = s
	}
	return s
}

// Acquire waits until userID is free or ctx is done. The returned release
// must be called exactly once.
func (l *UserLocks) Acquire(ctx context.Context, userID string) (release func(), err error) {
	s := l.slot(userID)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Busy reports whether an operation currently holds userID.
func (l *UserLocks) Busy(userID string) bool {
	return len(l.slot(userID)) > 0
}
