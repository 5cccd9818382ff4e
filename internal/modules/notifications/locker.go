package notifications

import (
	"context"
	"sync"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
)

// RecipientLocker serializes recompute work for one recipient. Lock blocks
// until the lock is held or ctx is done; the returned func releases it.
type RecipientLocker interface {
	Lock(ctx context.Context, recipient types.RecipientRef) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. It only serializes callers in
// the same process; the store's unique index still guards cross-process races.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[types.RecipientRef]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[types.RecipientRef]*localLock{}}
}

func (l *LocalLocker) Lock(ctx context.Context, recipient types.RecipientRef) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[types.RecipientRef]*localLock{}
	}
	entry, ok := l.locks[recipient]
	if !ok {
		entry = &localLock{ch: make(chan struct{}, 1)}
		l.locks[recipient] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(recipient, entry, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(recipient, entry, true) })
	}, nil
}

func (l *LocalLocker) release(recipient types.RecipientRef, entry *localLock, held bool) {
	if held {
		<-entry.ch
	}
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, recipient)
	}
	l.mu.Unlock()
}

// held reports how many recipients have waiters or holders.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, types.RecipientRef) (func(), error) { return func() {}, nil }
