package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
)

func newTestLocker(t *testing.T, opts LockerOptions) (*RecipientLocker, *miniredis.Miniredis, *observability.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	m := observability.New()
	return NewRecipientLocker(rdb, nil, m, opts), mr, m
}

func TestLockAndRelease(t *testing.T) {
	l, mr, m := newTestLocker(t, LockerOptions{Prefix: "test"})
	r := types.RecipientRef{ID: uuid.New(), Kind: "expert"}

	unlock, err := l.Lock(context.Background(), r)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !mr.Exists(l.key(r)) {
		t.Fatalf("lock key %s not written", l.key(r))
	}
	if ttl := mr.TTL(l.key(r)); ttl <= 0 || ttl > defaultLockTTL {
		t.Fatalf("lock ttl=%s", ttl)
	}
	unlock()
	unlock()
	if mr.Exists(l.key(r)) {
		t.Fatalf("lock key survived unlock")
	}
	if got := m.LockAttempts("redis", "acquired"); got != 1 {
		t.Fatalf("acquired attempts: want=1 got=%v", got)
	}
}

func TestLockSerializesOneRecipient(t *testing.T) {
	l, _, _ := newTestLocker(t, LockerOptions{Poll: 5 * time.Millisecond})
	r := types.RecipientRef{ID: uuid.New(), Kind: "client"}

	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), r)
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("peak holders: want=1 got=%d", peak)
	}
}

func TestLockHonorsContext(t *testing.T) {
	l, _, m := newTestLocker(t, LockerOptions{Poll: 5 * time.Millisecond})
	r := types.RecipientRef{ID: uuid.New(), Kind: "apporteur"}

	unlock, err := l.Lock(context.Background(), r)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, r); err == nil {
		t.Fatalf("second Lock must fail while held")
	}
	if got := m.LockAttempts("redis", "canceled"); got != 1 {
		t.Fatalf("canceled attempts: want=1 got=%v", got)
	}
}

func TestExpiredLockIsNotStolenOnRelease(t *testing.T) {
	l, mr, _ := newTestLocker(t, LockerOptions{TTL: time.Second})
	r := types.RecipientRef{ID: uuid.New(), Kind: "expert"}

	unlock, err := l.Lock(context.Background(), r)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	mr.FastForward(2 * time.Second)

	next, err := l.Lock(context.Background(), r)
	if err != nil {
		t.Fatalf("Lock after expiry: %v", err)
	}
	unlock()
	if !mr.Exists(l.key(r)) {
		t.Fatalf("stale unlock removed the new holder's key")
	}
	next()
	if mr.Exists(l.key(r)) {
		t.Fatalf("lock key survived unlock")
	}
}
