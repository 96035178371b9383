package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flashsale/internal/seckill/domain"
)

func TestLocker_MutualExclusion(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	var inside int64
	var maxInside int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			lease, err := l.Acquire(acqCtx, "sku-1", time.Second)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			cur := atomic.AddInt64(&inside, 1)
			if cur > atomic.LoadInt64(&maxInside) {
				atomic.StoreInt64(&maxInside, cur)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&inside, -1)
			l.Release(ctx, lease)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("critical section held by %d goroutines at once", maxInside)
	}
}

func TestLocker_FencingTokenStrictlyIncreases(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		lease, err := l.Acquire(ctx, "sku-1", time.Second)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if lease.Token <= last {
			t.Fatalf("token not strictly increasing: %d after %d", lease.Token, last)
		}
		last = lease.Token
		l.Release(ctx, lease)
	}
}

func TestLocker_AcquireTimesOutWhenHeld(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "sku-1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release(ctx, lease)

	busyCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(busyCtx, "sku-1", time.Second); !errors.Is(err, domain.ErrLockBusy) {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}
}

func TestLocker_ExpiredLeaseIsPreempted(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "sku-1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	// 过期后新的持有者必须能拿到锁，且拿到更大的 fencing token
	fresh, err := l.Acquire(ctx, "sku-1", time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if fresh.Token <= stale.Token {
		t.Fatalf("new token %d not greater than stale %d", fresh.Token, stale.Token)
	}

	// 旧持有者的续约必须失败，但不报错
	ok, err := l.Renew(ctx, stale, time.Second)
	if err != nil {
		t.Fatalf("renew returned error: %v", err)
	}
	if ok {
		t.Fatal("stale holder must not renew")
	}

	// 旧持有者的释放不能影响新租约
	l.Release(ctx, stale)
	if got := l.CurrentToken("sku-1"); got != fresh.Token {
		t.Fatalf("stale release must be a no-op, current token %d want %d", got, fresh.Token)
	}
}

func TestLocker_RenewExtendsOwnLease(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "sku-1", 40*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ok, err := l.Renew(ctx, lease, time.Second)
	if err != nil || !ok {
		t.Fatalf("renew by current holder failed: ok=%v err=%v", ok, err)
	}
	time.Sleep(60 * time.Millisecond)
	if got := l.CurrentToken("sku-1"); got != lease.Token {
		t.Fatalf("renewed lease should still be current, token=%d", got)
	}
}
