package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flashsale/internal/seckill/domain"
)

func TestAcquire_BurstUpToCapacity(t *testing.T) {
	l := NewLimiter(Options{Capacity: 10, RefillRate: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// 初始桶是满的，容量内的请求应当全部立即放行
	for i := 0; i < 10; i++ {
		if err := l.Acquire(ctx, "act-1:sku-1", 1); err != nil {
			t.Fatalf("request %d within capacity rejected: %v", i, err)
		}
	}

	// 第 11 个必须在超时内被拒绝
	if err := l.Acquire(ctx, "act-1:sku-1", 1); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited beyond capacity, got %v", err)
	}
}

func TestAcquire_RefillAdmitsWaiters(t *testing.T) {
	// 容量 10，补充 100/s：20 个请求在足够的等待时间内应全部放行
	l := NewLimiter(Options{Capacity: 10, RefillRate: 100}, nil)

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.Acquire(ctx, "act-1:sku-1", 1); err == nil {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != 20 {
		t.Fatalf("expected all 20 admitted with refill, got %d", admitted)
	}
}

func TestAcquire_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(Options{Capacity: 1, RefillRate: 0.001}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx, "act-1:sku-a", 1); err != nil {
		t.Fatalf("first key rejected: %v", err)
	}
	// sku-a 的桶已空，sku-b 不受影响
	if err := l.Acquire(ctx, "act-1:sku-b", 1); err != nil {
		t.Fatalf("independent key rejected: %v", err)
	}
	if err := l.Acquire(ctx, "act-1:sku-a", 1); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on drained key, got %v", err)
	}
}

func TestAcquire_PerKeyOverride(t *testing.T) {
	l := NewLimiter(Options{Capacity: 1, RefillRate: 0.001}, map[string]Options{
		"hot": {Capacity: 5, RefillRate: 0.001},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, "hot", 1); err != nil {
			t.Fatalf("override capacity not honored at %d: %v", i, err)
		}
	}
	if err := l.Acquire(ctx, "hot", 1); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after override capacity, got %v", err)
	}
}
