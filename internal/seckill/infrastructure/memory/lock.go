// internal/seckill/infrastructure/memory/lock.go
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/domain/port"
)

func newHolderID() string {
	return "holder-" + uuid.New().String()[:8]
}

type lockEntry struct {
	holder    string
	token     int64
	expiresAt time.Time
}

// Locker 是 port.Locker 的进程内实现。
// 语义与 Redis 实现对齐：set-if-absent-or-expired + 每个资源严格递增的 fencing token。
type Locker struct {
	mu     sync.Mutex
	locks  map[string]*lockEntry
	fences map[string]int64

	pollInterval time.Duration
}

func NewLocker() *Locker {
	return &Locker{
		locks:        make(map[string]*lockEntry),
		fences:       make(map[string]int64),
		pollInterval: 5 * time.Millisecond,
	}
}

func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (*port.Lease, error) {
	holder := newHolderID()
	for {
		if lease, ok := l.tryAcquire(resource, holder, ttl); ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, domain.ErrLockBusy
		case <-time.After(l.pollInterval):
		}
	}
}

func (l *Locker) tryAcquire(resource, holder string, ttl time.Duration) (*port.Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if e, ok := l.locks[resource]; ok && now.Before(e.expiresAt) {
		return nil, false
	}
	l.fences[resource]++
	token := l.fences[resource]
	l.locks[resource] = &lockEntry{
		holder:    holder,
		token:     token,
		expiresAt: now.Add(ttl),
	}
	return &port.Lease{
		Resource:  resource,
		Holder:    holder,
		Token:     token,
		ExpiresAt: now.Add(ttl),
	}, true
}

func (l *Locker) Renew(_ context.Context, lease *port.Lease, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[lease.Resource]
	if !ok || e.token != lease.Token {
		return false, nil // 已被抢占，续约失败但不报错
	}
	e.expiresAt = time.Now().Add(ttl)
	lease.ExpiresAt = e.expiresAt
	return true, nil
}

func (l *Locker) Release(_ context.Context, lease *port.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.locks[lease.Resource]; ok && e.token == lease.Token {
		delete(l.locks, lease.Resource)
	}
	return nil
}

// CurrentToken 返回某资源当前有效租约的 token，没有持有者时返回 0。测试用。
func (l *Locker) CurrentToken(resource string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[resource]; ok && time.Now().Before(e.expiresAt) {
		return e.token
	}
	return 0
}
