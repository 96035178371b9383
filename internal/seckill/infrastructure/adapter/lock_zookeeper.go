// internal/seckill/infrastructure/adapter/lock_zookeeper.go
package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/domain/port"
	"flashsale/internal/zookeeper"
)

// LockZookeeperAdapter 是 port.Locker 的 ZooKeeper 实现。
// 临时顺序节点的序列号充当 fencing token，由 ZooKeeper 保证
// 同一资源上严格递增。租约和会话绑定: 会话存活期间锁不会过期，
// 所以 Renew 只需确认自己仍是持有者；会话断开时节点被自动清理，
// 等价于租约过期。
type LockZookeeperAdapter struct {
	conn     *zookeeper.Conn
	holderID string

	mu    sync.Mutex
	held  map[string]*zookeeper.DistributedLock // key: resource:token
}

func NewLockZookeeperAdapter(conn *zookeeper.Conn) *LockZookeeperAdapter {
	return &LockZookeeperAdapter{
		conn:     conn,
		holderID: "holder-" + uuid.New().String()[:8],
		held:     make(map[string]*zookeeper.DistributedLock),
	}
}

func heldKey(resource string, token int64) string {
	return fmt.Sprintf("%s:%d", resource, token)
}

func (a *LockZookeeperAdapter) Acquire(ctx context.Context, resource string, ttl time.Duration) (*port.Lease, error) {
	lock, err := zookeeper.NewDistributedLock(a.conn, resource)
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrLockBusy
		}
		return nil, err
	}

	lease := &port.Lease{
		Resource:  resource,
		Holder:    a.holderID,
		Token:     lock.Sequence(),
		ExpiresAt: time.Now().Add(ttl),
	}
	a.mu.Lock()
	a.held[heldKey(resource, lease.Token)] = lock
	a.mu.Unlock()
	return lease, nil
}

func (a *LockZookeeperAdapter) Renew(ctx context.Context, lease *port.Lease, ttl time.Duration) (bool, error) {
	a.mu.Lock()
	lock, ok := a.held[heldKey(lease.Resource, lease.Token)]
	a.mu.Unlock()
	if !ok {
		return false, nil
	}
	holder, err := lock.IsHolder()
	if err != nil {
		return false, err
	}
	if holder {
		lease.ExpiresAt = time.Now().Add(ttl)
	}
	return holder, nil
}

func (a *LockZookeeperAdapter) Release(ctx context.Context, lease *port.Lease) error {
	a.mu.Lock()
	lock, ok := a.held[heldKey(lease.Resource, lease.Token)]
	delete(a.held, heldKey(lease.Resource, lease.Token))
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return lock.Unlock()
}
