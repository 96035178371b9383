package port

import (
	"context"
	"time"
)

// Lease 是一次成功加锁后持有的租约。
// FencingToken 对同一资源严格递增，任何受锁保护的持久化写都必须携带它，
// 这样租约过期后被抢占的旧持有者提交的写会被持久层拒绝。
type Lease struct {
	Resource  string
	Holder    string
	Token     int64
	ExpiresAt time.Time
}

// Locker 是跨进程互斥原语的出站端口。
// 实现: Redis(set-if-absent + fencing 计数器)、ZooKeeper(临时顺序节点)、
// 以及测试用的进程内实现。
type Locker interface {
	// Acquire 阻塞直到拿到锁或 ctx 截止。超时返回 domain.ErrLockBusy，
	// 调用方必须按"资源繁忙"处理，而不是永久失败。
	Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error)

	// Renew 仅在调用方仍然持有当前 token 时延长租约；被抢占时返回 false 而不报错。
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) (bool, error)

	// Release 释放租约。释放一个已过期/已被抢占的租约是安全的空操作。
	Release(ctx context.Context, lease *Lease) error
}
