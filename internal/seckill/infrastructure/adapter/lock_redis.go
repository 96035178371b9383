// internal/seckill/infrastructure/adapter/lock_redis.go
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/domain/port"
)

const (
	lockAcquireScriptName = "lock_acquire"
	lockRenewScriptName   = "lock_renew"
	lockReleaseScriptName = "lock_release"

	lockPollInterval = 10 * time.Millisecond
)

// LockRedisAdapter 是 port.Locker 的 Redis 实现。
// 加锁是 set-if-absent + fencing 计数器递增，整体在一段 Lua 脚本内原子完成；
// 锁 Key 带 PX 过期时间充当租约。fencing token 来自独立的 INCR 计数器，
// 对同一资源严格递增，不随锁的释放回退。
type LockRedisAdapter struct {
	redisClient *redis.Client
	holderID    string
}

func NewLockRedisAdapter(redisClient *redis.Client) (*LockRedisAdapter, error) {
	for name, content := range map[string]string{
		lockAcquireScriptName: lockAcquireScript,
		lockRenewScriptName:   lockRenewScript,
		lockReleaseScriptName: lockReleaseScript,
	} {
		if err := redisClient.LoadScriptFromContent(name, content); err != nil {
			return nil, errors.Wrapf(err, "failed to load lock script %s", name)
		}
	}
	return &LockRedisAdapter{
		redisClient: redisClient,
		holderID:    "holder-" + uuid.New().String()[:8],
	}, nil
}

func lockKey(resource string) string  { return fmt.Sprintf("seckill:lock:{%s}", resource) }
func fenceKey(resource string) string { return fmt.Sprintf("seckill:fence:{%s}", resource) }

func (a *LockRedisAdapter) Acquire(ctx context.Context, resource string, ttl time.Duration) (*port.Lease, error) {
	keys := []string{lockKey(resource), fenceKey(resource)}
	for {
		result, err := a.redisClient.RunScript(ctx, lockAcquireScriptName, keys, a.holderID, ttl.Milliseconds())
		if err != nil {
			return nil, errors.Wrap(err, "lock adapter failed to run acquire script")
		}
		token, ok := result.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected result type from Lua script: %T", result)
		}
		if token > 0 {
			return &port.Lease{
				Resource:  resource,
				Holder:    a.holderID,
				Token:     token,
				ExpiresAt: time.Now().Add(ttl),
			}, nil
		}

		// 锁被别人持有，退避后重试直到调用方的截止时间
		select {
		case <-ctx.Done():
			return nil, domain.ErrLockBusy
		case <-time.After(lockPollInterval):
		}
	}
}

func (a *LockRedisAdapter) Renew(ctx context.Context, lease *port.Lease, ttl time.Duration) (bool, error) {
	keys := []string{lockKey(lease.Resource)}
	result, err := a.redisClient.RunScript(ctx, lockRenewScriptName, keys, lockValue(lease), ttl.Milliseconds())
	if err != nil {
		return false, errors.Wrap(err, "lock adapter failed to run renew script")
	}
	if ok, _ := result.(int64); ok == 1 {
		lease.ExpiresAt = time.Now().Add(ttl)
		return true, nil
	}
	return false, nil
}

func (a *LockRedisAdapter) Release(ctx context.Context, lease *port.Lease) error {
	keys := []string{lockKey(lease.Resource)}
	if _, err := a.redisClient.RunScript(ctx, lockReleaseScriptName, keys, lockValue(lease)); err != nil {
		return errors.Wrap(err, "lock adapter failed to run release script")
	}
	return nil
}

// lockValue 是锁 Key 的值: holder:token。续约/释放时校验，
// 防止租约过期后被抢占的旧持有者误删新租约。
func lockValue(lease *port.Lease) string {
	return fmt.Sprintf("%s:%d", lease.Holder, lease.Token)
}

var lockAcquireScript = `
-- KEYS[1]: 锁 Key
-- KEYS[2]: fencing 计数器 Key
-- ARGV[1]: holder ID
-- ARGV[2]: 租约时长(毫秒)

if redis.call('exists', KEYS[1]) == 1 then
    return 0
end
local token = redis.call('incr', KEYS[2])
redis.call('set', KEYS[1], ARGV[1] .. ':' .. token, 'PX', tonumber(ARGV[2]))
return token
`

var lockRenewScript = `
-- 仅当值仍然是自己的 holder:token 时延长租约
if redis.call('get', KEYS[1]) == ARGV[1] then
    redis.call('pexpire', KEYS[1], tonumber(ARGV[2]))
    return 1
end
return 0
`

var lockReleaseScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`
