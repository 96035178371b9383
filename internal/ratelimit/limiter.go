// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"flashsale/internal/seckill/domain"
)

// Options 单个令牌桶的参数。
// Capacity 是突发上限：秒杀开售瞬间需要放行一整批请求，
// 所以选择令牌桶而不是做平滑的漏桶。RefillRate 决定长期吞吐（令牌/秒）。
type Options struct {
	Capacity   int
	RefillRate float64
}

// Limiter 按资源 Key 维护一组令牌桶。
// 补充是在每次访问时惰性计算的（rate.Limiter 内部按 elapsed*R 结算），
// 没有后台定时器。桶状态只存在于进程内，重启后重新初始化为满。
type Limiter struct {
	defaults  Options
	overrides map[string]Options

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter 创建限流器。overrides 允许对特定资源 Key 覆盖默认桶参数。
func NewLimiter(defaults Options, overrides map[string]Options) *Limiter {
	if defaults.Capacity <= 0 {
		defaults.Capacity = 1
	}
	if defaults.RefillRate <= 0 {
		defaults.RefillRate = 1
	}
	return &Limiter{
		defaults:  defaults,
		overrides: overrides,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// Acquire 扣除 cost 个令牌。令牌不足时阻塞等待补充，
// ctx 截止仍未攒够则返回 domain.ErrRateLimited。
func (l *Limiter) Acquire(ctx context.Context, key string, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	if err := l.bucket(key).WaitN(ctx, cost); err != nil {
		// WaitN 失败的情况：ctx 截止/取消，或 cost 超过桶容量（永远等不到）
		return domain.ErrRateLimited
	}
	return nil
}

// bucket 返回 key 对应的桶，不存在时按配置创建（初始为满）。
func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}
	opts := l.defaults
	if o, ok := l.overrides[key]; ok {
		opts = o
	}
	b := rate.NewLimiter(rate.Limit(opts.RefillRate), opts.Capacity)
	l.buckets[key] = b
	return b
}
