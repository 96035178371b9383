package port

import "context"

// StockCache 是缓存层库存计数的出站端口，防止超卖的第一道关口。
//
// DecrementIfPositive 必须是对同一 Key 的所有并发调用原子的
// compare-and-decrement，而不能依赖调用方的锁来串行化：
// 准入路径上的分布式锁保护的是更粗的多步序列，绕过锁的调用方依然不能把库存扣成负数。
type StockCache interface {
	// Preload 活动预热，开售前调用一次，把初始库存写入缓存并清空已购用户集合
	Preload(ctx context.Context, key string, quantity int64) error

	// DecrementIfPositive 仅在 remaining >= n 时原子扣减 n 并返回扣减后的余量。
	// userID 非空时同时做同一用户的重复购买拦截。
	// 返回 domain.ErrStockExhausted / domain.ErrAlreadyPurchased / domain.ErrStockNotPreloaded。
	DecrementIfPositive(ctx context.Context, key, userID string, n int64) (int64, error)

	// Increment 是补偿操作，只供 Reconciler 在持久化写不可恢复地失败后
	// 回补缓存扣减使用。缓存本身不去重，幂等性由调用方按 IntentID 保证。
	Increment(ctx context.Context, key, userID string, n int64) (int64, error)
}
