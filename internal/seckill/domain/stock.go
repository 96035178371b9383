package domain

// StockCounter 是持久层的权威库存计数。
// 缓存侧在 Redis 中有一份副本，两份之间靠 Reconciler 对账，从不假设一致。
//
// 不变量:
//   - Remaining 永不为负
//   - Version 在每次持久化变更时严格递增
//   - LastFence 单调不减，小于它的 fencing token 一律拒绝写入
type StockCounter struct {
	ActivityID string
	SkuID      string
	Remaining  int64
	Version    int64
	LastFence  int64
}

func (c *StockCounter) Key() string {
	return StockKey(c.ActivityID, c.SkuID)
}
