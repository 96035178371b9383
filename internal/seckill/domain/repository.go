package domain

import "context"

// IntentRecord 是意向的持久化记录，同时充当幂等记录和面向用户的状态查询来源。
type IntentRecord struct {
	IntentID   string
	ActivityID string
	SkuID      string
	UserID     string
	State      IntentState
	Attempts   int
	Reason     string
}

// StockRepository 是持久层的出站端口，所有对权威库存和订单的写入都必须经过它。
type StockRepository interface {
	GetCounter(ctx context.Context, activityID, skuID string) (*StockCounter, error)

	// DeductAndCreateOrder 在同一个事务中完成:
	//   1. 条件扣减: remaining >= 1 AND version == expectedVersion AND last_fence <= fence
	//   2. 插入订单行
	//   3. 写入 FINALIZED 幂等记录
	// 失败时返回 ErrConflict / ErrStockExhausted / ErrStaleFence。
	DeductAndCreateOrder(ctx context.Context, intent *OrderIntent, expectedVersion, fence int64) error

	// GetIntentRecord 查询幂等记录，不存在时返回 ErrIntentNotFound
	GetIntentRecord(ctx context.Context, intentID string) (*IntentRecord, error)

	// RecordCompensated 将一笔意向标记为补偿终态（缓存已回补、不再重试）
	RecordCompensated(ctx context.Context, intent *OrderIntent, reason string) error
}

// ActivityProvider 提供只读的活动信息。活动发布后不可变，实现方可以放心缓存。
type ActivityProvider interface {
	GetActivity(ctx context.Context, activityID string) (*Activity, error)
}
