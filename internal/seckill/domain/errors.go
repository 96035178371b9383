package domain

import "errors"

// 错误分类：可恢复错误由资源所属的层内部重试，
// 业务性结果（售罄、重复购买）不算故障，由接入层翻译为对应的 HTTP 状态码。
var (
	// ErrRateLimited 令牌桶在调用方的超时内没有攒够令牌
	ErrRateLimited = errors.New("rate limited")

	// ErrLockBusy 在超时内未能拿到分布式锁，视为瞬时容量压力而非永久失败
	ErrLockBusy = errors.New("lock busy")

	// ErrStockExhausted 库存已售罄，是正常的业务结局
	ErrStockExhausted = errors.New("stock exhausted")

	// ErrAlreadyPurchased 同一用户对同一秒杀商品重复下单
	ErrAlreadyPurchased = errors.New("user has already purchased this sku")

	// ErrConflict 持久层乐观锁版本号不匹配，调用方需重读版本后有界重试
	ErrConflict = errors.New("optimistic lock conflict")

	// ErrStaleFence 提交的 fencing token 小于持久层已见过的最大值，
	// 说明持有者的租约已过期并被重新分配，写入必须被拒绝
	ErrStaleFence = errors.New("stale fencing token")

	// ErrActivityNotFound 活动不存在或未发布
	ErrActivityNotFound = errors.New("activity not found")

	// ErrActivityClosed 当前时间不在活动窗口内
	ErrActivityClosed = errors.New("activity is not open")

	// ErrNotEligible 用户未通过活动的准入规则
	ErrNotEligible = errors.New("user is not eligible for this activity")

	// ErrIntentNotFound 查询的意向单不存在
	ErrIntentNotFound = errors.New("order intent not found")

	// ErrStockNotPreloaded 缓存中没有该 SKU 的库存计数，说明活动未预热
	ErrStockNotPreloaded = errors.New("stock counter not preloaded")
)
