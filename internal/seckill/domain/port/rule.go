package port

import "context"

// RateLimiter 是按资源 Key 的准入闸门。
// Acquire 阻塞直到攒够令牌或 ctx 截止，截止时返回 domain.ErrRateLimited。
type RateLimiter interface {
	Acquire(ctx context.Context, key string, cost int) error
}

// RuleEngine 评估活动的准入规则表达式。
// rule 为空串时实现方应直接放行。
type RuleEngine interface {
	Eligible(ctx context.Context, rule string, fact map[string]interface{}) (bool, error)
}

// IntentStatusStore 是缓存层的意向状态，供用户在持久化记录落库之前查询。
// 允许丢失：丢失后查询会回退到持久层记录。
type IntentStatusStore interface {
	MarkAccepted(ctx context.Context, intentID string) error
	MarkState(ctx context.Context, intentID string, state string) error
	Get(ctx context.Context, intentID string) (string, bool, error)
}
