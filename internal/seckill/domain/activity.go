package domain

import (
	"fmt"
	"time"
)

// Activity 是一次秒杀活动。由外部的运营后台创建，对本核心只读，
// 发布之后视为不可变。
type Activity struct {
	ID           string
	SkuID        string
	StartTime    time.Time
	EndTime      time.Time
	InitialStock int64

	// EligibilityRule 是可选的 CEL 表达式，为空表示所有用户可参与。
	// 例如: `user_id != "" && quantity <= 2`
	EligibilityRule string
}

// OpenAt 判断给定时刻活动是否处于开放窗口内
func (a *Activity) OpenAt(t time.Time) bool {
	return !t.Before(a.StartTime) && t.Before(a.EndTime)
}

// StockKey 生成活动+SKU 维度的计数器 Key。
// 限流、锁、缓存库存都用同一个 Key 维度，保证不同 SKU 之间完全并行。
func StockKey(activityID, skuID string) string {
	return fmt.Sprintf("%s:%s", activityID, skuID)
}
