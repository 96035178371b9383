package domain

import "time"

// IntentResult 是一笔意向到达终态后对外发布的事件，
// 由推送网关消费后通知用户秒杀的最终结果。
type IntentResult struct {
	IntentID   string      `json:"intentId"`
	ActivityID string      `json:"activityId"`
	SkuID      string      `json:"skuId"`
	UserID     string      `json:"userId"`
	State      IntentState `json:"state"`
	Reason     string      `json:"reason,omitempty"`
	At         time.Time   `json:"at"`
}
