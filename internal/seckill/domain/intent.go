package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// IntentState 描述一笔购买意向的异步状态机:
//
//	Created → Enqueued → Processing → {Finalized | Compensated}
//
// Processing 可能因为队列重投递被重复进入，
// 重新执行持久化写之前必须先查幂等记录。
type IntentState string

const (
	IntentCreated     IntentState = "CREATED"
	IntentEnqueued    IntentState = "ENQUEUED"
	IntentProcessing  IntentState = "PROCESSING"
	IntentFinalized   IntentState = "FINALIZED"
	IntentCompensated IntentState = "COMPENSATED"
)

// Terminal 返回该状态是否为终态
func (s IntentState) Terminal() bool {
	return s == IntentFinalized || s == IntentCompensated
}

// OrderIntent 是一笔临时的库存占用声明。
// IntentID 同时是幂等键：队列至少一次投递 + 按 IntentID 去重 = 有效恰好一次。
type OrderIntent struct {
	IntentID   string    `json:"intentId"`
	ActivityID string    `json:"activityId"`
	SkuID      string    `json:"skuId"`
	UserID     string    `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempt    int       `json:"attempt"`
}

// NewOrderIntent 创建一笔新的购买意向
func NewOrderIntent(activityID, skuID, userID string) (*OrderIntent, error) {
	if activityID == "" || skuID == "" || userID == "" {
		return nil, errors.New("cannot create order intent with empty required fields")
	}
	return &OrderIntent{
		IntentID:   uuid.New().String(),
		ActivityID: activityID,
		SkuID:      skuID,
		UserID:     userID,
		CreatedAt:  time.Now(),
	}, nil
}

func (i *OrderIntent) StockKey() string {
	return StockKey(i.ActivityID, i.SkuID)
}
