// internal/seckill/application/status.go
package application

import (
	"context"

	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/domain/port"
)

// StatusQuery 提供面向用户的意向状态查询。
// 持久层的幂等记录是权威来源，缓存状态只在记录尚未落库时兜底。
type StatusQuery struct {
	records domain.StockRepository
	status  port.IntentStatusStore
}

func NewStatusQuery(records domain.StockRepository, status port.IntentStatusStore) *StatusQuery {
	return &StatusQuery{records: records, status: status}
}

func (q *StatusQuery) IntentStatus(ctx context.Context, intentID string) (domain.IntentState, error) {
	record, err := q.records.GetIntentRecord(ctx, intentID)
	if err == nil {
		return record.State, nil
	}
	if err != domain.ErrIntentNotFound {
		return "", err
	}

	state, found, err := q.status.Get(ctx, intentID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.ErrIntentNotFound
	}
	return domain.IntentState(state), nil
}
