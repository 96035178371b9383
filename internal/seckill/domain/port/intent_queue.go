package port

import (
	"context"
	"time"

	"flashsale/internal/seckill/domain"
)

// AckHandle 是一次投递的不透明回执，Ack/Nack 时原样传回。
type AckHandle interface{}

// IntentQueue 是承载购买意向的持久化队列出站端口。
//
// 投递语义为至少一次：已出队但未确认的意向在可见性超时后会被重新投递，
// 消费方必须按 IntentID 幂等。超过最大重投递次数的意向被移入死信目的地，
// 避免毒消息无限重试。
type IntentQueue interface {
	Enqueue(ctx context.Context, intent *domain.OrderIntent) error

	// Dequeue 阻塞直到有可投递的意向或 ctx 结束
	Dequeue(ctx context.Context) (*domain.OrderIntent, AckHandle, error)

	// Ack 确认处理完成，意向从队列中移除
	Ack(ctx context.Context, handle AckHandle) error

	// Nack 拒绝本次投递，delay 之后重新可见
	Nack(ctx context.Context, handle AckHandle, delay time.Duration) error
}

// ResultNotifier 发布意向终态事件（Finalized / Compensated），供推送网关等下游消费。
type ResultNotifier interface {
	NotifyResult(ctx context.Context, result *domain.IntentResult) error
}
