// internal/seckill/infrastructure/adapter/notifier_kafka.go
package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/seckill/domain"
)

// NotifierKafkaAdapter 是 port.ResultNotifier 的 Kafka 实现。
// 结算结果发布到结果主题，由推送网关消费后推给在线用户。
type NotifierKafkaAdapter struct {
	writer *kafka.Writer
}

func NewNotifierKafkaAdapter(brokers []string, topic string) *NotifierKafkaAdapter {
	return &NotifierKafkaAdapter{writer: mq.NewKafkaWriter(brokers, topic)}
}

func (a *NotifierKafkaAdapter) NotifyResult(ctx context.Context, result *domain.IntentResult) error {
	value, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal intent result")
	}
	// 以用户 ID 作为分区键，同一用户的结果保持有序
	if err := mq.ProduceMessage(ctx, a.writer, []byte(result.UserID), value); err != nil {
		return errors.Wrap(err, "failed to publish intent result")
	}
	logger.Ctx(ctx).Info().
		Str("intent_id", result.IntentID).
		Str("user_id", result.UserID).
		Str("state", string(result.State)).
		Msg("Published intent result")
	return nil
}

func (a *NotifierKafkaAdapter) Close() error {
	return a.writer.Close()
}
