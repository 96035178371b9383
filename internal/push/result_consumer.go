// internal/push/result_consumer.go
package push

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/seckill/domain"
)

// ResultConsumer 消费结算结果主题，把结果推送给在线用户。
// 推送是尽力而为: 用户离线就丢弃，最终状态仍然可以通过状态查询接口拿到。
type ResultConsumer struct {
	reader *kafka.Reader
	hub    *Hub
}

func NewResultConsumer(reader *kafka.Reader, hub *Hub) *ResultConsumer {
	return &ResultConsumer{reader: reader, hub: hub}
}

// Run 阻塞消费直到 ctx 取消
func (c *ResultConsumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Str("topic", c.reader.Config().Topic).Msg("Result consumer started")
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to read result message")
			continue
		}

		var result domain.IntentResult
		if err := json.Unmarshal(msg.Value, &result); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to unmarshal intent result")
			continue
		}

		delivered := c.hub.Push(result.UserID, msg.Value)
		logger.Ctx(ctx).Info().
			Str("intent_id", result.IntentID).
			Str("user_id", result.UserID).
			Str("state", string(result.State)).
			Bool("delivered", delivered).
			Msg("Intent result routed")
	}
}
