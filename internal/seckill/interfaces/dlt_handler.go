// internal/seckill/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/seckill/domain"
)

// dltReader 是 *kafka.Reader 中死信监听用到的子集
type dltReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
	Config() kafka.ReaderConfig
}

// DltConsumerAdapter 监听意向死信队列并记录日志。
// 进入死信的意向已经超过重投递预算，缓存份额尚未回补，
// 需要人工介入或对账任务处理，这里至少要把现场完整留下来。
type DltConsumerAdapter struct {
	reader  dltReader
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewDltConsumerAdapter(reader dltReader) *DltConsumerAdapter {
	return &DltConsumerAdapter{
		reader: reader,
	}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLT Consumer Adapter started.")
		for {
			msg, err := a.reader.ReadMessage(ctx)
			if err != nil {
				// Stop 关闭 reader 后 ReadMessage 持续报错，从这里退出
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
					return
				}
				continue
			}

			logDeadLetter(ctx, msg)
		}
	}()
	return nil
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLT Consumer Adapter stopped.")
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	event := logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers[mq.HeaderOriginalTopic]).
		Str("original_partition", headers[mq.HeaderOriginalPartition]).
		Str("original_offset", headers[mq.HeaderOriginalOffset]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("key", string(msg.Key))

	// 能解析出意向就带上业务字段，方便对账任务按意向检索
	var intent domain.OrderIntent
	if err := json.Unmarshal(msg.Value, &intent); err == nil {
		event = event.
			Str("intent_id", intent.IntentID).
			Str("user_id", intent.UserID).
			Str("stock_key", intent.StockKey())
	} else {
		event = event.Str("value", string(msg.Value))
	}
	event.Msg("🚨 CRITICAL: Dead letter intent received")
}
