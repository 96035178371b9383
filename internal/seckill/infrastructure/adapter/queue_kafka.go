// internal/seckill/infrastructure/adapter/queue_kafka.go
package adapter

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/domain/port"
)

// KafkaQueueOptions 队列参数。MaxRedelivery 之后消息进入死信主题。
type KafkaQueueOptions struct {
	Brokers       []string
	Topic         string
	GroupID       string
	DLTTopic      string
	MaxRedelivery int
}

// KafkaIntentQueue 是 port.IntentQueue 的 Kafka 实现。
//
// 至少一次语义映射：
//   - Dequeue = FetchMessage（不提交 offset）
//   - Ack     = CommitMessages
//   - Nack    = 带 attempt+1 与 not-before 头重新发布，然后提交原消息；
//     超过 MaxRedelivery 改投死信主题并保留现场头。
//
// 消费进程崩溃时未提交的 offset 由消费组接管，相当于可见性超时重投递。
// 延迟投递沿用轮询式延迟调度的思路：消费侧检查 not-before 头，
// 未到期的消息重新发布回主题而不是阻塞分区。
type KafkaIntentQueue struct {
	opts   KafkaQueueOptions
	writer *kafka.Writer
	dlt    *kafka.Writer

	readerOnce sync.Once
	reader     *kafka.Reader
}

func NewKafkaIntentQueue(opts KafkaQueueOptions) *KafkaIntentQueue {
	if opts.MaxRedelivery <= 0 {
		opts.MaxRedelivery = 5
	}
	return &KafkaIntentQueue{
		opts:   opts,
		writer: mq.NewKafkaWriter(opts.Brokers, opts.Topic),
		dlt:    mq.NewKafkaWriter(opts.Brokers, opts.DLTTopic),
	}
}

func (q *KafkaIntentQueue) Enqueue(ctx context.Context, intent *domain.OrderIntent) error {
	value, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "failed to marshal order intent")
	}
	// 以库存 Key 作为分区键，同一 SKU 的意向保持分区内有序
	return mq.ProduceMessage(ctx, q.writer, []byte(intent.StockKey()), value,
		kafka.Header{Key: mq.HeaderAttempt, Value: []byte(strconv.Itoa(intent.Attempt))},
	)
}

type kafkaAckHandle struct {
	msg kafka.Message
}

func (q *KafkaIntentQueue) Dequeue(ctx context.Context) (*domain.OrderIntent, port.AckHandle, error) {
	q.readerOnce.Do(func() {
		q.reader = mq.NewKafkaReader(q.opts.Brokers, q.opts.Topic, q.opts.GroupID)
	})

	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			return nil, nil, err
		}

		// 未到期的延迟消息：原样发布回队尾并提交，不阻塞分区
		if nbf := mq.GetHeader(msg.Headers, mq.HeaderNotBefore); nbf != "" {
			if due, perr := time.Parse(time.RFC3339Nano, nbf); perr == nil && time.Now().Before(due) {
				if err := q.requeue(ctx, msg, due); err != nil {
					return nil, nil, err
				}
				continue
			}
		}

		var intent domain.OrderIntent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			// 格式非法的消息直接进死信，提交后继续消费
			logger.Ctx(ctx).Error().Err(err).Str("topic", msg.Topic).Msg("Failed to unmarshal intent, moving to DLT")
			if derr := q.deadLetter(ctx, msg, err.Error()); derr != nil {
				return nil, nil, derr
			}
			continue
		}
		if a := mq.GetHeader(msg.Headers, mq.HeaderAttempt); a != "" {
			if n, perr := strconv.Atoi(a); perr == nil {
				intent.Attempt = n
			}
		}
		return &intent, &kafkaAckHandle{msg: msg}, nil
	}
}

func (q *KafkaIntentQueue) Ack(ctx context.Context, handle port.AckHandle) error {
	h, ok := handle.(*kafkaAckHandle)
	if !ok {
		return errors.New("invalid ack handle")
	}
	return q.reader.CommitMessages(ctx, h.msg)
}

func (q *KafkaIntentQueue) Nack(ctx context.Context, handle port.AckHandle, delay time.Duration) error {
	h, ok := handle.(*kafkaAckHandle)
	if !ok {
		return errors.New("invalid ack handle")
	}

	attempt := 0
	if a := mq.GetHeader(h.msg.Headers, mq.HeaderAttempt); a != "" {
		attempt, _ = strconv.Atoi(a)
	}
	attempt++

	if attempt >= q.opts.MaxRedelivery {
		if err := q.deadLetter(ctx, h.msg, "max redelivery exceeded"); err != nil {
			return err
		}
		return q.reader.CommitMessages(ctx, h.msg)
	}

	headers := []kafka.Header{
		{Key: mq.HeaderAttempt, Value: []byte(strconv.Itoa(attempt))},
	}
	if delay > 0 {
		due := time.Now().Add(delay).Format(time.RFC3339Nano)
		headers = append(headers, kafka.Header{Key: mq.HeaderNotBefore, Value: []byte(due)})
	}
	if err := mq.ProduceMessage(ctx, q.writer, h.msg.Key, h.msg.Value, headers...); err != nil {
		// 重新发布失败时不提交 offset，交给消费组重投递
		return errors.Wrap(err, "failed to republish nacked intent")
	}
	return q.reader.CommitMessages(ctx, h.msg)
}

// requeue 把未到期的延迟消息原样放回主题
func (q *KafkaIntentQueue) requeue(ctx context.Context, msg kafka.Message, due time.Time) error {
	headers := []kafka.Header{
		{Key: mq.HeaderAttempt, Value: []byte(mq.GetHeader(msg.Headers, mq.HeaderAttempt))},
		{Key: mq.HeaderNotBefore, Value: []byte(due.Format(time.RFC3339Nano))},
	}
	carrier := mq.KafkaHeaderCarrier(msg.Headers)
	ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier)
	if err := mq.ProduceMessage(ctx, q.writer, msg.Key, msg.Value, headers...); err != nil {
		return errors.Wrap(err, "failed to requeue delayed intent")
	}
	return q.reader.CommitMessages(ctx, msg)
}

// deadLetter 把消息连同现场信息投入死信主题
func (q *KafkaIntentQueue) deadLetter(ctx context.Context, msg kafka.Message, reason string) error {
	headers := []kafka.Header{
		{Key: mq.HeaderOriginalTopic, Value: []byte(msg.Topic)},
		{Key: mq.HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		{Key: mq.HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		{Key: mq.HeaderExceptionMessage, Value: []byte(reason)},
	}
	if err := mq.ProduceMessage(ctx, q.dlt, msg.Key, msg.Value, headers...); err != nil {
		return errors.Wrap(err, "failed to publish to dead letter topic")
	}
	return nil
}

// Close 关闭底层 reader/writer
func (q *KafkaIntentQueue) Close() error {
	q.writer.Close()
	q.dlt.Close()
	if q.reader != nil {
		return q.reader.Close()
	}
	return nil
}
