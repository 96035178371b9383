package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"flashsale/internal/pkg/mq"
	"flashsale/internal/seckill/domain"
)

// stubDltReader 用通道模拟死信主题，Close 之后 ReadMessage 持续返回错误
type stubDltReader struct {
	msgs      chan kafka.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newStubDltReader() *stubDltReader {
	return &stubDltReader{
		msgs:   make(chan kafka.Message, 4),
		closed: make(chan struct{}),
	}
}

func (r *stubDltReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-r.closed:
		return kafka.Message{}, errors.New("reader closed")
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *stubDltReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *stubDltReader) Config() kafka.ReaderConfig {
	return kafka.ReaderConfig{Topic: "seckill-intents-dlt"}
}

func TestDltConsumer_StopTerminatesConsumeLoop(t *testing.T) {
	reader := newStubDltReader()
	intent, err := domain.NewOrderIntent("act-1", "sku-1", "u1")
	if err != nil {
		t.Fatalf("new intent: %v", err)
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	reader.msgs <- kafka.Message{
		Key:   []byte(intent.StockKey()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: mq.HeaderOriginalTopic, Value: []byte("seckill-intents")},
			{Key: mq.HeaderExceptionMessage, Value: []byte("stock exhausted")},
		},
	}
	// 解析不出意向的消息也不能让消费循环崩掉
	reader.msgs <- kafka.Message{Value: []byte("not-json")}

	consumer := NewDltConsumerAdapter(reader)
	ctx := context.Background()
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Stop 在消费循环仍在读消息时发起，必须能收敛退出
	done := make(chan struct{})
	go func() {
		consumer.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return, consume loop still running")
	}
}
