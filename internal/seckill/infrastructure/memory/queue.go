// internal/seckill/infrastructure/memory/queue.go
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"flashsale/internal/seckill/domain"
	"flashsale/internal/seckill/domain/port"
)

type queueMsg struct {
	id        int64
	intent    *domain.OrderIntent
	notBefore time.Time
	deadline  time.Time // 投递中消息的可见性截止
}

// QueueOptions 重投递参数
type QueueOptions struct {
	VisibilityTimeout time.Duration
	MaxRedelivery     int
}

// IntentQueue 是 port.IntentQueue 的进程内实现，带完整的
// 可见性超时/重投递/死信语义，供单机部署和测试使用。
type IntentQueue struct {
	opts QueueOptions

	mu       sync.Mutex
	seq      int64
	ready    *list.List          // *queueMsg，按入队顺序
	inflight map[int64]*queueMsg // 已投递未确认
	dead     []*domain.OrderIntent

	pollInterval time.Duration
}

func NewIntentQueue(opts QueueOptions) *IntentQueue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.MaxRedelivery <= 0 {
		opts.MaxRedelivery = 5
	}
	return &IntentQueue{
		opts:         opts,
		ready:        list.New(),
		inflight:     make(map[int64]*queueMsg),
		pollInterval: 2 * time.Millisecond,
	}
}

func (q *IntentQueue) Enqueue(_ context.Context, intent *domain.OrderIntent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.ready.PushBack(&queueMsg{id: q.seq, intent: intent})
	return nil
}

func (q *IntentQueue) Dequeue(ctx context.Context) (*domain.OrderIntent, port.AckHandle, error) {
	for {
		if msg := q.poll(); msg != nil {
			return msg.intent, msg.id, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// poll 先把可见性超时的投递挪回 ready（计一次重投递），再取队头可投递的消息。
func (q *IntentQueue) poll() *queueMsg {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for id, msg := range q.inflight {
		if now.After(msg.deadline) {
			delete(q.inflight, id)
			q.redeliverLocked(msg)
		}
	}

	for e := q.ready.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*queueMsg)
		if msg.notBefore.After(now) {
			continue
		}
		q.ready.Remove(e)
		msg.deadline = now.Add(q.opts.VisibilityTimeout)
		q.inflight[msg.id] = msg
		return msg
	}
	return nil
}

func (q *IntentQueue) redeliverLocked(msg *queueMsg) {
	msg.intent.Attempt++
	if msg.intent.Attempt >= q.opts.MaxRedelivery {
		q.dead = append(q.dead, msg.intent)
		return
	}
	msg.notBefore = time.Time{}
	q.ready.PushBack(msg)
}

func (q *IntentQueue) Ack(_ context.Context, handle port.AckHandle) error {
	id, ok := handle.(int64)
	if !ok {
		return domain.ErrIntentNotFound
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
	return nil
}

func (q *IntentQueue) Nack(_ context.Context, handle port.AckHandle, delay time.Duration) error {
	id, ok := handle.(int64)
	if !ok {
		return domain.ErrIntentNotFound
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.inflight[id]
	if !ok {
		return nil // 已超时被回收，重投递逻辑已接管
	}
	delete(q.inflight, id)
	msg.intent.Attempt++
	if msg.intent.Attempt >= q.opts.MaxRedelivery {
		q.dead = append(q.dead, msg.intent)
		return nil
	}
	msg.notBefore = time.Now().Add(delay)
	q.ready.PushBack(msg)
	return nil
}

// DeadLetters 返回已进入死信的意向，测试与巡检用。
func (q *IntentQueue) DeadLetters() []*domain.OrderIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.OrderIntent, len(q.dead))
	copy(out, q.dead)
	return out
}

// Depth 当前待投递消息数
func (q *IntentQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + len(q.inflight)
}
