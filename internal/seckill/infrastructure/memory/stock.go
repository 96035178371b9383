// internal/seckill/infrastructure/memory/stock.go
package memory

import (
	"context"
	"sync"

	"flashsale/internal/seckill/domain"
)

type stockEntry struct {
	remaining int64
	buyers    map[string]struct{}
}

// StockCache 是 port.StockCache 的进程内实现，供单机部署和测试使用。
// 与 Redis 实现保持同样的语义：比较-扣减在单个临界区内完成。
type StockCache struct {
	mu      sync.Mutex
	entries map[string]*stockEntry
}

func NewStockCache() *StockCache {
	return &StockCache{entries: make(map[string]*stockEntry)}
}

func (c *StockCache) Preload(_ context.Context, key string, quantity int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &stockEntry{
		remaining: quantity,
		buyers:    make(map[string]struct{}),
	}
	return nil
}

func (c *StockCache) DecrementIfPositive(_ context.Context, key, userID string, n int64) (int64, error) {
	if n <= 0 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, domain.ErrStockNotPreloaded
	}
	if userID != "" {
		if _, dup := e.buyers[userID]; dup {
			return e.remaining, domain.ErrAlreadyPurchased
		}
	}
	if e.remaining < n {
		return e.remaining, domain.ErrStockExhausted
	}
	e.remaining -= n
	if userID != "" {
		e.buyers[userID] = struct{}{}
	}
	return e.remaining, nil
}

func (c *StockCache) Increment(_ context.Context, key, userID string, n int64) (int64, error) {
	if n <= 0 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, domain.ErrStockNotPreloaded
	}
	e.remaining += n
	if userID != "" {
		delete(e.buyers, userID)
	}
	return e.remaining, nil
}

// Remaining 当前余量，测试断言用
func (c *StockCache) Remaining(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.remaining
	}
	return 0
}
