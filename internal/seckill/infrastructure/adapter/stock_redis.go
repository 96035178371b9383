// internal/seckill/infrastructure/adapter/stock_redis.go
package adapter

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/seckill/domain"
)

const (
	stockDecrScriptName = "stock_decr"
	stockIncrScriptName = "stock_incr"
)

// 脚本返回值约定：>=0 为扣减后的余量，负数为业务失败码
const (
	stockCodeSoldOut      = -1
	stockCodeAlreadyOwned = -2
	stockCodeNotPreloaded = -3
)

// StockRedisAdapter 是 port.StockCache 的 Redis 实现。
// 比较-扣减在一段 Lua 脚本内完成，对同一 Key 的所有并发调用原子，
// 即使调用方绕过了分布式锁也不可能把库存扣成负数。
type StockRedisAdapter struct {
	redisClient *redis.Client
}

// NewStockRedisAdapter 创建适配器，并在创建时加载所需的 Lua 脚本。
func NewStockRedisAdapter(redisClient *redis.Client) (*StockRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(stockDecrScriptName, stockDecrScript); err != nil {
		return nil, errors.Wrap(err, "failed to load stock decrement script")
	}
	if err := redisClient.LoadScriptFromContent(stockIncrScriptName, stockIncrScript); err != nil {
		return nil, errors.Wrap(err, "failed to load stock increment script")
	}
	return &StockRedisAdapter{redisClient: redisClient}, nil
}

func stockKey(key string) string   { return fmt.Sprintf("seckill:stock:{%s}", key) }
func userSetKey(key string) string { return fmt.Sprintf("seckill:users:{%s}", key) }

// Preload 活动预热：写入初始库存并清空已购用户集合。使用 pipeline 提高效率。
func (a *StockRedisAdapter) Preload(ctx context.Context, key string, quantity int64) error {
	pipe := a.redisClient.GetClient().Pipeline()
	pipe.Set(ctx, stockKey(key), quantity, 0)
	pipe.Del(ctx, userSetKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to preload stock for %s", key)
	}
	return nil
}

func (a *StockRedisAdapter) DecrementIfPositive(ctx context.Context, key, userID string, n int64) (int64, error) {
	if n <= 0 {
		n = 1
	}
	keys := []string{stockKey(key), userSetKey(key)}
	result, err := a.redisClient.RunScript(ctx, stockDecrScriptName, keys, userID, n)
	if err != nil {
		return 0, errors.Wrap(err, "stock adapter failed to run decrement script")
	}

	code, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Lua script: %T", result)
	}

	switch {
	case code >= 0:
		return code, nil
	case code == stockCodeSoldOut:
		return 0, domain.ErrStockExhausted
	case code == stockCodeAlreadyOwned:
		return 0, domain.ErrAlreadyPurchased
	case code == stockCodeNotPreloaded:
		return 0, domain.ErrStockNotPreloaded
	default:
		return 0, fmt.Errorf("unknown result code from stock script: %d", code)
	}
}

// Increment 补偿回补。同时把用户从已购集合移除，让被补偿的用户可以重试。
func (a *StockRedisAdapter) Increment(ctx context.Context, key, userID string, n int64) (int64, error) {
	if n <= 0 {
		n = 1
	}
	keys := []string{stockKey(key), userSetKey(key)}
	result, err := a.redisClient.RunScript(ctx, stockIncrScriptName, keys, userID, n)
	if err != nil {
		return 0, errors.Wrap(err, "stock adapter failed to run increment script")
	}
	remaining, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Lua script: %T", result)
	}
	return remaining, nil
}

var stockDecrScript = `
-- KEYS[1]: 库存 Key, 例如: seckill:stock:{act-1:sku-1}
-- KEYS[2]: 已购用户集合 Key, 例如: seckill:users:{act-1:sku-1}
-- ARGV[1]: 用户 ID，空串表示不做重复购买拦截
-- ARGV[2]: 扣减数量

if ARGV[1] ~= '' and redis.call('sismember', KEYS[2], ARGV[1]) == 1 then
    return -2
end

local stock = tonumber(redis.call('get', KEYS[1]))
if not stock then
    return -3
end

local n = tonumber(ARGV[2])
if stock >= n then
    local left = redis.call('decrby', KEYS[1], n)
    if ARGV[1] ~= '' then
        redis.call('sadd', KEYS[2], ARGV[1])
    end
    return left
end
return -1
`

var stockIncrScript = `
-- 补偿回补: 加回库存并把用户移出已购集合
local left = redis.call('incrby', KEYS[1], tonumber(ARGV[2]))
if ARGV[1] ~= '' then
    redis.call('srem', KEYS[2], ARGV[1])
end
return left
`
