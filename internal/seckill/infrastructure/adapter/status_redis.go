// internal/seckill/infrastructure/adapter/status_redis.go
package adapter

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/seckill/domain"
)

// StatusRedisAdapter 是 port.IntentStatusStore 的 Redis 实现。
// 记录接受之后、持久化记录落库之前的意向状态，供用户查询。
// 带 TTL，允许丢失：丢失后查询回退到持久层的幂等记录。
type StatusRedisAdapter struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewStatusRedisAdapter(redisClient *redis.Client, ttl time.Duration) *StatusRedisAdapter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StatusRedisAdapter{redisClient: redisClient, ttl: ttl}
}

func statusKey(intentID string) string { return fmt.Sprintf("seckill:intent:%s", intentID) }

func (a *StatusRedisAdapter) MarkAccepted(ctx context.Context, intentID string) error {
	return a.redisClient.GetClient().Set(ctx, statusKey(intentID), string(domain.IntentProcessing), a.ttl).Err()
}

func (a *StatusRedisAdapter) MarkState(ctx context.Context, intentID string, state string) error {
	return a.redisClient.GetClient().Set(ctx, statusKey(intentID), state, a.ttl).Err()
}

func (a *StatusRedisAdapter) Get(ctx context.Context, intentID string) (string, bool, error) {
	val, err := a.redisClient.GetClient().Get(ctx, statusKey(intentID)).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
