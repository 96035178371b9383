// cmd/admission-service/main.go
package main

import (
	"context"
	"log"
	"strings"
	"time"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/ratelimit"
	"flashsale/internal/seckill/application"
	"flashsale/internal/seckill/domain/port"
	"flashsale/internal/seckill/infrastructure"
	"flashsale/internal/seckill/infrastructure/adapter"
	"flashsale/internal/seckill/infrastructure/memory"
	"flashsale/internal/seckill/infrastructure/rule"
	"flashsale/internal/seckill/interfaces"
	"flashsale/internal/zookeeper"
)

const (
	serviceName = "seckill-admission"
	servicePort = 8080
)

// main 是准入服务的组装根: 创建并组装所有依赖项，然后启动应用。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatalf("failed to initialize redis client: %v", err)
	}

	db, err := infrastructure.NewMysqlDB(cfg.Infra.Mysql.DSN)
	if err != nil {
		log.Fatalf("failed to initialize mysql: %v", err)
	}
	repo := infrastructure.NewGormStockRepository(db)

	stockCache, err := adapter.NewStockRedisAdapter(redisClient)
	if err != nil {
		log.Fatalf("failed to initialize stock cache adapter: %v", err)
	}
	statusStore := adapter.NewStatusRedisAdapter(redisClient, 24*time.Hour)

	locker, err := buildLocker(cfg, redisClient)
	if err != nil {
		log.Fatalf("failed to initialize locker: %v", err)
	}

	queue := adapter.NewKafkaIntentQueue(adapter.KafkaQueueOptions{
		Brokers:       cfg.KafkaBrokerList(),
		Topic:         cfg.Infra.Kafka.IntentTopic,
		GroupID:       cfg.Infra.Kafka.GroupID,
		DLTTopic:      cfg.Infra.Kafka.DLTTopic,
		MaxRedelivery: cfg.App.Seckill.Queue.MaxRedelivery,
	})

	engine, err := rule.NewCelEngine()
	if err != nil {
		log.Fatalf("failed to initialize rule engine: %v", err)
	}

	seckillCfg := cfg.App.Seckill
	limiter := ratelimit.NewLimiter(
		ratelimit.Options{Capacity: seckillCfg.Bucket.Capacity, RefillRate: seckillCfg.Bucket.RefillRate},
		bucketOverrides(seckillCfg.Buckets),
	)

	admission := application.NewAdmissionService(
		repo, engine, limiter, locker, stockCache, queue, statusStore,
		application.AdmissionOptions{
			RateWaitTimeout: seckillCfg.Bucket.AcquireTimeout.Std(),
			LockWaitTimeout: seckillCfg.Lock.AcquireTimeout.Std(),
			LockTTL:         seckillCfg.Lock.Lease.Std(),
		},
	)
	handler := interfaces.NewSeckillHandler(admission, application.NewStatusQuery(repo, statusStore))

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		OnShutdown: func(ctx context.Context) {
			queue.Close()
			redisClient.Close()
		},
	})
}

// buildLocker 按配置选择锁后端。memory 仅用于单机部署。
func buildLocker(cfg *bootstrap.Config, redisClient *redis.Client) (port.Locker, error) {
	switch cfg.App.Seckill.Lock.Backend {
	case "zookeeper":
		conn, err := zookeeper.Connect(strings.Split(cfg.Infra.Zookeeper.Servers, ","), 10*time.Second)
		if err != nil {
			return nil, err
		}
		return adapter.NewLockZookeeperAdapter(conn), nil
	case "memory":
		return memory.NewLocker(), nil
	default:
		return adapter.NewLockRedisAdapter(redisClient)
	}
}

func bucketOverrides(buckets map[string]bootstrap.BucketConfig) map[string]ratelimit.Options {
	if len(buckets) == 0 {
		return nil
	}
	overrides := make(map[string]ratelimit.Options, len(buckets))
	for key, b := range buckets {
		overrides[key] = ratelimit.Options{Capacity: b.Capacity, RefillRate: b.RefillRate}
	}
	return overrides
}
