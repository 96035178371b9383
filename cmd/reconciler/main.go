// cmd/reconciler/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/seckill/application"
	"flashsale/internal/seckill/domain/port"
	"flashsale/internal/seckill/infrastructure"
	"flashsale/internal/seckill/infrastructure/adapter"
	"flashsale/internal/seckill/infrastructure/memory"
	"flashsale/internal/seckill/interfaces"
	"flashsale/internal/zookeeper"
)

const (
	serviceName = "seckill-reconciler"
	servicePort = 8082
)

// main 是结算服务的组装根。结算消费循环跑在后台，
// HTTP 端口只承载健康检查与指标。
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
	notifier := adapter.NewNotifierKafkaAdapter(cfg.KafkaBrokerList(), cfg.Infra.Kafka.ResultTopic)

	seckillCfg := cfg.App.Seckill
	reconciler := application.NewReconciler(
		queue, locker, stockCache, repo, statusStore, notifier,
		application.ReconcilerOptions{
			Workers:         seckillCfg.Reconciler.Workers,
			MaxRetries:      seckillCfg.Reconciler.MaxRetries,
			RetryBackoff:    seckillCfg.Reconciler.BackoffMin.Std(),
			RetryBackoffMax: seckillCfg.Reconciler.BackoffMax.Std(),
			ProcessTimeout:  seckillCfg.Queue.VisibilityTimeout.Std(),
			LockWaitTimeout: seckillCfg.Lock.AcquireTimeout.Std(),
			LockTTL:         seckillCfg.Lock.Lease.Std(),
			NackDelay:       seckillCfg.Queue.NackDelay.Std(),
		},
	)

	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := reconciler.Run(runCtx); err != nil {
			logger.Ctx(runCtx).Error().Err(err).Msg("Reconciler stopped with error")
		}
	}()

	// 死信监听: 超过重投递预算的意向在这里留下完整现场
	dltReader := mq.NewKafkaReader(cfg.KafkaBrokerList(), cfg.Infra.Kafka.DLTTopic, cfg.Infra.Kafka.GroupID+"-dlt")
	dltConsumer := interfaces.NewDltConsumerAdapter(dltReader)
	dltConsumer.Start(runCtx)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
		OnShutdown: func(ctx context.Context) {
			cancel()
			dltConsumer.Stop(ctx)
			queue.Close()
			notifier.Close()
			redisClient.Close()
		},
	})
}

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
