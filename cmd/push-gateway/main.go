// cmd/push-gateway/main.go
package main

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/push"
)

const (
	serviceName = "seckill-push-gateway"
	servicePort = 8088
)

// main 是推送网关的组装根。每个网关节点用独立的消费组订阅
// 结算结果主题，拿到全量结果后只推给连在本节点的用户。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	nodeID := serviceName + "-" + uuid.New().String()[:8]

	hub := push.NewHub()
	runCtx, cancel := context.WithCancel(context.Background())
	go hub.Run(runCtx)

	resultReader := mq.NewKafkaReader(cfg.KafkaBrokerList(), cfg.Infra.Kafka.ResultTopic, nodeID)
	consumer := push.NewResultConsumer(resultReader, hub)
	go func() {
		if err := consumer.Run(runCtx); err != nil {
			logger.Ctx(runCtx).Error().Err(err).Msg("Result consumer stopped with error")
		}
	}()

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				push.ServeWs(hub, w, r)
			})
		},
		OnShutdown: func(ctx context.Context) {
			cancel()
			resultReader.Close()
		},
	})
}
