// Conveyor Dispatcher — выбирает external tasks из BPMN-движка
// и раздаёт их очередям downstream-систем.
//
// Dispatcher:
//   - Забирает задачи fetch-and-lock по подписанным топикам
//   - Обогащает их BPMN-метаданными через кэш определений
//   - Маршрутизирует топик в очередь по таблице маршрутизации
//   - Публикует TaskMessage в RabbitMQ с retry
//
// Durable-состояния нет: lock задачи в движке — единственная
// защита от повторной выдачи.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/conveyor/internal/cache"
	"github.com/shaiso/conveyor/internal/camunda"
	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/dispatch"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/router"
	"github.com/shaiso/conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-dispatcher")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Клиент движка
	engine := camunda.NewClient(camunda.Config{
		BaseURL:   cfg.Engine.BaseURL,
		WorkerID:  cfg.Dispatch.WorkerID,
		Timeout:   cfg.Engine.Timeout(),
		User:      cfg.Engine.User,
		Password:  cfg.Engine.Password,
		VerifyTLS: cfg.Engine.VerifyTLS,
		Logger:    logger,
	})

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.Broker.URL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	rt := router.New(cfg.Router)

	// Создаём топологию
	if err := mq.SetupTopology(mqConn, rt.Queues()); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	publisher := mq.NewPublisher(mqConn, logger, mq.PublisherConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff(),
	})

	// Кэш BPMN-метаданных поверх клиента движка
	metadata := cache.New(cache.Config{
		Source:     engine,
		TTL:        cfg.Cache.TTL(),
		MaxEntries: cfg.Cache.MaxEntries,
		Logger:     logger,
	})

	// Топики: явный список либо точные правила таблицы маршрутизации.
	// Префиксные правила подписку не дают — движок сопоставляет
	// имена топиков только точно
	topics := cfg.Dispatch.Topics
	if len(topics) == 0 {
		topics = rt.Topics()
	}
	if len(topics) == 0 {
		logger.Error("no topics to subscribe: set dispatch.topics or add exact router rules (prefix rules alone cannot drive fetch-and-lock)")
		os.Exit(1)
	}

	d := dispatch.New(dispatch.Config{
		Engine:       engine,
		Metadata:     metadata,
		Router:       rt,
		Publisher:    publisher,
		Topics:       topics,
		BatchSize:    cfg.Dispatch.BatchSize,
		LockDuration: cfg.Dispatch.LockDuration(),
		IdleWait:     time.Duration(cfg.Dispatch.IdleWaitSec) * time.Second,
		Logger:       logger,
	})

	d.Start(ctx)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8081"
	if v := os.Getenv("DISPATCHER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	d.Stop()
	logger.Info("conveyor-dispatcher stopped")
}
