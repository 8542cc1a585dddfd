// Conveyor Reconciler — доводит ответы downstream-систем до движка.
//
// Reconciler:
//   - Периодически дренирует responses.queue (basic.get)
//   - Вызывает complete / failure / bpmnError движка
//   - Повторяет сбойные вызовы с exponential backoff
//   - Дубликаты подтверждает без второго вызова движка
//   - Исчерпанные и нечитаемые ответы уводит в errors.queue
//
// Расписание — интервал либо cron-выражение (reconcile.cron).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/conveyor/internal/camunda"
	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/reconciler"
	"github.com/shaiso/conveyor/internal/router"
	"github.com/shaiso/conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-reconciler")

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

	// Создаём топологию: basic.get по необъявленной очереди — ошибка
	// канала на стороне брокера, а не пустой результат
	if err := mq.SetupTopology(mqConn, router.New(cfg.Router).Queues()); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	publisher := mq.NewPublisher(mqConn, logger, mq.PublisherConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff(),
	})

	rec := reconciler.New(reconciler.Config{
		Engine:      engine,
		Source:      reconciler.NewQueueSource(mqConn, logger),
		DLQ:         publisher,
		Interval:    cfg.Reconcile.Interval(),
		Cron:        cfg.Reconcile.Cron,
		BatchSize:   cfg.Reconcile.BatchSize,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff(),
		Logger:      logger,
	})

	if err := rec.Start(ctx); err != nil {
		logger.Error("failed to start reconciler", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("RECONCILER_PORT"); v != "" {
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

	rec.Stop()
	logger.Info("conveyor-reconciler stopped")
}
