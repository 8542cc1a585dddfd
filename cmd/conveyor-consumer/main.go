// Conveyor Consumer — обрабатывает задачи очередей downstream-систем.
//
// Consumer:
//   - Потребляет TaskMessage из {system}.queue (prefetch 1, ручной ack)
//   - Выполняет работу через зарегистрированный handler очереди
//   - Публикует ResponseMessage в responses.queue
//
// Встроенный handler — webhook-доставка: адрес и метод берутся из
// BPMN-метаданных задачи. Downstream-системы со своим клиентом
// регистрируют собственный Worker на этапе сборки.
//
// Consumers масштабируются горизонтально: очередь делит задачи
// между экземплярами.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/handler"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/router"
	"github.com/shaiso/conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-consumer")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	// Реестр handler'ов: webhook-доставка на каждую очередь
	// таблицы маршрутизации
	registry := handler.NewRegistry()
	for _, q := range rt.Queues() {
		worker := handler.NewWebhookWorker(q, cfg.Engine.Timeout())
		h := handler.New(worker, publisher, telemetry.WithQueue(logger, string(q)))
		if err := registry.Register(h); err != nil {
			logger.Error("failed to register handler", "queue", q, "error", err)
			os.Exit(1)
		}
	}
	defer registry.CleanupAll()

	// По consumer'у на очередь; Start блокирует до отмены контекста
	var wg sync.WaitGroup
	var consumers []*mq.Consumer

	for _, h := range registry.All() {
		c := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Queue:   h.QueueName(),
			Handler: handler.AsAckHandler(h, publisher, logger),
		})
		consumers = append(consumers, c)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				logger.Error("consumer stopped with error", "error", err)
				cancel()
			}
		}()
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("CONSUMER_PORT"); v != "" {
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

	// Останавливаем потребление, дожидаемся текущих сообщений
	for _, c := range consumers {
		c.Stop()
	}
	wg.Wait()

	logger.Info("conveyor-consumer stopped")
}
