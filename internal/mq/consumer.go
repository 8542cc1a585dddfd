package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AckHandler — обработчик доставленного сообщения.
// true — ack (убрать из очереди), false — nack с requeue.
//
// Контракт: обработчик обязан поглощать все свои ошибки; неоднозначной
// семантики ack у необработанной ошибки быть не может.
type AckHandler func(ctx context.Context, msg *Delivery) bool

// Delivery — доставленное сообщение.
type Delivery struct {
	// Message — распарсенный конверт.
	Message Message

	// Raw — сырое AMQP-сообщение.
	Raw amqp.Delivery
}

// Consumer потребляет сообщения из одной очереди.
//
// Prefetch 1: одно сообщение обрабатывается до конца (ack/nack)
// прежде, чем брокер выдаст следующее.
type Consumer struct {
	conn    *Connection
	logger  *slog.Logger
	queue   Queue
	handler AckHandler

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Handler — обработчик с решением об ack.
	Handler AckHandler
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		conn:    conn,
		logger:  logger,
		queue:   cfg.Queue,
		handler: cfg.Handler,
	}
}

// Start запускает потребление. Блокирует до отмены контекста;
// штатная остановка — это nil, а не ошибка.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	return c.consume(ctx)
}

// consume — основной цикл: настройка, обработка, переподключение.
func (c *Consumer) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-c.conn.ReconnectNotify():
				c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
				continue
			}
		}

		c.logger.Info("consumer started", "queue", c.queue)

		if err := c.processDeliveries(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("deliveries channel closed, waiting for reconnect", "queue", c.queue)
			select {
			case <-ctx.Done():
				return nil
			case <-c.conn.ReconnectNotify():
				continue
			}
		}
	}
}

// setupConsume устанавливает prefetch и начинает потребление.
func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, fmt.Errorf("no channel available")
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		string(c.queue), // queue
		"",              // consumer tag (auto-generated)
		false,           // auto-ack (ack вручную)
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	return deliveries, nil
}

// processDeliveries обрабатывает сообщения из канала доставки.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery обрабатывает одно сообщение до конца.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message",
			"queue", c.queue,
			"error", err,
		)
		// Некорректный JSON — без requeue, очередь сконфигурирована
		// с dead-letter на errors.queue
		raw.Nack(false, false)
		return
	}

	delivery := &Delivery{Message: msg, Raw: raw}

	c.logger.Debug("received message",
		"queue", c.queue,
		"message_id", msg.ID,
		"type", msg.Type,
	)

	if c.handler(ctx, delivery) {
		raw.Ack(false)
		return
	}

	// NACK с requeue: брокер повторит доставку, после лимита
	// redelivery сообщение уйдёт в DLQ средствами брокера
	raw.Nack(false, true)
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}
