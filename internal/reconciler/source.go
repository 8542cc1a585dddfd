package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
)

// QueueSource дренирует responses.queue через basic.get.
//
// В отличие от push-consumer'а drain забирает только уже накопленные
// сообщения и сразу возвращается: пустая очередь не блокирует цикл,
// а размер пачки ограничивает число сообщений под невыданным ack.
type QueueSource struct {
	conn   *mq.Connection
	logger *slog.Logger
}

// NewQueueSource создаёт QueueSource поверх разделяемого соединения.
func NewQueueSource(conn *mq.Connection, logger *slog.Logger) *QueueSource {
	return &QueueSource{conn: conn, logger: logger}
}

// Drain забирает до max доступных сообщений из responses.queue.
//
// Ack/Nack каждого Delivery привязаны к каналу соединения; при разрыве
// между drain и ack вызов вернёт ошибку, а брокер сам вернёт
// неподтверждённое сообщение в очередь — повтор безопасен благодаря
// дедупликации reconciler'а.
func (s *QueueSource) Drain(ctx context.Context, max int) ([]Delivery, error) {
	ch := s.conn.Channel()
	if ch == nil {
		return nil, fmt.Errorf("broker channel unavailable")
	}

	deliveries := make([]Delivery, 0, max)

	for len(deliveries) < max {
		if err := ctx.Err(); err != nil {
			// Недообработанную пачку вернёт reconcileOne через Nack
			return deliveries, nil
		}

		raw, ok, err := ch.Get(string(mq.QueueResponses), false)
		if err != nil {
			return deliveries, fmt.Errorf("basic.get %s: %w", mq.QueueResponses, err)
		}
		if !ok {
			break
		}

		deliveries = append(deliveries, s.wrap(raw))
	}

	return deliveries, nil
}

// wrap превращает amqp.Delivery в Delivery reconciler'а,
// разбирая конверт и payload ответа.
func (s *QueueSource) wrap(raw amqp.Delivery) Delivery {
	d := Delivery{
		Raw: raw.Body,
		Ack: func() error {
			return raw.Ack(false)
		},
		Nack: func(requeue bool) error {
			return raw.Nack(false, requeue)
		},
	}

	var envelope mq.Message
	if err := json.Unmarshal(raw.Body, &envelope); err != nil {
		s.logger.Warn("failed to unmarshal response envelope", "error", err)
		return d
	}

	resp, err := mq.ParsePayload[domain.ResponseMessage](&envelope)
	if err != nil {
		s.logger.Warn("failed to parse response payload",
			"message_id", envelope.ID,
			"error", err,
		)
		return d
	}

	d.Response = &resp
	return d
}
