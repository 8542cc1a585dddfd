package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений моста.
const (
	MessageTypeTaskDispatch MessageType = "task.dispatch"
	MessageTypeTaskResponse MessageType = "task.response"
	MessageTypeDeadLetter   MessageType = "dead.letter"
)

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetterPayload — содержимое сообщения в errors.queue.
type DeadLetterPayload struct {
	// Reason — почему сообщение попало в dead-letter.
	Reason string `json:"reason"`

	// Original — исходное сообщение как есть.
	Original json.RawMessage `json:"original"`
}

// PublisherConfig — конфигурация Publisher.
type PublisherConfig struct {
	// MaxAttempts — потолок попыток публикации (default: 5).
	MaxAttempts int

	// BaseBackoff — стартовая задержка между попытками (default: 500ms).
	BaseBackoff time.Duration
}

// Publisher публикует сообщения моста в RabbitMQ.
//
// Два режима:
//   - PublishTask: ограниченный retry, на исчерпании — ошибка наверх
//     (задача остаётся под lock движка и вернётся после его истечения);
//   - PublishResponse: ограниченный retry с экспоненциальным backoff
//     и jitter, на исчерпании — dead-letter; ошибка никогда не
//     возвращается вызывающему.
type Publisher struct {
	conn        *Connection
	logger      *slog.Logger
	maxAttempts int
	baseBackoff time.Duration

	// publishRaw — точка публикации; подменяется в тестах.
	publishRaw func(ctx context.Context, exchange Exchange, routingKey RoutingKey, pub amqp.Publishing) error

	// sleep — ожидание между попытками; подменяется в тестах.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 500 * time.Millisecond
	}

	p := &Publisher{
		conn:        conn,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		sleep:       sleepCtx,
	}
	p.publishRaw = p.amqpPublish

	return p
}

// PublishTask публикует TaskMessage в очередь downstream-системы.
//
// Сообщение не может быть потеряно молча: при исчерпании попыток
// возвращается ошибка, фатальная для этой задачи — движок выдаст
// её заново после истечения lock.
func (p *Publisher) PublishTask(ctx context.Context, queue Queue, task *domain.TaskMessage) error {
	msg := &Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeTaskDispatch,
		Payload:   task,
		Timestamp: time.Now(),
	}

	err := p.publishWithRetry(ctx, ExchangeTasks, TaskRoutingKey(queue), msg)
	if err != nil {
		telemetry.DispatchFailures.WithLabelValues(string(queue)).Inc()
		return fmt.Errorf("publish task %s to %s: %w", task.TaskID, queue, err)
	}

	telemetry.TasksDispatched.WithLabelValues(string(queue)).Inc()
	return nil
}

// PublishResponse публикует ResponseMessage в responses.queue.
//
// Вызывается из handler'ов downstream-систем; по контракту никогда
// не возвращает ошибку: исчерпание retry уводит ответ в dead-letter
// с логом уровня error.
func (p *Publisher) PublishResponse(ctx context.Context, resp *domain.ResponseMessage) {
	msg := &Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeTaskResponse,
		Payload:   resp,
		Timestamp: time.Now(),
	}

	err := p.publishWithRetry(ctx, ExchangeResponses, RoutingKeyResponses, msg)
	if err == nil {
		return
	}

	p.logger.Error("response publish retries exhausted, routing to dead-letter",
		"task_id", resp.TaskID,
		"status", resp.Status,
		"error", err,
	)

	raw, mErr := json.Marshal(resp)
	if mErr != nil {
		raw = []byte(fmt.Sprintf("%+v", resp))
	}
	p.PublishDeadLetter(ctx, "response publish retries exhausted", raw)
}

// PublishDeadLetter отправляет сообщение в errors.queue.
// Best-effort: сбой здесь только логируется.
func (p *Publisher) PublishDeadLetter(ctx context.Context, reason string, original []byte) {
	// Original встраивается как есть; не-JSON тело заворачиваем
	// в строку, иначе конверт не сериализуется
	if !json.Valid(original) {
		original, _ = json.Marshal(string(original))
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeDeadLetter,
		Payload:   DeadLetterPayload{Reason: reason, Original: original},
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal dead-letter message", "error", err)
		return
	}

	err = p.publishRaw(ctx, ExchangeErrors, RoutingKeyErrors, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		p.logger.Error("failed to publish dead-letter message",
			"reason", reason,
			"error", err,
		)
		return
	}

	telemetry.DeadLetters.WithLabelValues(reason).Inc()
}

// publishWithRetry публикует с экспоненциальным backoff и jitter.
// Ровно maxAttempts попыток.
func (p *Publisher) publishWithRetry(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // переживает рестарт брокера
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.publishRaw(ctx, exchange, routingKey, pub)
		if lastErr == nil {
			if attempt > 1 {
				p.logger.Debug("publish succeeded after retry",
					"exchange", exchange,
					"attempt", attempt,
				)
			}
			return nil
		}

		if attempt == p.maxAttempts {
			break
		}

		delay := Backoff(attempt, p.baseBackoff)
		p.logger.Warn("publish failed, retrying",
			"exchange", exchange,
			"routing_key", routingKey,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// amqpPublish — публикация в текущий канал соединения.
func (p *Publisher) amqpPublish(ctx context.Context, exchange Exchange, routingKey RoutingKey, pub amqp.Publishing) error {
	ch := p.conn.Channel()
	if ch == nil {
		return fmt.Errorf("no channel available")
	}

	err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false, pub)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	return nil
}

// Backoff возвращает задержку перед попыткой attempt+1:
// base * 2^(attempt-1) с jitter ±25%, чтобы параллельные consumers
// не повторяли публикации синхронно.
func Backoff(attempt int, base time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}

// sleepCtx ждёт d с учётом отмены контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParsePayload парсит payload конверта в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// Payload после Unmarshal конверта — map; прогоняем через JSON
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}
