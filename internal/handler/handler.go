package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
)

// Result — результат успешной обработки задачи downstream-системой.
type Result struct {
	// Variables — result variables для complete движка.
	Variables domain.Variables

	// BpmnError — бизнес-исход уровня процесса вместо complete.
	// Сообщение при этом ack'ается: это не сбой обработки.
	BpmnError *BpmnError
}

// BpmnError — именованная BPMN-ошибка как исход обработки.
type BpmnError struct {
	Code    string
	Message string
}

// Stats — счётчики работы handler'а.
type Stats struct {
	Seen      uint64
	Succeeded uint64
	Failed    uint64
}

// Worker — downstream-специфичная часть handler'а.
//
// DoWork возвращает результат либо ошибку/nil-результат как сигнал
// сбоя — исключений и паник контракт не предусматривает, но внешняя
// граница (ProcessMessage) на всякий случай поглощает и их.
type Worker interface {
	// DoWork выполняет бизнес-логику downstream-системы.
	// (nil, err) и (nil, nil) трактуются как сбой → NACK.
	DoWork(ctx context.Context, msg *domain.TaskMessage) (*Result, error)

	// QueueName — исходная очередь (для статистики и логов).
	QueueName() mq.Queue

	// Cleanup освобождает ресурсы downstream-системы (соединения,
	// сессии). Вызывается на каждом пути завершения жизни handler'а.
	Cleanup()
}

// Handler — полный контракт потребителя очереди downstream-системы.
//
// ProcessMessage — единственная точка входа из mq-слоя: true — ack,
// false — nack с requeue. Никакая ошибка не выходит за её пределы —
// у необработанной ошибки была бы неоднозначная семантика ack.
type Handler interface {
	Worker

	ProcessMessage(ctx context.Context, msg *domain.TaskMessage) bool
	Stats() Stats
}

// ResponsePublisher — публикация ответов в responses.queue.
// Реализуется mq.Publisher.
type ResponsePublisher interface {
	PublishResponse(ctx context.Context, resp *domain.ResponseMessage)
}

// handler оборачивает Worker в полный контракт: паники, счётчики,
// публикация ответа.
type handler struct {
	Worker

	publisher ResponsePublisher
	logger    *slog.Logger

	seen      atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// New оборачивает downstream-специфичный Worker в Handler.
func New(w Worker, publisher ResponsePublisher, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &handler{
		Worker:    w,
		publisher: publisher,
		logger:    logger,
	}
}

// ProcessMessage обрабатывает одно сообщение до решения об ack.
func (h *handler) ProcessMessage(ctx context.Context, msg *domain.TaskMessage) (ack bool) {
	h.seen.Add(1)

	logger := h.logger.With(
		"task_id", msg.TaskID,
		"topic", msg.TopicName,
		"queue", h.QueueName(),
	)

	// Паника в DoWork не должна пройти дальше: NACK, брокер повторит
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "panic", r)
			h.failed.Add(1)
			ack = false
		}
	}()

	result, err := h.DoWork(ctx, msg)
	if err != nil || result == nil {
		if err != nil {
			logger.Warn("downstream work failed, message will be redelivered", "error", err)
		} else {
			logger.Warn("downstream work returned no result, message will be redelivered")
		}
		h.failed.Add(1)
		return false
	}

	resp := &domain.ResponseMessage{
		TaskID:            msg.TaskID,
		ProcessInstanceID: msg.ProcessInstanceID,
		WorkerID:          msg.WorkerID,
		Status:            domain.StatusComplete,
		Variables:         result.Variables,
	}
	if result.BpmnError != nil {
		resp.Status = domain.StatusBpmnError
		resp.ErrorCode = result.BpmnError.Code
		resp.ErrorMessage = result.BpmnError.Message
	}

	// PublishResponse по контракту не возвращает ошибку:
	// исчерпание retry — это dead-letter внутри publisher'а
	h.publisher.PublishResponse(ctx, resp)

	h.succeeded.Add(1)
	logger.Debug("task processed", "status", resp.Status)
	return true
}

// Stats возвращает счётчики.
func (h *handler) Stats() Stats {
	return Stats{
		Seen:      h.seen.Load(),
		Succeeded: h.succeeded.Load(),
		Failed:    h.failed.Load(),
	}
}

// DeadLetterPublisher — отправка сообщений в errors.queue.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, reason string, original []byte)
}

// AsAckHandler адаптирует Handler к mq-слою: извлекает TaskMessage
// из конверта и передаёт в ProcessMessage.
//
// Конверт с нечитаемым payload ack'ается после dead-letter:
// requeue зациклил бы доставку, а молча отбрасывать нельзя.
func AsAckHandler(h Handler, dlq DeadLetterPublisher, logger *slog.Logger) mq.AckHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, delivery *mq.Delivery) bool {
		task, err := mq.ParsePayload[domain.TaskMessage](&delivery.Message)
		if err != nil {
			logger.Error("unparsable task payload, routing to dead-letter",
				"queue", h.QueueName(),
				"message_id", delivery.Message.ID,
				"error", err,
			)
			raw, _ := json.Marshal(delivery.Message)
			dlq.PublishDeadLetter(ctx, "unparsable task payload", raw)
			return true
		}

		return h.ProcessMessage(ctx, &task)
	}
}
