package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
)

const defaultWebhookTimeout = 30 * time.Second

// WebhookWorker — универсальный downstream: доставляет задачу
// HTTP-запросом в систему, у которой нет выделенного клиента.
//
// Адрес и метод берутся из BPMN-метаданных задачи:
//   - input parameter "url" либо extension property "webhook_url"
//   - extension property "webhook_method" (default: POST)
//
// Тело запроса — переменные задачи. Ответ 2xx — успех, переменная
// "webhook_status" уходит движку в complete.
type WebhookWorker struct {
	queue  mq.Queue
	client *http.Client
}

// NewWebhookWorker создаёт worker для очереди queue.
func NewWebhookWorker(queue mq.Queue, timeout time.Duration) *WebhookWorker {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	return &WebhookWorker{
		queue:  queue,
		client: &http.Client{Timeout: timeout},
	}
}

// DoWork выполняет HTTP-доставку задачи.
func (w *WebhookWorker) DoWork(ctx context.Context, msg *domain.TaskMessage) (*Result, error) {
	url := msg.BpmnMetadata.InputParameters["url"]
	if url == "" {
		url = msg.BpmnMetadata.ExtensionProperties["webhook_url"]
	}
	if url == "" {
		// Некуда доставлять — бизнес-ошибка процесса, не сбой моста
		return &Result{
			BpmnError: &BpmnError{
				Code:    "WEBHOOK_NOT_CONFIGURED",
				Message: fmt.Sprintf("no webhook url in metadata for activity %s", msg.ActivityID),
			},
		}, nil
	}

	method := msg.BpmnMetadata.ExtensionProperties["webhook_method"]
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(map[string]any{
		"task_id":             msg.TaskID,
		"process_instance_id": msg.ProcessInstanceID,
		"topic":               msg.TopicName,
		"variables":           msg.Variables,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	// Тело не нужно, но соединение должно вернуться в пул
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}

	return &Result{
		Variables: domain.Variables{
			"webhook_status": {Value: resp.StatusCode, Type: "Integer"},
		},
	}, nil
}

// QueueName возвращает очередь worker'а.
func (w *WebhookWorker) QueueName() mq.Queue {
	return w.queue
}

// Cleanup закрывает неиспользуемые соединения HTTP-клиента.
func (w *WebhookWorker) Cleanup() {
	w.client.CloseIdleConnections()
}
