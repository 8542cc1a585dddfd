package handler

import (
	"fmt"

	"github.com/shaiso/conveyor/internal/mq"
)

// Registry — реестр handler'ов по очередям.
//
// Заполняется на старте процесса-потребителя: соответствие
// очередь → handler известно на этапе компиляции, никакой
// динамической загрузки по имени в момент обработки.
type Registry struct {
	handlers map[mq.Queue]Handler
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[mq.Queue]Handler)}
}

// Register добавляет handler для его очереди.
// Повторная регистрация очереди — ошибка конфигурации процесса.
func (r *Registry) Register(h Handler) error {
	q := h.QueueName()
	if _, exists := r.handlers[q]; exists {
		return fmt.Errorf("handler for queue %s already registered", q)
	}
	r.handlers[q] = h
	return nil
}

// Get возвращает handler очереди.
func (r *Registry) Get(q mq.Queue) (Handler, bool) {
	h, ok := r.handlers[q]
	return h, ok
}

// All возвращает все зарегистрированные handler'ы.
func (r *Registry) All() []Handler {
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	return out
}

// CleanupAll вызывает Cleanup у всех handler'ов.
// Вызывается при graceful shutdown процесса-потребителя.
func (r *Registry) CleanupAll() {
	for _, h := range r.handlers {
		h.Cleanup()
	}
}
