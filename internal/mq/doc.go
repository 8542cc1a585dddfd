// Package mq — слой RabbitMQ: соединение с reconnect, топология
// обменников и очередей, публикация с retry и потребление с ручным ack.
//
// Топология:
//
//	conveyor.tasks (topic)
//	├── notifications.queue ─┐
//	├── bitrix.queue         ├─ очереди downstream-систем,
//	├── openproject.queue    │  DLQ → conveyor.errors
//	└── tasks.queue (default)┘
//
//	conveyor.responses (direct)
//	└── responses.queue — дренируется reconciler'ом, DLQ → conveyor.errors
//
//	conveyor.errors (direct)
//	└── errors.queue — ручной разбор
//
// Гарантия доставки — at-least-once: persistent-публикации,
// ручной ack после полной обработки, requeue при nack.
package mq
