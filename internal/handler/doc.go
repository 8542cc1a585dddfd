// Package handler — контракт потребителя очереди downstream-системы.
//
// # Контракт
//
// Downstream-специфичная часть реализует Worker:
//
//	type Worker interface {
//	    DoWork(ctx context.Context, msg *domain.TaskMessage) (*Result, error)
//	    QueueName() mq.Queue
//	    Cleanup()
//	}
//
// New(worker, publisher, logger) оборачивает его в Handler, добавляя
// ProcessMessage — единственную точку входа из mq-слоя. ProcessMessage
// возвращает bool: true — ack, false — nack с requeue. Внутренние
// ошибки и паники DoWork не выходят за эту границу.
//
// Успешный DoWork публикует ResponseMessage (complete либо bpmn_error)
// в responses.queue и подтверждает сообщение. Дальше ответом занимается
// reconciler — handler не трогает движок напрямую.
//
// # Tracker
//
// Для систем, где работа завершается сильно позже приёма (дни),
// Tracker опрашивает downstream и публикует ответы по мере
// фактического завершения. Lock задачи в движке при этом продолжает
// удерживаться — он и есть всё состояние моста.
//
// # Registry
//
// Реестр очередь → handler собирается на старте процесса-потребителя.
package handler
