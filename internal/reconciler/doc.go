// Package reconciler доводит ответы downstream-систем до движка.
//
// Периодический цикл (интервал либо cron) дренирует responses.queue
// через basic.get и для каждого ответа вызывает complete, failure или
// bpmnError движка. Терминальные состояния ответа:
//
//   - completed: движок подтвердил вызов, сообщение ack;
//   - failed-retriable: вызов прерван остановкой, сообщение nack с
//     requeue и будет повторено следующим циклом;
//   - failed-terminal: попытки исчерпаны либо ответ нечитаем/безадресен,
//     сообщение уходит в errors.queue и ack.
//
// Первый принятый ответ по task id — авторитетный. Дубликаты ловятся
// ограниченным окном недавно решённых id; потеря записи окна безопасна,
// потому что повторный вызов движка по решённой задаче возвращает
// ErrTaskGone и разрешается как no-op.
package reconciler
