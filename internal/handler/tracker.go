package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
)

// Tracker следит за собственным сигналом завершения downstream-системы
// и переводит его в ResponseMessage.
//
// Разделяет «задача принята downstream» (ack handler'а) и «задача
// выполнена downstream» (ответ движку): для систем, где работа
// занимает дни, complete публикует не handler, а tracker.
type Tracker interface {
	// Track блокирует до отмены контекста, периодически опрашивая
	// downstream-систему и публикуя ответы по завершённым задачам.
	Track(ctx context.Context) error
}

// PollFunc опрашивает downstream-систему один раз и возвращает
// ответы по задачам, завершившимся с прошлого опроса.
type PollFunc func(ctx context.Context) ([]domain.ResponseMessage, error)

// PollTracker — Tracker на периодическом опросе.
type PollTracker struct {
	poll      PollFunc
	publisher ResponsePublisher
	interval  time.Duration
	logger    *slog.Logger
}

// NewPollTracker создаёт tracker с опросом раз в interval.
func NewPollTracker(poll PollFunc, publisher ResponsePublisher, interval time.Duration, logger *slog.Logger) *PollTracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PollTracker{
		poll:      poll,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
	}
}

// Track — цикл опроса. Ошибка одного опроса не останавливает цикл.
func (t *PollTracker) Track(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			responses, err := t.poll(ctx)
			if err != nil {
				t.logger.Warn("downstream poll failed", "error", err)
				continue
			}

			for i := range responses {
				t.publisher.PublishResponse(ctx, &responses[i])
			}

			if len(responses) > 0 {
				t.logger.Debug("tracked downstream completions", "count", len(responses))
			}
		}
	}
}
