package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/conveyor/internal/camunda"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultInterval    = 30 * time.Second
	defaultBatchSize   = 50
	defaultMaxAttempts = 5
	defaultBaseBackoff = 500 * time.Millisecond
)

// cronParser — стандартные 5-польные cron-выражения.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Engine — вызовы движка для разрешения задач.
// Реализуется клиентом camunda.
type Engine interface {
	Complete(ctx context.Context, taskID string, variables domain.Variables) error
	Failure(ctx context.Context, taskID, message string, retries int, retryTimeout time.Duration) error
	BpmnError(ctx context.Context, taskID, errorCode, errorMessage string, variables domain.Variables) error
}

// Delivery — один элемент из responses.queue.
type Delivery struct {
	// Response — распарсенный ответ; nil, если тело нечитаемо.
	Response *domain.ResponseMessage

	// Raw — исходное тело для dead-letter.
	Raw []byte

	// Ack подтверждает сообщение.
	Ack func() error

	// Nack возвращает сообщение в очередь (requeue=true)
	// или отдаёт его DLQ брокера (requeue=false).
	Nack func(requeue bool) error
}

// Source — источник ответов (responses.queue).
type Source interface {
	// Drain забирает до max доступных сообщений, не дожидаясь новых.
	Drain(ctx context.Context, max int) ([]Delivery, error)
}

// DeadLetterPublisher — отправка в errors.queue.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, reason string, original []byte)
}

// Config — конфигурация Reconciler.
type Config struct {
	Engine Engine
	Source Source
	DLQ    DeadLetterPublisher

	// Interval — период между drain-циклами (default: 30s).
	Interval time.Duration

	// Cron — 5-польное cron-выражение вместо интервала (опционально).
	Cron string

	// BatchSize — максимум сообщений за цикл (default: 50).
	BatchSize int

	// MaxAttempts — потолок попыток вызова движка (default: 5).
	MaxAttempts int

	// BaseBackoff — стартовая задержка между попытками (default: 500ms).
	BaseBackoff time.Duration

	Logger *slog.Logger
}

// Reconciler дренирует responses.queue и доводит ответы до движка.
//
// Перенос асинхронного результата downstream-системы в complete/
// failure/bpmnError движка — независимо от того, сколько длилась
// downstream-обработка. Первый принятый ответ по task id —
// авторитетный; последующие подтверждаются без второго вызова движка.
type Reconciler struct {
	engine Engine
	source Source
	dlq    DeadLetterPublisher

	interval    time.Duration
	cronExpr    string
	batchSize   int
	maxAttempts int
	baseBackoff time.Duration

	recent *recentSet

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	// sleep — подменяется в тестах.
	sleep func(ctx context.Context, d time.Duration) error
}

// New создаёт Reconciler.
func New(cfg Config) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		engine:      cfg.Engine,
		source:      cfg.Source,
		dlq:         cfg.DLQ,
		interval:    interval,
		cronExpr:    cfg.Cron,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		recent:      newRecentSet(batchSize * 20),
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Start запускает периодический цикл в отдельной горутине.
func (r *Reconciler) Start(ctx context.Context) error {
	var schedule cron.Schedule
	if r.cronExpr != "" {
		var err error
		schedule, err = cronParser.Parse(r.cronExpr)
		if err != nil {
			return fmt.Errorf("parse reconcile cron %q: %w", r.cronExpr, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel

	r.logger.Info("starting reconciler",
		"interval", r.interval,
		"cron", r.cronExpr,
		"batch_size", r.batchSize,
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx, schedule)
	}()

	return nil
}

// Stop останавливает reconciler, дождавшись конца текущего цикла.
func (r *Reconciler) Stop() {
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

// loop — периодический цикл: интервал либо cron-расписание.
func (r *Reconciler) loop(ctx context.Context, schedule cron.Schedule) {
	for {
		var wait time.Duration
		if schedule != nil {
			wait = time.Until(schedule.Next(time.Now()))
		} else {
			wait = r.interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := r.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("reconcile cycle failed", "error", err)
		}
	}
}

// Cycle выполняет один drain-цикл.
//
// Ошибка разрешения одного task id никогда не блокирует остальные.
func (r *Reconciler) Cycle(ctx context.Context) error {
	deliveries, err := r.source.Drain(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("drain responses: %w", err)
	}

	if len(deliveries) == 0 {
		return nil
	}

	r.logger.Debug("drained responses", "count", len(deliveries))

	for i := range deliveries {
		r.reconcileOne(ctx, &deliveries[i])
	}

	return nil
}

// reconcileOne доводит один ответ до терминального состояния:
// completed (ack), failed-retriable (nack+requeue) или
// failed-terminal (dead-letter + ack).
func (r *Reconciler) reconcileOne(ctx context.Context, d *Delivery) {
	// Нечитаемый или безадресный ответ — в dead-letter, не молча
	if d.Response == nil {
		r.deadLetter(ctx, d, "unparsable response message")
		return
	}

	resp := d.Response
	logger := r.logger.With("task_id", resp.TaskID, "status", resp.Status)

	if resp.TaskID == "" {
		r.deadLetter(ctx, d, "response without task id")
		return
	}
	if !resp.Status.Valid() {
		r.deadLetter(ctx, d, fmt.Sprintf("unknown response status %q", resp.Status))
		return
	}

	// Дубликат: первый принятый ответ уже авторитетен,
	// движок второй раз не вызывается
	if r.recent.Contains(resp.TaskID) {
		logger.Debug("duplicate response acknowledged")
		telemetry.ResponsesReconciled.WithLabelValues("duplicate").Inc()
		d.Ack()
		return
	}

	err := r.resolveWithRetry(ctx, resp)

	switch {
	case err == nil:
		r.recent.Add(resp.TaskID)
		telemetry.ResponsesReconciled.WithLabelValues(string(resp.Status)).Inc()
		logger.Info("task resolved")
		d.Ack()

	case errors.Is(err, camunda.ErrTaskGone):
		// Задачи уже нет (решена ранее или процесс удалён) —
		// идемпотентный no-op
		r.recent.Add(resp.TaskID)
		telemetry.ResponsesReconciled.WithLabelValues("duplicate").Inc()
		logger.Debug("task already resolved on engine side")
		d.Ack()

	case ctx.Err() != nil:
		// Shutdown посреди retry: ответ остаётся в очереди
		logger.Warn("reconciliation interrupted, response remains queued")
		d.Nack(true)

	default:
		// Потолок попыток исчерпан — терминально
		logger.Error("reconciliation retries exhausted, routing to dead-letter", "error", err)
		r.deadLetter(ctx, d, "engine resolution retries exhausted")
	}
}

// resolveWithRetry вызывает движок с ограниченным экспоненциальным
// backoff.
func (r *Reconciler) resolveWithRetry(ctx context.Context, resp *domain.ResponseMessage) error {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = r.resolve(ctx, resp)
		if lastErr == nil || errors.Is(lastErr, camunda.ErrTaskGone) {
			return lastErr
		}

		if attempt == r.maxAttempts {
			break
		}

		delay := mq.Backoff(attempt, r.baseBackoff)
		r.logger.Warn("engine call failed, retrying",
			"task_id", resp.TaskID,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)

		if err := r.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

// resolve выполняет вызов движка по статусу ответа.
func (r *Reconciler) resolve(ctx context.Context, resp *domain.ResponseMessage) error {
	switch resp.Status {
	case domain.StatusComplete:
		return r.engine.Complete(ctx, resp.TaskID, resp.Variables)

	case domain.StatusFailure:
		retries := 3
		if resp.Retries != nil {
			retries = *resp.Retries
		}
		retryTimeout := time.Duration(resp.RetryTimeoutMs) * time.Millisecond
		if retryTimeout <= 0 {
			retryTimeout = time.Minute
		}
		return r.engine.Failure(ctx, resp.TaskID, resp.ErrorMessage, retries, retryTimeout)

	case domain.StatusBpmnError:
		return r.engine.BpmnError(ctx, resp.TaskID, resp.ErrorCode, resp.ErrorMessage, resp.Variables)
	}

	return fmt.Errorf("unknown status %q", resp.Status)
}

// deadLetter отправляет ответ в errors.queue и подтверждает сообщение.
func (r *Reconciler) deadLetter(ctx context.Context, d *Delivery, reason string) {
	r.dlq.PublishDeadLetter(ctx, reason, d.Raw)
	d.Ack()
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
