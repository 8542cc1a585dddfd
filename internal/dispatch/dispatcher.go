package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/conveyor/internal/camunda"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
)

// Default configuration values.
const (
	defaultBatchSize    = 10
	defaultLockDuration = 5 * time.Minute
	defaultIdleWait     = 5 * time.Second
)

// Engine — поверхность движка, нужная dispatcher'у.
type Engine interface {
	FetchAndLock(ctx context.Context, maxTasks int, topics []camunda.TopicSubscription) ([]domain.ExternalTask, error)
}

// MetadataSource — источник BPMN-метаданных (кэш).
type MetadataSource interface {
	Get(ctx context.Context, definitionID, activityID string) domain.BpmnMetadata
}

// TopicResolver — маршрутизация топика в очередь.
type TopicResolver interface {
	Resolve(topic string) mq.Queue
}

// TaskPublisher — публикация задач в брокер.
type TaskPublisher interface {
	PublishTask(ctx context.Context, queue mq.Queue, task *domain.TaskMessage) error
}

// Dispatcher выбирает задачи из движка и раздаёт их downstream-очередям.
//
// Stateless: единственное состояние задачи — её lock в движке.
// Задача, чью публикацию не удалось завершить, просто остаётся
// под lock и будет выдана заново после его истечения.
type Dispatcher struct {
	engine    Engine
	metadata  MetadataSource
	router    TopicResolver
	publisher TaskPublisher

	topics       []string
	batchSize    int
	lockDuration time.Duration
	idleWait     time.Duration

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Dispatcher.
type Config struct {
	Engine    Engine
	Metadata  MetadataSource
	Router    TopicResolver
	Publisher TaskPublisher

	// Topics — топики для fetch-and-lock.
	Topics []string

	// BatchSize — maxTasks одного fetch (default: 10).
	BatchSize int

	// LockDuration — длительность lock (default: 5m).
	// Может быть очень большой: до завершения downstream-работы
	// lock — единственная защита от повторной выдачи.
	LockDuration time.Duration

	// IdleWait — пауза после пустого fetch-цикла (default: 5s).
	IdleWait time.Duration

	Logger *slog.Logger
}

// New создаёт Dispatcher.
func New(cfg Config) *Dispatcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	lockDuration := cfg.LockDuration
	if lockDuration <= 0 {
		lockDuration = defaultLockDuration
	}

	idleWait := cfg.IdleWait
	if idleWait <= 0 {
		idleWait = defaultIdleWait
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		engine:       cfg.Engine,
		metadata:     cfg.Metadata,
		router:       cfg.Router,
		publisher:    cfg.Publisher,
		topics:       cfg.Topics,
		batchSize:    batchSize,
		lockDuration: lockDuration,
		idleWait:     idleWait,
		logger:       logger,
	}
}

// Start запускает цикл выборки в отдельной горутине.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancelFunc = cancel

	d.logger.Info("starting dispatcher",
		"topics", d.topics,
		"batch_size", d.batchSize,
		"lock_duration", d.lockDuration,
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(ctx)
	}()
}

// Stop останавливает dispatcher, дождавшись конца текущего цикла.
func (d *Dispatcher) Stop() {
	if d.cancelFunc != nil {
		d.cancelFunc()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// loop — цикл fetch-and-lock.
func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dispatched, err := d.Cycle(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("fetch cycle failed", "error", err)
		}

		// Активный поток задач — без паузы между циклами
		if dispatched > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.idleWait):
		}
	}
}

// Cycle выполняет один цикл: fetch-and-lock, обогащение,
// маршрутизация и публикация. Возвращает число опубликованных задач.
//
// Ошибка обработки одной задачи не трогает остальные: задача
// остаётся под lock, движок выдаст её снова.
func (d *Dispatcher) Cycle(ctx context.Context) (int, error) {
	subs := make([]camunda.TopicSubscription, 0, len(d.topics))
	for _, topic := range d.topics {
		subs = append(subs, camunda.TopicSubscription{
			TopicName:    topic,
			LockDuration: d.lockDuration,
		})
	}

	tasks, err := d.engine.FetchAndLock(ctx, d.batchSize, subs)
	if err != nil {
		return 0, err
	}

	if len(tasks) == 0 {
		return 0, nil
	}

	d.logger.Debug("fetched tasks", "count", len(tasks))

	dispatched := 0
	for i := range tasks {
		task := &tasks[i]

		if err := d.dispatchOne(ctx, task); err != nil {
			d.logger.Error("failed to dispatch task, lock will lapse",
				"task_id", task.ID,
				"topic", task.TopicName,
				"error", err,
			)
			continue
		}
		dispatched++
	}

	return dispatched, nil
}

// dispatchOne обогащает и публикует одну задачу.
func (d *Dispatcher) dispatchOne(ctx context.Context, task *domain.ExternalTask) error {
	// Best-effort: при недоступном определении метаданные пустые,
	// dispatch не блокируется
	meta := d.metadata.Get(ctx, task.ProcessDefinitionID, task.ActivityID)

	queue := d.router.Resolve(task.TopicName)

	msg := domain.NewTaskMessage(task, meta)
	if err := d.publisher.PublishTask(ctx, queue, msg); err != nil {
		return err
	}

	d.logger.Info("task dispatched",
		"task_id", task.ID,
		"topic", task.TopicName,
		"queue", queue,
		"enriched", !meta.IsEmpty(),
	)

	return nil
}
