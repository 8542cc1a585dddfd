package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/conveyor/internal/camunda"
	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/router"
)

// fakeEngine отдаёт подготовленные батчи по одному на вызов.
type fakeEngine struct {
	mu      sync.Mutex
	batches [][]domain.ExternalTask
	subs    [][]camunda.TopicSubscription
	err     error
}

func (f *fakeEngine) FetchAndLock(_ context.Context, _ int, topics []camunda.TopicSubscription) ([]domain.ExternalTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, topics)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

// fakeMetadata фиксирует запрошенные ключи.
type fakeMetadata struct {
	mu   sync.Mutex
	keys []string
	meta domain.BpmnMetadata
}

func (f *fakeMetadata) Get(_ context.Context, definitionID, activityID string) domain.BpmnMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, definitionID+":"+activityID)
	return f.meta
}

// fakeTaskPublisher собирает публикации.
type fakeTaskPublisher struct {
	mu        sync.Mutex
	published map[mq.Queue][]*domain.TaskMessage
	failFor   map[string]error
}

func (f *fakeTaskPublisher) PublishTask(_ context.Context, queue mq.Queue, task *domain.TaskMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[task.TaskID]; ok {
		return err
	}
	if f.published == nil {
		f.published = make(map[mq.Queue][]*domain.TaskMessage)
	}
	f.published[queue] = append(f.published[queue], task)
	return nil
}

func testRouter() *router.Router {
	return router.New(config.RouterConfig{
		DefaultQueue: "tasks.queue",
		Rules: []config.RouteRule{
			{Topic: "send_email", Prefix: true, Queue: "notifications.queue"},
		},
	})
}

func emailTask(id string) domain.ExternalTask {
	return domain.ExternalTask{
		ID:                  id,
		ProcessInstanceID:   "pi-1",
		ProcessDefinitionID: "invoice:1:abc",
		ActivityID:          "sendEmailTask",
		TopicName:           "send_email",
		WorkerID:            "worker-1",
		LockExpirationTime:  time.Now().Add(5 * time.Minute),
	}
}

func TestCycle_EnrichRouteAndPublish(t *testing.T) {
	engine := &fakeEngine{batches: [][]domain.ExternalTask{{emailTask("T1")}}}
	meta := domain.EmptyMetadata()
	meta.ExtensionProperties["template"] = "invoice_ready"
	metadata := &fakeMetadata{meta: meta}
	publisher := &fakeTaskPublisher{}

	d := New(Config{
		Engine:       engine,
		Metadata:     metadata,
		Router:       testRouter(),
		Publisher:    publisher,
		Topics:       []string{"send_email"},
		LockDuration: 5 * time.Minute,
	})

	dispatched, err := d.Cycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("expected 1 dispatched, got %d", dispatched)
	}

	// Подписка уходит в движок с нужным lock duration
	sub := engine.subs[0][0]
	if sub.TopicName != "send_email" || sub.LockDuration != 5*time.Minute {
		t.Errorf("unexpected subscription: %+v", sub)
	}

	// Метаданные запрошены по ключу (definition, activity)
	if len(metadata.keys) != 1 || metadata.keys[0] != "invoice:1:abc:sendEmailTask" {
		t.Errorf("unexpected metadata keys: %v", metadata.keys)
	}

	// Маршрутизация по топику
	msgs := publisher.published["notifications.queue"]
	if len(msgs) != 1 {
		t.Fatalf("task should land in notifications.queue, got %v", publisher.published)
	}
	msg := msgs[0]
	if msg.TaskID != "T1" || msg.TopicName != "send_email" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.BpmnMetadata.ExtensionProperties["template"] != "invoice_ready" {
		t.Errorf("metadata should be attached: %+v", msg.BpmnMetadata)
	}
}

func TestCycle_UnknownTopicGoesToDefaultQueue(t *testing.T) {
	task := emailTask("T2")
	task.TopicName = "exotic_topic"

	engine := &fakeEngine{batches: [][]domain.ExternalTask{{task}}}
	publisher := &fakeTaskPublisher{}

	d := New(Config{
		Engine:    engine,
		Metadata:  &fakeMetadata{meta: domain.EmptyMetadata()},
		Router:    testRouter(),
		Publisher: publisher,
		Topics:    []string{"exotic_topic"},
	})

	if _, err := d.Cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(publisher.published["tasks.queue"]) != 1 {
		t.Errorf("unmatched topic should go to default queue, got %v", publisher.published)
	}
}

func TestCycle_PublishFailureDoesNotAffectOtherTasks(t *testing.T) {
	engine := &fakeEngine{batches: [][]domain.ExternalTask{
		{emailTask("T1"), emailTask("T2"), emailTask("T3")},
	}}
	publisher := &fakeTaskPublisher{
		failFor: map[string]error{"T2": errors.New("publish retries exhausted")},
	}

	d := New(Config{
		Engine:    engine,
		Metadata:  &fakeMetadata{meta: domain.EmptyMetadata()},
		Router:    testRouter(),
		Publisher: publisher,
		Topics:    []string{"send_email"},
	})

	dispatched, err := d.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle itself should not fail: %v", err)
	}
	if dispatched != 2 {
		t.Errorf("expected 2 dispatched despite T2 failure, got %d", dispatched)
	}
}

func TestCycle_FetchErrorSurfaces(t *testing.T) {
	engine := &fakeEngine{err: errors.New("engine unavailable")}

	d := New(Config{
		Engine:    engine,
		Metadata:  &fakeMetadata{meta: domain.EmptyMetadata()},
		Router:    testRouter(),
		Publisher: &fakeTaskPublisher{},
		Topics:    []string{"send_email"},
	})

	if _, err := d.Cycle(context.Background()); err == nil {
		t.Fatal("fetch error should surface")
	}
}

func TestStartStop_Graceful(t *testing.T) {
	engine := &fakeEngine{}

	d := New(Config{
		Engine:    engine,
		Metadata:  &fakeMetadata{meta: domain.EmptyMetadata()},
		Router:    testRouter(),
		Publisher: &fakeTaskPublisher{},
		Topics:    []string{"send_email"},
		IdleWait:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	cancel()
	d.Stop() // не должен зависнуть
}
