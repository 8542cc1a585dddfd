package mq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/conveyor/internal/domain"
)

// newTestPublisher возвращает Publisher с подменённой публикацией:
// без соединения, без реальных задержек.
func newTestPublisher(maxAttempts int, publish func(Exchange, RoutingKey, amqp.Publishing) error) (*Publisher, *[]time.Duration) {
	var delays []time.Duration

	p := NewPublisher(nil, slog.Default(), PublisherConfig{
		MaxAttempts: maxAttempts,
		BaseBackoff: 100 * time.Millisecond,
	})
	p.publishRaw = func(_ context.Context, ex Exchange, rk RoutingKey, pub amqp.Publishing) error {
		return publish(ex, rk, pub)
	}
	p.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	return p, &delays
}

func TestBackoff_StrictlyIncreases(t *testing.T) {
	base := 100 * time.Millisecond

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := Backoff(attempt, base)

		// jitter ±25% вокруг base*2^(attempt-1)
		nominal := base << (attempt - 1)
		lo := time.Duration(float64(nominal) * 0.75)
		hi := time.Duration(float64(nominal) * 1.25)
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
		}

		// Удвоение с jitter ±25%: интервалы соседних попыток
		// не пересекаются, рост строгий
		if d <= prev {
			t.Errorf("attempt %d: delay %v not greater than previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestPublishTask_SucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	p, delays := newTestPublisher(5, func(ex Exchange, rk RoutingKey, _ amqp.Publishing) error {
		attempts++
		if attempts < 3 {
			return errors.New("channel closed")
		}
		if ex != ExchangeTasks {
			t.Errorf("expected tasks exchange, got %s", ex)
		}
		if rk != TaskRoutingKey("notifications.queue") {
			t.Errorf("unexpected routing key: %s", rk)
		}
		return nil
	})

	err := p.PublishTask(context.Background(), "notifications.queue", &domain.TaskMessage{TaskID: "T1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(*delays) != 2 {
		t.Errorf("expected 2 backoff sleeps, got %d", len(*delays))
	}
}

func TestPublishTask_ExhaustionSurfacesError(t *testing.T) {
	attempts := 0
	p, _ := newTestPublisher(5, func(Exchange, RoutingKey, amqp.Publishing) error {
		attempts++
		return errors.New("broker unavailable")
	})

	err := p.PublishTask(context.Background(), "bitrix.queue", &domain.TaskMessage{TaskID: "T1"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// Ровно настроенное количество попыток
	if attempts != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", attempts)
	}
}

func TestPublishResponse_DeadLettersOnExhaustion(t *testing.T) {
	responseAttempts := 0
	deadLettered := false

	p, delays := newTestPublisher(5, nil)
	p.publishRaw = func(_ context.Context, ex Exchange, _ RoutingKey, pub amqp.Publishing) error {
		if ex == ExchangeResponses {
			responseAttempts++
			return errors.New("broker unavailable")
		}
		if ex == ExchangeErrors {
			deadLettered = true

			var msg Message
			if err := json.Unmarshal(pub.Body, &msg); err != nil {
				t.Fatalf("dead-letter body should be a valid envelope: %v", err)
			}
			if msg.Type != MessageTypeDeadLetter {
				t.Errorf("expected dead.letter type, got %s", msg.Type)
			}
		}
		return nil
	}

	// Не должно ни паниковать, ни возвращать ошибку
	p.PublishResponse(context.Background(), &domain.ResponseMessage{
		TaskID: "T1",
		Status: domain.StatusComplete,
	})

	if responseAttempts != 5 {
		t.Errorf("expected 5 response attempts, got %d", responseAttempts)
	}
	if !deadLettered {
		t.Error("exhausted response must be dead-lettered, never dropped")
	}

	// Задержки строго растут между попытками
	for i := 1; i < len(*delays); i++ {
		if (*delays)[i] <= (*delays)[i-1] {
			t.Errorf("delay %d (%v) should exceed delay %d (%v)",
				i, (*delays)[i], i-1, (*delays)[i-1])
		}
	}
}

func TestPublishResponse_NoRetryOnSuccess(t *testing.T) {
	attempts := 0
	p, _ := newTestPublisher(5, func(Exchange, RoutingKey, amqp.Publishing) error {
		attempts++
		return nil
	})

	p.PublishResponse(context.Background(), &domain.ResponseMessage{TaskID: "T1", Status: domain.StatusComplete})
	if attempts != 1 {
		t.Errorf("expected single attempt on success, got %d", attempts)
	}
}

func TestPublishWithRetry_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	p, _ := newTestPublisher(5, func(Exchange, RoutingKey, amqp.Publishing) error {
		attempts++
		return errors.New("broker unavailable")
	})
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := p.PublishTask(ctx, "tasks.queue", &domain.TaskMessage{TaskID: "T1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", attempts)
	}
}
