package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/conveyor/internal/camunda"
	"github.com/shaiso/conveyor/internal/domain"
)

type engineCall struct {
	method string
	taskID string
	code   string
	msg    string
	rtries int
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []engineCall

	completeErr  error
	failureErr   error
	bpmnErrorErr error
}

func (e *fakeEngine) Complete(_ context.Context, taskID string, _ domain.Variables) error {
	e.record(engineCall{method: "complete", taskID: taskID})
	return e.completeErr
}

func (e *fakeEngine) Failure(_ context.Context, taskID, message string, retries int, _ time.Duration) error {
	e.record(engineCall{method: "failure", taskID: taskID, msg: message, rtries: retries})
	return e.failureErr
}

func (e *fakeEngine) BpmnError(_ context.Context, taskID, errorCode, errorMessage string, _ domain.Variables) error {
	e.record(engineCall{method: "bpmnError", taskID: taskID, code: errorCode, msg: errorMessage})
	return e.bpmnErrorErr
}

func (e *fakeEngine) record(c engineCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeSource struct {
	batches [][]Delivery
}

func (s *fakeSource) Drain(_ context.Context, _ int) ([]Delivery, error) {
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	reasons []string
}

func (d *fakeDLQ) PublishDeadLetter(_ context.Context, reason string, _ []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
}

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reasons)
}

// ackTracker фиксирует судьбу одного сообщения.
type ackTracker struct {
	acked    bool
	nacked   bool
	requeued bool
}

func tracked(resp *domain.ResponseMessage) (*Delivery, *ackTracker) {
	tr := &ackTracker{}
	return &Delivery{
		Response: resp,
		Raw:      []byte("{}"),
		Ack: func() error {
			tr.acked = true
			return nil
		},
		Nack: func(requeue bool) error {
			tr.nacked = true
			tr.requeued = requeue
			return nil
		},
	}, tr
}

func newTestReconciler(engine Engine, source Source, dlq DeadLetterPublisher) *Reconciler {
	r := New(Config{
		Engine:      engine,
		Source:      source,
		DLQ:         dlq,
		MaxAttempts: 5,
		BaseBackoff: time.Millisecond,
		Logger:      slog.Default(),
	})
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestCycle_CompleteResponse(t *testing.T) {
	engine := &fakeEngine{}
	dlq := &fakeDLQ{}

	d, tr := tracked(&domain.ResponseMessage{
		TaskID:    "task-1",
		Status:    domain.StatusComplete,
		Variables: domain.Variables{"result": {Value: "ok", Type: "String"}},
	})
	source := &fakeSource{batches: [][]Delivery{{*d}}}

	r := newTestReconciler(engine, source, dlq)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	if got := engine.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1", got)
	}
	if engine.calls[0].method != "complete" || engine.calls[0].taskID != "task-1" {
		t.Errorf("unexpected call %+v", engine.calls[0])
	}
	if !tr.acked {
		t.Error("delivery was not acked")
	}
	if dlq.count() != 0 {
		t.Errorf("unexpected dead-letters: %v", dlq.reasons)
	}
}

func TestCycle_FailureResponseDefaults(t *testing.T) {
	engine := &fakeEngine{}

	d, _ := tracked(&domain.ResponseMessage{
		TaskID:       "task-f",
		Status:       domain.StatusFailure,
		ErrorMessage: "downstream timeout",
	})
	source := &fakeSource{batches: [][]Delivery{{*d}}}

	r := newTestReconciler(engine, source, &fakeDLQ{})

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	call := engine.calls[0]
	if call.method != "failure" {
		t.Fatalf("method = %q, want failure", call.method)
	}
	if call.msg != "downstream timeout" {
		t.Errorf("message = %q", call.msg)
	}
	// Retries не указан в ответе: берётся значение по умолчанию
	if call.rtries != 3 {
		t.Errorf("retries = %d, want 3", call.rtries)
	}
}

func TestCycle_BpmnErrorResponse(t *testing.T) {
	engine := &fakeEngine{}

	d, tr := tracked(&domain.ResponseMessage{
		TaskID:       "task-b",
		Status:       domain.StatusBpmnError,
		ErrorCode:    "ORDER_REJECTED",
		ErrorMessage: "insufficient funds",
	})
	source := &fakeSource{batches: [][]Delivery{{*d}}}

	r := newTestReconciler(engine, source, &fakeDLQ{})

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	call := engine.calls[0]
	if call.method != "bpmnError" || call.code != "ORDER_REJECTED" {
		t.Errorf("unexpected call %+v", call)
	}
	if !tr.acked {
		t.Error("delivery was not acked")
	}
}

func TestCycle_DuplicateResolvedOnce(t *testing.T) {
	engine := &fakeEngine{}

	resp := &domain.ResponseMessage{TaskID: "task-dup", Status: domain.StatusComplete}
	first, tr1 := tracked(resp)
	second, tr2 := tracked(resp)
	source := &fakeSource{batches: [][]Delivery{{*first, *second}}}

	r := newTestReconciler(engine, source, &fakeDLQ{})

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	// Первый ответ авторитетный; дубликат подтверждается без
	// второго вызова движка
	if got := engine.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1", got)
	}
	if !tr1.acked || !tr2.acked {
		t.Error("both deliveries must be acked")
	}
}

func TestCycle_DuplicateAcrossCycles(t *testing.T) {
	engine := &fakeEngine{}

	resp := &domain.ResponseMessage{TaskID: "task-dup2", Status: domain.StatusComplete}
	first, _ := tracked(resp)
	second, tr2 := tracked(resp)
	source := &fakeSource{batches: [][]Delivery{{*first}, {*second}}}

	r := newTestReconciler(engine, source, &fakeDLQ{})

	for i := 0; i < 2; i++ {
		if err := r.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle() error = %v", err)
		}
	}

	if got := engine.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1", got)
	}
	if !tr2.acked {
		t.Error("duplicate was not acked")
	}
}

func TestCycle_TaskGoneIsIdempotentNoop(t *testing.T) {
	engine := &fakeEngine{completeErr: camunda.ErrTaskGone}
	dlq := &fakeDLQ{}

	d, tr := tracked(&domain.ResponseMessage{TaskID: "task-gone", Status: domain.StatusComplete})
	source := &fakeSource{batches: [][]Delivery{{*d}}}

	r := newTestReconciler(engine, source, dlq)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	// Задача уже разрешена на стороне движка: без retry, без dead-letter
	if got := engine.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1 (no retries for gone task)", got)
	}
	if !tr.acked {
		t.Error("delivery was not acked")
	}
	if dlq.count() != 0 {
		t.Errorf("unexpected dead-letters: %v", dlq.reasons)
	}
}

func TestCycle_RetriesExhaustedDeadLetters(t *testing.T) {
	engine := &fakeEngine{completeErr: errors.New("engine unavailable")}
	dlq := &fakeDLQ{}

	d, tr := tracked(&domain.ResponseMessage{TaskID: "task-x", Status: domain.StatusComplete})
	source := &fakeSource{batches: [][]Delivery{{*d}}}

	r := newTestReconciler(engine, source, dlq)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	if got := engine.callCount(); got != 5 {
		t.Fatalf("engine calls = %d, want 5", got)
	}
	if dlq.count() != 1 {
		t.Fatalf("dead-letters = %d, want 1", dlq.count())
	}
	// Сообщение подтверждено: терминальная судьба зафиксирована в DLQ
	if !tr.acked {
		t.Error("delivery was not acked after dead-lettering")
	}
}

func TestCycle_TransientEngineFailureRecovers(t *testing.T) {
	engine := &fakeEngine{}
	failures := 2
	engine.completeErr = errors.New("transient")

	d, tr := tracked(&domain.ResponseMessage{TaskID: "task-t", Status: domain.StatusComplete})
	source := &fakeSource{batches: [][]Delivery{{*d}}}

	r := newTestReconciler(engine, source, &fakeDLQ{})
	r.sleep = func(context.Context, time.Duration) error {
		failures--
		if failures == 0 {
			engine.completeErr = nil
		}
		return nil
	}

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	if got := engine.callCount(); got != 3 {
		t.Fatalf("engine calls = %d, want 3", got)
	}
	if !tr.acked {
		t.Error("delivery was not acked")
	}
}

func TestCycle_UnparsableResponseDeadLetters(t *testing.T) {
	engine := &fakeEngine{}
	dlq := &fakeDLQ{}

	tr := &ackTracker{}
	d := Delivery{
		Response: nil,
		Raw:      []byte("not json"),
		Ack:      func() error { tr.acked = true; return nil },
		Nack:     func(bool) error { tr.nacked = true; return nil },
	}
	source := &fakeSource{batches: [][]Delivery{{d}}}

	r := newTestReconciler(engine, source, dlq)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	if engine.callCount() != 0 {
		t.Error("engine must not be called for unparsable response")
	}
	// Нечитаемый ответ не теряется молча
	if dlq.count() != 1 {
		t.Fatalf("dead-letters = %d, want 1", dlq.count())
	}
	if !tr.acked {
		t.Error("delivery was not acked")
	}
}

func TestCycle_MissingTaskIDDeadLetters(t *testing.T) {
	dlq := &fakeDLQ{}

	d, tr := tracked(&domain.ResponseMessage{Status: domain.StatusComplete})
	source := &fakeSource{batches: [][]Delivery{{*d}}}

	r := newTestReconciler(&fakeEngine{}, source, dlq)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	if dlq.count() != 1 {
		t.Fatalf("dead-letters = %d, want 1", dlq.count())
	}
	if !tr.acked {
		t.Error("delivery was not acked")
	}
}

func TestCycle_UnknownStatusDeadLetters(t *testing.T) {
	engine := &fakeEngine{}
	dlq := &fakeDLQ{}

	d, _ := tracked(&domain.ResponseMessage{TaskID: "task-u", Status: "finished"})
	source := &fakeSource{batches: [][]Delivery{{*d}}}

	r := newTestReconciler(engine, source, dlq)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	if engine.callCount() != 0 {
		t.Error("engine must not be called for unknown status")
	}
	if dlq.count() != 1 {
		t.Fatalf("dead-letters = %d, want 1", dlq.count())
	}
}

func TestCycle_CancelledContextRequeues(t *testing.T) {
	engine := &fakeEngine{completeErr: errors.New("engine unavailable")}
	dlq := &fakeDLQ{}

	d, tr := tracked(&domain.ResponseMessage{TaskID: "task-c", Status: domain.StatusComplete})
	source := &fakeSource{batches: [][]Delivery{{*d}}}

	r := newTestReconciler(engine, source, dlq)

	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if err := r.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	// Остановка посреди retry: ответ возвращается в очередь,
	// а не уходит в dead-letter
	if !tr.nacked || !tr.requeued {
		t.Error("delivery must be nacked with requeue")
	}
	if dlq.count() != 0 {
		t.Errorf("unexpected dead-letters: %v", dlq.reasons)
	}
}

func TestStartStop_Graceful(t *testing.T) {
	source := &fakeSource{}
	r := newTestReconciler(&fakeEngine{}, source, &fakeDLQ{})
	r.interval = 5 * time.Millisecond

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	r.Stop()
}

func TestStart_InvalidCronRejected(t *testing.T) {
	r := newTestReconciler(&fakeEngine{}, &fakeSource{}, &fakeDLQ{})
	r.cronExpr = "not a cron"

	if err := r.Start(context.Background()); err == nil {
		r.Stop()
		t.Fatal("Start() must reject invalid cron expression")
	}
}

func TestRecentSet_EvictsOldest(t *testing.T) {
	s := newRecentSet(3)

	s.Add("a")
	s.Add("b")
	s.Add("c")
	s.Add("d")

	if s.Contains("a") {
		t.Error("oldest entry must be evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !s.Contains(id) {
			t.Errorf("entry %q must remain", id)
		}
	}
	if got := s.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestRecentSet_AddIsIdempotent(t *testing.T) {
	s := newRecentSet(2)

	s.Add("a")
	s.Add("a")
	s.Add("b")

	if !s.Contains("a") || !s.Contains("b") {
		t.Error("both entries must be present")
	}
	if got := s.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}
