package domain

// ResponseStatus — статус обработки задачи downstream-системой.
type ResponseStatus string

// Статусы ResponseMessage.
const (
	// StatusComplete — задача выполнена, движку передаются result variables.
	StatusComplete ResponseStatus = "complete"

	// StatusFailure — выполнение не удалось, движок решает про retry.
	StatusFailure ResponseStatus = "failure"

	// StatusBpmnError — бизнес-ошибка уровня процесса (именованный BPMN error).
	StatusBpmnError ResponseStatus = "bpmn_error"
)

// Valid возвращает true для известного статуса.
func (s ResponseStatus) Valid() bool {
	switch s {
	case StatusComplete, StatusFailure, StatusBpmnError:
		return true
	}
	return false
}

// TaskMessage — wire-представление задачи для downstream-очереди.
//
// Один неизменяемый payload на задачу; потребляется ровно одним
// экземпляром handler'а (at-least-once с учётом redelivery).
type TaskMessage struct {
	TaskID               string       `json:"task_id"`
	ProcessInstanceID    string       `json:"process_instance_id"`
	ProcessDefinitionID  string       `json:"process_definition_id"`
	ProcessDefinitionKey string       `json:"process_definition_key"`
	ActivityID           string       `json:"activity_id"`
	TenantID             string       `json:"tenant_id,omitempty"`
	TopicName            string       `json:"topic_name"`
	WorkerID             string       `json:"worker_id"`
	Variables            Variables    `json:"variables,omitempty"`
	BpmnMetadata         BpmnMetadata `json:"bpmn_metadata"`
}

// NewTaskMessage собирает TaskMessage из задачи и её метаданных.
func NewTaskMessage(task *ExternalTask, meta BpmnMetadata) *TaskMessage {
	return &TaskMessage{
		TaskID:               task.ID,
		ProcessInstanceID:    task.ProcessInstanceID,
		ProcessDefinitionID:  task.ProcessDefinitionID,
		ProcessDefinitionKey: task.ProcessDefinitionKey,
		ActivityID:           task.ActivityID,
		TenantID:             task.TenantID,
		TopicName:            task.TopicName,
		WorkerID:             task.WorkerID,
		Variables:            task.Variables,
		BpmnMetadata:         meta,
	}
}

// ResponseMessage — сигнал downstream-системы о судьбе задачи.
//
// Для одного task_id может прийти несколько сообщений (retry):
// первый принятый — авторитетный, остальные reconciler
// подтверждает и отбрасывает как дубликаты.
type ResponseMessage struct {
	TaskID            string         `json:"task_id"`
	ProcessInstanceID string         `json:"process_instance_id,omitempty"`
	WorkerID          string         `json:"worker_id"`
	Status            ResponseStatus `json:"status"`
	Variables         Variables      `json:"variables,omitempty"`

	// ErrorCode — код BPMN-ошибки (только для bpmn_error).
	ErrorCode string `json:"error_code,omitempty"`

	// ErrorMessage — текст ошибки (для failure и bpmn_error).
	ErrorMessage string `json:"error_message,omitempty"`

	// Retries — подсказка движку, сколько попыток оставить (для failure).
	Retries *int `json:"retries,omitempty"`

	// RetryTimeoutMs — пауза движка перед повторной выдачей (для failure).
	RetryTimeoutMs int64 `json:"retry_timeout_ms,omitempty"`
}
