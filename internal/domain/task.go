package domain

import "time"

// Variable — типизированное значение переменной процесса.
//
// Формат движка: каждое значение несёт свой тип
// (String, Integer, Boolean, Json и т.д.).
type Variable struct {
	// Value — само значение.
	Value any `json:"value"`

	// Type — тип значения в терминах движка.
	Type string `json:"type,omitempty"`
}

// Variables — набор переменных процесса по имени.
type Variables map[string]Variable

// ExternalTask — единица работы, полученная от движка через fetch-and-lock.
//
// Создаётся при выборке из движка, неизменяема после dispatch.
// Логически уничтожается, когда движок принимает complete/failure.
type ExternalTask struct {
	// ID — идентификатор задачи в движке.
	ID string `json:"id"`

	// ProcessInstanceID — экземпляр процесса, породивший задачу.
	ProcessInstanceID string `json:"processInstanceId"`

	// ProcessDefinitionID — версия определения процесса.
	ProcessDefinitionID string `json:"processDefinitionId"`

	// ProcessDefinitionKey — ключ определения процесса (без версии).
	ProcessDefinitionKey string `json:"processDefinitionKey"`

	// ActivityID — ID activity в BPMN-диаграмме.
	// Вместе с ProcessDefinitionID образует ключ метаданных.
	ActivityID string `json:"activityId"`

	// TenantID — tenant движка (может быть пустым).
	TenantID string `json:"tenantId,omitempty"`

	// TopicName — топик external task. Определяет downstream-систему.
	TopicName string `json:"topicName"`

	// WorkerID — идентификатор воркера, удерживающего lock.
	WorkerID string `json:"workerId"`

	// Variables — переменные процесса, запрошенные при fetch.
	Variables Variables `json:"variables,omitempty"`

	// Retries — оставшиеся попытки на стороне движка (nil — не задано).
	Retries *int `json:"retries,omitempty"`

	// LockExpirationTime — момент истечения lock.
	// Lock может удерживаться очень долго (до года) — это единственное
	// «состояние» задачи, durable-хранилища у моста нет.
	LockExpirationTime time.Time `json:"lockExpirationTime"`
}

// LockExpired возвращает true, если lock истёк на момент now.
func (t *ExternalTask) LockExpired(now time.Time) bool {
	return !t.LockExpirationTime.IsZero() && now.After(t.LockExpirationTime)
}
