package camunda

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
)

// Ошибки клиента движка.
var (
	// ErrEngine — движок ответил ошибкой (5xx или сетевая).
	ErrEngine = errors.New("engine request failed")

	// ErrTaskGone — задача уже не существует или не заблокирована
	// этим воркером (404 или 500 с сообщением о lock). Для reconciler'а
	// это признак «уже решено», а не сбой.
	ErrTaskGone = errors.New("task no longer exists or is not locked")
)

// TopicSubscription — подписка fetch-and-lock на один топик.
type TopicSubscription struct {
	TopicName    string        `json:"topicName"`
	LockDuration time.Duration `json:"-"`
}

// Config — конфигурация клиента.
type Config struct {
	// BaseURL — корень REST API движка (".../engine-rest").
	BaseURL string

	// WorkerID — идентификатор воркера во всех вызовах.
	WorkerID string

	// Timeout — таймаут HTTP-запросов.
	Timeout time.Duration

	// User, Password — basic auth (опционально).
	User     string
	Password string

	// VerifyTLS — проверять сертификат движка.
	// false допустим только для тестовых стендов.
	VerifyTLS bool

	Logger *slog.Logger
}

// Client — REST-клиент BPMN-движка.
//
// Покрывает ровно ту поверхность, которую потребляет мост:
// fetch-and-lock, complete, failure, bpmn error и выборку
// документа определения процесса.
type Client struct {
	baseURL  string
	workerID string
	user     string
	password string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient создаёт клиент движка.
//
// Транспорт конструируется явно: отключение проверки TLS — обычная
// опция конфигурации, а не патч общей библиотеки.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport
	if !cfg.VerifyTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		workerID: cfg.WorkerID,
		user:     cfg.User,
		password: cfg.Password,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger,
	}
}

// WorkerID возвращает идентификатор воркера.
func (c *Client) WorkerID() string {
	return c.workerID
}

// --- fetch-and-lock ---

// fetchTopic — topic в формате движка (lockDuration в миллисекундах).
type fetchTopic struct {
	TopicName    string `json:"topicName"`
	LockDuration int64  `json:"lockDuration"`
}

type fetchAndLockRequest struct {
	WorkerID    string       `json:"workerId"`
	MaxTasks    int          `json:"maxTasks"`
	UsePriority bool         `json:"usePriority"`
	Topics      []fetchTopic `json:"topics"`
}

// lockedTask — внешний вид задачи в ответе движка.
type lockedTask struct {
	ID                   string            `json:"id"`
	ProcessInstanceID    string            `json:"processInstanceId"`
	ProcessDefinitionID  string            `json:"processDefinitionId"`
	ProcessDefinitionKey string            `json:"processDefinitionKey"`
	ActivityID           string            `json:"activityId"`
	TenantID             string            `json:"tenantId"`
	TopicName            string            `json:"topicName"`
	WorkerID             string            `json:"workerId"`
	Retries              *int              `json:"retries"`
	LockExpirationTime   engineTime        `json:"lockExpirationTime"`
	Variables            domain.Variables  `json:"variables"`
}

// FetchAndLock выбирает и блокирует до maxTasks задач по указанным топикам.
// Пустой ответ — не ошибка.
func (c *Client) FetchAndLock(ctx context.Context, maxTasks int, topics []TopicSubscription) ([]domain.ExternalTask, error) {
	req := fetchAndLockRequest{
		WorkerID:    c.workerID,
		MaxTasks:    maxTasks,
		UsePriority: true,
	}
	for _, t := range topics {
		req.Topics = append(req.Topics, fetchTopic{
			TopicName:    t.TopicName,
			LockDuration: t.LockDuration.Milliseconds(),
		})
	}

	var locked []lockedTask
	if err := c.post(ctx, "/external-task/fetchAndLock", req, &locked); err != nil {
		return nil, err
	}

	tasks := make([]domain.ExternalTask, 0, len(locked))
	for _, lt := range locked {
		tasks = append(tasks, domain.ExternalTask{
			ID:                   lt.ID,
			ProcessInstanceID:    lt.ProcessInstanceID,
			ProcessDefinitionID:  lt.ProcessDefinitionID,
			ProcessDefinitionKey: lt.ProcessDefinitionKey,
			ActivityID:           lt.ActivityID,
			TenantID:             lt.TenantID,
			TopicName:            lt.TopicName,
			WorkerID:             lt.WorkerID,
			Retries:              lt.Retries,
			LockExpirationTime:   time.Time(lt.LockExpirationTime),
			Variables:            lt.Variables,
		})
	}

	return tasks, nil
}

// --- завершение задач ---

type completeRequest struct {
	WorkerID  string           `json:"workerId"`
	Variables domain.Variables `json:"variables,omitempty"`
}

// Complete завершает задачу с result variables.
func (c *Client) Complete(ctx context.Context, taskID string, variables domain.Variables) error {
	req := completeRequest{WorkerID: c.workerID, Variables: variables}
	return c.post(ctx, "/external-task/"+taskID+"/complete", req, nil)
}

type failureRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	Retries      int    `json:"retries"`
	RetryTimeout int64  `json:"retryTimeout"`
}

// Failure сообщает движку о сбое обработки.
// retries — сколько попыток оставить, retryTimeout — пауза перед повтором.
func (c *Client) Failure(ctx context.Context, taskID, message string, retries int, retryTimeout time.Duration) error {
	req := failureRequest{
		WorkerID:     c.workerID,
		ErrorMessage: message,
		Retries:      retries,
		RetryTimeout: retryTimeout.Milliseconds(),
	}
	return c.post(ctx, "/external-task/"+taskID+"/failure", req, nil)
}

type bpmnErrorRequest struct {
	WorkerID     string           `json:"workerId"`
	ErrorCode    string           `json:"errorCode"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Variables    domain.Variables `json:"variables,omitempty"`
}

// BpmnError поднимает именованную BPMN-ошибку на задаче.
func (c *Client) BpmnError(ctx context.Context, taskID, errorCode, errorMessage string, variables domain.Variables) error {
	req := bpmnErrorRequest{
		WorkerID:     c.workerID,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		Variables:    variables,
	}
	return c.post(ctx, "/external-task/"+taskID+"/bpmnError", req, nil)
}

// --- определения процессов ---

type definitionXMLResponse struct {
	ID       string `json:"id"`
	Bpmn20ML string `json:"bpmn20Xml"`
}

// ProcessDefinitionXML возвращает BPMN-документ определения процесса.
func (c *Client) ProcessDefinitionXML(ctx context.Context, definitionID string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/process-definition/"+definitionID+"/xml", nil)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrEngine, err)
	}
	c.auth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrEngine, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode, body)
	}

	var parsed definitionXMLResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode definition: %v", ErrEngine, err)
	}

	return parsed.Bpmn20ML, nil
}

// --- транспорт ---

// post выполняет POST с JSON-телом; result может быть nil.
func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrEngine, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrEngine, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.auth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrEngine, err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrEngine, err)
		}
	}

	return nil
}

// auth добавляет basic auth, если настроен.
func (c *Client) auth(req *http.Request) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
}

// statusError превращает HTTP-статус в ошибку клиента.
// 404 — задача исчезла (завершена кем-то другим или процесс удалён).
func statusError(code int, body []byte) error {
	if code == http.StatusNotFound {
		return fmt.Errorf("%w: HTTP 404", ErrTaskGone)
	}
	return fmt.Errorf("%w: HTTP %d: %s", ErrEngine, code, truncate(string(body), 200))
}

// truncate обрезает строку для логов и сообщений об ошибках.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
