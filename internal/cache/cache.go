package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/conveyor/internal/bpmn"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultTTL        = 24 * time.Hour
	defaultMaxEntries = 150
)

// DocumentSource — источник документов определений процессов.
// Реализуется клиентом движка.
type DocumentSource interface {
	ProcessDefinitionXML(ctx context.Context, definitionID string) (string, error)
}

// Config — конфигурация кэша метаданных.
type Config struct {
	// Source — откуда брать документы определений.
	Source DocumentSource

	// TTL — время жизни записи (default: 24h).
	TTL time.Duration

	// MaxEntries — максимум записей (default: 150).
	MaxEntries int

	// Clock — источник времени (default: time.Now). Инжектируется для тестов.
	Clock func() time.Time

	Logger *slog.Logger
}

// key — ключ записи кэша.
type key struct {
	definitionID string
	activityID   string
}

// entry — запись кэша. Владеет ею исключительно кэш.
type entry struct {
	meta      domain.BpmnMetadata
	createdAt time.Time
	bytes     int

	// lastAccess — unix-наносекунды последнего обращения.
	// Атомарный, чтобы hit не требовал write-lock.
	lastAccess atomic.Int64
}

// Stats — счётчики кэша.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
	Bytes  int
}

// Cache — ограниченный по размеру и времени кэш BPMN-метаданных.
//
// Промах стоит одного сетевого fetch документа определения, но
// заполняет записи сразу для всех activities этого определения.
// Вытеснение: TTL-sweep при вставке; при переполнении — LRU,
// просроченные записи предпочтительнее свежих.
//
// Обогащение best-effort: если документ не удалось получить или
// разобрать, Get возвращает пустые метаданные и никогда не
// блокирует dispatch.
type Cache struct {
	source     DocumentSource
	ttl        time.Duration
	maxEntries int
	clock      func() time.Time
	logger     *slog.Logger

	mu      sync.RWMutex
	entries map[key]*entry
	bytes   int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New создаёт кэш.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		source:     cfg.Source,
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
		logger:     logger,
		entries:    make(map[key]*entry),
	}
}

// Get возвращает метаданные для (processDefinitionId, activityId).
//
// Возвращаемое значение read-only: кэш и все потребители разделяют
// одни map'ы, запись заменяется целиком при обновлении.
func (c *Cache) Get(ctx context.Context, definitionID, activityID string) domain.BpmnMetadata {
	k := key{definitionID: definitionID, activityID: activityID}
	now := c.clock()

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()

	if ok && now.Sub(e.createdAt) < c.ttl {
		e.lastAccess.Store(now.UnixNano())
		c.hits.Add(1)
		telemetry.CacheHits.Inc()
		return e.meta
	}

	c.misses.Add(1)
	telemetry.CacheMisses.Inc()

	return c.fill(ctx, k, now)
}

// fill выполняет fetch документа и вставляет записи всех activities.
func (c *Cache) fill(ctx context.Context, k key, now time.Time) domain.BpmnMetadata {
	doc, err := c.source.ProcessDefinitionXML(ctx, k.definitionID)
	if err != nil {
		c.logger.Warn("failed to fetch process definition, dispatching without metadata",
			"process_definition_id", k.definitionID,
			"activity_id", k.activityID,
			"error", err,
		)
		return domain.EmptyMetadata()
	}

	extracted, err := bpmn.Extract(doc)
	if err != nil {
		c.logger.Warn("failed to parse process definition, dispatching without metadata",
			"process_definition_id", k.definitionID,
			"activity_id", k.activityID,
			"error", err,
		)
		return domain.EmptyMetadata()
	}

	c.mu.Lock()
	for activityID, meta := range extracted {
		c.insertLocked(key{definitionID: k.definitionID, activityID: activityID}, meta, now)
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	if meta, ok := extracted[k.activityID]; ok {
		return meta
	}

	// Activity нет в документе — обогащения не будет.
	c.logger.Debug("activity not present in process definition",
		"process_definition_id", k.definitionID,
		"activity_id", k.activityID,
	)
	return domain.EmptyMetadata()
}

// insertLocked вставляет запись, вытесняя при необходимости.
// Вызывается под write-lock.
func (c *Cache) insertLocked(k key, meta domain.BpmnMetadata, now time.Time) {
	// Access-triggered sweep просроченных
	c.sweepLocked(now)

	if old, ok := c.entries[k]; ok {
		c.bytes -= old.bytes
		delete(c.entries, k)
	}

	for len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}

	e := &entry{
		meta:      meta,
		createdAt: now,
		bytes:     meta.ApproxBytes() + len(k.definitionID) + len(k.activityID),
	}
	e.lastAccess.Store(now.UnixNano())

	c.entries[k] = e
	c.bytes += e.bytes
}

// sweepLocked удаляет записи старше TTL.
func (c *Cache) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.createdAt) >= c.ttl {
			c.bytes -= e.bytes
			delete(c.entries, k)
		}
	}
}

// evictOneLocked вытесняет least-recently-used запись.
//
// Просроченные записи к этому моменту уже убраны sweep'ом — так
// реализуется предпочтение TTL-кандидатов перед свежими.
func (c *Cache) evictOneLocked() {
	var victim key
	var victimAccess int64
	found := false

	for k, e := range c.entries {
		access := e.lastAccess.Load()
		if !found || access < victimAccess {
			victim, victimAccess = k, access
			found = true
		}
	}

	if found {
		c.bytes -= c.entries[victim].bytes
		delete(c.entries, victim)
	}
}

// Sweep удаляет просроченные записи. Может вызываться периодически;
// обязательной не является — вставка делает то же самое.
func (c *Cache) Sweep() {
	now := c.clock()
	c.mu.Lock()
	c.sweepLocked(now)
	c.updateGaugesLocked()
	c.mu.Unlock()
}

// Stats возвращает текущие счётчики.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	bytes := c.bytes
	c.mu.RUnlock()

	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
		Bytes:  bytes,
	}
}

// updateGaugesLocked обновляет prometheus-gauges. Вызывается под lock.
func (c *Cache) updateGaugesLocked() {
	telemetry.CacheSize.Set(float64(len(c.entries)))
	telemetry.CacheBytes.Set(float64(c.bytes))
}
