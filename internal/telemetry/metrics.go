package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики моста. Регистрируются в default registry —
// каждый бинарник отдаёт их через promhttp на /metrics.
var (
	// CacheHits — попадания в кэш метаданных.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_metadata_cache_hits_total",
		Help: "Number of metadata cache hits.",
	})

	// CacheMisses — промахи кэша метаданных.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_metadata_cache_misses_total",
		Help: "Number of metadata cache misses.",
	})

	// CacheSize — текущее количество записей в кэше.
	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_metadata_cache_entries",
		Help: "Current number of metadata cache entries.",
	})

	// CacheBytes — приблизительный объём кэша в байтах.
	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_metadata_cache_bytes",
		Help: "Approximate memory footprint of the metadata cache.",
	})

	// TasksDispatched — задачи, опубликованные в очереди downstream-систем.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_tasks_dispatched_total",
		Help: "Number of task messages published, by destination queue.",
	}, []string{"queue"})

	// DispatchFailures — публикации, исчерпавшие retry.
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_dispatch_failures_total",
		Help: "Number of task messages that exhausted publish retries.",
	}, []string{"queue"})

	// ResponsesReconciled — ответы, доведённые до движка, по статусу.
	ResponsesReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_responses_reconciled_total",
		Help: "Number of responses resolved against the engine, by status.",
	}, []string{"status"})

	// DeadLetters — сообщения, ушедшие в errors.queue, по причине.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_dead_letters_total",
		Help: "Number of messages routed to the dead-letter queue, by reason.",
	}, []string{"reason"})
)
