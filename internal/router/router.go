package router

import (
	"strings"
	"sync/atomic"

	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/mq"
)

// rule — скомпилированное правило маршрутизации.
type rule struct {
	topic  string
	prefix bool
	queue  mq.Queue
}

// table — одно поколение таблицы маршрутизации. Неизменяемо.
type table struct {
	rules        []rule
	defaultQueue mq.Queue
}

// Router отображает топик задачи в очередь downstream-системы.
//
// Resolve — чистая функция без побочных эффектов: в пределах одного
// поколения таблицы одинаковый топик всегда даёт одну и ту же очередь.
// Reload заменяет таблицу атомарно; читатели не блокируются.
type Router struct {
	current atomic.Pointer[table]
}

// New создаёт Router из конфигурации.
func New(cfg config.RouterConfig) *Router {
	r := &Router{}
	r.Reload(cfg)
	return r
}

// Reload атомарно заменяет таблицу маршрутизации.
func (r *Router) Reload(cfg config.RouterConfig) {
	t := &table{
		defaultQueue: mq.Queue(cfg.DefaultQueue),
	}
	for _, rc := range cfg.Rules {
		t.rules = append(t.rules, rule{
			topic:  rc.Topic,
			prefix: rc.Prefix,
			queue:  mq.Queue(rc.Queue),
		})
	}

	r.current.Store(t)
}

// Resolve возвращает очередь для топика.
//
// Порядок: точные совпадения раньше префиксных, внутри вида — порядок
// правил; без совпадений — очередь по умолчанию.
func (r *Router) Resolve(topic string) mq.Queue {
	t := r.current.Load()

	for _, rule := range t.rules {
		if !rule.prefix && rule.topic == topic {
			return rule.queue
		}
	}
	for _, rule := range t.rules {
		if rule.prefix && strings.HasPrefix(topic, rule.topic) {
			return rule.queue
		}
	}

	return t.defaultQueue
}

// Queues возвращает все очереди текущей таблицы (включая default),
// без дубликатов. Используется для декларации топологии.
func (r *Router) Queues() []mq.Queue {
	t := r.current.Load()

	seen := make(map[mq.Queue]bool)
	var queues []mq.Queue

	for _, rule := range t.rules {
		if !seen[rule.queue] {
			seen[rule.queue] = true
			queues = append(queues, rule.queue)
		}
	}
	if !seen[t.defaultQueue] {
		queues = append(queues, t.defaultQueue)
	}

	return queues
}

// Topics возвращает топики точных правил текущей таблицы.
// Dispatcher подписывается на них при fetch-and-lock.
//
// Префиксные правила не попадают в список: движок сопоставляет имена
// топиков только точно, и подписка на префикс никогда бы не выбрала
// задачи. Задачи под префиксные правила выбираются через явный
// список dispatch.topics.
func (r *Router) Topics() []string {
	t := r.current.Load()

	topics := make([]string, 0, len(t.rules))
	for _, rule := range t.rules {
		if rule.prefix {
			continue
		}
		topics = append(topics, rule.topic)
	}

	return topics
}
