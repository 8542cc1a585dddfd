package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

// Обменники моста.
const (
	// ExchangeTasks — topic exchange для раздачи задач downstream-системам.
	ExchangeTasks Exchange = "conveyor.tasks"

	// ExchangeResponses — direct exchange для ответов downstream-систем.
	ExchangeResponses Exchange = "conveyor.responses"

	// ExchangeErrors — direct exchange dead-letter назначения.
	ExchangeErrors Exchange = "conveyor.errors"
)

// Служебные очереди.
const (
	// QueueResponses — очередь ответов, которую дренирует reconciler.
	QueueResponses Queue = "responses.queue"

	// QueueErrors — dead-letter очередь для ручного разбора.
	QueueErrors Queue = "errors.queue"
)

// Routing keys служебных очередей.
const (
	RoutingKeyResponses RoutingKey = "responses"
	RoutingKeyErrors    RoutingKey = "errors"
)

// TaskRoutingKey — ключ маршрутизации задачи в очередь downstream-системы.
// Очереди биндятся к topic exchange по собственному имени.
func TaskRoutingKey(q Queue) RoutingKey {
	return RoutingKey(q)
}

// SetupTopology декларирует обменники, очереди и биндинги.
//
// taskQueues — очереди downstream-систем ({system}.queue) из таблицы
// маршрутизации плюс очередь по умолчанию. Каждая получает DLQ-аргументы,
// указывающие на errors.queue: исчерпание redelivery на стороне брокера
// уводит сообщение туда же, куда и исчерпание retry на стороне моста.
func SetupTopology(conn *Connection, taskQueues []Queue) error {
	ch := conn.Channel()
	if ch == nil {
		return fmt.Errorf("no channel available")
	}

	if err := declareExchanges(ch); err != nil {
		return err
	}
	if err := declareQueues(ch, taskQueues); err != nil {
		return err
	}
	return bindQueues(ch, taskQueues)
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeTasks, "topic"},
		{ExchangeResponses, "direct"},
		{ExchangeErrors, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel, taskQueues []Queue) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeErrors),
		"x-dead-letter-routing-key": string(RoutingKeyErrors),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// responses.queue — с DLQ (невалидные ответы уходят в errors)
		{QueueResponses, dlqArgs},

		// errors.queue — сама dead-letter очередь
		{QueueErrors, nil},
	}

	for _, q := range taskQueues {
		queues = append(queues, struct {
			name Queue
			args amqp.Table
		}{q, dlqArgs})
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel, taskQueues []Queue) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueResponses, RoutingKeyResponses, ExchangeResponses},
		{QueueErrors, RoutingKeyErrors, ExchangeErrors},
	}

	for _, q := range taskQueues {
		bindings = append(bindings, struct {
			queue      Queue
			routingKey RoutingKey
			exchange   Exchange
		}{q, TaskRoutingKey(q), ExchangeTasks})
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}
