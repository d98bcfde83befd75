// Пакет messaging — интеграция с RabbitMQ: топология обменников
// и очередей, публикация событий файлов.
package messaging

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Топология событий файлов.
const (
	// ExchangeFileEvents — основной topic-обменник событий.
	ExchangeFileEvents = "file.events"
	// ExchangeDLX — dead letter обменник.
	ExchangeDLX = "file.events.dlx"
	// QueueProcessing — рабочая очередь воркера обработки.
	QueueProcessing = "file.processing"
	// QueueDLQ — очередь недоставленных сообщений.
	QueueDLQ = "file.processing.dlq"
	// RoutingKeyDLQ — ключ маршрутизации dead letter сообщений.
	RoutingKeyDLQ = "dlq.file.processing"
	// MessageTTLMs — TTL сообщения в рабочей очереди, мс.
	MessageTTLMs = 300000
)

// processingBindings — ключи маршрутизации, привязанные к рабочей очереди.
var processingBindings = []string{
	"file.uploaded",
	"file.processing.started",
	"file.processing.completed",
	"file.processing.failed",
}

// Connect устанавливает соединение с RabbitMQ.
func Connect(url string, logger *slog.Logger) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("подключение к RabbitMQ: %w", err)
	}
	logger.Info("Подключение к RabbitMQ установлено")
	return conn, nil
}

// DeclareTopology объявляет обменники, очереди и привязки.
// Декларации идемпотентны: повторный вызов с теми же параметрами
// безопасен.
func DeclareTopology(ch *amqp.Channel) error {
	// Основной topic-обменник событий
	if err := ch.ExchangeDeclare(
		ExchangeFileEvents, "topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("объявление обменника %s: %w", ExchangeFileEvents, err)
	}

	// Dead letter обменник
	if err := ch.ExchangeDeclare(
		ExchangeDLX, "topic",
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("объявление обменника %s: %w", ExchangeDLX, err)
	}

	// Рабочая очередь с DLX и TTL сообщений
	if _, err := ch.QueueDeclare(
		QueueProcessing,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		amqp.Table{
			"x-dead-letter-exchange":    ExchangeDLX,
			"x-dead-letter-routing-key": RoutingKeyDLQ,
			"x-message-ttl":             int32(MessageTTLMs),
		},
	); err != nil {
		return fmt.Errorf("объявление очереди %s: %w", QueueProcessing, err)
	}

	for _, key := range processingBindings {
		if err := ch.QueueBind(QueueProcessing, key, ExchangeFileEvents, false, nil); err != nil {
			return fmt.Errorf("привязка %s к %s: %w", key, QueueProcessing, err)
		}
	}

	// DLQ принимает все dead letter сообщения
	if _, err := ch.QueueDeclare(
		QueueDLQ,
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("объявление очереди %s: %w", QueueDLQ, err)
	}
	if err := ch.QueueBind(QueueDLQ, "dlq.#", ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("привязка dlq.# к %s: %w", QueueDLQ, err)
	}

	return nil
}
