package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arturkryukov/mediavault/internal/domain/event"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mv_events_published_total",
		Help: "Количество опубликованных событий по типу и результату.",
	}, []string{"event_type", "result"})
)

// Publisher публикует события файлов в обменник file.events.
// Канал переводится в confirm-режим: публикация считается успешной
// только после подтверждения брокером. Потокобезопасен: канал AMQP
// защищён мьютексом.
type Publisher struct {
	mu     sync.Mutex
	ch     *amqp.Channel
	logger *slog.Logger
}

// NewPublisher создаёт publisher поверх открытого канала и включает
// publisher confirms.
func NewPublisher(ch *amqp.Channel, logger *slog.Logger) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("включение confirm-режима канала: %w", err)
	}
	return &Publisher{
		ch:     ch,
		logger: logger,
	}, nil
}

// Publish сериализует событие, публикует его с ключом маршрутизации
// события и дожидается подтверждения брокера. Сообщения persistent,
// заголовки дублируют общие поля события для маршрутизации и отладки
// без разбора тела.
func (p *Publisher) Publish(ctx context.Context, e event.Event) error {
	body, err := event.Encode(e)
	if err != nil {
		publishedTotal.WithLabelValues(e.Metadata().EventType, "error").Inc()
		return err
	}

	meta := e.Metadata()

	p.mu.Lock()
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		ExchangeFileEvents,
		e.RoutingKey(),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    meta.EventID,
			Timestamp:    meta.Timestamp,
			Headers: amqp.Table{
				"eventId":   meta.EventID,
				"fileId":    meta.FileID,
				"userId":    meta.UserID,
				"eventType": meta.EventType,
				"timestamp": meta.Timestamp.Format(time.RFC3339Nano),
			},
		})
	p.mu.Unlock()

	if err != nil {
		publishedTotal.WithLabelValues(meta.EventType, "error").Inc()
		return fmt.Errorf("публикация события %s: %w", meta.EventType, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		publishedTotal.WithLabelValues(meta.EventType, "error").Inc()
		return fmt.Errorf("ожидание подтверждения события %s: %w", meta.EventType, err)
	}
	if !acked {
		publishedTotal.WithLabelValues(meta.EventType, "error").Inc()
		return fmt.Errorf("брокер отклонил событие %s (nack)", meta.EventType)
	}

	publishedTotal.WithLabelValues(meta.EventType, "success").Inc()
	p.logger.Debug("событие опубликовано",
		slog.String("event_type", meta.EventType),
		slog.String("event_id", meta.EventID),
		slog.String("file_id", meta.FileID),
		slog.String("routing_key", e.RoutingKey()),
	)
	return nil
}
