package amqpout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"fitness-lead-bot/internal/domain"
	"fitness-lead-bot/internal/infra/metrics"
)

// Publisher публикует снапшоты лидов в обменник RabbitMQ.
// Второй канал доставки рядом с вебхуком: консьюмеры автоматизации
// разбирают события по routing key, равному типу события.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      zerolog.Logger
}

var _ domain.LeadDelivery = (*Publisher)(nil)

// NewPublisher подключается к брокеру и объявляет durable topic-обменник.
func NewPublisher(url, exchange string, logger zerolog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("подключение к amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("объявление обменника: %w", err)
	}
	return &Publisher{conn: conn, channel: channel, exchange: exchange, log: logger}, nil
}

// Send реализует domain.LeadDelivery.
func (p *Publisher) Send(ctx context.Context, snapshot domain.LeadSnapshot) bool {
	if err := snapshot.Validate(); err != nil {
		p.log.Error().Err(err).Int64("user", snapshot.UserID).Msg("amqp: снапшот не прошёл валидацию")
		return false
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		p.log.Error().Err(err).Int64("user", snapshot.UserID).Msg("amqp: не удалось сериализовать снапшот")
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	err = p.channel.PublishWithContext(pubCtx, p.exchange, snapshot.Event, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    snapshot.DeliveryID,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("amqp", "lead_publish", p.exchange, start, err)
	if err != nil {
		p.log.Error().Err(err).
			Int64("user", snapshot.UserID).
			Str("event", snapshot.Event).
			Msg("amqp: публикация не удалась")
		return false
	}
	return true
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
