package events

import (
	"context"
	"encoding/json"
	"time"

	"ephemera/metrics"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	TypeCreated = "paste.created"
	TypeViewed  = "paste.viewed"
)

// Event is a lifecycle notification. It never carries paste content.
type Event struct {
	Type           string     `json:"type"`
	ID             string     `json:"id"`
	OccurredAt     time.Time  `json:"occurred_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	MaxViews       *int       `json:"max_views,omitempty"`
	RemainingViews *int       `json:"remaining_views,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event; used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func DialRabbitMQ(url, exchange string) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	p, err := NewRabbitMQPublisher(conn, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}
func NewRabbitMQPublisher(conn *amqp.Connection, exchange string) (*RabbitMQPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "declare exchange")
	}
	return &RabbitMQPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}
func (p *RabbitMQPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(e.Type, "error").Inc()
		return errors.Wrap(err, "marshal event")
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.OccurredAt,
		Type:         e.Type,
		Body:         body,
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues(e.Type, "error").Inc()
		return errors.Wrap(err, "publish event")
	}
	metrics.EventsPublished.WithLabelValues(e.Type, "ok").Inc()
	return nil
}

// Healthy reports whether the connection to the broker is still open.
func (p *RabbitMQPublisher) Healthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}
func (p *RabbitMQPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return errors.Wrap(err, "close channel")
	}
	return p.conn.Close()
}
