package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Routing keys for the auction topic exchange.
const (
	RouteLotClosed        = "lot.closed"
	RouteLotCancelled     = "lot.cancelled"
	RouteSettlementDone   = "settlement.settled"
	RouteSettlementFailed = "settlement.failed"
	RoutePaymentDeclined  = "payment.declined"
)

// Publisher emits auction lifecycle and settlement events to a RabbitMQ
// topic exchange. Downstream consumers (notification senders, search
// indexers) bind their own queues. Publishing is best effort: a broker
// failure is logged and never fails the operation that produced the event.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisher connects to the broker and declares the topic exchange. An
// empty URL returns a nil publisher, which is safe to call and publishes
// nothing.
func NewPublisher(url, exchange string) (*Publisher, error) {
	if url == "" {
		logrus.Info("AMQP URL not configured, event publishing disabled")
		return nil, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	logrus.WithFields(logrus.Fields{
		"component": "EventPublisher",
		"exchange":  exchange,
	}).Info("Connected to AMQP broker")

	return &Publisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish sends one event under the given routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload interface{}) {
	if p == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("routing_key", routingKey).Error("Failed to encode event payload")
		return
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"component":   "EventPublisher",
			"routing_key": routingKey,
		}).Error("Failed to publish event")
		return
	}

	logrus.WithFields(logrus.Fields{
		"component":   "EventPublisher",
		"routing_key": routingKey,
	}).Debug("Published event")
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
