/**
 * @description
 * This package provides a simple producer for publishing domain events to RabbitMQ.
 * It encapsulates connecting, declaring the durable topic exchange and publishing
 * JSON bodies with a routing key.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - internal/domain: event payloads.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/rabbitmq/amqp091-go"
)

// Routing keys used on the events exchange.
const (
	RoutingKeyTransactionCommitted = "transaction.committed"
	RoutingKeyOTPRequested         = "notification.otp.requested"
	RoutingKeyFraudLabelled        = "transaction.fraud.labelled"
)

// DefaultExchange is used when no exchange is configured.
const DefaultExchange = "transfa.events"

// ErrPublisherUnavailable is returned by the fallback for events that must not be dropped.
var ErrPublisherUnavailable = errors.New("rabbitmq publisher unavailable")

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishTransactionCommitted(ctx context.Context, event domain.TransactionCommittedEvent) error
	PublishOTPRequested(ctx context.Context, event domain.OTPRequestedEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) Close() {}

func (p *EventProducerFallback) PublishTransactionCommitted(ctx context.Context, event domain.TransactionCommittedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"transaction committed event skipped\" transaction_id=%s", event.TransactionID)
	return nil
}

// PublishOTPRequested always fails: an undelivered code must surface as a delivery failure.
func (p *EventProducerFallback) PublishOTPRequested(ctx context.Context, event domain.OTPRequestedEvent) error {
	return ErrPublisherUnavailable
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ. Typed helpers publish to exchange.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *EventProducer) reopenChannel() error {
	if p.conn == nil || p.conn.IsClosed() {
		return amqp091.ErrClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return nil
}

func (p *EventProducer) declare(exchange string) error {
	return p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

// Publish sends a message to a specific exchange with a routing key. A failed
// declare or publish reopens the channel and retries once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	publish := func() error {
		if err := p.declare(exchange); err != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx,
			exchange,   // exchange
			routingKey, // routing key
			false,      // mandatory
			false,      // immediate
			amqp091.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp091.Persistent,
				Timestamp:    time.Now(),
				Body:         jsonBody,
			},
		)
	}

	if err := publish(); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		if reopenErr := p.reopenChannel(); reopenErr != nil {
			return err
		}
		return publish()
	}
	return nil
}

// PublishTransactionCommitted announces a persisted transaction.
func (p *EventProducer) PublishTransactionCommitted(ctx context.Context, event domain.TransactionCommittedEvent) error {
	return p.Publish(ctx, p.exchange, RoutingKeyTransactionCommitted, event)
}

// PublishOTPRequested hands a one-time code to the notification service.
func (p *EventProducer) PublishOTPRequested(ctx context.Context, event domain.OTPRequestedEvent) error {
	return p.Publish(ctx, p.exchange, RoutingKeyOTPRequested, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
