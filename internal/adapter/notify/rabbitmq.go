// Package notify delivers settlement events to users.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var (
	ErrPublishNacked   = errors.New("notify: broker nacked publish")
	ErrConfirmTimeout  = errors.New("notify: timed out waiting for broker confirm")
	ErrPublisherClosed = errors.New("notify: publisher closed")
)

const defaultConfirmTimeout = 5 * time.Second

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher implements ports.NotificationSink by publishing each event
// to a topic exchange with routing key settlement.<to_state>. Publishes wait
// for the broker's confirm so a failed delivery is retried by the queue.
type RabbitPublisher struct {
	mu             sync.Mutex
	conn           *amqp.Connection
	ch             Channel
	confirms       chan amqp.Confirmation
	exchange       string
	confirmTimeout time.Duration
	log            zerolog.Logger
}

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange string, log zerolog.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	pub, err := NewRabbitPublisher(ch, exchange, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	pub.conn = conn
	log.Info().Str("exchange", exchange).Msg("connected to rabbitmq")
	return pub, nil
}

// NewRabbitPublisher puts ch in confirm mode and declares a durable topic exchange.
func NewRabbitPublisher(ch Channel, exchange string, log zerolog.Logger) (*RabbitPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &RabbitPublisher{
		ch:             ch,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		exchange:       exchange,
		confirmTimeout: defaultConfirmTimeout,
		log:            log,
	}, nil
}

// RoutingKey returns the topic for an event.
func RoutingKey(event domain.SettlementEvent) string {
	return "settlement." + strings.ToLower(string(event.ToState))
}

func (p *RabbitPublisher) Notify(ctx context.Context, userID uuid.UUID, event domain.SettlementEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID.String(),
		Timestamp:    event.OccurredAt,
		Type:         string(event.ToState),
		Headers:      amqp.Table{"user_id": userID.String(), "settlement_id": event.SettlementID.String()},
		Body:         body,
	}

	// one outstanding publish at a time keeps confirms in order
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(event), false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := p.waitForConfirm(ctx); err != nil {
		return err
	}

	p.log.Debug().
		Str("event_id", event.EventID.String()).
		Str("settlement_id", event.SettlementID.String()).
		Str("routing_key", RoutingKey(event)).
		Msg("settlement event published")
	return nil
}

func (p *RabbitPublisher) waitForConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-p.confirms:
		if !ok {
			return ErrPublisherClosed
		}
		if !c.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, c.DeliveryTag)
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel and, when Dial opened it, the connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
