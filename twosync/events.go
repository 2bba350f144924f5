// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys of marketplace domain events
const (
	EventListingCreated   = "listing.created"
	EventListingClosed    = "listing.closed"
	EventMessageSent      = "message.sent"
	EventUserRegistered   = "user.registered"
	EventSyncBatchApplied = "sync.batch_applied"
)

// Event is the envelope published for every committed domain change
type Event struct {
	Type       string    `json:"type"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

func newEvent(typ, entityID, actorID string, data any) Event {
	return Event{Type: typ, EntityID: entityID, ActorID: actorID, OccurredAt: time.Now().UTC(), Data: data}
}

// BatchSummary is the payload of sync.batch_applied
type BatchSummary struct {
	Applied map[string]int `json:"applied"`
	Invalid map[string]int `json:"invalid"`
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher builds a RabbitMQ publisher or a noop publisher when AMQP is disabled or unreachable.
func NewPublisher(amqpURL, exchange string, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if amqpURL == "" {
		return NewNoopPublisher("empty amqp url", logger)
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return NewNoopPublisher(err.Error(), logger)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return NewNoopPublisher(err.Error(), logger)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return NewNoopPublisher(err.Error(), logger)
	}

	logger.Info("RabbitMQ connected", "exchange", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, logger: logger}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
	logger *slog.Logger
}

// NewNoopPublisher returns a publisher that only logs routing keys at debug level
func NewNoopPublisher(reason string, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("RabbitMQ disabled, using noop publisher", "reason", reason)
	return &noopPublisher{reason: reason, logger: logger}
}

func (p *noopPublisher) Publish(_ context.Context, routingKey string, event any) error {
	if ev, ok := event.(Event); ok {
		p.logger.Debug("Noop publish", "routing_key", routingKey, "entity_id", ev.EntityID)
		return nil
	}
	p.logger.Debug("Noop publish", "routing_key", routingKey)
	return nil
}

func (*noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case *noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}
