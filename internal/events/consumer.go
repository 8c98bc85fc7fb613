package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bda-association/bda-portal/internal/observability"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. A returned error rejects the message
// without requeueing it.
type Handler func(ctx context.Context, routingKey string, body []byte) error

type Consumer struct {
	url         string
	exchange    string
	queue       string
	routingKeys []string
	prefetch    int
	logger      *slog.Logger
}

func NewConsumer(url, exchange, queue string, routingKeys []string, logger *slog.Logger) *Consumer {
	return &Consumer{
		url:         url,
		exchange:    exchange,
		queue:       queue,
		routingKeys: routingKeys,
		prefetch:    10,
		logger:      observability.Component(logger, "event_consumer").With("queue", queue),
	}
}

// Run consumes until ctx is done, reconnecting with exponential backoff
// whenever the broker connection is lost.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	for {
		err := c.consume(ctx, handle, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		c.logger.WarnContext(ctx, "consumer disconnected, reconnecting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, handle Handler, connected func()) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := declareExchange(ch, c.exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range c.routingKeys {
		if err := ch.QueueBind(c.queue, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	connected()
	c.logger.InfoContext(ctx, "consumer connected")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return errors.New("connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.dispatch(ctx, handle, d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, handle Handler, d amqp.Delivery) {
	ctx, span := observability.StartConsumeSpan(ctx, c.queue, d.RoutingKey, d.MessageId)
	defer span.End()
	if err := handle(ctx, d.RoutingKey, d.Body); err != nil {
		c.logger.ErrorContext(ctx, "event handling failed", "routing_key", d.RoutingKey, "message_id", d.MessageId, "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
