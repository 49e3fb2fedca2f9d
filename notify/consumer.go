package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go-leaseguard/pipeline"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one decoded notification.
type Handler func(ctx context.Context, n pipeline.Notification) error

// Consumer feeds notifications from a queue to a Handler.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue   string
	Handler Handler

	// DEFAULT: 1
	Prefetch int
}

// NewConsumer creates a Consumer on conn.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: max(cfg.Prefetch, 1),
	}
}

// Run consumes until ctx is done, resubscribing after reconnects.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var deliveries, err = c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe", "queue", c.queue, "error", err)
			if err := c.awaitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.queue)

		if err := c.process(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries closed, waiting for reconnect", "queue", c.queue)
			if err := c.awaitReconnect(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) awaitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.Reconnected():
		return nil
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	var ch = c.conn.Channel()
	if ch == nil {
		return nil, errors.New("no channel available")
	}

	if err := DeclareQueue(ch, c.queue); err != nil {
		return nil, err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

func (c *Consumer) process(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var n, err = pipeline.DecodeNotification(raw.Body)
	if err != nil {
		c.logger.Error("dropping undecodable notification",
			"queue", c.queue,
			"error", err,
			"body", string(raw.Body))
		c.settle(raw.Nack(false, false))
		return
	}

	if err := c.handler(ctx, n); err != nil {
		c.logger.Error("notification handler failed, requeueing",
			"queue", c.queue,
			"history_id", n.HistoryID,
			"error", err)
		c.settle(raw.Nack(false, true))
		return
	}

	c.settle(raw.Ack(false))
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Warn("failed to settle delivery", "queue", c.queue, "error", err)
	}
}
