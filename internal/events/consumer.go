package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"kickoff/internal/config"
)

// Channel is the subset of *amqp.Channel the consumer uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Dialer opens a channel. The returned Closer releases the channel and its
// connection.
type Dialer func() (Channel, io.Closer, error)

// Dial returns a Dialer for a RabbitMQ URL.
func Dial(url string) Dialer {
	return func() (Channel, io.Closer, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("open channel: %w", err)
		}
		return ch, conn, nil
	}
}

// Consumer reads match events and hands them to a Handler. It reconnects with
// capped exponential backoff until its context ends.
type Consumer struct {
	dial     Dialer
	handler  *Handler
	cfg      config.EventsConfig
	logger   *slog.Logger
	timeout  time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// WithHandleTimeout bounds each trigger run.
func WithHandleTimeout(d time.Duration) Option {
	return func(c *Consumer) { c.timeout = d }
}

// WithReconnectDelay overrides the reconnect backoff bounds.
func WithReconnectDelay(initial, ceiling time.Duration) Option {
	return func(c *Consumer) { c.minDelay, c.maxDelay = initial, ceiling }
}

// NewConsumer creates a Consumer.
func NewConsumer(dial Dialer, h *Handler, cfg config.EventsConfig, opts ...Option) *Consumer {
	c := &Consumer{
		dial:     dial,
		handler:  h,
		cfg:      cfg,
		logger:   slog.Default(),
		timeout:  30 * time.Second,
		minDelay: time.Second,
		maxDelay: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Prefetch <= 0 {
		c.cfg.Prefetch = 10
	}
	return c
}

// Run consumes until ctx ends. It only returns once ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	delay := c.minDelay
	for ctx.Err() == nil {
		ch, closer, err := c.dial()
		if err == nil {
			err = c.consume(ctx, ch)
			closer.Close()
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				// The broker closed the delivery stream after a healthy session.
				delay = c.minDelay
			}
		}
		c.logger.WarnContext(ctx, "match event consumer disconnected, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

// Setup declares the exchange, the queue with its dead-letter queue, and
// the binding.
func (c *Consumer) Setup(ch Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	dlq := c.cfg.Queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if err := ch.QueueBind(c.cfg.Queue, BindingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", c.cfg.Queue, err)
	}
	return ch.Qos(c.cfg.Prefetch, 0, false)
}

func (c *Consumer) consume(ctx context.Context, ch Channel) error {
	if err := c.Setup(ch); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.logger.InfoContext(ctx, "consuming match events", "queue", c.cfg.Queue, "exchange", c.cfg.Exchange)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.deliver(ctx, d)
		}
	}
}

// deliver handles one message. Malformed messages are dead-lettered. Trigger
// failures are logged and acknowledged: the triggers already queue their own
// retries, so redelivery would only duplicate sends.
func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With("routing_key", d.RoutingKey, "message_id", d.MessageId)

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	err := c.handle(hctx, d)

	switch {
	case errors.Is(err, ErrMalformed):
		log.WarnContext(ctx, "rejecting malformed match event", "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.ErrorContext(ctx, "failed to nack match event", "error", nackErr)
		}
		return
	case err != nil:
		log.ErrorContext(ctx, "match event trigger failed", "error", err)
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.ErrorContext(ctx, "failed to ack match event", "error", ackErr)
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", d.RoutingKey, r)
		}
	}()
	if ct := d.ContentType; ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("%w: content type %q", ErrMalformed, ct)
	}
	return c.handler.Handle(ctx, d.RoutingKey, d.Body)
}
