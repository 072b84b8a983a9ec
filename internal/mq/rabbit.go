// Package mq is the RabbitMQ transport: a durable queue for incident events and a
// fanout exchange for heartbeat run summaries.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cosplans/mq")

const (
	defaultPublishRetryBase = 300 * time.Millisecond
	defaultPublishRetryMax  = 10 * time.Second
	reconnectDelay          = time.Second
	defaultDialMaxElapsed   = 30 * time.Second
)

type QueueOptions struct {
	Durable    bool
	DLQEnabled bool
	DLQTTL     time.Duration
	Prefetch   int
}

type ConsumeOptions struct {
	QueueOptions
	HandlerTimeout   time.Duration
	DeadLetterOnFail bool
}

// RetryPolicy bounds publish retries and broker dials. MaxElapsed of zero retries
// publishes until ctx is done; dials then stop after defaultDialMaxElapsed.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

type Client struct {
	url    string
	name   string
	retry  RetryPolicy
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewClient(url, connectionName string, retry RetryPolicy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.Initial <= 0 {
		retry.Initial = defaultPublishRetryBase
	}
	if retry.Max <= 0 {
		retry.Max = defaultPublishRetryMax
	}
	return &Client{url: url, name: connectionName, retry: retry, logger: logger}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

// PublishJSON encodes v and publishes it persistently to queue, retrying per the
// client's RetryPolicy.
func (c *Client) PublishJSON(ctx context.Context, queue string, v any, opts QueueOptions) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", queue, err)
	}
	return c.Publish(ctx, queue, body, opts)
}

func (c *Client) Publish(ctx context.Context, queue string, body []byte, opts QueueOptions) error {
	ctx, span := startSpan(ctx, "rabbitmq.publish", trace.SpanKindProducer, queue, "publish")
	defer span.End()

	attempt := func() error {
		ch, err := c.channel(ctx)
		if err != nil {
			return err
		}
		defer ch.Close()

		if err := declareQueue(ch, queue, opts); err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			Body:         body,
			ContentType:  "application/json",
			Headers:      injectTrace(ctx, nil),
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			DeliveryMode: amqp.Persistent,
		})
	}

	if err := backoff.RetryNotify(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return attempt()
	}, backoff.WithContext(c.publishBackoff(), ctx), func(err error, wait time.Duration) {
		c.logger.Warn("rabbitmq: publish retry", "queue", queue, "wait", wait, "err", err)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume delivers messages from queue to handler until ctx is done, reconnecting
// after channel failures. A handler error nacks the delivery, dead-lettering it when
// DeadLetterOnFail is set and requeueing it otherwise.
func (c *Client) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler func(context.Context, amqp.Delivery) error) error {
	if handler == nil {
		return errors.New("mq: consume handler is nil")
	}
	for {
		err := c.consumeOnce(ctx, queue, opts, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("rabbitmq: consumer interrupted", "queue", queue, "err", err)
		if !sleepCtx(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, queue string, opts ConsumeOptions, handler func(context.Context, amqp.Delivery) error) error {
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareQueue(ch, queue, opts.QueueOptions); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			return fmt.Errorf("qos: %w", err)
		}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleDelivery(ctx, queue, opts, d, handler)
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return errors.New("channel closed")
		case <-ctx.Done():
			_ = ch.Cancel("", false)
			c.logger.Info("rabbitmq: stopping consumer", "queue", queue)
			return ctx.Err()
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, queue string, opts ConsumeOptions, d amqp.Delivery, handler func(context.Context, amqp.Delivery) error) {
	hctx, span := startSpan(extractTrace(ctx, d.Headers), "rabbitmq.consume", trace.SpanKindConsumer, queue, "process")
	span.SetAttributes(attribute.String("messaging.message.id", d.MessageId))
	defer span.End()

	if opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, opts.HandlerTimeout)
		defer cancel()
	}

	if err := handler(hctx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("rabbitmq: handler failed", "queue", queue, "message_id", d.MessageId, "err", err)
		_ = d.Nack(false, !opts.DeadLetterOnFail)
		return
	}
	_ = d.Ack(false)
}

// Broadcast publishes body to a fanout exchange. Broadcasts are best effort and not retried.
func (c *Client) Broadcast(ctx context.Context, exchange string, body []byte) error {
	ctx, span := startSpan(ctx, "rabbitmq.broadcast", trace.SpanKindProducer, exchange, "publish")
	defer span.End()

	ch, err := c.channel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		Body:        body,
		ContentType: "application/json",
		Headers:     injectTrace(ctx, nil),
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Subscribe binds a private auto-delete queue to the fanout exchange, so every
// subscriber sees every message, and calls handler for each body until ctx is done.
func (c *Client) Subscribe(ctx context.Context, exchange string, handler func(context.Context, []byte)) error {
	for {
		err := c.subscribeOnce(ctx, exchange, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("rabbitmq: subscription interrupted", "exchange", exchange, "err", err)
		if !sleepCtx(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

func (c *Client) subscribeOnce(ctx context.Context, exchange string, handler func(context.Context, []byte)) error {
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare subscriber queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", exchange, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", exchange, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			hctx, span := startSpan(extractTrace(ctx, d.Headers), "rabbitmq.subscribe", trace.SpanKindConsumer, exchange, "process")
			handler(hctx, d.Body)
			span.End()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return errors.New("channel closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) publishBackoff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retry.Initial
	exp.MaxInterval = c.retry.Max
	exp.MaxElapsedTime = c.retry.MaxElapsed
	return exp
}

func (c *Client) dialMaxElapsed() time.Duration {
	if c.retry.MaxElapsed > 0 {
		return c.retry.MaxElapsed
	}
	return defaultDialMaxElapsed
}

func (c *Client) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

func (c *Client) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxElapsedTime = c.dialMaxElapsed()

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var dialErr error
		conn, dialErr = amqp.DialConfig(c.url, amqp.Config{
			Properties: amqp.Table{"connection_name": c.name},
			Dial:       amqp.DefaultDial(5 * time.Second),
		})
		return dialErr
	}, backoff.WithContext(exp, ctx))
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	c.conn = conn
	c.logger.Info("connected to rabbitmq", "connection_name", c.name)
	return conn, nil
}

func declareQueue(ch *amqp.Channel, name string, opts QueueOptions) error {
	args := amqp.Table{}
	if opts.DLQEnabled {
		dlx := name + ".dlx"
		dlq := name + ".dlq"
		args["x-dead-letter-exchange"] = dlx
		if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
			return err
		}
		dlqArgs := amqp.Table{}
		if opts.DLQTTL > 0 {
			// expired dead letters flow back to the main queue
			dlqArgs["x-message-ttl"] = int64(opts.DLQTTL / time.Millisecond)
			dlqArgs["x-dead-letter-exchange"] = ""
			dlqArgs["x-dead-letter-routing-key"] = name
		}
		if _, err := ch.QueueDeclare(dlq, opts.Durable, false, false, false, dlqArgs); err != nil {
			return err
		}
		if err := ch.QueueBind(dlq, name, dlx, false, nil); err != nil {
			return err
		}
	}
	_, err := ch.QueueDeclare(name, opts.Durable, false, false, false, args)
	return err
}

func startSpan(ctx context.Context, name string, kind trace.SpanKind, destination, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", destination),
			attribute.String("messaging.operation", operation),
		),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
