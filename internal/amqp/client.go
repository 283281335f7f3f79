// Package amqp publishes and consumes ledger events over RabbitMQ.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"tally/internal/ledger"
	"tally/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
	prefetch       = 16
)

var errChannelClosed = errors.New("message channel closed")

// Handler processes one ledger event. Returning an error requeues it.
type Handler func(ctx context.Context, e ledger.Event) error

type Client struct {
	url          string
	exchangeName string
	queueName    string
	logger       *log.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	failureCount int64
	state        int32
	failMu       sync.Mutex
	lastFailure  time.Time
}

func NewClient(url, exchangeName, queueName string, logger *log.Logger) (*Client, error) {
	if logger != nil {
		logger = logger.WithComponent(log.ComponentAMQP)
	}
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		logger:       logger,
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if err := client.connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) log() *log.Logger {
	if c.logger == nil {
		return log.FromContext(context.Background()).WithComponent(log.ComponentAMQP)
	}
	return c.logger
}

// connect dials and declares the topology. Callers hold c.mu.
func (c *Client) connect() error {
	c.closeLocked()

	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn, c.channel = conn, channel
	if err := c.setup(); err != nil {
		c.closeLocked()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}
	return nil
}

func (c *Client) setup() error {
	// Declare exchange
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// Declare queue
	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Bind queue to exchange
	err = c.channel.QueueBind(
		c.queueName,    // queue name
		c.queueName,    // routing key (same as queue name for direct exchange)
		c.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}

// ensureConnected reconnects when the connection or channel has dropped.
// Callers hold c.mu.
func (c *Client) ensureConnected() error {
	if c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed() {
		return nil
	}
	return c.connect()
}

// PublishEvent publishes a ledger event.
func (c *Client) PublishEvent(ctx context.Context, e ledger.Event) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish event %s: circuit breaker is open", e.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	c.mu.Lock()
	err = c.ensureConnected()
	if err == nil {
		err = c.channel.PublishWithContext(
			ctx,
			c.exchangeName, // exchange
			c.queueName,    // routing key
			false,          // mandatory
			false,          // immediate
			amqp091.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp091.Persistent,
				MessageId:    e.ID.String(),
				Type:         string(e.Type),
				Timestamp:    e.OccurredAt,
				Body:         body,
			},
		)
	}
	c.mu.Unlock()

	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	c.log().DebugContext(ctx, "Published ledger event",
		log.FieldEventID, e.ID,
		log.FieldEventType, e.Type,
		log.FieldHousehold, e.HouseholdID,
		"exchange", c.exchangeName)
	return nil
}

// ConsumeEvents delivers events to handler until ctx ends, reconnecting with
// exponential backoff when the broker connection drops.
func (c *Client) ConsumeEvents(ctx context.Context, handler Handler) error {
	attempt := 0
	for {
		err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			c.log().InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		}
		if !errors.Is(err, errChannelClosed) && !isConnectionError(err) {
			return err
		}

		wait := exponentialBackoff(attempt)
		attempt++
		c.log().WarnContext(ctx, "Consumer disconnected, reconnecting",
			log.FieldError, err,
			"attempt", attempt,
			"backoff", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		c.mu.Lock()
		err = c.connect()
		c.mu.Unlock()
		if err != nil {
			c.log().ErrorContext(ctx, "Reconnect failed", log.FieldError, err)
			continue
		}
		attempt = 0
	}
}

func (c *Client) consumeOnce(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	if err := c.ensureConnected(); err != nil {
		c.mu.Unlock()
		return err
	}
	channel := c.channel
	c.mu.Unlock()

	if err := channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.log().InfoContext(ctx, "Started consuming ledger events", "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errChannelClosed
			}
			c.handle(ctx, delivery, handler)
		}
	}
}

type outcome int

const (
	acked outcome = iota
	rejected
	requeued
)

// handle acks processed events, drops malformed ones and requeues events
// whose handler failed.
func (c *Client) handle(ctx context.Context, d amqp091.Delivery, handler Handler) outcome {
	e, err := DecodeEvent(d.Body)
	if err != nil {
		c.log().ErrorContext(ctx, "Failed to decode message", log.FieldError, err, "message_id", d.MessageId)
		_ = d.Nack(false, false) // reject and don't requeue
		return rejected
	}

	if err := handler(ctx, e); err != nil {
		c.log().ErrorContext(ctx, "Failed to handle event",
			log.FieldError, err,
			log.FieldEventID, e.ID,
			log.FieldEventType, e.Type)
		_ = d.Nack(false, true) // reject and requeue
		return requeued
	}

	_ = d.Ack(false)
	c.log().DebugContext(ctx, "Processed ledger event", log.FieldEventID, e.ID, log.FieldEventType, e.Type)
	return acked
}

func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection closed",
		"EOF",
		"broken pipe",
		"use of closed network connection",
		"not open",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.failMu.Lock()
	last := c.lastFailure
	c.failMu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	n := atomic.AddInt64(&c.failureCount, 1)
	c.failMu.Lock()
	c.lastFailure = time.Now()
	c.failMu.Unlock()
	if n >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

func (c *Client) closeLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
