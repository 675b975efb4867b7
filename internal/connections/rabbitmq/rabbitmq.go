package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"restaurant-sync/internal/config"
)

// Exchanges declared by DeclareAll. The signaling exchange carries only
// connection-handshake messages; order notifications go to the fanout.
const (
	SignalingExchange    = "signaling_topic"
	NotificationExchange = "order_notifications"
)

// Client wraps one AMQP connection plus a channel with publisher confirms.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	acks <-chan amqp.Confirmation
	mu   sync.Mutex // serializes Publish while waiting for confirms
}

// Dial connects to the broker and enables publisher confirms.
func Dial(cfg config.RabbitMQConfig) (*Client, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Client{conn: conn, ch: ch, acks: acks}, nil
}

// Channel exposes the underlying AMQP channel for consumers.
func (c *Client) Channel() *amqp.Channel { return c.ch }

// Close tears down the channel and connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Ping is a cheap liveness check.
func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// DeclareAll declares the exchanges this system uses. Idempotent.
func (c *Client) DeclareAll() error {
	if err := c.ch.ExchangeDeclare(SignalingExchange, "topic", false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", SignalingExchange, err)
	}
	if err := c.ch.ExchangeDeclare(NotificationExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", NotificationExchange, err)
	}
	return nil
}

// Publish sends a message and waits for the broker ack (or ctx cancel).
func (c *Client) Publish(ctx context.Context, exchange, key string, body []byte, persistent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	err := c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: mode,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return err
	}

	select {
	case conf := <-c.acks:
		if conf.Ack {
			return nil
		}
		return errors.New("publish NACK from broker")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume binds a fresh exclusive queue to exchange with the given routing
// keys and starts delivering. Used by the signaling channel, where each
// participant gets its own transient mailbox.
func (c *Client) Consume(exchange string, routingKeys []string, consumer string) (<-chan amqp.Delivery, func(), error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consume channel: %w", err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("declare mailbox queue: %w", err)
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(queue.Name, key, exchange, false, nil); err != nil {
			ch.Close()
			return nil, nil, fmt.Errorf("bind %s to %s: %w", queue.Name, key, err)
		}
	}
	deliveries, err := ch.Consume(queue.Name, consumer, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queue.Name, err)
	}
	stop := func() {
		_ = ch.Cancel(consumer, false)
		_ = ch.Close()
	}
	return deliveries, stop, nil
}
