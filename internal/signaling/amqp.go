package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/connections/rabbitmq"
)

// hubsGroup is the routing-key suffix every hub in a restaurant listens on,
// used for discovery broadcasts with no specific target.
const hubsGroup = "hubs"

// AMQPChannel implements Channel over a RabbitMQ topic exchange. Routing
// keys have the form "signal.<restaurant>.<target>", so the broker enforces
// the per-site scoping.
type AMQPChannel struct {
	mq *rabbitmq.Client
	lg *logger.Logger

	msgs chan Message

	mu     sync.Mutex
	selfID string
	stop   func()
	closed bool
}

// NewAMQPChannel wraps a connected broker client.
func NewAMQPChannel(mq *rabbitmq.Client, lg *logger.Logger) *AMQPChannel {
	return &AMQPChannel{mq: mq, lg: lg, msgs: make(chan Message, 64)}
}

var _ Channel = (*AMQPChannel)(nil)

func routingKey(restaurantID, target string) string {
	return fmt.Sprintf("signal.%s.%s", restaurantID, target)
}

func (c *AMQPChannel) JoinAsHub(ctx context.Context, restaurantID, hubID string) error {
	keys := []string{
		routingKey(restaurantID, hubID),
		routingKey(restaurantID, hubsGroup),
	}
	return c.join(ctx, hubID, keys)
}

func (c *AMQPChannel) JoinAsPeer(ctx context.Context, restaurantID, deviceID string) error {
	return c.join(ctx, deviceID, []string{routingKey(restaurantID, deviceID)})
}

func (c *AMQPChannel) join(_ context.Context, selfID string, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("signaling channel closed")
	}
	if c.stop != nil {
		return fmt.Errorf("already joined as %s", c.selfID)
	}

	deliveries, stop, err := c.mq.Consume(rabbitmq.SignalingExchange, keys, "signal-"+selfID)
	if err != nil {
		return fmt.Errorf("join signaling: %w", err)
	}
	c.selfID = selfID
	c.stop = stop

	go func() {
		for d := range deliveries {
			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				c.lg.Warn("signal_decode_failed", err, nil)
				continue
			}
			if msg.From == selfID {
				continue // own broadcast echoed back
			}
			select {
			case c.msgs <- msg:
			default:
				c.lg.Warn("signal_mailbox_full", nil, map[string]any{"kind": msg.Kind})
			}
		}
	}()
	return nil
}

func (c *AMQPChannel) Send(ctx context.Context, msg Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	target := msg.To
	if target == "" {
		target = hubsGroup
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.mq.Publish(ctx, rabbitmq.SignalingExchange, routingKey(msg.RestaurantID, target), body, false)
}

func (c *AMQPChannel) Messages() <-chan Message { return c.msgs }

func (c *AMQPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.stop != nil {
		c.stop()
	}
	return nil
}
