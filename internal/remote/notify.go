package remote

import (
	"context"
	"encoding/json"
	"time"

	"restaurant-sync/internal/connections/rabbitmq"
	"restaurant-sync/internal/domain"
)

// AMQPNotifier publishes order-created notifications to the fanout exchange.
// Delivery is best-effort: the caller logs and forgets failures.
type AMQPNotifier struct {
	mq *rabbitmq.Client
}

// NewAMQPNotifier wraps a connected broker client.
func NewAMQPNotifier(mq *rabbitmq.Client) *AMQPNotifier { return &AMQPNotifier{mq: mq} }

var _ Notifier = (*AMQPNotifier)(nil)

type orderCreatedEvent struct {
	ClientID     string    `json:"client_id"`
	RestaurantID string    `json:"restaurant_id"`
	Total        float64   `json:"total"`
	OrderType    string    `json:"order_type"`
	CreatedAt    time.Time `json:"created_at"`
}

func (n *AMQPNotifier) OrderCreated(ctx context.Context, order domain.Order) error {
	body, err := json.Marshal(orderCreatedEvent{
		ClientID:     order.ClientID,
		RestaurantID: order.RestaurantID,
		Total:        order.Total,
		OrderType:    order.OrderType,
		CreatedAt:    order.CreatedAt,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return n.mq.Publish(ctx, rabbitmq.NotificationExchange, "", body, true)
}
