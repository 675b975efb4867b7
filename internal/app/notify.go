package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/config"
	"restaurant-sync/internal/connections/rabbitmq"
)

type orderNotification struct {
	ClientID     string    `json:"client_id"`
	RestaurantID string    `json:"restaurant_id"`
	Total        float64   `json:"total"`
	OrderType    string    `json:"order_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunNotify subscribes to the order-created fanout and logs every
// notification. Back-office consumers (receipt printers, dashboards) follow
// the same pattern.
func RunNotify(ctx context.Context, cfg *config.Config) error {
	lg := logger.New("notification-subscriber")

	mq, err := rabbitmq.Dial(cfg.RabbitMQ)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer mq.Close()
	if err := mq.DeclareAll(); err != nil {
		return fmt.Errorf("declare exchanges: %w", err)
	}

	deliveries, stop, err := mq.Consume(rabbitmq.NotificationExchange, []string{""}, "notify-"+uuid.NewString()[:8])
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	defer stop()
	lg.Info("subscribed", map[string]any{"exchange": rabbitmq.NotificationExchange})

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("notification channel closed")
			}
			var n orderNotification
			if err := json.Unmarshal(d.Body, &n); err != nil {
				lg.Warn("notification_malformed", err, nil)
				continue
			}
			lg.Info("order_created", map[string]any{
				"client_id":     n.ClientID,
				"restaurant_id": n.RestaurantID,
				"total":         n.Total,
				"order_type":    n.OrderType,
			})
		}
	}
}
