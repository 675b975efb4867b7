package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"restaurant-sync/internal/domain"
)

// Client is the Postgres implementation of Store.
type Client struct {
	db *sql.DB
}

// NewClient wraps an open database handle.
func NewClient(db *sql.DB) *Client { return &Client{db: db} }

var _ Store = (*Client)(nil)

func (c *Client) LookupByClientID(ctx context.Context, clientID string) (int64, bool, error) {
	var id int64
	err := c.db.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE client_id = $1`, clientID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("lookup order", err)
	}
	return id, true, nil
}

func (c *Client) CreateOrder(ctx context.Context, order domain.Order) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO orders
		    (client_id, restaurant_id, table_id, total, customer_name, customer_email,
		     customer_phone, notes, status, order_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING id
	`,
		order.ClientID, order.RestaurantID, order.TableID, order.Total,
		order.CustomerName, order.CustomerEmail, order.CustomerPhone,
		order.Notes, order.Status, order.OrderType, order.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, classify("insert order", err)
	}
	return id, nil
}

func (c *Client) CreateItems(ctx context.Context, serverID int64, items []domain.OrderItem) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin items tx", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, menu_item_id, name, quantity, price_at_time, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, serverID, item.MenuItemID, item.Name, item.Quantity, item.PriceAtTime)
		if err != nil {
			return classify(fmt.Sprintf("insert item %q", item.Name), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("commit items", err)
	}
	return nil
}

// RecentOrders returns the latest orders for a restaurant, newest first.
// The hub uses it to answer sync_request with a pending_orders backlog.
func (c *Client) RecentOrders(ctx context.Context, restaurantID string, limit int) ([]domain.Order, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT client_id, restaurant_id, table_id, total, customer_name, customer_email,
		       customer_phone, notes, status, order_type, created_at
		FROM orders
		WHERE restaurant_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, restaurantID, domain.StatusCompleted, domain.StatusCancelled, limit)
	if err != nil {
		return nil, classify("list recent orders", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(
			&o.ClientID, &o.RestaurantID, &o.TableID, &o.Total,
			&o.CustomerName, &o.CustomerEmail, &o.CustomerPhone,
			&o.Notes, &o.Status, &o.OrderType, &o.CreatedAt,
		); err != nil {
			return nil, classify("scan recent order", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// classify maps a database error onto the sync core's error kinds: data and
// constraint problems are permanent, everything else (dead connection,
// timeout, unreachable host) is retryable.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		if len(class) >= 2 {
			class = class[:2]
		}
		switch class {
		case "22", "23": // data exception, integrity constraint violation
			return &domain.ValidationError{Field: "order", Reason: strings.TrimSpace(pgErr.Message)}
		}
	}
	return domain.Transient(op, err)
}
