// Package queue implements the durable local order queue: an on-device
// SQLite store for orders that no live delivery path could take. Records are
// keyed by client_id and survive process restarts; the sync manager drains
// them into the remote store when connectivity returns.
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"restaurant-sync/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Queue is the durable local queue. A single writer connection keeps every
// read-modify-write on one client_id atomic without SQLITE_BUSY churn.
type Queue struct {
	db *sql.DB
}

// Open creates or opens the queue database at path. Idempotent: pragmas and
// schema are applied on every open.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// lock contention between the router and the sync manager.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}

	// A record can only be syncing while a live process is mid-attempt; one
	// still flagged at open belongs to a crashed run and must become
	// retryable again, or it would never be picked up or surfaced.
	if _, err := db.Exec(
		`UPDATE queued_orders SET sync_status = ? WHERE sync_status = ?`,
		domain.SyncPending, domain.SyncSyncing,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover interrupted syncs: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue durably captures an order and its items. When Enqueue returns nil
// the order is safe even if the process dies immediately after. A second
// enqueue with the same client_id updates the order fields but keeps the
// existing sync state (upsert, never a duplicate).
func (q *Queue) Enqueue(ctx context.Context, order domain.Order, items []domain.OrderItem) error {
	if err := domain.ValidateOrder(order, items); err != nil {
		return err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queued_orders
		    (client_id, restaurant_id, table_id, total, customer_name, customer_email,
		     customer_phone, notes, status, order_type, created_at, sync_status, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
		    restaurant_id  = excluded.restaurant_id,
		    table_id       = excluded.table_id,
		    total          = excluded.total,
		    customer_name  = excluded.customer_name,
		    customer_email = excluded.customer_email,
		    customer_phone = excluded.customer_phone,
		    notes          = excluded.notes,
		    status         = excluded.status,
		    order_type     = excluded.order_type
	`,
		order.ClientID, order.RestaurantID, order.TableID, order.Total,
		order.CustomerName, order.CustomerEmail, order.CustomerPhone,
		order.Notes, order.Status, order.OrderType, order.CreatedAt.UTC(),
		domain.SyncPending, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert queued order %s: %w", order.ClientID, err)
	}

	// Replace the item set wholesale; items are immutable per order, so a
	// re-enqueue simply rewrites the same rows.
	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_order_items WHERE client_id = ?`, order.ClientID); err != nil {
		return fmt.Errorf("clear items for %s: %w", order.ClientID, err)
	}
	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queued_order_items (client_id, menu_item_id, name, quantity, price_at_time)
			VALUES (?, ?, ?, ?, ?)
		`, order.ClientID, item.MenuItemID, item.Name, item.Quantity, item.PriceAtTime)
		if err != nil {
			return fmt.Errorf("insert item %q for %s: %w", item.Name, order.ClientID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue %s: %w", order.ClientID, err)
	}
	return nil
}

// ListPending returns orders eligible for a sync attempt: pending, or failed
// with fewer than maxRetries attempts. Oldest first.
func (q *Queue) ListPending(ctx context.Context, maxRetries int) ([]domain.QueuedOrder, error) {
	return q.list(ctx, `
		SELECT client_id, restaurant_id, table_id, total, customer_name, customer_email,
		       customer_phone, notes, status, order_type, created_at,
		       sync_status, retry_count, last_sync_attempt, error_message, queued_at
		FROM queued_orders
		WHERE sync_status = ? OR (sync_status = ? AND retry_count < ?)
		ORDER BY queued_at ASC
	`, domain.SyncPending, domain.SyncFailed, maxRetries)
}

// ListExhausted returns orders that hit the retry cap. They are excluded
// from sync cycles but must stay visible for manual intervention.
func (q *Queue) ListExhausted(ctx context.Context, maxRetries int) ([]domain.QueuedOrder, error) {
	return q.list(ctx, `
		SELECT client_id, restaurant_id, table_id, total, customer_name, customer_email,
		       customer_phone, notes, status, order_type, created_at,
		       sync_status, retry_count, last_sync_attempt, error_message, queued_at
		FROM queued_orders
		WHERE sync_status = ? AND retry_count >= ?
		ORDER BY queued_at ASC
	`, domain.SyncFailed, maxRetries)
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]domain.QueuedOrder, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queued orders: %w", err)
	}
	defer rows.Close()

	var out []domain.QueuedOrder
	for rows.Next() {
		var (
			rec         domain.QueuedOrder
			lastAttempt sql.NullTime
			errMsg      sql.NullString
		)
		if err := rows.Scan(
			&rec.Order.ClientID, &rec.Order.RestaurantID, &rec.Order.TableID,
			&rec.Order.Total, &rec.Order.CustomerName, &rec.Order.CustomerEmail,
			&rec.Order.CustomerPhone, &rec.Order.Notes, &rec.Order.Status,
			&rec.Order.OrderType, &rec.Order.CreatedAt,
			&rec.SyncStatus, &rec.RetryCount, &lastAttempt, &errMsg, &rec.QueuedAt,
		); err != nil {
			return nil, fmt.Errorf("scan queued order: %w", err)
		}
		if lastAttempt.Valid {
			t := lastAttempt.Time
			rec.LastSyncAttempt = &t
		}
		if errMsg.Valid {
			s := errMsg.String
			rec.ErrorMessage = &s
		}
		items, err := q.itemsFor(ctx, rec.Order.ClientID)
		if err != nil {
			return nil, err
		}
		rec.Items = items
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q *Queue) itemsFor(ctx context.Context, clientID string) ([]domain.OrderItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT menu_item_id, name, quantity, price_at_time
		FROM queued_order_items WHERE client_id = ? ORDER BY id ASC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list items for %s: %w", clientID, err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.MenuItemID, &it.Name, &it.Quantity, &it.PriceAtTime); err != nil {
			return nil, fmt.Errorf("scan item for %s: %w", clientID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkSyncing flags a record as being attempted right now.
func (q *Queue) MarkSyncing(ctx context.Context, clientID string) error {
	return q.setStatus(ctx, clientID, `
		UPDATE queued_orders SET sync_status = ?, last_sync_attempt = ? WHERE client_id = ?
	`, domain.SyncSyncing, time.Now().UTC(), clientID)
}

// MarkSynced confirms the remote write and deletes the record with its items.
func (q *Queue) MarkSynced(ctx context.Context, clientID string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark synced: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM queued_orders WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("delete queued order %s: %w", clientID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark synced %s: %w", clientID, sql.ErrNoRows)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_order_items WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("delete items for %s: %w", clientID, err)
	}
	return tx.Commit()
}

// MarkFailed records a failed attempt: increments retry_count and stores the
// error for the pending-orders view.
func (q *Queue) MarkFailed(ctx context.Context, clientID, errorMessage string) error {
	return q.setStatus(ctx, clientID, `
		UPDATE queued_orders
		SET sync_status = ?, retry_count = retry_count + 1,
		    last_sync_attempt = ?, error_message = ?
		WHERE client_id = ?
	`, domain.SyncFailed, time.Now().UTC(), errorMessage, clientID)
}

func (q *Queue) setStatus(ctx context.Context, clientID, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update queued order %s: %w", clientID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queued order %s: %w", clientID, sql.ErrNoRows)
	}
	return nil
}

// Count returns the number of orders still held locally (any sync status).
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_orders`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued orders: %w", err)
	}
	return n, nil
}

// IsNotFound reports whether err came from an operation on a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
