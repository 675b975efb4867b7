// Package remote is the thin client for the remote order store. It performs
// idempotent create/lookup keyed by client_id; every delivery path (hub,
// direct write, queue drain) funnels through Submit so an order can never be
// persisted twice.
package remote

import (
	"context"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/domain"
)

// Store is the remote persistence API the sync core consumes.
type Store interface {
	// LookupByClientID returns the server-side order id for a client_id,
	// or found=false when no such order exists.
	LookupByClientID(ctx context.Context, clientID string) (serverID int64, found bool, err error)

	// CreateOrder inserts the order and returns its server-side id.
	CreateOrder(ctx context.Context, order domain.Order) (int64, error)

	// CreateItems inserts the line items for an already-created order.
	CreateItems(ctx context.Context, serverID int64, items []domain.OrderItem) error
}

// Notifier fires the best-effort outbound notification after the first
// successful insert of an order. Failures are logged, never propagated.
type Notifier interface {
	OrderCreated(ctx context.Context, order domain.Order) error
}

// Submit performs the idempotent insertion algorithm: look up by client_id
// first; on a hit reuse the server id and skip items (they were written by
// the earlier attempt). Only a first insert triggers the notifier.
//
// The check-then-insert pair is not atomic against a concurrent duplicate
// from another device, but client_id is generated exactly once at placement
// and carried through every retry and relay, so two devices never submit the
// same client_id concurrently.
// Submitter bundles a store, an optional notifier and a logger into the
// one-method shape the router and sync manager consume.
type Submitter struct {
	store    Store
	notifier Notifier
	lg       *logger.Logger
}

// NewSubmitter creates a Submitter. notifier may be nil.
func NewSubmitter(store Store, notifier Notifier, lg *logger.Logger) *Submitter {
	return &Submitter{store: store, notifier: notifier, lg: lg}
}

// SubmitOrder runs the idempotent insertion for one order.
func (s *Submitter) SubmitOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) (int64, error) {
	return Submit(ctx, s.store, s.notifier, s.lg, order, items)
}

func Submit(ctx context.Context, store Store, notifier Notifier, lg *logger.Logger, order domain.Order, items []domain.OrderItem) (int64, error) {
	if err := domain.ValidateOrder(order, items); err != nil {
		return 0, err
	}

	serverID, found, err := store.LookupByClientID(ctx, order.ClientID)
	if err != nil {
		return 0, err
	}
	if found {
		lg.Debug("order_dedup_hit", map[string]any{"client_id": order.ClientID, "server_id": serverID})
		return serverID, nil
	}

	serverID, err = store.CreateOrder(ctx, order)
	if err != nil {
		return 0, err
	}
	if err := store.CreateItems(ctx, serverID, items); err != nil {
		return 0, err
	}
	lg.Info("order_persisted", map[string]any{"client_id": order.ClientID, "server_id": serverID})

	if notifier != nil {
		if err := notifier.OrderCreated(ctx, order); err != nil {
			lg.Warn("order_notification_failed", err, map[string]any{"client_id": order.ClientID})
		}
	}
	return serverID, nil
}
