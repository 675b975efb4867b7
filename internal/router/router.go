// Package router decides where a freshly placed order goes: over the hub
// channel when one is connected, straight to the remote store when the
// backend is reachable, and into the durable local queue otherwise. The
// order is accepted on any of the three paths; only a queue write failure
// surfaces to the caller.
package router

import (
	"context"
	"fmt"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/domain"
)

// Delivery paths, highest priority first.
const (
	ViaHub    = "hub"
	ViaRemote = "remote"
	ViaQueue  = "queue"
)

// HubLink is the connected-hub leg. *peer.Client satisfies it.
type HubLink interface {
	Connected() bool
	PlaceOrder(order domain.Order, items []domain.OrderItem) error
}

// RemoteSubmitter is the direct-write leg.
type RemoteSubmitter interface {
	SubmitOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) (int64, error)
}

// Spooler is the last-resort durable leg. *queue.Queue satisfies it.
type Spooler interface {
	Enqueue(ctx context.Context, order domain.Order, items []domain.OrderItem) error
}

// Online reports current backend reachability; the connectivity monitor
// provides it. A nil Online means "assume reachable and let the write fail".
type Online func() bool

// Result reports which path accepted the order. ServerID is set only for
// the remote path; Offline flags that the order awaits a background sync.
type Result struct {
	DeliveredVia string
	ServerID     int64
	Offline      bool
}

// Router routes order placements. Any leg may be nil: a hub process has no
// HubLink, a device without backend credentials has no RemoteSubmitter.
type Router struct {
	hub    HubLink
	remote RemoteSubmitter
	spool  Spooler
	online Online
	lg     *logger.Logger
}

// New creates a router. spool must not be nil; it is the guarantee that a
// placed order is never lost.
func New(hub HubLink, remote RemoteSubmitter, spool Spooler, online Online, lg *logger.Logger) *Router {
	return &Router{hub: hub, remote: remote, spool: spool, online: online, lg: lg}
}

// PlaceOrder tries each delivery path in priority order. Validation
// failures abort immediately on every path: retrying bad input elsewhere
// can never help.
func (r *Router) PlaceOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) (Result, error) {
	if err := domain.ValidateOrder(order, items); err != nil {
		return Result{}, err
	}

	if r.hub != nil && r.hub.Connected() {
		err := r.hub.PlaceOrder(order, items)
		if err == nil {
			return Result{DeliveredVia: ViaHub}, nil
		}
		if domain.IsValidation(err) {
			return Result{}, err
		}
		r.lg.Warn("hub_delivery_failed", err, map[string]any{"client_id": order.ClientID})
	}

	if r.remote != nil && (r.online == nil || r.online()) {
		serverID, err := r.remote.SubmitOrder(ctx, order, items)
		if err == nil {
			return Result{DeliveredVia: ViaRemote, ServerID: serverID}, nil
		}
		if domain.IsValidation(err) {
			return Result{}, err
		}
		r.lg.Warn("remote_delivery_failed", err, map[string]any{"client_id": order.ClientID})
	}

	if err := r.spool.Enqueue(ctx, order, items); err != nil {
		// Every path is down and the local disk refused the order. This is
		// the one case where placement itself fails.
		return Result{}, fmt.Errorf("order %s could not be stored anywhere: %w", order.ClientID, err)
	}
	r.lg.Info("order_queued", map[string]any{"client_id": order.ClientID})
	return Result{DeliveredVia: ViaQueue, Offline: true}, nil
}

// PersistOrder adapts the router to the hub coordinator's persister: the
// hub has no hub leg of its own, so orders it receives go remote-or-queue.
func (r *Router) PersistOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) error {
	_, err := r.PlaceOrder(ctx, order, items)
	return err
}
