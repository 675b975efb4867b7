package domain

import "time"

// Order statuses as stored remotely and relayed between devices.
const (
	StatusPending   = "pending"
	StatusPreparing = "preparing"
	StatusReady     = "ready"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Order types.
const (
	OrderTypeDineIn   = "dine_in"
	OrderTypeTakeaway = "takeaway"
)

// Order is the unit of work being synchronized. ClientID is generated once
// by the originating device and carried through every retry and relay; it is
// the idempotency key for the whole pipeline.
type Order struct {
	ClientID      string    `json:"client_id"`
	RestaurantID  string    `json:"restaurant_id"`
	TableID       *string   `json:"table_id,omitempty"`
	Total         float64   `json:"total"`
	CustomerName  *string   `json:"customer_name,omitempty"`
	CustomerEmail *string   `json:"customer_email,omitempty"`
	CustomerPhone *string   `json:"customer_phone,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	Status        string    `json:"status"`
	OrderType     string    `json:"order_type"`
	CreatedAt     time.Time `json:"created_at"`
}

// OrderItem is a line item. It belongs to its order via ClientID until the
// remote store assigns a server-side order id.
type OrderItem struct {
	MenuItemID  string  `json:"menu_item_id"`
	Name        string  `json:"name"`
	Quantity    int     `json:"quantity"`
	PriceAtTime float64 `json:"price_at_time"`
}

// Sync statuses for queued orders.
const (
	SyncPending = "pending"
	SyncSyncing = "syncing"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// QueuedOrder wraps an order (plus items) in the durable local queue while
// the remote store has not confirmed it.
type QueuedOrder struct {
	Order           Order
	Items           []OrderItem
	SyncStatus      string
	RetryCount      int
	LastSyncAttempt *time.Time
	ErrorMessage    *string
	QueuedAt        time.Time
}

// Device roles.
const (
	RoleHub     = "hub"
	RoleKitchen = "kitchen"
	RoleBar     = "bar"
	RoleStaff   = "staff"
)

// Device identifies a participant in the local mesh. DeviceID is persisted
// locally and stable across restarts.
type Device struct {
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	DeviceRole   string `json:"device_role"`
	RestaurantID string `json:"restaurant_id"`
}

// PendingOffer is a time-boxed invitation for a new device to join a hub.
// An expired offer must never be honored.
type PendingOffer struct {
	OfferID      string    `json:"offer_id"`
	HubID        string    `json:"hub_id"`
	RestaurantID string    `json:"restaurant_id"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the offer may no longer be honored.
func (o PendingOffer) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
