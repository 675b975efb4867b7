// Package events provides a small observer registry used by the hub
// coordinator, peer client and sync manager to notify the host application
// of lifecycle and order events.
package events

import "sync"

// Event names emitted by the sync core.
const (
	DeviceConnected    = "device_connected"
	DeviceDisconnected = "device_disconnected"
	Connected          = "connected"
	Disconnected       = "disconnected"
	NewOrder           = "new_order"
	OrderUpdate        = "order_update"
	PendingOrders      = "pending_orders"
	SyncRequest        = "sync_request"
	SyncStarted        = "sync_started"
	SyncCompleted      = "sync_completed"
	Online             = "online"
	Offline            = "offline"
)

// Handler receives the event payload. Handlers run synchronously on the
// emitting goroutine, in registration order.
type Handler func(payload any)

// Emitter is a concurrency-safe event registry. The zero value is not
// usable; construct with New.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]Handler
}

// New creates an empty emitter.
func New() *Emitter {
	return &Emitter{handlers: make(map[string]map[int]Handler)}
}

// On registers handler for event and returns an unsubscribe function.
// Unsubscribing is idempotent; after it returns, the handler is never
// called again.
func (e *Emitter) On(event string, handler Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]Handler)
	}
	e.handlers[event][id] = handler

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[event], id)
	}
}

// Emit calls every handler registered for event with payload. Handlers
// registered while Emit runs do not see the current event.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.handlers[event]))
	for id := range e.handlers[event] {
		ids = append(ids, id)
	}
	// Sort for registration-order dispatch (ids are monotonically assigned).
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		if h, ok := e.handlers[event][id]; ok {
			handlers = append(handlers, h)
		}
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}
