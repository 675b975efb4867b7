package domain

import (
	"encoding/json"
	"time"
)

// Message types carried over the hub transport channel.
const (
	MsgRegister      = "register"
	MsgPing          = "ping"
	MsgPong          = "pong"
	MsgNewOrder      = "new_order"
	MsgOrderUpdate   = "order_update"
	MsgPendingOrders = "pending_orders"
	MsgSyncRequest   = "sync_request"
	MsgError         = "error"
)

// Message is the wire envelope for every hub/peer exchange.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a Message envelope.
func NewMessage(msgType string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// RegisterPayload announces device identity right after the channel opens.
type RegisterPayload struct {
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	DeviceRole   string `json:"device_role"`
	RestaurantID string `json:"restaurant_id"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// NewOrderPayload carries an order placement from a peer to the hub, and the
// hub's relay of it to every other peer.
type NewOrderPayload struct {
	Order Order       `json:"order"`
	Items []OrderItem `json:"items"`
}

// OrderUpdatePayload carries a partial status change for an existing order.
type OrderUpdatePayload struct {
	ClientID string         `json:"client_id"`
	Updates  map[string]any `json:"updates"`
}

// PendingOrdersPayload is the hub's informational backlog answer to a
// sync_request.
type PendingOrdersPayload struct {
	Orders []Order `json:"orders"`
}

// ErrorPayload reports a connection-local protocol problem.
type ErrorPayload struct {
	Error string `json:"error"`
}
