package signaling

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryExchange routes signals between in-process channels. Tests wire a
// hub and several peers to one exchange and pair them without a broker.
type MemoryExchange struct {
	mu      sync.Mutex
	members map[string]*MemoryChannel            // restaurant + "/" + id
	hubs    map[string]map[string]*MemoryChannel // restaurant -> hub id
}

// NewMemoryExchange creates an empty exchange.
func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{
		members: make(map[string]*MemoryChannel),
		hubs:    make(map[string]map[string]*MemoryChannel),
	}
}

// NewChannel creates an unjoined channel bound to this exchange.
func (x *MemoryExchange) NewChannel() *MemoryChannel {
	return &MemoryChannel{exchange: x, msgs: make(chan Message, 64)}
}

func (x *MemoryExchange) join(ch *MemoryChannel, restaurantID, id string, hub bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.members[restaurantID+"/"+id] = ch
	if hub {
		if x.hubs[restaurantID] == nil {
			x.hubs[restaurantID] = make(map[string]*MemoryChannel)
		}
		x.hubs[restaurantID][id] = ch
	}
}

func (x *MemoryExchange) leave(restaurantID, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.members, restaurantID+"/"+id)
	if hubs := x.hubs[restaurantID]; hubs != nil {
		delete(hubs, id)
	}
}

func (x *MemoryExchange) route(msg Message) {
	x.mu.Lock()
	var targets []*MemoryChannel
	if msg.To != "" {
		if ch, ok := x.members[msg.RestaurantID+"/"+msg.To]; ok {
			targets = append(targets, ch)
		}
	} else {
		for _, ch := range x.hubs[msg.RestaurantID] {
			targets = append(targets, ch)
		}
	}
	x.mu.Unlock()

	for _, ch := range targets {
		ch.deliver(msg)
	}
}

// MemoryChannel is the in-process Channel implementation.
type MemoryChannel struct {
	exchange *MemoryExchange
	msgs     chan Message

	mu           sync.Mutex
	restaurantID string
	selfID       string
	closed       bool
}

var _ Channel = (*MemoryChannel)(nil)

func (c *MemoryChannel) JoinAsHub(_ context.Context, restaurantID, hubID string) error {
	return c.join(restaurantID, hubID, true)
}

func (c *MemoryChannel) JoinAsPeer(_ context.Context, restaurantID, deviceID string) error {
	return c.join(restaurantID, deviceID, false)
}

func (c *MemoryChannel) join(restaurantID, id string, hub bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("signaling channel closed")
	}
	c.restaurantID = restaurantID
	c.selfID = id
	c.mu.Unlock()
	c.exchange.join(c, restaurantID, id, hub)
	return nil
}

func (c *MemoryChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("signaling channel closed")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	c.exchange.route(msg)
	return nil
}

func (c *MemoryChannel) Messages() <-chan Message { return c.msgs }

func (c *MemoryChannel) deliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.msgs <- msg:
	default: // mailbox full; signaling is lossy and senders retry
	}
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	restaurantID, selfID := c.restaurantID, c.selfID
	close(c.msgs)
	c.mu.Unlock()
	if selfID != "" {
		c.exchange.leave(restaurantID, selfID)
	}
	return nil
}
