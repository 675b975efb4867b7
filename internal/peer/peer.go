// Package peer implements the device side of the mesh: it finds a hub,
// keeps a registered connection alive and exchanges order traffic over it.
// Absence of a hub is a normal operating state, not an error condition; the
// client keeps retrying in the background until one appears.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/config"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/events"
	"restaurant-sync/internal/signaling"
	"restaurant-sync/internal/transport"
)

// HubAddrCache remembers the last hub address that accepted a connection so
// discovery tries it before scanning candidates. *queue.Queue satisfies it.
type HubAddrCache interface {
	LastHubAddr(ctx context.Context) (string, error)
	RememberHubAddr(ctx context.Context, addr string) error
}

// Deps are the client's collaborators. Signal is required for the webrtc
// transport and ignored for tcp; AddrCache may be nil.
type Deps struct {
	Logger    *logger.Logger
	Events    *events.Emitter
	Signal    signaling.Channel
	AddrCache HubAddrCache
}

// Client connects one device to a hub. Connect is idempotent and keeps a
// background session alive with automatic reconnection; PlaceOrder and the
// other operations require a currently open connection.
type Client struct {
	cfg    config.DeviceConfig
	device domain.Device
	lg     *logger.Logger
	ev     *events.Emitter
	sig    signaling.Channel
	cache  HubAddrCache
	ice    transport.ICEConfig

	// dial is swapped in tests to connect without a network.
	dial func(ctx context.Context) (transport.Conn, error)

	mu      sync.Mutex
	conn    transport.Conn
	offerID string
	cancel  context.CancelFunc
	joined  bool

	wg sync.WaitGroup
}

// New creates a client for device. It does not touch the network until
// Connect.
func New(cfg config.DeviceConfig, device domain.Device, deps Deps) *Client {
	c := &Client{
		cfg:    cfg,
		device: device,
		lg:     deps.Logger,
		ev:     deps.Events,
		sig:    deps.Signal,
		cache:  deps.AddrCache,
		ice:    transport.ICEConfig{STUNServers: cfg.STUNServers},
	}
	c.dial = c.establish
	return c
}

// SetPairingOffer stores the offer id a hub issued out-of-band. It is
// presented on the next connection attempt; once the hub has seen this
// device register, reconnects no longer need one.
func (c *Client) SetPairingOffer(offerID string) {
	c.mu.Lock()
	c.offerID = offerID
	c.mu.Unlock()
}

// Connect starts the background session. Calling it while a session runs is
// a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	sctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.sessionLoop(sctx)
	return nil
}

// Disconnect stops the session and closes the hub connection. The client
// can Connect again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
}

// Connected reports whether a registered hub connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// PlaceOrder sends a new order to the hub. Callers route through the
// priority router, which falls back when this returns ErrNotConnected or a
// transient write failure.
func (c *Client) PlaceOrder(order domain.Order, items []domain.OrderItem) error {
	msg, err := domain.NewMessage(domain.MsgNewOrder, domain.NewOrderPayload{Order: order, Items: items})
	if err != nil {
		return err
	}
	return c.send(msg)
}

// SendUpdate relays a partial order change to the hub.
func (c *Client) SendUpdate(clientID string, updates map[string]any) error {
	msg, err := domain.NewMessage(domain.MsgOrderUpdate, domain.OrderUpdatePayload{ClientID: clientID, Updates: updates})
	if err != nil {
		return err
	}
	return c.send(msg)
}

// RequestSync asks the hub for the restaurant's open-order backlog; the
// answer arrives as a pending orders event.
func (c *Client) RequestSync() error {
	msg, err := domain.NewMessage(domain.MsgSyncRequest, nil)
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *Client) send(msg domain.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	if err := conn.WriteMessage(msg); err != nil {
		_ = conn.Close() // read loop notices and reconnects
		return domain.Transient("write to hub", err)
	}
	return nil
}

// sessionLoop dials, serves and re-dials until the session context ends.
// Every failure path waits the reconnect delay before the next attempt.
func (c *Client) sessionLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrHubNotFound) {
				c.lg.Debug("no_hub_found", nil)
			} else if ctx.Err() == nil {
				c.lg.Warn("hub_connect_failed", err, nil)
			}
		} else {
			c.serveConn(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// serveConn registers on a fresh connection and reads it until it drops.
func (c *Client) serveConn(ctx context.Context, conn transport.Conn) {
	reg, err := domain.NewMessage(domain.MsgRegister, domain.RegisterPayload{
		DeviceID:     c.device.DeviceID,
		DeviceName:   c.device.DeviceName,
		DeviceRole:   c.device.DeviceRole,
		RestaurantID: c.device.RestaurantID,
	})
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := conn.WriteMessage(reg); err != nil {
		c.lg.Warn("register_failed", err, nil)
		_ = conn.Close()
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.lg.Info("hub_connected", map[string]any{"hub": conn.RemoteLabel()})
	c.ev.Emit(events.Connected, conn.RemoteLabel())

	pingCtx, stopPing := context.WithCancel(ctx)
	c.wg.Add(1)
	go c.pingLoop(pingCtx, conn)

	c.readLoop(conn)

	stopPing()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.lg.Info("hub_disconnected", map[string]any{"hub": conn.RemoteLabel()})
	c.ev.Emit(events.Disconnected, conn.RemoteLabel())
}

func (c *Client) pingLoop(ctx context.Context, conn transport.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping, err := domain.NewMessage(domain.MsgPing, nil)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(ping); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn transport.Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			var perr *domain.ProtocolError
			if errors.As(err, &perr) {
				c.lg.Warn("hub_protocol_error", err, nil)
				continue
			}
			return
		}

		switch msg.Type {
		case domain.MsgPong:
			// keep-alive answered; nothing to do

		case domain.MsgNewOrder:
			var payload domain.NewOrderPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				c.lg.Warn("relayed_order_malformed", err, nil)
				continue
			}
			c.ev.Emit(events.NewOrder, payload)

		case domain.MsgOrderUpdate:
			var payload domain.OrderUpdatePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				c.lg.Warn("order_update_malformed", err, nil)
				continue
			}
			c.ev.Emit(events.OrderUpdate, payload)

		case domain.MsgPendingOrders:
			var payload domain.PendingOrdersPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				c.lg.Warn("pending_orders_malformed", err, nil)
				continue
			}
			c.ev.Emit(events.PendingOrders, payload)

		case domain.MsgError:
			var payload domain.ErrorPayload
			_ = json.Unmarshal(msg.Payload, &payload)
			c.lg.Warn("hub_reported_error", nil, map[string]any{"error": payload.Error})

		default:
			c.lg.Debug("hub_message_ignored", map[string]any{"type": msg.Type})
		}
	}
}

// establish locates a hub and opens a transport connection to it.
func (c *Client) establish(ctx context.Context) (transport.Conn, error) {
	switch c.cfg.Transport {
	case "tcp":
		return c.establishTCP(ctx)
	case "webrtc":
		return c.establishWebRTC(ctx)
	default:
		return nil, fmt.Errorf("unknown transport %q", c.cfg.Transport)
	}
}

// establishTCP probes the remembered address first, then the configured
// candidates, and dials the first one that answers.
func (c *Client) establishTCP(ctx context.Context) (transport.Conn, error) {
	var candidates []string
	if c.cache != nil {
		if last, err := c.cache.LastHubAddr(ctx); err == nil && last != "" {
			candidates = append(candidates, last)
		}
	}
	for _, addr := range c.cfg.HubCandidates {
		if len(candidates) > 0 && candidates[0] == addr {
			continue
		}
		candidates = append(candidates, addr)
	}

	for _, addr := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !transport.ProbeTCP(addr, c.cfg.ProbeTimeout) {
			continue
		}
		conn, err := transport.DialTCP(ctx, addr, c.cfg.ProbeTimeout)
		if err != nil {
			continue
		}
		if c.cache != nil {
			if err := c.cache.RememberHubAddr(ctx, addr); err != nil {
				c.lg.Warn("remember_hub_failed", err, nil)
			}
		}
		return conn, nil
	}
	return nil, domain.ErrHubNotFound
}

// establishWebRTC discovers a hub over signaling, then runs one
// offer/answer round-trip to open the data channel.
func (c *Client) establishWebRTC(ctx context.Context) (transport.Conn, error) {
	if c.sig == nil {
		return nil, errors.New("webrtc transport requires a signaling channel")
	}
	c.mu.Lock()
	joined := c.joined
	offerID := c.offerID
	c.mu.Unlock()
	if !joined {
		if err := c.sig.JoinAsPeer(ctx, c.device.RestaurantID, c.device.DeviceID); err != nil {
			return nil, domain.Transient("join signaling", err)
		}
		c.mu.Lock()
		c.joined = true
		c.mu.Unlock()
	}

	hubID, err := c.discoverHub(ctx)
	if err != nil {
		return nil, err
	}

	dial, err := transport.NewDial(ctx, c.ice)
	if err != nil {
		return nil, err
	}
	offer := signaling.Message{
		Kind:         signaling.KindOffer,
		RestaurantID: c.device.RestaurantID,
		From:         c.device.DeviceID,
		To:           hubID,
		OfferID:      offerID,
		Device:       &c.device,
		SDP:          dial.OfferSDP(),
	}
	if err := c.sig.Send(ctx, offer); err != nil {
		dial.Abort()
		return nil, domain.Transient("send offer", err)
	}

	answer, err := c.awaitSignal(ctx, signaling.KindAnswer, c.cfg.ProbeTimeout*5)
	if err != nil {
		dial.Abort()
		return nil, err
	}
	return dial.Complete(ctx, answer.SDP, answer.HubID)
}

// discoverHub broadcasts a discover and takes the first announce.
func (c *Client) discoverHub(ctx context.Context) (string, error) {
	discover := signaling.Message{
		Kind:         signaling.KindDiscover,
		RestaurantID: c.device.RestaurantID,
		From:         c.device.DeviceID,
	}
	if err := c.sig.Send(ctx, discover); err != nil {
		return "", domain.Transient("send discover", err)
	}
	announce, err := c.awaitSignal(ctx, signaling.KindAnnounce, c.cfg.ProbeTimeout)
	if err != nil {
		return "", domain.ErrHubNotFound
	}
	return announce.HubID, nil
}

// awaitSignal drains the signaling mailbox until a message of the wanted
// kind arrives or the deadline passes. Other kinds received meanwhile are
// dropped; the pairing protocol is retried from scratch on every attempt.
func (c *Client) awaitSignal(ctx context.Context, kind string, timeout time.Duration) (signaling.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return signaling.Message{}, ctx.Err()
		case <-deadline.C:
			return signaling.Message{}, domain.Transient("await "+kind, context.DeadlineExceeded)
		case msg, ok := <-c.sig.Messages():
			if !ok {
				return signaling.Message{}, errors.New("signaling channel closed")
			}
			if msg.Kind == kind {
				return msg, nil
			}
		}
	}
}
