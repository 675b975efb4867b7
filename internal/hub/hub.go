// Package hub implements the coordinator role: it accepts device
// connections, relays orders between them and persists every order it
// receives. One hub serves one restaurant.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/config"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/events"
	"restaurant-sync/internal/signaling"
	"restaurant-sync/internal/transport"
)

// backlogLimit caps the pending_orders answer to a sync_request.
const backlogLimit = 50

// Persister stores an order the hub received from a peer. Production wires
// the priority router here so the hub itself degrades to the local queue
// when the remote store is unreachable.
type Persister interface {
	PersistOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) error
}

// Backlog answers sync requests with the restaurant's open orders.
// *remote.Client satisfies it.
type Backlog interface {
	RecentOrders(ctx context.Context, restaurantID string, limit int) ([]domain.Order, error)
}

// Deps are the coordinator's collaborators. Signal may be nil when running
// TCP-only on a trusted LAN; Backlog may be nil when the remote store is
// not configured, in which case sync requests get an empty answer.
type Deps struct {
	Logger  *logger.Logger
	Events  *events.Emitter
	Signal  signaling.Channel
	Persist Persister
	Backlog Backlog
}

type peerConn struct {
	device   domain.Device
	conn     transport.Conn
	lastSeen time.Time
}

// Coordinator is the hub. Create with New, drive with Run; feed it
// transport connections via AddConn (TCP accept loop) or let it pair
// devices itself over the signaling channel (WebRTC).
type Coordinator struct {
	cfg  config.HubConfig
	lg   *logger.Logger
	ev   *events.Emitter
	sig  signaling.Channel
	sink Persister
	back Backlog

	now func() time.Time

	mu      sync.Mutex
	peers   map[string]*peerConn
	conns   map[transport.Conn]struct{} // every served conn, registered or not
	offers  map[string]domain.PendingOffer
	paired  map[string]bool // devices that completed a registration before
	accepts map[string]*transport.Accept
	closed  bool

	wg sync.WaitGroup
}

// New creates a coordinator. It does not touch the network until Run.
func New(cfg config.HubConfig, deps Deps) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		lg:      deps.Logger,
		ev:      deps.Events,
		sig:     deps.Signal,
		sink:    deps.Persist,
		back:    deps.Backlog,
		now:     time.Now,
		peers:   make(map[string]*peerConn),
		conns:   make(map[transport.Conn]struct{}),
		offers:  make(map[string]domain.PendingOffer),
		paired:  make(map[string]bool),
		accepts: make(map[string]*transport.Accept),
	}
}

// Run joins the signaling channel, starts the reaper and serves until ctx
// is cancelled. A signaling join failure is logged, not fatal: the hub
// still serves TCP connections and already-paired peers.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.sig != nil {
		if err := c.sig.JoinAsHub(ctx, c.cfg.RestaurantID, c.cfg.HubID); err != nil {
			c.lg.Warn("signaling_join_failed", err, map[string]any{"hub_id": c.cfg.HubID})
		} else {
			c.wg.Add(1)
			go c.signalLoop(ctx)
		}
	}

	c.wg.Add(1)
	go c.reapLoop(ctx)

	c.lg.Info("hub_started", map[string]any{
		"hub_id":        c.cfg.HubID,
		"restaurant_id": c.cfg.RestaurantID,
		"transport":     c.cfg.Transport,
	})

	<-ctx.Done()
	c.shutdown()
	c.wg.Wait()
	return ctx.Err()
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	c.closed = true
	conns := make([]transport.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	accepts := make([]*transport.Accept, 0, len(c.accepts))
	for _, a := range c.accepts {
		accepts = append(accepts, a)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	for _, a := range accepts {
		a.Abort()
	}
	if c.sig != nil {
		_ = c.sig.Close()
	}
}

// CreateOffer mints a time-boxed invitation a new device must present to
// pair. The offer id travels out-of-band (QR code, staff terminal).
func (c *Coordinator) CreateOffer() domain.PendingOffer {
	now := c.now()
	offer := domain.PendingOffer{
		OfferID:      uuid.NewString(),
		HubID:        c.cfg.HubID,
		RestaurantID: c.cfg.RestaurantID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(c.cfg.OfferTTL),
	}
	c.mu.Lock()
	c.offers[offer.OfferID] = offer
	c.mu.Unlock()
	c.lg.Info("offer_created", map[string]any{"offer_id": offer.OfferID, "expires_at": offer.ExpiresAt})
	return offer
}

// consumeOffer validates and burns an offer, or admits a previously paired
// device without one. Returns false when the device may not connect.
func (c *Coordinator) consumeOffer(deviceID, offerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paired[deviceID] {
		return true
	}
	offer, ok := c.offers[offerID]
	if !ok {
		return false
	}
	if offer.Expired(c.now()) {
		delete(c.offers, offerID)
		return false
	}
	delete(c.offers, offerID)
	return true
}

// AddConn hands the coordinator an established transport connection, e.g.
// from a TCP accept loop. The peer is tracked once it registers.
func (c *Coordinator) AddConn(conn transport.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conns[conn] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()
	go c.servePeer(conn)
}

// Peers returns the currently connected devices.
func (c *Coordinator) Peers() []domain.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Device, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p.device)
	}
	return out
}

// Broadcast relays msg to every connected peer except excludeDeviceID and
// returns the number of deliveries. Write failures drop the one peer, not
// the broadcast.
func (c *Coordinator) Broadcast(msg domain.Message, excludeDeviceID string) int {
	c.mu.Lock()
	targets := make([]*peerConn, 0, len(c.peers))
	for id, p := range c.peers {
		if id == excludeDeviceID {
			continue
		}
		targets = append(targets, p)
	}
	c.mu.Unlock()

	delivered := 0
	for _, p := range targets {
		if err := p.conn.WriteMessage(msg); err != nil {
			c.lg.Warn("broadcast_write_failed", err, map[string]any{"device_id": p.device.DeviceID})
			_ = p.conn.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// signalLoop answers discovery and pairs WebRTC devices.
func (c *Coordinator) signalLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.sig.Messages():
			if !ok {
				return
			}
			c.handleSignal(ctx, msg)
		}
	}
}

func (c *Coordinator) handleSignal(ctx context.Context, msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindDiscover:
		reply := signaling.Message{
			Kind:         signaling.KindAnnounce,
			RestaurantID: c.cfg.RestaurantID,
			HubID:        c.cfg.HubID,
			From:         c.cfg.HubID,
			To:           msg.From,
		}
		if err := c.sig.Send(ctx, reply); err != nil {
			c.lg.Warn("announce_failed", err, map[string]any{"to": msg.From})
		}

	case signaling.KindOffer:
		if msg.Device == nil || msg.SDP == "" {
			c.lg.Warn("offer_malformed", nil, map[string]any{"from": msg.From})
			return
		}
		if !c.consumeOffer(msg.Device.DeviceID, msg.OfferID) {
			c.lg.Warn("offer_rejected", nil, map[string]any{
				"device_id": msg.Device.DeviceID, "offer_id": msg.OfferID,
			})
			return
		}
		c.wg.Add(1)
		go c.pairPeer(ctx, msg)

	case signaling.KindCandidate:
		c.mu.Lock()
		accept := c.accepts[msg.From]
		c.mu.Unlock()
		if accept == nil {
			return
		}
		if err := accept.AddCandidate(msg.Candidate); err != nil {
			c.lg.Warn("candidate_rejected", err, map[string]any{"from": msg.From})
		}
	}
}

// pairPeer answers one WebRTC offer and serves the resulting connection.
func (c *Coordinator) pairPeer(ctx context.Context, msg signaling.Message) {
	defer c.wg.Done()

	ice := transport.ICEConfig{STUNServers: c.cfg.STUNServers}
	accept, err := transport.AcceptOffer(ctx, ice, msg.SDP, msg.Device.DeviceID)
	if err != nil {
		c.lg.Warn("accept_offer_failed", err, map[string]any{"device_id": msg.Device.DeviceID})
		return
	}

	c.mu.Lock()
	c.accepts[msg.From] = accept
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.accepts, msg.From)
		c.mu.Unlock()
	}()

	answer := signaling.Message{
		Kind:         signaling.KindAnswer,
		RestaurantID: c.cfg.RestaurantID,
		HubID:        c.cfg.HubID,
		From:         c.cfg.HubID,
		To:           msg.From,
		OfferID:      msg.OfferID,
		SDP:          accept.AnswerSDP(),
	}
	if err := c.sig.Send(ctx, answer); err != nil {
		c.lg.Warn("answer_send_failed", err, map[string]any{"to": msg.From})
		accept.Abort()
		return
	}

	conn, err := accept.WaitConn(ctx)
	if err != nil {
		c.lg.Warn("pairing_incomplete", err, map[string]any{"device_id": msg.Device.DeviceID})
		return
	}
	c.AddConn(conn)
}

// servePeer reads one connection until it drops. The first useful message
// is the peer's registration; everything before it is ignored.
func (c *Coordinator) servePeer(conn transport.Conn) {
	defer c.wg.Done()

	var device domain.Device
	registered := false
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		if registered {
			c.dropPeer(device.DeviceID, conn, "connection closed")
		}
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			var perr *domain.ProtocolError
			if errors.As(err, &perr) {
				// Malformed input is connection-local; report and keep reading.
				c.lg.Warn("peer_protocol_error", err, map[string]any{"remote": conn.RemoteLabel()})
				c.writeError(conn, perr.Error())
				continue
			}
			return
		}

		if !registered {
			if msg.Type != domain.MsgRegister {
				c.writeError(conn, "register first")
				continue
			}
			var reg domain.RegisterPayload
			if err := json.Unmarshal(msg.Payload, &reg); err != nil || reg.DeviceID == "" {
				c.writeError(conn, "malformed registration")
				continue
			}
			if reg.RestaurantID != c.cfg.RestaurantID {
				c.writeError(conn, "wrong restaurant")
				return
			}
			device = domain.Device{
				DeviceID:     reg.DeviceID,
				DeviceName:   reg.DeviceName,
				DeviceRole:   reg.DeviceRole,
				RestaurantID: reg.RestaurantID,
			}
			c.registerPeer(device, conn)
			registered = true
			continue
		}

		c.touch(device.DeviceID)
		c.handlePeerMessage(device, conn, msg)
	}
}

func (c *Coordinator) registerPeer(device domain.Device, conn transport.Conn) {
	c.mu.Lock()
	if old, ok := c.peers[device.DeviceID]; ok {
		// A reconnect supersedes the stale connection.
		_ = old.conn.Close()
	}
	c.peers[device.DeviceID] = &peerConn{device: device, conn: conn, lastSeen: c.now()}
	c.paired[device.DeviceID] = true
	c.mu.Unlock()

	c.lg.Info("device_connected", map[string]any{
		"device_id": device.DeviceID, "device_name": device.DeviceName, "role": device.DeviceRole,
	})
	c.ev.Emit(events.DeviceConnected, device)
}

// dropPeer removes a peer once; repeated calls are no-ops so disconnect is
// emitted exactly one time. A non-nil conn drops the peer only if that conn
// is still its current one, so a dying connection cannot evict the
// registration of its own reconnect.
func (c *Coordinator) dropPeer(deviceID string, conn transport.Conn, reason string) {
	c.mu.Lock()
	p, ok := c.peers[deviceID]
	if ok && conn != nil && p.conn != conn {
		ok = false
	}
	if ok {
		delete(c.peers, deviceID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = p.conn.Close()
	c.lg.Info("device_disconnected", map[string]any{"device_id": deviceID, "reason": reason})
	c.ev.Emit(events.DeviceDisconnected, p.device)
}

func (c *Coordinator) touch(deviceID string) {
	c.mu.Lock()
	if p, ok := c.peers[deviceID]; ok {
		p.lastSeen = c.now()
	}
	c.mu.Unlock()
}

func (c *Coordinator) handlePeerMessage(device domain.Device, conn transport.Conn, msg domain.Message) {
	switch msg.Type {
	case domain.MsgPing:
		pong, _ := domain.NewMessage(domain.MsgPong, domain.PongPayload{Timestamp: c.now().UTC()})
		if err := conn.WriteMessage(pong); err != nil {
			c.lg.Warn("pong_failed", err, map[string]any{"device_id": device.DeviceID})
		}

	case domain.MsgNewOrder:
		var payload domain.NewOrderPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.writeError(conn, "malformed new_order payload")
			return
		}
		c.handleNewOrder(device, conn, payload)

	case domain.MsgOrderUpdate:
		var payload domain.OrderUpdatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ClientID == "" {
			c.writeError(conn, "malformed order_update payload")
			return
		}
		c.Broadcast(msg, device.DeviceID)
		c.ev.Emit(events.OrderUpdate, payload)

	case domain.MsgSyncRequest:
		c.ev.Emit(events.SyncRequest, device)
		c.answerSyncRequest(conn)

	default:
		c.lg.Debug("peer_message_ignored", map[string]any{
			"device_id": device.DeviceID, "type": msg.Type,
		})
	}
}

// handleNewOrder initiates persistence, then relays. Persistence is never
// awaited before the broadcast: the other devices must see the order even
// when the backend is slow or unreachable, and the persister's own fallback
// keeps the order durable either way.
func (c *Coordinator) handleNewOrder(device domain.Device, conn transport.Conn, payload domain.NewOrderPayload) {
	if err := domain.ValidateOrder(payload.Order, payload.Items); err != nil {
		c.writeError(conn, err.Error())
		return
	}

	if c.sink != nil {
		order, items := payload.Order, payload.Items
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.sink.PersistOrder(ctx, order, items); err != nil {
				c.lg.Error("order_persist_failed", err, map[string]any{"client_id": order.ClientID})
				if domain.IsValidation(err) {
					c.writeError(conn, err.Error())
				}
			}
		}()
	}

	relay, err := domain.NewMessage(domain.MsgNewOrder, payload)
	if err != nil {
		c.lg.Error("relay_encode_failed", err, nil)
		return
	}
	delivered := c.Broadcast(relay, device.DeviceID)
	c.lg.Info("order_relayed", map[string]any{
		"client_id": payload.Order.ClientID, "from": device.DeviceID, "delivered": delivered,
	})

	c.ev.Emit(events.NewOrder, payload)
}

func (c *Coordinator) answerSyncRequest(conn transport.Conn) {
	var orders []domain.Order
	if c.back != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		recent, err := c.back.RecentOrders(ctx, c.cfg.RestaurantID, backlogLimit)
		if err != nil {
			c.lg.Warn("backlog_fetch_failed", err, nil)
		} else {
			orders = recent
		}
	}
	reply, err := domain.NewMessage(domain.MsgPendingOrders, domain.PendingOrdersPayload{Orders: orders})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(reply); err != nil {
		c.lg.Warn("sync_reply_failed", err, nil)
	}
}

func (c *Coordinator) writeError(conn transport.Conn, reason string) {
	msg, err := domain.NewMessage(domain.MsgError, domain.ErrorPayload{Error: reason})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(msg)
}

// reapLoop drops peers that stayed silent past the stale timeout and purges
// expired offers.
func (c *Coordinator) reapLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reap()
		}
	}
}

func (c *Coordinator) reap() {
	now := c.now()

	c.mu.Lock()
	var stale []string
	for id, p := range c.peers {
		if now.Sub(p.lastSeen) > c.cfg.StaleTimeout {
			stale = append(stale, id)
		}
	}
	for id, offer := range c.offers {
		if offer.Expired(now) {
			delete(c.offers, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		c.dropPeer(id, nil, "stale")
	}
}
