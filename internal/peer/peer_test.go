package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/config"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/events"
	"restaurant-sync/internal/transport"
)

func testDevice() domain.Device {
	return domain.Device{
		DeviceID:     "dev-1",
		DeviceName:   "floor-terminal",
		DeviceRole:   domain.RoleStaff,
		RestaurantID: "rest-1",
	}
}

func testDeviceConfig() config.DeviceConfig {
	return config.DeviceConfig{
		Transport:      "tcp",
		ProbeTimeout:   200 * time.Millisecond,
		PingInterval:   time.Hour, // keep-alive not under test
		ReconnectDelay: 10 * time.Millisecond,
	}
}

// fakeCache is an in-memory HubAddrCache.
type fakeCache struct {
	mu   sync.Mutex
	addr string
}

func (f *fakeCache) LastHubAddr(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr, nil
}

func (f *fakeCache) RememberHubAddr(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addr = addr
	return nil
}

// expectRegister reads the hub side of a pipe and asserts the first message
// is this device's registration.
func expectRegister(t *testing.T, hubSide transport.Conn) {
	t.Helper()
	msg, err := hubSide.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, domain.MsgRegister, msg.Type)
	var reg domain.RegisterPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &reg))
	assert.Equal(t, "dev-1", reg.DeviceID)
	assert.Equal(t, "rest-1", reg.RestaurantID)
}

func waitEvent(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never happened", what)
	}
}

func TestPlaceOrderRequiresConnection(t *testing.T) {
	c := New(testDeviceConfig(), testDevice(), Deps{Logger: logger.New("test"), Events: events.New()})
	err := c.PlaceOrder(domain.Order{ClientID: "o1"}, nil)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.False(t, c.Connected())
}

func TestConnectRegistersAndDeliversTraffic(t *testing.T) {
	ev := events.New()
	c := New(testDeviceConfig(), testDevice(), Deps{Logger: logger.New("test"), Events: ev})

	hubSide, devSide := transport.Pipe()
	dialed := false
	c.dial = func(context.Context) (transport.Conn, error) {
		if dialed {
			return nil, domain.ErrHubNotFound
		}
		dialed = true
		return devSide, nil
	}

	connected := make(chan struct{}, 1)
	ev.On(events.Connected, func(any) { connected <- struct{}{} })
	orders := make(chan domain.NewOrderPayload, 1)
	ev.On(events.NewOrder, func(p any) { orders <- p.(domain.NewOrderPayload) })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	expectRegister(t, hubSide)
	waitEvent(t, connected, "connect")
	assert.True(t, c.Connected())

	relay, err := domain.NewMessage(domain.MsgNewOrder, domain.NewOrderPayload{
		Order: domain.Order{ClientID: "o-relay", RestaurantID: "rest-1"},
		Items: []domain.OrderItem{{MenuItemID: "m1", Name: "Cola", Quantity: 1}},
	})
	require.NoError(t, err)
	require.NoError(t, hubSide.WriteMessage(relay))

	select {
	case got := <-orders:
		assert.Equal(t, "o-relay", got.Order.ClientID)
	case <-time.After(time.Second):
		t.Fatal("relayed order never surfaced")
	}

	// Outbound: placing an order writes new_order over the open conn.
	go func() {
		_ = c.PlaceOrder(domain.Order{ClientID: "o-out", RestaurantID: "rest-1"}, []domain.OrderItem{
			{MenuItemID: "m2", Name: "Pizza", Quantity: 1, PriceAtTime: 12},
		})
	}()
	out, err := hubSide.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, domain.MsgNewOrder, out.Type)
}

func TestReconnectAfterDrop(t *testing.T) {
	ev := events.New()
	c := New(testDeviceConfig(), testDevice(), Deps{Logger: logger.New("test"), Events: ev})

	hub1, dev1 := transport.Pipe()
	hub2, dev2 := transport.Pipe()
	conns := []transport.Conn{dev1, dev2}
	var mu sync.Mutex
	c.dial = func(context.Context) (transport.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(conns) == 0 {
			return nil, domain.ErrHubNotFound
		}
		next := conns[0]
		conns = conns[1:]
		return next, nil
	}

	disconnected := make(chan struct{}, 1)
	ev.On(events.Disconnected, func(any) { disconnected <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	expectRegister(t, hub1)
	require.NoError(t, hub1.Close())
	waitEvent(t, disconnected, "disconnect")

	// After the reconnect delay the client dials again and re-registers.
	expectRegister(t, hub2)
}

func TestConnectIsIdempotent(t *testing.T) {
	ev := events.New()
	c := New(testDeviceConfig(), testDevice(), Deps{Logger: logger.New("test"), Events: ev})

	var mu sync.Mutex
	dials := 0
	c.dial = func(context.Context) (transport.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, domain.ErrHubNotFound
	}

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	time.Sleep(30 * time.Millisecond)
	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, dials, 0)
	// One session loop: dial attempts are sequential, spaced by the
	// reconnect delay, not multiplied by repeated Connect calls.
	assert.LessOrEqual(t, dials, 5)
}

func TestDiscoverTCPFindsListeningHub(t *testing.T) {
	listener, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	cfg := testDeviceConfig()
	cfg.HubCandidates = []string{"127.0.0.1:1", listener.Address()}
	cache := &fakeCache{}
	c := New(cfg, testDevice(), Deps{Logger: logger.New("test"), Events: events.New(), AddrCache: cache})

	conn, err := c.establishTCP(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, listener.Address(), conn.RemoteLabel())

	addr, err := cache.LastHubAddr(context.Background())
	require.NoError(t, err)
	assert.Equal(t, listener.Address(), addr, "accepting hub must be remembered")
}

func TestDiscoverTCPNoHub(t *testing.T) {
	cfg := testDeviceConfig()
	cfg.HubCandidates = []string{"127.0.0.1:1"}
	c := New(cfg, testDevice(), Deps{Logger: logger.New("test"), Events: events.New()})

	_, err := c.establishTCP(context.Background())
	assert.ErrorIs(t, err, domain.ErrHubNotFound)
}

func TestSendFailureIsTransient(t *testing.T) {
	ev := events.New()
	c := New(testDeviceConfig(), testDevice(), Deps{Logger: logger.New("test"), Events: ev})

	hubSide, devSide := transport.Pipe()
	dialed := false
	c.dial = func(context.Context) (transport.Conn, error) {
		if dialed {
			return nil, domain.ErrHubNotFound
		}
		dialed = true
		return devSide, nil
	}
	connected := make(chan struct{}, 1)
	ev.On(events.Connected, func(any) { connected <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	expectRegister(t, hubSide)
	waitEvent(t, connected, "connect")

	require.NoError(t, hubSide.Close())
	// The pipe is down; the next write surfaces as a retryable failure.
	var err error
	require.Eventually(t, func() bool {
		err = c.RequestSync()
		return err != nil
	}, time.Second, 10*time.Millisecond)
	if !errors.Is(err, domain.ErrNotConnected) {
		assert.True(t, domain.IsTransient(err), "got %v", err)
	}
}
