package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/domain"
)

// fakeStore records inserts in memory and can be told to fail.
type fakeStore struct {
	nextID  int64
	orders  map[string]int64
	items   map[int64][]domain.OrderItem
	failOn  string // "lookup" | "create" | "items"
	created int
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]int64{}, items: map[int64][]domain.OrderItem{}}
}

func (f *fakeStore) LookupByClientID(_ context.Context, clientID string) (int64, bool, error) {
	if f.failOn == "lookup" {
		return 0, false, domain.Transient("lookup order", assert.AnError)
	}
	id, ok := f.orders[clientID]
	return id, ok, nil
}

func (f *fakeStore) CreateOrder(_ context.Context, order domain.Order) (int64, error) {
	if f.failOn == "create" {
		return 0, domain.Transient("insert order", assert.AnError)
	}
	f.nextID++
	f.orders[order.ClientID] = f.nextID
	f.created++
	return f.nextID, nil
}

func (f *fakeStore) CreateItems(_ context.Context, serverID int64, items []domain.OrderItem) error {
	if f.failOn == "items" {
		return domain.Transient("insert items", assert.AnError)
	}
	f.items[serverID] = append(f.items[serverID], items...)
	return nil
}

type countingNotifier struct{ calls int }

func (n *countingNotifier) OrderCreated(context.Context, domain.Order) error {
	n.calls++
	return nil
}

func submitOrder(clientID string) (domain.Order, []domain.OrderItem) {
	return domain.Order{
			ClientID:     clientID,
			RestaurantID: "rest-1",
			Total:        12.50,
			Status:       domain.StatusPending,
			OrderType:    domain.OrderTypeTakeaway,
		}, []domain.OrderItem{
			{MenuItemID: "m1", Name: "Espresso", Quantity: 1, PriceAtTime: 2.50},
		}
}

func TestSubmitInsertsOnce(t *testing.T) {
	store := newFakeStore()
	notifier := &countingNotifier{}
	lg := logger.New("test")
	order, items := submitOrder("c1")

	id1, err := Submit(context.Background(), store, notifier, lg, order, items)
	require.NoError(t, err)
	id2, err := Submit(context.Background(), store, notifier, lg, order, items)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "retry must reuse the server id")
	assert.Equal(t, 1, store.created, "exactly one persisted order")
	assert.Len(t, store.items[id1], 1, "items inserted exactly once")
	assert.Equal(t, 1, notifier.calls, "notify only on first insert, never on dedup hit")
}

func TestSubmitValidation(t *testing.T) {
	store := newFakeStore()
	lg := logger.New("test")
	order, _ := submitOrder("c1")

	_, err := Submit(context.Background(), store, nil, lg, order, nil)
	assert.True(t, domain.IsValidation(err))
	assert.Zero(t, store.created)
}

func TestSubmitPropagatesTransient(t *testing.T) {
	lg := logger.New("test")
	order, items := submitOrder("c1")

	for _, failOn := range []string{"lookup", "create", "items"} {
		store := newFakeStore()
		store.failOn = failOn
		_, err := Submit(context.Background(), store, nil, lg, order, items)
		assert.True(t, domain.IsTransient(err), "failure at %s must stay retryable", failOn)
	}
}

func TestSubmitItemFailureThenRetrySkipsItems(t *testing.T) {
	// An order whose item insert failed converges on retry: the lookup hits
	// and the order is not duplicated. Items are assumed written by the
	// prior attempt, matching the remote-store contract.
	store := newFakeStore()
	lg := logger.New("test")
	order, items := submitOrder("c1")

	store.failOn = "items"
	_, err := Submit(context.Background(), store, nil, lg, order, items)
	require.Error(t, err)

	store.failOn = ""
	id, err := Submit(context.Background(), store, nil, lg, order, items)
	require.NoError(t, err)
	assert.Equal(t, 1, store.created)
	assert.Empty(t, store.items[id])
}
