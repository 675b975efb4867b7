package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/domain"
)

const maxRetries = 5

func strPtr(s string) *string { return &s }

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func testOrder(clientID string) (domain.Order, []domain.OrderItem) {
	order := domain.Order{
		ClientID:     clientID,
		RestaurantID: "rest-1",
		Total:        12.50,
		Status:       domain.StatusPending,
		OrderType:    domain.OrderTypeDineIn,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	items := []domain.OrderItem{
		{MenuItemID: "m1", Name: "Margherita", Quantity: 1, PriceAtTime: 8.50},
		{MenuItemID: "m2", Name: "Cola", Quantity: 2, PriceAtTime: 2.00},
	}
	return order, items
}

func TestEnqueueAndListPending(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	order, items := testOrder("c1")
	require.NoError(t, q.Enqueue(ctx, order, items))

	pending, err := q.ListPending(ctx, maxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].Order.ClientID)
	assert.Equal(t, 12.50, pending[0].Order.Total)
	assert.Equal(t, domain.SyncPending, pending[0].SyncStatus)
	assert.Len(t, pending[0].Items, 2)
	assert.Equal(t, "Margherita", pending[0].Items[0].Name)
}

func TestEnqueueUpsertNoDuplicate(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	order, items := testOrder("c1")
	require.NoError(t, q.Enqueue(ctx, order, items))

	order.Total = 20.00
	require.NoError(t, q.Enqueue(ctx, order, items))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := q.ListPending(ctx, maxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 20.00, pending[0].Order.Total)
	assert.Len(t, pending[0].Items, 2, "re-enqueue must not duplicate items")
}

func TestEnqueueUpsertRefreshesContact(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	order, items := testOrder("c1")
	order.CustomerName = strPtr("Ann")
	order.CustomerEmail = strPtr("ann@typo.example")
	order.CustomerPhone = strPtr("111")
	require.NoError(t, q.Enqueue(ctx, order, items))

	order.CustomerEmail = strPtr("ann@example.com")
	order.CustomerPhone = strPtr("222")
	require.NoError(t, q.Enqueue(ctx, order, items))

	pending, err := q.ListPending(ctx, maxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].Order.CustomerEmail)
	require.NotNil(t, pending[0].Order.CustomerPhone)
	assert.Equal(t, "ann@example.com", *pending[0].Order.CustomerEmail)
	assert.Equal(t, "222", *pending[0].Order.CustomerPhone)
}

func TestEnqueueRejectsInvalidOrder(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	order, _ := testOrder("c1")
	err := q.Enqueue(ctx, order, nil)
	assert.True(t, domain.IsValidation(err))

	order.ClientID = ""
	_, items := testOrder("c2")
	err = q.Enqueue(ctx, order, items)
	assert.True(t, domain.IsValidation(err))
}

func TestEnqueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q1, err := Open(path)
	require.NoError(t, err)
	order, items := testOrder("c1")
	require.NoError(t, q1.Enqueue(ctx, order, items))
	require.NoError(t, q1.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()

	pending, err := q2.ListPending(ctx, maxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].Order.ClientID)
	assert.Len(t, pending[0].Items, 2)
}

func TestInterruptedSyncRecoveredOnReopen(t *testing.T) {
	// A crash after MarkSyncing but before the outcome mark leaves the record
	// flagged syncing; the next open must hand it back to the sync cycle.
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q1, err := Open(path)
	require.NoError(t, err)
	order, items := testOrder("c1")
	require.NoError(t, q1.Enqueue(ctx, order, items))
	require.NoError(t, q1.MarkSyncing(ctx, "c1"))
	require.NoError(t, q1.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()

	pending, err := q2.ListPending(ctx, maxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 1, "record stuck in syncing must become eligible again")
	assert.Equal(t, "c1", pending[0].Order.ClientID)
	assert.Equal(t, domain.SyncPending, pending[0].SyncStatus)
}

func TestMarkSyncedDeletesRecord(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	order, items := testOrder("c1")
	require.NoError(t, q.Enqueue(ctx, order, items))
	require.NoError(t, q.MarkSyncing(ctx, "c1"))
	require.NoError(t, q.MarkSynced(ctx, "c1"))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	items2, err := q.itemsFor(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, items2, "items must be deleted with the order")

	assert.True(t, IsNotFound(q.MarkSynced(ctx, "c1")))
}

func TestRetryCapExcludesFromPending(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	order, items := testOrder("c1")
	require.NoError(t, q.Enqueue(ctx, order, items))

	for i := 0; i < maxRetries; i++ {
		require.NoError(t, q.MarkSyncing(ctx, "c1"))
		require.NoError(t, q.MarkFailed(ctx, "c1", "connection refused"))
	}

	pending, err := q.ListPending(ctx, maxRetries)
	require.NoError(t, err)
	assert.Empty(t, pending, "exhausted record must not be retried")

	exhausted, err := q.ListExhausted(ctx, maxRetries)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, maxRetries, exhausted[0].RetryCount)
	require.NotNil(t, exhausted[0].ErrorMessage)
	assert.Equal(t, "connection refused", *exhausted[0].ErrorMessage)
	require.NotNil(t, exhausted[0].LastSyncAttempt)

	// Still present in storage.
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailedBelowCapStaysEligible(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	order, items := testOrder("c1")
	require.NoError(t, q.Enqueue(ctx, order, items))
	require.NoError(t, q.MarkFailed(ctx, "c1", "timeout"))

	pending, err := q.ListPending(ctx, maxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.SyncFailed, pending[0].SyncStatus)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestDeviceIdentityStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q1, err := Open(path)
	require.NoError(t, err)
	dev1, err := q1.DeviceIdentity(ctx, "kitchen-ipad", domain.RoleKitchen, "rest-1")
	require.NoError(t, err)
	require.NotEmpty(t, dev1.DeviceID)
	require.NoError(t, q1.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()
	dev2, err := q2.DeviceIdentity(ctx, "kitchen-ipad", domain.RoleKitchen, "rest-1")
	require.NoError(t, err)
	assert.Equal(t, dev1.DeviceID, dev2.DeviceID, "device id must survive restarts")
}

func TestRememberHubAddr(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	addr, err := q.LastHubAddr(ctx)
	require.NoError(t, err)
	assert.Empty(t, addr)

	require.NoError(t, q.RememberHubAddr(ctx, "192.168.1.10:7420"))
	require.NoError(t, q.RememberHubAddr(ctx, "192.168.1.11:7420"))

	addr, err = q.LastHubAddr(ctx)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11:7420", addr)
}
