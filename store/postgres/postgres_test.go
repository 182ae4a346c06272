package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/store/postgres"
)

// Requires a disposable database: TEST_DATABASE_URL=postgres://... go test ./store/postgres
func newTestStore(t *testing.T) (*postgres.Store, billing.ChatKey) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)

	store, err := postgres.New(ctx, pool)
	require.NoError(t, err)

	// A fresh bot id isolates each test run.
	key := billing.ChatKey{BotID: time.Now().UnixNano(), ChatID: -100}
	t.Cleanup(func() {
		_, _, _ = store.DeleteAll(context.Background(), key)
		store.Close()
	})
	return store, key
}

func TestPostgres_ConcurrentCreateConvergesOnOneBill(t *testing.T) {
	// GIVEN: Ten callers creating the same daily bill at once
	// WHEN: All inserts race on the partial unique index
	// THEN: Every caller receives the same bill

	store, key := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	ids := make([]billing.BillID, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := store.CreateBill(ctx, billing.Bill{
				ID:       billing.NewBillID(),
				Chat:     key,
				Status:   billing.BillOpen,
				Period:   billing.Period{Start: start, End: start.AddDate(0, 0, 1)},
				OpenedAt: start,
				SavedAt:  start,
			})
			assert.NoError(t, err)
			ids[i] = b.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestPostgres_ItemsRoundTrip(t *testing.T) {
	store, key := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	bill, err := store.CreateBill(ctx, billing.Bill{
		ID: billing.NewBillID(), Chat: key, Status: billing.BillOpen,
		Period: billing.OpenEndedPeriod(now), OpenedAt: now, SavedAt: now,
	})
	require.NoError(t, err)

	rate, usdt := decimal.RequireFromString("7.2"), decimal.RequireFromString("138.89")
	require.NoError(t, store.AppendItem(ctx, billing.BillItem{
		ID: billing.NewItemID(), BillID: bill.ID, Type: billing.ItemIncome,
		Amount: decimal.RequireFromString("1000.00"), Rate: &rate, USDT: &usdt,
		MessageID: 5, CreatedAt: now,
	}))

	items, err := store.LoadItems(ctx, bill.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Amount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, items[0].USDT.Equal(usdt))
	assert.Nil(t, items[0].FeeRate)

	found, err := store.FindItemByMessage(ctx, bill.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, store.DeleteItem(ctx, found.ID))
	assert.ErrorIs(t, store.DeleteItem(ctx, found.ID), billing.ErrUndoTargetNotFound)
}
