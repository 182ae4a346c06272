package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

// countingSource serves a fixed bill and counts full reads.
type countingSource struct {
	bill  billing.Bill
	items []billing.BillItem
	reads int
}

func (s *countingSource) ActiveBill(_ context.Context, chat billing.Chat, now time.Time) (billing.ActiveState, error) {
	s.reads++
	p, err := billing.ResolvePeriod(now, chat.CutoffHour, chat.Mode, cst)
	if err != nil {
		return billing.ActiveState{}, err
	}
	b := s.bill
	b.Period = p
	return billing.ActiveState{Bill: &b, Period: p, Items: append([]billing.BillItem(nil), s.items...)}, nil
}

func newCountingCache() (*billing.ChatCache, *countingSource) {
	src := &countingSource{bill: billing.Bill{ID: "bill-1", Chat: testChat, Status: billing.BillOpen}}
	return billing.NewChatCache(src, 16, nil), src
}

func TestChatCache_RefreshRules(t *testing.T) {
	ctx := context.Background()
	chat := billing.DefaultChat(testChat)
	now := morning

	t.Run("miss then hit", func(t *testing.T) {
		cache, src := newCountingCache()
		_, err := cache.GetOrSync(ctx, chat, now)
		require.NoError(t, err)
		_, err = cache.GetOrSync(ctx, chat, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, src.reads)
	})

	t.Run("requested resync", func(t *testing.T) {
		cache, src := newCountingCache()
		_, _ = cache.GetOrSync(ctx, chat, now)
		cache.MarkStale(testChat)
		_, _ = cache.GetOrSync(ctx, chat, now)
		assert.Equal(t, 2, src.reads)
	})

	t.Run("older than stale window", func(t *testing.T) {
		cache, src := newCountingCache()
		_, _ = cache.GetOrSync(ctx, chat, now)
		_, _ = cache.GetOrSync(ctx, chat, now.Add(billing.DefaultCacheStaleAfter))
		assert.Equal(t, 1, src.reads, "exactly at the window is still fresh")
		_, _ = cache.GetOrSync(ctx, chat, now.Add(billing.DefaultCacheStaleAfter+time.Second))
		assert.Equal(t, 2, src.reads)
	})

	t.Run("settings changed", func(t *testing.T) {
		cache, src := newCountingCache()
		_, _ = cache.GetOrSync(ctx, chat, now)
		changed := chat
		changed.CutoffHour = 6
		_, _ = cache.GetOrSync(ctx, changed, now)
		assert.Equal(t, 2, src.reads)
	})

	t.Run("period rollover", func(t *testing.T) {
		cache, src := newCountingCache()
		cache.StaleAfter = 48 * time.Hour
		_, _ = cache.GetOrSync(ctx, chat, now)
		_, _ = cache.GetOrSync(ctx, chat, time.Date(2025, 3, 11, 0, 0, 0, 0, cst))
		assert.Equal(t, 2, src.reads)
	})

	t.Run("item cap", func(t *testing.T) {
		cache, src := newCountingCache()
		cache.MaxItems = 2
		_, _ = cache.GetOrSync(ctx, chat, now)
		cache.Append(testChat, billing.BillItem{ID: "i1", BillID: "bill-1", Type: billing.ItemIncome, Amount: dec("1"), CreatedAt: now})
		_, _ = cache.GetOrSync(ctx, chat, now)
		assert.Equal(t, 1, src.reads)
		cache.Append(testChat, billing.BillItem{ID: "i2", BillID: "bill-1", Type: billing.ItemDispatch, Amount: dec("1"), CreatedAt: now})
		_, _ = cache.GetOrSync(ctx, chat, now)
		assert.Equal(t, 2, src.reads)
	})
}

func TestChatCache_AppendToOtherBillMarksStale(t *testing.T) {
	ctx := context.Background()
	chat := billing.DefaultChat(testChat)
	cache, src := newCountingCache()

	_, err := cache.GetOrSync(ctx, chat, morning)
	require.NoError(t, err)

	cache.Append(testChat, billing.BillItem{ID: "x", BillID: "bill-2", Type: billing.ItemIncome, Amount: dec("5")})
	got, ok := cache.Peek(testChat)
	require.True(t, ok)
	assert.Equal(t, 0, got.Len(), "foreign item is not appended")

	_, _ = cache.GetOrSync(ctx, chat, morning)
	assert.Equal(t, 2, src.reads)
}

func TestChatCache_CopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	chat := billing.DefaultChat(testChat)
	cache, _ := newCountingCache()

	_, _ = cache.GetOrSync(ctx, chat, morning)
	cache.Append(testChat, billing.BillItem{ID: "i1", BillID: "bill-1", Type: billing.ItemIncome, Amount: dec("1"), CreatedAt: morning})

	view, ok := cache.Peek(testChat)
	require.True(t, ok)
	view.Incomes[0].Amount = dec("999")

	again, _ := cache.Peek(testChat)
	assertDec(t, "1", again.Incomes[0].Amount)
}

func TestChatCache_SweepDropsEndedDailyResetEntries(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCountingCache()

	daily := billing.DefaultChat(testChat)
	carry := billing.DefaultChat(billing.ChatKey{BotID: 1, ChatID: -2002})
	carry.Mode = billing.ModeCarryOver

	_, _ = cache.GetOrSync(ctx, daily, morning)
	_, _ = cache.GetOrSync(ctx, carry, morning)
	require.Equal(t, 2, cache.Len())

	assert.Empty(t, cache.Sweep(morning.Add(time.Hour)))

	dropped := cache.Sweep(time.Date(2025, 3, 11, 0, 0, 0, 0, cst))
	assert.Equal(t, []billing.ChatKey{testChat}, dropped)
	assert.Equal(t, 1, cache.Len())
}

func TestCachedBill_ItemsMergesByCreation(t *testing.T) {
	b := billing.CachedBill{
		Incomes: []billing.BillItem{
			{ID: "a", CreatedAt: morning},
			{ID: "c", CreatedAt: morning.Add(2 * time.Second)},
		},
		Dispatches: []billing.BillItem{
			{ID: "b", CreatedAt: morning.Add(time.Second)},
		},
	}

	var ids []billing.ItemID
	for _, it := range b.Items() {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []billing.ItemID{"a", "b", "c"}, ids)
}

// gatedSource blocks one read after taking its snapshot of the items.
type gatedSource struct {
	bill    billing.Bill
	items   []billing.BillItem
	reached chan struct{}
	release chan struct{}
}

func (s *gatedSource) ActiveBill(_ context.Context, chat billing.Chat, now time.Time) (billing.ActiveState, error) {
	p, err := billing.ResolvePeriod(now, chat.CutoffHour, chat.Mode, cst)
	if err != nil {
		return billing.ActiveState{}, err
	}
	items := append([]billing.BillItem(nil), s.items...)
	if s.reached != nil {
		reached := s.reached
		s.reached = nil
		close(reached)
		<-s.release
	}
	b := s.bill
	return billing.ActiveState{Bill: &b, Period: p, Items: items}, nil
}

func TestChatCache_SyncKeepsNewerAppend(t *testing.T) {
	// GIVEN: A sync that read the store before an item was appended
	// WHEN: The sync completes after the append
	// THEN: The appended item is still in the cache

	ctx := context.Background()
	chat := billing.DefaultChat(testChat)
	first := billing.BillItem{ID: "a", BillID: "bill-1", Type: billing.ItemIncome, Amount: dec("100"), CreatedAt: morning}
	src := &gatedSource{
		bill:  billing.Bill{ID: "bill-1", Chat: testChat, Status: billing.BillOpen},
		items: []billing.BillItem{first},
	}
	cache := billing.NewChatCache(src, 16, nil)
	_, err := cache.Sync(ctx, chat, morning)
	require.NoError(t, err)

	src.reached = make(chan struct{})
	src.release = make(chan struct{})
	reached := src.reached
	done := make(chan error, 1)
	go func() {
		_, err := cache.Sync(ctx, chat, morning)
		done <- err
	}()
	<-reached

	cache.Append(testChat, billing.BillItem{
		ID: "b", BillID: "bill-1", Type: billing.ItemIncome, Amount: dec("50"), CreatedAt: morning.Add(time.Second),
	})
	close(src.release)
	require.NoError(t, <-done)

	got, ok := cache.Peek(testChat)
	require.True(t, ok)
	assert.Len(t, got.Incomes, 2)
}
