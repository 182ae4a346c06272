package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

var morning = time.Date(2025, 3, 10, 10, 0, 0, 0, cst)

// =============================================================================
// INSERT
// =============================================================================

func TestRecord_DailyBillScenario(t *testing.T) {
	// GIVEN: A daily chat with cutoff 02:00, fee 5% and fixed rate 7.2
	// WHEN: Recording +1000 and dispatching 100u
	// THEN: 720 fiat / 100 U dispatched, 950 to dispatch, 230 outstanding (about 31.9 U)

	e := newTestEngine(t, morning)
	e.configure(t, func(c *billing.Chat) {
		c.CutoffHour = 2
		c.FeePercent = dec("5")
		c.FixedRate = decp("7.2")
	})

	first := e.record(t, income("1000", 1))
	assert.True(t, first.Item.Rate.Equal(dec("7.2")))
	assertDec(t, "138.89", *first.Item.USDT)
	assertDec(t, "5", *first.Item.FeeRate)

	entry := dispatch("100", 2)
	entry.Crypto = true
	out := e.record(t, entry)

	assertDec(t, "720", out.Item.Amount)
	assertDec(t, "100", *out.Item.USDT)
	assertDec(t, "720", out.Summary.Dispatched)
	require.NotNil(t, out.Summary.DispatchedUSDT)
	assertDec(t, "100", *out.Summary.DispatchedUSDT)
	assertDec(t, "950", out.Summary.ShouldDispatch)
	assertDec(t, "230", out.Summary.NotDispatched)
	require.NotNil(t, out.Summary.NotDispatchedUSDT)
	assertDec(t, "31.9", out.Summary.NotDispatchedUSDT.Round(1))
	require.NotNil(t, out.Bill.Bill)
	assert.Equal(t, first.Item.BillID, out.Bill.Bill.ID, "same period, same bill")
}

func TestRecord_CryptoSuffixConvertsAtRate(t *testing.T) {
	e := newTestEngine(t, morning)
	e.configure(t, func(c *billing.Chat) { c.FixedRate = decp("7.2") })

	entry := income("100", 1)
	entry.Crypto = true
	out := e.record(t, entry)

	assertDec(t, "720", out.Item.Amount)
	assertDec(t, "100", *out.Item.USDT)
}

func TestRecord_ExplicitRateOverridesChatRate(t *testing.T) {
	e := newTestEngine(t, morning)
	e.configure(t, func(c *billing.Chat) { c.FixedRate = decp("7.2") })

	entry := income("700", 1)
	entry.Rate = decp("7")
	out := e.record(t, entry)

	assertDec(t, "7", *out.Item.Rate)
	assertDec(t, "100", *out.Item.USDT)
}

func TestRecord_CryptoWithoutRate_Rejected(t *testing.T) {
	e := newTestEngine(t, morning)

	entry := income("100", 1)
	entry.Crypto = true
	_, err := e.Record(context.Background(), testChat, entry)

	assert.ErrorIs(t, err, billing.ErrRateUnset)
}

func TestRecord_ZeroAmount_Rejected(t *testing.T) {
	e := newTestEngine(t, morning)

	_, err := e.Record(context.Background(), testChat, income("0", 1))

	assert.ErrorIs(t, err, billing.ErrMalformedInput)
	assert.True(t, billing.IsClientError(err))
}

func TestRecord_OperatorCheck(t *testing.T) {
	e := newTestEngine(t, morning)
	e.configure(t, func(c *billing.Chat) { c.Operators = []string{"@Alice"} })

	entry := income("100", 1)
	entry.Operator = billing.Operator{Handle: "bob", UserID: 9}
	_, err := e.Record(context.Background(), testChat, entry)
	assert.ErrorIs(t, err, billing.ErrNotOperator)

	e.record(t, income("100", 2))
}

func TestRecord_StoreFailureIsReportedNotRaised(t *testing.T) {
	// GIVEN: A store that fails item writes
	// WHEN: Recording an entry
	// THEN: No error, Persisted=false, and the view does not show the entry

	e := newTestEngine(t, morning)
	e.record(t, income("100", 1))
	e.store.failAppend = true

	out, err := e.Record(context.Background(), testChat, income("50", 2))

	require.NoError(t, err)
	assert.False(t, out.Persisted)
	assertDec(t, "100", out.Summary.TotalIncome)

	e.store.failAppend = false
	view, err := e.View(context.Background(), testChat)
	require.NoError(t, err)
	assertDec(t, "100", view.Summary.TotalIncome)
}

func TestRecord_OverDepositLimit(t *testing.T) {
	e := newTestEngine(t, morning)
	e.configure(t, func(c *billing.Chat) { c.OverDepositLimit = decp("1000") })

	assert.False(t, e.record(t, income("800", 1)).OverLimit)
	assert.True(t, e.record(t, income("300", 2)).OverLimit)
}

func TestRecord_ConcurrentInsertsShareOneBill(t *testing.T) {
	// GIVEN: 50 concurrent inserts in the same period
	// WHEN: All complete
	// THEN: Exactly one bill holds all 50 items and cache matches store

	e := newTestEngine(t, morning)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Record(ctx, testChat, income("1", int64(i+1)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	view, err := e.FreshView(ctx, testChat)
	require.NoError(t, err)
	assertDec(t, "50", view.Summary.TotalIncome)

	items, err := e.store.LoadItems(ctx, view.Bill.Bill.ID)
	require.NoError(t, err)
	assert.Len(t, items, 50)

	bills, err := e.store.ListBillsBefore(ctx, testChat, morning.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, bills, 1)
	assert.Equal(t, 0, e.Locks.Held())
}

// =============================================================================
// UNDO
// =============================================================================

func TestUndoLast_InvertsRecord(t *testing.T) {
	e := newTestEngine(t, morning)
	ctx := context.Background()

	e.record(t, income("100", 1))
	e.record(t, dispatch("40", 2))
	before, err := e.View(ctx, testChat)
	require.NoError(t, err)

	e.record(t, income("250", 3))
	out, err := e.UndoLast(ctx, testChat, billing.ItemIncome, alice)
	require.NoError(t, err)

	assert.Equal(t, int64(3), out.Item.MessageID)
	assertDec(t, before.Summary.TotalIncome.String(), out.Summary.TotalIncome)
	assertDec(t, before.Summary.NotDispatched.String(), out.Summary.NotDispatched)
	assert.Equal(t, before.Summary.IncomeCount, out.Summary.IncomeCount)
}

func TestUndoLast_NothingToUndo(t *testing.T) {
	e := newTestEngine(t, morning)
	ctx := context.Background()

	_, err := e.UndoLast(ctx, testChat, billing.ItemIncome, alice)
	assert.ErrorIs(t, err, billing.ErrUndoTargetNotFound)

	e.record(t, income("100", 1))
	_, err = e.UndoLast(ctx, testChat, billing.ItemDispatch, alice)
	assert.ErrorIs(t, err, billing.ErrUndoTargetNotFound)
}

func TestUndoByMessage_TargetsExactItem(t *testing.T) {
	e := newTestEngine(t, morning)
	ctx := context.Background()

	e.record(t, income("100", 1))
	e.record(t, income("200", 2))
	e.record(t, dispatch("50", 3))

	_, err := e.UndoByMessage(ctx, testChat, 99, alice)
	assert.ErrorIs(t, err, billing.ErrUndoTargetNotFound, "never falls back to another item")

	out, err := e.UndoByMessage(ctx, testChat, 1, alice)
	require.NoError(t, err)
	assertDec(t, "200", out.Summary.TotalIncome)
	assertDec(t, "50", out.Summary.Dispatched)
}

// =============================================================================
// SAVE / CARRY-OVER
// =============================================================================

func TestSave_DailyClosesBillAndRecordsHistory(t *testing.T) {
	e := newTestEngine(t, morning)
	ctx := context.Background()

	first := e.record(t, income("100", 1))
	saved, err := e.Save(ctx, testChat, alice)
	require.NoError(t, err)

	assert.Equal(t, billing.BillClosed, saved.Bill.Status)
	assertDec(t, "100", saved.Summary.TotalIncome)
	require.Len(t, e.History.List(testChat), 1)

	_, err = e.Save(ctx, testChat, alice)
	assert.ErrorIs(t, err, billing.ErrNoOpenBill)

	next := e.record(t, income("30", 2))
	assert.NotEqual(t, first.Item.BillID, next.Item.BillID)
	assertDec(t, "30", next.Summary.TotalIncome)
}

func TestCarryOver_BalanceCompoundsAcrossSaves(t *testing.T) {
	// GIVEN: A carry-over chat
	// WHEN: Saving bills with 150 then 100 left over
	// THEN: Each new bill starts from the accumulated outstanding balance

	e := newTestEngine(t, morning)
	ctx := context.Background()
	e.configure(t, func(c *billing.Chat) { c.Mode = billing.ModeCarryOver })

	e.record(t, income("500", 1))
	e.record(t, dispatch("350", 2))

	saved, err := e.Save(ctx, testChat, alice)
	require.NoError(t, err)
	assertDec(t, "150", saved.Summary.NotDispatched)

	e.clock.Advance(48 * time.Hour)
	view, err := e.View(ctx, testChat)
	require.NoError(t, err)
	assertDec(t, "150", view.Summary.NotDispatched)
	require.NotNil(t, view.Summary.Carried)
	assert.Equal(t, 1, view.Summary.Carried.Bills)
	assert.Equal(t, 0, view.Bill.Len())

	out := e.record(t, income("100", 3))
	assertDec(t, "250", out.Summary.NotDispatched)

	_, err = e.Save(ctx, testChat, alice)
	require.NoError(t, err)
	e.clock.Advance(time.Minute)

	view, err = e.View(ctx, testChat)
	require.NoError(t, err)
	assertDec(t, "250", view.Summary.NotDispatched)
	assert.Equal(t, 2, view.Summary.Carried.Bills)
}

func TestCarryOver_OverDispatchCarriesNegativeBalance(t *testing.T) {
	// GIVEN: A carry-over bill saved with -50 outstanding
	// WHEN: The next bill records +200
	// THEN: Outstanding is 150, the deficit is not clamped away

	e := newTestEngine(t, morning)
	ctx := context.Background()
	e.configure(t, func(c *billing.Chat) { c.Mode = billing.ModeCarryOver })

	e.record(t, income("100", 1))
	e.record(t, dispatch("150", 2))

	saved, err := e.Save(ctx, testChat, alice)
	require.NoError(t, err)
	assertDec(t, "-50", saved.Summary.NotDispatched)

	e.clock.Advance(time.Hour)
	out := e.record(t, income("200", 3))
	assertDec(t, "150", out.Summary.NotDispatched)
	assertDec(t, "200", out.Summary.TotalIncome)
}

// =============================================================================
// AUTO-CLOSE / ROLLOVER
// =============================================================================

func TestCarryOver_SwitchToDailyClosesOpenEndedBill(t *testing.T) {
	// GIVEN: A carry-over chat with 100 outstanding
	// WHEN: Switching to daily reset, recording 50, then switching back
	// THEN: The open-ended bill was closed and the new carry sees both bills

	e := newTestEngine(t, morning)
	ctx := context.Background()
	e.configure(t, func(c *billing.Chat) { c.Mode = billing.ModeCarryOver })

	first := e.record(t, income("100", 1))

	e.configure(t, func(c *billing.Chat) { c.Mode = billing.ModeDailyReset })
	open, err := e.store.FindOpenBill(ctx, testChat, billing.OpenEndedPeriod(e.clock.Now()))
	require.NoError(t, err)
	assert.Nil(t, open, "no open-ended bill left behind")

	history := e.History.List(testChat)
	require.Len(t, history, 1)
	assert.True(t, history[0].Auto)
	assert.Equal(t, first.Item.BillID, history[0].Bill.ID)
	assertDec(t, "100", history[0].Summary.NotDispatched)

	daily := e.record(t, income("50", 2))
	assert.NotEqual(t, first.Item.BillID, daily.Item.BillID)
	assertDec(t, "50", daily.Summary.NotDispatched)

	e.configure(t, func(c *billing.Chat) { c.Mode = billing.ModeCarryOver })
	out := e.record(t, income("10", 3))
	assert.NotEqual(t, first.Item.BillID, out.Item.BillID)
	require.NotNil(t, out.Summary.Carried)
	assert.Equal(t, 2, out.Summary.Carried.Bills)
	assertDec(t, "160", out.Summary.NotDispatched)
}

func TestUpdateSettings_DailyToCarryKeepsBills(t *testing.T) {
	// GIVEN: A daily bill holding 40
	// WHEN: Switching the chat to carry-over
	// THEN: Nothing is closed, the daily bill just joins the carry

	e := newTestEngine(t, morning)
	ctx := context.Background()

	daily := e.record(t, income("40", 1))
	e.configure(t, func(c *billing.Chat) { c.Mode = billing.ModeCarryOver })

	assert.Empty(t, e.History.List(testChat))
	bills, err := e.store.ListBillsBefore(ctx, testChat, e.clock.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Equal(t, daily.Item.BillID, bills[0].ID)
	assert.True(t, bills[0].IsOpen())
}

func TestCloseExpired_SingleBillPerDay(t *testing.T) {
	e := newTestEngine(t, morning)
	ctx := context.Background()
	e.configure(t, func(c *billing.Chat) {
		c.Mode = billing.ModeSingleBillPerDay
		c.CutoffHour = 2
	})
	e.record(t, income("100", 1))

	e.clock.Set(time.Date(2025, 3, 11, 1, 59, 0, 0, cst))
	n, err := e.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "period not over yet")

	e.clock.Set(time.Date(2025, 3, 11, 2, 0, 0, 0, cst))
	n, err = e.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history := e.History.List(testChat)
	require.Len(t, history, 1)
	assert.True(t, history[0].Auto)
	assertDec(t, "100", history[0].Summary.TotalIncome)

	view, err := e.View(ctx, testChat)
	require.NoError(t, err)
	assertDec(t, "0", view.Summary.TotalIncome)

	n, err = e.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDailyReset_RolloverStartsEmpty(t *testing.T) {
	e := newTestEngine(t, morning)
	ctx := context.Background()

	e.record(t, income("100", 1))
	e.clock.Set(time.Date(2025, 3, 11, 0, 0, 1, 0, cst))

	view, err := e.View(ctx, testChat)
	require.NoError(t, err)
	assertDec(t, "0", view.Summary.TotalIncome)

	_, err = e.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.History.List(testChat), "daily reset bills are not auto-closed")
}

// =============================================================================
// DELETE ALL
// =============================================================================

func TestDeleteAll_ConfirmedByRequester(t *testing.T) {
	e := newTestEngine(t, morning)
	ctx := context.Background()

	e.record(t, income("100", 1))
	e.record(t, dispatch("20", 2))

	_, err := e.ConfirmDeleteAll(ctx, testChat, alice.UserID, "")
	assert.ErrorIs(t, err, billing.ErrConfirmationRequired)

	pending, err := e.RequestDeleteAll(ctx, testChat, alice)
	require.NoError(t, err)

	_, err = e.ConfirmDeleteAll(ctx, testChat, 999, pending.Token)
	assert.ErrorIs(t, err, billing.ErrConfirmationMismatch)

	res, err := e.ConfirmDeleteAll(ctx, testChat, alice.UserID, pending.Token)
	require.NoError(t, err)
	assert.Equal(t, billing.DeleteResult{Bills: 1, Items: 2}, res)

	view, err := e.View(ctx, testChat)
	require.NoError(t, err)
	assert.Nil(t, view.Bill.Bill)
	assertDec(t, "0", view.Summary.TotalIncome)
}

func TestDeleteAll_ExpiredAndCancelled(t *testing.T) {
	e := newTestEngine(t, morning)
	ctx := context.Background()
	e.record(t, income("100", 1))

	_, err := e.RequestDeleteAll(ctx, testChat, alice)
	require.NoError(t, err)
	e.clock.Advance(billing.DefaultConfirmTTL)

	_, err = e.ConfirmDeleteAll(ctx, testChat, alice.UserID, "")
	assert.ErrorIs(t, err, billing.ErrConfirmationExpired)

	_, err = e.RequestDeleteAll(ctx, testChat, alice)
	require.NoError(t, err)
	require.NoError(t, e.CancelDeleteAll(testChat, alice.UserID, ""))

	_, err = e.ConfirmDeleteAll(ctx, testChat, alice.UserID, "")
	assert.ErrorIs(t, err, billing.ErrConfirmationRequired)

	view, err := e.View(ctx, testChat)
	require.NoError(t, err)
	assertDec(t, "100", view.Summary.TotalIncome)
}

// =============================================================================
// CONVERGENCE
// =============================================================================

func TestCacheConvergesWithStore(t *testing.T) {
	// GIVEN: A mix of inserts and undos
	// WHEN: Comparing the cache mirror with the store
	// THEN: Both hold the same items in the same order

	e := newTestEngine(t, morning)
	ctx := context.Background()

	e.record(t, income("100", 1))
	e.record(t, dispatch("10", 2))
	e.record(t, income("200", 3))
	_, err := e.UndoByMessage(ctx, testChat, 1, alice)
	require.NoError(t, err)
	e.record(t, income("-5", 4))
	e.record(t, dispatch("15", 5))

	cached, ok := e.Cache.Peek(testChat)
	require.True(t, ok)
	stored, err := e.store.LoadItems(ctx, cached.Bill.ID)
	require.NoError(t, err)

	got := cached.Items()
	require.Len(t, got, len(stored))
	for i := range stored {
		assert.Equal(t, stored[i].ID, got[i].ID)
	}
}

func TestView_ResyncDoesNotDropConcurrentRecord(t *testing.T) {
	// GIVEN: A stale cache entry and a View blocked mid-resync
	// WHEN: A Record of +50 races with the resync
	// THEN: Both finish and a later View still shows the +50

	st := &gatedStore{Memory: store.NewMemory()}
	clk := newFakeClock(morning)
	r := billing.NewReconciler(
		billing.NewLedger(st, cst, nil),
		billing.NewRateResolver(st, nil, nil),
		billing.Options{Clock: clk.Now},
	)
	ctx := context.Background()

	out, err := r.Record(ctx, testChat, income("100", 1))
	require.NoError(t, err)
	require.True(t, out.Persisted)

	r.Cache.MarkStale(testChat)
	reached, release := st.arm()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := r.View(ctx, testChat)
		assert.NoError(t, err)
	}()
	<-reached

	var recorded billing.Outcome
	go func() {
		defer wg.Done()
		var err error
		recorded, err = r.Record(ctx, testChat, income("50", 2))
		assert.NoError(t, err)
	}()
	close(release)
	wg.Wait()

	assert.True(t, recorded.Persisted)
	assertDec(t, "150", recorded.Summary.TotalIncome)

	clk.Advance(time.Minute)
	view, err := r.View(ctx, testChat)
	require.NoError(t, err)
	assertDec(t, "150", view.Summary.TotalIncome)

	cached, ok := r.Cache.Peek(testChat)
	require.True(t, ok)
	assert.Len(t, cached.Items(), 2)
}

func TestUpdateSettings_Validation(t *testing.T) {
	e := newTestEngine(t, morning)

	chat := billing.DefaultChat(testChat)
	chat.CutoffHour = 24
	_, err := e.UpdateSettings(context.Background(), chat)
	assert.ErrorIs(t, err, billing.ErrInvalidCutoffHour)

	chat = billing.DefaultChat(testChat)
	chat.FeePercent = dec("101")
	_, err = e.UpdateSettings(context.Background(), chat)
	assert.ErrorIs(t, err, billing.ErrMalformedInput)
}
