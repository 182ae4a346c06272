package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func pricedItem(typ billing.ItemType, amount, rate string) billing.BillItem {
	it := billing.BillItem{Type: typ, Amount: dec(amount), CreatedAt: time.Now()}
	if rate != "" {
		r := dec(rate)
		it.Rate = &r
		u := billing.ToUSDT(it.Amount, r)
		it.USDT = &u
	}
	return it
}

func TestSummarize_FeeAndRemaining(t *testing.T) {
	// GIVEN: Income 1000 and dispatch 720 at rate 7.2, fee 5%
	// WHEN: Summarizing
	// THEN: Should dispatch 950, not dispatched 230, about 31.9 in crypto units

	items := []billing.BillItem{
		pricedItem(billing.ItemIncome, "1000", "7.2"),
		pricedItem(billing.ItemDispatch, "720", "7.2"),
	}

	s := billing.Summarize(items, dec("5"), decp("7.2"), nil)

	assertDec(t, "1000", s.TotalIncome)
	assertDec(t, "50", s.Fee)
	assertDec(t, "950", s.ShouldDispatch)
	assertDec(t, "720", s.Dispatched)
	assertDec(t, "230", s.NotDispatched)
	require.NotNil(t, s.NotDispatchedUSDT)
	assertDec(t, "31.9", s.NotDispatchedUSDT.Round(1))
	assertDec(t, "138.89", *s.TotalIncomeUSDT)
	assert.Equal(t, 1, s.IncomeCount)
	assert.Equal(t, 1, s.DispatchCount)
	assert.Nil(t, s.Carried)
}

func TestSummarize_SnapshotsAreNotRepriced(t *testing.T) {
	// GIVEN: An income recorded at 7.0 and the chat rate now 8.0
	// WHEN: Summarizing
	// THEN: The crypto-unit total uses the 7.0 snapshot

	items := []billing.BillItem{pricedItem(billing.ItemIncome, "700", "7.0")}
	s := billing.Summarize(items, dec("0"), decp("8.0"), nil)

	assertDec(t, "100", *s.TotalIncomeUSDT)
}

func TestSummarize_UnsetRateLeavesCryptoFiguresNil(t *testing.T) {
	items := []billing.BillItem{pricedItem(billing.ItemIncome, "500", "")}

	s := billing.Summarize(items, dec("0"), nil, nil)

	assertDec(t, "500", s.TotalIncome)
	assert.Nil(t, s.TotalIncomeUSDT)
	assert.Nil(t, s.NotDispatchedUSDT)
}

func TestSummarize_NegativeRemainingIsNotClamped(t *testing.T) {
	items := []billing.BillItem{
		pricedItem(billing.ItemIncome, "100", ""),
		pricedItem(billing.ItemDispatch, "300", ""),
		pricedItem(billing.ItemIncome, "-20", ""),
	}

	s := billing.Summarize(items, dec("10"), nil, nil)

	assertDec(t, "80", s.TotalIncome)
	assertDec(t, "72", s.ShouldDispatch)
	assertDec(t, "-228", s.NotDispatched)
}

func TestSummarize_Idempotent(t *testing.T) {
	items := []billing.BillItem{
		pricedItem(billing.ItemIncome, "1234.56", "7.31"),
		pricedItem(billing.ItemDispatch, "99.9", ""),
	}
	carry := &billing.Carry{Bills: 2, Income: dec("10"), IncomeUnpriced: dec("10")}

	first := billing.Summarize(items, dec("1.5"), decp("7.2"), carry)
	second := billing.Summarize(items, dec("1.5"), decp("7.2"), carry)

	assert.Equal(t, first, second)
}

func TestSummarize_CarryFoldsPriorBalance(t *testing.T) {
	// GIVEN: Prior bills with income 500 and dispatch 350, no fee, empty current bill
	// WHEN: Summarizing
	// THEN: The current bill starts with 150 outstanding

	carry := &billing.Carry{
		Bills:              1,
		Income:             dec("500"),
		Dispatched:         dec("350"),
		IncomeUnpriced:     dec("500"),
		DispatchedUnpriced: dec("350"),
	}

	s := billing.Summarize(nil, dec("0"), nil, carry)
	assertDec(t, "150", s.NotDispatched)
	assert.Nil(t, s.NotDispatchedUSDT, "unpriced carry without a rate")
	require.NotNil(t, s.Carried)
	assert.Equal(t, 1, s.Carried.Bills)

	priced := billing.Summarize(nil, dec("0"), decp("5"), carry)
	require.NotNil(t, priced.NotDispatchedUSDT)
	assertDec(t, "30", *priced.NotDispatchedUSDT)
}

func TestRecentAndSplit(t *testing.T) {
	items := []billing.BillItem{
		pricedItem(billing.ItemIncome, "1", ""),
		pricedItem(billing.ItemDispatch, "2", ""),
		pricedItem(billing.ItemIncome, "3", ""),
	}

	incomes, dispatches := billing.Split(items)
	require.Len(t, incomes, 2)
	require.Len(t, dispatches, 1)
	assertDec(t, "3", incomes[1].Amount)

	assert.Len(t, billing.Recent(items, 2), 2)
	assert.Len(t, billing.Recent(items, -1), 3)
	assert.Len(t, billing.Recent(items, 0), 0)
	assert.Len(t, billing.Recent(items, 10), 3)
}
