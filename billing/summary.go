/*
summary.go - Aggregation of bill items into the figures shown to operators

ALGORITHM:
  1. totalIncome    = Σ income.amount        (signed, corrections allowed)
  2. fee            = totalIncome * feePercent / 100
  3. shouldDispatch = totalIncome - fee      (NOT clamped at zero)
  4. dispatched     = Σ dispatch.amount
  5. notDispatched  = shouldDispatch - dispatched (NOT clamped)
  6. Crypto-unit figures use each item's own snapshot when present and the
     resolved rate otherwise. Historical entries are never re-priced.
  7. CARRY_OVER: the prior bills' shouldDispatch and dispatched are added to
     the current figures before notDispatched is derived.

PURITY:
  Summarize depends only on its arguments. Calling it twice with the same
  inputs returns the same Summary.

UNSET RATE:
  When an item needs the resolved rate and none exists, every crypto-unit
  field is nil. A missing rate is shown as unset, never as zero.
*/
package billing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Summary holds the aggregate figures of a bill.
type Summary struct {
	FeePercent decimal.Decimal
	Rate       *decimal.Decimal

	TotalIncome    decimal.Decimal
	Fee            decimal.Decimal
	ShouldDispatch decimal.Decimal
	Dispatched     decimal.Decimal
	NotDispatched  decimal.Decimal

	TotalIncomeUSDT    *decimal.Decimal
	FeeUSDT            *decimal.Decimal
	ShouldDispatchUSDT *decimal.Decimal
	DispatchedUSDT     *decimal.Decimal
	NotDispatchedUSDT  *decimal.Decimal

	IncomeCount   int
	DispatchCount int

	// Carried is the contribution of prior bills (CARRY_OVER only).
	Carried *CarriedAmounts
}

// CarriedAmounts is the prior-period part already folded into a Summary.
type CarriedAmounts struct {
	Bills              int
	ShouldDispatch     decimal.Decimal
	Dispatched         decimal.Decimal
	ShouldDispatchUSDT *decimal.Decimal
	DispatchedUSDT     *decimal.Decimal
}

// Summarize computes the aggregate figures of items under feePercent and the
// resolved rate. carry is nil outside CARRY_OVER.
func Summarize(items []BillItem, feePercent decimal.Decimal, rate *decimal.Decimal, carry *Carry) Summary {
	s := Summary{FeePercent: feePercent, Rate: rate}

	incomeUSDT, dispatchedUSDT := decimal.Zero, decimal.Zero
	priced := true
	for _, it := range items {
		usdt, ok := it.USDTAt(rate)
		priced = priced && ok
		switch it.Type {
		case ItemIncome:
			s.IncomeCount++
			s.TotalIncome = s.TotalIncome.Add(it.Amount)
			incomeUSDT = incomeUSDT.Add(usdt)
		case ItemDispatch:
			s.DispatchCount++
			s.Dispatched = s.Dispatched.Add(it.Amount)
			dispatchedUSDT = dispatchedUSDT.Add(usdt)
		}
	}

	keep := hundred.Sub(feePercent).Div(hundred)
	s.Fee = s.TotalIncome.Mul(feePercent).Div(hundred)
	s.ShouldDispatch = s.TotalIncome.Sub(s.Fee)

	feeUSDT := incomeUSDT.Mul(feePercent).Div(hundred)
	shouldUSDT := incomeUSDT.Sub(feeUSDT)

	if carry != nil {
		c := &CarriedAmounts{
			Bills:          carry.Bills,
			ShouldDispatch: carry.Income.Mul(keep),
			Dispatched:     carry.Dispatched,
		}
		cIncomeUSDT, cDispatchedUSDT, ok := carry.priced(rate)
		if ok {
			c.ShouldDispatchUSDT = decPtr(cIncomeUSDT.Mul(keep))
			c.DispatchedUSDT = decPtr(cDispatchedUSDT)
			shouldUSDT = shouldUSDT.Add(*c.ShouldDispatchUSDT)
			dispatchedUSDT = dispatchedUSDT.Add(cDispatchedUSDT)
		}
		priced = priced && ok

		s.ShouldDispatch = s.ShouldDispatch.Add(c.ShouldDispatch)
		s.Dispatched = s.Dispatched.Add(c.Dispatched)
		s.Carried = c
	}

	s.NotDispatched = s.ShouldDispatch.Sub(s.Dispatched)

	if priced {
		s.TotalIncomeUSDT = decPtr(incomeUSDT)
		s.FeeUSDT = decPtr(feeUSDT)
		s.ShouldDispatchUSDT = decPtr(shouldUSDT)
		s.DispatchedUSDT = decPtr(dispatchedUSDT)
		s.NotDispatchedUSDT = decPtr(shouldUSDT.Sub(dispatchedUSDT))
	}
	return s
}

// priced converts the carry to crypto units, pricing unpriced fiat at rate.
func (c Carry) priced(rate *decimal.Decimal) (income, dispatched decimal.Decimal, ok bool) {
	income, dispatched = c.IncomeUSDT, c.DispatchedUSDT
	if c.IncomeUnpriced.IsZero() && c.DispatchedUnpriced.IsZero() {
		return income, dispatched, true
	}
	if rate == nil || !rate.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return income.Add(c.IncomeUnpriced.Div(*rate)), dispatched.Add(c.DispatchedUnpriced.Div(*rate)), true
}

// Recent returns the last n items, or all of them when n < 0.
func Recent(items []BillItem, n int) []BillItem {
	if n < 0 || n >= len(items) {
		return items
	}
	return items[len(items)-n:]
}

// Split partitions items by type, preserving order.
func Split(items []BillItem) (incomes, dispatches []BillItem) {
	for _, it := range items {
		if it.Type == ItemIncome {
			incomes = append(incomes, it)
		} else {
			dispatches = append(dispatches, it)
		}
	}
	return incomes, dispatches
}
