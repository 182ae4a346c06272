/*
ledger.go - Store access: get-or-create the open bill, record items

PURPOSE:
  The Ledger resolves which bill owns a transaction and appends items to it.
  It is the only path from the engine to BillStore writes for inserts.

SELF-HEALING:
  A missing open bill is never an error. GetOrCreateOpenBill creates it,
  and CreateBill returns the existing bill when a concurrent caller won the
  race (uniqueness on chat + period start, or chat + open-ended).

CARRY-OVER:
  CarryOver folds every bill opened strictly before a given instant into
  raw sums. Raw sums are linear, so applying the fee once to the sum equals
  applying it per prior period.

SEE ALSO:
  - store.go: BillStore contract
  - summary.go: Uses Carry
*/
package billing

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger wraps a Store with period resolution.
type Ledger struct {
	Store    Store
	Location *time.Location
	logger   *zap.Logger
}

// NewLedger creates a ledger. loc is the zone cutoff hours are expressed in.
func NewLedger(store Store, loc *time.Location, logger *zap.Logger) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{Store: store, Location: loc, logger: logger}
}

// Chat returns the stored settings of a chat, or its defaults.
func (l *Ledger) Chat(ctx context.Context, key ChatKey) (Chat, error) {
	chat, err := l.Store.GetChat(ctx, key)
	if err != nil {
		return Chat{}, err
	}
	if chat == nil {
		return DefaultChat(key), nil
	}
	return *chat, nil
}

// Period resolves the period owning a transaction at now for this chat.
func (l *Ledger) Period(chat Chat, now time.Time) (Period, error) {
	return ResolvePeriod(now, chat.CutoffHour, chat.Mode, l.Location)
}

// OpenBill returns the open bill owning now, or nil when none exists yet.
func (l *Ledger) OpenBill(ctx context.Context, chat Chat, now time.Time) (*Bill, error) {
	period, err := l.Period(chat, now)
	if err != nil {
		return nil, err
	}
	return l.Store.FindOpenBill(ctx, chat.Key, period)
}

// GetOrCreateOpenBill returns the open bill owning now, creating it if missing.
// Idempotent under concurrent callers within the same period.
func (l *Ledger) GetOrCreateOpenBill(ctx context.Context, chat Chat, now time.Time) (Bill, error) {
	period, err := l.Period(chat, now)
	if err != nil {
		return Bill{}, err
	}

	existing, err := l.Store.FindOpenBill(ctx, chat.Key, period)
	if err != nil {
		return Bill{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	bill, err := l.Store.CreateBill(ctx, Bill{
		ID:       NewBillID(),
		Chat:     chat.Key,
		Status:   BillOpen,
		Period:   period,
		OpenedAt: now,
		SavedAt:  now,
	})
	if err != nil {
		return Bill{}, &StoreWriteError{Op: "create bill", Chat: chat.Key, Err: err}
	}

	l.logger.Info("opened bill",
		zap.Stringer("chat", chat.Key),
		zap.String("bill_id", string(bill.ID)),
		zap.String("mode", string(chat.Mode)),
		zap.Stringer("period", bill.Period),
	)
	return bill, nil
}

// RecordItem appends an item to a bill. Amounts are validated by the caller;
// a zero or missing amount here is a programming error and is rejected.
func (l *Ledger) RecordItem(ctx context.Context, bill Bill, item BillItem) (BillItem, error) {
	if !item.Type.Valid() {
		return BillItem{}, &MalformedInputError{Input: string(item.Type), Reason: "unknown item type"}
	}
	if item.Amount.IsZero() {
		return BillItem{}, &MalformedInputError{Input: item.Amount.String(), Reason: "amount must not be zero"}
	}

	if item.ID == "" {
		item.ID = NewItemID()
	}
	item.BillID = bill.ID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	if err := l.Store.AppendItem(ctx, item); err != nil {
		return item, &StoreWriteError{Op: "append item", Chat: bill.Chat, Err: err}
	}
	return item, nil
}

// =============================================================================
// ACTIVE STATE - What the chat cache mirrors
// =============================================================================

// ActiveState is the open bill of a chat with all its items.
// Bill is nil when no transaction has been recorded in the current period.
type ActiveState struct {
	Bill   *Bill
	Period Period
	Items  []BillItem
	Carry  *Carry
}

// ActiveBill loads the open bill owning now and every one of its items.
// It does not create a bill.
func (l *Ledger) ActiveBill(ctx context.Context, chat Chat, now time.Time) (ActiveState, error) {
	period, err := l.Period(chat, now)
	if err != nil {
		return ActiveState{}, err
	}

	state := ActiveState{Period: period}
	bill, err := l.Store.FindOpenBill(ctx, chat.Key, period)
	if err != nil {
		return ActiveState{}, err
	}
	if bill != nil {
		state.Bill = bill
		state.Period = bill.Period
		if state.Items, err = l.Store.LoadItems(ctx, bill.ID); err != nil {
			return ActiveState{}, err
		}
	}

	if chat.Mode == ModeCarryOver {
		carry, err := l.CarryOver(ctx, chat.Key, state.Period.Start)
		if err != nil {
			return ActiveState{}, err
		}
		state.Carry = &carry
	}
	return state, nil
}

// =============================================================================
// CARRY-OVER
// =============================================================================

// Carry holds the raw sums of every bill before the current one.
// Priced holds crypto-unit values of items with a snapshot; Unpriced holds
// the fiat of items without one, to be converted at the resolved rate.
type Carry struct {
	Bills              int
	Income             decimal.Decimal
	Dispatched         decimal.Decimal
	IncomeUSDT         decimal.Decimal
	DispatchedUSDT     decimal.Decimal
	IncomeUnpriced     decimal.Decimal
	DispatchedUnpriced decimal.Decimal
}

// Add folds a bill's items into the carry.
func (c *Carry) Add(items []BillItem) {
	c.Bills++
	for _, it := range items {
		usdt, priced := it.USDTAt(nil)
		switch it.Type {
		case ItemIncome:
			c.Income = c.Income.Add(it.Amount)
			if priced {
				c.IncomeUSDT = c.IncomeUSDT.Add(usdt)
			} else {
				c.IncomeUnpriced = c.IncomeUnpriced.Add(it.Amount)
			}
		case ItemDispatch:
			c.Dispatched = c.Dispatched.Add(it.Amount)
			if priced {
				c.DispatchedUSDT = c.DispatchedUSDT.Add(usdt)
			} else {
				c.DispatchedUnpriced = c.DispatchedUnpriced.Add(it.Amount)
			}
		}
	}
}

// CarryOver sums every bill of the chat, open or closed, opened strictly before.
func (l *Ledger) CarryOver(ctx context.Context, key ChatKey, before time.Time) (Carry, error) {
	bills, err := l.Store.ListBillsBefore(ctx, key, before)
	if err != nil {
		return Carry{}, err
	}

	var carry Carry
	for _, b := range bills {
		items, err := l.Store.LoadItems(ctx, b.ID)
		if err != nil {
			return Carry{}, err
		}
		carry.Add(items)
	}
	return carry, nil
}

// =============================================================================
// IDS
// =============================================================================

// NewBillID returns a lexicographically sortable bill id.
func NewBillID() BillID { return BillID(ulid.Make().String()) }

// NewItemID returns a lexicographically sortable item id.
func NewItemID() ItemID { return ItemID(ulid.Make().String()) }
