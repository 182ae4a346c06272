/*
Package billing provides the billing ledger engine for OTC exchange chats.

PURPOSE:
  A chat records fiat inflows (income) and outflows (dispatch) as typed
  commands. Every entry belongs to a billing period ("bill") chosen by the
  chat's cutoff hour and accounting mode. The engine keeps a low-latency
  in-memory mirror of the active bill consistent with the persistent store
  and computes the running totals shown to operators.

KEY CONCEPTS IN THIS FILE (types.go):
  - ChatKey: (bot, chat) pair that owns all state
  - Chat: per-chat settings (mode, cutoff hour, rates, fee, operators)
  - Bill: one persisted billing period
  - BillItem: one recorded income or dispatch entry

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every money value
  2. Snapshots: an item's rate and crypto-unit amount are frozen at creation
  3. Store is the source of truth, the chat cache is a mirror
  4. Negative aggregates are valid states, never clamped

SEE ALSO:
  - period.go: Period resolution under cutoff hour + mode
  - summary.go: Aggregation
  - reconciler.go: Insert / undo / save / delete-all
*/
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BillID string
type ItemID string

// ChatKey identifies one conversation of one bot instance.
type ChatKey struct {
	BotID  int64
	ChatID int64
}

func (k ChatKey) String() string { return fmt.Sprintf("%d:%d", k.BotID, k.ChatID) }

// =============================================================================
// ACCOUNTING MODE
// =============================================================================

type AccountingMode string

const (
	ModeDailyReset       AccountingMode = "daily_reset"         // Independent periods per cutoff day
	ModeCarryOver        AccountingMode = "carry_over"          // Open until saved, balance compounds
	ModeSingleBillPerDay AccountingMode = "single_bill_per_day" // Daily periods, auto-closed at cutoff
)

func (m AccountingMode) Valid() bool {
	switch m {
	case ModeDailyReset, ModeCarryOver, ModeSingleBillPerDay:
		return true
	}
	return false
}

// Daily reports whether the mode uses calendar periods bounded by the cutoff hour.
func (m AccountingMode) Daily() bool { return m == ModeDailyReset || m == ModeSingleBillPerDay }

// ParseAccountingMode accepts the canonical names and short aliases.
func ParseAccountingMode(s string) (AccountingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily_reset", "daily", "reset", "日切":
		return ModeDailyReset, nil
	case "carry_over", "carry", "carryover", "累计":
		return ModeCarryOver, nil
	case "single_bill_per_day", "single", "单日":
		return ModeSingleBillPerDay, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// =============================================================================
// DISPLAY MODE
// =============================================================================

// DisplayMode selects how many recent entries a reply renders.
type DisplayMode int

const (
	DisplayRecent3 DisplayMode = iota + 1
	DisplayRecent5
	DisplayAll
	DisplayTotalsOnly
)

// RecentLimit returns how many entries per type to show. -1 means all.
func (d DisplayMode) RecentLimit() int {
	switch d {
	case DisplayRecent5:
		return 5
	case DisplayAll:
		return -1
	case DisplayTotalsOnly:
		return 0
	default:
		return 3
	}
}

// =============================================================================
// CHAT - Per-conversation settings
// =============================================================================

// Chat holds the settings the engine reads for a conversation.
// Owned by the settings layer; the engine only writes RealtimeRate.
type Chat struct {
	Key               ChatKey
	Mode              AccountingMode
	CutoffHour        int
	FixedRate         *decimal.Decimal
	RealtimeRate      *decimal.Decimal
	FeePercent        decimal.Decimal
	DisplayMode       DisplayMode
	Currency          string
	Operators         []string
	EveryoneAllowed   bool
	CalculatorEnabled bool
	OverDepositLimit  *decimal.Decimal
	UpdatedAt         time.Time
}

// DefaultChat returns the settings a chat starts with before any change.
func DefaultChat(key ChatKey) Chat {
	return Chat{
		Key:               key,
		Mode:              ModeDailyReset,
		CutoffHour:        0,
		FeePercent:        decimal.Zero,
		DisplayMode:       DisplayRecent3,
		Currency:          "CNY",
		CalculatorEnabled: true,
	}
}

// Validate checks the settings invariants.
func (c Chat) Validate() error {
	if c.CutoffHour < 0 || c.CutoffHour > 23 {
		return fmt.Errorf("%w: %d", ErrInvalidCutoffHour, c.CutoffHour)
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return &MalformedInputError{Input: c.FeePercent.String(), Reason: "fee percent must be within [0, 100]"}
	}
	for _, r := range []*decimal.Decimal{c.FixedRate, c.RealtimeRate} {
		if r != nil && !r.IsPositive() {
			return &MalformedInputError{Input: r.String(), Reason: "rate must be positive"}
		}
	}
	return nil
}

// Operator identifies who issued a command.
type Operator struct {
	Handle      string
	UserID      int64
	DisplayName string
}

// CanOperate reports whether the operator may record entries in this chat.
func (c Chat) CanOperate(op Operator) bool {
	if c.EveryoneAllowed || len(c.Operators) == 0 {
		return true
	}
	handle := strings.TrimPrefix(strings.ToLower(op.Handle), "@")
	uid := fmt.Sprintf("%d", op.UserID)
	for _, o := range c.Operators {
		o = strings.TrimPrefix(strings.ToLower(o), "@")
		if (handle != "" && o == handle) || (op.UserID != 0 && o == uid) {
			return true
		}
	}
	return false
}

// =============================================================================
// BILL - One billing period
// =============================================================================

type BillStatus string

const (
	BillOpen   BillStatus = "open"
	BillClosed BillStatus = "closed"
)

// Bill is one persisted billing period of a chat.
// Transitions: OPEN -> CLOSED (save) or OPEN -> deleted (delete-all).
type Bill struct {
	ID       BillID
	Chat     ChatKey
	Status   BillStatus
	Period   Period
	OpenedAt time.Time
	ClosedAt *time.Time
	SavedAt  time.Time
}

func (b Bill) IsOpen() bool { return b.Status == BillOpen }

// =============================================================================
// BILL ITEM - One recorded entry
// =============================================================================

type ItemType string

const (
	ItemIncome   ItemType = "income"
	ItemDispatch ItemType = "dispatch"
)

func (t ItemType) Valid() bool { return t == ItemIncome || t == ItemDispatch }

// BillItem is an immutable entry. USDT, when set, equals Amount / Rate at the
// rate in force at creation and is never recomputed.
type BillItem struct {
	ID          ItemID
	BillID      BillID
	Type        ItemType
	Amount      decimal.Decimal
	Rate        *decimal.Decimal
	USDT        *decimal.Decimal
	FeeRate     *decimal.Decimal
	Remark      string
	Operator    string
	Replier     string
	DisplayName string
	UserID      int64
	MessageID   int64
	CreatedAt   time.Time
}

// USDTAt returns the crypto-unit value of the item, using its own snapshot
// first and the fallback rate otherwise. ok is false when neither exists.
func (it BillItem) USDTAt(fallback *decimal.Decimal) (decimal.Decimal, bool) {
	if it.USDT != nil {
		return *it.USDT, true
	}
	if it.Rate != nil && it.Rate.IsPositive() {
		return it.Amount.Div(*it.Rate), true
	}
	if fallback != nil && fallback.IsPositive() {
		return it.Amount.Div(*fallback), true
	}
	return decimal.Zero, false
}

// Snapshot scale for stored crypto-unit amounts.
const USDTScale = 2

// ToUSDT converts a fiat amount at rate to the stored snapshot precision.
func ToUSDT(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.DivRound(rate, 16).Round(USDTScale)
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }
