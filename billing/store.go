/*
store.go - Persistence interface for chats, bills and bill items

PURPOSE:
  Defines the interface between the engine and the database. The store is
  the source of truth; the chat cache only mirrors it.

KEY INTERFACES:
  ChatStore: chat settings (read by the engine, realtime rate written lazily)
  BillStore: bills and their items

UNIQUENESS:
  CreateBill must be idempotent under concurrent callers:
  - daily modes: at most one OPEN bill per (chat, period start)
  - CARRY_OVER:  at most one OPEN open-ended bill per chat
  On conflict CreateBill returns the bill that already exists.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go:  SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChatStore persists chat settings.
type ChatStore interface {
	// GetChat returns the chat settings, or nil if the chat was never configured.
	GetChat(ctx context.Context, key ChatKey) (*Chat, error)

	// SaveChat upserts the chat settings.
	SaveChat(ctx context.Context, chat Chat) error

	// SetRealtimeRate updates only the realtime rate of a chat.
	SetRealtimeRate(ctx context.Context, key ChatKey, rate decimal.Decimal) error

	// ListChats returns every configured chat.
	ListChats(ctx context.Context) ([]Chat, error)
}

// BillStore persists bills and items.
type BillStore interface {
	// FindOpenBill returns the open bill for the period, or nil.
	// For an open-ended period it returns the most recent open-ended open bill.
	FindOpenBill(ctx context.Context, key ChatKey, period Period) (*Bill, error)

	// CreateBill inserts an open bill. On a uniqueness conflict the existing
	// open bill is returned instead.
	CreateBill(ctx context.Context, bill Bill) (Bill, error)

	// GetBill returns a bill by id, or nil.
	GetBill(ctx context.Context, id BillID) (*Bill, error)

	// CloseBill transitions an open bill to CLOSED. Closing a closed bill is a no-op.
	CloseBill(ctx context.Context, id BillID, closedAt time.Time) error

	// ListBillsBefore returns every bill (open or closed) of the chat opened
	// strictly before t, oldest first.
	ListBillsBefore(ctx context.Context, key ChatKey, t time.Time) ([]Bill, error)

	// ListAutoCloseBills returns the open, bounded bills of SINGLE_BILL_PER_DAY
	// chats whose period ended at or before t.
	ListAutoCloseBills(ctx context.Context, t time.Time) ([]Bill, error)

	// AppendItem persists an item.
	AppendItem(ctx context.Context, item BillItem) error

	// LoadItems returns every item of a bill, in insertion order.
	LoadItems(ctx context.Context, id BillID) ([]BillItem, error)

	// LastItem returns the most recent item of the given type, or nil.
	LastItem(ctx context.Context, id BillID, itemType ItemType) (*BillItem, error)

	// FindItemByMessage returns the item recorded from a source message, or nil.
	FindItemByMessage(ctx context.Context, id BillID, messageID int64) (*BillItem, error)

	// DeleteItem removes one item. Deleting a missing item returns ErrUndoTargetNotFound.
	DeleteItem(ctx context.Context, id ItemID) error

	// DeleteAll removes every bill and item of the chat.
	DeleteAll(ctx context.Context, key ChatKey) (bills int, items int, err error)
}

// Store is everything the engine needs.
type Store interface {
	ChatStore
	BillStore
}
