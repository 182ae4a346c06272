// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var _ billing.Store = (*Memory)(nil)

type Memory struct {
	mu    sync.RWMutex
	chats map[billing.ChatKey]billing.Chat
	bills map[billing.BillID]*billRow
	items map[billing.BillID][]billing.BillItem
	owner map[billing.ItemID]billing.BillID
	seq   int64
}

type billRow struct {
	billing.Bill
	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		chats: make(map[billing.ChatKey]billing.Chat),
		bills: make(map[billing.BillID]*billRow),
		items: make(map[billing.BillID][]billing.BillItem),
		owner: make(map[billing.ItemID]billing.BillID),
	}
}

// =============================================================================
// CHATS
// =============================================================================

func (m *Memory) GetChat(_ context.Context, key billing.ChatKey) (*billing.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chat, ok := m.chats[key]
	if !ok {
		return nil, nil
	}
	chat.Operators = append([]string(nil), chat.Operators...)
	return &chat, nil
}

func (m *Memory) SaveChat(_ context.Context, chat billing.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat.Operators = append([]string(nil), chat.Operators...)
	m.chats[chat.Key] = chat
	return nil
}

func (m *Memory) SetRealtimeRate(_ context.Context, key billing.ChatKey, rate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[key]
	if !ok {
		chat = billing.DefaultChat(key)
	}
	chat.RealtimeRate = &rate
	m.chats[key] = chat
	return nil
}

func (m *Memory) ListChats(_ context.Context) ([]billing.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Chat, 0, len(m.chats))
	for _, c := range m.chats {
		out = append(out, c)
	}
	return out, nil
}

// =============================================================================
// BILLS
// =============================================================================

func (m *Memory) FindOpenBill(_ context.Context, key billing.ChatKey, period billing.Period) (*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b := m.findOpenLocked(key, period); b != nil {
		out := b.Bill
		return &out, nil
	}
	return nil, nil
}

// findOpenLocked applies the uniqueness rules: open-ended bills are unique
// per chat, daily bills per (chat, period start).
func (m *Memory) findOpenLocked(key billing.ChatKey, period billing.Period) *billRow {
	var found *billRow
	for _, b := range m.bills {
		if b.Chat != key || !b.IsOpen() || b.Period.OpenEnded != period.OpenEnded {
			continue
		}
		if !period.OpenEnded && !b.Period.Start.Equal(period.Start) {
			continue
		}
		if found == nil || b.seq > found.seq {
			found = b
		}
	}
	return found
}

func (m *Memory) CreateBill(_ context.Context, bill billing.Bill) (billing.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findOpenLocked(bill.Chat, bill.Period); existing != nil {
		return existing.Bill, nil
	}
	m.seq++
	m.bills[bill.ID] = &billRow{Bill: bill, seq: m.seq}
	return bill, nil
}

func (m *Memory) GetBill(_ context.Context, id billing.BillID) (*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bills[id]
	if !ok {
		return nil, nil
	}
	out := b.Bill
	return &out, nil
}

func (m *Memory) CloseBill(_ context.Context, id billing.BillID, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[id]
	if !ok {
		return billing.ErrBillNotFound
	}
	if !b.IsOpen() {
		return nil
	}
	b.Status = billing.BillClosed
	b.ClosedAt = &closedAt
	b.SavedAt = closedAt
	return nil
}

func (m *Memory) ListBillsBefore(_ context.Context, key billing.ChatKey, t time.Time) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []*billRow
	for _, b := range m.bills {
		if b.Chat == key && b.OpenedAt.Before(t) {
			rows = append(rows, b)
		}
	}
	return sortedBills(rows), nil
}

func (m *Memory) ListAutoCloseBills(_ context.Context, t time.Time) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []*billRow
	for _, b := range m.bills {
		if !b.IsOpen() || b.Period.OpenEnded || b.Period.End.After(t) {
			continue
		}
		if chat, ok := m.chats[b.Chat]; ok && chat.Mode == billing.ModeSingleBillPerDay {
			rows = append(rows, b)
		}
	}
	return sortedBills(rows), nil
}

func sortedBills(rows []*billRow) []billing.Bill {
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]billing.Bill, len(rows))
	for i, r := range rows {
		out[i] = r.Bill
	}
	return out
}

// =============================================================================
// ITEMS
// =============================================================================

// AppendItem adds an item. Append-only; items keep insertion order.
func (m *Memory) AppendItem(_ context.Context, item billing.BillItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bills[item.BillID]; !ok {
		return billing.ErrBillNotFound
	}
	m.items[item.BillID] = append(m.items[item.BillID], item)
	m.owner[item.ID] = item.BillID
	return nil
}

func (m *Memory) LoadItems(_ context.Context, id billing.BillID) ([]billing.BillItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]billing.BillItem, len(m.items[id]))
	copy(result, m.items[id])
	return result, nil
}

func (m *Memory) LastItem(_ context.Context, id billing.BillID, itemType billing.ItemType) (*billing.BillItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.items[id]
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Type == itemType {
			it := items[i]
			return &it, nil
		}
	}
	return nil, nil
}

func (m *Memory) FindItemByMessage(_ context.Context, id billing.BillID, messageID int64) (*billing.BillItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.items[id]
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].MessageID == messageID {
			it := items[i]
			return &it, nil
		}
	}
	return nil, nil
}

func (m *Memory) DeleteItem(_ context.Context, id billing.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	billID, ok := m.owner[id]
	if !ok {
		return billing.ErrUndoTargetNotFound
	}
	items := m.items[billID]
	for i := range items {
		if items[i].ID == id {
			m.items[billID] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	delete(m.owner, id)
	return nil
}

func (m *Memory) DeleteAll(_ context.Context, key billing.ChatKey) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bills, items := 0, 0
	for id, b := range m.bills {
		if b.Chat != key {
			continue
		}
		for _, it := range m.items[id] {
			delete(m.owner, it.ID)
		}
		items += len(m.items[id])
		delete(m.items, id)
		delete(m.bills, id)
		bills++
	}
	return bills, items, nil
}
