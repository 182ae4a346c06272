/*
cache.go - Per-chat in-memory mirror of the active bill

PURPOSE:
  Avoids a store round trip for every formatted reply. Each entry mirrors
  {incomes, dispatches} of the active bill plus the carry of prior bills,
  the last sync instant and the period it was synced for.

REFRESH RULES (entry is re-read in full from the store when):
  - no entry exists
  - the entry holds MaxItems items or more
  - the entry is older than StaleAfter
  - a resync was requested (undo, save, delete-all, settings change)
  - the cached period no longer contains now (period rollover)
  - the chat's mode or cutoff hour changed since the sync

  The entry may be briefly stale for display. Figures used for limit checks
  always come from Sync, never from GetOrSync.

GENERATIONS:
  Every sync start, append and stale mark takes the next generation number.
  A sync only installs its snapshot when no newer write touched the entry
  while it was reading the store.

BOUNDS:
  Entries live in an LRU keyed by ChatKey. Sweep drops DAILY_RESET entries
  whose period has ended so yesterday's totals never leak into today.
*/
package billing

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultCacheChats      = 10000
	DefaultCacheMaxItems   = 100
	DefaultCacheStaleAfter = 30 * time.Minute
)

// ActiveSource loads the active state of a chat from the store.
type ActiveSource interface {
	ActiveBill(ctx context.Context, chat Chat, now time.Time) (ActiveState, error)
}

// CachedBill is a copy of a cache entry, safe to use without locking.
type CachedBill struct {
	Bill       *Bill
	Period     Period
	Incomes    []BillItem
	Dispatches []BillItem
	Carry      *Carry
	SyncedAt   time.Time
}

// Items returns incomes and dispatches merged in creation order.
func (c CachedBill) Items() []BillItem {
	out := make([]BillItem, 0, len(c.Incomes)+len(c.Dispatches))
	i, j := 0, 0
	for i < len(c.Incomes) || j < len(c.Dispatches) {
		if j >= len(c.Dispatches) || (i < len(c.Incomes) && !c.Incomes[i].CreatedAt.After(c.Dispatches[j].CreatedAt)) {
			out = append(out, c.Incomes[i])
			i++
		} else {
			out = append(out, c.Dispatches[j])
			j++
		}
	}
	return out
}

// Len returns the number of cached items.
func (c CachedBill) Len() int { return len(c.Incomes) + len(c.Dispatches) }

type cacheEntry struct {
	CachedBill
	mode   AccountingMode
	cutoff int
	stale  bool
	gen    uint64
}

// ChatCache is a bounded, per-chat mirror of the active bill.
type ChatCache struct {
	Source     ActiveSource
	MaxItems   int
	StaleAfter time.Duration

	mu       sync.Mutex
	gen      uint64
	entries  *lru.Cache[ChatKey, *cacheEntry]
	settings *lru.Cache[ChatKey, settingsEntry]
	metrics  Metrics
}

type settingsEntry struct {
	chat     Chat
	loadedAt time.Time
}

// NewChatCache creates a cache holding at most chats entries.
func NewChatCache(source ActiveSource, chats int, metrics Metrics) *ChatCache {
	if chats <= 0 {
		chats = DefaultCacheChats
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	// lru.New only fails for non-positive sizes, excluded above.
	entries, _ := lru.New[ChatKey, *cacheEntry](chats)
	settings, _ := lru.New[ChatKey, settingsEntry](chats)
	return &ChatCache{
		Source:     source,
		MaxItems:   DefaultCacheMaxItems,
		StaleAfter: DefaultCacheStaleAfter,
		entries:    entries,
		settings:   settings,
		metrics:    metrics,
	}
}

// Sync replaces the entry of the chat wholesale with every item of the
// active bill. When the entry was written after this sync started, the
// newer entry is kept and returned.
func (c *ChatCache) Sync(ctx context.Context, chat Chat, now time.Time) (CachedBill, error) {
	c.mu.Lock()
	started := c.nextGen()
	c.mu.Unlock()

	state, err := c.Source.ActiveBill(ctx, chat, now)
	if err != nil {
		return CachedBill{}, err
	}

	incomes, dispatches := Split(state.Items)
	entry := &cacheEntry{
		CachedBill: CachedBill{
			Bill:       state.Bill,
			Period:     state.Period,
			Incomes:    incomes,
			Dispatches: dispatches,
			Carry:      state.Carry,
			SyncedAt:   now,
		},
		mode:   chat.Mode,
		cutoff: chat.CutoffHour,
		gen:    started,
	}

	c.mu.Lock()
	if cur, ok := c.entries.Peek(chat.Key); ok && cur.gen > started {
		out := cur.copy()
		c.mu.Unlock()
		return out, nil
	}
	c.entries.Add(chat.Key, entry)
	out := entry.copy()
	c.mu.Unlock()
	return out, nil
}

// GetOrSync returns the cached entry, syncing first when any refresh rule holds.
func (c *ChatCache) GetOrSync(ctx context.Context, chat Chat, now time.Time) (CachedBill, error) {
	c.mu.Lock()
	reason := "miss"
	if entry, ok := c.entries.Get(chat.Key); ok {
		if reason = c.syncReason(entry, chat, now); reason == "" {
			out := entry.copy()
			c.mu.Unlock()
			c.metrics.CacheLookup(true)
			return out, nil
		}
	}
	c.mu.Unlock()

	c.metrics.CacheLookup(false)
	c.metrics.Resync(reason)
	return c.Sync(ctx, chat, now)
}

func (c *ChatCache) syncReason(e *cacheEntry, chat Chat, now time.Time) string {
	switch {
	case e.stale:
		return "requested"
	case e.Len() >= c.MaxItems:
		return "cap"
	case now.Sub(e.SyncedAt) > c.StaleAfter:
		return "stale"
	case e.mode != chat.Mode || e.cutoff != chat.CutoffHour:
		return "settings"
	case !e.Period.Contains(now):
		return "rollover"
	}
	return ""
}

// Append optimistically adds a freshly persisted item. If the entry mirrors
// another bill the entry is marked stale instead.
func (c *ChatCache) Append(key ChatKey, item BillItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Peek(key)
	if !ok {
		return
	}
	entry.gen = c.nextGen()
	if entry.Bill == nil || entry.Bill.ID != item.BillID {
		entry.stale = true
		return
	}
	switch item.Type {
	case ItemIncome:
		entry.Incomes = append(entry.Incomes, item)
	case ItemDispatch:
		entry.Dispatches = append(entry.Dispatches, item)
	}
}

// MarkStale forces the next read of the chat to resync.
func (c *ChatCache) MarkStale(key ChatKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries.Peek(key); ok {
		entry.stale = true
		entry.gen = c.nextGen()
	}
}

// Evict drops the entry of the chat.
func (c *ChatCache) Evict(key ChatKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
	c.settings.Remove(key)
}

// Peek returns the entry without refreshing or touching recency.
func (c *ChatCache) Peek(key ChatKey) (CachedBill, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries.Peek(key)
	if !ok {
		return CachedBill{}, false
	}
	return entry.copy(), true
}

// Settings returns the cached settings of a chat while younger than StaleAfter.
func (c *ChatCache) Settings(key ChatKey, now time.Time) (Chat, bool) {
	e, ok := c.settings.Get(key)
	if !ok || now.Sub(e.loadedAt) > c.StaleAfter {
		return Chat{}, false
	}
	return e.chat, true
}

// PutSettings caches the settings of a chat.
func (c *ChatCache) PutSettings(chat Chat, now time.Time) {
	c.settings.Add(chat.Key, settingsEntry{chat: chat, loadedAt: now})
}

// DropSettings forgets the cached settings of a chat.
func (c *ChatCache) DropSettings(key ChatKey) {
	c.settings.Remove(key)
}

// Len returns the number of cached chats.
func (c *ChatCache) Len() int { return c.entries.Len() }

// Sweep drops DAILY_RESET entries whose period ended before now and
// returns their keys.
func (c *ChatCache) Sweep(now time.Time) []ChatKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped []ChatKey
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if entry.mode == ModeDailyReset && entry.Period.Ended(now) {
			c.entries.Remove(key)
			dropped = append(dropped, key)
		}
	}
	return dropped
}

// nextGen must be called with c.mu held.
func (c *ChatCache) nextGen() uint64 {
	c.gen++
	return c.gen
}

func (e *cacheEntry) copy() CachedBill {
	out := e.CachedBill
	out.Incomes = append([]BillItem(nil), e.Incomes...)
	out.Dispatches = append([]BillItem(nil), e.Dispatches...)
	if e.Bill != nil {
		b := *e.Bill
		out.Bill = &b
	}
	if e.Carry != nil {
		c := *e.Carry
		out.Carry = &c
	}
	return out
}
