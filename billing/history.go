package billing

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultHistorySize = 10

// SavedBill is a closed bill with the figures it was closed with.
type SavedBill struct {
	Bill    Bill
	Summary Summary
	Items   int
	SavedAt time.Time
	Auto    bool // closed by the cutoff scheduler or a mode switch
}

// History keeps the most recent saved bills per chat.
// Advisory only: the store stays authoritative.
type History struct {
	size int

	mu    sync.Mutex
	rings *lru.Cache[ChatKey, []SavedBill]
}

// NewHistory keeps size bills per chat for at most chats chats.
func NewHistory(size, chats int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if chats <= 0 {
		chats = DefaultCacheChats
	}
	rings, err := lru.New[ChatKey, []SavedBill](chats)
	if err != nil {
		panic(err)
	}
	return &History{size: size, rings: rings}
}

// Push records a saved bill, dropping the oldest beyond the ring size.
func (h *History) Push(key ChatKey, saved SavedBill) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, _ := h.rings.Get(key)
	ring = append(ring, saved)
	if len(ring) > h.size {
		ring = append([]SavedBill(nil), ring[len(ring)-h.size:]...)
	}
	h.rings.Add(key, ring)
}

// List returns the saved bills of a chat, most recent first.
func (h *History) List(key ChatKey) []SavedBill {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, _ := h.rings.Get(key)
	out := make([]SavedBill, len(ring))
	for i, s := range ring {
		out[len(ring)-1-i] = s
	}
	return out
}

// Clear forgets the history of a chat.
func (h *History) Clear(key ChatKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rings.Remove(key)
}
