/*
confirm.go - Confirm/cancel round trip for destructive operations

STATE MACHINE (per chat):

  idle --Request(user)--> pending(user, token, expiresAt)
  pending --Confirm(same user, token) before expiry--> idle (action runs)
  pending --Cancel(same user)--> idle
  pending --expiry--> idle (Confirm returns ErrConfirmationExpired)

  A new Request from any user replaces the pending one.
  Confirm/Cancel from another user return ErrConfirmationMismatch and leave
  the pending request untouched.
*/
package billing

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultConfirmTTL = 60 * time.Second

// PendingConfirmation is an outstanding delete-all request.
type PendingConfirmation struct {
	Chat      ChatKey
	UserID    int64
	Token     string
	ExpiresAt time.Time
}

// Confirmations tracks pending destructive requests per chat.
type Confirmations struct {
	TTL   time.Duration
	clock Clock

	mu      sync.Mutex
	pending map[ChatKey]PendingConfirmation
}

func NewConfirmations(ttl time.Duration, clock Clock) *Confirmations {
	if ttl <= 0 {
		ttl = DefaultConfirmTTL
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Confirmations{TTL: ttl, clock: clock, pending: make(map[ChatKey]PendingConfirmation)}
}

// Request opens a confirmation window for the user.
func (c *Confirmations) Request(key ChatKey, userID int64) PendingConfirmation {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := PendingConfirmation{
		Chat:      key,
		UserID:    userID,
		Token:     uuid.NewString(),
		ExpiresAt: c.clock().Add(c.TTL),
	}
	c.pending[key] = p
	return p
}

// Confirm consumes the pending request. token may be empty when the caller
// authenticates by user only (chat replies).
func (c *Confirmations) Confirm(key ChatKey, userID int64, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.matchLocked(key, userID, token)
	if err != nil {
		return err
	}
	delete(c.pending, p.Chat)
	return nil
}

// Cancel drops the pending request.
func (c *Confirmations) Cancel(key ChatKey, userID int64, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.matchLocked(key, userID, token)
	if err != nil && !errors.Is(err, ErrConfirmationExpired) {
		return err
	}
	delete(c.pending, p.Chat)
	return nil
}

// Pending returns the outstanding request of a chat, if any and not expired.
func (c *Confirmations) Pending(key ChatKey) (PendingConfirmation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if !ok || !c.clock().Before(p.ExpiresAt) {
		return PendingConfirmation{}, false
	}
	return p, true
}

func (c *Confirmations) matchLocked(key ChatKey, userID int64, token string) (PendingConfirmation, error) {
	p, ok := c.pending[key]
	if !ok {
		return PendingConfirmation{}, ErrConfirmationRequired
	}
	if p.UserID != userID || (token != "" && token != p.Token) {
		return PendingConfirmation{}, ErrConfirmationMismatch
	}
	if !c.clock().Before(p.ExpiresAt) {
		delete(c.pending, key)
		return p, ErrConfirmationExpired
	}
	return p, nil
}
