package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestConfirmations_StateMachine(t *testing.T) {
	clk := newFakeClock(morning)
	c := billing.NewConfirmations(time.Minute, clk.Now)

	t.Run("confirm without request", func(t *testing.T) {
		assert.ErrorIs(t, c.Confirm(testChat, 7, ""), billing.ErrConfirmationRequired)
	})

	t.Run("other user cannot answer", func(t *testing.T) {
		p := c.Request(testChat, 7)
		assert.ErrorIs(t, c.Confirm(testChat, 8, ""), billing.ErrConfirmationMismatch)
		assert.ErrorIs(t, c.Cancel(testChat, 8, ""), billing.ErrConfirmationMismatch)

		still, ok := c.Pending(testChat)
		require.True(t, ok, "mismatch leaves the request pending")
		assert.Equal(t, p.Token, still.Token)
	})

	t.Run("wrong token", func(t *testing.T) {
		c.Request(testChat, 7)
		assert.ErrorIs(t, c.Confirm(testChat, 7, "nope"), billing.ErrConfirmationMismatch)
	})

	t.Run("confirm consumes", func(t *testing.T) {
		p := c.Request(testChat, 7)
		require.NoError(t, c.Confirm(testChat, 7, p.Token))
		assert.ErrorIs(t, c.Confirm(testChat, 7, p.Token), billing.ErrConfirmationRequired)
	})

	t.Run("expiry", func(t *testing.T) {
		c.Request(testChat, 7)
		clk.Advance(time.Minute - time.Nanosecond)
		_, ok := c.Pending(testChat)
		assert.True(t, ok)

		clk.Advance(time.Nanosecond)
		_, ok = c.Pending(testChat)
		assert.False(t, ok)
		assert.ErrorIs(t, c.Confirm(testChat, 7, ""), billing.ErrConfirmationExpired)
	})

	t.Run("newer request replaces older", func(t *testing.T) {
		first := c.Request(testChat, 7)
		second := c.Request(testChat, 8)
		assert.NotEqual(t, first.Token, second.Token)
		assert.ErrorIs(t, c.Confirm(testChat, 7, first.Token), billing.ErrConfirmationMismatch)
		require.NoError(t, c.Confirm(testChat, 8, second.Token))
	})
}

func TestHistory_RingKeepsMostRecent(t *testing.T) {
	h := billing.NewHistory(3, 0)

	for i := 1; i <= 5; i++ {
		h.Push(testChat, billing.SavedBill{Items: i})
	}

	got := h.List(testChat)
	require.Len(t, got, 3)
	assert.Equal(t, 5, got[0].Items, "most recent first")
	assert.Equal(t, 3, got[2].Items)

	h.Clear(testChat)
	assert.Empty(t, h.List(testChat))
}

func TestChatLocks_SerializesPerChat(t *testing.T) {
	locks := billing.NewChatLocks()
	other := billing.ChatKey{BotID: 2, ChatID: 1}

	unlock := locks.Lock(testChat)

	done := make(chan struct{})
	go func() {
		u := locks.Lock(other)
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different chats must not contend")
	}

	acquired := make(chan struct{})
	go func() {
		u := locks.Lock(testChat)
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatal("same chat acquired twice")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return locks.Held() == 0 }, time.Second, 5*time.Millisecond)
}
