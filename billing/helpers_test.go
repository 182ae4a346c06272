package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var cst = time.FixedZone("CST", 8*3600)

var testChat = billing.ChatKey{BotID: 1, ChatID: -1001}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

// failingStore fails item writes on demand.
type failingStore struct {
	*store.Memory
	failAppend bool
}

func (f *failingStore) AppendItem(ctx context.Context, item billing.BillItem) error {
	if f.failAppend {
		return errors.New("disk full")
	}
	return f.Memory.AppendItem(ctx, item)
}

// gatedStore blocks the next LoadItems after it read the store, once armed.
type gatedStore struct {
	*store.Memory
	mu      sync.Mutex
	reached chan struct{}
	release chan struct{}
}

func (g *gatedStore) arm() (reached, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reached = make(chan struct{})
	g.release = make(chan struct{})
	return g.reached, g.release
}

func (g *gatedStore) LoadItems(ctx context.Context, id billing.BillID) ([]billing.BillItem, error) {
	items, err := g.Memory.LoadItems(ctx, id)

	g.mu.Lock()
	reached, release := g.reached, g.release
	g.reached = nil
	g.mu.Unlock()

	if reached != nil {
		close(reached)
		<-release
	}
	return items, err
}

type testEngine struct {
	*billing.Reconciler
	store *failingStore
	clock *fakeClock
}

func newTestEngine(t *testing.T, start time.Time) *testEngine {
	t.Helper()
	st := &failingStore{Memory: store.NewMemory()}
	clk := newFakeClock(start)
	ledger := billing.NewLedger(st, cst, nil)
	rates := billing.NewRateResolver(st, nil, nil)
	r := billing.NewReconciler(ledger, rates, billing.Options{Clock: clk.Now})
	return &testEngine{Reconciler: r, store: st, clock: clk}
}

func (e *testEngine) configure(t *testing.T, edit func(*billing.Chat)) billing.Chat {
	t.Helper()
	chat := billing.DefaultChat(testChat)
	edit(&chat)
	saved, err := e.UpdateSettings(context.Background(), chat)
	require.NoError(t, err)
	return saved
}

var alice = billing.Operator{Handle: "alice", UserID: 7, DisplayName: "Alice"}

func income(amount string, msgID int64) billing.Entry {
	return billing.Entry{Type: billing.ItemIncome, Amount: dec(amount), Operator: alice, MessageID: msgID}
}

func dispatch(amount string, msgID int64) billing.Entry {
	return billing.Entry{Type: billing.ItemDispatch, Amount: dec(amount), Operator: alice, MessageID: msgID}
}

func (e *testEngine) record(t *testing.T, entry billing.Entry) billing.Outcome {
	t.Helper()
	out, err := e.Record(context.Background(), testChat, entry)
	require.NoError(t, err)
	require.True(t, out.Persisted)
	e.clock.Advance(time.Second)
	return out
}
