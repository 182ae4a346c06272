/*
reconciler.go - Mutations of the ledger and their cache reconciliation

PURPOSE:
  Every state change of a chat goes through the Reconciler. It serializes
  per chat, writes the store, then brings the chat cache in line.

OPERATIONS:
  Record:        validate -> resolve period -> persist item -> append to cache
  UndoLast:      delete most recent item of a type -> full resync
  UndoByMessage: delete the item of a source message -> full resync
  Save:          close the open bill -> history ring -> (CARRY_OVER) open a new one
  DeleteAll:     confirmed round trip -> delete bills and items -> full resync
  CloseExpired:  auto-close SINGLE_BILL_PER_DAY bills past their cutoff

CONSISTENCY:
  Inserts append to the cache without a store read. Any deletion resyncs
  the cache from the store instead of splicing it: one round trip buys a
  cache that is set-equal to the store.

  A failed item write is logged and reported as Outcome.Persisted=false
  without an error. The cache entry is marked stale so the next read
  converges on the store.

CONCURRENCY:
  ChatLocks holds one lock per chat around the whole read-mutate-resync
  sequence. Different chats never contend.
*/
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options tunes a Reconciler. Zero values select the defaults.
type Options struct {
	Clock           Clock
	Logger          *zap.Logger
	Metrics         Metrics
	CacheChats      int
	CacheMaxItems   int
	CacheStaleAfter time.Duration
	HistorySize     int
	ConfirmTTL      time.Duration
}

// Reconciler applies mutations and keeps the chat cache consistent.
type Reconciler struct {
	Ledger  *Ledger
	Cache   *ChatCache
	Rates   *RateResolver
	History *History
	Confirm *Confirmations
	Locks   *ChatLocks

	clock   Clock
	logger  *zap.Logger
	metrics Metrics
	tracer  trace.Tracer
}

func NewReconciler(ledger *Ledger, rates *RateResolver, opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}

	cache := NewChatCache(ledger, opts.CacheChats, opts.Metrics)
	if opts.CacheMaxItems > 0 {
		cache.MaxItems = opts.CacheMaxItems
	}
	if opts.CacheStaleAfter > 0 {
		cache.StaleAfter = opts.CacheStaleAfter
	}

	return &Reconciler{
		Ledger:  ledger,
		Cache:   cache,
		Rates:   rates,
		History: NewHistory(opts.HistorySize, opts.CacheChats),
		Confirm: NewConfirmations(opts.ConfirmTTL, opts.Clock),
		Locks:   NewChatLocks(),
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer("github.com/warp/billing-engine/billing"),
	}
}

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

// Entry is a validated command ready to be recorded.
type Entry struct {
	Type      ItemType
	Amount    decimal.Decimal  // Signed; fiat unless Crypto
	Crypto    bool             // Amount is in crypto units ("u" suffix)
	Rate      *decimal.Decimal // Explicit per-entry rate ("/7.2"), overrides the chat rate
	Remark    string
	Operator  Operator
	Replier   string
	MessageID int64
}

// View is what a reply renders: settings, mirrored bill and its figures.
type View struct {
	Chat    Chat
	Bill    CachedBill
	Summary Summary
}

// Outcome is the result of a mutation.
type Outcome struct {
	View
	Item      BillItem
	Persisted bool
	OverLimit bool
}

// DeleteResult reports what a confirmed delete-all removed.
type DeleteResult struct {
	Bills int
	Items int
}

// =============================================================================
// READS
// =============================================================================

// Chat returns the settings of a chat, from the cache when fresh.
func (r *Reconciler) Chat(ctx context.Context, key ChatKey) (Chat, error) {
	now := r.clock()
	if chat, ok := r.Cache.Settings(key, now); ok {
		return chat, nil
	}
	chat, err := r.Ledger.Chat(ctx, key)
	if err != nil {
		return Chat{}, err
	}
	r.Cache.PutSettings(chat, now)
	return chat, nil
}

// View returns the display view. It may be briefly stale. A resync it
// triggers runs under the chat lock like any mutation.
func (r *Reconciler) View(ctx context.Context, key ChatKey) (View, error) {
	unlock := r.Locks.Lock(key)
	defer unlock()

	chat, err := r.Chat(ctx, key)
	if err != nil {
		return View{}, err
	}
	bill, err := r.Cache.GetOrSync(ctx, chat, r.clock())
	if err != nil {
		return View{}, err
	}
	return r.view(chat, bill), nil
}

// FreshView resyncs the chat cache before computing figures. Use it for
// limit and warning checks.
func (r *Reconciler) FreshView(ctx context.Context, key ChatKey) (View, error) {
	unlock := r.Locks.Lock(key)
	defer unlock()

	chat, err := r.Chat(ctx, key)
	if err != nil {
		return View{}, err
	}
	bill, err := r.Cache.Sync(ctx, chat, r.clock())
	if err != nil {
		return View{}, err
	}
	return r.view(chat, bill), nil
}

func (r *Reconciler) view(chat Chat, bill CachedBill) View {
	return View{
		Chat:    chat,
		Bill:    bill,
		Summary: Summarize(bill.Items(), chat.FeePercent, r.Rates.EffectiveRate(chat), bill.Carry),
	}
}

// =============================================================================
// INSERT
// =============================================================================

// Record persists an entry in the bill owning now.
func (r *Reconciler) Record(ctx context.Context, key ChatKey, e Entry) (out Outcome, err error) {
	ctx, done := r.begin(ctx, "record", key)
	defer func() { done(err) }()

	unlock := r.Locks.Lock(key)
	defer unlock()

	now := r.clock()
	chat, err := r.Chat(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if !chat.CanOperate(e.Operator) {
		return Outcome{}, ErrNotOperator
	}

	item, err := r.buildItem(chat, e, now)
	if err != nil {
		return Outcome{}, err
	}

	bill, err := r.Ledger.GetOrCreateOpenBill(ctx, chat, now)
	if err != nil {
		r.storeFailure("create_bill", key, "", err)
		return Outcome{}, err
	}

	saved, err := r.Ledger.RecordItem(ctx, bill, item)
	var swErr *StoreWriteError
	switch {
	case errors.As(err, &swErr):
		r.storeFailure("append_item", key, bill.ID, err)
		r.Cache.MarkStale(key)
	case err != nil:
		return Outcome{}, err
	default:
		out.Persisted = true
		r.Cache.Append(key, saved)
		r.metrics.ItemRecorded(saved.Type)
	}
	out.Item = saved

	limitCheck := saved.Type == ItemIncome && chat.OverDepositLimit != nil
	var view CachedBill
	if limitCheck {
		view, err = r.Cache.Sync(ctx, chat, now)
	} else {
		view, err = r.Cache.GetOrSync(ctx, chat, now)
	}
	if err != nil {
		return out, err
	}

	out.View = r.view(chat, view)
	if limitCheck && out.Summary.TotalIncome.GreaterThan(*chat.OverDepositLimit) {
		out.OverLimit = true
		r.logger.Warn("over deposit limit",
			zap.Stringer("chat", key),
			zap.Stringer("total_income", out.Summary.TotalIncome),
			zap.Stringer("limit", *chat.OverDepositLimit),
		)
	}
	return out, nil
}

// buildItem prices an entry. Crypto-unit amounts are converted to fiat at
// the entry or chat rate; fiat amounts get a crypto-unit snapshot when a
// rate is known.
func (r *Reconciler) buildItem(chat Chat, e Entry, now time.Time) (BillItem, error) {
	if !e.Type.Valid() {
		return BillItem{}, &MalformedInputError{Input: string(e.Type), Reason: "unknown item type"}
	}
	if e.Amount.IsZero() {
		return BillItem{}, &MalformedInputError{Input: e.Amount.String(), Reason: "amount must not be zero"}
	}
	if e.Rate != nil && !e.Rate.IsPositive() {
		return BillItem{}, &MalformedInputError{Input: e.Rate.String(), Reason: "rate must be positive"}
	}

	rate := e.Rate
	if rate == nil {
		rate = r.Rates.EffectiveRate(chat)
	}

	item := BillItem{
		Type:        e.Type,
		Amount:      e.Amount,
		FeeRate:     decPtr(chat.FeePercent),
		Remark:      e.Remark,
		Operator:    e.Operator.Handle,
		Replier:     e.Replier,
		DisplayName: e.Operator.DisplayName,
		UserID:      e.Operator.UserID,
		MessageID:   e.MessageID,
		CreatedAt:   now,
	}

	switch {
	case e.Crypto && rate == nil:
		return BillItem{}, ErrRateUnset
	case e.Crypto:
		item.Amount = e.Amount.Mul(*rate)
		item.Rate = decPtr(*rate)
		item.USDT = decPtr(e.Amount)
	case rate != nil:
		item.Rate = decPtr(*rate)
		item.USDT = decPtr(ToUSDT(e.Amount, *rate))
	}
	return item, nil
}

// =============================================================================
// UNDO
// =============================================================================

// UndoLast deletes the most recent item of the given type in the active bill.
func (r *Reconciler) UndoLast(ctx context.Context, key ChatKey, itemType ItemType, op Operator) (Outcome, error) {
	if !itemType.Valid() {
		return Outcome{}, &MalformedInputError{Input: string(itemType), Reason: "unknown item type"}
	}
	return r.undo(ctx, "undo_last", key, op, func(ctx context.Context, bill Bill) (*BillItem, error) {
		return r.Ledger.Store.LastItem(ctx, bill.ID, itemType)
	})
}

// UndoByMessage deletes the item recorded from messageID. It never falls
// back to deleting another item.
func (r *Reconciler) UndoByMessage(ctx context.Context, key ChatKey, messageID int64, op Operator) (Outcome, error) {
	if messageID == 0 {
		return Outcome{}, ErrUndoTargetNotFound
	}
	return r.undo(ctx, "undo_message", key, op, func(ctx context.Context, bill Bill) (*BillItem, error) {
		return r.Ledger.Store.FindItemByMessage(ctx, bill.ID, messageID)
	})
}

func (r *Reconciler) undo(ctx context.Context, name string, key ChatKey, op Operator,
	pick func(context.Context, Bill) (*BillItem, error)) (out Outcome, err error) {
	ctx, done := r.begin(ctx, name, key)
	defer func() { done(err) }()

	unlock := r.Locks.Lock(key)
	defer unlock()

	now := r.clock()
	chat, err := r.Chat(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if !chat.CanOperate(op) {
		return Outcome{}, ErrNotOperator
	}

	bill, err := r.Ledger.OpenBill(ctx, chat, now)
	if err != nil {
		return Outcome{}, err
	}
	if bill == nil {
		return Outcome{}, ErrUndoTargetNotFound
	}

	item, err := pick(ctx, *bill)
	if err != nil {
		return Outcome{}, err
	}
	if item == nil {
		r.logger.Info("undo target not found", zap.Stringer("chat", key), zap.String("op", name))
		return Outcome{}, ErrUndoTargetNotFound
	}

	if err := r.Ledger.Store.DeleteItem(ctx, item.ID); err != nil {
		if errors.Is(err, ErrUndoTargetNotFound) {
			return Outcome{}, err
		}
		r.storeFailure("delete_item", key, bill.ID, err)
		r.Cache.MarkStale(key)
		return Outcome{}, &StoreWriteError{Op: "delete item", Chat: key, Err: err}
	}

	r.metrics.Resync(name)
	view, err := r.Cache.Sync(ctx, chat, now)
	if err != nil {
		return Outcome{}, err
	}

	r.logger.Info("item removed",
		zap.Stringer("chat", key),
		zap.String("op", name),
		zap.String("item_id", string(item.ID)),
		zap.String("type", string(item.Type)),
		zap.Stringer("amount", item.Amount),
	)
	return Outcome{View: r.view(chat, view), Item: *item, Persisted: true}, nil
}

// =============================================================================
// SAVE / CLOSE
// =============================================================================

// Save closes the open bill of the chat. In CARRY_OVER a fresh bill is
// opened at the same instant.
func (r *Reconciler) Save(ctx context.Context, key ChatKey, op Operator) (saved SavedBill, err error) {
	ctx, done := r.begin(ctx, "save", key)
	defer func() { done(err) }()

	unlock := r.Locks.Lock(key)
	defer unlock()

	now := r.clock()
	chat, err := r.Chat(ctx, key)
	if err != nil {
		return SavedBill{}, err
	}
	if !chat.CanOperate(op) {
		return SavedBill{}, ErrNotOperator
	}

	bill, err := r.Ledger.OpenBill(ctx, chat, now)
	if err != nil {
		return SavedBill{}, err
	}
	if bill == nil {
		return SavedBill{}, ErrNoOpenBill
	}

	saved, err = r.closeBill(ctx, chat, *bill, now, false)
	if err != nil {
		return SavedBill{}, err
	}

	if chat.Mode == ModeCarryOver {
		if _, err := r.Ledger.GetOrCreateOpenBill(ctx, chat, now); err != nil {
			r.storeFailure("create_bill", key, "", err)
		}
	}

	r.metrics.Resync("save")
	if _, err := r.Cache.Sync(ctx, chat, now); err != nil {
		r.Cache.Evict(key)
	}
	return saved, nil
}

// CloseExpired auto-closes SINGLE_BILL_PER_DAY bills whose period has ended.
func (r *Reconciler) CloseExpired(ctx context.Context) (int, error) {
	now := r.clock()
	bills, err := r.Ledger.Store.ListAutoCloseBills(ctx, now)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, b := range bills {
		if err := r.autoClose(ctx, b, now); err != nil {
			r.logger.Error("auto close failed",
				zap.Stringer("chat", b.Chat),
				zap.String("bill_id", string(b.ID)),
				zap.Error(err),
			)
			continue
		}
		closed++
	}
	return closed, nil
}

// SweepCache drops cache entries of DAILY_RESET chats whose period ended.
func (r *Reconciler) SweepCache() int {
	dropped := r.Cache.Sweep(r.clock())
	for _, key := range dropped {
		r.metrics.Resync("rollover")
		r.logger.Debug("daily period rolled over", zap.Stringer("chat", key))
	}
	return len(dropped)
}

func (r *Reconciler) autoClose(ctx context.Context, b Bill, now time.Time) error {
	unlock := r.Locks.Lock(b.Chat)
	defer unlock()

	chat, err := r.Chat(ctx, b.Chat)
	if err != nil {
		return err
	}
	if _, err := r.closeBill(ctx, chat, b, now, true); err != nil {
		return err
	}
	r.Cache.MarkStale(b.Chat)
	return nil
}

func (r *Reconciler) closeBill(ctx context.Context, chat Chat, bill Bill, now time.Time, auto bool) (SavedBill, error) {
	items, err := r.Ledger.Store.LoadItems(ctx, bill.ID)
	if err != nil {
		return SavedBill{}, err
	}
	var carry *Carry
	if chat.Mode == ModeCarryOver {
		c, err := r.Ledger.CarryOver(ctx, chat.Key, bill.Period.Start)
		if err != nil {
			return SavedBill{}, err
		}
		carry = &c
	}

	if err := r.Ledger.Store.CloseBill(ctx, bill.ID, now); err != nil {
		r.storeFailure("close_bill", chat.Key, bill.ID, err)
		return SavedBill{}, &StoreWriteError{Op: "close bill", Chat: chat.Key, Err: err}
	}

	bill.Status = BillClosed
	bill.ClosedAt = &now
	bill.SavedAt = now
	saved := SavedBill{
		Bill:    bill,
		Summary: Summarize(items, chat.FeePercent, r.Rates.EffectiveRate(chat), carry),
		Items:   len(items),
		SavedAt: now,
		Auto:    auto,
	}
	r.History.Push(chat.Key, saved)

	r.logger.Info("bill closed",
		zap.Stringer("chat", chat.Key),
		zap.String("bill_id", string(bill.ID)),
		zap.Bool("auto", auto),
		zap.Int("items", len(items)),
		zap.Stringer("not_dispatched", saved.Summary.NotDispatched),
	)
	return saved, nil
}

// =============================================================================
// DELETE ALL (confirmed)
// =============================================================================

// RequestDeleteAll opens a confirmation window for the user.
func (r *Reconciler) RequestDeleteAll(ctx context.Context, key ChatKey, op Operator) (PendingConfirmation, error) {
	chat, err := r.Chat(ctx, key)
	if err != nil {
		return PendingConfirmation{}, err
	}
	if !chat.CanOperate(op) {
		return PendingConfirmation{}, ErrNotOperator
	}
	p := r.Confirm.Request(key, op.UserID)
	r.logger.Info("delete-all requested",
		zap.Stringer("chat", key),
		zap.Int64("user_id", op.UserID),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return p, nil
}

// CancelDeleteAll drops a pending delete-all request.
func (r *Reconciler) CancelDeleteAll(key ChatKey, userID int64, token string) error {
	return r.Confirm.Cancel(key, userID, token)
}

// ConfirmDeleteAll runs a pending delete-all after checking user, token and expiry.
func (r *Reconciler) ConfirmDeleteAll(ctx context.Context, key ChatKey, userID int64, token string) (res DeleteResult, err error) {
	ctx, done := r.begin(ctx, "delete_all", key)
	defer func() { done(err) }()

	if err := r.Confirm.Confirm(key, userID, token); err != nil {
		return DeleteResult{}, err
	}

	unlock := r.Locks.Lock(key)
	defer unlock()

	bills, items, err := r.Ledger.Store.DeleteAll(ctx, key)
	if err != nil {
		r.storeFailure("delete_all", key, "", err)
		r.Cache.Evict(key)
		return DeleteResult{}, &StoreWriteError{Op: "delete all", Chat: key, Err: err}
	}
	r.History.Clear(key)

	chat, err := r.Chat(ctx, key)
	if err != nil {
		r.Cache.Evict(key)
		return DeleteResult{Bills: bills, Items: items}, nil
	}
	r.metrics.Resync("delete_all")
	if _, err := r.Cache.Sync(ctx, chat, r.clock()); err != nil {
		r.Cache.Evict(key)
	}

	r.logger.Warn("all bills deleted",
		zap.Stringer("chat", key),
		zap.Int64("user_id", userID),
		zap.Int("bills", bills),
		zap.Int("items", items),
	)
	return DeleteResult{Bills: bills, Items: items}, nil
}

// =============================================================================
// SETTINGS
// =============================================================================

// UpdateSettings validates and stores chat settings. Changing the cutoff hour
// or mode only affects transactions after the change. When the chat ends up
// without an effective rate a realtime rate is fetched.
func (r *Reconciler) UpdateSettings(ctx context.Context, chat Chat) (Chat, error) {
	if err := chat.Validate(); err != nil {
		return Chat{}, err
	}

	unlock := r.Locks.Lock(chat.Key)
	defer unlock()

	if err := r.leaveCarryOver(ctx, chat); err != nil {
		return Chat{}, err
	}

	chat.UpdatedAt = r.clock()
	if err := r.Ledger.Store.SaveChat(ctx, chat); err != nil {
		return Chat{}, &StoreWriteError{Op: "save chat", Chat: chat.Key, Err: err}
	}
	r.Cache.DropSettings(chat.Key)
	r.Cache.MarkStale(chat.Key)

	if r.Rates.EnsureRate(ctx, chat) {
		r.Cache.DropSettings(chat.Key)
	}
	return r.Chat(ctx, chat.Key)
}

// leaveCarryOver closes the open-ended bill when a chat switches from
// CARRY_OVER to a daily mode. Must be called with the chat lock held.
func (r *Reconciler) leaveCarryOver(ctx context.Context, next Chat) error {
	prev, err := r.Ledger.Chat(ctx, next.Key)
	if err != nil {
		return err
	}
	if prev.Mode != ModeCarryOver || next.Mode == ModeCarryOver {
		return nil
	}
	now := r.clock()
	bill, err := r.Ledger.Store.FindOpenBill(ctx, prev.Key, OpenEndedPeriod(now))
	if err != nil || bill == nil {
		return err
	}
	_, err = r.closeBill(ctx, prev, *bill, now, true)
	return err
}

// RefreshRate fetches and stores the realtime rate of a chat.
func (r *Reconciler) RefreshRate(ctx context.Context, key ChatKey) (decimal.Decimal, error) {
	chat, err := r.Chat(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := r.Rates.RefreshRealtime(ctx, chat)
	if err != nil {
		return decimal.Zero, err
	}
	r.Cache.DropSettings(key)
	return rate, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Reconciler) begin(ctx context.Context, op string, key ChatKey) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "billing."+op, trace.WithAttributes(
		attribute.Int64("bot.id", key.BotID),
		attribute.Int64("chat.id", key.ChatID),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.OperationDuration(op, time.Since(start))
	}
}

func (r *Reconciler) storeFailure(op string, key ChatKey, bill BillID, err error) {
	r.metrics.StoreFailure(op)
	r.logger.Error("store write failed",
		zap.String("op", op),
		zap.Stringer("chat", key),
		zap.String("bill_id", string(bill)),
		zap.Error(err),
	)
}
