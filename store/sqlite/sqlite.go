/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Default persistence for a single bot process. Stores chat settings, bills
  and bill items. PostgreSQL (store/postgres) implements the same contract
  for multi-instance deployments.

KEY TABLES:
  chats:      Per-chat settings, keyed by (bot_id, chat_id)
  bills:      One row per billing period, OPEN or CLOSED
  bill_items: Income and dispatch entries, ordered by seq

UNIQUENESS:
  Partial unique indexes enforce one OPEN bill per period:
  - idx_bills_open_daily:     (bot_id, chat_id, period_start) for daily bills
  - idx_bills_open_carryover: (bot_id, chat_id) for open-ended bills
  CreateBill inserts with ON CONFLICT DO NOTHING and re-selects the winner,
  so concurrent creators converge on one bill.

ORDERING:
  Items carry an autoincrement seq. Insertion order is seq order, even when
  two items share a created_at instant.

TIME FORMAT:
  Instants are stored as fixed-width UTC strings (timeLayout) so that string
  comparison in SQL matches chronological order.

WAL MODE:
  Opened with WAL and foreign keys on. A single connection is kept open so
  that ":memory:" databases survive between calls.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

var _ billing.Store = (*Store)(nil)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Chat settings
	CREATE TABLE IF NOT EXISTS chats (
		bot_id INTEGER NOT NULL,
		chat_id INTEGER NOT NULL,
		mode TEXT NOT NULL,
		cutoff_hour INTEGER NOT NULL DEFAULT 0,
		fixed_rate TEXT,
		realtime_rate TEXT,
		fee_percent TEXT NOT NULL DEFAULT '0',
		display_mode INTEGER NOT NULL DEFAULT 1,
		currency TEXT NOT NULL DEFAULT 'CNY',
		operators_json TEXT NOT NULL DEFAULT '[]',
		everyone_allowed BOOLEAN NOT NULL DEFAULT FALSE,
		calculator_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		over_deposit_limit TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (bot_id, chat_id)
	);

	-- Bills (one per billing period)
	CREATE TABLE IF NOT EXISTS bills (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		bot_id INTEGER NOT NULL,
		chat_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT,
		open_ended BOOLEAN NOT NULL DEFAULT FALSE,
		opened_at TEXT NOT NULL,
		closed_at TEXT,
		saved_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bills_chat_opened
		ON bills(bot_id, chat_id, opened_at);

	-- At most one OPEN bill per daily period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_open_daily
		ON bills(bot_id, chat_id, period_start)
		WHERE status = 'open' AND open_ended = 0;

	-- At most one OPEN open-ended bill per chat
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_open_carryover
		ON bills(bot_id, chat_id)
		WHERE status = 'open' AND open_ended = 1;

	-- For the auto-close scan
	CREATE INDEX IF NOT EXISTS idx_bills_open_end
		ON bills(period_end) WHERE status = 'open';

	-- Bill items
	CREATE TABLE IF NOT EXISTS bill_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		bill_id TEXT NOT NULL REFERENCES bills(id) ON DELETE CASCADE,
		item_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		rate TEXT,
		usdt TEXT,
		fee_rate TEXT,
		remark TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		replier TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		user_id INTEGER NOT NULL DEFAULT 0,
		message_id INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bill_items_bill
		ON bill_items(bill_id, seq);
	CREATE INDEX IF NOT EXISTS idx_bill_items_message
		ON bill_items(bill_id, message_id) WHERE message_id <> 0;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CHAT STORE
// =============================================================================

const chatColumns = `bot_id, chat_id, mode, cutoff_hour, fixed_rate, realtime_rate, fee_percent,
	display_mode, currency, operators_json, everyone_allowed, calculator_enabled,
	over_deposit_limit, updated_at`

// GetChat returns the settings of a chat, or nil if never saved.
func (s *Store) GetChat(ctx context.Context, key billing.ChatKey) (*billing.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE bot_id = ? AND chat_id = ?`,
		key.BotID, key.ChatID)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// SaveChat upserts chat settings.
func (s *Store) SaveChat(ctx context.Context, chat billing.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO chats (` + chatColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, chat_id) DO UPDATE SET
			mode = excluded.mode,
			cutoff_hour = excluded.cutoff_hour,
			fixed_rate = excluded.fixed_rate,
			realtime_rate = excluded.realtime_rate,
			fee_percent = excluded.fee_percent,
			display_mode = excluded.display_mode,
			currency = excluded.currency,
			operators_json = excluded.operators_json,
			everyone_allowed = excluded.everyone_allowed,
			calculator_enabled = excluded.calculator_enabled,
			over_deposit_limit = excluded.over_deposit_limit,
			updated_at = excluded.updated_at
	`
	args, err := chatArgs(chat)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save chat: %w", err)
	}
	return nil
}

// SetRealtimeRate updates only the realtime rate, creating the chat with
// default settings when it does not exist yet.
func (s *Store) SetRealtimeRate(ctx context.Context, key billing.ChatKey, rate decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat := billing.DefaultChat(key)
	chat.RealtimeRate = &rate
	chat.UpdatedAt = time.Now()

	query := `
		INSERT INTO chats (` + chatColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, chat_id) DO UPDATE SET
			realtime_rate = excluded.realtime_rate,
			updated_at = excluded.updated_at
	`
	args, err := chatArgs(chat)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to set realtime rate: %w", err)
	}
	return nil
}

// ListChats returns every configured chat.
func (s *Store) ListChats(ctx context.Context) ([]billing.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chats ORDER BY bot_id, chat_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []billing.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func chatArgs(c billing.Chat) ([]any, error) {
	operators, err := json.Marshal(nonNil(c.Operators))
	if err != nil {
		return nil, fmt.Errorf("failed to encode operators: %w", err)
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []any{
		c.Key.BotID, c.Key.ChatID, string(c.Mode), c.CutoffHour,
		nullDecimal(c.FixedRate), nullDecimal(c.RealtimeRate), c.FeePercent.String(),
		int(c.DisplayMode), c.Currency, string(operators), c.EveryoneAllowed, c.CalculatorEnabled,
		nullDecimal(c.OverDepositLimit), formatTime(updated),
	}, nil
}

func scanChat(row scanner) (billing.Chat, error) {
	var (
		c                                 billing.Chat
		mode, fee, operators, updated     string
		fixed, realtime, overDepositLimit sql.NullString
		display                           int
	)
	if err := row.Scan(
		&c.Key.BotID, &c.Key.ChatID, &mode, &c.CutoffHour, &fixed, &realtime, &fee,
		&display, &c.Currency, &operators, &c.EveryoneAllowed, &c.CalculatorEnabled,
		&overDepositLimit, &updated,
	); err != nil {
		return billing.Chat{}, err
	}

	c.Mode = billing.AccountingMode(mode)
	c.DisplayMode = billing.DisplayMode(display)
	c.FeePercent = parseDecimal(fee)
	c.FixedRate = parseNullDecimal(fixed)
	c.RealtimeRate = parseNullDecimal(realtime)
	c.OverDepositLimit = parseNullDecimal(overDepositLimit)
	c.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(operators), &c.Operators); err != nil {
		return billing.Chat{}, fmt.Errorf("failed to decode operators: %w", err)
	}
	return c, nil
}

// =============================================================================
// BILL STORE
// =============================================================================

const billColumns = `id, bot_id, chat_id, status, period_start, period_end, open_ended,
	opened_at, closed_at, saved_at`

// FindOpenBill returns the open bill of the period, or nil.
func (s *Store) FindOpenBill(ctx context.Context, key billing.ChatKey, period billing.Period) (*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findOpenBill(ctx, key, period)
}

func (s *Store) findOpenBill(ctx context.Context, key billing.ChatKey, period billing.Period) (*billing.Bill, error) {
	var row *sql.Row
	if period.OpenEnded {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+billColumns+` FROM bills
			WHERE bot_id = ? AND chat_id = ? AND status = 'open' AND open_ended = 1
			ORDER BY seq DESC LIMIT 1`,
			key.BotID, key.ChatID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+billColumns+` FROM bills
			WHERE bot_id = ? AND chat_id = ? AND status = 'open' AND open_ended = 0
			  AND period_start = ?`,
			key.BotID, key.ChatID, formatTime(period.Start))
	}

	bill, err := scanBill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open bill: %w", err)
	}
	return &bill, nil
}

// CreateBill inserts an open bill, or returns the open bill that won the race.
func (s *Store) CreateBill(ctx context.Context, bill billing.Bill) (billing.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO bills (` + billColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, billArgs(bill)...)
	if err != nil {
		return billing.Bill{}, fmt.Errorf("failed to create bill: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return bill, nil
	}

	existing, err := s.findOpenBill(ctx, bill.Chat, bill.Period)
	if err != nil {
		return billing.Bill{}, err
	}
	if existing == nil {
		return billing.Bill{}, fmt.Errorf("failed to create bill: conflict without open bill for chat %s", bill.Chat)
	}
	return *existing, nil
}

// GetBill returns a bill by id, or nil.
func (s *Store) GetBill(ctx context.Context, id billing.BillID) (*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, err := scanBill(s.db.QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}
	return &bill, nil
}

// CloseBill marks an open bill CLOSED. Closing twice is a no-op.
func (s *Store) CloseBill(ctx context.Context, id billing.BillID, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE bills SET status = 'closed', closed_at = ?, saved_at = ?
		WHERE id = ? AND status = 'open'`,
		formatTime(closedAt), formatTime(closedAt), string(id))
	if err != nil {
		return fmt.Errorf("failed to close bill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bills WHERE id = ?`, string(id)).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return billing.ErrBillNotFound
		}
	}
	return nil
}

// ListBillsBefore returns every bill of the chat opened strictly before t.
func (s *Store) ListBillsBefore(ctx context.Context, key billing.ChatKey, t time.Time) ([]billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE bot_id = ? AND chat_id = ? AND opened_at < ?
		ORDER BY seq ASC`,
		key.BotID, key.ChatID, formatTime(t))
}

// ListAutoCloseBills returns open daily bills of SINGLE_BILL_PER_DAY chats
// whose period ended at or before t.
func (s *Store) ListAutoCloseBills(ctx context.Context, t time.Time) ([]billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryBills(ctx, `
		SELECT b.id, b.bot_id, b.chat_id, b.status, b.period_start, b.period_end, b.open_ended,
		       b.opened_at, b.closed_at, b.saved_at
		FROM bills b
		JOIN chats c ON c.bot_id = b.bot_id AND c.chat_id = b.chat_id
		WHERE b.status = 'open' AND b.open_ended = 0 AND b.period_end <= ?
		  AND c.mode = ?
		ORDER BY b.seq ASC`,
		formatTime(t), string(billing.ModeSingleBillPerDay))
}

func (s *Store) queryBills(ctx context.Context, query string, args ...any) ([]billing.Bill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []billing.Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	return bills, rows.Err()
}

func billArgs(b billing.Bill) []any {
	var end, closed sql.NullString
	if !b.Period.OpenEnded {
		end = sql.NullString{String: formatTime(b.Period.End), Valid: true}
	}
	if b.ClosedAt != nil {
		closed = sql.NullString{String: formatTime(*b.ClosedAt), Valid: true}
	}
	return []any{
		string(b.ID), b.Chat.BotID, b.Chat.ChatID, string(b.Status),
		formatTime(b.Period.Start), end, b.Period.OpenEnded,
		formatTime(b.OpenedAt), closed, formatTime(b.SavedAt),
	}
}

func scanBill(row scanner) (billing.Bill, error) {
	var (
		b                                billing.Bill
		id, status, start, opened, saved string
		end, closed                      sql.NullString
	)
	if err := row.Scan(&id, &b.Chat.BotID, &b.Chat.ChatID, &status, &start, &end,
		&b.Period.OpenEnded, &opened, &closed, &saved); err != nil {
		return billing.Bill{}, err
	}
	b.ID = billing.BillID(id)
	b.Status = billing.BillStatus(status)
	b.Period.Start = parseTime(start)
	if end.Valid {
		b.Period.End = parseTime(end.String)
	}
	b.OpenedAt = parseTime(opened)
	b.SavedAt = parseTime(saved)
	if closed.Valid {
		t := parseTime(closed.String)
		b.ClosedAt = &t
	}
	return b, nil
}

// =============================================================================
// ITEMS
// =============================================================================

const itemColumns = `id, bill_id, item_type, amount, rate, usdt, fee_rate, remark, operator,
	replier, display_name, user_id, message_id, created_at`

// AppendItem inserts an item. Items are never updated.
func (s *Store) AppendItem(ctx context.Context, item billing.BillItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bill_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(item.ID), string(item.BillID), string(item.Type), item.Amount.String(),
		nullDecimal(item.Rate), nullDecimal(item.USDT), nullDecimal(item.FeeRate),
		item.Remark, item.Operator, item.Replier, item.DisplayName,
		item.UserID, item.MessageID, formatTime(item.CreatedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return billing.ErrBillNotFound
		}
		return fmt.Errorf("failed to append item: %w", err)
	}
	return nil
}

// LoadItems returns every item of a bill in insertion order.
func (s *Store) LoadItems(ctx context.Context, id billing.BillID) ([]billing.BillItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM bill_items WHERE bill_id = ? ORDER BY seq ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	defer rows.Close()

	items := []billing.BillItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// LastItem returns the most recent item of a type, or nil.
func (s *Store) LastItem(ctx context.Context, id billing.BillID, itemType billing.ItemType) (*billing.BillItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryItem(ctx, `
		SELECT `+itemColumns+` FROM bill_items
		WHERE bill_id = ? AND item_type = ?
		ORDER BY seq DESC LIMIT 1`,
		string(id), string(itemType))
}

// FindItemByMessage returns the item recorded from a message, or nil.
func (s *Store) FindItemByMessage(ctx context.Context, id billing.BillID, messageID int64) (*billing.BillItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryItem(ctx, `
		SELECT `+itemColumns+` FROM bill_items
		WHERE bill_id = ? AND message_id = ?
		ORDER BY seq DESC LIMIT 1`,
		string(id), messageID)
}

func (s *Store) queryItem(ctx context.Context, query string, args ...any) (*billing.BillItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item: %w", err)
	}
	return &item, nil
}

// DeleteItem removes one item.
func (s *Store) DeleteItem(ctx context.Context, id billing.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM bill_items WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrUndoTargetNotFound
	}
	return nil
}

// DeleteAll removes every bill and item of a chat atomically.
func (s *Store) DeleteAll(ctx context.Context, key billing.ChatKey) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM bill_items WHERE bill_id IN (
			SELECT id FROM bills WHERE bot_id = ? AND chat_id = ?
		)`, key.BotID, key.ChatID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete items: %w", err)
	}
	items, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM bills WHERE bot_id = ? AND chat_id = ?`, key.BotID, key.ChatID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete bills: %w", err)
	}
	bills, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return int(bills), int(items), nil
}

func scanItem(row scanner) (billing.BillItem, error) {
	var (
		it                      billing.BillItem
		id, billID, typ, amount string
		created                 string
		rate, usdt, feeRate     sql.NullString
	)
	if err := row.Scan(&id, &billID, &typ, &amount, &rate, &usdt, &feeRate, &it.Remark,
		&it.Operator, &it.Replier, &it.DisplayName, &it.UserID, &it.MessageID, &created); err != nil {
		return billing.BillItem{}, err
	}
	it.ID = billing.ItemID(id)
	it.BillID = billing.BillID(billID)
	it.Type = billing.ItemType(typ)
	it.Amount = parseDecimal(amount)
	it.Rate = parseNullDecimal(rate)
	it.USDT = parseNullDecimal(usdt)
	it.FeeRate = parseNullDecimal(feeRate)
	it.CreatedAt = parseTime(created)
	return it, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d := parseDecimal(s.String)
	return &d
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
