/*
Package postgres provides a PostgreSQL implementation of billing.Store.

PURPOSE:
  Shared persistence for several bot instances. Same contract and schema
  shape as store/sqlite; uniqueness of OPEN bills is enforced by the same
  partial unique indexes, so concurrent creators on different processes
  converge on one bill.

TYPES:
  Money values are NUMERIC and travel as text to keep decimal precision.
  Instants are TIMESTAMPTZ.

USAGE:
  pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
  store, err := postgres.New(ctx, pool)
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

var _ billing.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

// New wraps a pool and applies the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS chats (
		bot_id BIGINT NOT NULL,
		chat_id BIGINT NOT NULL,
		mode TEXT NOT NULL,
		cutoff_hour INT NOT NULL DEFAULT 0,
		fixed_rate NUMERIC,
		realtime_rate NUMERIC,
		fee_percent NUMERIC NOT NULL DEFAULT 0,
		display_mode INT NOT NULL DEFAULT 1,
		currency TEXT NOT NULL DEFAULT 'CNY',
		operators TEXT[] NOT NULL DEFAULT '{}',
		everyone_allowed BOOLEAN NOT NULL DEFAULT FALSE,
		calculator_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		over_deposit_limit NUMERIC,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (bot_id, chat_id)
	);

	CREATE TABLE IF NOT EXISTS bills (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		bot_id BIGINT NOT NULL,
		chat_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ,
		open_ended BOOLEAN NOT NULL DEFAULT FALSE,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		saved_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bills_chat_opened ON bills(bot_id, chat_id, opened_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_open_daily
		ON bills(bot_id, chat_id, period_start) WHERE status = 'open' AND NOT open_ended;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_open_carryover
		ON bills(bot_id, chat_id) WHERE status = 'open' AND open_ended;
	CREATE INDEX IF NOT EXISTS idx_bills_open_end ON bills(period_end) WHERE status = 'open';

	CREATE TABLE IF NOT EXISTS bill_items (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		bill_id TEXT NOT NULL REFERENCES bills(id) ON DELETE CASCADE,
		item_type TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		rate NUMERIC,
		usdt NUMERIC,
		fee_rate NUMERIC,
		remark TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		replier TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		user_id BIGINT NOT NULL DEFAULT 0,
		message_id BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bill_items_bill ON bill_items(bill_id, seq);
	`)
	return err
}

// =============================================================================
// CHATS
// =============================================================================

const chatSelect = `
	SELECT bot_id, chat_id, mode, cutoff_hour, fixed_rate::text, realtime_rate::text, fee_percent::text,
	       display_mode, currency, operators, everyone_allowed, calculator_enabled,
	       over_deposit_limit::text, updated_at
	FROM chats`

const chatInsert = `
	INSERT INTO chats (bot_id, chat_id, mode, cutoff_hour, fixed_rate, realtime_rate, fee_percent,
		display_mode, currency, operators, everyone_allowed, calculator_enabled, over_deposit_limit, updated_at)
	VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric,
		$8, $9, $10, $11, $12, $13::text::numeric, $14)`

func (s *Store) GetChat(ctx context.Context, key billing.ChatKey) (*billing.Chat, error) {
	chat, err := scanChat(s.pool.QueryRow(ctx, chatSelect+` WHERE bot_id = $1 AND chat_id = $2`, key.BotID, key.ChatID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

func (s *Store) SaveChat(ctx context.Context, chat billing.Chat) error {
	_, err := s.pool.Exec(ctx, chatInsert+`
		ON CONFLICT (bot_id, chat_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			cutoff_hour = EXCLUDED.cutoff_hour,
			fixed_rate = EXCLUDED.fixed_rate,
			realtime_rate = EXCLUDED.realtime_rate,
			fee_percent = EXCLUDED.fee_percent,
			display_mode = EXCLUDED.display_mode,
			currency = EXCLUDED.currency,
			operators = EXCLUDED.operators,
			everyone_allowed = EXCLUDED.everyone_allowed,
			calculator_enabled = EXCLUDED.calculator_enabled,
			over_deposit_limit = EXCLUDED.over_deposit_limit,
			updated_at = EXCLUDED.updated_at`,
		chatArgs(chat)...)
	if err != nil {
		return fmt.Errorf("failed to save chat: %w", err)
	}
	return nil
}

func (s *Store) SetRealtimeRate(ctx context.Context, key billing.ChatKey, rate decimal.Decimal) error {
	chat := billing.DefaultChat(key)
	chat.RealtimeRate = &rate
	chat.UpdatedAt = time.Now()

	_, err := s.pool.Exec(ctx, chatInsert+`
		ON CONFLICT (bot_id, chat_id) DO UPDATE SET
			realtime_rate = EXCLUDED.realtime_rate,
			updated_at = EXCLUDED.updated_at`,
		chatArgs(chat)...)
	if err != nil {
		return fmt.Errorf("failed to set realtime rate: %w", err)
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context) ([]billing.Chat, error) {
	rows, err := s.pool.Query(ctx, chatSelect+` ORDER BY bot_id, chat_id`)
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

func chatArgs(c billing.Chat) []any {
	operators := c.Operators
	if operators == nil {
		operators = []string{}
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []any{
		c.Key.BotID, c.Key.ChatID, string(c.Mode), c.CutoffHour,
		decText(c.FixedRate), decText(c.RealtimeRate), c.FeePercent.String(),
		int(c.DisplayMode), c.Currency, operators, c.EveryoneAllowed, c.CalculatorEnabled,
		decText(c.OverDepositLimit), updated,
	}
}

func scanChat(row pgx.Row) (billing.Chat, error) {
	var (
		c                                 billing.Chat
		mode, fee                         string
		fixed, realtime, overDepositLimit *string
		display                           int
	)
	if err := row.Scan(
		&c.Key.BotID, &c.Key.ChatID, &mode, &c.CutoffHour, &fixed, &realtime, &fee,
		&display, &c.Currency, &c.Operators, &c.EveryoneAllowed, &c.CalculatorEnabled,
		&overDepositLimit, &c.UpdatedAt,
	); err != nil {
		return billing.Chat{}, err
	}
	c.Mode = billing.AccountingMode(mode)
	c.DisplayMode = billing.DisplayMode(display)
	c.FeePercent = parseDecimal(fee)
	c.FixedRate = parseDecimalPtr(fixed)
	c.RealtimeRate = parseDecimalPtr(realtime)
	c.OverDepositLimit = parseDecimalPtr(overDepositLimit)
	return c, nil
}

// =============================================================================
// BILLS
// =============================================================================

const billSelect = `
	SELECT id, bot_id, chat_id, status, period_start, period_end, open_ended, opened_at, closed_at, saved_at
	FROM bills`

func (s *Store) FindOpenBill(ctx context.Context, key billing.ChatKey, period billing.Period) (*billing.Bill, error) {
	var row pgx.Row
	if period.OpenEnded {
		row = s.pool.QueryRow(ctx, billSelect+`
			WHERE bot_id = $1 AND chat_id = $2 AND status = 'open' AND open_ended
			ORDER BY seq DESC LIMIT 1`, key.BotID, key.ChatID)
	} else {
		row = s.pool.QueryRow(ctx, billSelect+`
			WHERE bot_id = $1 AND chat_id = $2 AND status = 'open' AND NOT open_ended
			  AND period_start = $3`, key.BotID, key.ChatID, period.Start)
	}

	bill, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open bill: %w", err)
	}
	return &bill, nil
}

func (s *Store) CreateBill(ctx context.Context, bill billing.Bill) (billing.Bill, error) {
	var end *time.Time
	if !bill.Period.OpenEnded {
		end = &bill.Period.End
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO bills (id, bot_id, chat_id, status, period_start, period_end, open_ended, opened_at, closed_at, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		string(bill.ID), bill.Chat.BotID, bill.Chat.ChatID, string(bill.Status),
		bill.Period.Start, end, bill.Period.OpenEnded, bill.OpenedAt, bill.ClosedAt, bill.SavedAt)
	if err != nil {
		return billing.Bill{}, fmt.Errorf("failed to create bill: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return bill, nil
	}

	existing, err := s.FindOpenBill(ctx, bill.Chat, bill.Period)
	if err != nil {
		return billing.Bill{}, err
	}
	if existing == nil {
		return billing.Bill{}, fmt.Errorf("failed to create bill: conflict without open bill for chat %s", bill.Chat)
	}
	return *existing, nil
}

func (s *Store) GetBill(ctx context.Context, id billing.BillID) (*billing.Bill, error) {
	bill, err := scanBill(s.pool.QueryRow(ctx, billSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}
	return &bill, nil
}

func (s *Store) CloseBill(ctx context.Context, id billing.BillID, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bills SET status = 'closed', closed_at = $2, saved_at = $2
		WHERE id = $1 AND status = 'open'`, string(id), closedAt)
	if err != nil {
		return fmt.Errorf("failed to close bill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bills WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return billing.ErrBillNotFound
		}
	}
	return nil
}

func (s *Store) ListBillsBefore(ctx context.Context, key billing.ChatKey, t time.Time) ([]billing.Bill, error) {
	return s.queryBills(ctx, billSelect+`
		WHERE bot_id = $1 AND chat_id = $2 AND opened_at < $3
		ORDER BY seq ASC`, key.BotID, key.ChatID, t)
}

func (s *Store) ListAutoCloseBills(ctx context.Context, t time.Time) ([]billing.Bill, error) {
	return s.queryBills(ctx, `
		SELECT b.id, b.bot_id, b.chat_id, b.status, b.period_start, b.period_end, b.open_ended,
		       b.opened_at, b.closed_at, b.saved_at
		FROM bills b
		JOIN chats c ON c.bot_id = b.bot_id AND c.chat_id = b.chat_id
		WHERE b.status = 'open' AND NOT b.open_ended AND b.period_end <= $1 AND c.mode = $2
		ORDER BY b.seq ASC`, t, string(billing.ModeSingleBillPerDay))
}

func (s *Store) queryBills(ctx context.Context, query string, args ...any) ([]billing.Bill, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func scanBill(row pgx.Row) (billing.Bill, error) {
	var (
		b          billing.Bill
		id, status string
		end        *time.Time
	)
	if err := row.Scan(&id, &b.Chat.BotID, &b.Chat.ChatID, &status, &b.Period.Start, &end,
		&b.Period.OpenEnded, &b.OpenedAt, &b.ClosedAt, &b.SavedAt); err != nil {
		return billing.Bill{}, err
	}
	b.ID = billing.BillID(id)
	b.Status = billing.BillStatus(status)
	if end != nil {
		b.Period.End = *end
	}
	return b, nil
}

// =============================================================================
// ITEMS
// =============================================================================

const itemSelect = `
	SELECT id, bill_id, item_type, amount::text, rate::text, usdt::text, fee_rate::text, remark,
	       operator, replier, display_name, user_id, message_id, created_at
	FROM bill_items`

func (s *Store) AppendItem(ctx context.Context, item billing.BillItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bill_items (id, bill_id, item_type, amount, rate, usdt, fee_rate, remark,
			operator, replier, display_name, user_id, message_id, created_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7::text::numeric,
			$8, $9, $10, $11, $12, $13, $14)`,
		string(item.ID), string(item.BillID), string(item.Type), item.Amount.String(),
		decText(item.Rate), decText(item.USDT), decText(item.FeeRate), item.Remark,
		item.Operator, item.Replier, item.DisplayName, item.UserID, item.MessageID, item.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return billing.ErrBillNotFound
		}
		return fmt.Errorf("failed to append item: %w", err)
	}
	return nil
}

func (s *Store) LoadItems(ctx context.Context, id billing.BillID) ([]billing.BillItem, error) {
	rows, err := s.pool.Query(ctx, itemSelect+` WHERE bill_id = $1 ORDER BY seq ASC`, string(id))
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

func (s *Store) LastItem(ctx context.Context, id billing.BillID, itemType billing.ItemType) (*billing.BillItem, error) {
	return s.queryItem(ctx, itemSelect+`
		WHERE bill_id = $1 AND item_type = $2 ORDER BY seq DESC LIMIT 1`, string(id), string(itemType))
}

func (s *Store) FindItemByMessage(ctx context.Context, id billing.BillID, messageID int64) (*billing.BillItem, error) {
	return s.queryItem(ctx, itemSelect+`
		WHERE bill_id = $1 AND message_id = $2 ORDER BY seq DESC LIMIT 1`, string(id), messageID)
}

func (s *Store) queryItem(ctx context.Context, query string, args ...any) (*billing.BillItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item: %w", err)
	}
	return &item, nil
}

func (s *Store) DeleteItem(ctx context.Context, id billing.ItemID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bill_items WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrUndoTargetNotFound
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, key billing.ChatKey) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	items, err := tx.Exec(ctx, `
		DELETE FROM bill_items WHERE bill_id IN (
			SELECT id FROM bills WHERE bot_id = $1 AND chat_id = $2
		)`, key.BotID, key.ChatID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete items: %w", err)
	}
	bills, err := tx.Exec(ctx, `DELETE FROM bills WHERE bot_id = $1 AND chat_id = $2`, key.BotID, key.ChatID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete bills: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return int(bills.RowsAffected()), int(items.RowsAffected()), nil
}

func scanItem(row pgx.Row) (billing.BillItem, error) {
	var (
		it                  billing.BillItem
		id, billID, typ     string
		amount              string
		rate, usdt, feeRate *string
	)
	if err := row.Scan(&id, &billID, &typ, &amount, &rate, &usdt, &feeRate, &it.Remark,
		&it.Operator, &it.Replier, &it.DisplayName, &it.UserID, &it.MessageID, &it.CreatedAt); err != nil {
		return billing.BillItem{}, err
	}
	it.ID = billing.ItemID(id)
	it.BillID = billing.BillID(billID)
	it.Type = billing.ItemType(typ)
	it.Amount = parseDecimal(amount)
	it.Rate = parseDecimalPtr(rate)
	it.USDT = parseDecimalPtr(usdt)
	it.FeeRate = parseDecimalPtr(feeRate)
	return it, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func decText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := parseDecimal(*s)
	return &d
}
