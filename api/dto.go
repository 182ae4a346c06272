/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  billing types. Money values travel as decimal strings so that no client
  ever sees a float.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Commands:  CommandRequest, CommandResponse
  Bills:     SummaryDTO, ItemDTO, BillDTO, SavedBillDTO
  Settings:  SettingsDTO
  Delete:    DeleteAllRequest, PendingDTO, DeleteResultDTO

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CommandRequest is one chat message forwarded to the ledger.
type CommandRequest struct {
	Text        string `json:"text"`
	User        string `json:"user"`
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	MessageID   int64  `json:"message_id"`
	ReplyTo     int64  `json:"reply_to"`
}

func (r CommandRequest) operator() billing.Operator {
	return billing.Operator{Handle: r.User, UserID: r.UserID, DisplayName: r.DisplayName}
}

// UndoRequest selects the item to undo: the last of Type, or the item of MessageID.
type UndoRequest struct {
	Type      string `json:"type,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	User      string `json:"user"`
	UserID    int64  `json:"user_id"`
}

// OperatorRequest identifies the caller of save / delete-all.
type OperatorRequest struct {
	User   string `json:"user"`
	UserID int64  `json:"user_id"`
}

// ConfirmRequest answers a pending delete-all.
type ConfirmRequest struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token"`
}

// SettingsDTO is the wire form of chat settings, used both ways.
type SettingsDTO struct {
	Mode              string   `json:"mode"`
	CutoffHour        int      `json:"cutoff_hour"`
	FixedRate         *string  `json:"fixed_rate"`
	RealtimeRate      *string  `json:"realtime_rate,omitempty"`
	FeePercent        string   `json:"fee_percent"`
	DisplayMode       int      `json:"display_mode"`
	Currency          string   `json:"currency"`
	Operators         []string `json:"operators"`
	EveryoneAllowed   bool     `json:"everyone_allowed"`
	CalculatorEnabled bool     `json:"calculator_enabled"`
	OverDepositLimit  *string  `json:"over_deposit_limit"`
	UpdatedAt         string   `json:"updated_at,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ItemDTO is one bill item.
type ItemDTO struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Amount      string  `json:"amount"`
	Rate        *string `json:"rate,omitempty"`
	USDT        *string `json:"usdt,omitempty"`
	FeeRate     *string `json:"fee_rate,omitempty"`
	Remark      string  `json:"remark,omitempty"`
	Operator    string  `json:"operator,omitempty"`
	Replier     string  `json:"replier,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	UserID      int64   `json:"user_id,omitempty"`
	MessageID   int64   `json:"message_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// SummaryDTO holds the aggregate figures. Crypto-unit fields are null when
// no rate is known.
type SummaryDTO struct {
	FeePercent         string  `json:"fee_percent"`
	Rate               *string `json:"rate"`
	TotalIncome        string  `json:"total_income"`
	Fee                string  `json:"fee"`
	ShouldDispatch     string  `json:"should_dispatch"`
	Dispatched         string  `json:"dispatched"`
	NotDispatched      string  `json:"not_dispatched"`
	TotalIncomeUSDT    *string `json:"total_income_usdt"`
	FeeUSDT            *string `json:"fee_usdt"`
	ShouldDispatchUSDT *string `json:"should_dispatch_usdt"`
	DispatchedUSDT     *string `json:"dispatched_usdt"`
	NotDispatchedUSDT  *string `json:"not_dispatched_usdt"`
	IncomeCount        int     `json:"income_count"`
	DispatchCount      int     `json:"dispatch_count"`
	CarriedBills       int     `json:"carried_bills,omitempty"`
}

// BillDTO describes a bill.
type BillDTO struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	PeriodStart string  `json:"period_start"`
	PeriodEnd   *string `json:"period_end"`
	OpenedAt    string  `json:"opened_at"`
	ClosedAt    *string `json:"closed_at,omitempty"`
}

// ViewDTO is the display state of a chat.
type ViewDTO struct {
	Bill    *BillDTO   `json:"bill"`
	Summary SummaryDTO `json:"summary"`
}

// ItemsDTO lists the recent entries of the active bill.
type ItemsDTO struct {
	Incomes    []ItemDTO `json:"incomes"`
	Dispatches []ItemDTO `json:"dispatches"`
}

// SavedBillDTO is one entry of the saved-bill history.
type SavedBillDTO struct {
	Bill    BillDTO    `json:"bill"`
	Summary SummaryDTO `json:"summary"`
	Items   int        `json:"items"`
	SavedAt string     `json:"saved_at"`
	Auto    bool       `json:"auto"`
}

// OutcomeDTO is the result of a mutation.
type OutcomeDTO struct {
	ViewDTO
	Item      *ItemDTO `json:"item,omitempty"`
	Persisted bool     `json:"persisted"`
	OverLimit bool     `json:"over_limit"`
}

// CommandResponse is the result of a chat command.
type CommandResponse struct {
	Kind    string           `json:"kind"`
	Reply   string           `json:"reply"`
	Outcome *OutcomeDTO      `json:"outcome,omitempty"`
	Saved   *SavedBillDTO    `json:"saved,omitempty"`
	Pending *PendingDTO      `json:"pending,omitempty"`
	Deleted *DeleteResultDTO `json:"deleted,omitempty"`
	Value   *string          `json:"value,omitempty"`
}

// PendingDTO is an open delete-all confirmation.
type PendingDTO struct {
	UserID    int64  `json:"user_id"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// DeleteResultDTO reports what a delete-all removed.
type DeleteResultDTO struct {
	Bills int `json:"bills"`
	Items int `json:"items"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toItemDTO(it billing.BillItem) ItemDTO {
	return ItemDTO{
		ID:          string(it.ID),
		Type:        string(it.Type),
		Amount:      it.Amount.String(),
		Rate:        decString(it.Rate),
		USDT:        decString(it.USDT),
		FeeRate:     decString(it.FeeRate),
		Remark:      it.Remark,
		Operator:    it.Operator,
		Replier:     it.Replier,
		DisplayName: it.DisplayName,
		UserID:      it.UserID,
		MessageID:   it.MessageID,
		CreatedAt:   it.CreatedAt.Format(time.RFC3339),
	}
}

func toItemDTOs(items []billing.BillItem) []ItemDTO {
	out := make([]ItemDTO, len(items))
	for i, it := range items {
		out[i] = toItemDTO(it)
	}
	return out
}

func toSummaryDTO(s billing.Summary) SummaryDTO {
	dto := SummaryDTO{
		FeePercent:         s.FeePercent.String(),
		Rate:               decString(s.Rate),
		TotalIncome:        s.TotalIncome.StringFixed(2),
		Fee:                s.Fee.StringFixed(2),
		ShouldDispatch:     s.ShouldDispatch.StringFixed(2),
		Dispatched:         s.Dispatched.StringFixed(2),
		NotDispatched:      s.NotDispatched.StringFixed(2),
		TotalIncomeUSDT:    usdtString(s.TotalIncomeUSDT),
		FeeUSDT:            usdtString(s.FeeUSDT),
		ShouldDispatchUSDT: usdtString(s.ShouldDispatchUSDT),
		DispatchedUSDT:     usdtString(s.DispatchedUSDT),
		NotDispatchedUSDT:  usdtString(s.NotDispatchedUSDT),
		IncomeCount:        s.IncomeCount,
		DispatchCount:      s.DispatchCount,
	}
	if s.Carried != nil {
		dto.CarriedBills = s.Carried.Bills
	}
	return dto
}

func toBillDTO(b billing.Bill) BillDTO {
	dto := BillDTO{
		ID:          string(b.ID),
		Status:      string(b.Status),
		PeriodStart: b.Period.Start.Format(time.RFC3339),
		OpenedAt:    b.OpenedAt.Format(time.RFC3339),
	}
	if !b.Period.OpenEnded {
		dto.PeriodEnd = timeString(&b.Period.End)
	}
	dto.ClosedAt = timeString(b.ClosedAt)
	return dto
}

func toViewDTO(v billing.View) ViewDTO {
	dto := ViewDTO{Summary: toSummaryDTO(v.Summary)}
	if v.Bill.Bill != nil {
		b := toBillDTO(*v.Bill.Bill)
		dto.Bill = &b
	}
	return dto
}

func toOutcomeDTO(o billing.Outcome) *OutcomeDTO {
	dto := &OutcomeDTO{ViewDTO: toViewDTO(o.View), Persisted: o.Persisted, OverLimit: o.OverLimit}
	if o.Item.ID != "" {
		it := toItemDTO(o.Item)
		dto.Item = &it
	}
	return dto
}

func toSavedBillDTO(s billing.SavedBill) SavedBillDTO {
	return SavedBillDTO{
		Bill:    toBillDTO(s.Bill),
		Summary: toSummaryDTO(s.Summary),
		Items:   s.Items,
		SavedAt: s.SavedAt.Format(time.RFC3339),
		Auto:    s.Auto,
	}
}

func toPendingDTO(p billing.PendingConfirmation) *PendingDTO {
	return &PendingDTO{UserID: p.UserID, Token: p.Token, ExpiresAt: p.ExpiresAt.Format(time.RFC3339)}
}

func toSettingsDTO(c billing.Chat) SettingsDTO {
	dto := SettingsDTO{
		Mode:              string(c.Mode),
		CutoffHour:        c.CutoffHour,
		FixedRate:         decString(c.FixedRate),
		RealtimeRate:      decString(c.RealtimeRate),
		FeePercent:        c.FeePercent.String(),
		DisplayMode:       int(c.DisplayMode),
		Currency:          c.Currency,
		Operators:         c.Operators,
		EveryoneAllowed:   c.EveryoneAllowed,
		CalculatorEnabled: c.CalculatorEnabled,
		OverDepositLimit:  decString(c.OverDepositLimit),
	}
	if dto.Operators == nil {
		dto.Operators = []string{}
	}
	if !c.UpdatedAt.IsZero() {
		dto.UpdatedAt = c.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

// apply merges the DTO into the current settings. The realtime rate is
// engine-owned and never taken from a client.
func (s SettingsDTO) apply(c billing.Chat) (billing.Chat, error) {
	mode, err := billing.ParseAccountingMode(s.Mode)
	if err != nil {
		return c, err
	}
	c.Mode = mode
	c.CutoffHour = s.CutoffHour
	c.Currency = s.Currency
	c.Operators = s.Operators
	c.EveryoneAllowed = s.EveryoneAllowed
	c.CalculatorEnabled = s.CalculatorEnabled
	if s.DisplayMode != 0 {
		c.DisplayMode = billing.DisplayMode(s.DisplayMode)
	}

	if c.FeePercent, err = parseDec(s.FeePercent); err != nil {
		return c, err
	}
	if c.FixedRate, err = parseOptionalDec(s.FixedRate); err != nil {
		return c, err
	}
	if c.OverDepositLimit, err = parseOptionalDec(s.OverDepositLimit); err != nil {
		return c, err
	}
	return c, nil
}

func decString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func usdtString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(billing.USDTScale)
	return &s
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func parseDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &billing.MalformedInputError{Input: s, Reason: "not a decimal number"}
	}
	return d, nil
}

func parseOptionalDec(s *string) (*decimal.Decimal, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := parseDec(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
