/*
Package command turns chat text into billing operations.

GRAMMAR:
  Income:     +<expr>[u] [remark]   -<expr>[u] [remark]   +<expr>/<rate> [remark]
  Dispatch:   下发<expr>[u] [remark]
  Undo:       撤销入款 | 撤销下发 | 撤销 (as a reply to the recorded message)
  Settings:   设置日切<0-23> | 设置模式<mode> | 设置汇率<rate> | 设置实时汇率 | 设置费率<percent>
  Bills:      保存账单 | 账单 | 删除所有账单 -> 确认删除 / 取消删除
  Calculator: a bare expression such as 100*7.2

  The "u" suffix marks the amount as crypto units. A "/<rate>" suffix is a
  per-entry rate only when the divisor lies within [MinRate, MaxRate];
  otherwise the whole text is arithmetic.

SEE ALSO:
  - expr.go: Expression evaluator
  - execute.go: Mapping commands onto the reconciler
*/
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/width"

	"github.com/warp/billing-engine/billing"
)

// ErrNotCommand is returned for chat text that is not addressed to the ledger.
var ErrNotCommand = errors.New("not a ledger command")

// Plausible per-entry rate range for the "/<rate>" suffix.
var (
	MinRate = decimal.NewFromInt(6)
	MaxRate = decimal.NewFromInt(10)
)

// AmountScale is the number of decimal places amounts are rounded to.
const AmountScale = 2

type Kind string

const (
	KindIncome        Kind = "income"
	KindDispatch      Kind = "dispatch"
	KindUndoIncome    Kind = "undo_income"
	KindUndoDispatch  Kind = "undo_dispatch"
	KindUndoReply     Kind = "undo_reply"
	KindSetCutoff     Kind = "set_cutoff"
	KindSetMode       Kind = "set_mode"
	KindSetRate       Kind = "set_rate"
	KindRefreshRate   Kind = "refresh_rate"
	KindSetFee        Kind = "set_fee"
	KindSave          Kind = "save"
	KindSummary       Kind = "summary"
	KindDeleteAll     Kind = "delete_all"
	KindConfirmDelete Kind = "confirm_delete"
	KindCancelDelete  Kind = "cancel_delete"
	KindCalculate     Kind = "calculate"
)

// Command is parsed chat text.
type Command struct {
	Kind   Kind
	Text   string
	Amount decimal.Decimal  // income / dispatch / calculate
	Crypto bool             // amount in crypto units
	Rate   *decimal.Decimal // per-entry rate, or the fixed rate of set_rate (nil clears)
	Remark string

	CutoffHour int
	Mode       billing.AccountingMode
	FeePercent decimal.Decimal
}

var keywords = map[string]Kind{
	"撤销入款":   KindUndoIncome,
	"撤销下发":   KindUndoDispatch,
	"撤销":     KindUndoReply,
	"设置实时汇率": KindRefreshRate,
	"保存账单":   KindSave,
	"账单":     KindSummary,
	"显示账单":   KindSummary,
	"删除所有账单": KindDeleteAll,
	"删除账单":   KindDeleteAll,
	"确认删除":   KindConfirmDelete,
	"取消删除":   KindCancelDelete,
}

const (
	prefixDispatch = "下发"
	prefixCutoff   = "设置日切"
	prefixMode     = "设置模式"
	prefixRate     = "设置汇率"
	prefixFee      = "设置费率"
)

// Parse recognizes one command. Text that is not a command returns
// ErrNotCommand; a recognized command with a bad argument returns an error
// wrapping billing.ErrMalformedInput.
func Parse(text string) (Command, error) {
	text = strings.TrimSpace(text)
	cmd := Command{Text: text}
	if text == "" {
		return cmd, ErrNotCommand
	}
	text = width.Fold.String(text)

	if kind, ok := keywords[text]; ok {
		cmd.Kind = kind
		return cmd, nil
	}

	switch {
	case strings.HasPrefix(text, prefixDispatch):
		cmd.Kind = KindDispatch
		return cmd, parseEntry(&cmd, strings.TrimPrefix(text, prefixDispatch))

	case strings.HasPrefix(text, prefixCutoff):
		arg := strings.TrimSpace(strings.TrimPrefix(text, prefixCutoff))
		hour, err := strconv.Atoi(strings.TrimSuffix(arg, "点"))
		if err != nil || hour < 0 || hour > 23 {
			return cmd, fmt.Errorf("%w: %q", billing.ErrInvalidCutoffHour, arg)
		}
		cmd.Kind, cmd.CutoffHour = KindSetCutoff, hour
		return cmd, nil

	case strings.HasPrefix(text, prefixMode):
		mode, err := billing.ParseAccountingMode(strings.TrimPrefix(text, prefixMode))
		if err != nil {
			return cmd, err
		}
		cmd.Kind, cmd.Mode = KindSetMode, mode
		return cmd, nil

	case strings.HasPrefix(text, prefixRate):
		arg := strings.TrimSpace(strings.TrimPrefix(text, prefixRate))
		rate, err := decimal.NewFromString(arg)
		if err != nil || rate.IsNegative() {
			return cmd, &billing.MalformedInputError{Input: arg, Reason: "rate must be a non-negative number"}
		}
		cmd.Kind = KindSetRate
		if rate.IsPositive() {
			cmd.Rate = &rate
		}
		return cmd, nil

	case strings.HasPrefix(text, prefixFee):
		arg := strings.TrimSpace(strings.TrimPrefix(text, prefixFee))
		fee, err := decimal.NewFromString(strings.TrimSuffix(arg, "%"))
		if err != nil || fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(100)) {
			return cmd, &billing.MalformedInputError{Input: arg, Reason: "fee must be within [0, 100]"}
		}
		cmd.Kind, cmd.FeePercent = KindSetFee, fee
		return cmd, nil

	case signedAmount(text):
		cmd.Kind = KindIncome
		return cmd, parseEntry(&cmd, text)

	case IsExpression(text):
		v, err := Eval(text)
		if err != nil {
			return cmd, err
		}
		cmd.Kind, cmd.Amount = KindCalculate, v
		return cmd, nil
	}

	return cmd, ErrNotCommand
}

// parseEntry fills amount, crypto flag, per-entry rate and remark from
// "<sign?><expr>[u][/rate] [remark]".
func parseEntry(cmd *Command, body string) error {
	body = strings.TrimSpace(body)
	sign := ""
	if r := firstRune(body); isSign(r) {
		sign = string(r)
		body = strings.TrimSpace(strings.TrimPrefix(body, sign))
	}

	expr, remark := body, ""
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		expr, remark = body[:i], strings.TrimSpace(body[i:])
	}
	if expr == "" {
		return &billing.MalformedInputError{Input: cmd.Text, Reason: "missing amount"}
	}

	if strings.HasSuffix(expr, "u") || strings.HasSuffix(expr, "U") {
		cmd.Crypto = true
		expr = expr[:len(expr)-1]
	} else if rate, rest, ok := splitRate(expr); ok {
		cmd.Rate = &rate
		expr = rest
	}

	amount, err := Eval(sign + expr)
	if err != nil {
		return err
	}
	amount = amount.Round(AmountScale)
	if amount.IsZero() {
		return &billing.MalformedInputError{Input: cmd.Text, Reason: "amount must not be zero"}
	}

	cmd.Amount = amount
	cmd.Remark = remark
	return nil
}

// splitRate detects a trailing "/<rate>" at the top level of expr.
func splitRate(expr string) (decimal.Decimal, string, bool) {
	i := strings.LastIndex(expr, "/")
	if i <= 0 || strings.ContainsAny(expr[i+1:], "()") {
		return decimal.Zero, expr, false
	}
	rate, err := decimal.NewFromString(expr[i+1:])
	if err != nil || rate.LessThan(MinRate) || rate.GreaterThan(MaxRate) {
		return decimal.Zero, expr, false
	}
	return rate, expr[:i], true
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

// signedAmount reports whether text opens with a sign followed by an
// amount. "+100" and "- 5" qualify, "-_-" and a lone "+" do not.
func signedAmount(text string) bool {
	r := firstRune(text)
	if !isSign(r) {
		return false
	}
	next := firstRune(strings.TrimSpace(text[utf8.RuneLen(r):]))
	return unicode.IsDigit(next) || next == '(' || next == '.'
}

func isSign(r rune) bool { return r == '+' || r == '-' || r == '＋' || r == '－' }
