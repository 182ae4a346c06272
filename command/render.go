package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// REPLIES - Plain text rendering of results
// =============================================================================

const timeLayout = "15:04:05"

// Render formats a command result as a plain-text reply.
func Render(res Result) string {
	switch {
	case res.Outcome != nil:
		var b strings.Builder
		if !res.Outcome.Persisted {
			b.WriteString("⚠️ 记录未保存，请稍后重试\n")
		}
		if res.Outcome.OverLimit {
			b.WriteString("⚠️ 入款已超过上限\n")
		}
		b.WriteString(RenderView(res.Outcome.View))
		return b.String()

	case res.View != nil:
		return RenderView(*res.View)

	case res.Saved != nil:
		s := res.Saved
		return fmt.Sprintf("账单已保存 (%s)\n入款 %d 笔 / 下发 %d 笔\n未下发: %s",
			s.Bill.Period, s.Summary.IncomeCount, s.Summary.DispatchCount, money(s.Summary.NotDispatched))

	case res.Pending != nil:
		return fmt.Sprintf("确定删除所有账单？请在 %s 前回复「确认删除」或「取消删除」",
			res.Pending.ExpiresAt.Format(timeLayout))

	case res.Deleted != nil:
		return fmt.Sprintf("已删除 %d 个账单，%d 条记录", res.Deleted.Bills, res.Deleted.Items)

	case res.Command.Kind == KindCancelDelete:
		return "已取消删除"

	case res.Command.Kind == KindRefreshRate && res.Value != nil:
		return "实时汇率: " + res.Value.String()

	case res.Value != nil:
		return res.Command.Text + " = " + res.Value.Round(8).String()
	}
	return ""
}

// RenderView formats the running summary of a bill with its recent entries.
func RenderView(v billing.View) string {
	s := v.Summary
	var b strings.Builder

	incomes, dispatches := v.Bill.Incomes, v.Bill.Dispatches
	limit := v.Chat.DisplayMode.RecentLimit()
	if limit != 0 {
		if limit > 0 {
			incomes = billing.Recent(incomes, limit)
			dispatches = billing.Recent(dispatches, limit)
		}
		fmt.Fprintf(&b, "入款 (%d 笔)\n", s.IncomeCount)
		for _, it := range incomes {
			writeItem(&b, it)
		}
		fmt.Fprintf(&b, "\n下发 (%d 笔)\n", s.DispatchCount)
		for _, it := range dispatches {
			writeItem(&b, it)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "费率: %s%%\n", s.FeePercent.String())
	fmt.Fprintf(&b, "汇率: %s\n", optional(s.Rate, 4))
	if s.Carried != nil {
		fmt.Fprintf(&b, "往期结转: %s (%d 个账单)\n",
			money(s.Carried.ShouldDispatch.Sub(s.Carried.Dispatched)), s.Carried.Bills)
	}
	fmt.Fprintf(&b, "总入款: %s | %sU\n", money(s.TotalIncome), optional(s.TotalIncomeUSDT, 2))
	fmt.Fprintf(&b, "应下发: %s | %sU\n", money(s.ShouldDispatch), optional(s.ShouldDispatchUSDT, 2))
	fmt.Fprintf(&b, "已下发: %s | %sU\n", money(s.Dispatched), optional(s.DispatchedUSDT, 2))
	fmt.Fprintf(&b, "未下发: %s | %sU", money(s.NotDispatched), optional(s.NotDispatchedUSDT, 2))
	return b.String()
}

func writeItem(b *strings.Builder, it billing.BillItem) {
	fmt.Fprintf(b, "%s  %s", it.CreatedAt.Format(timeLayout), money(it.Amount))
	if it.USDT != nil && it.Rate != nil {
		fmt.Fprintf(b, " / %s = %sU", it.Rate.String(), it.USDT.StringFixed(2))
	}
	if it.Remark != "" {
		b.WriteString("  " + it.Remark)
	}
	b.WriteString("\n")
}

// RenderError turns an engine error into the reply shown in the chat.
func RenderError(err error) string {
	var bad *billing.MalformedInputError
	switch {
	case errors.As(err, &bad):
		return "格式错误: " + bad.Reason
	case errors.Is(err, billing.ErrRateUnset):
		return "请先设置汇率"
	case errors.Is(err, billing.ErrNotOperator):
		return "你不是本群操作员"
	case errors.Is(err, billing.ErrUndoTargetNotFound):
		return "没有可撤销的记录"
	case errors.Is(err, billing.ErrNoOpenBill):
		return "当前没有账单"
	case errors.Is(err, billing.ErrInvalidCutoffHour):
		return "日切时间必须在 0-23 之间"
	case errors.Is(err, billing.ErrInvalidMode):
		return "未知的记账模式"
	case errors.Is(err, billing.ErrConfirmationExpired):
		return "删除确认已过期"
	case billing.IsConfirmationError(err):
		return "没有待确认的删除请求"
	case errors.Is(err, billing.ErrRateFetch):
		return "获取实时汇率失败"
	}
	return "系统繁忙，请稍后重试"
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func optional(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "未设置"
	}
	return d.Round(places).String()
}
