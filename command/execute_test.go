package command_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/command"
)

var (
	chatKey = billing.ChatKey{BotID: 1, ChatID: -42}
	bob     = billing.Operator{Handle: "bob", UserID: 9, DisplayName: "Bob"}
)

func newTestExecutor(t *testing.T) (*command.Executor, *time.Time) {
	t.Helper()
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := store.NewMemory()
	ledger := billing.NewLedger(st, time.UTC, nil)
	engine := billing.NewReconciler(ledger, billing.NewRateResolver(st, nil, nil), billing.Options{Clock: clock})
	return command.NewExecutor(engine, nil), &now
}

func run(t *testing.T, x *command.Executor, text string, msgID int64) command.Result {
	t.Helper()
	res, err := x.Execute(context.Background(), chatKey, command.Message{Text: text, Operator: bob, MessageID: msgID})
	require.NoError(t, err, text)
	return res
}

func TestExecute_ChatSession(t *testing.T) {
	// GIVEN: A fresh chat
	// WHEN: Operators configure it and record through chat text
	// THEN: The figures match the daily scenario and the reply renders them

	x, _ := newTestExecutor(t)

	run(t, x, "设置费率5", 1)
	run(t, x, "设置汇率7.2", 2)
	run(t, x, "+1000", 3)
	res := run(t, x, "下发100u", 4)

	require.NotNil(t, res.Outcome)
	assert.True(t, dec("720").Equal(res.Outcome.Item.Amount))
	assert.True(t, dec("230").Equal(res.Outcome.Summary.NotDispatched))

	reply := command.Render(res)
	assert.Contains(t, reply, "未下发: 230.00")
	assert.Contains(t, reply, "应下发: 950.00")

	res = run(t, x, "账单", 5)
	require.NotNil(t, res.View)
	assert.Equal(t, 1, res.View.Summary.DispatchCount)
}

func TestExecute_UndoByReply(t *testing.T) {
	x, now := newTestExecutor(t)

	run(t, x, "+100", 10)
	*now = now.Add(time.Second)
	run(t, x, "+200", 11)

	res, err := x.Execute(context.Background(), chatKey, command.Message{Text: "撤销", Operator: bob, MessageID: 12, ReplyTo: 10})
	require.NoError(t, err)
	assert.True(t, dec("200").Equal(res.Outcome.Summary.TotalIncome))

	_, err = x.Execute(context.Background(), chatKey, command.Message{Text: "撤销", Operator: bob, MessageID: 13})
	assert.ErrorIs(t, err, billing.ErrUndoTargetNotFound)
	assert.Equal(t, "没有可撤销的记录", command.RenderError(err))
}

func TestExecute_DeleteAllRoundTrip(t *testing.T) {
	x, _ := newTestExecutor(t)

	run(t, x, "+100", 1)
	res := run(t, x, "删除所有账单", 2)
	require.NotNil(t, res.Pending)

	res = run(t, x, "确认删除", 3)
	require.NotNil(t, res.Deleted)
	assert.Equal(t, 1, res.Deleted.Items)

	_, err := x.Execute(context.Background(), chatKey, command.Message{Text: "确认删除", Operator: bob})
	assert.ErrorIs(t, err, billing.ErrConfirmationRequired)
}

func TestExecute_CryptoWithoutRate(t *testing.T) {
	x, _ := newTestExecutor(t)

	_, err := x.Execute(context.Background(), chatKey, command.Message{Text: "+100u", Operator: bob})
	assert.ErrorIs(t, err, billing.ErrRateUnset)
	assert.Equal(t, "请先设置汇率", command.RenderError(err))
}

func TestExecute_Calculator(t *testing.T) {
	x, _ := newTestExecutor(t)

	res := run(t, x, "100*7.2", 1)
	require.NotNil(t, res.Value)
	assert.Equal(t, "100*7.2 = 720", command.Render(res))

	_, err := x.Execute(context.Background(), chatKey, command.Message{Text: "good morning", Operator: bob})
	assert.ErrorIs(t, err, command.ErrNotCommand)
}

func TestExecute_SettingsRequireOperator(t *testing.T) {
	x, _ := newTestExecutor(t)
	ctx := context.Background()

	chat := billing.DefaultChat(chatKey)
	chat.Operators = []string{"alice"}
	_, err := x.Engine.UpdateSettings(ctx, chat)
	require.NoError(t, err)

	_, err = x.Execute(ctx, chatKey, command.Message{Text: "设置日切2", Operator: bob})
	assert.ErrorIs(t, err, billing.ErrNotOperator)
}
