package command

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// EXECUTOR - Parsed commands onto the reconciler
// =============================================================================

// Message is one chat message addressed to the ledger.
type Message struct {
	Text      string
	Operator  billing.Operator
	MessageID int64
	ReplyTo   int64 // message id this one replies to, 0 when none
	Replier   string
}

// Result is what a command produced. Exactly the fields of its Kind are set.
type Result struct {
	Command Command

	Outcome *billing.Outcome             // income, dispatch, undo
	View    *billing.View                // summary, settings changes
	Saved   *billing.SavedBill           // save
	Pending *billing.PendingConfirmation // delete_all
	Deleted *billing.DeleteResult        // confirm_delete
	Value   *decimal.Decimal             // calculate, refresh_rate
}

// Executor runs chat commands against a Reconciler.
type Executor struct {
	Engine *billing.Reconciler
	logger *zap.Logger
}

func NewExecutor(engine *billing.Reconciler, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{Engine: engine, logger: logger}
}

// Execute parses msg and applies it. Text that is not a command returns
// ErrNotCommand and must be ignored by the transport.
func (x *Executor) Execute(ctx context.Context, key billing.ChatKey, msg Message) (Result, error) {
	cmd, err := Parse(msg.Text)
	if err != nil {
		return Result{Command: cmd}, err
	}
	res := Result{Command: cmd}

	switch cmd.Kind {
	case KindIncome, KindDispatch:
		itemType := billing.ItemIncome
		if cmd.Kind == KindDispatch {
			itemType = billing.ItemDispatch
		}
		out, err := x.Engine.Record(ctx, key, billing.Entry{
			Type:      itemType,
			Amount:    cmd.Amount,
			Crypto:    cmd.Crypto,
			Rate:      cmd.Rate,
			Remark:    cmd.Remark,
			Operator:  msg.Operator,
			Replier:   msg.Replier,
			MessageID: msg.MessageID,
		})
		if err != nil {
			return res, err
		}
		if !out.Persisted {
			x.logger.Warn("entry not persisted",
				zap.Stringer("chat", key),
				zap.Int64("message_id", msg.MessageID),
			)
		}
		res.Outcome = &out

	case KindUndoIncome, KindUndoDispatch:
		itemType := billing.ItemIncome
		if cmd.Kind == KindUndoDispatch {
			itemType = billing.ItemDispatch
		}
		out, err := x.Engine.UndoLast(ctx, key, itemType, msg.Operator)
		if err != nil {
			return res, err
		}
		res.Outcome = &out

	case KindUndoReply:
		out, err := x.Engine.UndoByMessage(ctx, key, msg.ReplyTo, msg.Operator)
		if err != nil {
			return res, err
		}
		res.Outcome = &out

	case KindSummary:
		view, err := x.Engine.View(ctx, key)
		if err != nil {
			return res, err
		}
		res.View = &view

	case KindSave:
		saved, err := x.Engine.Save(ctx, key, msg.Operator)
		if err != nil {
			return res, err
		}
		res.Saved = &saved

	case KindDeleteAll:
		p, err := x.Engine.RequestDeleteAll(ctx, key, msg.Operator)
		if err != nil {
			return res, err
		}
		res.Pending = &p

	case KindConfirmDelete:
		del, err := x.Engine.ConfirmDeleteAll(ctx, key, msg.Operator.UserID, "")
		if err != nil {
			return res, err
		}
		res.Deleted = &del

	case KindCancelDelete:
		if err := x.Engine.CancelDeleteAll(key, msg.Operator.UserID, ""); err != nil {
			return res, err
		}

	case KindRefreshRate:
		if _, err := x.authorize(ctx, key, msg.Operator); err != nil {
			return res, err
		}
		rate, err := x.Engine.RefreshRate(ctx, key)
		if err != nil {
			return res, err
		}
		res.Value = &rate

	case KindSetCutoff, KindSetMode, KindSetRate, KindSetFee:
		view, err := x.updateSettings(ctx, key, msg.Operator, cmd)
		if err != nil {
			return res, err
		}
		res.View = &view

	case KindCalculate:
		chat, err := x.Engine.Chat(ctx, key)
		if err != nil {
			return res, err
		}
		if !chat.CalculatorEnabled {
			return res, ErrNotCommand
		}
		v := cmd.Amount
		res.Value = &v

	default:
		return res, ErrNotCommand
	}

	x.logger.Debug("command executed",
		zap.Stringer("chat", key),
		zap.String("kind", string(cmd.Kind)),
		zap.Int64("message_id", msg.MessageID),
	)
	return res, nil
}

func (x *Executor) authorize(ctx context.Context, key billing.ChatKey, op billing.Operator) (billing.Chat, error) {
	chat, err := x.Engine.Chat(ctx, key)
	if err != nil {
		return billing.Chat{}, err
	}
	if !chat.CanOperate(op) {
		return billing.Chat{}, billing.ErrNotOperator
	}
	return chat, nil
}

func (x *Executor) updateSettings(ctx context.Context, key billing.ChatKey, op billing.Operator, cmd Command) (billing.View, error) {
	chat, err := x.authorize(ctx, key, op)
	if err != nil {
		return billing.View{}, err
	}

	switch cmd.Kind {
	case KindSetCutoff:
		chat.CutoffHour = cmd.CutoffHour
	case KindSetMode:
		chat.Mode = cmd.Mode
	case KindSetRate:
		chat.FixedRate = cmd.Rate
	case KindSetFee:
		chat.FeePercent = cmd.FeePercent
	default:
		return billing.View{}, errors.New("not a settings command")
	}

	if _, err := x.Engine.UpdateSettings(ctx, chat); err != nil {
		return billing.View{}, err
	}
	return x.Engine.View(ctx, key)
}
