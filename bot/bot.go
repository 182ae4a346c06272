/*
bot.go - Telegram transport for the chat ledger

PURPOSE:
  Long-polls Telegram for group messages, runs each one through the command
  executor and replies in the same chat.

BEHAVIOR:
  - Plain text that is not a command is ignored silently
  - Engine errors are answered with a short Chinese message
  - Replies quote the message that triggered them
  - A few slash commands map onto the Chinese keywords so the Telegram
    command menu works (/bill, /save, /undo, /help)

SEE ALSO:
  - command/execute.go: Execute
  - command/render.go: Render, RenderError
*/
package bot

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/command"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

const helpText = "记账指令：\n" +
	"+1000 入款，+1000/7.2 指定汇率，+100u 按U入款\n" +
	"下发500 / 下发100u 下发\n" +
	"撤销入款 / 撤销下发，或回复某条记录发送「撤销」\n" +
	"账单 显示当前账单，保存账单 结束当前账单\n" +
	"设置汇率7.2 / 设置费率5 / 设置日切4 / 设置模式 日切\n" +
	"删除所有账单 后需回复「确认删除」"

// slashAliases maps menu commands onto chat keywords.
var slashAliases = map[string]string{
	"bill":    "账单",
	"summary": "账单",
	"save":    "保存账单",
	"undo":    "撤销入款",
	"rate":    "设置实时汇率",
}

// Bot routes Telegram updates to one ledger bot instance.
type Bot struct {
	API      API
	Executor *command.Executor
	BotID    int64

	logger *zap.Logger
}

func New(api API, executor *command.Executor, botID int64, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{API: api, Executor: executor, BotID: botID, logger: logger}
}

// RegisterCommands publishes the slash command menu.
func (b *Bot) RegisterCommands() error {
	commands := []tgbotapi.BotCommand{
		{Command: "bill", Description: "显示当前账单"},
		{Command: "save", Description: "保存并结束当前账单"},
		{Command: "undo", Description: "撤销最近一笔入款"},
		{Command: "rate", Description: "刷新实时汇率"},
		{Command: "help", Description: "显示帮助"},
	}
	_, err := b.API.Request(tgbotapi.NewSetMyCommands(commands...))
	return err
}

// Run polls for updates until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.API.GetUpdatesChan(u)
	b.logger.Info("telegram polling started", zap.Int64("bot_id", b.BotID))

	for {
		select {
		case <-ctx.Done():
			b.API.StopReceivingUpdates()
			b.logger.Info("telegram polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate processes one update. Only text messages are considered.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if msg.IsCommand() {
		if msg.Command() == "help" || msg.Command() == "start" {
			b.reply(msg, helpText)
			return
		}
		alias, ok := slashAliases[msg.Command()]
		if !ok {
			return
		}
		text = alias
	}
	if text == "" {
		return
	}

	key := billing.ChatKey{BotID: b.BotID, ChatID: msg.Chat.ID}
	res, err := b.Executor.Execute(ctx, key, toMessage(msg, text))
	switch {
	case errors.Is(err, command.ErrNotCommand):
		return
	case err != nil:
		b.logger.Info("command rejected",
			zap.Stringer("chat", key),
			zap.String("text", text),
			zap.Error(err),
		)
		b.reply(msg, command.RenderError(err))
		return
	}

	if out := command.Render(res); out != "" {
		b.reply(msg, out)
	}
}

func (b *Bot) reply(to *tgbotapi.Message, text string) {
	out := tgbotapi.NewMessage(to.Chat.ID, text)
	out.ReplyToMessageID = to.MessageID
	if _, err := b.API.Send(out); err != nil {
		b.logger.Warn("send reply failed",
			zap.Int64("chat_id", to.Chat.ID),
			zap.Error(err),
		)
	}
}

func toMessage(msg *tgbotapi.Message, text string) command.Message {
	m := command.Message{
		Text:      text,
		MessageID: int64(msg.MessageID),
		Operator: billing.Operator{
			Handle:      msg.From.UserName,
			UserID:      msg.From.ID,
			DisplayName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		},
	}
	if r := msg.ReplyToMessage; r != nil {
		m.ReplyTo = int64(r.MessageID)
		if r.From != nil {
			m.Replier = r.From.UserName
			if m.Replier == "" {
				m.Replier = r.From.FirstName
			}
		}
	}
	return m
}
