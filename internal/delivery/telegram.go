package delivery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// TelegramAdapter sends delivery chunks to Telegram chats and streams
// inbound messages via long polling.
type TelegramAdapter struct {
	bot    *telego.Bot
	outbox *outboxLRU
	logger *logger.Logger
}

func NewTelegramAdapter(token string, log *logger.Logger) (*TelegramAdapter, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramAdapter{
		bot:    bot,
		outbox: newOutboxLRU(outboxLRUSize),
		logger: log.WithFields(zap.String("component", "telegram")),
	}, nil
}

func (a *TelegramAdapter) Platform() string { return state.PlatformTelegram }

func (a *TelegramAdapter) Send(ctx context.Context, outboxID string, target state.DeliveryTarget, text string) error {
	if a.outbox.contains(outboxID) {
		a.logger.Debug("telegram send suppressed, outbox id already sent", zap.String("outbox_id", outboxID))
		return nil
	}
	chatID, err := strconv.ParseInt(target.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", target.ChatID, err)
	}
	msg := tu.Message(tu.ID(chatID), text)
	if target.ThreadID != "" {
		threadID, err := strconv.Atoi(target.ThreadID)
		if err != nil {
			return fmt.Errorf("telegram thread id %q: %w", target.ThreadID, err)
		}
		if threadID > 0 {
			msg.MessageThreadID = threadID
		}
	}
	if _, err := a.bot.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	a.outbox.remember(outboxID)
	return nil
}

// StreamInbound long-polls for updates and feeds plain messages to sink
// until ctx is cancelled.
func (a *TelegramAdapter) StreamInbound(ctx context.Context, sink InboundSink) error {
	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start telegram long polling: %w", err)
	}
	a.logger.Info("telegram inbound stream started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg := update.Message
			if msg == nil || msg.From == nil || msg.From.IsBot || msg.Text == "" {
				continue
			}
			sender := msg.From.Username
			if sender == "" {
				sender = msg.From.FirstName
			}
			in := InboundMessage{
				Platform:  state.PlatformTelegram,
				ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
				MessageID: strconv.Itoa(msg.MessageID),
				Sender:    sender,
				Text:      msg.Text,
				ChatTitle: msg.Chat.Title,
				ChatKind:  msg.Chat.Type,
			}
			if msg.Chat.IsForum && msg.MessageThreadID != 0 {
				in.ThreadID = strconv.Itoa(msg.MessageThreadID)
			}
			sink(ctx, in)
		}
	}
}
