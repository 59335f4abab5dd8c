package delivery

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// DiscordAdapter sends delivery chunks to Discord channels and streams
// inbound messages over the gateway.
type DiscordAdapter struct {
	session   *discordgo.Session
	outbox    *outboxLRU
	logger    *logger.Logger
	botUserID string
}

func NewDiscordAdapter(token string, log *logger.Logger) (*DiscordAdapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &DiscordAdapter{
		session: session,
		outbox:  newOutboxLRU(outboxLRUSize),
		logger:  log.WithFields(zap.String("component", "discord")),
	}, nil
}

func (a *DiscordAdapter) Platform() string { return state.PlatformDiscord }

// Send posts text to the channel named by the target. It uses the REST API
// and works whether or not the inbound gateway is connected.
func (a *DiscordAdapter) Send(ctx context.Context, outboxID string, target state.DeliveryTarget, text string) error {
	if a.outbox.contains(outboxID) {
		a.logger.Debug("discord send suppressed, outbox id already sent", zap.String("outbox_id", outboxID))
		return nil
	}
	if target.ChatID == "" {
		return fmt.Errorf("empty discord channel id")
	}
	if _, err := a.session.ChannelMessageSend(target.ChatID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	a.outbox.remember(outboxID)
	return nil
}

// StreamInbound opens the gateway and feeds plain messages to sink until
// ctx is cancelled.
func (a *DiscordAdapter) StreamInbound(ctx context.Context, sink InboundSink) error {
	// Fetching the bot identity before Open keeps botUserID immutable once
	// the handler can fire.
	if user, err := a.session.User("@me"); err == nil {
		a.botUserID = user.ID
	}
	remove := a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Author.ID == a.botUserID {
			return
		}
		if m.Content == "" {
			return
		}
		kind := "group"
		if m.GuildID == "" {
			kind = "direct"
		}
		sink(ctx, InboundMessage{
			Platform:  state.PlatformDiscord,
			ChatID:    m.ChannelID,
			MessageID: m.ID,
			Sender:    m.Author.Username,
			Text:      m.Content,
			ChatKind:  kind,
		})
	})
	defer remove()
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	a.logger.Info("discord inbound stream started")
	<-ctx.Done()
	return a.session.Close()
}
