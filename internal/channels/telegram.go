package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/config"
)

// telegramMaxMessageChars is the Bot API per-message limit.
const telegramMaxMessageChars = 4096

// TelegramChannel connects via the Bot API using long polling.
type TelegramChannel struct {
	*BaseChannel
	cfg config.TelegramConfig
	bot *telego.Bot

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func NewTelegram(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", msgBus, cfg.AllowFrom, cfg.RateLimitS),
		cfg:         cfg,
		bot:         bot,
	}, nil
}

// Start begins long polling for updates.
func (c *TelegramChannel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleUpdate(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the goroutine so Telegram releases the
// getUpdates lock before a new instance starts.
func (c *TelegramChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *TelegramChannel) handleUpdate(message *telego.Message) {
	if message.From == nil {
		return
	}
	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if content == "" {
		return
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if message.From.Username != "" {
		senderID += "|" + message.From.Username
	}
	chatID := strconv.FormatInt(message.Chat.ID, 10)

	if !c.HandleMessage(senderID, chatID, content, nil, map[string]any{"client": "telegram"}) {
		slog.Debug("telegram message dropped", "sender", senderID)
	}
}

// Send delivers an outbound message, chunked to the Bot API limit.
func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	// Status and subagent frames are WebUI affordances; Telegram users only
	// get final replies.
	if msg.Type() != bus.TypeAssistant {
		return nil
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	for _, chunk := range SplitContent(msg.Content, telegramMaxMessageChars) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}
