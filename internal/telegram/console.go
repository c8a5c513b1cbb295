// Package telegram is the operator console: bot control commands over
// Telegram plus forwarding of warnings and errors to the operator chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chatpilot/internal/credentials"
	"github.com/user/chatpilot/internal/engine"
	"github.com/user/chatpilot/internal/logstream"
	"github.com/user/chatpilot/internal/scheduler"
	"github.com/user/chatpilot/internal/types"
)

const maxTelegramMessage = 4096

const helpText = `Available commands:
/start_bot - start replying to DMs
/stop_bot - stop replying
/stats - show counters
/relogin - log in to the token API again and leave the browser
/validate <key> - check an activation key
/simulate <chat_id>|<text> - queue a test message`

// Controller is what the console drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Stats() types.Stats
	Inject(ctx context.Context, m types.IncomingMessage) (types.MessageID, error)
	Relogin(ctx context.Context) error
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Console bridges Telegram to the engine.
type Console struct {
	bot      *tgbotapi.BotAPI
	out      sender
	ctl      Controller
	operator int64
	keys     []string
}

var _ logstream.Sink = (*Console)(nil)

// New connects to Telegram. operator, when non-zero, is the only chat
// allowed to issue commands and the one that receives forwarded records.
func New(token string, ctl Controller, operator int64, activationKeys []string) (*Console, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	c := newConsole(bot, ctl, operator, activationKeys)
	c.bot = bot
	return c, nil
}

func newConsole(out sender, ctl Controller, operator int64, keys []string) *Console {
	return &Console{out: out, ctl: ctl, operator: operator, keys: keys}
}

// Start long-polls for updates until ctx is cancelled.
func (c *Console) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := c.bot.GetUpdatesChan(u)
	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			chatID := update.Message.Chat.ID
			c.reply(chatID, c.Handle(ctx, chatID, update.Message.Text))
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			return
		}
	}
}

// Handle runs one command and returns the text to answer with.
func (c *Console) Handle(ctx context.Context, chatID int64, text string) string {
	if c.operator != 0 && chatID != c.operator {
		slog.Warn("console command from unknown chat", "chat_id", chatID)
		return "This bot only answers its operator."
	}
	cmd, arg := parseCommand(text)
	switch cmd {
	case "start", "help":
		return helpText

	case "start_bot":
		err := c.ctl.Start(ctx)
		switch {
		case errors.Is(err, engine.ErrRunning):
			return "Bot is already running."
		case err != nil:
			slog.Error("console start failed", "error", err)
			return "Could not start the bot: " + err.Error()
		}
		slog.Info("bot started from console", "chat_id", chatID)
		return "Bot started."

	case "stop_bot":
		if !c.ctl.Stats().Running {
			return "Bot is not running."
		}
		c.ctl.Stop()
		slog.Info("bot stopped from console", "chat_id", chatID)
		return "Bot stopped."

	case "stats":
		return scheduler.FormatStats(c.ctl.Stats())

	case "relogin":
		if err := c.ctl.Relogin(ctx); err != nil {
			slog.Error("console relogin failed", "error", err)
			return "Login failed: " + err.Error()
		}
		slog.Info("token api session renewed from console", "chat_id", chatID)
		return "Logged in. Reading and sending through the token API again."

	case "validate":
		if arg == "" {
			return "Usage: /validate <key>"
		}
		if err := credentials.ValidateActivationKey(arg, c.keys); err != nil {
			return "Activation key is invalid."
		}
		return "Activation key is valid."

	case "simulate":
		conv, msg, ok := strings.Cut(arg, "|")
		conv, msg = strings.TrimSpace(conv), strings.TrimSpace(msg)
		if !ok || conv == "" || msg == "" {
			return "Usage: /simulate <chat_id>|<text>"
		}
		id, err := c.ctl.Inject(ctx, types.IncomingMessage{ConversationID: types.ConversationID(conv), Text: msg})
		if err != nil {
			return "Message not queued: " + err.Error()
		}
		return fmt.Sprintf("Queued %s for %s.", id, conv)

	case "":
		return "Send a command. " + helpText

	default:
		return "Unknown command. " + helpText
	}
}

// parseCommand splits "/cmd@bot rest" into "cmd" and "rest".
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

// Write forwards a log record to the operator chat. It must not log
// through slog, which would feed back into the hub.
func (c *Console) Write(ctx context.Context, rec logstream.Record) error {
	return c.Notify(FormatRecord(rec))
}

// Notify sends text to the operator chat, if one is configured.
func (c *Console) Notify(text string) error {
	if c.operator == 0 {
		return nil
	}
	return c.send(c.operator, text)
}

// FormatRecord renders a record as a short chat message.
func FormatRecord(rec logstream.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", rec.Level, rec.Message)
	keys := make([]string, 0, len(rec.Attrs))
	for k := range rec.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, rec.Attrs[k])
	}
	return b.String()
}

func (c *Console) reply(chatID int64, text string) {
	if err := c.send(chatID, text); err != nil {
		slog.Error("send console reply failed", "chat_id", chatID, "error", err)
	}
}

func (c *Console) send(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		if _, err := c.out.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts text into chunks of at most maxTelegramMessage bytes,
// never inside a UTF-8 sequence.
func splitMessage(text string) []string {
	var parts []string
	for len(text) > maxTelegramMessage {
		end := maxTelegramMessage
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return append(parts, text)
}
