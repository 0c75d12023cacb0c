package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/capstan/internal/trust"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// replyTimeout bounds how long an approval waits for a chat reply before the
// resolution fails rather than hanging a dispatch forever.
const replyTimeout = 5 * time.Minute

// Telegram prompts for approval in a single operator chat. Replies from any
// other chat are ignored.
type Telegram struct {
	token  string
	chatID int64
	logger *slog.Logger
	bot    *tgbotapi.BotAPI
}

func NewTelegram(token string, chatID int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{token: token, chatID: chatID, logger: logger}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram approval channel connected", "user", bot.Self.UserName)
	return nil
}

func (t *Telegram) Prompt(ctx context.Context, req trust.PromptRequest) (string, error) {
	if err := t.connect(); err != nil {
		return "", err
	}

	msg := tgbotapi.NewMessage(t.chatID, renderTelegramPrompt(req))
	if _, err := t.bot.Send(msg); err != nil {
		return "", fmt.Errorf("send approval prompt: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	for {
		select {
		case <-waitCtx.Done():
			return "", fmt.Errorf("approval prompt timed out: %w", waitCtx.Err())
		case update, ok := <-updates:
			if !ok {
				return "", fmt.Errorf("telegram update stream closed")
			}
			if update.Message == nil || update.Message.Chat == nil {
				continue
			}
			if update.Message.Chat.ID != t.chatID {
				t.logger.Warn("ignoring approval reply from unexpected chat", "chat_id", update.Message.Chat.ID)
				continue
			}
			return update.Message.Text, nil
		}
	}
}

// renderTelegramPrompt keeps the message compact; chat clients wrap long
// lines badly and the reply grammar is the same as the terminal's.
func renderTelegramPrompt(req trust.PromptRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Capabilities found for %q:\n", req.Query)
	for i, cand := range req.Candidates {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, cand.Manifest.ID, trust.Origin(cand))
	}
	b.WriteString("Reply: number to approve, a = approve ALL candidates (shown or not), s = show all, r <terms> = refine, d = deny")
	return b.String()
}
