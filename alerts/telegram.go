package alerts

import (
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/marketdeck/marketdeck/storage"
)

// escapeTelegramMarkdown escapes special Markdown characters for Telegram.
func escapeTelegramMarkdown(s string) string {
	for _, ch := range []string{"_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"} {
		s = strings.ReplaceAll(s, ch, "\\"+ch)
	}
	return s
}

// TelegramNotifier sends alert notifications to the bound Telegram chat.
type TelegramNotifier struct {
	send   func(tgbotapi.Chattable) (tgbotapi.Message, error)
	db     *storage.DB
	logger *slog.Logger
}

// NewTelegramNotifier creates a Telegram notifier. Returns nil if botToken
// is empty (notifications disabled); callers may use a nil notifier freely.
func NewTelegramNotifier(botToken string, db *storage.DB, logger *slog.Logger) (*TelegramNotifier, error) {
	if botToken == "" {
		logger.Info("Telegram bot token not configured, notifications disabled")
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	logger.Info("Telegram bot initialized", "bot_name", bot.Self.UserName)

	return &TelegramNotifier{
		send:   bot.Send,
		db:     db,
		logger: logger,
	}, nil
}

// Bind stores the chat that receives notifications.
func (t *TelegramNotifier) Bind(chatID int64) error {
	if t == nil {
		return fmt.Errorf("telegram notifications are not configured")
	}
	if t.db == nil {
		return fmt.Errorf("no database configured for chat binding")
	}
	if err := t.db.SaveTelegramChat(chatID); err != nil {
		return err
	}
	t.logger.Info("Telegram chat bound", "chat_id", chatID)
	return nil
}

// Notify sends a price alert notification. Safe to call on a nil notifier.
func (t *TelegramNotifier) Notify(alert *Alert, currentPrice float64) {
	if t == nil {
		return
	}
	chatID, ok, err := t.db.TelegramChat()
	if err != nil {
		t.logger.Error("Failed to read Telegram chat binding", "error", err)
		return
	}
	if !ok {
		t.logger.Warn("No Telegram chat bound, skipping notification", "alert_id", alert.ID)
		return
	}

	var emoji string
	if alert.Direction == DirectionAbove {
		emoji = "\U0001F4C8" // chart increasing
	} else {
		emoji = "\U0001F4C9" // chart decreasing
	}

	text := fmt.Sprintf(
		"%s *%s* crossed %s %.2f\nCurrent: %.2f\nTarget: %.2f (%s)",
		emoji,
		escapeTelegramMarkdown(alert.InstrumentKey),
		string(alert.Direction),
		alert.TargetPrice,
		currentPrice,
		alert.TargetPrice,
		string(alert.Direction),
	)

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.send(msg); err != nil {
		t.logger.Error("Failed to send Telegram notification",
			"alert_id", alert.ID, "chat_id", chatID, "error", err)
		return
	}
	t.logger.Info("Telegram notification sent", "alert_id", alert.ID, "instrument", alert.InstrumentKey)
}
