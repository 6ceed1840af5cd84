package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// Notifier pushes monitor alerts to a Telegram chat
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier creates the alert notifier. Returns nil without error when the
// bot token is absent so callers can wire it unconditionally.
func NewNotifier(cfg *config.TelegramConfig) (*Notifier, error) {
	if cfg.BotToken == "" {
		logger.Info("telegram notifier disabled, no bot token")
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	bot.Debug = false

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName))
	return &Notifier{api: bot, chatID: cfg.ChatID}, nil
}

// Notify sends one alert message
func (n *Notifier) Notify(ctx context.Context, alert *models.Alert) error {
	text := fmt.Sprintf("%s *%s*\n%s\n\n_source: %s, %s_",
		levelEmoji(alert.Level),
		escapeMarkdown(alert.Title),
		escapeMarkdown(alert.Message),
		alert.Source,
		alert.Timestamp.Format("2006-01-02 15:04:05"))

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	return nil
}

func levelEmoji(level models.AlertLevel) string {
	switch level {
	case models.AlertCritical:
		return "🚨"
	case models.AlertError:
		return "❌"
	case models.AlertWarn:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
