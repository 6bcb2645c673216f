// Package alert is the ambient notification sink: a Notifier interface
// the engine calls on startup, shutdown and handler errors (its
// emergency-stop and reconnect methods are not called by the engine),
// with a Telegram implementation
// grounded on the teacher's bot.TelegramBot.
package alert

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

var alertLog = log.With().Str("component", "alert").Logger()

// Notifier is the capability the engine depends on; NopNotifier
// satisfies it for test/dry-run wiring without a bot token configured.
type Notifier interface {
	NotifyStartup(mode string)
	NotifyShutdown(reason string)
	NotifyEmergencyStop(reason string)
	NotifyReconnect(venue string, attempt int)
	NotifyError(component string, err error)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) NotifyStartup(string)       {}
func (NopNotifier) NotifyShutdown(string)      {}
func (NopNotifier) NotifyEmergencyStop(string) {}
func (NopNotifier) NotifyReconnect(string, int) {}
func (NopNotifier) NotifyError(string, error)  {}

// TelegramNotifier sends each event as a chat message — grounded on the
// teacher's TelegramBot.Notify* methods, generalized from trading
// signals to the copy-trading engine's own lifecycle/alert events.
type TelegramNotifier struct {
	mu     sync.Mutex
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier constructs a TelegramNotifier from the
// TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID environment variables, the same
// configuration surface the teacher's bot.NewTelegramBot reads.
func NewTelegramNotifier() (*TelegramNotifier, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("alert: TELEGRAM_BOT_TOKEN not set")
	}
	chatIDStr := os.Getenv("TELEGRAM_CHAT_ID")
	if chatIDStr == "" {
		return nil, fmt.Errorf("alert: TELEGRAM_CHAT_ID not set")
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("alert: invalid TELEGRAM_CHAT_ID: %w", err)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("alert: create bot: %w", err)
	}
	return &TelegramNotifier{api: api, chatID: chatID}, nil
}

func (t *TelegramNotifier) send(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		alertLog.Warn().Err(err).Msg("failed to send telegram notification")
	}
}

func (t *TelegramNotifier) NotifyStartup(mode string) {
	t.send(fmt.Sprintf("🚀 *Copy trader started*\nmode: `%s`", mode))
}

func (t *TelegramNotifier) NotifyShutdown(reason string) {
	t.send(fmt.Sprintf("🛑 *Copy trader shutting down*\n%s", reason))
}

func (t *TelegramNotifier) NotifyEmergencyStop(reason string) {
	t.send(fmt.Sprintf("🔴 *Emergency stop tripped*\n%s", reason))
}

func (t *TelegramNotifier) NotifyReconnect(venue string, attempt int) {
	t.send(fmt.Sprintf("🔄 *%s feed reconnecting* (attempt %d)", venue, attempt))
}

func (t *TelegramNotifier) NotifyError(component string, err error) {
	t.send(fmt.Sprintf("⚠️ *%s error*\n`%s`", component, err.Error()))
}
