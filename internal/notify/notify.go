// Package notify sends operator alerts to Telegram.
//
// It is grounded on the teacher pack's NotificationService
// (yohannesjx-sniperterminal/notification_service.go): a thin wrapper
// around go-telegram-bot-api that fires messages asynchronously and
// tolerates a nil/unconfigured bot as a no-op. This sink drops the
// original's interactive approve/discard keyboard and command listener
// (there is no human-in-the-loop trade approval step here — the keeper
// executes autonomously) and instead subscribes directly to the Event Bus
// so every execution-lifecycle event the keeper already publishes reaches
// the operator without a second notification call site.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fundingkeeper/keeper/internal/config"
	"github.com/fundingkeeper/keeper/internal/eventbus"
)

// Sink sends formatted alerts to a single Telegram chat. A nil *Sink (or
// one built from a disabled config) is safe to call Notify on.
type Sink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// New creates a Sink from cfg. If cfg.Enabled is false or the bot token is
// invalid, it returns a Sink whose Notify calls are no-ops rather than an
// error — notification delivery is never allowed to block startup.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Sink {
	logger = logger.With("component", "notify")
	if !cfg.Enabled || cfg.BotToken == "" {
		return &Sink{logger: logger}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Error("telegram bot init failed, notifications disabled", "error", err)
		return &Sink{logger: logger}
	}

	return &Sink{bot: bot, chatID: cfg.ChatID, logger: logger}
}

// Notify sends msg asynchronously. Safe to call on an unconfigured Sink.
func (s *Sink) Notify(msg string) {
	if s == nil || s.bot == nil || s.chatID == 0 {
		return
	}
	go func() {
		cfg := tgbotapi.NewMessage(s.chatID, msg)
		cfg.ParseMode = "Markdown"
		if _, err := s.bot.Send(cfg); err != nil {
			s.logger.Error("telegram send failed", "error", err)
		}
	}()
}

// Subscribe wires the Sink to the events an operator needs paged on:
// execution completion, rollback failure, and single-leg detection.
// Routine per-slice progress is intentionally not forwarded — the
// teacher's Notify is reserved for events worth interrupting a human for.
func (s *Sink) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventExecutionCompleted, func(_ context.Context, ev eventbus.Event) {
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			return
		}
		symbol, _ := payload["symbol"].(string)
		s.Notify(fmt.Sprintf("✅ Execution completed for *%s*", symbol))
	})

	bus.Subscribe(eventbus.EventRollbackFailed, func(_ context.Context, ev eventbus.Event) {
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			return
		}
		symbol, _ := payload["symbol"].(string)
		s.Notify(fmt.Sprintf("🚨 *ROLLBACK FAILED* for %s on %v — single-leg position left outstanding, manual intervention required", symbol, payload["venue"]))
	})

	bus.Subscribe(eventbus.EventSingleLegDetected, func(_ context.Context, ev eventbus.Event) {
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			return
		}
		symbol, _ := payload["symbol"].(string)
		reason, _ := payload["reason"].(string)
		s.Notify(fmt.Sprintf("⚠️ Slice aborted for *%s*: %s", symbol, reason))
	})
}
