package app

import (
	"fmt"
	"strings"

	"pulsebot/internal/config"
	"pulsebot/internal/notify"
	"pulsebot/internal/pulse"
	logx "pulsebot/pkg/logx"
)

// buildNotifier maps notifier config to a transport. Driver "none" (or empty)
// returns nil: the queue then accepts jobs without sending them.
func buildNotifier(cfg *config.Config, log logx.Logger) (notify.Notifier, error) {
	nc := cfg.Notifier
	logN := notify.NewLog(log.With(logx.Component("notify.log")))

	var n notify.Notifier
	switch strings.ToLower(strings.TrimSpace(nc.Driver)) {
	case "", "none":
		return nil, nil
	case "log":
		n = logN
	case "telegram":
		tg, err := notify.NewTelegram(notify.TelegramConfig{Token: nc.Telegram.Token, ChatID: nc.Telegram.ChatID})
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		// Telegram carries every channel; "LOG" stays local for smoke tests.
		n = notify.NewMulti(tg).
			Route(string(pulse.ChannelTelegram), tg).
			Route("LOG", logN)
	default:
		return nil, fmt.Errorf("notifier.driver: unknown driver %q", nc.Driver)
	}
	return notify.NewRateLimited(n, nc.RatePerSec), nil
}
