package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token string
	// ChatID receives messages whose To is empty or not a numeric chat id.
	ChatID int64
}

// TelegramNotifier sends messages through the Telegram Bot API. It never polls
// for updates.
type TelegramNotifier struct {
	cfg TelegramConfig
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*TelegramNotifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramNotifier{cfg: cfg, bot: b}, nil
}

func (n *TelegramNotifier) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	chatID := n.cfg.ChatID
	if id, err := strconv.ParseInt(strings.TrimSpace(msg.To), 10, 64); err == nil {
		chatID = id
	}
	if chatID == 0 {
		return Receipt{}, ErrNoRecipient
	}

	text, opt := telegramBody(msg)
	sent, err := n.bot.Send(&tele.Chat{ID: chatID}, text, opt)
	if err != nil {
		var flood tele.FloodError
		if errors.As(err, &flood) {
			return Receipt{}, &RateLimitError{Err: err, After: time.Duration(flood.RetryAfter) * time.Second}
		}
		return Receipt{}, fmt.Errorf("telegram send: %w", err)
	}
	return Receipt{Success: true, MessageID: strconv.Itoa(sent.ID)}, nil
}

func telegramBody(msg Message) (string, *tele.SendOptions) {
	// Email HTML is not valid Telegram HTML; send the plain text part.
	opt := &tele.SendOptions{DisableWebPagePreview: true}
	text := msg.Text
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + text
	}
	return text, opt
}
