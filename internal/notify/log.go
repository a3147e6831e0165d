package notify

import (
	"context"

	"github.com/google/uuid"

	logx "pulsebot/pkg/logx"
)

// LogNotifier writes messages to the log instead of sending them. Used in dev
// and when no real transport is configured.
type LogNotifier struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *LogNotifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	id := uuid.NewString()
	n.log.Info("message sent (log transport)",
		logx.String("id", id),
		logx.String("ref", msg.Ref),
		logx.String("channel", msg.Channel),
		logx.String("to", msg.To),
		logx.String("subject", msg.Subject),
		logx.Int("text_len", len(msg.Text)),
	)
	return Receipt{Success: true, MessageID: id}, nil
}
