package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pulsebot/internal/eventbus"
	"pulsebot/internal/notify"
	logx "pulsebot/pkg/logx"
)

func (q *Queue) worker(ctx context.Context, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		if ctx.Err() != nil {
			return
		}
		cfg := q.config()
		job, ok, err := q.store.Claim(ctx, q.now(), cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("claim failed", logx.Int("worker", idx), logx.Err(err))
		}
		if err != nil || !ok {
			t := time.NewTimer(cfg.PollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-q.wake:
				t.Stop()
			case <-t.C:
			}
			continue
		}
		q.process(ctx, cfg, job, rng)
	}
}

// process runs one attempt of job and settles it. The send itself is detached
// from ctx so Stop lets it finish.
func (q *Queue) process(ctx context.Context, cfg Config, job Job, rng *rand.Rand) {
	job.Attempts++
	start := q.now()
	log := q.log.With(logx.Job(job.ID), logx.Int("attempt", job.Attempts))

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	sendCtx, span := q.tracer.Start(sendCtx, "delivery.attempt", trace.WithAttributes(
		attribute.String("delivery.job", job.ID),
		attribute.Int("delivery.attempt", job.Attempts),
	))
	receipt, err := q.deliver(sendCtx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
	}
	span.End()
	cancel()

	now := q.now()
	dur := now.Sub(start)
	job.UpdatedAt = now
	ev := JobEvent{ID: job.ID, Kind: kindOf(job.Payload), Attempt: job.Attempts, Duration: dur}

	switch {
	case err == nil:
		job.State = StateCompleted
		job.FinishedAt = now
		job.MessageID = receipt.MessageID
		job.LastError = ""
		log.Debug("delivered", logx.String("message_id", receipt.MessageID), logx.Duration("dur", dur))
		q.settle(ctx, job, EventCompleted, ev)

	case IsNoRetry(err) || job.Attempts >= job.MaxAttempts:
		job.State = StateFailed
		job.FinishedAt = now
		job.LastError = err.Error()
		ev.Error = job.LastError
		log.Warn("delivery failed permanently", logx.Int("max_attempts", job.MaxAttempts), logx.Err(err))
		q.settle(ctx, job, EventFailed, ev)

	default:
		delay := backoffDelay(cfg, job.Attempts, err, rng)
		job.State = StateDelayed
		job.RunAt = now.Add(delay)
		job.Backoffs = append(job.Backoffs, delay)
		job.LastError = err.Error()
		ev.Error, ev.Backoff = job.LastError, delay
		log.Info("delivery failed; retry scheduled", logx.Duration("backoff", delay), logx.Err(err))
		q.settle(ctx, job, EventRetry, ev)
	}
}

func (q *Queue) settle(ctx context.Context, job Job, evType string, ev JobEvent) {
	if err := q.store.Settle(context.WithoutCancel(ctx), job); err != nil {
		q.log.Error("settle failed; job will be reclaimed after its lease", logx.Job(job.ID), logx.String("state", string(job.State)), logx.Err(err))
		return
	}
	q.bus.Publish(eventbus.Event{Type: evType, Time: job.UpdatedAt, Data: ev})
}

// deliver renders and sends one job. Panics become errors.
func (q *Queue) deliver(ctx context.Context, job Job) (receipt notify.Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("delivery panic", logx.Job(job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	q.mu.Lock()
	n, render := q.notifier, q.renderer
	q.mu.Unlock()
	if n == nil {
		return notify.Receipt{}, ErrNoNotifier
	}

	var msg notify.Message
	switch p := job.Payload.(type) {
	case *InvitationPayload:
		msg, err = render.RenderInvitation(p)
		if err != nil {
			return notify.Receipt{}, NoRetry(fmt.Errorf("render invitation: %w", err))
		}
	case *DirectPayload:
		msg = notify.Message{Channel: p.Channel, To: p.To, Subject: p.Subject, Text: p.Text, HTML: p.HTML}
	case nil:
		return notify.Receipt{}, NoRetry(ErrNoPayload)
	default:
		return notify.Receipt{}, NoRetry(fmt.Errorf("%w: %T", ErrUnknownPayload, p))
	}
	msg.Ref = job.ID

	receipt, err = n.Send(ctx, msg)
	if err != nil {
		return receipt, err
	}
	if !receipt.Success {
		return receipt, errors.New("notifier reported failure")
	}
	return receipt, nil
}

func kindOf(p Payload) Kind {
	if p == nil {
		return ""
	}
	return p.Kind()
}

// backoffDelay returns base*2^(attempt-1) capped at BackoffMax, or the error's
// RetryAfter hint when it has one.
func backoffDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	if d, ok := retryHint(err); ok {
		return min(d, cfg.BackoffMax)
	}

	d := cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			d = cfg.BackoffMax
			break
		}
	}
	if cfg.BackoffJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.BackoffJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	return d
}

// plainRenderer is used when no template renderer is configured.
type plainRenderer struct{}

func (plainRenderer) RenderInvitation(p *InvitationPayload) (notify.Message, error) {
	if strings.TrimSpace(p.Token) == "" {
		return notify.Message{}, errors.New("invitation has no response token")
	}
	text := fmt.Sprintf("%s\n\nRespond with token %s before %s.", p.QuestionText, p.Token, p.ExpiresAt.Format(time.RFC1123))
	return notify.Message{Channel: p.Channel, To: p.UserID, Subject: "Your weekly pulse", Text: text}, nil
}
