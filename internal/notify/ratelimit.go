package notify

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrThrottled is wrapped in the RateLimitError returned when the local
// limiter has no token soon enough.
var ErrThrottled = errors.New("notify: local send rate exceeded")

// DefaultMaxWait is how long RateLimited blocks for a token before it hands
// the delay back to the caller.
const DefaultMaxWait = time.Second

// RateLimited throttles sends to an underlying notifier. Short waits happen in
// place; longer ones return a RateLimitError so a retrying queue reschedules
// the send instead of holding a worker.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewRateLimited allows perSec sends per second with a burst of perSec.
// perSec <= 0 returns next unwrapped.
func NewRateLimited(next Notifier, perSec int) Notifier {
	if perSec <= 0 {
		return next
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSec), perSec), maxWait: DefaultMaxWait}
}

func (r *RateLimited) Send(ctx context.Context, msg Message) (Receipt, error) {
	res := r.limiter.Reserve()
	delay := res.Delay()
	if delay > 0 {
		limit := r.maxWait
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
			limit = time.Until(dl)
		}
		if delay > limit {
			res.Cancel()
			return Receipt{}, &RateLimitError{Err: ErrThrottled, After: delay}
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			res.Cancel()
			return Receipt{}, ctx.Err()
		case <-t.C:
		}
	}
	return r.next.Send(ctx, msg)
}
