package delivery

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAttemptErrorClassification(t *testing.T) {
	t.Parallel()
	base := errors.New("smtp 550")
	tests := []struct {
		name      string
		err       error
		permanent bool
		hint      time.Duration
		hinted    bool
	}{
		{name: "plain", err: base},
		{name: "no retry", err: NoRetry(base), permanent: true},
		{name: "wrapped no retry", err: fmt.Errorf("send: %w", NoRetry(base)), permanent: true},
		{name: "retry after", err: RetryAfter(base, 2*time.Second), hint: 2 * time.Second, hinted: true},
		{name: "negative hint", err: RetryAfter(base, -time.Second), hinted: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsNoRetry(tt.err); got != tt.permanent {
				t.Fatalf("IsNoRetry = %v", got)
			}
			d, ok := retryHint(tt.err)
			if ok != tt.hinted || d != tt.hint {
				t.Fatalf("retryHint = %s %v", d, ok)
			}
			if !errors.Is(tt.err, base) {
				t.Fatal("cause lost")
			}
		})
	}
	if NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("nil errors must stay nil")
	}
}
