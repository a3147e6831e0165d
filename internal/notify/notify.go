// Package notify holds the transports delivery workers hand rendered messages to.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnsupportedChannel = errors.New("notify: unsupported channel")
	ErrNoRecipient        = errors.New("notify: message has no recipient")
)

// Message is a fully rendered message.
type Message struct {
	Channel string
	To      string
	Subject string
	Text    string
	HTML    string
	// Ref is an opaque correlation id (the delivery job ID).
	Ref string
}

// Receipt is the transport's acknowledgement.
type Receipt struct {
	Success   bool
	MessageID string
}

type Notifier interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, msg Message) (Receipt, error)

func (f Func) Send(ctx context.Context, msg Message) (Receipt, error) { return f(ctx, msg) }

// RateLimitError reports that the transport asked us to slow down.
// It carries the suggested wait so retrying callers can honor it.
type RateLimitError struct {
	Err   error
	After time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry in %s): %v", e.After, e.Err)
}
func (e *RateLimitError) Unwrap() error             { return e.Err }
func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

// Multi routes messages to a notifier by channel. Channel names are case-insensitive.
type Multi struct {
	routes   map[string]Notifier
	fallback Notifier
}

func NewMulti(fallback Notifier) *Multi {
	return &Multi{routes: map[string]Notifier{}, fallback: fallback}
}

// Route registers n for channel and returns m for chaining.
func (m *Multi) Route(channel string, n Notifier) *Multi {
	m.routes[strings.ToUpper(strings.TrimSpace(channel))] = n
	return m
}

func (m *Multi) Send(ctx context.Context, msg Message) (Receipt, error) {
	n, ok := m.routes[strings.ToUpper(strings.TrimSpace(msg.Channel))]
	if !ok {
		n = m.fallback
	}
	if n == nil {
		return Receipt{}, fmt.Errorf("%w: %q", ErrUnsupportedChannel, msg.Channel)
	}
	return n.Send(ctx, msg)
}
