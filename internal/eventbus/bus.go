// Package eventbus is an in-process fan-out of lifecycle events: the pulse job
// publishes tick summaries, the delivery queue publishes job outcomes and the
// metrics collector consumes both.
//
// Publish never blocks. Each subscriber has a bounded buffer; when it is full
// the event is dropped for that subscriber and counted in Dropped.
package eventbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	// Type is dot-separated, e.g. "pulse.tick" or "delivery.failed".
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives events whose Type starts with one of prefixes, or
	// every event when none are given.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts events discarded because a subscriber buffer was full.
	Dropped() uint64
}

const defaultBuffer = 64

func New() Bus { return &memBus{subs: map[*sub]struct{}{}} }

type sub struct {
	ch       chan Event
	prefixes []string
}

func (s *sub) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	// mu is held for reading while sending so unsubscribe cannot close a
	// channel mid-send.
	mu      sync.RWMutex
	subs    map[*sub]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &sub{ch: make(chan Event, buffer), prefixes: append([]string(nil), prefixes...)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Consume calls fn for every event matching prefixes until ctx is done.
func Consume(ctx context.Context, bus Bus, buffer int, fn func(Event), prefixes ...string) {
	if bus == nil || fn == nil {
		return
	}
	ch, unsub := bus.Subscribe(buffer, prefixes...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fn(e)
		}
	}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event)   {}
func (nopBus) Dropped() uint64 { return 0 }

func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
