// Package supervisor runs named goroutines under one context with panic
// recovery, first-error capture and optional restart with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "pulsebot/pkg/logx"
)

// Routine is a snapshot of one supervised goroutine.
type Routine struct {
	Name     string
	Running  bool
	Restarts int
	LastErr  string
	Started  time.Time
}

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	minBackoff  time.Duration
	maxBackoff  time.Duration

	mu       sync.Mutex
	routines map[string]*Routine
	firstErr error

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError makes the first routine error cancel the shared context.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

// WithRestartBackoff sets the window GoRestart doubles within. Non-positive values keep the defaults.
func WithRestartBackoff(min, max time.Duration) Option {
	return func(s *Supervisor) {
		if min > 0 {
			s.minBackoff = min
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:        ctx,
		cancel:     cancel,
		log:        logx.Nop(),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		routines:   map[string]*Routine{},
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxBackoff < s.minBackoff {
		s.maxBackoff = s.minBackoff
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error a routine returned, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Routines returns a snapshot of every routine started so far, sorted by name.
func (s *Supervisor) Routines() []Routine {
	s.mu.Lock()
	out := make([]Routine, 0, len(s.routines))
	for _, r := range s.routines {
		out = append(out, *r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Running lists the names of routines that have not returned.
func (s *Supervisor) Running() []string {
	var names []string
	for _, r := range s.Routines() {
		if r.Running {
			names = append(names, r.Name)
		}
	}
	return names
}

// Go runs fn once. A returned error (other than context.Canceled) or a panic is
// recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		if err := s.call(name, fn); err != nil {
			s.fail(name, err)
		}
	})
}

// GoRestart runs fn and starts it again after an error or panic, doubling the
// backoff up to the configured max. A nil return or a canceled context ends it.
// Restart errors are logged, never recorded as the supervisor error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		backoff := s.minBackoff
		for s.ctx.Err() == nil {
			started := time.Now()
			err := s.call(name, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			s.note(name, func(r *Routine) { r.Restarts++; r.LastErr = err.Error() })
			// A routine that stayed up for a while starts over from the short backoff.
			if time.Since(started) >= s.maxBackoff {
				backoff = s.minBackoff
			}
			s.log.Warn("routine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			t := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, s.maxBackoff)
		}
	})
}

func (s *Supervisor) spawn(name string, body func()) {
	s.mu.Lock()
	r, ok := s.routines[name]
	if !ok {
		r = &Routine{Name: name}
		s.routines[name] = r
	}
	r.Running, r.Started = true, time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.note(name, func(r *Routine) { r.Running = false })
		body()
	}()
}

// call runs fn once, converting a panic into an error. context.Canceled maps to nil.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("routine panicked", logx.String("name", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) note(name string, fn func(r *Routine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.routines[name]; ok {
		fn(r)
	}
}

func (s *Supervisor) fail(name string, err error) {
	err = fmt.Errorf("%s: %w", name, err)
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	if r, ok := s.routines[name]; ok {
		r.LastErr = err.Error()
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for every routine, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every routine returned or ctx ends. It returns Err() or ctx.Err().
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
