package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	logx "pulsebot/pkg/logx"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRegisterDuplicateIsNoop(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())

	var first, second atomic.Int32
	if !r.Register("pulse", "*/5 * * * *", func(context.Context) error { first.Add(1); return nil }) {
		t.Fatal("first register should succeed")
	}
	if r.Register("pulse", "* * * * *", func(context.Context) error { second.Add(1); return nil }) {
		t.Fatal("duplicate register should be ignored")
	}

	st := r.Status()
	if len(st) != 1 {
		t.Fatalf("jobs = %d, want 1", len(st))
	}
	if st[0].Spec != "*/5 * * * *" {
		t.Fatalf("spec = %q, first registration should win", st[0].Spec)
	}
	if err := r.Trigger(context.Background(), "pulse"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if first.Load() != 1 || second.Load() != 0 {
		t.Fatalf("first=%d second=%d", first.Load(), second.Load())
	}
}

func TestStartSkipsInvalidSpec(t *testing.T) {
	t.Parallel()
	r := New(Config{Timezone: "UTC"}, logx.Nop())
	r.Register("broken", "every tuesday-ish", func(context.Context) error { return nil })
	r.Register("ok", "*/5 * * * *", func(context.Context) error { return nil })

	err := r.Start(context.Background())
	defer r.Stop(context.Background())
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("Start err = %v, want ErrInvalidSpec", err)
	}

	broken, _ := r.StatusOf("broken")
	ok, _ := r.StatusOf("ok")
	if broken.State != StateRegistered {
		t.Fatalf("broken state = %s, want registered", broken.State)
	}
	if ok.State != StateRunning {
		t.Fatalf("ok state = %s, want running", ok.State)
	}
	if ok.Next.IsZero() {
		t.Fatal("running job should report a next fire time")
	}
}

func TestFailingJobDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())

	var bad, good atomic.Int32
	r.Register("bad", "@every 1s", func(context.Context) error {
		if bad.Add(1)%2 == 0 {
			panic("boom")
		}
		return errors.New("db unavailable")
	})
	r.Register("good", "@every 1s", func(context.Context) error {
		good.Add(1)
		return nil
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		b, _ := r.StatusOf("bad")
		g, _ := r.StatusOf("good")
		return b.Failures >= 2 && g.Runs >= 2
	})

	for _, st := range r.Status() {
		if st.State != StateRunning {
			t.Fatalf("%s state = %s, want running", st.Name, st.State)
		}
	}
	st, _ := r.StatusOf("bad")
	if st.Failures < 2 || st.LastError == "" {
		t.Fatalf("bad failures=%d lastErr=%q", st.Failures, st.LastError)
	}
}

func TestTriggerPropagatesError(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())
	wantErr := errors.New("repository down")
	r.Register("pulse", "0 9 * * *", func(context.Context) error { return wantErr })

	if err := r.Trigger(context.Background(), "pulse"); !errors.Is(err, wantErr) {
		t.Fatalf("Trigger err = %v, want %v", err, wantErr)
	}
	if err := r.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Trigger unknown err = %v, want ErrUnknownJob", err)
	}

	r.Register("panics", "0 9 * * *", func(context.Context) error { panic("kaboom") })
	if err := r.Trigger(context.Background(), "panics"); err == nil {
		t.Fatal("panic should surface as an error from Trigger")
	}
}

func TestStopWaitsForInflight(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())

	started := make(chan struct{}, 1)
	var finished, canceled atomic.Bool
	r.Register("slow", "@every 1s", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
			return nil
		}
		time.Sleep(300 * time.Millisecond)
		if ctx.Err() != nil {
			canceled.Store(true)
		}
		finished.Store(true)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	r.Stop(context.Background())

	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight run finished")
	}
	if canceled.Load() {
		t.Fatal("in-flight run saw a canceled context")
	}
	st, _ := r.StatusOf("slow")
	if st.State != StateStopped {
		t.Fatalf("state = %s, want stopped", st.State)
	}
}

func TestPreviewNext(t *testing.T) {
	t.Parallel()
	r := New(Config{Timezone: "UTC"}, logx.Nop())
	r.Register("pulse", "*/5 * * * *", func(context.Context) error { return nil })

	from := time.Date(2024, 1, 1, 9, 2, 0, 0, time.UTC)
	got, err := r.PreviewNext("pulse", from, 3)
	if err != nil {
		t.Fatalf("PreviewNext: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 1, 1, 9, 5, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 9, 10, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d times, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("next[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestApplyTimezoneReschedules(t *testing.T) {
	t.Parallel()
	r := New(Config{Timezone: "UTC"}, logx.Nop())
	r.Register("pulse", "0 9 * * *", func(context.Context) error { return nil })
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	r.Apply(Config{Timezone: "Asia/Tokyo"})
	if got := r.Location().String(); got != "Asia/Tokyo" {
		t.Fatalf("location = %s", got)
	}
	st, ok := r.StatusOf("pulse")
	if !ok || st.State != StateRunning {
		t.Fatalf("status = %+v %v", st, ok)
	}
	if st.Next.IsZero() {
		t.Fatal("job has no next run after reschedule")
	}
	if h := st.Next.In(r.Location()).Hour(); h != 9 {
		t.Fatalf("next run hour in Tokyo = %d, want 9", h)
	}
}

func TestApplyDoesNotWaitForInFlightRun(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var finished atomic.Bool
	r := New(Config{Timezone: "UTC"}, logx.Nop())
	r.Register("slow", "* * * * * *", func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		finished.Store(true)
		return nil
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}

	applied := make(chan struct{})
	go func() {
		r.Apply(Config{Timezone: "Asia/Tokyo"})
		_ = r.Status()
		close(applied)
	}()
	select {
	case <-applied:
	case <-time.After(time.Second):
		close(release)
		t.Fatal("Apply blocked on an in-flight run")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.Stop(ctx)
	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight run finished")
	}
}
