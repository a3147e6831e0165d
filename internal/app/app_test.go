package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pulsebot/internal/config"
	"pulsebot/internal/pulse"
	"pulsebot/internal/runner"
	logx "pulsebot/pkg/logx"
)

func TestMapRunnerConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.SchedulerConfig
		spec    string
		overlap runner.OverlapPolicy
		timeout time.Duration
		wantErr bool
	}{
		{name: "defaults", spec: DefaultPulseSpec, overlap: runner.OverlapSkip},
		{name: "custom", in: config.SchedulerConfig{PulseSpec: " 0 * * * * ", Overlap: "ALLOW", RunTimeout: "90s", Timezone: "UTC"}, spec: "0 * * * *", overlap: runner.OverlapAllow, timeout: 90 * time.Second},
		{name: "bad timeout", in: config.SchedulerConfig{RunTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rc, js, err := mapRunnerConfig(&config.Config{Scheduler: tt.in})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mapRunnerConfig: %v", err)
			}
			if js.Spec != tt.spec || js.Opt.Overlap != tt.overlap || js.Opt.Timeout != tt.timeout {
				t.Fatalf("job spec = %+v", js)
			}
			if rc.Timezone != tt.in.Timezone {
				t.Fatalf("timezone = %q", rc.Timezone)
			}
		})
	}
}

func TestMapPulseConfig(t *testing.T) {
	t.Parallel()
	pc, err := mapPulseConfig(&config.Config{Scheduler: config.SchedulerConfig{Timezone: "UTC"}, Pulse: config.PulseConfig{Channel: "telegram", Tolerance: "5m"}})
	if err != nil {
		t.Fatalf("mapPulseConfig: %v", err)
	}
	if pc.Channel != pulse.ChannelTelegram || pc.Tolerance != 5*time.Minute || pc.InviteTTL != 7*24*time.Hour || pc.Location != time.UTC {
		t.Fatalf("pulse config = %+v", pc)
	}
	pc, err = mapPulseConfig(&config.Config{})
	if err != nil || pc.Channel != pulse.ChannelEmail || pc.Tolerance != 15*time.Minute {
		t.Fatalf("defaults = %+v %v", pc, err)
	}
	if _, err := mapPulseConfig(&config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}}); err == nil {
		t.Fatal("expected unknown timezone error")
	}
}

func TestMapDeliveryConfig(t *testing.T) {
	t.Parallel()
	dc, err := mapDeliveryConfig(&config.Config{Delivery: config.DeliveryConfig{Attempts: 4, BackoffBase: "1s", KeepFailed: 5}})
	if err != nil {
		t.Fatalf("mapDeliveryConfig: %v", err)
	}
	if dc.Attempts != 4 || dc.BackoffBase != time.Second || dc.BackoffMax != 5*time.Minute || dc.SendTimeout != 30*time.Second {
		t.Fatalf("delivery config = %+v", dc)
	}
	if dc.Retention.KeepFailed != 5 || dc.Retention.KeepCompleted != 100 || dc.Retention.KeepFailedFor != 7*24*time.Hour {
		t.Fatalf("retention = %+v", dc.Retention)
	}
	if _, err := mapDeliveryConfig(&config.Config{Delivery: config.DeliveryConfig{Lease: "x"}}); err == nil {
		t.Fatal("expected lease parse error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{name: "memory", in: config.StorageConfig{}, driver: ""},
		{name: "sqlite", in: config.StorageConfig{Driver: "SQLite", Path: "x.db"}, driver: "sqlite"},
		{name: "sqlite without path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "postgres without dsn", in: config.StorageConfig{Driver: "postgres"}, wantErr: true},
		{name: "bad busy timeout", in: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "long"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && sc.Driver != tt.driver {
				t.Fatalf("driver = %q, want %q", sc.Driver, tt.driver)
			}
		})
	}
}

func TestMapRedisConfig(t *testing.T) {
	t.Parallel()
	if _, ok := mapRedisConfig(&config.Config{}); ok {
		t.Fatal("empty addr should keep the queue in memory")
	}
	rc, ok := mapRedisConfig(&config.Config{Delivery: config.DeliveryConfig{Redis: config.RedisConfig{Addr: "127.0.0.1:6379", DB: 2, Prefix: "p"}}})
	if !ok || rc.Addr != "127.0.0.1:6379" || rc.DB != 2 || rc.Prefix != "p" {
		t.Fatalf("redis config = %+v %v", rc, ok)
	}
}

func TestMapTracingConfig(t *testing.T) {
	t.Parallel()
	tc := mapTracingConfig(&config.Config{Tracing: config.TracingConfig{Enabled: true, Endpoint: " otel:4318 ", SampleRatio: 0.25}})
	if !tc.Enabled || tc.Endpoint != "otel:4318" || tc.SampleRatio != 0.25 {
		t.Fatalf("tracing config = %+v", tc)
	}
}

func TestBuildNotifier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		driver  string
		wantNil bool
		wantErr bool
	}{
		{driver: "", wantNil: true},
		{driver: "none", wantNil: true},
		{driver: "log"},
		{driver: "telegram", wantErr: true},
		{driver: "pigeon", wantErr: true},
	}
	for _, tt := range tests {
		n, err := buildNotifier(&config.Config{Notifier: config.NotifierConfig{Driver: tt.driver}}, logx.Nop())
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err = %v", tt.driver, err)
		}
		if err == nil && (n == nil) != tt.wantNil {
			t.Fatalf("%q: notifier = %v", tt.driver, n)
		}
	}
}

func TestRestartOnly(t *testing.T) {
	t.Parallel()
	prev := &config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "a.db"}, Pulse: config.PulseConfig{Channel: "EMAIL"}}
	next := &config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "b.db"}, Notifier: config.NotifierConfig{Driver: "log"}}
	c := config.Change{Prev: prev, Next: next, Sections: config.ChangedSections(prev, next)}
	got := restartOnly(c)
	if len(got) != 2 || got[0] != config.SectionStorage || got[1] != config.SectionNotifier {
		t.Fatalf("restartOnly = %v", got)
	}
	if !c.Has(config.SectionPulse) {
		t.Fatalf("pulse change not reported: %v", c.Sections)
	}
}

func TestTriggerDeliversInvitations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Now().UTC()
	if now.Hour() == 23 && now.Minute() == 59 {
		// Keep the slot and the tick on the same weekday.
		time.Sleep(time.Until(now.Truncate(time.Minute).Add(time.Minute + time.Second)))
		now = time.Now().UTC()
	}

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
		Storage:   config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pulse.db")},
		Notifier:  config.NotifierConfig{Driver: "log"},
		Delivery:  config.DeliveryConfig{PollInterval: "10ms"},
		Render:    config.RenderConfig{BaseURL: "https://pulse.example.com"},
	}
	a, err := build(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st := a.Store()
	if err := st.UpsertSchedule(ctx, pulse.Schedule{ID: "s1", TenantID: "acme", DayOfWeek: int(now.Weekday()), TimeOfDay: now.Format("15:04"), Enabled: true, CreatedAt: now}); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	if err := st.UpsertQuestion(ctx, pulse.Question{ID: "q1", TenantID: "acme", Text: "How was your week?", Active: true, CreatedAt: now}); err != nil {
		t.Fatalf("UpsertQuestion: %v", err)
	}
	if err := st.UpsertCohort(ctx, pulse.Cohort{TenantID: "acme", Name: pulse.AllCohort, UserIDs: []string{"u1", "u2", "u3"}}); err != nil {
		t.Fatalf("UpsertCohort: %v", err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopTriggerRun)

	if err := a.Trigger(ctx, PulseJobName); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Drain(dctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	m, err := a.Queue().GetMetrics(ctx)
	if err != nil || m.Completed != 3 || m.Failed != 0 {
		t.Fatalf("queue metrics = %+v %v", m, err)
	}
	invites, err := st.ListInvites(ctx, "acme")
	if err != nil || len(invites) != 3 {
		t.Fatalf("invites = %d %v", len(invites), err)
	}

	if err := a.Trigger(ctx, "nope"); !errors.Is(err, runner.ErrUnknownJob) {
		t.Fatalf("unknown job err = %v", err)
	}
}
