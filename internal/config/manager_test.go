package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "pulse.yaml", `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: UTC
  pulse_spec: "*/5 * * * *"
pulse:
  tolerance: 10m
delivery:
  attempts: 4
  backoff_base: 1s
storage:
  driver: sqlite
  path: ./pulse.db
notifier:
  driver: log
render:
  base_url: https://pulse.example.com
`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.PulseSpec != "*/5 * * * *" {
		t.Fatalf("PulseSpec = %q", cfg.Scheduler.PulseSpec)
	}
	if cfg.Delivery.Attempts != 4 {
		t.Fatalf("Attempts = %d, want 4", cfg.Delivery.Attempts)
	}
	if m.Get() != cfg {
		t.Fatal("Get() should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "pulse.json", `{"scheduler": {"enabled": true, "workers": 3}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "pulse.json", `{"storage": {"driver": "memory"}}{}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseRejectsDuplicateYAMLKeys(t *testing.T) {
	path := writeFile(t, "pulse.yaml", "storage:\n  driver: sqlite\n  driver: postgres\n")
	_, err := NewConfigManager(path).Parse()
	if err == nil || !strings.Contains(err.Error(), `"driver"`) {
		t.Fatalf("err = %v, want duplicate key error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty ok", cfg: Config{}},
		{name: "bad storage", cfg: Config{Storage: StorageConfig{Driver: "mongo"}}, wantErr: "storage.driver"},
		{name: "bad notifier", cfg: Config{Notifier: NotifierConfig{Driver: "pigeon"}}, wantErr: "notifier.driver"},
		{name: "bad timezone", cfg: Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, wantErr: "scheduler.timezone"},
		{name: "bad duration", cfg: Config{Pulse: PulseConfig{Tolerance: "soon"}}, wantErr: "pulse.tolerance"},
		{name: "bad overlap", cfg: Config{Scheduler: SchedulerConfig{Overlap: "queue"}}, wantErr: "scheduler.overlap"},
		{name: "tracing without endpoint", cfg: Config{Tracing: TracingConfig{Enabled: true}}, wantErr: "tracing.endpoint"},
		{name: "bad sample ratio", cfg: Config{Tracing: TracingConfig{SampleRatio: 1.5}}, wantErr: "tracing.sample_ratio"},
		{name: "lease not longer than send timeout", cfg: Config{Delivery: DeliveryConfig{Lease: "10s"}}, wantErr: "delivery.send_timeout"},
		{name: "short lease with shorter send timeout", cfg: Config{Delivery: DeliveryConfig{Lease: "40s", SendTimeout: "20s"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PULSE_REDIS_ADDR", "redis:6379")
	t.Setenv("PULSE_TELEGRAM_CHAT_ID", "-100123")
	t.Setenv("PULSE_LOG_LEVEL", "warn")

	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Delivery.Redis.Addr != "redis:6379" {
		t.Fatalf("redis addr = %q", cfg.Delivery.Redis.Addr)
	}
	if cfg.Notifier.Telegram.ChatID != -100123 {
		t.Fatalf("chat id = %d", cfg.Notifier.Telegram.ChatID)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}

	t.Setenv("PULSE_TELEGRAM_CHAT_ID", "not-a-number")
	if err := ApplyEnv(cfg); err == nil {
		t.Fatal("expected error for bad chat id")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 2*time.Second)
	if err != nil || d != 2*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", time.Second)
	if err != nil || d != 90*time.Second {
		t.Fatalf("explicit: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestParseDurationDays(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: "1d12h", want: 36 * time.Hour},
		{in: " 0d ", want: 0},
		{in: "90m", want: 90 * time.Minute},
		{in: "2d-1h", wantErr: true},
		{in: "xd", wantErr: true},
		{in: "d", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDuration(%q) err = %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReloadPublishesChangedSections(t *testing.T) {
	t.Setenv("PULSE_TEST_BASE_URL", "https://a.example.com")
	path := writeFile(t, "pulse.yaml", `
scheduler:
  pulse_spec: "*/15 * * * *"
render:
  base_url: ${PULSE_TEST_BASE_URL}
`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Render.BaseURL != "https://a.example.com" {
		t.Fatalf("base_url = %q", cfg.Render.BaseURL)
	}

	sub, cancel := m.Subscribe(1)
	defer cancel()

	c, err := m.Reload()
	if err != nil || len(c.Sections) != 0 {
		t.Fatalf("unchanged reload = %+v %v", c.Sections, err)
	}
	select {
	case got := <-sub:
		t.Fatalf("unexpected publish: %+v", got.Sections)
	default:
	}

	if err := os.WriteFile(path, []byte(`
scheduler:
  pulse_spec: "*/5 * * * *"
  timezone: UTC
render:
  base_url: ${PULSE_TEST_BASE_URL}
`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	got := <-sub
	if !got.Has(SectionSchedulerSpec) || !got.Has(SectionScheduler) || got.Has(SectionRender) {
		t.Fatalf("sections = %v", got.Sections)
	}
	if got.Prev != cfg || m.Get() != got.Next {
		t.Fatal("change does not carry the committed configs")
	}

	if err := os.WriteFile(path, []byte(`{"bogus": true}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
	if m.Get() != got.Next {
		t.Fatal("rejected config must not be committed")
	}
}

func TestSubscribeKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.yaml")
	sub, cancel := m.Subscribe(1)
	m.publish(Change{Sections: []string{"first"}})
	m.publish(Change{Sections: []string{"second"}})
	if got := <-sub; !got.Has("second") {
		t.Fatalf("got %v, want latest change", got.Sections)
	}
	cancel()
	cancel()
	if _, ok := <-sub; ok {
		t.Fatal("channel should be closed after cancel")
	}
	m.publish(Change{})
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	base := Config{Delivery: DeliveryConfig{Attempts: 3}, Metrics: MetricsConfig{Addr: ":9090"}}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   []string
	}{
		{name: "none", mutate: func(*Config) {}, want: nil},
		{name: "redis only", mutate: func(c *Config) { c.Delivery.Redis.Addr = "r:6379" }, want: []string{SectionRedis}},
		{name: "delivery only", mutate: func(c *Config) { c.Delivery.Attempts = 5 }, want: []string{SectionDelivery}},
		{name: "logging and metrics", mutate: func(c *Config) { c.Logging.Level = "debug"; c.Metrics.Addr = "" }, want: []string{SectionLogging, SectionMetrics}},
		{name: "tracing", mutate: func(c *Config) { c.Tracing.Enabled = true }, want: []string{SectionTracing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			prev, next := base, base
			tt.mutate(&next)
			got := ChangedSections(&prev, &next)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("ChangedSections = %v, want %v", got, tt.want)
			}
		})
	}
	if len(ChangedSections(nil, &base)) == 0 {
		t.Fatal("nil prev should report sections")
	}
}
