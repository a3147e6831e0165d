package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "2s", "15m", "168h").
// Omitted fields fall back to the defaults documented on each section.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pulse     PulseConfig     `json:"pulse"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  NotifierConfig  `json:"notifier"`
	Render    RenderConfig    `json:"render"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Tracing   TracingConfig   `json:"tracing,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the job runner.
//
// Defaults:
//   - timezone: process local
//   - pulse_spec: "*/15 * * * *"
//   - overlap: "skip"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA zone name, e.g. "Europe/Berlin".
	Timezone  string `json:"timezone,omitempty"`
	PulseSpec string `json:"pulse_spec,omitempty"`
	// Overlap is "skip" (drop a tick while the previous run is in-flight) or "allow".
	Overlap string `json:"overlap,omitempty"`
	// RunTimeout bounds a single job run. "0s" disables it.
	RunTimeout string `json:"run_timeout,omitempty"`
}

// PulseConfig controls invitation creation.
//
// Defaults:
//   - tolerance: "15m"
//   - invite_ttl: "168h"
//   - channel: "EMAIL"
//   - concurrency: 4
type PulseConfig struct {
	Tolerance   string `json:"tolerance,omitempty"`
	InviteTTL   string `json:"invite_ttl,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// DeliveryConfig controls the delivery queue.
//
// Defaults:
//   - attempts: 3
//   - backoff_base: "2s", backoff_max: "5m"
//   - concurrency: 5
//   - poll_interval: "500ms", lease: "2m", send_timeout: "30s"
//
// lease must be longer than send_timeout or an in-flight send could be
// reclaimed by another worker.
//   - keep_completed: 100 for "24h"; keep_failed: 1000 for "168h"
type DeliveryConfig struct {
	Attempts         int         `json:"attempts,omitempty"`
	BackoffBase      string      `json:"backoff_base,omitempty"`
	BackoffMax       string      `json:"backoff_max,omitempty"`
	Concurrency      int         `json:"concurrency,omitempty"`
	PollInterval     string      `json:"poll_interval,omitempty"`
	Lease            string      `json:"lease,omitempty"`
	SendTimeout      string      `json:"send_timeout,omitempty"`
	KeepCompleted    int         `json:"keep_completed,omitempty"`
	KeepCompletedFor string      `json:"keep_completed_for,omitempty"`
	KeepFailed       int         `json:"keep_failed,omitempty"`
	KeepFailedFor    string      `json:"keep_failed_for,omitempty"`
	Redis            RedisConfig `json:"redis"`
}

// RedisConfig selects the durable queue backend. Empty Addr keeps the queue in memory.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// StorageConfig selects the invitation store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig selects the message transport. Driver "none" (or empty) leaves
// the delivery queue accepting jobs without starting workers.
type NotifierConfig struct {
	Driver     string         `json:"driver"`
	RatePerSec int            `json:"rate_per_sec,omitempty"`
	Telegram   TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
	// ChatID receives messages whose recipient is not a numeric chat id.
	ChatID int64 `json:"chat_id,omitempty"`
}

type RenderConfig struct {
	BaseURL      string `json:"base_url"`
	Subject      string `json:"subject,omitempty"`
	TemplatesDir string `json:"templates_dir,omitempty"`
}

// TracingConfig exports OpenTelemetry spans over OTLP/HTTP. Disabled by default.
//
// Example:
//
//	"tracing": { "enabled": true, "endpoint": "otel-collector:4318", "insecure": true }
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
	// ServiceName defaults to "pulsebot".
	ServiceName string `json:"service_name,omitempty"`
	// SampleRatio is the fraction of root traces kept; 0 means 1.
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

// MetricsConfig enables the ops HTTP listener (/metrics, /healthz). Empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}
