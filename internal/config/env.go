package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the knobs deployments usually inject from the environment
// (secrets and per-host addresses). Non-empty values win over the file.
type envOverrides struct {
	LogLevel      string `env:"PULSE_LOG_LEVEL"`
	Timezone      string `env:"PULSE_TIMEZONE"`
	StorageDriver string `env:"PULSE_STORAGE_DRIVER"`
	StoragePath   string `env:"PULSE_STORAGE_PATH"`
	DatabaseDSN   string `env:"PULSE_DATABASE_DSN"`
	RedisAddr     string `env:"PULSE_REDIS_ADDR"`
	RedisPassword string `env:"PULSE_REDIS_PASSWORD"`
	Notifier      string `env:"PULSE_NOTIFIER"`
	TelegramToken string `env:"PULSE_TELEGRAM_TOKEN"`
	TelegramChat  string `env:"PULSE_TELEGRAM_CHAT_ID"`
	BaseURL       string `env:"PULSE_BASE_URL"`
	MetricsAddr   string `env:"PULSE_METRICS_ADDR"`
	OTLPEndpoint  string `env:"PULSE_OTLP_ENDPOINT"`
}

// ApplyEnv overlays PULSE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Scheduler.Timezone, o.Timezone)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Storage.DSN, o.DatabaseDSN)
	set(&cfg.Delivery.Redis.Addr, o.RedisAddr)
	set(&cfg.Delivery.Redis.Password, o.RedisPassword)
	set(&cfg.Notifier.Driver, o.Notifier)
	set(&cfg.Notifier.Telegram.Token, o.TelegramToken)
	set(&cfg.Render.BaseURL, o.BaseURL)
	set(&cfg.Metrics.Addr, o.MetricsAddr)
	set(&cfg.Tracing.Endpoint, o.OTLPEndpoint)
	if v := strings.TrimSpace(o.TelegramChat); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PULSE_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notifier.Telegram.ChatID = id
	}
	return nil
}
