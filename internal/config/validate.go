package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Delivery timing defaults shared with the app mapping.
const (
	DefaultLease       = 2 * time.Minute
	DefaultSendTimeout = 30 * time.Second
)

// Validate checks enum-like fields, timezones and durations.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "sqlite", "sqlite3", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Notifier.Driver)) {
	case "", "none", "log", "telegram":
	default:
		errs = append(errs, fmt.Errorf("notifier.driver: unknown driver %q", cfg.Notifier.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.Overlap)) {
	case "", "skip", "allow":
	default:
		errs = append(errs, fmt.Errorf("scheduler.overlap: must be skip or allow, got %q", cfg.Scheduler.Overlap))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Delivery.Attempts < 0 {
		errs = append(errs, errors.New("delivery.attempts: must be >= 0"))
	}
	if tc := cfg.Tracing; tc.Enabled && strings.TrimSpace(tc.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint: required when tracing.enabled"))
	}
	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio: must be within [0,1], got %v", r))
	}
	if cfg.Delivery.Concurrency < 0 {
		errs = append(errs, errors.New("delivery.concurrency: must be >= 0"))
	}

	durations := map[string]string{
		"scheduler.run_timeout":       cfg.Scheduler.RunTimeout,
		"pulse.tolerance":             cfg.Pulse.Tolerance,
		"pulse.invite_ttl":            cfg.Pulse.InviteTTL,
		"delivery.backoff_base":       cfg.Delivery.BackoffBase,
		"delivery.backoff_max":        cfg.Delivery.BackoffMax,
		"delivery.poll_interval":      cfg.Delivery.PollInterval,
		"delivery.lease":              cfg.Delivery.Lease,
		"delivery.send_timeout":       cfg.Delivery.SendTimeout,
		"delivery.keep_completed_for": cfg.Delivery.KeepCompletedFor,
		"delivery.keep_failed_for":    cfg.Delivery.KeepFailedFor,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	lease, lerr := ParseDurationOrDefault("delivery.lease", cfg.Delivery.Lease, DefaultLease)
	send, serr := ParseDurationOrDefault("delivery.send_timeout", cfg.Delivery.SendTimeout, DefaultSendTimeout)
	if lerr == nil && serr == nil && lease <= send {
		errs = append(errs, fmt.Errorf("delivery.lease (%s) must be longer than delivery.send_timeout (%s)", lease, send))
	}
	return errors.Join(errs...)
}
