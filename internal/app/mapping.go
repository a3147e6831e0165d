package app

import (
	"fmt"
	"strings"
	"time"

	"pulsebot/internal/config"
	"pulsebot/internal/delivery"
	"pulsebot/internal/pulse"
	"pulsebot/internal/render"
	"pulsebot/internal/runner"
	"pulsebot/internal/storage"
	"pulsebot/internal/tracing"
	logx "pulsebot/pkg/logx"
)

const (
	PulseJobName     = "pulse"
	DefaultPulseSpec = "*/15 * * * *"
)

// Version is reported as service.version on exported spans. Set with -ldflags.
var Version = "dev"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// jobSpec is the runner registration for the pulse job.
type jobSpec struct {
	Spec string
	Opt  runner.Options
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, jobSpec, error) {
	sc := cfg.Scheduler
	spec := strings.TrimSpace(sc.PulseSpec)
	if spec == "" {
		spec = DefaultPulseSpec
	}
	timeout, err := config.ParseDurationField("scheduler.run_timeout", sc.RunTimeout)
	if err != nil {
		return runner.Config{}, jobSpec{}, err
	}
	opt := runner.Options{Overlap: runner.OverlapSkip, Timeout: timeout}
	if strings.EqualFold(strings.TrimSpace(sc.Overlap), "allow") {
		opt.Overlap = runner.OverlapAllow
	}
	return runner.Config{Timezone: strings.TrimSpace(sc.Timezone)}, jobSpec{Spec: spec, Opt: opt}, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func mapPulseConfig(cfg *config.Config) (pulse.Config, error) {
	pc := cfg.Pulse
	tol, err := config.ParseDurationOrDefault("pulse.tolerance", pc.Tolerance, 15*time.Minute)
	if err != nil {
		return pulse.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("pulse.invite_ttl", pc.InviteTTL, 7*24*time.Hour)
	if err != nil {
		return pulse.Config{}, err
	}
	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return pulse.Config{}, err
	}
	ch := pulse.Channel(strings.ToUpper(strings.TrimSpace(pc.Channel)))
	if ch == "" {
		ch = pulse.ChannelEmail
	}
	return pulse.Config{
		Tolerance:   tol,
		InviteTTL:   ttl,
		Channel:     ch,
		Concurrency: pc.Concurrency,
		Location:    loc,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	out := delivery.Config{
		Attempts:    dc.Attempts,
		Concurrency: dc.Concurrency,
		Retention: delivery.Retention{
			KeepCompleted: dc.KeepCompleted,
			KeepFailed:    dc.KeepFailed,
		},
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"delivery.backoff_base", dc.BackoffBase, &out.BackoffBase, 2 * time.Second},
		{"delivery.backoff_max", dc.BackoffMax, &out.BackoffMax, 5 * time.Minute},
		{"delivery.poll_interval", dc.PollInterval, &out.PollInterval, 500 * time.Millisecond},
		{"delivery.lease", dc.Lease, &out.Lease, config.DefaultLease},
		{"delivery.send_timeout", dc.SendTimeout, &out.SendTimeout, config.DefaultSendTimeout},
		{"delivery.keep_completed_for", dc.KeepCompletedFor, &out.Retention.KeepCompletedFor, 24 * time.Hour},
		{"delivery.keep_failed_for", dc.KeepFailedFor, &out.Retention.KeepFailedFor, 7 * 24 * time.Hour},
	}
	for _, d := range durations {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return delivery.Config{}, err
		}
		*d.dst = v
	}
	if out.Retention.KeepCompleted == 0 {
		out.Retention.KeepCompleted = 100
	}
	if out.Retention.KeepFailed == 0 {
		out.Retention.KeepFailed = 1000
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	case "postgres", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	}
	return storage.Config{Driver: driver, Path: sc.Path, DSN: sc.DSN, BusyTimeout: busy}, nil
}

func mapRenderConfig(cfg *config.Config) (render.Config, error) {
	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return render.Config{}, err
	}
	return render.Config{
		BaseURL:  cfg.Render.BaseURL,
		Subject:  cfg.Render.Subject,
		Dir:      cfg.Render.TemplatesDir,
		Location: loc,
	}, nil
}

func mapTracingConfig(cfg *config.Config) tracing.Config {
	tc := cfg.Tracing
	return tracing.Config{
		Enabled:     tc.Enabled,
		Endpoint:    strings.TrimSpace(tc.Endpoint),
		Insecure:    tc.Insecure,
		ServiceName: tc.ServiceName,
		SampleRatio: tc.SampleRatio,
	}
}

func mapRedisConfig(cfg *config.Config) (delivery.RedisConfig, bool) {
	rc := cfg.Delivery.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return delivery.RedisConfig{}, false
	}
	return delivery.RedisConfig{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, Prefix: rc.Prefix}, true
}
