package app

import (
	"context"

	"pulsebot/internal/config"
	logx "pulsebot/pkg/logx"
)

// reloadLoop applies each committed config change until ctx ends.
func (a *App) reloadLoop(ctx context.Context, sub <-chan config.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			a.applyChange(ctx, c)
		}
	}
}

// applyChange applies the hot-reloadable sections of c. Sections bound at
// startup only log that a restart is required.
func (a *App) applyChange(ctx context.Context, c config.Change) {
	cfg := c.Next
	if c.Has(config.SectionLogging) && a.logs != nil {
		a.logs.Apply(mapLogConfig(cfg))
	}
	if c.Has(config.SectionScheduler) {
		if runCfg, _, err := mapRunnerConfig(cfg); err != nil {
			a.log.Warn("scheduler config rejected", logx.Err(err))
		} else {
			a.runner.Apply(runCfg)
		}
	}
	// The pulse job reads the scheduler timezone too.
	if c.Has(config.SectionPulse) || c.Has(config.SectionScheduler) {
		if pcfg, err := mapPulseConfig(cfg); err != nil {
			a.log.Warn("pulse config rejected", logx.Err(err))
		} else {
			a.pulse.Apply(pcfg)
		}
	}
	if c.Has(config.SectionDelivery) {
		if dcfg, err := mapDeliveryConfig(cfg); err != nil {
			a.log.Warn("delivery config rejected", logx.Err(err))
		} else {
			a.queue.Apply(ctx, dcfg)
		}
	}
	if c.Has(config.SectionMetrics) {
		a.ops.Apply(ctx, cfg.Metrics.Addr)
	}
	if c.Has(config.SectionScheduler) && c.Prev != nil && c.Prev.Scheduler.Enabled != cfg.Scheduler.Enabled {
		a.log.Warn("scheduler.enabled changed; restart required")
	}
	for _, s := range restartOnly(c) {
		a.log.Warn("config section changed; restart required", logx.String("section", s))
	}
}

func restartOnly(c config.Change) []string {
	var out []string
	for _, s := range config.RestartSections {
		if c.Has(s) {
			out = append(out, s)
		}
	}
	return out
}
