package config

import "reflect"

// Section names reported by ChangedSections.
const (
	SectionLogging       = "logging"
	SectionScheduler     = "scheduler"
	SectionSchedulerSpec = "scheduler.pulse_spec"
	SectionPulse         = "pulse"
	SectionDelivery      = "delivery"
	SectionRedis         = "delivery.redis"
	SectionStorage       = "storage"
	SectionNotifier      = "notifier"
	SectionRender        = "render"
	SectionMetrics       = "metrics"
	SectionTracing       = "tracing"
)

// RestartSections cannot be applied to a running process.
var RestartSections = []string{SectionSchedulerSpec, SectionRedis, SectionStorage, SectionNotifier, SectionRender, SectionTracing}

// ChangedSections lists the sections that differ between prev and next in a
// fixed order. A nil prev reports every section.
func ChangedSections(prev, next *Config) []string {
	if next == nil {
		return nil
	}
	if prev == nil {
		prev = &Config{}
	}
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add(SectionLogging, prev.Logging, next.Logging)

	ps, ns := prev.Scheduler, next.Scheduler
	add(SectionSchedulerSpec, ps.PulseSpec, ns.PulseSpec)
	ps.PulseSpec, ns.PulseSpec = "", ""
	add(SectionScheduler, ps, ns)

	add(SectionPulse, prev.Pulse, next.Pulse)

	pd, nd := prev.Delivery, next.Delivery
	add(SectionRedis, pd.Redis, nd.Redis)
	pd.Redis, nd.Redis = RedisConfig{}, RedisConfig{}
	add(SectionDelivery, pd, nd)

	add(SectionStorage, prev.Storage, next.Storage)
	add(SectionNotifier, prev.Notifier, next.Notifier)
	add(SectionRender, prev.Render, next.Render)
	add(SectionMetrics, prev.Metrics, next.Metrics)
	add(SectionTracing, prev.Tracing, next.Tracing)
	return out
}
