// Package metrics exposes pulse and delivery activity to Prometheus.
//
// Counters are fed from the event bus (pulse.tick, delivery.*). Queue depth
// gauges are refreshed from the delivery store on an interval, since jobs can
// change state in other processes sharing the same Redis store.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pulsebot/internal/delivery"
	"pulsebot/internal/eventbus"
	"pulsebot/internal/pulse"
	logx "pulsebot/pkg/logx"
)

// QueueSource reports delivery queue depth.
type QueueSource interface {
	GetMetrics(ctx context.Context) (delivery.Metrics, error)
}

// Collector owns a private registry so tests and multiple instances do not
// collide on the global one.
type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	ticks          prometheus.Counter
	tickErrors     prometheus.Counter
	schedules      *prometheus.CounterVec
	invitesSent    prometheus.Counter
	invitesSkipped *prometheus.CounterVec
	inviteFailures prometheus.Counter

	deliveryEvents  *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	queueJobs       *prometheus.GaugeVec
	lastRefresh     prometheus.Gauge
}

func New(log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		reg: prometheus.NewRegistry(),
		log: log,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_ticks_total",
			Help: "Pulse invitation job ticks.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_tick_errors_total",
			Help: "Ticks that could not load schedules.",
		}),
		schedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_schedules_total",
			Help: "Schedule evaluations by result.",
		}, []string{"result"}),
		invitesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_invites_created_total",
			Help: "Invites created and enqueued.",
		}),
		invitesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_invites_skipped_total",
			Help: "Cohort members not invited, by reason.",
		}, []string{"reason"}),
		inviteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_invite_failures_total",
			Help: "Per-user invite creation or enqueue failures.",
		}),
		deliveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_delivery_events_total",
			Help: "Delivery job lifecycle events.",
		}, []string{"event", "kind"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulse_delivery_attempt_seconds",
			Help:    "Duration of delivery attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulse_delivery_jobs",
			Help: "Delivery jobs by state.",
		}, []string{"state"}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_delivery_jobs_refreshed_timestamp_seconds",
			Help: "Unix time of the last successful queue depth refresh.",
		}),
	}
	c.reg.MustRegister(
		c.ticks, c.tickErrors, c.schedules, c.invitesSent, c.invitesSkipped, c.inviteFailures,
		c.deliveryEvents, c.attemptDuration, c.queueJobs, c.lastRefresh,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// WatchBus exports the bus drop counter. Call it once per bus.
func (c *Collector) WatchBus(bus eventbus.Bus) {
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pulse_eventbus_dropped_total",
		Help: "Events dropped because a subscriber was too slow.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

// Observe updates counters from one bus event. Unknown events are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case pulse.EventTick:
		c.ticks.Inc()
		sum, ok := e.Data.(pulse.TickSummary)
		if !ok {
			return
		}
		c.schedules.WithLabelValues(string(pulse.ResultMatched)).Add(float64(sum.Matched))
		c.schedules.WithLabelValues(string(pulse.ResultSuperseded)).Add(float64(sum.Superseded))
		c.schedules.WithLabelValues(string(pulse.ResultSkipped)).Add(float64(sum.Skipped))
		c.schedules.WithLabelValues(string(pulse.ResultFailed)).Add(float64(sum.Failed))
		c.invitesSent.Add(float64(sum.Sent))
		c.invitesSkipped.WithLabelValues("already_invited").Add(float64(sum.AlreadyInvited))
		c.invitesSkipped.WithLabelValues("duplicate").Add(float64(sum.Duplicates))
		c.inviteFailures.Add(float64(sum.InviteFailures))

	case pulse.EventTickError:
		c.ticks.Inc()
		c.tickErrors.Inc()

	case delivery.EventEnqueued, delivery.EventCompleted, delivery.EventRetry, delivery.EventFailed, delivery.EventRequeued:
		ev, _ := e.Data.(delivery.JobEvent)
		c.deliveryEvents.WithLabelValues(e.Type, string(ev.Kind)).Inc()
		switch e.Type {
		case delivery.EventCompleted:
			c.attemptDuration.WithLabelValues("ok").Observe(ev.Duration.Seconds())
		case delivery.EventRetry, delivery.EventFailed:
			c.attemptDuration.WithLabelValues("error").Observe(ev.Duration.Seconds())
		}
	}
}

// Refresh reads queue depth from src into the gauges.
func (c *Collector) Refresh(ctx context.Context, src QueueSource) error {
	m, err := src.GetMetrics(ctx)
	if err != nil {
		return err
	}
	c.queueJobs.WithLabelValues(string(delivery.StateWaiting)).Set(float64(m.Waiting))
	c.queueJobs.WithLabelValues(string(delivery.StateActive)).Set(float64(m.Active))
	c.queueJobs.WithLabelValues(string(delivery.StateDelayed)).Set(float64(m.Delayed))
	c.queueJobs.WithLabelValues(string(delivery.StateCompleted)).Set(float64(m.Completed))
	c.queueJobs.WithLabelValues(string(delivery.StateFailed)).Set(float64(m.Failed))
	c.lastRefresh.SetToCurrentTime()
	return nil
}

// Run consumes bus events and refreshes queue gauges every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus, src QueueSource, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		eventbus.Consume(ctx, bus, 256, c.Observe, "pulse.", "delivery.")
	}()

	if src != nil {
		t := time.NewTicker(every)
		defer t.Stop()
		c.refresh(ctx, src)
		for {
			select {
			case <-ctx.Done():
				<-done
				return
			case <-t.C:
				c.refresh(ctx, src)
			}
		}
	}
	<-done
}

func (c *Collector) refresh(ctx context.Context, src QueueSource) {
	if err := c.Refresh(ctx, src); err != nil && ctx.Err() == nil {
		c.log.Warn("queue metrics refresh failed", logx.Err(err))
	}
}
