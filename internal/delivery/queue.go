package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pulsebot/internal/eventbus"
	"pulsebot/internal/notify"
	rtsup "pulsebot/internal/runtime/supervisor"
	logx "pulsebot/pkg/logx"
)

// Config controls the delivery queue.
type Config struct {
	// Attempts is the total number of tries per job, including the first.
	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// BackoffJitter spreads retries by +/- this fraction. 0 keeps delays exact.
	BackoffJitter float64
	Concurrency   int
	// PollInterval is how often idle workers look for due jobs.
	PollInterval time.Duration
	// Lease is how long a claimed job stays invisible before another worker may reclaim it.
	Lease       time.Duration
	SendTimeout time.Duration
	Retention   Retention
	PruneEvery  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	// A send must end before its lease does or another worker reclaims it mid-flight.
	if c.SendTimeout >= c.Lease {
		c.SendTimeout = c.Lease / 2
	}
	if c.Retention == (Retention{}) {
		c.Retention = Retention{
			KeepCompleted:    100,
			KeepCompletedFor: 24 * time.Hour,
			KeepFailed:       1000,
			KeepFailedFor:    7 * 24 * time.Hour,
		}
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Minute
	}
	return c
}

// Renderer turns an invitation payload into a sendable message.
type Renderer interface {
	RenderInvitation(p *InvitationPayload) (notify.Message, error)
}

// Queue is a retrying delivery queue over a Store. Enqueue always goes to the
// store; workers only run while a notifier is attached.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	store    Store
	log      logx.Logger
	bus      eventbus.Bus
	notifier notify.Notifier
	renderer Renderer
	tracer   trace.Tracer
	now      func() time.Time

	// wantRun is set by Start; workers launch once a notifier is attached.
	wantRun bool
	baseCtx context.Context
	sup     *rtsup.Supervisor
	wake    chan struct{}
}

type Option func(*Queue)

func WithNotifier(n notify.Notifier) Option { return func(q *Queue) { q.notifier = n } }
func WithRenderer(r Renderer) Option        { return func(q *Queue) { q.renderer = r } }
func WithBus(bus eventbus.Bus) Option       { return func(q *Queue) { q.bus = bus } }
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }
func WithTracer(t trace.Tracer) Option      { return func(q *Queue) { q.tracer = t } }

func New(cfg Config, store Store, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	q := &Queue{
		cfg:      cfg.withDefaults(),
		store:    store,
		log:      log,
		bus:      eventbus.Nop(),
		renderer: plainRenderer{},
		tracer:   otel.Tracer("pulsebot/delivery"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Apply updates retry and retention settings. A concurrency change restarts the workers.
func (q *Queue) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	prev := q.cfg
	q.cfg = cfg
	restart := q.sup != nil && prev.Concurrency != cfg.Concurrency
	q.mu.Unlock()
	if restart {
		q.Stop(ctx)
		_ = q.Start(ctx)
	}
}

// Enqueue stores a job and returns immediately. It never sends.
func (q *Queue) Enqueue(ctx context.Context, p Payload, opts ...EnqueueOption) (Handle, error) {
	switch p.(type) {
	case *InvitationPayload, *DirectPayload:
	case nil:
		return Handle{}, ErrNoPayload
	default:
		return Handle{}, fmt.Errorf("%w: %T", ErrUnknownPayload, p)
	}
	cfg := q.config()
	o := enqueueOptions{maxAttempts: cfg.Attempts}
	for _, fn := range opts {
		fn(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = cfg.Attempts
	}

	now := q.now()
	job := Job{
		ID:          o.id,
		Payload:     p,
		State:       StateWaiting,
		MaxAttempts: o.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		RunAt:       now,
	}
	if o.delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(o.delay)
	}
	added, err := q.store.Add(ctx, job)
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if !added {
		q.log.Debug("job already queued", logx.Job(job.ID))
		return Handle{ID: job.ID, Existing: true}, nil
	}
	q.bus.Publish(eventbus.Event{Type: EventEnqueued, Time: now, Data: JobEvent{ID: job.ID, Kind: p.Kind()}})
	q.signal()
	return Handle{ID: job.ID}, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// GetMetrics returns job counts by state.
func (q *Queue) GetMetrics(ctx context.Context) (Metrics, error) {
	return q.store.Counts(ctx)
}

// GetRecentJobs returns up to n jobs, most recently updated first.
func (q *Queue) GetRecentJobs(ctx context.Context, n int) ([]Job, error) {
	return q.store.Recent(ctx, n)
}

func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	return q.store.Get(ctx, id)
}

// Requeue moves a failed job back to waiting. Failed jobs are never retried
// automatically.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.Requeue(ctx, id, q.now()); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	q.log.Info("job requeued", logx.Job(id))
	q.bus.Publish(eventbus.Event{Type: EventRequeued, Time: q.now(), Data: JobEvent{ID: id}})
	q.signal()
	return nil
}

// Prune applies the retention policy now.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	return q.store.Prune(ctx, q.now(), q.config().Retention)
}

// SetNotifier attaches (or replaces) the transport. If Start was called while
// no notifier was attached, workers start now and drain the backlog.
func (q *Queue) SetNotifier(n notify.Notifier) {
	q.mu.Lock()
	q.notifier = n
	pending := q.wantRun && q.sup == nil && n != nil
	ctx := q.baseCtx
	q.mu.Unlock()
	if pending {
		q.log.Info("notifier attached; starting delivery workers")
		_ = q.Start(ctx)
	}
}

// Running reports whether workers are active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sup != nil
}

// Start launches the worker pool. Without a notifier it logs a warning and
// returns nil; jobs keep accumulating until SetNotifier is called.
func (q *Queue) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	q.wantRun = true
	q.baseCtx = ctx
	if q.sup != nil {
		q.mu.Unlock()
		return nil
	}
	if q.notifier == nil {
		q.mu.Unlock()
		q.log.Warn("delivery workers not started: no notifier configured; jobs will be queued but not sent")
		return nil
	}
	cfg := q.cfg
	q.sup = rtsup.New(ctx,
		rtsup.WithLogger(q.log),
		rtsup.WithCancelOnError(false),
	)
	sup := q.sup
	q.mu.Unlock()

	for i := 0; i < cfg.Concurrency; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			q.worker(c, idx)
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	sup.GoRestart("prune", func(c context.Context) error {
		q.pruneLoop(c)
		return nil
	})
	q.log.Info("delivery queue started", logx.Int("workers", cfg.Concurrency), logx.Int("attempts", cfg.Attempts), logx.Duration("backoff_base", cfg.BackoffBase))
	return nil
}

// Stop stops claiming new jobs and waits (bounded by ctx) for in-flight sends.
func (q *Queue) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	sup := q.sup
	q.sup = nil
	q.wantRun = false
	q.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		q.log.Warn("delivery queue stop timed out", logx.Err(err))
		return
	}
	q.log.Info("delivery queue stopped")
}

func (q *Queue) pruneLoop(ctx context.Context) {
	every := q.config().PruneEvery
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := q.Prune(ctx)
			if err != nil {
				q.log.Warn("prune failed", logx.Err(err))
				continue
			}
			if n > 0 {
				q.log.Debug("pruned finished jobs", logx.Int("removed", n))
			}
		}
	}
}
