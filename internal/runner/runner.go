package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "pulsebot/pkg/logx"
)

// Runner owns a registry of named cron jobs. Each job fires on its own cron
// entry; a failing run is logged and the next tick still fires.
type Runner struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron

	// runCtx is handed to timer runs. It is detached from Start's ctx so
	// Stop never cancels in-flight work.
	runCtx context.Context

	jobs  map[string]*job
	order []string

	// retired holds the Done contexts of crons replaced by Apply. Stop
	// waits for them so runs started before a reschedule are not orphaned.
	retired []context.Context
}

func New(cfg Config, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
	}
}

// Register adds a job with default options. See RegisterOpt.
func (r *Runner) Register(name, spec string, task Task) bool {
	return r.RegisterOpt(name, spec, Options{}, task)
}

// RegisterOpt adds a job to the registry. Registering a name twice is a no-op
// that logs a warning and returns false, so re-initialization never fails.
// Jobs registered after Start are scheduled immediately.
func (r *Runner) RegisterOpt(name, spec string, opt Options, task Task) bool {
	name = strings.TrimSpace(name)
	if name == "" || task == nil {
		r.log.Warn("job registration ignored: name and task required", logx.String("name", name))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[name]; ok {
		r.log.Warn("job already registered; ignoring", logx.String("name", name), logx.String("spec", spec))
		return false
	}
	j := &job{name: name, spec: strings.TrimSpace(spec), task: task, opt: opt, state: StateRegistered}
	r.jobs[name] = j
	r.order = append(r.order, name)

	if r.c != nil {
		if err := r.scheduleLocked(j); err != nil {
			r.log.Error("job not scheduled", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		}
	}
	r.log.Debug("job registered", logx.String("name", name), logx.String("spec", spec))
	return true
}

// Start validates every spec and starts the timers. Jobs with an invalid spec
// are logged and left in StateRegistered; the remaining jobs still start. The
// returned error joins the invalid-spec errors. Start is idempotent.
func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}

	r.runCtx = context.WithoutCancel(ctx)
	r.loc = r.loadLocationLocked()
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))

	var errs []error
	for _, name := range r.order {
		j := r.jobs[name]
		if err := r.scheduleLocked(j); err != nil {
			r.log.Error("job not scheduled", logx.String("name", name), logx.String("spec", j.spec), logx.Err(err))
			errs = append(errs, err)
		}
	}
	r.c.Start()
	r.log.Info("runner started", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.order)))
	return errors.Join(errs...)
}

// Stop cancels all timers and waits (bounded by ctx) for in-flight timer runs
// to finish. Runs are never canceled.
func (r *Runner) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	r.mu.Lock()
	c := r.c
	r.c = nil
	waits := r.retired
	r.retired = nil
	for _, j := range r.jobs {
		if j.state == StateRunning {
			j.state = StateStopped
		}
		j.entryID = 0
	}
	r.mu.Unlock()

	if c == nil {
		return
	}
	waits = append(waits, c.Stop())
	for _, done := range waits {
		select {
		case <-done.Done():
		case <-ctx.Done():
			r.log.Warn("runner stop timed out; in-flight runs continue", logx.Err(ctx.Err()))
			return
		}
	}
	r.log.Info("runner stopped", logx.Duration("took", time.Since(start)))
}

// Apply updates the runner config. A timezone change restarts the timers in
// the new location. It does not wait for in-flight runs; the overlap gate
// still applies to them and Stop waits for them.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldTZ := strings.TrimSpace(r.cfg.Timezone)
	r.cfg = cfg
	if r.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}

	// cron.Stop only signals the scheduler loop; it returns before runs end.
	r.retired = append(r.retired, r.c.Stop())
	r.loc = r.loadLocationLocked()
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	for _, name := range r.order {
		j := r.jobs[name]
		j.entryID = 0
		if j.state == StateStopped {
			continue
		}
		_ = r.scheduleLocked(j)
	}
	r.c.Start()
	r.log.Info("runner restarted", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.order)))
}

// scheduleLocked adds j to the live cron. Call with r.mu held and r.c != nil.
func (r *Runner) scheduleLocked(j *job) error {
	sched, err := r.parser.Parse(j.spec)
	if err != nil {
		j.statsMu.Lock()
		j.lastErr = err.Error()
		j.statsMu.Unlock()
		return fmt.Errorf("%w: job %q spec %q: %v", ErrInvalidSpec, j.name, j.spec, err)
	}
	runCtx := r.runCtx
	j.entryID = r.c.Schedule(sched, cron.FuncJob(func() { r.fire(runCtx, j) }))
	j.state = StateRunning
	if r.log.Enabled(logx.LevelDebug) {
		r.log.Debug("job scheduled", logx.String("name", j.name), logx.String("spec", j.spec), logx.String("next", previewNext(sched, time.Now().In(r.loc), 3)))
	}
	return nil
}

func (r *Runner) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(r.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location returns the zone cron specs are evaluated in.
func (r *Runner) Location() *time.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loc == nil {
		return r.loadLocationLocked()
	}
	return r.loc
}

func previewNext(sched cron.Schedule, from time.Time, n int) string {
	var b strings.Builder
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
