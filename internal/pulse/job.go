package pulse

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pulsebot/internal/delivery"
	"pulsebot/internal/eventbus"
	logx "pulsebot/pkg/logx"
)

const (
	// EventTick is published on the bus after every tick with a TickSummary.
	EventTick = "pulse.tick"
	// EventTickError is published when a tick cannot load schedules. Data is the error.
	EventTickError = "pulse.tick.error"
)

// Config controls the invitation job.
type Config struct {
	// Tolerance is the allowed distance between a schedule's HH:mm and now.
	Tolerance time.Duration
	// InviteTTL is added to the send time to compute ExpiresAt.
	InviteTTL time.Duration
	Channel   Channel
	// Concurrency bounds how many tenants are evaluated in parallel.
	Concurrency int
	// Location is used for schedules without their own timezone.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 {
		c.Tolerance = 15 * time.Minute
	}
	if c.InviteTTL <= 0 {
		c.InviteTTL = 7 * 24 * time.Hour
	}
	if c.Channel == "" {
		c.Channel = ChannelEmail
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Job creates invites for every due schedule and hands them to the delivery queue.
type Job struct {
	mu  sync.RWMutex
	cfg Config

	repo  Repository
	queue Enqueuer
	log   logx.Logger
	bus   eventbus.Bus

	tracer trace.Tracer
	now    func() time.Time
	newID  func() string

	// locks serializes the check-then-create per (tenant, user, week).
	locks *keyedLock
}

type Option func(*Job)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

func WithBus(bus eventbus.Bus) Option {
	return func(j *Job) { j.bus = bus }
}

func WithTracer(t trace.Tracer) Option {
	return func(j *Job) { j.tracer = t }
}

// WithIDs overrides invite ID and token generation.
func WithIDs(newID func() string) Option {
	return func(j *Job) { j.newID = newID }
}

func New(cfg Config, repo Repository, queue Enqueuer, log logx.Logger, opts ...Option) *Job {
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Job{
		cfg:    cfg.withDefaults(),
		repo:   repo,
		queue:  queue,
		log:    log,
		bus:    eventbus.Nop(),
		tracer: otel.Tracer("pulsebot/pulse"),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		locks:  newKeyedLock(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Apply swaps the job config; it takes effect on the next tick.
func (j *Job) Apply(cfg Config) {
	j.mu.Lock()
	j.cfg = cfg.withDefaults()
	j.mu.Unlock()
}

func (j *Job) config() Config {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cfg
}

// Run is the runner entry point.
func (j *Job) Run(ctx context.Context) error {
	_, err := j.Tick(ctx)
	return err
}

// Tick evaluates all enabled schedules once. Only a failure to load the
// schedules is returned; per-schedule and per-user failures are logged and
// counted in the summary.
func (j *Job) Tick(ctx context.Context) (TickSummary, error) {
	cfg := j.config()
	now := j.now()

	ctx, span := j.tracer.Start(ctx, "pulse.tick")
	defer span.End()

	sum := TickSummary{At: now}
	schedules, err := j.repo.ListEnabledSchedules(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list schedules")
		j.log.Error("pulse tick: list schedules failed", logx.Err(err))
		j.bus.Publish(eventbus.Event{Type: EventTickError, Time: now, Data: err})
		return sum, fmt.Errorf("list enabled schedules: %w", err)
	}

	tenants, byTenant := groupByTenant(schedules)
	span.SetAttributes(attribute.Int("pulse.schedules", len(schedules)), attribute.Int("pulse.tenants", len(tenants)))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for _, tenant := range tenants {
		list := byTenant[tenant]
		g.Go(func() error {
			outs := j.evaluateTenant(gctx, cfg, tenant, list, now)
			mu.Lock()
			sum.add(outs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(sum.Outcomes, func(a, b int) bool {
		return sum.Outcomes[a].order < sum.Outcomes[b].order
	})

	span.SetAttributes(attribute.Int("pulse.sent", sum.Sent), attribute.Int("pulse.failed", sum.Failed))
	j.bus.Publish(eventbus.Event{Type: EventTick, Time: now, Data: sum})
	if sum.Matched > 0 || sum.Failed > 0 {
		j.log.Info("pulse tick done",
			logx.Int("evaluated", sum.Evaluated),
			logx.Int("matched", sum.Matched),
			logx.Int("superseded", sum.Superseded),
			logx.Int("skipped", sum.Skipped),
			logx.Int("failed", sum.Failed),
			logx.Int("sent", sum.Sent),
			logx.Int("already_invited", sum.AlreadyInvited),
			logx.Int("duplicates", sum.Duplicates),
		)
	} else {
		j.log.Debug("pulse tick: nothing due", logx.Int("evaluated", sum.Evaluated))
	}
	return sum, nil
}

type indexedSchedule struct {
	Schedule
	order int
}

// groupByTenant keeps tenants in first-seen order and sorts each tenant's
// schedules by (CreatedAt, ID) so the oldest schedule wins a tie.
func groupByTenant(in []Schedule) ([]string, map[string][]indexedSchedule) {
	var tenants []string
	by := map[string][]indexedSchedule{}
	for i, s := range in {
		if !s.Enabled {
			continue
		}
		if _, ok := by[s.TenantID]; !ok {
			tenants = append(tenants, s.TenantID)
		}
		by[s.TenantID] = append(by[s.TenantID], indexedSchedule{Schedule: s, order: i})
	}
	for _, list := range by {
		sort.SliceStable(list, func(a, b int) bool {
			if !list[a].CreatedAt.Equal(list[b].CreatedAt) {
				return list[a].CreatedAt.Before(list[b].CreatedAt)
			}
			return list[a].ID < list[b].ID
		})
	}
	return tenants, by
}

func (j *Job) evaluateTenant(ctx context.Context, cfg Config, tenant string, list []indexedSchedule, now time.Time) []ScheduleOutcome {
	ctx, span := j.tracer.Start(ctx, "pulse.tenant", trace.WithAttributes(attribute.String("pulse.tenant", tenant)))
	defer span.End()

	log := j.log.With(logx.Tenant(tenant))
	outs := make([]ScheduleOutcome, 0, len(list))
	var winner string
	for _, s := range list {
		out := ScheduleOutcome{ScheduleID: s.ID, TenantID: tenant, order: s.order}
		local := now.In(j.location(cfg, s.Schedule, log))
		due, err := Due(s.Schedule, local, cfg.Tolerance)
		switch {
		case err != nil:
			out.Result, out.Reason = ResultSkipped, err.Error()
			log.Warn("schedule skipped: bad time of day", logx.String("schedule", s.ID), logx.Err(err))
		case !due:
			out.Result = ResultNotDue
		case winner != "":
			out.Result, out.Reason = ResultSuperseded, "superseded by "+winner
			log.Warn("schedule superseded", logx.String("schedule", s.ID), logx.String("winner", winner))
		default:
			winner = s.ID
			out = j.runSchedule(ctx, cfg, s.Schedule, local, log.With(logx.String("schedule", s.ID)))
			out.order = s.order
		}
		outs = append(outs, out)
	}
	return outs
}

func (j *Job) location(cfg Config, s Schedule, log logx.Logger) *time.Location {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return cfg.Location
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("schedule timezone invalid; using default", logx.String("schedule", s.ID), logx.String("tz", tz), logx.Err(err))
		return cfg.Location
	}
	return loc
}

// runSchedule processes one due schedule. Panics are turned into a failed outcome.
func (j *Job) runSchedule(ctx context.Context, cfg Config, s Schedule, now time.Time, log logx.Logger) (out ScheduleOutcome) {
	out = ScheduleOutcome{ScheduleID: s.ID, TenantID: s.TenantID, Result: ResultMatched}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("schedule panic", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			out.Result, out.Err = ResultFailed, fmt.Errorf("panic: %v", rec)
		}
	}()

	day := int(now.Weekday())
	out.Cohort = CohortName(day, s.RotatingCohorts)

	questions, err := j.repo.FindActiveQuestions(ctx, s.TenantID)
	if err != nil {
		log.Error("load questions failed", logx.Err(err))
		out.Result, out.Err = ResultFailed, fmt.Errorf("find active questions: %w", err)
		return out
	}
	if len(questions) == 0 {
		log.Warn("no active questions; skipping tenant")
		out.Result, out.Reason = ResultSkipped, "no active questions"
		return out
	}

	cohort, err := j.repo.FindCohort(ctx, s.TenantID, out.Cohort)
	if errors.Is(err, ErrNotFound) {
		log.Warn("cohort not found; skipping", logx.String("cohort", out.Cohort))
		out.Result, out.Reason = ResultSkipped, "cohort "+out.Cohort+" not found"
		return out
	}
	if err != nil {
		log.Error("load cohort failed", logx.String("cohort", out.Cohort), logx.Err(err))
		out.Result, out.Err = ResultFailed, fmt.Errorf("find cohort %q: %w", out.Cohort, err)
		return out
	}

	q := questions[QuestionIndex(day, len(questions))]
	out.QuestionID = q.ID
	week := WeekStart(now)
	weekKey := WeekKey(now)
	log = log.With(logx.Week(week))

	var lookupErr error
	seen := make(map[string]struct{}, len(cohort.UserIDs))
	for _, user := range cohort.UserIDs {
		if _, dup := seen[user]; dup || user == "" {
			continue
		}
		seen[user] = struct{}{}
		if err := ctx.Err(); err != nil {
			out.Err = err
			break
		}
		if err := j.inviteUser(ctx, cfg, s.TenantID, user, q, now, week, weekKey, &out, log); err != nil && lookupErr == nil {
			lookupErr = err
		}
	}

	// Nobody could be checked: that is a store failure, not an empty week.
	if out.Eligible == 0 && out.Err == nil && lookupErr != nil {
		log.Error("eligibility check failed", logx.String("cohort", out.Cohort), logx.Int("lookup_failures", out.Failed), logx.Err(lookupErr))
		out.Result, out.Err = ResultFailed, fmt.Errorf("check invites for %d members: %w", out.Failed, lookupErr)
		return out
	}
	if out.Eligible == 0 && out.Err == nil {
		log.Warn("no eligible users this week", logx.String("cohort", out.Cohort), logx.Int("members", len(cohort.UserIDs)))
		out.Result, out.Reason = ResultSkipped, "no eligible users"
		return out
	}
	log.Info("invites created",
		logx.String("cohort", out.Cohort),
		logx.String("question", q.ID),
		logx.Int("eligible", out.Eligible),
		logx.Int("sent", out.Sent),
		logx.Int("failed", out.Failed),
	)
	return out
}

// inviteUser creates and enqueues one invite. It returns the error of a failed
// eligibility lookup; every other failure is only counted in out.
func (j *Job) inviteUser(ctx context.Context, cfg Config, tenant, user string, q Question, now, week time.Time, weekKey string, out *ScheduleOutcome, log logx.Logger) error {
	unlock := j.locks.Lock(tenant + "\x00" + user + "\x00" + weekKey)
	defer unlock()

	ulog := log.With(logx.User(user))
	_, err := j.repo.FindInviteSince(ctx, tenant, user, week)
	switch {
	case err == nil:
		out.AlreadyInvited++
		return nil
	case !errors.Is(err, ErrNotFound):
		ulog.Warn("invite lookup failed", logx.Err(err))
		out.Failed++
		return fmt.Errorf("find invite for %s: %w", user, err)
	}
	out.Eligible++

	inv, err := j.repo.CreateInvite(ctx, Invite{
		ID:         j.newID(),
		TenantID:   tenant,
		UserID:     user,
		QuestionID: q.ID,
		Status:     StatusPending,
		Channel:    cfg.Channel,
		Token:      j.newID(),
		Week:       weekKey,
		SentAt:     now,
		ExpiresAt:  now.Add(cfg.InviteTTL),
	})
	if errors.Is(err, ErrDuplicateInvite) {
		ulog.Debug("invite already exists for week")
		out.Duplicates++
		return nil
	}
	if err != nil {
		ulog.Warn("create invite failed", logx.Err(err))
		out.Failed++
		return nil
	}

	payload := &delivery.InvitationPayload{
		InviteID:     inv.ID,
		TenantID:     inv.TenantID,
		UserID:       inv.UserID,
		QuestionID:   q.ID,
		QuestionText: q.Text,
		Token:        inv.Token,
		Channel:      string(inv.Channel),
		SentAt:       inv.SentAt,
		ExpiresAt:    inv.ExpiresAt,
	}
	if _, err := j.queue.Enqueue(ctx, payload, delivery.WithJobID("invite:"+inv.ID)); err != nil {
		ulog.Warn("enqueue invite failed", logx.String("invite", inv.ID), logx.Err(err))
		out.Failed++
		return nil
	}
	out.Sent++
	out.Invites = append(out.Invites, inv.ID)
	return nil
}
