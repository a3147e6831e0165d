package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"pulsebot/internal/delivery"
	"pulsebot/internal/pulse"
	logx "pulsebot/pkg/logx"
)

var t0 = time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC) // Monday

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pulse.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"postgres": func(t *testing.T) Store {
			dsn := os.Getenv("PULSE_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("PULSE_TEST_POSTGRES_DSN not set")
			}
			st, err := Open(context.Background(), Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

// resetTenant clears rows left by earlier runs against a shared database.
func resetTenant(t *testing.T, st Store, tenant string) {
	t.Helper()
	pg, ok := st.(*postgresStore)
	if !ok {
		return
	}
	for _, table := range []string{"schedules", "cohorts", "questions", "invites"} {
		if _, err := pg.db.Exec(context.Background(), "DELETE FROM "+table+" WHERE tenant_id = $1", tenant); err != nil {
			t.Fatalf("reset %s: %v", table, err)
		}
	}
}

func invite(id, user, week string, sent time.Time) pulse.Invite {
	return pulse.Invite{
		ID: id, TenantID: "acme", UserID: user, QuestionID: "q1",
		Status: pulse.StatusPending, Channel: pulse.ChannelEmail, Token: "tok-" + id,
		Week: week, SentAt: sent, ExpiresAt: sent.Add(7 * 24 * time.Hour),
	}
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			resetTenant(t, st, "acme")
			ctx := context.Background()

			schedules := []pulse.Schedule{
				{ID: "s2", TenantID: "acme", DayOfWeek: 1, TimeOfDay: "09:00", Enabled: true, CreatedAt: t0.Add(time.Hour)},
				{ID: "s1", TenantID: "acme", DayOfWeek: 1, TimeOfDay: "09:00", RotatingCohorts: true, Enabled: true, Timezone: "Europe/Berlin", CreatedAt: t0},
				{ID: "s3", TenantID: "acme", DayOfWeek: 2, TimeOfDay: "10:30", Enabled: false, CreatedAt: t0},
			}
			for _, s := range schedules {
				if err := st.UpsertSchedule(ctx, s); err != nil {
					t.Fatalf("UpsertSchedule %s: %v", s.ID, err)
				}
			}
			if err := st.UpsertSchedule(ctx, pulse.Schedule{ID: "bad", TenantID: "acme", DayOfWeek: 9, TimeOfDay: "09:00"}); !errors.Is(err, ErrInvalid) {
				t.Fatalf("invalid schedule err = %v", err)
			}
			got, err := st.ListEnabledSchedules(ctx)
			if err != nil {
				t.Fatalf("ListEnabledSchedules: %v", err)
			}
			if len(got) != 2 || got[0].ID != "s1" || got[1].ID != "s2" {
				t.Fatalf("schedules = %+v", got)
			}
			if !got[0].RotatingCohorts || got[0].Timezone != "Europe/Berlin" || !got[0].CreatedAt.Equal(t0) {
				t.Fatalf("s1 = %+v", got[0])
			}

			for _, q := range []pulse.Question{
				{ID: "q2", TenantID: "acme", Text: "Second?", Active: true, CreatedAt: t0.Add(time.Minute)},
				{ID: "q1", TenantID: "acme", Text: "First?", Active: true, CreatedAt: t0},
				{ID: "q0", TenantID: "acme", Text: "Retired", Active: false, CreatedAt: t0.Add(-time.Hour)},
			} {
				if err := st.UpsertQuestion(ctx, q); err != nil {
					t.Fatalf("UpsertQuestion: %v", err)
				}
			}
			qs, err := st.FindActiveQuestions(ctx, "acme")
			if err != nil || len(qs) != 2 || qs[0].ID != "q1" || qs[1].ID != "q2" {
				t.Fatalf("questions = %+v %v", qs, err)
			}

			if err := st.UpsertCohort(ctx, pulse.Cohort{TenantID: "acme", Name: "all", UserIDs: []string{"u3", "u1", "u2"}}); err != nil {
				t.Fatalf("UpsertCohort: %v", err)
			}
			if err := st.UpsertCohort(ctx, pulse.Cohort{TenantID: "acme", Name: "all", UserIDs: []string{"u2", "u1"}}); err != nil {
				t.Fatalf("UpsertCohort replace: %v", err)
			}
			c, err := st.FindCohort(ctx, "acme", "all")
			if err != nil || len(c.UserIDs) != 2 || c.UserIDs[0] != "u2" || c.UserIDs[1] != "u1" {
				t.Fatalf("cohort = %+v %v", c, err)
			}
			if _, err := st.FindCohort(ctx, "acme", "weekday-3"); !errors.Is(err, pulse.ErrNotFound) {
				t.Fatalf("missing cohort err = %v", err)
			}

			if _, err := st.FindInviteSince(ctx, "acme", "u1", t0.Add(-24*time.Hour)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("no invite err = %v", err)
			}
			week := pulse.WeekKey(t0)
			if _, err := st.CreateInvite(ctx, invite("i1", "u1", week, t0)); err != nil {
				t.Fatalf("CreateInvite: %v", err)
			}
			if _, err := st.CreateInvite(ctx, invite("i2", "u1", week, t0.Add(time.Hour))); !errors.Is(err, pulse.ErrDuplicateInvite) {
				t.Fatalf("same-week invite err = %v", err)
			}
			if _, err := st.CreateInvite(ctx, invite("i3", "u1", "2024-03-17", t0.Add(7*24*time.Hour))); err != nil {
				t.Fatalf("next-week invite: %v", err)
			}
			found, err := st.FindInviteSince(ctx, "acme", "u1", pulse.WeekStart(t0))
			if err != nil || found.ID != "i3" {
				t.Fatalf("FindInviteSince = %+v %v", found, err)
			}
			if _, err := st.FindInviteSince(ctx, "acme", "u1", t0.Add(8*24*time.Hour)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("future since err = %v", err)
			}

			done, err := st.CompleteInvite(ctx, "tok-i1", t0.Add(time.Hour))
			if err != nil || done.Status != pulse.StatusCompleted || !done.CompletedAt.Equal(t0.Add(time.Hour)) {
				t.Fatalf("CompleteInvite = %+v %v", done, err)
			}
			if _, err := st.CompleteInvite(ctx, "tok-i1", t0.Add(2*time.Hour)); !errors.Is(err, ErrInviteClosed) {
				t.Fatalf("second completion err = %v", err)
			}
			if _, err := st.CompleteInvite(ctx, "tok-i3", t0.Add(30*24*time.Hour)); !errors.Is(err, ErrInviteClosed) {
				t.Fatalf("expired completion err = %v", err)
			}
			if _, err := st.CompleteInvite(ctx, "nope", t0); !errors.Is(err, ErrNotFound) {
				t.Fatalf("unknown token err = %v", err)
			}

			n, err := st.PurgePending(ctx, "acme")
			if err != nil || n != 1 {
				t.Fatalf("PurgePending = %d %v", n, err)
			}
			left, err := st.ListInvites(ctx, "acme")
			if err != nil || len(left) != 1 || left[0].ID != "i1" || left[0].Status != pulse.StatusCompleted {
				t.Fatalf("remaining = %+v %v", left, err)
			}
		})
	}
}

func TestConcurrentCreateInviteOneWins(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			resetTenant(t, st, "race")
			week := pulse.WeekKey(t0)
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				ok   int
				dups int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := "race-" + string(rune('a'+i))
					inv := invite(id, "u9", week, t0)
					inv.TenantID = "race"
					_, err := st.CreateInvite(context.Background(), inv)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, pulse.ErrDuplicateInvite):
						dups++
					default:
						t.Errorf("CreateInvite: %v", err)
					}
				}(i)
			}
			wg.Wait()
			if ok != 1 || dups != 7 {
				t.Fatalf("ok=%d dups=%d", ok, dups)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestPulseJobOverSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := drivers(t)["sqlite"](t)
	_ = st.UpsertSchedule(ctx, pulse.Schedule{ID: "s1", TenantID: "acme", DayOfWeek: 1, TimeOfDay: "09:00", Enabled: true, CreatedAt: t0})
	_ = st.UpsertQuestion(ctx, pulse.Question{ID: "q1", TenantID: "acme", Text: "How is it going?", Active: true, CreatedAt: t0})
	_ = st.UpsertCohort(ctx, pulse.Cohort{TenantID: "acme", Name: pulse.AllCohort, UserIDs: []string{"u1", "u2"}})

	queue := delivery.New(delivery.Config{}, delivery.NewMemoryStore(), logx.Nop())
	now := t0.Add(5 * time.Minute)
	job := pulse.New(pulse.Config{Location: time.UTC}, st, queue, logx.Nop(), pulse.WithClock(func() time.Time { return now }))

	sum, err := job.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sum.Matched != 1 || sum.Sent != 2 {
		t.Fatalf("first tick = %+v", sum)
	}
	sum, err = job.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sum.Sent != 0 || sum.AlreadyInvited != 2 {
		t.Fatalf("second tick = %+v", sum)
	}

	invites, _ := st.ListInvites(ctx, "acme")
	if len(invites) != 2 {
		t.Fatalf("invites = %d, want 2", len(invites))
	}
	m, err := queue.GetMetrics(ctx)
	if err != nil || m.Waiting != 2 {
		t.Fatalf("queue metrics = %+v %v", m, err)
	}
}
