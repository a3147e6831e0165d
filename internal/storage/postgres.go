package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulsebot/internal/pulse"
	logx "pulsebot/pkg/logx"
)

type postgresStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	if pcfg.MaxConns <= 0 {
		pcfg.MaxConns = 10
	}
	pcfg.MaxConnLifetime = time.Hour
	pcfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	st := &postgresStore{db: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store ready", logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s != nil && s.db != nil {
		s.db.Close()
	}
	return nil
}

func (s *postgresStore) ListEnabledSchedules(ctx context.Context) ([]pulse.Schedule, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, day_of_week, time_of_day, rotating, enabled, timezone, created_at
		 FROM schedules WHERE enabled ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pulse.Schedule
	for rows.Next() {
		var (
			sc  pulse.Schedule
			dow int16
		)
		if err := rows.Scan(&sc.ID, &sc.TenantID, &dow, &sc.TimeOfDay, &sc.RotatingCohorts, &sc.Enabled, &sc.Timezone, &sc.CreatedAt); err != nil {
			return nil, err
		}
		sc.DayOfWeek = int(dow)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *postgresStore) FindActiveQuestions(ctx context.Context, tenantID string) ([]pulse.Question, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, text, active, created_at FROM questions
		 WHERE tenant_id = $1 AND active ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pulse.Question
	for rows.Next() {
		var q pulse.Question
		if err := rows.Scan(&q.ID, &q.TenantID, &q.Text, &q.Active, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *postgresStore) FindCohort(ctx context.Context, tenantID, name string) (pulse.Cohort, error) {
	c := pulse.Cohort{TenantID: tenantID, Name: name}
	err := s.db.QueryRow(ctx,
		`SELECT user_ids FROM cohorts WHERE tenant_id = $1 AND name = $2`, tenantID, name).Scan(&c.UserIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return pulse.Cohort{}, ErrNotFound
	}
	if err != nil {
		return pulse.Cohort{}, err
	}
	return c, nil
}

const pgInviteCols = `id, tenant_id, user_id, question_id, status, channel, token, rotation_week, sent_at, expires_at, completed_at`

func scanPGInvite(r pgx.Row) (pulse.Invite, error) {
	var (
		inv             pulse.Invite
		status, channel string
		completed       *time.Time
	)
	if err := r.Scan(&inv.ID, &inv.TenantID, &inv.UserID, &inv.QuestionID, &status, &channel, &inv.Token, &inv.Week, &inv.SentAt, &inv.ExpiresAt, &completed); err != nil {
		return pulse.Invite{}, err
	}
	inv.Status = pulse.InviteStatus(status)
	inv.Channel = pulse.Channel(channel)
	if completed != nil {
		inv.CompletedAt = *completed
	}
	return inv, nil
}

func (s *postgresStore) FindInviteSince(ctx context.Context, tenantID, userID string, since time.Time) (pulse.Invite, error) {
	inv, err := scanPGInvite(s.db.QueryRow(ctx,
		`SELECT `+pgInviteCols+` FROM invites
		 WHERE tenant_id = $1 AND user_id = $2 AND sent_at >= $3
		 ORDER BY sent_at DESC LIMIT 1`, tenantID, userID, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return pulse.Invite{}, ErrNotFound
	}
	return inv, err
}

func (s *postgresStore) CreateInvite(ctx context.Context, inv pulse.Invite) (pulse.Invite, error) {
	if err := validateInvite(inv); err != nil {
		return pulse.Invite{}, err
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO invites(`+pgInviteCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL)
		 ON CONFLICT (tenant_id, user_id, rotation_week) DO NOTHING`,
		inv.ID, inv.TenantID, inv.UserID, inv.QuestionID, string(inv.Status), string(inv.Channel),
		inv.Token, inv.Week, inv.SentAt, inv.ExpiresAt,
	)
	if err != nil {
		return pulse.Invite{}, err
	}
	if tag.RowsAffected() == 0 {
		return pulse.Invite{}, ErrDuplicate
	}
	return inv, nil
}

func (s *postgresStore) UpsertSchedule(ctx context.Context, sc pulse.Schedule) error {
	if err := validateSchedule(sc); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO schedules(id, tenant_id, day_of_week, time_of_day, rotating, enabled, timezone, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, day_of_week=EXCLUDED.day_of_week,
		   time_of_day=EXCLUDED.time_of_day, rotating=EXCLUDED.rotating, enabled=EXCLUDED.enabled,
		   timezone=EXCLUDED.timezone, created_at=EXCLUDED.created_at`,
		sc.ID, sc.TenantID, int16(sc.DayOfWeek), sc.TimeOfDay, sc.RotatingCohorts, sc.Enabled, sc.Timezone, sc.CreatedAt,
	)
	return err
}

func (s *postgresStore) UpsertCohort(ctx context.Context, c pulse.Cohort) error {
	if c.TenantID == "" || c.Name == "" {
		return ErrInvalid
	}
	users := c.UserIDs
	if users == nil {
		users = []string{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO cohorts(tenant_id, name, user_ids) VALUES($1,$2,$3)
		 ON CONFLICT (tenant_id, name) DO UPDATE SET user_ids = EXCLUDED.user_ids`,
		c.TenantID, c.Name, users,
	)
	return err
}

func (s *postgresStore) UpsertQuestion(ctx context.Context, q pulse.Question) error {
	if q.ID == "" || q.TenantID == "" {
		return ErrInvalid
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO questions(id, tenant_id, text, active, created_at) VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, text=EXCLUDED.text,
		   active=EXCLUDED.active, created_at=EXCLUDED.created_at`,
		q.ID, q.TenantID, q.Text, q.Active, q.CreatedAt,
	)
	return err
}

func (s *postgresStore) CompleteInvite(ctx context.Context, token string, at time.Time) (pulse.Invite, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return pulse.Invite{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inv, err := scanPGInvite(tx.QueryRow(ctx, `SELECT `+pgInviteCols+` FROM invites WHERE token = $1 FOR UPDATE`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return pulse.Invite{}, ErrNotFound
	}
	if err != nil {
		return pulse.Invite{}, err
	}
	inv, err = complete(inv, at)
	if err != nil {
		return inv, err
	}
	if _, err := tx.Exec(ctx, `UPDATE invites SET status = $1, completed_at = $2 WHERE id = $3`, string(inv.Status), at, inv.ID); err != nil {
		return pulse.Invite{}, err
	}
	return inv, tx.Commit(ctx)
}

func (s *postgresStore) PurgePending(ctx context.Context, tenantID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM invites WHERE tenant_id = $1 AND status = $2`, tenantID, string(pulse.StatusPending))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) ListInvites(ctx context.Context, tenantID string) ([]pulse.Invite, error) {
	rows, err := s.db.Query(ctx, `SELECT `+pgInviteCols+` FROM invites WHERE tenant_id = $1 ORDER BY sent_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pulse.Invite
	for rows.Next() {
		inv, err := scanPGInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
