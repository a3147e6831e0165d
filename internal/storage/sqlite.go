package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pulsebot/internal/pulse"
	logx "pulsebot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the unique week index does the rest.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMS(t time.Time) int64 { return t.UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *sqliteStore) ListEnabledSchedules(ctx context.Context) ([]pulse.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, day_of_week, time_of_day, rotating, enabled, timezone, created_at
		 FROM schedules WHERE enabled = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pulse.Schedule
	for rows.Next() {
		var (
			sc      pulse.Schedule
			created int64
		)
		if err := rows.Scan(&sc.ID, &sc.TenantID, &sc.DayOfWeek, &sc.TimeOfDay, &sc.RotatingCohorts, &sc.Enabled, &sc.Timezone, &created); err != nil {
			return nil, err
		}
		sc.CreatedAt = fromMS(created)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindActiveQuestions(ctx context.Context, tenantID string) ([]pulse.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, text, active, created_at FROM questions
		 WHERE tenant_id = ? AND active = 1 ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pulse.Question
	for rows.Next() {
		var (
			q       pulse.Question
			created int64
		)
		if err := rows.Scan(&q.ID, &q.TenantID, &q.Text, &q.Active, &created); err != nil {
			return nil, err
		}
		q.CreatedAt = fromMS(created)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindCohort(ctx context.Context, tenantID, name string) (pulse.Cohort, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cohorts WHERE tenant_id = ? AND name = ?`, tenantID, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return pulse.Cohort{}, ErrNotFound
	}
	if err != nil {
		return pulse.Cohort{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM cohort_members WHERE tenant_id = ? AND cohort = ? ORDER BY position`, tenantID, name)
	if err != nil {
		return pulse.Cohort{}, err
	}
	defer rows.Close()
	c := pulse.Cohort{TenantID: tenantID, Name: name}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return pulse.Cohort{}, err
		}
		c.UserIDs = append(c.UserIDs, id)
	}
	return c, rows.Err()
}

const sqliteInviteCols = `id, tenant_id, user_id, question_id, status, channel, token, rotation_week, sent_at, expires_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteInvite(r rowScanner) (pulse.Invite, error) {
	var (
		inv             pulse.Invite
		status, channel string
		sent, expires   int64
		completed       sql.NullInt64
	)
	if err := r.Scan(&inv.ID, &inv.TenantID, &inv.UserID, &inv.QuestionID, &status, &channel, &inv.Token, &inv.Week, &sent, &expires, &completed); err != nil {
		return pulse.Invite{}, err
	}
	inv.Status = pulse.InviteStatus(status)
	inv.Channel = pulse.Channel(channel)
	inv.SentAt = fromMS(sent)
	inv.ExpiresAt = fromMS(expires)
	if completed.Valid {
		inv.CompletedAt = fromMS(completed.Int64)
	}
	return inv, nil
}

func (s *sqliteStore) FindInviteSince(ctx context.Context, tenantID, userID string, since time.Time) (pulse.Invite, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteInviteCols+` FROM invites
		 WHERE tenant_id = ? AND user_id = ? AND sent_at >= ?
		 ORDER BY sent_at DESC LIMIT 1`, tenantID, userID, toMS(since))
	inv, err := scanSQLiteInvite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pulse.Invite{}, ErrNotFound
	}
	return inv, err
}

func (s *sqliteStore) CreateInvite(ctx context.Context, inv pulse.Invite) (pulse.Invite, error) {
	if err := validateInvite(inv); err != nil {
		return pulse.Invite{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invites(`+sqliteInviteCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,NULL)
		 ON CONFLICT(tenant_id, user_id, rotation_week) DO NOTHING`,
		inv.ID, inv.TenantID, inv.UserID, inv.QuestionID, string(inv.Status), string(inv.Channel),
		inv.Token, inv.Week, toMS(inv.SentAt), toMS(inv.ExpiresAt),
	)
	if err != nil {
		return pulse.Invite{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pulse.Invite{}, ErrDuplicate
	}
	return inv, nil
}

func (s *sqliteStore) UpsertSchedule(ctx context.Context, sc pulse.Schedule) error {
	if err := validateSchedule(sc); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, tenant_id, day_of_week, time_of_day, rotating, enabled, timezone, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, day_of_week=excluded.day_of_week,
		   time_of_day=excluded.time_of_day, rotating=excluded.rotating, enabled=excluded.enabled,
		   timezone=excluded.timezone, created_at=excluded.created_at`,
		sc.ID, sc.TenantID, sc.DayOfWeek, sc.TimeOfDay, sc.RotatingCohorts, sc.Enabled, sc.Timezone, toMS(sc.CreatedAt),
	)
	return err
}

func (s *sqliteStore) UpsertCohort(ctx context.Context, c pulse.Cohort) error {
	if c.TenantID == "" || c.Name == "" {
		return ErrInvalid
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO cohorts(tenant_id, name) VALUES(?,?) ON CONFLICT DO NOTHING`, c.TenantID, c.Name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cohort_members WHERE tenant_id = ? AND cohort = ?`, c.TenantID, c.Name); err != nil {
		return err
	}
	for i, uid := range c.UserIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cohort_members(tenant_id, cohort, position, user_id) VALUES(?,?,?,?)`,
			c.TenantID, c.Name, i, uid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UpsertQuestion(ctx context.Context, q pulse.Question) error {
	if q.ID == "" || q.TenantID == "" {
		return ErrInvalid
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO questions(id, tenant_id, text, active, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, text=excluded.text,
		   active=excluded.active, created_at=excluded.created_at`,
		q.ID, q.TenantID, q.Text, q.Active, toMS(q.CreatedAt),
	)
	return err
}

func (s *sqliteStore) CompleteInvite(ctx context.Context, token string, at time.Time) (pulse.Invite, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pulse.Invite{}, err
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := scanSQLiteInvite(tx.QueryRowContext(ctx, `SELECT `+sqliteInviteCols+` FROM invites WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return pulse.Invite{}, ErrNotFound
	}
	if err != nil {
		return pulse.Invite{}, err
	}
	inv, err = complete(inv, at)
	if err != nil {
		return inv, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE invites SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(inv.Status), toMS(at), inv.ID, string(pulse.StatusPending)); err != nil {
		return pulse.Invite{}, err
	}
	inv.CompletedAt = fromMS(toMS(at))
	return inv, tx.Commit()
}

func (s *sqliteStore) PurgePending(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invites WHERE tenant_id = ? AND status = ?`, tenantID, string(pulse.StatusPending))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ListInvites(ctx context.Context, tenantID string) ([]pulse.Invite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteInviteCols+` FROM invites WHERE tenant_id = ? ORDER BY sent_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pulse.Invite
	for rows.Next() {
		inv, err := scanSQLiteInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
