package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulsebot/internal/pulse"
)

var (
	ErrNotFound  = pulse.ErrNotFound
	ErrDuplicate = pulse.ErrDuplicateInvite
	// ErrInviteClosed is returned by CompleteInvite for an invite that is no longer pending.
	ErrInviteClosed = errors.New("storage: invite is not pending")
	ErrInvalid      = errors.New("storage: invalid record")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq URL or key/value string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxConns    int32         // postgres only; 0 means 10
}

// Store is a pulse.Repository plus the admin operations seed tooling and the
// response path need.
type Store interface {
	pulse.Repository

	UpsertSchedule(ctx context.Context, s pulse.Schedule) error
	// UpsertCohort replaces the cohort's member list, keeping the given order.
	UpsertCohort(ctx context.Context, c pulse.Cohort) error
	UpsertQuestion(ctx context.Context, q pulse.Question) error

	// CompleteInvite marks the pending, unexpired invite holding token as
	// completed. Tokens are single-use.
	CompleteInvite(ctx context.Context, token string, at time.Time) (pulse.Invite, error)
	// PurgePending deletes the tenant's PENDING invites and returns how many went.
	PurgePending(ctx context.Context, tenantID string) (int64, error)
	// ListInvites returns the tenant's invites ordered by sent time.
	ListInvites(ctx context.Context, tenantID string) ([]pulse.Invite, error)

	Close() error
}

func validateSchedule(s pulse.Schedule) error {
	switch {
	case s.ID == "" || s.TenantID == "":
		return fmt.Errorf("%w: schedule id and tenant are required", ErrInvalid)
	case s.DayOfWeek < 0 || s.DayOfWeek > 6:
		return fmt.Errorf("%w: schedule day_of_week must be 0..6", ErrInvalid)
	}
	if !pulse.ValidTimeOfDay(s.TimeOfDay) {
		return fmt.Errorf("%w: schedule time_of_day must be HH:mm", ErrInvalid)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

func validateInvite(inv pulse.Invite) error {
	if inv.ID == "" || inv.TenantID == "" || inv.UserID == "" || inv.Token == "" || inv.Week == "" {
		return fmt.Errorf("%w: invite id, tenant, user, token and week are required", ErrInvalid)
	}
	return nil
}

// complete applies the CompleteInvite transition to inv.
func complete(inv pulse.Invite, at time.Time) (pulse.Invite, error) {
	if inv.Status != pulse.StatusPending {
		return inv, ErrInviteClosed
	}
	if !inv.ExpiresAt.IsZero() && !at.Before(inv.ExpiresAt) {
		return inv, ErrInviteClosed
	}
	inv.Status = pulse.StatusCompleted
	inv.CompletedAt = at
	return inv, nil
}
