package pulse

import (
	"context"
	"errors"
	"time"

	"pulsebot/internal/delivery"
)

var (
	// ErrNotFound is returned by repositories for a missing cohort or invite.
	ErrNotFound = errors.New("pulse: not found")
	// ErrDuplicateInvite is returned by CreateInvite when (tenant, user, week) already has an invite.
	ErrDuplicateInvite = errors.New("pulse: duplicate invite for rotation week")
)

type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelTelegram Channel = "TELEGRAM"
)

type InviteStatus string

const (
	StatusPending   InviteStatus = "PENDING"
	StatusCompleted InviteStatus = "COMPLETED"
	StatusExpired   InviteStatus = "EXPIRED"
)

// AllCohort is the cohort used by schedules without rotation.
const AllCohort = "all"

// Schedule is a tenant's recurring pulse slot.
type Schedule struct {
	ID       string
	TenantID string
	// DayOfWeek is 0 (Sunday) through 6 (Saturday).
	DayOfWeek int
	// TimeOfDay is "HH:mm" in the schedule's zone.
	TimeOfDay       string
	RotatingCohorts bool
	Enabled         bool
	// Timezone is an optional IANA zone; empty uses the job's location.
	Timezone  string
	CreatedAt time.Time
}

type Cohort struct {
	TenantID string
	Name     string
	UserIDs  []string
}

type Question struct {
	ID        string
	TenantID  string
	Text      string
	Active    bool
	CreatedAt time.Time
}

type Invite struct {
	ID         string
	TenantID   string
	UserID     string
	QuestionID string
	Status     InviteStatus
	Channel    Channel
	Token      string
	// Week is the rotation week key (the week's Sunday as YYYY-MM-DD).
	Week        string
	SentAt      time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time
}

// Repository is the store the invitation job reads schedules, cohorts and
// questions from and writes invites to.
type Repository interface {
	ListEnabledSchedules(ctx context.Context) ([]Schedule, error)
	// FindActiveQuestions returns the tenant's active questions in creation order.
	FindActiveQuestions(ctx context.Context, tenantID string) ([]Question, error)
	// FindCohort returns ErrNotFound when the cohort does not exist.
	FindCohort(ctx context.Context, tenantID, name string) (Cohort, error)
	// FindInviteSince returns the newest invite with SentAt >= since, or ErrNotFound.
	FindInviteSince(ctx context.Context, tenantID, userID string, since time.Time) (Invite, error)
	// CreateInvite persists inv and returns ErrDuplicateInvite when the
	// (tenant, user, week) slot is already taken.
	CreateInvite(ctx context.Context, inv Invite) (Invite, error)
}

// Enqueuer hands invites to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, p delivery.Payload, opts ...delivery.EnqueueOption) (delivery.Handle, error)
}
