package delivery

import (
	"context"
	"encoding/json"
	"time"
)

// State is where a job sits in the queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one queued delivery.
type Job struct {
	ID          string
	Payload     Payload
	State       State
	Attempts    int
	MaxAttempts int
	// Backoffs records the delay scheduled after each failed attempt.
	Backoffs   []time.Duration
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	RunAt      time.Time
	LeaseUntil time.Time
	FinishedAt time.Time
	MessageID  string
}

type jobJSON struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffsMS  []int64         `json:"backoffs_ms,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	RunAt       time.Time       `json:"run_at"`
	LeaseUntil  time.Time       `json:"lease_until,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	p, err := EncodePayload(j.Payload)
	if err != nil {
		return nil, err
	}
	out := jobJSON{
		ID: j.ID, Payload: p, State: j.State, Attempts: j.Attempts, MaxAttempts: j.MaxAttempts,
		LastError: j.LastError, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt, RunAt: j.RunAt,
		LeaseUntil: j.LeaseUntil, FinishedAt: j.FinishedAt, MessageID: j.MessageID,
	}
	for _, d := range j.Backoffs {
		out.BackoffsMS = append(out.BackoffsMS, d.Milliseconds())
	}
	return json.Marshal(out)
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var in jobJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	p, err := DecodePayload(in.Payload)
	if err != nil {
		return err
	}
	*j = Job{
		ID: in.ID, Payload: p, State: in.State, Attempts: in.Attempts, MaxAttempts: in.MaxAttempts,
		LastError: in.LastError, CreatedAt: in.CreatedAt, UpdatedAt: in.UpdatedAt, RunAt: in.RunAt,
		LeaseUntil: in.LeaseUntil, FinishedAt: in.FinishedAt, MessageID: in.MessageID,
	}
	for _, ms := range in.BackoffsMS {
		j.Backoffs = append(j.Backoffs, time.Duration(ms)*time.Millisecond)
	}
	return nil
}

func (j Job) clone() Job {
	j.Backoffs = append([]time.Duration(nil), j.Backoffs...)
	return j
}

// Handle is returned by Enqueue. Existing is true when a job with the same ID
// was already queued and the call was a no-op.
type Handle struct {
	ID       string
	Existing bool
}

// Metrics are job counts by state.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Retention bounds how many finished jobs are kept and for how long.
// Zero values disable the corresponding bound.
type Retention struct {
	KeepCompleted    int
	KeepCompletedFor time.Duration
	KeepFailed       int
	KeepFailedFor    time.Duration
}

// Store is the queue's backing store. Implementations must be safe for
// concurrent producers and consumers.
type Store interface {
	// Add inserts job unless its ID exists. It reports whether it was added.
	Add(ctx context.Context, job Job) (bool, error)
	// Claim promotes due delayed jobs, reclaims jobs whose lease expired and
	// moves the oldest waiting job to active with the given lease.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error)
	// Settle stores the outcome of an active job. job.State must be
	// StateCompleted, StateDelayed (retry at job.RunAt) or StateFailed.
	Settle(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// Requeue moves a failed job back to waiting with a fresh attempt budget.
	Requeue(ctx context.Context, id string, now time.Time) error
	Counts(ctx context.Context) (Metrics, error)
	// Recent returns up to n jobs, most recently updated first.
	Recent(ctx context.Context, n int) ([]Job, error)
	// Prune drops finished jobs beyond the retention bounds and returns how many were dropped.
	Prune(ctx context.Context, now time.Time, r Retention) (int, error)
	Close() error
}

type enqueueOptions struct {
	id          string
	delay       time.Duration
	maxAttempts int
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithJobID sets an idempotency key. Enqueueing an ID that is already stored is a no-op.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.id = id }
}

// WithDelay defers the first attempt.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithAttempts overrides the attempt budget for this job.
func WithAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// Bus event types.
const (
	EventEnqueued  = "delivery.enqueued"
	EventCompleted = "delivery.completed"
	EventRetry     = "delivery.retry"
	EventFailed    = "delivery.failed"
	EventRequeued  = "delivery.requeued"
)

// JobEvent is the Data of delivery bus events.
type JobEvent struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Backoff  time.Duration `json:"backoff,omitempty"`
	Error    string        `json:"error,omitempty"`
}
