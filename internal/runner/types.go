package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJob  = errors.New("runner: unknown job")
	ErrInvalidSpec = errors.New("runner: invalid cron spec")
)

// Task is the unit of work a job runs on every tick.
type Task func(ctx context.Context) error

// State is the lifecycle state of a registered job.
type State int

const (
	StateRegistered State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type OverlapPolicy int

const (
	// OverlapSkip drops a timer tick while the previous timer run of the same job is in-flight.
	OverlapSkip OverlapPolicy = iota
	OverlapAllow
)

// Options tunes a single job.
type Options struct {
	Overlap OverlapPolicy
	// Timeout bounds a single run. 0 disables it.
	Timeout time.Duration
}

// Config controls the runner.
type Config struct {
	// Timezone is the IANA zone cron specs are evaluated in. Empty means time.Local.
	Timezone string
}

type job struct {
	name  string
	spec  string
	task  Task
	opt   Options
	state State

	entryID cron.EntryID

	// gate is held by in-flight timer runs when Overlap is OverlapSkip.
	gate sync.Mutex

	statsMu  sync.Mutex
	runs     uint64
	failures uint64
	skipped  uint64
	lastRun  time.Time
	lastDur  time.Duration
	lastErr  string
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name         string
	Spec         string
	State        State
	Next         time.Time
	Prev         time.Time
	Runs         uint64
	Failures     uint64
	Skipped      uint64
	LastRun      time.Time
	LastDuration time.Duration
	LastError    string
}
