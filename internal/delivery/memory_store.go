package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Jobs do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	waiting []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*Job{}}
}

func (s *MemoryStore) Add(_ context.Context, job Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return false, nil
	}
	j := job.clone()
	s.jobs[j.ID] = &j
	if j.State == StateWaiting {
		s.waiting = append(s.waiting, j.ID)
	}
	return true, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, j := range s.jobs {
		switch {
		case j.State == StateDelayed && !j.RunAt.After(now):
			due = append(due, j)
		case j.State == StateActive && !j.LeaseUntil.IsZero() && j.LeaseUntil.Before(now):
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].RunAt.Before(due[b].RunAt)
		}
		return due[a].ID < due[b].ID
	})
	for _, j := range due {
		j.State = StateWaiting
		j.LeaseUntil = time.Time{}
		s.waiting = append(s.waiting, j.ID)
	}

	for len(s.waiting) > 0 {
		id := s.waiting[0]
		s.waiting = s.waiting[1:]
		j, ok := s.jobs[id]
		if !ok || j.State != StateWaiting {
			continue
		}
		j.State = StateActive
		j.LeaseUntil = now.Add(lease)
		j.UpdatedAt = now
		return j.clone(), true, nil
	}
	return Job{}, false, nil
}

func (s *MemoryStore) Settle(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	j := job.clone()
	j.LeaseUntil = time.Time{}
	s.jobs[j.ID] = &j
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.clone(), nil
}

func (s *MemoryStore) Requeue(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateFailed {
		return ErrNotFailed
	}
	resetForRequeue(j, now)
	s.waiting = append(s.waiting, id)
	return nil
}

func resetForRequeue(j *Job, now time.Time) {
	j.State = StateWaiting
	j.Attempts = 0
	j.Backoffs = nil
	j.LastError = ""
	j.RunAt = now
	j.UpdatedAt = now
	j.FinishedAt = time.Time{}
	j.LeaseUntil = time.Time{}
}

func (s *MemoryStore) Counts(_ context.Context) (Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m Metrics
	for _, j := range s.jobs {
		switch j.State {
		case StateWaiting:
			m.Waiting++
		case StateActive:
			m.Active++
		case StateDelayed:
			m.Delayed++
		case StateCompleted:
			m.Completed++
		case StateFailed:
			m.Failed++
		}
	}
	return m, nil
}

func (s *MemoryStore) Recent(_ context.Context, n int) ([]Job, error) {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	s.mu.Unlock()
	sortRecent(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func sortRecent(jobs []Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].UpdatedAt.Equal(jobs[b].UpdatedAt) {
			return jobs[a].UpdatedAt.After(jobs[b].UpdatedAt)
		}
		return jobs[a].ID > jobs[b].ID
	})
}

func (s *MemoryStore) Prune(_ context.Context, now time.Time, r Retention) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.pruneLocked(StateCompleted, now, r.KeepCompleted, r.KeepCompletedFor)
	removed += s.pruneLocked(StateFailed, now, r.KeepFailed, r.KeepFailedFor)
	return removed, nil
}

func (s *MemoryStore) pruneLocked(state State, now time.Time, keep int, age time.Duration) int {
	var list []*Job
	for _, j := range s.jobs {
		if j.State == state {
			list = append(list, j)
		}
	}
	// newest first
	sort.Slice(list, func(a, b int) bool { return list[a].FinishedAt.After(list[b].FinishedAt) })
	removed := 0
	for i, j := range list {
		tooOld := age > 0 && now.Sub(j.FinishedAt) > age
		tooMany := keep > 0 && i >= keep
		if tooOld || tooMany {
			delete(s.jobs, j.ID)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Close() error { return nil }
