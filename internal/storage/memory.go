package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"pulsebot/internal/pulse"
)

type weekKey struct{ tenant, user, week string }

type memoryStore struct {
	mu        sync.RWMutex
	schedules map[string]pulse.Schedule
	cohorts   map[[2]string][]string
	questions map[string]pulse.Question
	invites   map[string]pulse.Invite
	byWeek    map[weekKey]string
	byToken   map[string]string
}

// NewMemory returns an empty in-process Store.
func NewMemory() Store {
	return &memoryStore{
		schedules: map[string]pulse.Schedule{},
		cohorts:   map[[2]string][]string{},
		questions: map[string]pulse.Question{},
		invites:   map[string]pulse.Invite{},
		byWeek:    map[weekKey]string{},
		byToken:   map[string]string{},
	}
}

func (m *memoryStore) ListEnabledSchedules(_ context.Context) ([]pulse.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pulse.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (m *memoryStore) FindActiveQuestions(_ context.Context, tenantID string) ([]pulse.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []pulse.Question
	for _, q := range m.questions {
		if q.TenantID == tenantID && q.Active {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (m *memoryStore) FindCohort(_ context.Context, tenantID, name string) (pulse.Cohort, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users, ok := m.cohorts[[2]string{tenantID, name}]
	if !ok {
		return pulse.Cohort{}, ErrNotFound
	}
	return pulse.Cohort{TenantID: tenantID, Name: name, UserIDs: slices.Clone(users)}, nil
}

func (m *memoryStore) FindInviteSince(_ context.Context, tenantID, userID string, since time.Time) (pulse.Invite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  pulse.Invite
		found bool
	)
	for _, inv := range m.invites {
		if inv.TenantID != tenantID || inv.UserID != userID || inv.SentAt.Before(since) {
			continue
		}
		if !found || inv.SentAt.After(best.SentAt) {
			best, found = inv, true
		}
	}
	if !found {
		return pulse.Invite{}, ErrNotFound
	}
	return best, nil
}

func (m *memoryStore) CreateInvite(_ context.Context, inv pulse.Invite) (pulse.Invite, error) {
	if err := validateInvite(inv); err != nil {
		return pulse.Invite{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := weekKey{inv.TenantID, inv.UserID, inv.Week}
	if _, ok := m.byWeek[k]; ok {
		return pulse.Invite{}, ErrDuplicate
	}
	if _, ok := m.invites[inv.ID]; ok {
		return pulse.Invite{}, ErrDuplicate
	}
	if _, ok := m.byToken[inv.Token]; ok {
		return pulse.Invite{}, ErrDuplicate
	}
	m.invites[inv.ID] = inv
	m.byWeek[k] = inv.ID
	m.byToken[inv.Token] = inv.ID
	return inv, nil
}

func (m *memoryStore) UpsertSchedule(_ context.Context, s pulse.Schedule) error {
	if err := validateSchedule(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return nil
}

func (m *memoryStore) UpsertCohort(_ context.Context, c pulse.Cohort) error {
	if c.TenantID == "" || c.Name == "" {
		return ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cohorts[[2]string{c.TenantID, c.Name}] = slices.Clone(c.UserIDs)
	return nil
}

func (m *memoryStore) UpsertQuestion(_ context.Context, q pulse.Question) error {
	if q.ID == "" || q.TenantID == "" {
		return ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions[q.ID] = q
	return nil
}

func (m *memoryStore) CompleteInvite(_ context.Context, token string, at time.Time) (pulse.Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[token]
	if !ok {
		return pulse.Invite{}, ErrNotFound
	}
	inv, err := complete(m.invites[id], at)
	if err != nil {
		return inv, err
	}
	m.invites[id] = inv
	return inv, nil
}

func (m *memoryStore) PurgePending(_ context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, inv := range m.invites {
		if inv.TenantID != tenantID || inv.Status != pulse.StatusPending {
			continue
		}
		delete(m.invites, id)
		delete(m.byWeek, weekKey{inv.TenantID, inv.UserID, inv.Week})
		delete(m.byToken, inv.Token)
		n++
	}
	return n, nil
}

func (m *memoryStore) ListInvites(_ context.Context, tenantID string) ([]pulse.Invite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []pulse.Invite
	for _, inv := range m.invites {
		if inv.TenantID == tenantID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].SentAt.Equal(out[b].SentAt) {
			return out[a].SentAt.Before(out[b].SentAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (m *memoryStore) Close() error { return nil }
