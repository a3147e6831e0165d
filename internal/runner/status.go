package runner

import (
	"fmt"
	"time"
)

// Status returns a snapshot of every job in registration order.
func (r *Runner) Status() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobStatus, 0, len(r.order))
	for _, name := range r.order {
		j := r.jobs[name]
		st := JobStatus{Name: j.name, Spec: j.spec, State: j.state}
		if r.c != nil && j.entryID != 0 {
			e := r.c.Entry(j.entryID)
			st.Next = e.Next
			st.Prev = e.Prev
		}
		j.statsMu.Lock()
		st.Runs = j.runs
		st.Failures = j.failures
		st.Skipped = j.skipped
		st.LastRun = j.lastRun
		st.LastDuration = j.lastDur
		st.LastError = j.lastErr
		j.statsMu.Unlock()
		out = append(out, st)
	}
	return out
}

// StatusOf returns the status of a single job.
func (r *Runner) StatusOf(name string) (JobStatus, bool) {
	for _, st := range r.Status() {
		if st.Name == name {
			return st, true
		}
	}
	return JobStatus{}, false
}

// PreviewNext returns the next n fire times of a job's spec after from,
// evaluated in the runner's zone.
func (r *Runner) PreviewNext(name string, from time.Time, n int) ([]time.Time, error) {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	sched, err := r.parser.Parse(j.spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if n <= 0 {
		n = 1
	}
	t := from.In(r.Location())
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
