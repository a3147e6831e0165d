package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "pulsebot/pkg/logx"
)

// fire is the cron callback. Errors and panics stay inside the job.
func (r *Runner) fire(ctx context.Context, j *job) {
	if j.opt.Overlap == OverlapSkip {
		if !j.gate.TryLock() {
			j.statsMu.Lock()
			j.skipped++
			j.statsMu.Unlock()
			r.log.Debug("job still running; tick skipped", logx.String("name", j.name))
			return
		}
		defer j.gate.Unlock()
	}
	if err := r.run(ctx, j, "timer"); err != nil {
		r.log.Error("job failed", logx.String("name", j.name), logx.Err(err))
	}
}

// Trigger runs the named job once, synchronously, bypassing the timer and the
// overlap gate. The job's error is returned to the caller.
func (r *Runner) Trigger(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return r.run(ctx, j, "manual")
}

func (r *Runner) run(ctx context.Context, j *job, trigger string) (err error) {
	if j.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.opt.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("job panic", logx.String("name", j.name), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("job %q panic: %v", j.name, rec)
		}
		dur := time.Since(start)

		j.statsMu.Lock()
		j.runs++
		j.lastRun = start
		j.lastDur = dur
		if err != nil {
			j.failures++
			j.lastErr = err.Error()
		} else {
			j.lastErr = ""
		}
		j.statsMu.Unlock()

		if err == nil {
			r.log.Debug("job done", logx.String("name", j.name), logx.String("trigger", trigger), logx.Duration("took", dur))
		}
	}()

	return j.task(ctx)
}
