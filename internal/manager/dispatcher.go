package manager

import (
	"context"
	"time"

	"github.com/marcus/stargazer/internal/executor"
	"github.com/marcus/stargazer/internal/tasks"
)

// loop is the dispatch control loop: drain eligible work, then sleep until
// woken by an enqueue, a completion, a resume, a settings change, or the
// safety-net poll tick. Rate-limit denials schedule an earlier wake.
func (m *Manager) loop() {
	defer m.wg.Done()

	for {
		retryAt := m.dispatch()

		wait := m.pollInterval
		if !retryAt.IsZero() {
			if d := time.Until(retryAt); d > 0 && d < wait {
				wait = d
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.baseCtx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatch launches queued tasks until a gate closes: pause, full
// concurrency, empty queue, or a rate-limit denial. On a token-specific
// denial later, smaller candidates are still considered; a request-count
// denial blocks every candidate until the window frees a slot. Returns the
// earliest instant a denied candidate could pass, or zero.
func (m *Manager) dispatch() time.Time {
	var retryAt time.Time

	for {
		m.mu.Lock()
		if m.paused || len(m.running) >= m.maxConcurrent {
			m.mu.Unlock()
			return retryAt
		}

		blocked := false
		t := m.queue.DequeueMatch(func(c *tasks.Task) bool {
			if blocked {
				return false
			}
			verdict := m.limiter.TryAcquire(c.Config.EstimatedTokens)
			if verdict.Allowed {
				return true
			}
			if retryAt.IsZero() || verdict.WaitUntil.Before(retryAt) {
				retryAt = verdict.WaitUntil
			}
			if !verdict.TokenLimited {
				blocked = true
			}
			return false
		})
		if t == nil {
			m.mu.Unlock()
			return retryAt
		}

		ctx, cancel := context.WithCancel(m.baseCtx)
		m.running[t.ID] = cancel
		m.mu.Unlock()

		m.registry.UpdateStatus(t.ID, tasks.StatusRunning)
		m.dlog.DebugCtx("task dispatched", map[string]any{
			"task_id":  t.ID,
			"type":     string(t.Type),
			"priority": t.Priority.String(),
		})

		m.wg.Add(1)
		go m.run(ctx, cancel, t)
	}
}

// run executes one task and applies the completion, retry, failure or
// cancellation transition. The new state is stamped in the same critical
// section that retires the task from the running set, so a concurrent Cancel
// either finds the task running and signals its context, or observes the
// stamped state; it can never slip a second terminal transition in between.
// Per-task isolation: nothing here can take the loop down.
func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, t *tasks.Task) {
	defer m.wg.Done()
	defer cancel()

	out, err := m.exec.Execute(ctx, t)

	switch {
	case err == nil:
		m.mu.Lock()
		delete(m.running, t.ID)
		m.registry.Update(t.ID, func(x *tasks.Task) {
			x.Result = out.Result
			x.Err = ""
			x.Metrics.TokensUsed = out.TokensUsed
			x.Metrics.ActualCost = out.ActualCost
		})
		m.registry.UpdateStatus(t.ID, tasks.StatusCompleted)
		m.mu.Unlock()

		m.budget.RecordActual(t.ID, out.ActualCost)
		m.finish(t, tasks.StatusCompleted)

	case ctx.Err() == context.Canceled:
		// Caller cancellation or shutdown; the executor yielded.
		m.mu.Lock()
		delete(m.running, t.ID)
		m.registry.UpdateStatus(t.ID, tasks.StatusCancelled)
		m.mu.Unlock()

		m.budget.Release(t.ID)
		m.finish(t, tasks.StatusCancelled)

	default:
		m.handleFailure(t, out, err)
	}

	m.wakeLoop()
}

// handleFailure either schedules a retry with backoff or fails the task for
// good, stamping the new state while the task leaves the running set. Partial
// usage from a failed attempt (a batch with some sub-items done) is debited
// only on the terminal transition.
func (m *Manager) handleFailure(t *tasks.Task, out executor.Outcome, err error) {
	m.mu.Lock()
	delete(m.running, t.ID)

	snap, _ := m.registry.Snapshot(t.ID)
	retryCount := snap.Metrics.RetryCount

	if m.retry.ShouldRetry(retryCount, t.Config.MaxRetries, err) {
		m.registry.Update(t.ID, func(x *tasks.Task) {
			x.Err = err.Error()
			x.Metrics.RetryCount++
			x.Status = tasks.StatusRetrying
		})
		m.mu.Unlock()

		delay := m.retry.NextDelay(t.Config.RetryDelayBase, retryCount)
		m.dlog.WarnCtx("task retrying", map[string]any{
			"task_id": t.ID,
			"attempt": retryCount + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		m.wg.Add(1)
		go m.requeueAfter(t, delay)
		return
	}

	m.registry.Update(t.ID, func(x *tasks.Task) {
		x.Err = err.Error()
		x.Metrics.TokensUsed += out.TokensUsed
		x.Metrics.ActualCost += out.ActualCost
	})
	m.registry.UpdateStatus(t.ID, tasks.StatusFailed)
	m.mu.Unlock()

	m.budget.RecordActual(t.ID, out.ActualCost)
	m.dlog.ErrorCtx("task failed", map[string]any{
		"task_id": t.ID,
		"retries": retryCount,
		"error":   err.Error(),
	})
	m.finish(t, tasks.StatusFailed)
}

// requeueAfter waits out the backoff and puts the task back in the queue at
// its original priority. A cancellation during the wait wins; shutdown
// resolves the task as cancelled.
func (m *Manager) requeueAfter(t *tasks.Task, delay time.Duration) {
	defer m.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-m.baseCtx.Done():
		m.mu.Lock()
		snap, ok := m.registry.Snapshot(t.ID)
		if !ok || snap.Status != tasks.StatusRetrying {
			m.mu.Unlock()
			return
		}
		m.registry.UpdateStatus(t.ID, tasks.StatusCancelled)
		m.mu.Unlock()
		m.budget.Release(t.ID)
		m.finish(t, tasks.StatusCancelled)
		return
	case <-timer.C:
	}

	m.mu.Lock()
	snap, ok := m.registry.Snapshot(t.ID)
	if !ok || snap.Status != tasks.StatusRetrying {
		m.mu.Unlock()
		return
	}
	if err := m.queue.Enqueue(t); err != nil {
		m.registry.Update(t.ID, func(x *tasks.Task) {
			x.Err = err.Error()
		})
		m.registry.UpdateStatus(t.ID, tasks.StatusFailed)
		m.mu.Unlock()
		m.budget.RecordActual(t.ID, 0)
		m.finish(t, tasks.StatusFailed)
		return
	}
	m.mu.Unlock()
	m.wakeLoop()
}
