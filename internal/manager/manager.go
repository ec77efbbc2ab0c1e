// Package manager is the public face of the task system: submission with
// synchronous admission checks, batch grouping, cancellation, pause/resume,
// status queries, statistics and cleanup. The dispatch loop that moves tasks
// from queued to running lives in dispatcher.go; retry.go owns backoff.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/stargazer/internal/budget"
	"github.com/marcus/stargazer/internal/executor"
	"github.com/marcus/stargazer/internal/logging"
	"github.com/marcus/stargazer/internal/ratelimit"
	"github.com/marcus/stargazer/internal/tasks"
)

var (
	// ErrUnknownTask is returned for ids the manager has never seen or has
	// already evicted.
	ErrUnknownTask = errors.New("unknown task")

	// ErrTaskNotFinished is returned when a result is requested before the
	// task reached a terminal state.
	ErrTaskNotFinished = errors.New("task not finished")

	// ErrTaskCancelled is returned when a result is requested for a
	// cancelled task.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrAlreadyStarted rejects a second Start.
	ErrAlreadyStarted = errors.New("manager already started")

	// ErrEstimateTooLarge rejects a task whose token estimate exceeds the
	// per-minute token ceiling; such a task could never be dispatched.
	ErrEstimateTooLarge = errors.New("estimated tokens exceed the token limit")
)

// Executor runs one task to completion. Satisfied by executor.Executor.
type Executor interface {
	Execute(ctx context.Context, task *tasks.Task) (executor.Outcome, error)
}

// Settings configures a Manager at construction time. Concurrency, rate and
// budget limits can be changed later through AdjustSettings.
type Settings struct {
	MaxConcurrent int
	QueueCapacity int
	RateLimits    ratelimit.Limits
	Budgets       budget.Limits
	RetryDelayCap time.Duration
	PollInterval  time.Duration // dispatch loop safety-net wake interval
}

// DefaultSettings returns the stock configuration.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrent: 5,
		QueueCapacity: tasks.DefaultQueueCapacity,
		RateLimits:    ratelimit.DefaultLimits(),
		Budgets:       budget.DefaultLimits(),
		RetryDelayCap: DefaultRetryDelayCap,
		PollInterval:  500 * time.Millisecond,
	}
}

// batchState tracks aggregate progress for a submit-batch group. A batch has
// no state machine of its own; it just counts member terminations. total is
// zero until SubmitBatch seals the admitted member count. pending and
// delivering serialize onProgress delivery so concurrent terminations report
// monotonic pairs; all fields are guarded by the manager mu.
type batchState struct {
	total      int
	completed  int
	onProgress tasks.ProgressFunc
	pending    []progressEvent
	delivering bool
}

type progressEvent struct {
	done  int
	total int
}

type perfCounters struct {
	processed int64
	succeeded int64
	failed    int64
	cancelled int64
}

// Manager owns the queue, registry, limiter and ledgers, and exposes the
// public task API. Construct once per process with New.
type Manager struct {
	queue    *tasks.Queue
	registry *tasks.Registry
	limiter  *ratelimit.Limiter
	budget   *budget.Controller
	exec     Executor
	retry    RetryPolicy

	pollInterval time.Duration
	logger       *logging.Logger
	dlog         *logging.Logger

	// mu guards the running set, pause flag, counters, batch states, the
	// done channels, and every queue pop (enqueues are lock-free relative
	// to mu; pops must not race with cancellation).
	mu            sync.Mutex
	maxConcurrent int
	running       map[string]context.CancelFunc
	paused        bool
	started       bool
	startedAt     time.Time
	done          map[string]chan struct{}
	batches       map[string]*batchState
	perf          perfCounters

	baseCtx context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup
}

// New creates a manager. Call Start to begin dispatching.
func New(settings Settings, exec Executor) *Manager {
	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = 5
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queue:         tasks.NewQueue(settings.QueueCapacity),
		registry:      tasks.NewRegistry(),
		limiter:       ratelimit.New(settings.RateLimits),
		budget:        budget.New(settings.Budgets),
		exec:          exec,
		retry:         NewRetryPolicy(settings.RetryDelayCap),
		pollInterval:  settings.PollInterval,
		logger:        logging.Component("manager"),
		dlog:          logging.Component("dispatcher"),
		maxConcurrent: settings.MaxConcurrent,
		running:       make(map[string]context.CancelFunc),
		done:          make(map[string]chan struct{}),
		batches:       make(map[string]*batchState),
		baseCtx:       ctx,
		cancel:        cancel,
	}
}

// Start launches the dispatch loop. Tasks submitted before Start queue up
// and dispatch once it runs.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.startedAt = time.Now()
	m.wake = make(chan struct{}, 1)

	m.wg.Add(1)
	go m.loop()

	m.logger.InfoCtx("manager started", map[string]any{
		"max_concurrent": m.maxConcurrent,
		"queue_capacity": m.queue.Capacity(),
	})
	return nil
}

// Stop cancels all in-flight work and waits for the loop and workers to
// drain. Running tasks resolve as cancelled. The manager cannot be restarted.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("manager stopped")
}

// normalizeConfig fills submission-time defaults.
func normalizeConfig(cfg *tasks.Config) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.EstimatedTokens <= 0 {
		cfg.EstimatedTokens = defaultEstimatedTokens
	}
}

// Submit validates, admits and enqueues one task. Admission (payload shape,
// token estimate, budget, queue capacity) is checked synchronously; a
// returned id is visible to status queries immediately.
func (m *Manager) Submit(typ tasks.Type, payload tasks.Payload, priority tasks.Priority, cfg tasks.Config, metadata map[string]any) (string, error) {
	return m.submit(typ, payload, priority, cfg, metadata, "")
}

func (m *Manager) submit(typ tasks.Type, payload tasks.Payload, priority tasks.Priority, cfg tasks.Config, metadata map[string]any, batchID string) (string, error) {
	if !priority.Valid() {
		return "", fmt.Errorf("%w: priority %d out of range", tasks.ErrInvalidPayload, priority)
	}
	if err := tasks.ValidatePayload(typ, payload); err != nil {
		return "", err
	}
	normalizeConfig(&cfg)

	// An estimate above the per-minute token ceiling can never clear the
	// window; reject it here instead of letting it starve in the queue.
	if lim := m.limiter.Limits().TokensPerMinute; lim > 0 && cfg.EstimatedTokens > lim {
		return "", fmt.Errorf("%w: %d > %d per minute", ErrEstimateTooLarge, cfg.EstimatedTokens, lim)
	}

	t := tasks.New(typ, payload, priority, cfg, metadata)
	t.BatchID = batchID
	t.Metrics.EstimatedCost = estimateCost(typ, payload, cfg.EstimatedTokens)

	if err := m.budget.Reserve(t.ID, t.Metrics.EstimatedCost); err != nil {
		return "", err
	}

	m.registry.Register(t)
	m.mu.Lock()
	m.done[t.ID] = make(chan struct{})
	m.mu.Unlock()

	if err := m.queue.Enqueue(t); err != nil {
		m.budget.Release(t.ID)
		m.registry.Remove(t.ID)
		m.mu.Lock()
		delete(m.done, t.ID)
		m.mu.Unlock()
		return "", err
	}

	m.logger.DebugCtx("task submitted", map[string]any{
		"task_id":        t.ID,
		"type":           string(typ),
		"priority":       priority.String(),
		"estimated_cost": t.Metrics.EstimatedCost,
	})
	m.wakeLoop()
	return t.ID, nil
}

// Submission is one item of a batch submit.
type Submission struct {
	Type     tasks.Type
	Payload  tasks.Payload
	Config   tasks.Config
	Metadata map[string]any
}

// SubmitBatch admits each item independently, all at the same priority, under
// one batch id for aggregate progress. There is no all-or-nothing guarantee:
// compare the returned id list against the input length to detect partial
// admission. onProgress, if set, fires once per member task termination.
func (m *Manager) SubmitBatch(items []Submission, priority tasks.Priority, onProgress tasks.ProgressFunc) []string {
	if len(items) == 0 {
		return nil
	}
	batchID := uuid.NewString()

	m.mu.Lock()
	m.batches[batchID] = &batchState{onProgress: onProgress}
	m.mu.Unlock()

	ids := make([]string, 0, len(items))
	for i, item := range items {
		id, err := m.submit(item.Type, item.Payload, priority, item.Config, item.Metadata, batchID)
		if err != nil {
			m.logger.WarnCtx("batch item rejected", map[string]any{
				"batch_id": batchID,
				"index":    i,
				"error":    err.Error(),
			})
			continue
		}
		ids = append(ids, id)
	}

	m.mu.Lock()
	var deliver *batchState
	if len(ids) == 0 {
		delete(m.batches, batchID)
	} else {
		bs := m.batches[batchID]
		bs.total = len(ids)
		// Members that terminated before the batch was sealed emitted no
		// progress; queue their events now that the total is known.
		if bs.onProgress != nil {
			for done := 1; done <= bs.completed; done++ {
				bs.pending = append(bs.pending, progressEvent{done: done, total: bs.total})
			}
			if len(bs.pending) > 0 && !bs.delivering {
				bs.delivering = true
				deliver = bs
			}
		}
		if bs.completed >= bs.total {
			delete(m.batches, batchID)
		}
	}
	m.mu.Unlock()

	if deliver != nil {
		m.deliverProgress(deliver)
	}
	return ids
}

// BatchProgress reports completed/total for an active batch. ok is false once
// every member has terminated or the id is unknown.
func (m *Manager) BatchProgress(batchID string) (completed, total int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return 0, 0, false
	}
	return b.completed, b.total, true
}

// Cancel cancels a task. Queued and retry-pending tasks cancel synchronously;
// a running task gets a cooperative signal and resolves as cancelled only if
// its executor yields at the next call boundary. Returns false for unknown or
// already-terminal ids.
func (m *Manager) Cancel(id string) bool {
	t := m.registry.Get(id)
	if t == nil {
		return false
	}

	m.mu.Lock()
	if cancelRun, ok := m.running[id]; ok {
		m.mu.Unlock()
		cancelRun()
		m.logger.DebugCtx("cancellation signalled", map[string]any{"task_id": id})
		return true
	}

	snap, ok := m.registry.Snapshot(id)
	if !ok || snap.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	// Queued now, or retry-pending; either way it is not running and cannot
	// start while mu is held. Stamping the terminal state under mu keeps a
	// pending retry requeue from resurrecting it.
	m.queue.Remove(id)
	m.registry.UpdateStatus(id, tasks.StatusCancelled)
	m.mu.Unlock()

	m.budget.Release(id)
	m.finish(t, tasks.StatusCancelled)
	return true
}

// CancelBatch cancels each id independently and reports per-id outcomes.
func (m *Manager) CancelBatch(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = m.Cancel(id)
	}
	return out
}

// Pause stops dispatching new tasks. In-flight executions run to completion.
// Idempotent.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Info("dispatch paused")
}

// Resume restarts dispatching. Idempotent.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.logger.Info("dispatch resumed")
	m.wakeLoop()
}

// IsPaused reports whether dispatching is paused.
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// GetTaskStatus returns a consistent snapshot of the task's state.
func (m *Manager) GetTaskStatus(id string) (tasks.Snapshot, bool) {
	return m.registry.Snapshot(id)
}

// GetTaskResult returns the task's result once completed. Failed tasks yield
// their final error, cancelled tasks ErrTaskCancelled, unfinished tasks
// ErrTaskNotFinished.
func (m *Manager) GetTaskResult(id string) (any, error) {
	snap, ok := m.registry.Snapshot(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	switch snap.Status {
	case tasks.StatusCompleted:
		return snap.Result, nil
	case tasks.StatusFailed:
		return nil, fmt.Errorf("task failed after %d retries: %s", snap.Metrics.RetryCount, snap.Err)
	case tasks.StatusCancelled:
		return nil, ErrTaskCancelled
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotFinished, id, snap.Status)
	}
}

// WaitForTask blocks the caller until the task reaches a terminal state, the
// timeout elapses (0 = none), or ctx is done. The dispatch loop is never
// blocked by waiters. The returned snapshot reflects the state at return.
func (m *Manager) WaitForTask(ctx context.Context, id string, timeout time.Duration) (tasks.Snapshot, error) {
	snap, ok := m.registry.Snapshot(id)
	if !ok {
		return tasks.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if snap.Status.Terminal() {
		return snap, nil
	}

	m.mu.Lock()
	ch, ok := m.done[id]
	m.mu.Unlock()
	if !ok {
		// Terminal between the snapshot and the channel lookup.
		snap, _ = m.registry.Snapshot(id)
		return snap, nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-ch:
		snap, _ = m.registry.Snapshot(id)
		return snap, nil
	case <-ctx.Done():
		snap, _ = m.registry.Snapshot(id)
		return snap, ctx.Err()
	}
}

// SettingsUpdate carries live parameter changes; nil fields are unchanged.
type SettingsUpdate struct {
	MaxConcurrent     *int
	RequestsPerMinute *int
	RequestsPerHour   *int
	TokensPerMinute   *int
	TotalBudget       *float64
	DailyBudget       *float64
	HourlyBudget      *float64
}

// AdjustSettings applies the update; it takes effect on the next dispatch
// cycle and never retroactively invalidates already-admitted tasks.
func (m *Manager) AdjustSettings(u SettingsUpdate) {
	if u.MaxConcurrent != nil && *u.MaxConcurrent > 0 {
		m.mu.Lock()
		m.maxConcurrent = *u.MaxConcurrent
		m.mu.Unlock()
	}

	if u.RequestsPerMinute != nil || u.RequestsPerHour != nil || u.TokensPerMinute != nil {
		limits := m.limiter.Limits()
		if u.RequestsPerMinute != nil {
			limits.RequestsPerMinute = *u.RequestsPerMinute
		}
		if u.RequestsPerHour != nil {
			limits.RequestsPerHour = *u.RequestsPerHour
		}
		if u.TokensPerMinute != nil {
			limits.TokensPerMinute = *u.TokensPerMinute
		}
		m.limiter.SetLimits(limits)
	}

	m.budget.AdjustLimits(u.TotalBudget, u.DailyBudget, u.HourlyBudget)

	m.logger.Info("settings adjusted")
	m.wakeLoop()
}

// CleanupOldTasks evicts terminal tasks whose completion is older than the
// given age. Active tasks are untouched. Returns the number evicted.
func (m *Manager) CleanupOldTasks(olderThan time.Duration) int {
	removed := m.registry.ClearCompleted(olderThan)
	if removed > 0 {
		m.logger.InfoCtx("old tasks cleaned up", map[string]any{
			"removed":    removed,
			"older_than": olderThan.String(),
		})
	}
	return removed
}

// BudgetRemaining reports per-ledger headroom.
func (m *Manager) BudgetRemaining() budget.Remaining {
	return m.budget.Remaining()
}

// StatusInfo describes the manager's own state.
type StatusInfo struct {
	Running bool   `json:"running"`
	Paused  bool   `json:"paused"`
	Uptime  string `json:"uptime"`
}

// QueueInfo describes the queue's current load.
type QueueInfo struct {
	Size       int            `json:"size"`
	Capacity   int            `json:"capacity"`
	ByPriority map[string]int `json:"by_priority"`
}

// ConcurrencyInfo describes running executions against the concurrency cap.
type ConcurrencyInfo struct {
	Running int      `json:"running"`
	Max     int      `json:"max"`
	IDs     []string `json:"ids"`
}

// Performance aggregates terminal outcomes since start.
type Performance struct {
	Processed   int64   `json:"processed"`
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	Cancelled   int64   `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

// Statistics is a point-in-time snapshot across every subsystem.
type Statistics struct {
	Status      StatusInfo          `json:"status"`
	Queue       QueueInfo           `json:"queue"`
	Concurrency ConcurrencyInfo     `json:"concurrency"`
	RateLimit   ratelimit.Usage     `json:"rate_limit"`
	Cost        budget.Usage        `json:"cost"`
	Tasks       tasks.RegistryStats `json:"tasks"`
	Performance Performance         `json:"performance"`
}

// GetStatistics assembles the statistics snapshot.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	status := StatusInfo{Running: m.started, Paused: m.paused}
	if m.started {
		status.Uptime = time.Since(m.startedAt).Round(time.Second).String()
	}
	conc := ConcurrencyInfo{
		Running: len(m.running),
		Max:     m.maxConcurrent,
		IDs:     make([]string, 0, len(m.running)),
	}
	for id := range m.running {
		conc.IDs = append(conc.IDs, id)
	}
	perf := Performance{
		Processed: m.perf.processed,
		Succeeded: m.perf.succeeded,
		Failed:    m.perf.failed,
		Cancelled: m.perf.cancelled,
	}
	m.mu.Unlock()

	if perf.Processed > 0 {
		perf.SuccessRate = float64(perf.Succeeded) / float64(perf.Processed)
	}

	return Statistics{
		Status: status,
		Queue: QueueInfo{
			Size:       m.queue.Size(),
			Capacity:   m.queue.Capacity(),
			ByPriority: m.queue.SizeByPriority(),
		},
		Concurrency: conc,
		RateLimit:   m.limiter.Usage(),
		Cost:        m.budget.Usage(),
		Tasks:       m.registry.Stats(),
		Performance: perf,
	}
}

// finish settles a terminal transition the caller has already stamped in the
// registry under mu: counters, batch progress, waiter release and callbacks.
// The task is terminal by the time callbacks observe it.
func (m *Manager) finish(t *tasks.Task, status tasks.Status) {
	m.mu.Lock()
	m.perf.processed++
	switch status {
	case tasks.StatusCompleted:
		m.perf.succeeded++
	case tasks.StatusFailed:
		m.perf.failed++
	case tasks.StatusCancelled:
		m.perf.cancelled++
	}
	if ch, ok := m.done[t.ID]; ok {
		close(ch)
		delete(m.done, t.ID)
	}
	var deliver *batchState
	if t.BatchID != "" {
		// Events are queued in increment order under mu and drained by a
		// single deliverer, so pairs arrive monotonic. A batch not yet
		// sealed (total unknown) only counts; SubmitBatch emits the
		// held-back events once the member count is known.
		if bs := m.batches[t.BatchID]; bs != nil {
			bs.completed++
			if bs.total > 0 {
				if bs.onProgress != nil {
					bs.pending = append(bs.pending, progressEvent{done: bs.completed, total: bs.total})
					if !bs.delivering {
						bs.delivering = true
						deliver = bs
					}
				}
				if bs.completed >= bs.total {
					delete(m.batches, t.BatchID)
				}
			}
		}
	}
	m.mu.Unlock()

	if deliver != nil {
		m.deliverProgress(deliver)
	}
	switch status {
	case tasks.StatusCompleted:
		if t.Config.OnComplete != nil {
			t.Config.OnComplete(t)
		}
	case tasks.StatusFailed:
		if t.Config.OnError != nil {
			t.Config.OnError(t)
		}
	}

	m.logger.InfoCtx("task finished", map[string]any{
		"task_id": t.ID,
		"status":  string(status),
	})
}

// deliverProgress drains the batch's pending progress events in order. Events
// queued while it drains are picked up before it exits; the callback runs
// without mu held, so it may call back into the manager.
func (m *Manager) deliverProgress(b *batchState) {
	for {
		m.mu.Lock()
		if len(b.pending) == 0 {
			b.delivering = false
			m.mu.Unlock()
			return
		}
		ev := b.pending[0]
		b.pending = b.pending[1:]
		m.mu.Unlock()

		b.onProgress(float64(ev.done)/float64(ev.total), ev.done, ev.total)
	}
}

// wakeLoop nudges the dispatch loop without blocking.
func (m *Manager) wakeLoop() {
	m.mu.Lock()
	wake := m.wake
	m.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}
