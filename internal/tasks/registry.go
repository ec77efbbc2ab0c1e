package tasks

import (
	"sync"
	"time"
)

// Registry tracks every task the manager has accepted, by id, until an
// explicit cleanup evicts terminal tasks. All task mutation after creation
// happens under the registry lock.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Register adds a task. Returns false if the id is already present.
func (r *Registry) Register(t *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return false
	}
	r.tasks[t.ID] = t
	return true
}

// Get returns the task for id, or nil.
func (r *Registry) Get(id string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id]
}

// Snapshot returns a consistent copy of the task's state, and whether the id
// is known.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// UpdateStatus transitions the task and stamps timestamps: StartedAt on
// RUNNING, CompletedAt plus derived metrics on any terminal state. Terminal
// states are sticky; a transition out of one is refused.
func (r *Registry) UpdateStatus(id string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	t.Status = status
	switch {
	case status == StatusRunning:
		t.StartedAt = time.Now()
	case status.Terminal():
		t.CompletedAt = time.Now()
		t.calculateMetrics()
	}
	return true
}

// Update runs fn on the task under the registry lock.
func (r *Registry) Update(id string, fn func(*Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// Remove deletes the task for id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return false
	}
	delete(r.tasks, id)
	return true
}

// GetByStatus returns snapshots of all tasks in the given status.
func (r *Registry) GetByStatus(status Status) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, t := range r.tasks {
		if t.Status == status {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// GetByType returns snapshots of all tasks of the given type.
func (r *Registry) GetByType(typ Type) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, t := range r.tasks {
		if t.Type == typ {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// ClearCompleted evicts terminal tasks whose completion is older than the
// given age. Returns the number removed. Active tasks are never touched.
func (r *Registry) ClearCompleted(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// RegistryStats is a point-in-time census of registered tasks.
type RegistryStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByType     map[string]int `json:"by_type"`
	ByPriority map[string]int `json:"by_priority"`
}

// Stats counts tasks by status, type and priority.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Total:      len(r.tasks),
		ByStatus:   make(map[string]int),
		ByType:     make(map[string]int),
		ByPriority: make(map[string]int),
	}
	for _, t := range r.tasks {
		stats.ByStatus[string(t.Status)]++
		stats.ByType[string(t.Type)]++
		stats.ByPriority[t.Priority.String()]++
	}
	return stats
}
