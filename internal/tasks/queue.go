package tasks

import (
	"errors"
	"sync"
	"time"
)

// ErrQueueFull rejects an enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("task queue full")

// DefaultQueueCapacity bounds the queue when no capacity is configured.
const DefaultQueueCapacity = 10000

// Queue is a capacity-bounded priority queue. Ordering is by priority tier
// (urgent first), FIFO within a tier. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	tiers    map[Priority][]*Task
	size     int
	capacity int
}

// NewQueue creates a queue with the given capacity (0 = default).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	tiers := make(map[Priority][]*Task, len(priorities))
	for _, p := range priorities {
		tiers[p] = nil
	}
	return &Queue{tiers: tiers, capacity: capacity}
}

// Enqueue adds a task, stamping QueuedAt. Returns ErrQueueFull at capacity.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.capacity {
		return ErrQueueFull
	}
	q.tiers[t.Priority] = append(q.tiers[t.Priority], t)
	q.size++
	t.QueuedAt = time.Now()
	return nil
}

// Dequeue pops the highest-priority task, or nil when empty.
func (q *Queue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorities {
		tier := q.tiers[p]
		if len(tier) == 0 {
			continue
		}
		t := tier[0]
		q.tiers[p] = tier[1:]
		q.size--
		return t
	}
	return nil
}

// DequeueMatch pops the first task, in queue order, that fn accepts. Tasks
// fn rejects keep their positions. Returns nil when nothing matches.
func (q *Queue) DequeueMatch(fn func(*Task) bool) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorities {
		tier := q.tiers[p]
		for i, t := range tier {
			if fn(t) {
				q.tiers[p] = append(tier[:i:i], tier[i+1:]...)
				q.size--
				return t
			}
		}
	}
	return nil
}

// Peek returns the next task without removing it, or nil when empty.
func (q *Queue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorities {
		if tier := q.tiers[p]; len(tier) > 0 {
			return tier[0]
		}
	}
	return nil
}

// Remove deletes the task with the given id from whatever tier holds it.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorities {
		tier := q.tiers[p]
		for i, t := range tier {
			if t.ID == id {
				q.tiers[p] = append(tier[:i:i], tier[i+1:]...)
				q.size--
				return true
			}
		}
	}
	return false
}

// Size returns the number of queued tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// SizeByPriority returns queued counts per priority tier.
func (q *Queue) SizeByPriority() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, len(priorities))
	for _, p := range priorities {
		out[p.String()] = len(q.tiers[p])
	}
	return out
}

// IsEmpty reports whether the queue holds no tasks.
func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

// IsFull reports whether the queue is at capacity.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size >= q.capacity
}

// Capacity returns the configured maximum size.
func (q *Queue) Capacity() int { return q.capacity }

// Clear drops all queued tasks.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range priorities {
		q.tiers[p] = nil
	}
	q.size = 0
}
