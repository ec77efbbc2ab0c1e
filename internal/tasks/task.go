// Package tasks defines the task model for AI analysis work: typed payloads,
// priorities, lifecycle states, the bounded priority queue and the registry
// that tracks every task for the manager's lifetime.
package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders tasks within the queue. Higher dispatches first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// priorities in dispatch order, highest first.
var priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority maps a priority name to its level.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (low, medium, high, urgent)", s)
	}
}

// Type selects the payload shape and executor path for a task.
type Type string

const (
	TypeRepositoryAnalysis  Type = "repository_analysis"
	TypeBatchAnalysis       Type = "batch_analysis"
	TypeTextClassification  Type = "text_classification"
	TypeEmbeddingGeneration Type = "embedding_generation"
	TypeSemanticSearch      Type = "semantic_search"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeRepositoryAnalysis, TypeBatchAnalysis, TypeTextClassification,
		TypeEmbeddingGeneration, TypeSemanticSearch:
		return true
	}
	return false
}

// ProgressFunc receives batch progress after each sub-item resolves.
type ProgressFunc func(fraction float64, completed, total int)

// Config carries per-task execution settings and callbacks.
type Config struct {
	MaxRetries      int           // attempts after the first failure
	RetryDelayBase  time.Duration // backoff base, doubled per retry
	Timeout         time.Duration // per-execution timeout, 0 = none
	EstimatedTokens int           // used for rate and cost admission

	OnComplete func(*Task)
	OnError    func(*Task)
	OnProgress ProgressFunc
}

// DefaultConfig returns the task config defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryDelayBase: time.Second,
	}
}

// Metrics accumulates timing, token and cost figures for a task.
type Metrics struct {
	QueueTime     time.Duration `json:"queue_time"`
	ExecutionTime time.Duration `json:"execution_time"`
	TotalTime     time.Duration `json:"total_time"`
	RetryCount    int           `json:"retry_count"`
	TokensUsed    int           `json:"tokens_used"`
	EstimatedCost float64       `json:"estimated_cost"`
	ActualCost    float64       `json:"actual_cost"`
}

// Task is a single unit of scheduled AI work. Fields other than the
// identity set at creation are owned by the registry lock; callers outside
// the manager read tasks through Snapshot.
type Task struct {
	ID       string
	Type     Type
	Priority Priority
	Payload  Payload
	Config   Config
	Metadata map[string]any
	BatchID  string // set when the task belongs to a submit-batch group

	Status Status
	Result any
	Err    string

	CreatedAt   time.Time
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Metrics Metrics
}

// New creates a queued task with a fresh ID.
func New(typ Type, payload Payload, priority Priority, cfg Config, metadata map[string]any) *Task {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Task{
		ID:        uuid.NewString(),
		Type:      typ,
		Priority:  priority,
		Payload:   payload,
		Config:    cfg,
		Metadata:  metadata,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}
}

// calculateMetrics derives the timing figures from the recorded timestamps.
func (t *Task) calculateMetrics() {
	if !t.QueuedAt.IsZero() && !t.StartedAt.IsZero() {
		t.Metrics.QueueTime = t.StartedAt.Sub(t.QueuedAt)
	}
	if !t.StartedAt.IsZero() && !t.CompletedAt.IsZero() {
		t.Metrics.ExecutionTime = t.CompletedAt.Sub(t.StartedAt)
	}
	if !t.CreatedAt.IsZero() && !t.CompletedAt.IsZero() {
		t.Metrics.TotalTime = t.CompletedAt.Sub(t.CreatedAt)
	}
}

// Snapshot is a point-in-time copy of a task's observable state.
type Snapshot struct {
	ID          string         `json:"task_id"`
	Type        Type           `json:"task_type"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Err         string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	QueuedAt    time.Time      `json:"queued_at,omitzero"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	Metrics     Metrics        `json:"metrics"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	BatchID     string         `json:"batch_id,omitempty"`
}

// snapshot copies the observable state. Caller must hold the registry lock.
func (t *Task) snapshot() Snapshot {
	meta := make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		meta[k] = v
	}
	return Snapshot{
		ID:          t.ID,
		Type:        t.Type,
		Priority:    t.Priority,
		Status:      t.Status,
		Result:      t.Result,
		Err:         t.Err,
		CreatedAt:   t.CreatedAt,
		QueuedAt:    t.QueuedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Metrics:     t.Metrics,
		Metadata:    meta,
		BatchID:     t.BatchID,
	}
}
