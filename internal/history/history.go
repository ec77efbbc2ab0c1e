// Package history is an optional sqlite sink for terminal tasks. The core
// scheduler holds tasks only in memory; wiring a Store's recorder into task
// callbacks persists completions and failures across process restarts and
// serves aggregate per-type statistics.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus/stargazer/internal/logging"
	"github.com/marcus/stargazer/internal/tasks"
)

// Store wraps the sqlite connection and path.
type Store struct {
	sql    *sql.DB
	path   string
	logger *logging.Logger
}

// DefaultPath returns the default database path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "stargazer", "history.db")
}

// Open opens or creates the database, applies pragmas, and runs migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultPath()
	}

	resolved := expandPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	if err := applyPragmas(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &Store{sql: sqlDB, path: resolved, logger: logging.Component("history")}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.sql == nil {
		return nil
	}
	return s.sql.Close()
}

// Entry is one persisted terminal task.
type Entry struct {
	ID          string
	Type        string
	Priority    string
	Status      string
	Error       string
	BatchID     string
	CreatedAt   time.Time
	CompletedAt time.Time
	RetryCount  int
	TokensUsed  int
	ActualCost  float64
	ExecutionMS int64
}

// Record persists one terminal task. Re-recording an id overwrites it.
func (s *Store) Record(e Entry) error {
	_, err := s.sql.Exec(`
		INSERT OR REPLACE INTO task_history
			(id, task_type, priority, status, error, batch_id,
			 created_at, completed_at, retry_count, tokens_used, actual_cost, execution_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Priority, e.Status, e.Error, e.BatchID,
		e.CreatedAt, e.CompletedAt, e.RetryCount, e.TokensUsed, e.ActualCost, e.ExecutionMS)
	if err != nil {
		return fmt.Errorf("record task %s: %w", e.ID, err)
	}
	return nil
}

// TaskRecorder returns a callback suitable for both on-complete and on-error
// hooks. Recording failures are logged, never propagated into the scheduler.
func (s *Store) TaskRecorder() func(*tasks.Task) {
	return func(t *tasks.Task) {
		e := Entry{
			ID:          t.ID,
			Type:        string(t.Type),
			Priority:    t.Priority.String(),
			Status:      string(t.Status),
			Error:       t.Err,
			BatchID:     t.BatchID,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			RetryCount:  t.Metrics.RetryCount,
			TokensUsed:  t.Metrics.TokensUsed,
			ActualCost:  t.Metrics.ActualCost,
			ExecutionMS: t.Metrics.ExecutionTime.Milliseconds(),
		}
		if err := s.Record(e); err != nil {
			s.logger.WarnCtx("history record failed", map[string]any{
				"task_id": t.ID,
				"error":   err.Error(),
			})
		}
	}
}

// TypeStats aggregates outcomes for one task type.
type TypeStats struct {
	Type          string  `json:"task_type"`
	Total         int     `json:"total"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	Cancelled     int     `json:"cancelled"`
	SuccessRate   float64 `json:"success_rate"`
	TotalCost     float64 `json:"total_cost"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgExecutionM float64 `json:"avg_execution_ms"`
}

// Stats aggregates per-type outcomes over the full history.
func (s *Store) Stats() ([]TypeStats, error) {
	rows, err := s.sql.Query(`
		SELECT task_type,
		       COUNT(*),
		       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END),
		       COALESCE(SUM(actual_cost), 0),
		       COALESCE(SUM(tokens_used), 0),
		       COALESCE(AVG(execution_ms), 0)
		FROM task_history
		GROUP BY task_type
		ORDER BY task_type`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var out []TypeStats
	for rows.Next() {
		var ts TypeStats
		if err := rows.Scan(&ts.Type, &ts.Total, &ts.Succeeded, &ts.Failed, &ts.Cancelled,
			&ts.TotalCost, &ts.TotalTokens, &ts.AvgExecutionM); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		if ts.Total > 0 {
			ts.SuccessRate = float64(ts.Succeeded) / float64(ts.Total)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Recent returns the newest entries, most recently completed first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sql.Query(`
		SELECT id, task_type, priority, status, COALESCE(error, ''), COALESCE(batch_id, ''),
		       created_at, completed_at, retry_count, tokens_used, actual_cost, execution_ms
		FROM task_history
		ORDER BY completed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Type, &e.Priority, &e.Status, &e.Error, &e.BatchID,
			&e.CreatedAt, &e.CompletedAt, &e.RetryCount, &e.TokensUsed, &e.ActualCost, &e.ExecutionMS); err != nil {
			return nil, fmt.Errorf("scan recent: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries completed before the cutoff. Returns rows removed.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	res, err := s.sql.Exec(`DELETE FROM task_history WHERE completed_at < ?`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
