package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/stargazer/internal/tasks"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func entry(id, typ, status string, cost float64, completedAt time.Time) Entry {
	return Entry{
		ID:          id,
		Type:        typ,
		Priority:    "medium",
		Status:      status,
		CreatedAt:   completedAt.Add(-time.Minute),
		CompletedAt: completedAt,
		TokensUsed:  100,
		ActualCost:  cost,
		ExecutionMS: 250,
	}
}

func TestOpen_Migrates(t *testing.T) {
	store := openTestStore(t)

	version, err := CurrentVersion(store.sql)
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if version != 1 {
		t.Errorf("schema version = %d, want 1", version)
	}

	// Re-opening an existing database is a no-op migration.
	again, err := Open(store.path)
	if err != nil {
		t.Fatalf("re-Open() error = %v", err)
	}
	_ = again.Close()
}

func TestRecordAndRecent(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	for i, e := range []Entry{
		entry("t1", "repository_analysis", "completed", 0.03, now.Add(-2*time.Hour)),
		entry("t2", "repository_analysis", "failed", 0, now.Add(-time.Hour)),
		entry("t3", "embedding_generation", "completed", 0.0001, now),
	} {
		if err := store.Record(e); err != nil {
			t.Fatalf("Record() #%d error = %v", i, err)
		}
	}

	recent, err := store.Recent(2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(recent))
	}
	if recent[0].ID != "t3" || recent[1].ID != "t2" {
		t.Errorf("Recent order = [%s %s], want [t3 t2]", recent[0].ID, recent[1].ID)
	}
}

func TestStats(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	for _, e := range []Entry{
		entry("a", "repository_analysis", "completed", 0.03, now),
		entry("b", "repository_analysis", "completed", 0.04, now),
		entry("c", "repository_analysis", "failed", 0, now),
		entry("d", "text_classification", "completed", 0.001, now),
	} {
		if err := store.Record(e); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("Stats() returned %d types, want 2", len(stats))
	}

	repo := stats[0]
	if repo.Type != "repository_analysis" {
		t.Fatalf("stats[0].Type = %s", repo.Type)
	}
	if repo.Total != 3 || repo.Succeeded != 2 || repo.Failed != 1 {
		t.Errorf("repo stats = %+v", repo)
	}
	if diff := repo.SuccessRate - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("SuccessRate = %v, want 2/3", repo.SuccessRate)
	}
	if diff := repo.TotalCost - 0.07; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalCost = %v, want 0.07", repo.TotalCost)
	}
}

func TestTaskRecorder(t *testing.T) {
	store := openTestStore(t)

	task := tasks.New(tasks.TypeRepositoryAnalysis,
		tasks.RepositoryAnalysisPayload{Repo: tasks.RepoInfo{Name: "octo/x"}},
		tasks.PriorityHigh, tasks.DefaultConfig(), nil)
	task.Status = tasks.StatusCompleted
	task.CompletedAt = time.Now()
	task.Metrics.TokensUsed = 600
	task.Metrics.ActualCost = 0.02

	store.TaskRecorder()(task)

	recent, err := store.Recent(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ID != task.ID {
		t.Fatalf("recorded entry missing: %+v", recent)
	}
	if recent[0].Status != "completed" || recent[0].TokensUsed != 600 {
		t.Errorf("entry = %+v", recent[0])
	}
}

func TestPrune(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	_ = store.Record(entry("old", "repository_analysis", "completed", 0, now.Add(-48*time.Hour)))
	_ = store.Record(entry("new", "repository_analysis", "completed", 0, now))

	removed, err := store.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune() = %d, want 1", removed)
	}

	recent, _ := store.Recent(10)
	if len(recent) != 1 || recent[0].ID != "new" {
		t.Errorf("after prune: %+v", recent)
	}
}
