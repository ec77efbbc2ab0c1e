package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/stargazer/internal/budget"
	"github.com/marcus/stargazer/internal/manager"
	"github.com/marcus/stargazer/internal/ratelimit"
	"github.com/marcus/stargazer/internal/tasks"
)

func sampleStats() manager.Statistics {
	return manager.Statistics{
		Status: manager.StatusInfo{Running: true, Uptime: "5m0s"},
		Queue: manager.QueueInfo{
			Size:     3,
			Capacity: 10000,
			ByPriority: map[string]int{
				"urgent": 1, "high": 0, "medium": 2, "low": 0,
			},
		},
		Concurrency: manager.ConcurrencyInfo{Running: 2, Max: 5},
		RateLimit: ratelimit.Usage{
			RequestsPerMinute: ratelimit.WindowUsage{Current: 12, Limit: 60, Available: 48},
			RequestsPerHour:   ratelimit.WindowUsage{Current: 40, Limit: 3600, Available: 3560},
			TokensPerMinute:   ratelimit.WindowUsage{Current: 9000, Limit: 90000, Available: 81000},
		},
		Cost: budget.Usage{
			Total:  budget.LedgerUsage{Cost: 1.50, Limit: 100, Remaining: 98.50},
			Daily:  budget.LedgerUsage{Cost: 1.50, Limit: 10, Remaining: 8.50},
			Hourly: budget.LedgerUsage{Cost: 0.20, Limit: 1, Remaining: 0.80},
		},
		Tasks: tasks.RegistryStats{
			Total:    8,
			ByStatus: map[string]int{"queued": 3, "running": 2, "completed": 3},
		},
		Performance: manager.Performance{
			Processed: 3, Succeeded: 3, SuccessRate: 1.0,
		},
	}
}

func TestNew(t *testing.T) {
	m := New(sampleStats)
	if m == nil {
		t.Fatal("New() returned nil")
		return
	}

	if m.width != 80 {
		t.Errorf("expected width 80, got %d", m.width)
	}
	if m.height != 24 {
		t.Errorf("expected height 24, got %d", m.height)
	}
	if m.activePanel != PanelStatus {
		t.Errorf("expected activePanel PanelStatus, got %d", m.activePanel)
	}
	if m.styles == nil {
		t.Error("expected styles to be initialized")
	}
	if !m.stats.Status.Running {
		t.Error("expected initial snapshot to be fetched")
	}
}

func TestNew_NilFetch(t *testing.T) {
	m := New(nil)
	if m.View() == "" {
		t.Error("View() should render with zero stats")
	}
}

func TestInit(t *testing.T) {
	m := New(sampleStats)
	if cmd := m.Init(); cmd == nil {
		t.Error("Init() should return a command")
	}
}

func TestUpdateWindowSize(t *testing.T) {
	m := New(sampleStats)
	model, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	updated := model.(Model)

	if updated.width != 120 {
		t.Errorf("expected width 120, got %d", updated.width)
	}
	if updated.height != 40 {
		t.Errorf("expected height 40, got %d", updated.height)
	}
}

func TestUpdateTickRefreshes(t *testing.T) {
	calls := 0
	m := New(func() manager.Statistics {
		calls++
		s := sampleStats()
		s.Queue.Size = calls
		return s
	})

	model, cmd := m.Update(tickMsg{})
	updated := model.(Model)

	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
	if updated.stats.Queue.Size != 2 {
		t.Errorf("expected refreshed snapshot (size 2), got %d", updated.stats.Queue.Size)
	}
}

func TestKeyHandlingQuit(t *testing.T) {
	m := New(sampleStats)
	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	updated := model.(Model)

	if !updated.quitting {
		t.Error("expected quitting to be true after 'q' key")
	}
	if cmd == nil {
		t.Error("expected quit command")
	}
}

func TestKeyHandlingPanelSwitch(t *testing.T) {
	m := New(sampleStats)

	model, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	updated := model.(Model)
	if updated.activePanel != PanelLimits {
		t.Errorf("expected PanelLimits after tab, got %d", updated.activePanel)
	}

	model, _ = updated.Update(tea.KeyMsg{Type: tea.KeyTab})
	updated = model.(Model)
	if updated.activePanel != PanelQueue {
		t.Errorf("expected PanelQueue after second tab, got %d", updated.activePanel)
	}

	model, _ = updated.Update(tea.KeyMsg{Type: tea.KeyTab})
	updated = model.(Model)
	if updated.activePanel != PanelStatus {
		t.Errorf("expected PanelStatus after third tab, got %d", updated.activePanel)
	}
}

func TestView(t *testing.T) {
	m := New(sampleStats)

	view := m.View()
	if view == "" {
		t.Error("View() returned empty string")
	}

	for _, want := range []string{"Stargazer", "Limits", "Queue", "Running", "urgent"} {
		if !containsAny(view, want) {
			t.Errorf("View missing %q", want)
		}
	}
}

func TestViewWhenQuitting(t *testing.T) {
	m := New(sampleStats)
	m.quitting = true
	if view := m.View(); view != "" {
		t.Error("View() should return empty string when quitting")
	}
}

func TestSpinner(t *testing.T) {
	m := New(sampleStats)
	frames := []string{"|", "/", "-", "\\"}

	for i := 0; i < 8; i++ {
		m.tick = i
		got := m.spinner()
		expected := frames[i%4]
		if got != expected {
			t.Errorf("spinner at tick %d = %s, want %s", i, got, expected)
		}
	}
}

func TestProgressBar(t *testing.T) {
	m := New(sampleStats)

	bar0 := m.renderProgressBar(0, 20)
	if !containsAny(bar0, "[", "]") {
		t.Error("Progress bar missing brackets")
	}

	bar50 := m.renderProgressBar(50, 20)
	if !containsAny(bar50, "=", "-") {
		t.Error("Progress bar missing fill characters")
	}

	bar100 := m.renderProgressBar(100, 20)
	if !containsAny(bar100, "=") {
		t.Error("Full progress bar should have fill")
	}
}

func TestPct(t *testing.T) {
	tests := []struct {
		value, limit float64
		want         int
	}{
		{0, 100, 0},
		{50, 100, 50},
		{150, 100, 100},
		{5, 0, 0},
	}

	for _, tt := range tests {
		if got := pct(tt.value, tt.limit); got != tt.want {
			t.Errorf("pct(%v, %v) = %d, want %d", tt.value, tt.limit, got, tt.want)
		}
	}
}

// containsAny checks if s contains any of the given substrings.
func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if len(substr) > 0 && len(s) >= len(substr) {
			for i := 0; i <= len(s)-len(substr); i++ {
				if s[i:i+len(substr)] == substr {
					return true
				}
			}
		}
	}
	return false
}
