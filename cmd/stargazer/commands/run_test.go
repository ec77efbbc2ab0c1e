package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/marcus/stargazer/internal/tasks"
)

func writeWorklist(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worklist.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadWorklist(t *testing.T) {
	path := writeWorklist(t, `[
		{"type": "repository_analysis",
		 "priority": "high",
		 "payload": {"repo_info": {"name": "octo/x"}, "readme_content": "hi"}},
		{"type": "embedding_generation",
		 "payload": {"text": "embed me"},
		 "max_retries": 1,
		 "timeout": "30s"}
	]`)

	items, err := readWorklist(path)
	if err != nil {
		t.Fatalf("readWorklist() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Type != "repository_analysis" || items[0].Priority != "high" {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[1].MaxRetries != 1 || items[1].Timeout != "30s" {
		t.Errorf("item 1 = %+v", items[1])
	}

	payload, err := tasks.DecodePayload(tasks.Type(items[0].Type), items[0].Payload)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.(tasks.RepositoryAnalysisPayload).Repo.Name != "octo/x" {
		t.Errorf("decoded payload = %+v", payload)
	}
}

func TestReadWorklist_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty array", `[]`},
		{"not json", `worklist?`},
		{"object not array", `{"type": "repository_analysis"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readWorklist(writeWorklist(t, tt.content)); err == nil {
				t.Error("readWorklist() expected error")
			}
		})
	}
}

func TestReadWorklist_MissingFile(t *testing.T) {
	if _, err := readWorklist(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("readWorklist() expected error for missing file")
	}
}

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		tokens int64
		want   string
	}{
		{500, "500"},
		{1500, "1.5K"},
		{2500000, "2.5M"},
	}

	for _, tt := range tests {
		if got := formatTokens(tt.tokens); got != tt.want {
			t.Errorf("formatTokens(%d) = %s, want %s", tt.tokens, got, tt.want)
		}
	}
}
