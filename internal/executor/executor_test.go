package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/stargazer/internal/aiclient"
	"github.com/marcus/stargazer/internal/tasks"
)

// fakeClient scripts responses per repository name / input text.
type fakeClient struct {
	mu        sync.Mutex
	completeF func(req aiclient.CompletionRequest) (*aiclient.Completion, error)
	embedF    func(text string) (*aiclient.Embedding, error)
	classifyF func(text string, categories []string) (*aiclient.Classification, error)
	calls     int
}

func (f *fakeClient) Complete(ctx context.Context, req aiclient.CompletionRequest) (*aiclient.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.completeF(req)
}

func (f *fakeClient) Embed(ctx context.Context, text string, model aiclient.Model) (*aiclient.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.embedF(text)
}

func (f *fakeClient) Classify(ctx context.Context, text string, categories []string) (*aiclient.Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.classifyF(text, categories)
}

func analysisTask(name string) *tasks.Task {
	return tasks.New(tasks.TypeRepositoryAnalysis,
		tasks.RepositoryAnalysisPayload{Repo: tasks.RepoInfo{Name: name}},
		tasks.PriorityMedium, tasks.DefaultConfig(), nil)
}

func TestExecute_RepositoryAnalysis(t *testing.T) {
	client := &fakeClient{
		completeF: func(req aiclient.CompletionRequest) (*aiclient.Completion, error) {
			if !strings.Contains(req.Prompt, "octo/widgets") {
				t.Errorf("prompt missing repository name: %q", req.Prompt)
			}
			return &aiclient.Completion{
				Text:  `{"summary":"a widget library","main_features":["widgets"],"tech_stack":["go"]}`,
				Model: aiclient.ModelGPT4,
				Usage: aiclient.Usage{PromptTokens: 500, CompletionTokens: 100, TotalTokens: 600},
			}, nil
		},
	}

	out, err := New(client).Execute(context.Background(), analysisTask("octo/widgets"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	analysis, ok := out.Result.(RepositoryAnalysis)
	if !ok {
		t.Fatalf("Result type = %T", out.Result)
	}
	if analysis.Summary != "a widget library" {
		t.Errorf("Summary = %q", analysis.Summary)
	}
	if out.TokensUsed != 600 {
		t.Errorf("TokensUsed = %d, want 600", out.TokensUsed)
	}
	if out.ActualCost <= 0 {
		t.Errorf("ActualCost = %v, want > 0", out.ActualCost)
	}
}

func TestExecute_RepositoryAnalysisUnparseableReply(t *testing.T) {
	client := &fakeClient{
		completeF: func(req aiclient.CompletionRequest) (*aiclient.Completion, error) {
			return &aiclient.Completion{Text: "not json at all", Usage: aiclient.Usage{TotalTokens: 10}}, nil
		},
	}

	out, err := New(client).Execute(context.Background(), analysisTask("octo/x"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	analysis := out.Result.(RepositoryAnalysis)
	if analysis.Raw != "not json at all" {
		t.Errorf("Raw = %q, want the unparsed reply", analysis.Raw)
	}
}

func TestExecute_BatchProgressAndPartialFailure(t *testing.T) {
	client := &fakeClient{
		completeF: func(req aiclient.CompletionRequest) (*aiclient.Completion, error) {
			// Fail two named repositories; succeed the rest.
			if strings.Contains(req.Prompt, "Repository: bad-1") || strings.Contains(req.Prompt, "Repository: bad-2") {
				return nil, &aiclient.APIError{Kind: aiclient.KindServiceError, Message: "boom"}
			}
			return &aiclient.Completion{
				Text:  `{"summary":"ok"}`,
				Usage: aiclient.Usage{TotalTokens: 100},
			}, nil
		},
	}

	var mu sync.Mutex
	var progress []int
	cfg := tasks.DefaultConfig()
	cfg.OnProgress = func(fraction float64, completed, total int) {
		mu.Lock()
		progress = append(progress, completed)
		mu.Unlock()
		if total != 5 {
			t.Errorf("total = %d, want 5", total)
		}
	}

	payload := tasks.BatchAnalysisPayload{Repositories: []tasks.BatchRepository{
		{Repo: tasks.RepoInfo{Name: "good-1"}},
		{Repo: tasks.RepoInfo{Name: "bad-1"}},
		{Repo: tasks.RepoInfo{Name: "good-2"}},
		{Repo: tasks.RepoInfo{Name: "bad-2"}},
		{Repo: tasks.RepoInfo{Name: "good-3"}},
	}}
	task := tasks.New(tasks.TypeBatchAnalysis, payload, tasks.PriorityMedium, cfg, nil)

	out, err := New(client).Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	results := out.Result.([]BatchItemResult)
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
			if r.Error == "" {
				t.Errorf("failed item %s missing error", r.RepoName)
			}
		}
	}
	if succeeded != 3 || failed != 2 {
		t.Errorf("succeeded/failed = %d/%d, want 3/2", succeeded, failed)
	}

	// Exactly one progress call per item, monotonically increasing.
	if len(progress) != 5 {
		t.Fatalf("progress called %d times, want 5", len(progress))
	}
	for i, c := range progress {
		if c != i+1 {
			t.Errorf("progress[%d] = %d, want %d", i, c, i+1)
		}
	}

	// Failed items contribute no tokens: 3 successes x 100.
	if out.TokensUsed != 300 {
		t.Errorf("TokensUsed = %d, want 300", out.TokensUsed)
	}
}

func TestExecute_Timeout(t *testing.T) {
	client := &fakeClient{
		completeF: func(req aiclient.CompletionRequest) (*aiclient.Completion, error) {
			time.Sleep(100 * time.Millisecond)
			return nil, context.DeadlineExceeded
		},
	}

	cfg := tasks.DefaultConfig()
	cfg.Timeout = 10 * time.Millisecond
	task := tasks.New(tasks.TypeRepositoryAnalysis,
		tasks.RepositoryAnalysisPayload{Repo: tasks.RepoInfo{Name: "slow"}},
		tasks.PriorityMedium, cfg, nil)

	_, err := New(client).Execute(context.Background(), task)
	if err == nil {
		t.Fatal("Execute() succeeded, want timeout")
	}
	var apiErr *aiclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != aiclient.KindTimeout {
		t.Errorf("error = %v, want timeout APIError", err)
	}
	if !aiclient.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
}

func TestExecute_TextClassification(t *testing.T) {
	client := &fakeClient{
		classifyF: func(text string, categories []string) (*aiclient.Classification, error) {
			return &aiclient.Classification{
				Category:   "tools",
				Confidence: 0.8,
				Usage:      aiclient.Usage{TotalTokens: 50},
			}, nil
		},
	}

	task := tasks.New(tasks.TypeTextClassification,
		tasks.TextClassificationPayload{Text: "a cli tool", Categories: []string{"tools", "games"}},
		tasks.PriorityMedium, tasks.DefaultConfig(), nil)

	out, err := New(client).Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	cls := out.Result.(aiclient.Classification)
	if cls.Category != "tools" {
		t.Errorf("Category = %q", cls.Category)
	}
	if out.TokensUsed != 50 {
		t.Errorf("TokensUsed = %d", out.TokensUsed)
	}
}

func TestExecute_SemanticSearch(t *testing.T) {
	client := &fakeClient{
		embedF: func(text string) (*aiclient.Embedding, error) {
			return &aiclient.Embedding{Vector: []float64{1, 0}, Usage: aiclient.Usage{TotalTokens: 4}}, nil
		},
	}

	docs := []tasks.Document{
		{ID: "aligned", Embedding: []float64{1, 0}},
		{ID: "orthogonal", Embedding: []float64{0, 1}},
		{ID: "partial", Embedding: []float64{1, 1}},
		{ID: "no-embedding"},
	}
	task := tasks.New(tasks.TypeSemanticSearch,
		tasks.SemanticSearchPayload{Query: "q", Documents: docs, TopK: 2},
		tasks.PriorityMedium, tasks.DefaultConfig(), nil)

	out, err := New(client).Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	matches := out.Result.([]SearchMatch)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2 (topK)", len(matches))
	}
	if matches[0].Document.ID != "aligned" {
		t.Errorf("best match = %s, want aligned", matches[0].Document.ID)
	}
	if matches[1].Document.ID != "partial" {
		t.Errorf("second match = %s, want partial", matches[1].Document.ID)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2}, []float64{1, 2}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"mismatched length", []float64{1}, []float64{1, 2}, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}
