package manager

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/marcus/stargazer/internal/aiclient"
	"github.com/marcus/stargazer/internal/tasks"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := NewRetryPolicy(0)

	tests := []struct {
		name       string
		base       time.Duration
		retryCount int
		want       time.Duration
	}{
		{"first retry", time.Second, 0, time.Second},
		{"second retry", time.Second, 1, 2 * time.Second},
		{"third retry", time.Second, 2, 4 * time.Second},
		{"sixth retry", time.Second, 5, 32 * time.Second},
		{"capped", time.Second, 6, 60 * time.Second},
		{"deep overflow capped", time.Second, 40, 60 * time.Second},
		{"zero base defaults", 0, 1, 2 * time.Second},
		{"small base", 100 * time.Millisecond, 3, 800 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.NextDelay(tt.base, tt.retryCount); got != tt.want {
				t.Errorf("NextDelay(%v, %d) = %v, want %v", tt.base, tt.retryCount, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := NewRetryPolicy(time.Minute)

	rateLimited := &aiclient.APIError{Kind: aiclient.KindRateLimited}
	timeout := &aiclient.APIError{Kind: aiclient.KindTimeout}
	invalid := &aiclient.APIError{Kind: aiclient.KindInvalidRequest}
	service := &aiclient.APIError{Kind: aiclient.KindServiceError}

	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		err        error
		want       bool
	}{
		{"rate limited with retries left", 0, 3, rateLimited, true},
		{"timeout with retries left", 2, 3, timeout, true},
		{"retries exhausted", 3, 3, rateLimited, false},
		{"invalid request never retries", 0, 3, invalid, false},
		{"service error never retries", 0, 3, service, false},
		{"unclassified error never retries", 0, 3, errors.New("boom"), false},
		{"zero max retries", 0, 0, rateLimited, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.retryCount, tt.maxRetries, tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%d, %d, %v) = %v, want %v",
					tt.retryCount, tt.maxRetries, tt.err, got, tt.want)
			}
		})
	}
}

func TestEstimateCost(t *testing.T) {
	batch := tasks.BatchAnalysisPayload{Repositories: []tasks.BatchRepository{
		{Repo: tasks.RepoInfo{Name: "a"}},
		{Repo: tasks.RepoInfo{Name: "b"}},
		{Repo: tasks.RepoInfo{Name: "c"}},
	}}

	tests := []struct {
		name    string
		typ     tasks.Type
		payload tasks.Payload
		tokens  int
		want    float64
	}{
		{"repository analysis", tasks.TypeRepositoryAnalysis, repoPayload(), 1000, 0.03},
		{"repository analysis half", tasks.TypeRepositoryAnalysis, repoPayload(), 500, 0.015},
		{"batch scales with items", tasks.TypeBatchAnalysis, batch, 1000, 3 * 2 * 0.03},
		{"classification", tasks.TypeTextClassification, tasks.TextClassificationPayload{Text: "x", Categories: []string{"a"}}, 1000, 0.0015},
		{"embedding", tasks.TypeEmbeddingGeneration, tasks.EmbeddingPayload{Text: "x"}, 1_000_000, 0.02},
		{"search", tasks.TypeSemanticSearch, tasks.SemanticSearchPayload{Query: "q"}, 1_000_000, 0.02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := estimateCost(tt.typ, tt.payload, tt.tokens)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("estimateCost(%s, %d) = %v, want %v", tt.typ, tt.tokens, got, tt.want)
			}
		})
	}
}
