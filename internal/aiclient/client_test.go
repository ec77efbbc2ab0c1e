package aiclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		APIKey:   "test-key",
		BaseURL:  srv.URL,
		Timeout:  5 * time.Second,
		CacheTTL: -1, // disabled unless the test opts in
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client, srv
}

func chatHandler(text string, usage Usage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"model":"gpt-3.5-turbo","choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"prompt_tokens":%d,"completion_tokens":%d,"total_tokens":%d}}`,
			text, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	}
}

func TestClient_Complete(t *testing.T) {
	client, _ := newTestClient(t, chatHandler("analysis result", Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}))

	comp, err := client.Complete(context.Background(), CompletionRequest{Prompt: "analyze"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if comp.Text != "analysis result" {
		t.Errorf("Text = %q", comp.Text)
	}
	if comp.Usage.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150", comp.Usage.TotalTokens)
	}

	stats := client.Stats()
	if stats.TotalRequests != 1 || stats.TotalTokens != 150 {
		t.Errorf("Stats() = %+v", stats)
	}
	wantCost := 100*0.0015/1000 + 50*0.002/1000
	if math.Abs(stats.TotalCost-wantCost) > 1e-12 {
		t.Errorf("TotalCost = %v, want %v", stats.TotalCost, wantCost)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  ErrorKind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, KindRateLimited, true},
		{"bad request", http.StatusBadRequest, KindInvalidRequest, false},
		{"unauthorized", http.StatusUnauthorized, KindInvalidRequest, false},
		{"server error", http.StatusInternalServerError, KindServiceError, false},
		{"bad gateway", http.StatusBadGateway, KindServiceError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			})

			_, err := client.Complete(context.Background(), CompletionRequest{Prompt: "x"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want APIError", err)
			}
			if apiErr.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", apiErr.Kind, tt.wantKind)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestClient_TimeoutIsRetryable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, CompletionRequest{Prompt: "slow"})
	if err == nil {
		t.Fatal("Complete() succeeded, want timeout")
	}
	if !IsRetryable(err) {
		t.Errorf("timeout error %v should be retryable", err)
	}
}

func TestClient_Embed(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"text-embedding-3-small","data":[{"embedding":[0.1,0.2,0.3]}],"usage":{"prompt_tokens":5,"total_tokens":5}}`)
	})

	emb, err := client.Embed(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(emb.Vector) != 3 || emb.Vector[1] != 0.2 {
		t.Errorf("Vector = %v", emb.Vector)
	}
}

func TestClient_Classify(t *testing.T) {
	client, _ := newTestClient(t, chatHandler(
		"```json\n{\"category\":\"devops\",\"confidence\":0.92,\"reasoning\":\"mentions CI\"}\n```",
		Usage{PromptTokens: 40, CompletionTokens: 20, TotalTokens: 60},
	))

	cls, err := client.Classify(context.Background(), "a CI pipeline tool", []string{"devops", "frontend"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if cls.Category != "devops" || cls.Confidence != 0.92 {
		t.Errorf("Classification = %+v", cls)
	}
	if cls.Usage.TotalTokens != 60 {
		t.Errorf("Usage.TotalTokens = %d, want 60", cls.Usage.TotalTokens)
	}
}

func TestClient_ResponseCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		chatHandler("cached", Usage{TotalTokens: 10})(w, r)
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "k", BaseURL: srv.URL, CacheTTL: time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	req := CompletionRequest{Prompt: "same prompt"}
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete() #1 error = %v", err)
	}

	// Ristretto admits asynchronously; wait for the entry to land.
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 1 && time.Now().Before(deadline) {
		comp, err := client.Complete(context.Background(), req)
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if comp.Text != "cached" {
			t.Fatalf("Text = %q", comp.Text)
		}
		if client.Stats().CacheHits > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
		calls.Store(1)
	}
}

func TestCost(t *testing.T) {
	tests := []struct {
		model Model
		usage Usage
		want  float64
	}{
		{ModelGPT4, Usage{PromptTokens: 1000, CompletionTokens: 1000}, 0.03 + 0.06},
		{ModelGPT35Turbo, Usage{PromptTokens: 2000, CompletionTokens: 0}, 0.003},
		{ModelEmbeddingSmall, Usage{PromptTokens: 1_000_000}, 0.02},
		{Model("mystery"), Usage{PromptTokens: 1000}, 0.002},
	}

	for _, tt := range tests {
		t.Run(string(tt.model), func(t *testing.T) {
			got := Cost(tt.model, tt.usage)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cost(%s) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare json", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", `Here you go: {"a":1} hope that helps`, `{"a":1}`},
		{"no json", "nothing here", "nothing here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.input); got != tt.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
