// Package aiclient implements an OpenAI-compatible completion and embedding
// client: chat completions, embeddings, text classification, a pricing table
// for cost accounting, and an in-process response cache.
package aiclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/marcus/stargazer/internal/logging"
)

// Config holds client configuration.
type Config struct {
	APIKey       string
	BaseURL      string        // default https://api.openai.com/v1
	Timeout      time.Duration // per-request, default 30s
	CacheTTL     time.Duration // response cache TTL, default 1h, <0 disables
	CacheMaxCost int64         // cache size budget in bytes, default 32 MiB
}

// DefaultConfig returns client defaults.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:       apiKey,
		BaseURL:      "https://api.openai.com/v1",
		Timeout:      30 * time.Second,
		CacheTTL:     time.Hour,
		CacheMaxCost: 32 << 20,
	}
}

// Usage holds token counts reported by the API for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a chat completion call.
type Completion struct {
	Text  string
	Model Model
	Usage Usage
}

// Embedding is the result of an embedding call.
type Embedding struct {
	Vector []float64
	Model  Model
	Usage  Usage
}

// Classification is the structured result of a classify call.
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Usage      Usage   `json:"-"`
}

// CompletionRequest configures a chat completion.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	Model        Model
	MaxTokens    int
	Temperature  float64
}

// Stats accumulates client-level usage across calls.
type Stats struct {
	TotalRequests int       `json:"total_requests"`
	TotalTokens   int       `json:"total_tokens"`
	TotalCost     float64   `json:"total_cost"`
	CacheHits     int       `json:"cache_hits"`
	LastRequestAt time.Time `json:"last_request_at,omitzero"`
}

// Client talks to an OpenAI-compatible API.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *ristretto.Cache[string, any]
	logger *logging.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a client. The response cache is always constructed; CacheTTL<0
// turns caching off.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CacheMaxCost == 0 {
		cfg.CacheMaxCost = 32 << 20
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: 10000,
		MaxCost:     cfg.CacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating response cache: %w", err)
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logging.Component("aiclient"),
	}, nil
}

// Close releases cache resources.
func (c *Client) Close() {
	c.cache.Close()
}

// wire formats

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage Usage `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete runs a chat completion.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if req.Model == "" {
		req.Model = ModelGPT35Turbo
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 1000
	}

	body := chatRequest{
		Model:       string(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	key := cacheKey("chat", body)
	if cached, ok := c.cacheGet(key); ok {
		if comp, ok := cached.(*Completion); ok {
			return comp, nil
		}
	}

	var resp chatResponse
	if err := c.post(ctx, "chat/completions", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &APIError{Kind: KindServiceError, Message: "response contained no choices"}
	}

	comp := &Completion{
		Text:  resp.Choices[0].Message.Content,
		Model: Model(resp.Model),
		Usage: resp.Usage,
	}
	c.recordUsage(Model(resp.Model), resp.Usage)
	c.cacheSet(key, comp)
	return comp, nil
}

// Embed generates an embedding vector for the text.
func (c *Client) Embed(ctx context.Context, text string, model Model) (*Embedding, error) {
	if model == "" {
		model = ModelEmbeddingSmall
	}
	body := embeddingRequest{Model: string(model), Input: text}

	key := cacheKey("embedding", body)
	if cached, ok := c.cacheGet(key); ok {
		if emb, ok := cached.(*Embedding); ok {
			return emb, nil
		}
	}

	var resp embeddingResponse
	if err := c.post(ctx, "embeddings", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &APIError{Kind: KindServiceError, Message: "response contained no embedding data"}
	}

	emb := &Embedding{
		Vector: resp.Data[0].Embedding,
		Model:  Model(resp.Model),
		Usage:  resp.Usage,
	}
	c.recordUsage(Model(resp.Model), resp.Usage)
	c.cacheSet(key, emb)
	return emb, nil
}

// Classify asks the model to place text into one of the given categories and
// returns the parsed JSON verdict.
func (c *Client) Classify(ctx context.Context, text string, categories []string) (*Classification, error) {
	system := fmt.Sprintf(`You are a text classification expert. Classify the text into one of these categories:

%s

Return a JSON object with:
- category: the best matching category
- confidence: confidence between 0 and 1
- reasoning: why this category fits`, strings.Join(categories, ", "))

	prompt := fmt.Sprintf("Classify the following text. Return only JSON, no extra commentary.\n\n%s", text)

	comp, err := c.Complete(ctx, CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: system,
		Model:        ModelGPT35Turbo,
		MaxTokens:    500,
		Temperature:  0.1,
	})
	if err != nil {
		return nil, err
	}

	var cls Classification
	if err := json.Unmarshal([]byte(extractJSON(comp.Text)), &cls); err != nil {
		return nil, fmt.Errorf("parsing classification response: %w", err)
	}
	cls.Usage = comp.Usage
	return &cls, nil
}

// HealthCheck verifies the API is reachable with a minimal completion.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.Complete(ctx, CompletionRequest{Prompt: "Hello", MaxTokens: 5})
	return err == nil
}

// Stats returns a copy of the accumulated usage counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ResetStats zeroes the usage counters.
func (c *Client) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}

func (c *Client) recordUsage(model Model, usage Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalRequests++
	c.stats.TotalTokens += usage.TotalTokens
	c.stats.TotalCost += Cost(model, usage)
	c.stats.LastRequestAt = time.Now()
}

// post sends a JSON request and decodes the response, classifying failures.
func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	c.logger.DebugCtx("api request", map[string]any{
		"endpoint": endpoint,
		"status":   resp.StatusCode,
		"elapsed":  time.Since(start).String(),
	})

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		msg := "unknown error"
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return &APIError{Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindServiceError, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	return nil
}

func (c *Client) cacheGet(key string) (any, bool) {
	if c.cfg.CacheTTL < 0 {
		return nil, false
	}
	val, ok := c.cache.Get(key)
	if ok {
		c.mu.Lock()
		c.stats.CacheHits++
		c.mu.Unlock()
	}
	return val, ok
}

func (c *Client) cacheSet(key string, val any) {
	if c.cfg.CacheTTL < 0 {
		return
	}
	c.cache.SetWithTTL(key, val, 1, c.cfg.CacheTTL)
}

// cacheKey hashes the request payload into a stable cache key.
func cacheKey(kind string, body any) string {
	data, _ := json.Marshal(body)
	sum := sha256.Sum256(append([]byte(kind+":"), data...))
	return hex.EncodeToString(sum[:])
}

// extractJSON trims markdown fences and surrounding prose from a model reply
// that should contain a JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}
