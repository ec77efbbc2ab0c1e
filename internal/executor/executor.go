// Package executor adapts queued tasks into calls against the AI completion
// API. Each task type has one execution path; batch analysis fans out over
// sub-items with bounded concurrency and per-item progress reporting.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/stargazer/internal/aiclient"
	"github.com/marcus/stargazer/internal/logging"
	"github.com/marcus/stargazer/internal/tasks"
)

// DefaultSubConcurrency bounds parallel sub-calls within a batch task.
const DefaultSubConcurrency = 3

// AIClient is the slice of the completion API the executor consumes.
type AIClient interface {
	Complete(ctx context.Context, req aiclient.CompletionRequest) (*aiclient.Completion, error)
	Embed(ctx context.Context, text string, model aiclient.Model) (*aiclient.Embedding, error)
	Classify(ctx context.Context, text string, categories []string) (*aiclient.Classification, error)
}

// Outcome carries a finished execution's result and its resource usage; the
// dispatcher folds it into the task record.
type Outcome struct {
	Result     any
	TokensUsed int
	ActualCost float64
}

// Executor runs task payloads against the AI API.
type Executor struct {
	client         AIClient
	subConcurrency int
	logger         *logging.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSubConcurrency bounds parallel batch sub-calls.
func WithSubConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.subConcurrency = n
		}
	}
}

// New creates an executor backed by the given client.
func New(client AIClient, opts ...Option) *Executor {
	e := &Executor{
		client:         client,
		subConcurrency: DefaultSubConcurrency,
		logger:         logging.Component("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the task's payload, honoring the task timeout. The context is
// the task's cancellation scope; sub-calls observe it at every boundary.
func (e *Executor) Execute(ctx context.Context, task *tasks.Task) (Outcome, error) {
	if task.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Config.Timeout)
		defer cancel()
	}

	switch payload := task.Payload.(type) {
	case tasks.RepositoryAnalysisPayload:
		return e.repositoryAnalysis(ctx, payload)
	case tasks.BatchAnalysisPayload:
		return e.batchAnalysis(ctx, payload, task.Config.OnProgress)
	case tasks.TextClassificationPayload:
		return e.textClassification(ctx, payload)
	case tasks.EmbeddingPayload:
		return e.embedding(ctx, payload)
	case tasks.SemanticSearchPayload:
		return e.semanticSearch(ctx, payload)
	default:
		return Outcome{}, fmt.Errorf("%w: no executor for payload %T", tasks.ErrInvalidPayload, task.Payload)
	}
}

// RepositoryAnalysis is the structured result of analyzing one repository.
type RepositoryAnalysis struct {
	Summary      string   `json:"summary"`
	MainFeatures []string `json:"main_features"`
	TechStack    []string `json:"tech_stack"`
	UseCases     []string `json:"use_cases"`
	Pros         []string `json:"pros"`
	Cons         []string `json:"cons"`
	Raw          string   `json:"raw,omitempty"` // set when the model reply was not valid JSON
}

const readmeLimit = 2000

func (e *Executor) repositoryAnalysis(ctx context.Context, p tasks.RepositoryAnalysisPayload) (Outcome, error) {
	comp, err := e.client.Complete(ctx, aiclient.CompletionRequest{
		Prompt:      buildAnalysisPrompt(p.Repo, p.Readme),
		Model:       aiclient.ModelGPT4,
		MaxTokens:   2000,
		Temperature: 0.3,
	})
	if err != nil {
		return Outcome{}, wrapTimeout(ctx, err)
	}

	var analysis RepositoryAnalysis
	if jsonErr := json.Unmarshal([]byte(extractJSON(comp.Text)), &analysis); jsonErr != nil {
		analysis = RepositoryAnalysis{Raw: comp.Text}
	}

	return Outcome{
		Result:     analysis,
		TokensUsed: comp.Usage.TotalTokens,
		ActualCost: aiclient.Cost(aiclient.ModelGPT4, comp.Usage),
	}, nil
}

func buildAnalysisPrompt(repo tasks.RepoInfo, readme string) string {
	if len(readme) > readmeLimit {
		readme = readme[:readmeLimit]
	}
	if readme == "" {
		readme = "(no README)"
	}
	return fmt.Sprintf(`Analyze the following GitHub repository and return structured information.

Repository: %s
Description: %s
Primary language: %s
Stars: %d

README:
%s

Return a JSON object with:
- summary: a short summary
- main_features: list of main features
- tech_stack: technologies used
- use_cases: typical use cases
- pros: strengths
- cons: weaknesses

Return only JSON, no extra commentary.`,
		repo.Name, orNA(repo.Description), orNA(repo.Language), repo.Stars, readme)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// BatchItemResult records one sub-item's outcome inside a batch analysis.
// Failed sub-items are recorded and do not abort the batch.
type BatchItemResult struct {
	RepoName string `json:"repo_name"`
	Success  bool   `json:"success"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (e *Executor) batchAnalysis(ctx context.Context, p tasks.BatchAnalysisPayload, onProgress tasks.ProgressFunc) (Outcome, error) {
	total := len(p.Repositories)
	results := make([]BatchItemResult, total)

	var mu sync.Mutex
	completed := 0
	tokens := 0
	cost := 0.0

	g, gctx := errgroup.WithContext(ctx)
	limit := e.subConcurrency
	if limit > total {
		limit = total
	}
	g.SetLimit(limit)

	for i, repo := range p.Repositories {
		g.Go(func() error {
			// Cooperative cancellation boundary: stop launching work once
			// the task context is gone.
			if err := gctx.Err(); err != nil {
				return err
			}

			out, err := e.repositoryAnalysis(gctx, tasks.RepositoryAnalysisPayload{
				Repo:   repo.Repo,
				Readme: repo.Readme,
			})

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				e.logger.WarnCtx("batch item failed", map[string]any{
					"repo":  repo.Repo.Name,
					"error": err.Error(),
				})
				results[i] = BatchItemResult{RepoName: repo.Repo.Name, Error: err.Error()}
			} else {
				results[i] = BatchItemResult{RepoName: repo.Repo.Name, Success: true, Result: out.Result}
				tokens += out.TokensUsed
				cost += out.ActualCost
			}

			completed++
			if onProgress != nil {
				onProgress(float64(completed)/float64(total), completed, total)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Outcome{TokensUsed: tokens, ActualCost: cost}, wrapTimeout(ctx, err)
	}

	return Outcome{Result: results, TokensUsed: tokens, ActualCost: cost}, nil
}

func (e *Executor) textClassification(ctx context.Context, p tasks.TextClassificationPayload) (Outcome, error) {
	cls, err := e.client.Classify(ctx, p.Text, p.Categories)
	if err != nil {
		return Outcome{}, wrapTimeout(ctx, err)
	}
	return Outcome{
		Result:     *cls,
		TokensUsed: cls.Usage.TotalTokens,
		ActualCost: aiclient.Cost(aiclient.ModelGPT35Turbo, cls.Usage),
	}, nil
}

func (e *Executor) embedding(ctx context.Context, p tasks.EmbeddingPayload) (Outcome, error) {
	emb, err := e.client.Embed(ctx, p.Text, aiclient.ModelEmbeddingSmall)
	if err != nil {
		return Outcome{}, wrapTimeout(ctx, err)
	}
	return Outcome{
		Result:     emb.Vector,
		TokensUsed: emb.Usage.TotalTokens,
		ActualCost: aiclient.Cost(aiclient.ModelEmbeddingSmall, emb.Usage),
	}, nil
}

// SearchMatch pairs a document with its similarity to the query.
type SearchMatch struct {
	Document   tasks.Document `json:"document"`
	Similarity float64        `json:"similarity"`
}

const defaultTopK = 5

func (e *Executor) semanticSearch(ctx context.Context, p tasks.SemanticSearchPayload) (Outcome, error) {
	emb, err := e.client.Embed(ctx, p.Query, aiclient.ModelEmbeddingSmall)
	if err != nil {
		return Outcome{}, wrapTimeout(ctx, err)
	}

	matches := make([]SearchMatch, 0, len(p.Documents))
	for _, doc := range p.Documents {
		if len(doc.Embedding) == 0 {
			continue
		}
		matches = append(matches, SearchMatch{
			Document:   doc,
			Similarity: cosineSimilarity(emb.Vector, doc.Embedding),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	topK := p.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK < len(matches) {
		matches = matches[:topK]
	}

	return Outcome{
		Result:     matches,
		TokensUsed: emb.Usage.TotalTokens,
		ActualCost: aiclient.Cost(aiclient.ModelEmbeddingSmall, emb.Usage),
	}, nil
}

// cosineSimilarity returns 0 for mismatched or zero-magnitude vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// wrapTimeout converts a context-deadline failure into the API timeout error
// class so retry classification sees it uniformly.
func wrapTimeout(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &aiclient.APIError{Kind: aiclient.KindTimeout, Message: "task timeout: " + err.Error()}
	}
	return err
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
