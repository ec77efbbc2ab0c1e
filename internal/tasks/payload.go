package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload rejects a submission whose payload is missing, malformed,
// or does not match the declared task type.
var ErrInvalidPayload = errors.New("invalid task payload")

// Payload is the type-specific data of a task. Each task type has exactly one
// payload struct; the executor switches exhaustively on the concrete type.
type Payload interface {
	TaskType() Type
	// Validate checks payload shape at submission time.
	Validate() error
}

// RepoInfo describes a GitHub repository under analysis.
type RepoInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	Stars       int    `json:"stargazers_count"`
}

// RepositoryAnalysisPayload asks for a structured analysis of one repository.
type RepositoryAnalysisPayload struct {
	Repo   RepoInfo `json:"repo_info"`
	Readme string   `json:"readme_content"`
}

func (RepositoryAnalysisPayload) TaskType() Type { return TypeRepositoryAnalysis }

func (p RepositoryAnalysisPayload) Validate() error {
	if p.Repo.Name == "" {
		return fmt.Errorf("%w: repository name required", ErrInvalidPayload)
	}
	return nil
}

// BatchRepository is one item of a batch analysis.
type BatchRepository struct {
	Repo   RepoInfo `json:"repo_info"`
	Readme string   `json:"readme"`
}

// BatchAnalysisPayload analyzes several repositories under one task, with
// per-item progress reporting.
type BatchAnalysisPayload struct {
	Repositories []BatchRepository `json:"repositories"`
}

func (BatchAnalysisPayload) TaskType() Type { return TypeBatchAnalysis }

func (p BatchAnalysisPayload) Validate() error {
	if len(p.Repositories) == 0 {
		return fmt.Errorf("%w: batch requires at least one repository", ErrInvalidPayload)
	}
	for i, r := range p.Repositories {
		if r.Repo.Name == "" {
			return fmt.Errorf("%w: repository %d has no name", ErrInvalidPayload, i)
		}
	}
	return nil
}

// TextClassificationPayload classifies text into one of the given categories.
type TextClassificationPayload struct {
	Text       string   `json:"text"`
	Categories []string `json:"categories"`
}

func (TextClassificationPayload) TaskType() Type { return TypeTextClassification }

func (p TextClassificationPayload) Validate() error {
	if p.Text == "" {
		return fmt.Errorf("%w: text required", ErrInvalidPayload)
	}
	if len(p.Categories) == 0 {
		return fmt.Errorf("%w: at least one category required", ErrInvalidPayload)
	}
	return nil
}

// EmbeddingPayload generates an embedding vector for a text.
type EmbeddingPayload struct {
	Text string `json:"text"`
}

func (EmbeddingPayload) TaskType() Type { return TypeEmbeddingGeneration }

func (p EmbeddingPayload) Validate() error {
	if p.Text == "" {
		return fmt.Errorf("%w: text required", ErrInvalidPayload)
	}
	return nil
}

// Document is a candidate item for semantic search, with a precomputed
// embedding when available.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Embedding []float64      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SemanticSearchPayload ranks documents against a query by embedding
// similarity and returns the top K.
type SemanticSearchPayload struct {
	Query     string     `json:"query"`
	Documents []Document `json:"documents"`
	TopK      int        `json:"top_k"`
}

func (SemanticSearchPayload) TaskType() Type { return TypeSemanticSearch }

func (p SemanticSearchPayload) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("%w: query required", ErrInvalidPayload)
	}
	return nil
}

// DecodePayload unmarshals JSON into the payload struct for the given type.
func DecodePayload(typ Type, data []byte) (Payload, error) {
	switch typ {
	case TypeRepositoryAnalysis:
		var p RepositoryAnalysisPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case TypeBatchAnalysis:
		var p BatchAnalysisPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case TypeTextClassification:
		var p TextClassificationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case TypeEmbeddingGeneration:
		var p EmbeddingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case TypeSemanticSearch:
		var p SemanticSearchPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, typ)
	}
}

// ValidatePayload checks that the payload is present, self-consistent, and
// matches the declared task type.
func ValidatePayload(typ Type, payload Payload) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, typ)
	}
	if payload == nil {
		return fmt.Errorf("%w: payload required", ErrInvalidPayload)
	}
	if payload.TaskType() != typ {
		return fmt.Errorf("%w: payload is for %q, task declared %q",
			ErrInvalidPayload, payload.TaskType(), typ)
	}
	return payload.Validate()
}
