package manager

import "github.com/marcus/stargazer/internal/tasks"

// defaultEstimatedTokens applies when a submission carries no estimate.
const defaultEstimatedTokens = 1000

// estimateCost projects a task's USD cost from its token estimate, before any
// API call is made. Batch analysis scales with item count instead (each item
// is a full gpt-4 analysis, prompt plus completion).
func estimateCost(typ tasks.Type, payload tasks.Payload, estimatedTokens int) float64 {
	tokens := float64(estimatedTokens)

	switch typ {
	case tasks.TypeRepositoryAnalysis:
		return tokens / 1000 * 0.03
	case tasks.TypeBatchAnalysis:
		if p, ok := payload.(tasks.BatchAnalysisPayload); ok {
			return float64(len(p.Repositories)) * 2 * 0.03
		}
		return tokens / 1000 * 0.03
	case tasks.TypeTextClassification:
		return tokens / 1000 * 0.0015
	case tasks.TypeEmbeddingGeneration, tasks.TypeSemanticSearch:
		return tokens / 1e6 * 0.02
	default:
		return tokens / 1000 * 0.002
	}
}
