package aiclient

// Model identifies a completion or embedding model.
type Model string

const (
	ModelGPT35Turbo     Model = "gpt-3.5-turbo"
	ModelGPT4           Model = "gpt-4"
	ModelGPT4Turbo      Model = "gpt-4-turbo"
	ModelEmbeddingSmall Model = "text-embedding-3-small"
	ModelEmbeddingLarge Model = "text-embedding-3-large"
)

// modelRate holds USD pricing per input/output token.
type modelRate struct {
	inputPerToken  float64
	outputPerToken float64
}

// modelRates is the pricing table. Chat models are billed per 1K tokens,
// embedding models per 1M input tokens; both are normalized to per-token here.
var modelRates = map[Model]modelRate{
	ModelGPT35Turbo:     {inputPerToken: 0.0015 / 1000, outputPerToken: 0.002 / 1000},
	ModelGPT4:           {inputPerToken: 0.03 / 1000, outputPerToken: 0.06 / 1000},
	ModelGPT4Turbo:      {inputPerToken: 0.01 / 1000, outputPerToken: 0.03 / 1000},
	ModelEmbeddingSmall: {inputPerToken: 0.02 / 1e6},
	ModelEmbeddingLarge: {inputPerToken: 0.13 / 1e6},
}

// defaultRate is applied to unknown models.
var defaultRate = modelRate{inputPerToken: 0.002 / 1000, outputPerToken: 0.002 / 1000}

// Cost computes the USD cost of a call from its token usage.
func Cost(model Model, usage Usage) float64 {
	rate, ok := modelRates[model]
	if !ok {
		rate = defaultRate
	}
	return float64(usage.PromptTokens)*rate.inputPerToken +
		float64(usage.CompletionTokens)*rate.outputPerToken
}
