package vectorstore

import (
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// EmbedderConfig points at an OpenAI-compatible embedding API. Local TEI
// (Text Embeddings Inference) servers and OpenAI itself both work.
type EmbedderConfig struct {
	// BaseURL is the API base URL, e.g. http://localhost:8080/v1 for TEI
	// or https://api.openai.com/v1 for OpenAI.
	BaseURL string

	// Model is the embedding model name.
	Model string

	// APIKey is required for OpenAI, optional for TEI.
	APIKey string
}

// NewEmbedder builds a langchaingo embedder, which satisfies the Embedder
// interface.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: embeddings base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: embeddings model required", ErrInvalidConfig)
	}

	// langchaingo requires a token; TEI ignores it.
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embeddings client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embedder, nil
}
