// Package vectorstore provides the vector storage backends for attempt
// memories.
//
// Two implementations are available: an embedded chromem-go store (default,
// zero external services) and a Qdrant gRPC store for deployments that
// already run Qdrant. Both embed documents through the same Embedder
// interface and are selected by config.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")
)

// Document is a document to be embedded and stored.
type Document struct {
	// ID is the unique identifier for the document.
	ID string

	// Content is the text that gets embedded.
	Content string

	// Metadata holds additional key-value pairs for filtering.
	Metadata map[string]interface{}
}

// SearchResult is one similarity-search hit.
type SearchResult struct {
	ID       string
	Content  string
	Score    float32 // higher = more similar
	Metadata map[string]interface{}
}

// Embedder generates vector embeddings from text. langchaingo's
// embeddings.Embedder satisfies this interface.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the interface both backends implement.
type Store interface {
	// AddDocuments embeds and stores documents, returning their IDs.
	AddDocuments(ctx context.Context, docs []Document) ([]string, error)

	// Search returns up to k results ordered by similarity, highest first.
	Search(ctx context.Context, query string, k int) ([]SearchResult, error)

	// SearchWithFilters restricts results to documents whose metadata
	// matches every filter value.
	SearchWithFilters(ctx context.Context, query string, k int, filters map[string]interface{}) ([]SearchResult, error)

	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Provider is "chromem" or "qdrant".
	Provider string

	// Path is the chromem persistence directory.
	Path string

	// Collection is the collection name used by both backends.
	Collection string

	// Qdrant connection settings, used when Provider is "qdrant".
	QdrantHost   string
	QdrantPort   int
	QdrantAPIKey string
	QdrantUseTLS bool
}

// New builds the configured Store.
func New(cfg Config, embedder Embedder, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.Path,
			Collection: cfg.Collection,
		}, embedder, logger)
	case "qdrant":
		return NewQdrantStore(QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantUseTLS,
			Collection: cfg.Collection,
		}, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// metadataToString flattens metadata for backends that store string maps.
func metadataToString(metadata map[string]interface{}) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

func metadataFromString(metadata map[string]string) map[string]interface{} {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
