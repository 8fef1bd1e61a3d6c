// Package memory persists concluded attempts into the vector corpus and
// retrieves similar past fixes for new failures. Every attempt, successful
// or not, becomes a retrievable memory, so the corpus is a self-referential
// knowledge base that grows with each healing run.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/metrics"
	"github.com/fyrsmithlabs/healops/internal/vectorstore"
)

const (
	// DefaultSimilarityThreshold drops weak matches from retrieval.
	DefaultSimilarityThreshold float32 = 0.65

	// DefaultTopK bounds how many matches feed the proposal prompt.
	DefaultTopK = 3

	// snippetLimit bounds the one-line snippet stored per memory.
	snippetLimit = 200
)

// AttemptMemory is the serializable outcome of one concluded attempt.
type AttemptMemory struct {
	RunID         string
	Repository    string
	Branch        string
	CommitSHA     string
	AttemptNo     int
	Status        string // succeeded or failed
	ErrorSummary  string
	Diagnosis     string
	ProposedFix   string
	ValidationLog string
}

// Match is one retrieved similar fix.
type Match struct {
	Title      string  `json:"title"`
	Score      float32 `json:"score"`
	Snippet    string  `json:"snippet"`
	RunID      string  `json:"runId,omitempty"`
	Repository string  `json:"repository,omitempty"`
}

// Service is the attempt-memory corpus.
type Service struct {
	store     vectorstore.Store
	threshold float32
	topK      int
	logger    *zap.Logger
}

// NewService builds the memory service over a vector store.
func NewService(store vectorstore.Store, threshold float32, topK int, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Service{
		store:     store,
		threshold: threshold,
		topK:      topK,
		logger:    logger.Named("memory"),
	}, nil
}

// RecordAttempt serializes a concluded attempt and ingests it into the
// corpus. Callers treat failures as best-effort: log and move on.
func (s *Service) RecordAttempt(ctx context.Context, m AttemptMemory) error {
	doc := vectorstore.Document{
		ID:      uuid.New().String(),
		Content: serialize(m),
		Metadata: map[string]interface{}{
			"run_id":     m.RunID,
			"repository": m.Repository,
			"branch":     m.Branch,
			"commit_sha": m.CommitSHA,
			"attempt_no": m.AttemptNo,
			"status":     m.Status,
			"title":      titleFor(m),
			"snippet":    snippetFor(m),
		},
	}

	_, err := s.store.AddDocuments(ctx, []vectorstore.Document{doc})
	metrics.RecordMemoryOp("record", err)
	if err != nil {
		return fmt.Errorf("ingesting attempt memory: %w", err)
	}

	s.logger.Debug("attempt memory recorded",
		zap.String("run_id", m.RunID),
		zap.Int("attempt_no", m.AttemptNo),
		zap.String("status", m.Status),
	)
	return nil
}

// SimilarFixes retrieves up to topK past attempts similar to the query,
// dropping matches below the similarity threshold.
func (s *Service) SimilarFixes(ctx context.Context, query string) ([]Match, error) {
	results, err := s.store.Search(ctx, query, s.topK)
	metrics.RecordMemoryOp("search", err)
	if err != nil {
		return nil, fmt.Errorf("searching attempt memories: %w", err)
	}
	return s.toMatches(results), nil
}

// FixesForRepository is SimilarFixes scoped to one repository.
func (s *Service) FixesForRepository(ctx context.Context, query, repository string) ([]Match, error) {
	results, err := s.store.SearchWithFilters(ctx, query, s.topK,
		map[string]interface{}{"repository": repository})
	metrics.RecordMemoryOp("search", err)
	if err != nil {
		return nil, fmt.Errorf("searching attempt memories for %s: %w", repository, err)
	}
	return s.toMatches(results), nil
}

func (s *Service) toMatches(results []vectorstore.SearchResult) []Match {
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		if r.Score < s.threshold {
			continue
		}
		m := Match{Score: r.Score}
		if title, ok := r.Metadata["title"].(string); ok {
			m.Title = title
		}
		if snippet, ok := r.Metadata["snippet"].(string); ok {
			m.Snippet = snippet
		}
		if m.Snippet == "" {
			m.Snippet = truncate(collapse(r.Content), snippetLimit)
		}
		if runID, ok := r.Metadata["run_id"].(string); ok {
			m.RunID = runID
		}
		if repo, ok := r.Metadata["repository"].(string); ok {
			m.Repository = repo
		}
		matches = append(matches, m)
	}
	return matches
}

func titleFor(m AttemptMemory) string {
	return fmt.Sprintf("%s@%s attempt %d (%s)", m.Repository, m.Branch, m.AttemptNo, m.Status)
}

// snippetFor condenses the actionable part of the attempt into one line.
func snippetFor(m AttemptMemory) string {
	text := m.ProposedFix
	if text == "" {
		text = m.Diagnosis
	}
	return truncate(collapse(text), snippetLimit)
}

// serialize renders the attempt as the text that gets embedded.
func serialize(m AttemptMemory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", m.Repository)
	fmt.Fprintf(&b, "Branch: %s\n", m.Branch)
	fmt.Fprintf(&b, "Commit: %s\n", m.CommitSHA)
	fmt.Fprintf(&b, "Attempt: %d\n", m.AttemptNo)
	fmt.Fprintf(&b, "Status: %s\n", m.Status)
	fmt.Fprintf(&b, "Error: %s\n", m.ErrorSummary)
	fmt.Fprintf(&b, "Diagnosis: %s\n", m.Diagnosis)
	fmt.Fprintf(&b, "Fix: %s\n", m.ProposedFix)
	if m.ValidationLog != "" {
		fmt.Fprintf(&b, "Validation: %s\n", truncate(m.ValidationLog, 500))
	}
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
