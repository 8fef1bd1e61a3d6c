package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/healops/internal/memory"
)

// TestMemory_CorpusRoundTrip records concluded attempts into a persistent
// chromem corpus and retrieves them globally and scoped to one repository.
func TestMemory_CorpusRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	mem := newTestMemory(t, zaptest.NewLogger(t))

	require.NoError(t, mem.RecordAttempt(ctx, memory.AttemptMemory{
		RunID:        "run-api",
		Repository:   "acme/api",
		Branch:       "main",
		CommitSHA:    "0a1b2c3d",
		AttemptNo:    1,
		Status:       "succeeded",
		ErrorSummary: "jest worker crashed with OOM during integration suite",
		Diagnosis:    "Test runner exceeded the container memory limit.",
		ProposedFix:  "Split the integration suite and cap jest workers at 2.",
	}))
	require.NoError(t, mem.RecordAttempt(ctx, memory.AttemptMemory{
		RunID:        "run-web",
		Repository:   "acme/web",
		Branch:       "main",
		CommitSHA:    "4e5f6a7b",
		AttemptNo:    2,
		Status:       "failed",
		ErrorSummary: "jest worker crashed during snapshot tests",
		Diagnosis:    "Stale snapshots after the component refactor.",
		ProposedFix:  "Regenerate snapshots for the dashboard components.",
	}))

	// Global search sees both attempts.
	matches, err := mem.SimilarFixes(ctx, "jest worker crashed")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	titles := []string{matches[0].Title, matches[1].Title}
	assert.Contains(t, titles, "acme/api@main attempt 1 (succeeded)")
	assert.Contains(t, titles, "acme/web@main attempt 2 (failed)")
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Score, memory.DefaultSimilarityThreshold)
		assert.NotEmpty(t, m.Snippet)
	}

	// Repository-scoped search filters the corpus.
	scoped, err := mem.FixesForRepository(ctx, "jest worker crashed", "acme/web")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "run-web", scoped[0].RunID)
	assert.Equal(t, "acme/web", scoped[0].Repository)
}
