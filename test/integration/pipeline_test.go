package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healops/internal/events"
	"github.com/fyrsmithlabs/healops/internal/orchestrator"
	"github.com/fyrsmithlabs/healops/internal/queue"
	"github.com/fyrsmithlabs/healops/internal/store"
	"github.com/fyrsmithlabs/healops/internal/workflow"
)

// TestPipeline_WebhookToFixedRun walks the happy path: a CI failure
// webhook becomes a queued run, a worker picks it up, the scripted engine
// produces a validated fix, and the run concludes fixed with its attempt,
// events, and memory all recorded.
func TestPipeline_WebhookToFixedRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	engine := &scriptedEngine{results: []workflow.Result{{
		Success:       true,
		Diagnosis:     "Property access does not match the User model; the role field was renamed to roles.",
		ProposedFix:   "Update src/api/user.ts to read user.roles[0] and regenerate the API types.",
		ValidationRan: true,
		ValidationLog: "npm test\nall suites passed\n[CONTAINER_VALIDATION_PASSED]",
	}}}
	p := startPipeline(t, engine)

	// 1. Webhook opens a queued run.
	receipt, err := p.ingestor.Ingest(ctx, testWebhook("acme/api"), "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, receipt.Status)
	assert.False(t, receipt.Deduplicated)

	// 2. A worker drives it to fixed.
	run := waitForRunStatus(t, p.store, receipt.RunID, store.StatusFixed)
	assert.Equal(t, store.ResolvedByAI, run.ResolvedBy)
	assert.Equal(t, 1, run.AttemptCount)
	assert.Equal(t, store.PRStateNone, run.PRState)

	attempts, err := p.store.ListAttempts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.AttemptSucceeded, attempts[0].Status)
	assert.Equal(t, "scripted", attempts[0].EngineUsed)
	assert.Empty(t, attempts[0].FailureReason)

	// 3. The event log tells the whole story.
	require.Eventually(t, hasEvents(p.store, run.ID,
		events.TypeRunCreated,
		events.TypeRunQueued,
		events.TypeAttemptStarted,
		events.TypeAttemptValidation,
		events.TypeAttemptThinking,
		events.TypeAttemptSucceeded,
	), 5*time.Second, 50*time.Millisecond, "event log incomplete")

	// 4. The concluded attempt is retrievable from memory.
	matches, err := p.memory.SimilarFixes(ctx, "TS2339 property does not exist on type")
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, run.ID, matches[0].RunID)
	assert.Equal(t, "acme/api", matches[0].Repository)

	// 5. The same failure reported again folds into the existing run.
	dup, err := p.ingestor.Ingest(ctx, testWebhook("acme/api"), "")
	require.NoError(t, err)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, receipt.RunID, dup.RunID)
}

// TestPipeline_FailuresEscalateThenHumanResolves drains the retry budget
// with a failing engine, checks the escalation record, and closes the run
// with a human-fix action. A redelivered job after that is a no-op.
func TestPipeline_FailuresEscalateThenHumanResolves(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	engine := &scriptedEngine{results: []workflow.Result{{
		Success:       false,
		Diagnosis:     "Mock regeneration did not cover the new notification interface.",
		ProposedFix:   "Regenerate mocks for the notification service.",
		ValidationRan: true,
		ValidationLog: "npm test\n2 suites failed\n[CONTAINER_VALIDATION_FAILED] exit status 1",
		FailureReason: "container validation failed: exit status 1",
	}}}
	p := startPipeline(t, engine)

	receipt, err := p.ingestor.Ingest(ctx, testWebhook("acme/web"), "")
	require.NoError(t, err)

	// 1. Three failed attempts exhaust the budget.
	run := waitForRunStatus(t, p.store, receipt.RunID, store.StatusEscalated)
	assert.Equal(t, 3, run.AttemptCount)
	assert.Equal(t, store.ResolvedByHuman, run.ResolvedBy)
	assert.Equal(t, "container validation failed: exit status 1", run.EscalationReason)

	attempts, err := p.store.ListAttempts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, att := range attempts {
		assert.Equal(t, i+1, att.AttemptNo)
		assert.Equal(t, store.AttemptFailed, att.Status)
	}

	require.Eventually(t, hasEvents(p.store, run.ID,
		events.TypeAttemptFailed,
		events.TypeRunRequeued,
		events.TypeRunEscalated,
	), 5*time.Second, 50*time.Millisecond, "event log incomplete")

	// 2. A human closes it out.
	updated, err := p.orch.Apply(ctx, run.ID, orchestrator.ActionHumanFix, "restarted the flaky runner")
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, updated.Status)
	assert.Equal(t, store.ResolvedByHuman, updated.ResolvedBy)
	assert.Equal(t, "restarted the flaky runner", updated.HumanNote)

	require.Eventually(t, hasEvents(p.store, run.ID, events.TypeRunHumanFixed),
		5*time.Second, 50*time.Millisecond, "human-fix event missing")

	// 3. A stale redelivery is acknowledged without side effects.
	require.NoError(t, p.orch.ProcessJob(ctx, queue.Job{RunID: run.ID, AttemptNo: 4}))
	attempts, err = p.store.ListAttempts(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}
