// Package integration exercises the healing pipeline end to end: real
// SQLite store, embedded NATS queue and live bus, chromem attempt memory,
// and the orchestrator worker loop. Only the AI engine is scripted.
package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/healops/internal/config"
	"github.com/fyrsmithlabs/healops/internal/events"
	"github.com/fyrsmithlabs/healops/internal/ingest"
	"github.com/fyrsmithlabs/healops/internal/memory"
	"github.com/fyrsmithlabs/healops/internal/notify"
	"github.com/fyrsmithlabs/healops/internal/orchestrator"
	"github.com/fyrsmithlabs/healops/internal/queue"
	"github.com/fyrsmithlabs/healops/internal/store"
	"github.com/fyrsmithlabs/healops/internal/vectorstore"
	"github.com/fyrsmithlabs/healops/internal/workflow"
)

// scriptedEngine returns canned workflow results in order, repeating the
// last one when attempts outnumber the script.
type scriptedEngine struct {
	mu      sync.Mutex
	results []workflow.Result
	calls   int
}

func (e *scriptedEngine) Run(_ context.Context, _ workflow.Input) (workflow.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.calls
	if idx >= len(e.results) {
		idx = len(e.results) - 1
	}
	e.calls++
	res := e.results[idx]
	res.Engine = e.Name()
	return res, nil
}

func (e *scriptedEngine) Name() string { return "scripted" }

// constEmbedder gives every text the same unit vector, so similarity is
// deterministic without a live embeddings service.
type constEmbedder struct{}

func (constEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (constEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

// newTestMemory builds a chromem-backed attempt memory on a temp dir.
func newTestMemory(t *testing.T, logger *zap.Logger) *memory.Service {
	t.Helper()

	vs, err := vectorstore.New(vectorstore.Config{
		Provider:   "chromem",
		Path:       t.TempDir(),
		Collection: "attempt_memories",
	}, constEmbedder{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	mem, err := memory.NewService(vs, 0, 0, logger)
	require.NoError(t, err)
	return mem
}

// pipeline is a fully wired healing pipeline minus HTTP and GitHub.
type pipeline struct {
	store    *store.Store
	memory   *memory.Service
	ingestor *ingest.Ingestor
	orch     *orchestrator.Orchestrator
}

// startPipeline wires store, queue, events, memory, ingestor, and
// orchestrator around the given engine and starts the worker pool. Every
// resource is cleaned up with the test.
func startPipeline(t *testing.T, engine workflow.Engine) *pipeline {
	t.Helper()

	logger := zaptest.NewLogger(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "healops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ns, err := queue.StartEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	nc, err := queue.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	q, err := queue.New(nc, queue.Options{
		Stream:        "HEALOPS",
		SubjectPrefix: "healops",
		Workers:       2,
	}, logger)
	require.NoError(t, err)

	recorder := events.NewRecorder(st, nc, "healops", logger)
	mem := newTestMemory(t, logger)

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Engine:   engine,
		Memory:   mem,
		Queue:    q,
		Events:   recorder,
		Notifier: notify.Noop{},
		Logger:   logger,
	})
	require.NoError(t, err)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		_ = q.Run(workerCtx, orch.ProcessJob)
	}()
	t.Cleanup(func() {
		stopWorkers()
		select {
		case <-workersDone:
		case <-time.After(5 * time.Second):
			t.Error("worker pool did not stop after cancel")
		}
	})

	healing := config.HealingConfig{Enabled: true, MaxAttempts: 3, SafeMode: true, WorkerCount: 2}
	ai := config.AIConfig{Provider: "anthropic", Model: "test-model"}
	ingestor := ingest.New(healing, ai, st, q, recorder, notify.Noop{}, logger)

	return &pipeline{store: st, memory: mem, ingestor: ingestor, orch: orch}
}

func testWebhook(repository string) ingest.Webhook {
	return ingest.Webhook{
		Provider:    "github-actions",
		Repository:  repository,
		Branch:      "main",
		CommitSHA:   "0a1b2c3d4e5f",
		PipelineURL: "https://ci.example.com/builds/42",
		ErrorType:   "typescript",
		ErrorLog: "src/api/user.ts(12,5): error TS2339: Property 'role' does not exist on type 'User'.\n" +
			"npm ERR! code ELIFECYCLE",
	}
}

// waitForRunStatus polls until the run reaches want or the deadline hits.
func waitForRunStatus(t *testing.T, st *store.Store, runID string, want store.RunStatus) *store.Run {
	t.Helper()

	var run *store.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = st.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		return run.Status == want
	}, 15*time.Second, 50*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

// hasEvents reports whether every wanted event type has been appended to
// the run's log. Events trail the status transition they describe, so
// callers poll.
func hasEvents(st *store.Store, runID string, want ...string) func() bool {
	return func() bool {
		evs, err := st.ListEvents(context.Background(), runID)
		if err != nil {
			return false
		}
		seen := make(map[string]bool, len(evs))
		for _, e := range evs {
			seen[e.EventType] = true
		}
		for _, w := range want {
			if !seen[w] {
				return false
			}
		}
		return true
	}
}
