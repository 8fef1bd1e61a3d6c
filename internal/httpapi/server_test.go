package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/healops/internal/config"
	"github.com/fyrsmithlabs/healops/internal/events"
	"github.com/fyrsmithlabs/healops/internal/ingest"
	"github.com/fyrsmithlabs/healops/internal/memory"
	"github.com/fyrsmithlabs/healops/internal/notify"
	"github.com/fyrsmithlabs/healops/internal/orchestrator"
	"github.com/fyrsmithlabs/healops/internal/queue"
	"github.com/fyrsmithlabs/healops/internal/store"
	"github.com/fyrsmithlabs/healops/internal/workflow"
)

type fakeEnqueuer struct {
	jobs []queue.Job
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job queue.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

// stubEngine satisfies the orchestrator dependency; API tests never
// process jobs, so it is never invoked.
type stubEngine struct{}

func (stubEngine) Run(ctx context.Context, in workflow.Input) (workflow.Result, error) {
	return workflow.Result{Success: true, Engine: "stub"}, nil
}

func (stubEngine) Name() string { return "stub" }

type fixedInsights struct {
	similar []memory.Match
	repo    []memory.Match
	err     error
}

func (f *fixedInsights) SimilarFixes(ctx context.Context, query string) ([]memory.Match, error) {
	return f.similar, f.err
}

func (f *fixedInsights) FixesForRepository(ctx context.Context, query, repository string) ([]memory.Match, error) {
	return f.repo, f.err
}

// apiHarness wires a server around real collaborators: a sqlite store,
// the real ingestor, and the real orchestrator for human actions.
type apiHarness struct {
	server *Server
	store  *store.Store
	events *events.Recorder
	queue  *fakeEnqueuer
}

type harnessConfig struct {
	healing  config.HealingConfig
	server   config.ServerConfig
	insights InsightSearcher
	nc       *nats.Conn
}

func enabledHealing() config.HealingConfig {
	return config.HealingConfig{Enabled: true, MaxAttempts: 3}
}

func newAPIHarness(t *testing.T, hc harnessConfig) *apiHarness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "healops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := zaptest.NewLogger(t)
	rec := events.NewRecorder(st, hc.nc, "healops", logger)
	q := &fakeEnqueuer{}

	ing := ingest.New(hc.healing, config.AIConfig{Provider: "anthropic", Model: "test-model"},
		st, q, rec, notify.Noop{}, logger)

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:  st,
		Engine: stubEngine{},
		Queue:  q,
		Events: rec,
		Logger: logger,
	})
	require.NoError(t, err)

	srv, err := NewServer(Deps{
		Config:   hc.server,
		Ingestor: ing,
		Actions:  orch,
		Store:    st,
		Insights: hc.insights,
		Events:   rec,
		NATS:     hc.nc,
		Logger:   logger,
	})
	require.NoError(t, err)

	return &apiHarness{server: srv, store: st, events: rec, queue: q}
}

func defaultHarness(t *testing.T) *apiHarness {
	t.Helper()
	return newAPIHarness(t, harnessConfig{healing: enabledHealing()})
}

func seedRun(t *testing.T, st *store.Store, status store.RunStatus) *store.Run {
	t.Helper()
	run := &store.Run{
		ID:           uuid.NewString(),
		Provider:     "github-actions",
		Repository:   "acme/api",
		Branch:       "main",
		CommitSHA:    "abc123",
		ErrorHash:    uuid.NewString(),
		ErrorType:    "typescript",
		ErrorSummary: "TS2339: property does not exist on type",
		Status:       status,
		MaxAttempts:  3,
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

func TestNewServer(t *testing.T) {
	t.Run("requires core dependencies", func(t *testing.T) {
		_, err := NewServer(Deps{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ingestor is required")
	})

	t.Run("rejects missing action applier", func(t *testing.T) {
		h := defaultHarness(t)
		_, err := NewServer(Deps{Ingestor: h.server.ingestor})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "action applier is required")
	})

	t.Run("rejects missing store", func(t *testing.T) {
		h := defaultHarness(t)
		_, err := NewServer(Deps{Ingestor: h.server.ingestor, Actions: h.server.actions})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store is required")
	})

	t.Run("rejects missing event recorder", func(t *testing.T) {
		h := defaultHarness(t)
		_, err := NewServer(Deps{Ingestor: h.server.ingestor, Actions: h.server.actions, Store: h.store})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "event recorder is required")
	})
}

func TestHandleHealth(t *testing.T) {
	h := defaultHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestPrometheusEndpoint(t *testing.T) {
	h := defaultHarness(t)

	// One webhook so the ingest counters have at least one child series.
	rec := postWebhook(t, h, testHook(), "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healops_ingest_webhooks_total")
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		h := defaultHarness(t)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()

		h.server.echo.ServeHTTP(rec, req)

		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		h := defaultHarness(t)

		h.server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		rec := httptest.NewRecorder()

		assert.NotPanics(t, func() {
			h.server.echo.ServeHTTP(rec, req)
		})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestServerLifecycle(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{
		healing: enabledHealing(),
		server:  config.ServerConfig{Host: "127.0.0.1", Port: 0},
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- h.server.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.True(t, err == nil || err == http.ErrServerClosed)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
