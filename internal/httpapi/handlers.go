package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/ingest"
	"github.com/fyrsmithlabs/healops/internal/memory"
	"github.com/fyrsmithlabs/healops/internal/orchestrator"
	"github.com/fyrsmithlabs/healops/internal/store"
)

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleWebhook ingests one CI failure and answers with the run receipt.
// Accepted and deduplicated failures both get a 202: either way the caller
// learns which run covers the failure.
func (s *Server) handleWebhook(c echo.Context) error {
	var hook ingest.Webhook
	if err := c.Bind(&hook); err != nil {
		s.logger.Warn("invalid webhook request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	receipt, err := s.ingestor.Ingest(c.Request().Context(), hook, c.Request().Header.Get(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrDisabled):
			return echo.NewHTTPError(http.StatusForbidden, "healing is disabled")
		case errors.Is(err, ingest.ErrBadSignature):
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
		case errors.Is(err, ingest.ErrInvalidPayload):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("webhook ingestion failed",
			zap.String("repository", hook.Repository),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to ingest webhook")
	}

	return c.JSON(http.StatusAccepted, receipt)
}

// ActionRequest is the optional request body for POST /api/v1/runs/:id/actions/:action.
type ActionRequest struct {
	Note string `json:"note"`
}

// ActionResponse is the response body for a successfully applied action.
type ActionResponse struct {
	Run     *store.Run `json:"run"`
	Message string     `json:"message"`
}

func (s *Server) handleAction(c echo.Context) error {
	action, err := orchestrator.ParseAction(c.Param("action"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// The note body is optional; echo skips binding on an empty body.
	var req ActionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid action request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	run, err := s.actions.Apply(c.Request().Context(), c.Param("id"), action, req.Note)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		s.logger.Error("human action failed",
			zap.String("run_id", c.Param("id")),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "applying action failed")
	}

	return c.JSON(http.StatusOK, ActionResponse{
		Run:     run,
		Message: fmt.Sprintf("action %s applied", action),
	})
}

// RunListResponse is the response body for GET /api/v1/runs.
type RunListResponse struct {
	Runs     []*store.Run `json:"runs"`
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
}

func (s *Server) handleListRuns(c echo.Context) error {
	filter := store.RunFilter{
		Status:     c.QueryParam("status"),
		Repository: c.QueryParam("repository"),
	}
	if page, err := strconv.Atoi(c.QueryParam("page")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.QueryParam("page_size")); err == nil {
		filter.PageSize = size
	}
	filter.Normalize()

	runs, total, err := s.store.ListRuns(c.Request().Context(), filter)
	if err != nil {
		s.logger.Error("listing runs failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing runs failed")
	}
	if runs == nil {
		runs = []*store.Run{}
	}

	return c.JSON(http.StatusOK, RunListResponse{
		Runs:     runs,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

// RunDetailResponse is the response body for GET /api/v1/runs/:id.
type RunDetailResponse struct {
	Run      *store.Run       `json:"run"`
	Attempts []*store.Attempt `json:"attempts"`
	Events   []*store.Event   `json:"events"`
}

func (s *Server) handleGetRun(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		s.logger.Error("loading run failed", zap.String("run_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}

	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		s.logger.Error("listing attempts failed", zap.String("run_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}
	evs, err := s.store.ListEvents(ctx, id)
	if err != nil {
		s.logger.Error("listing events failed", zap.String("run_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}

	if attempts == nil {
		attempts = []*store.Attempt{}
	}
	if evs == nil {
		evs = []*store.Event{}
	}
	return c.JSON(http.StatusOK, RunDetailResponse{Run: run, Attempts: attempts, Events: evs})
}

// AttemptInsight pairs one attempt with the memory matches for the run's
// error summary.
type AttemptInsight struct {
	AttemptNo    int                 `json:"attemptNo"`
	Status       store.AttemptStatus `json:"status"`
	EngineUsed   string              `json:"engineUsed"`
	SimilarFixes []memory.Match      `json:"similarFixes"`
}

// InsightsResponse is the response body for GET /api/v1/runs/:id/insights.
type InsightsResponse struct {
	RunID              string           `json:"runId"`
	Insights           []AttemptInsight `json:"insights"`
	FixesForRepository []memory.Match   `json:"fixesForRepository"`
}

// handleInsights reports what the fix memory knows about a run. Memory is
// optional infrastructure, so lookup failures degrade to empty matches
// instead of failing the request.
func (s *Server) handleInsights(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		s.logger.Error("loading run failed", zap.String("run_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}

	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		s.logger.Error("listing attempts failed", zap.String("run_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}

	similar := []memory.Match{}
	repoFixes := []memory.Match{}
	if s.insights != nil {
		if matches, err := s.insights.SimilarFixes(ctx, run.ErrorSummary); err != nil {
			s.logger.Warn("similar fix lookup failed", zap.String("run_id", id), zap.Error(err))
		} else if matches != nil {
			similar = matches
		}
		if matches, err := s.insights.FixesForRepository(ctx, run.ErrorSummary, run.Repository); err != nil {
			s.logger.Warn("repository fix lookup failed", zap.String("run_id", id), zap.Error(err))
		} else if matches != nil {
			repoFixes = matches
		}
	}

	insights := make([]AttemptInsight, 0, len(attempts))
	for _, att := range attempts {
		insights = append(insights, AttemptInsight{
			AttemptNo:    att.AttemptNo,
			Status:       att.Status,
			EngineUsed:   att.EngineUsed,
			SimilarFixes: similar,
		})
	}

	return c.JSON(http.StatusOK, InsightsResponse{
		RunID:              run.ID,
		Insights:           insights,
		FixesForRepository: repoFixes,
	})
}

func (s *Server) handleSummary(c echo.Context) error {
	sum, err := s.store.Summary(c.Request().Context())
	if err != nil {
		s.logger.Error("computing summary failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "computing summary failed")
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleRepositoryMetrics(c echo.Context) error {
	repos, err := s.store.RepositoryMetrics(c.Request().Context())
	if err != nil {
		s.logger.Error("computing repository metrics failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "computing repository metrics failed")
	}
	if repos == nil {
		repos = []*store.RepositoryMetrics{}
	}
	return c.JSON(http.StatusOK, repos)
}
