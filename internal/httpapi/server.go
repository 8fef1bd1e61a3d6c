// Package httpapi exposes the healing engine over HTTP: webhook
// ingestion, run inspection, human review actions, aggregate metrics,
// and a live server-sent event stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/healops/internal/config"
	"github.com/fyrsmithlabs/healops/internal/events"
	"github.com/fyrsmithlabs/healops/internal/ingest"
	"github.com/fyrsmithlabs/healops/internal/memory"
	"github.com/fyrsmithlabs/healops/internal/orchestrator"
	"github.com/fyrsmithlabs/healops/internal/store"
)

// SignatureHeader carries the keyed hash of the webhook body.
const SignatureHeader = "X-Healops-Signature"

// webhookBodyLimit caps CI error logs well above the summary window but
// below anything that could hurt the embedded database.
const webhookBodyLimit = "1M"

// Ingestor turns CI-failure webhooks into healing runs.
type Ingestor interface {
	Ingest(ctx context.Context, hook ingest.Webhook, signature string) (ingest.Receipt, error)
}

// Actions applies human review decisions to runs.
type Actions interface {
	Apply(ctx context.Context, runID string, action orchestrator.Action, note string) (*store.Run, error)
}

// InsightSearcher retrieves similar past fixes for the insights endpoint.
type InsightSearcher interface {
	SimilarFixes(ctx context.Context, query string) ([]memory.Match, error)
	FixesForRepository(ctx context.Context, query, repository string) ([]memory.Match, error)
}

// Server is the HTTP front door for healops.
type Server struct {
	echo      *echo.Echo
	cfg       config.ServerConfig
	ingestor  Ingestor
	actions   Actions
	store     *store.Store
	insights  InsightSearcher
	events    *events.Recorder
	nc        *nats.Conn
	heartbeat time.Duration
	logger    *zap.Logger
}

// Deps carries the server's collaborators. Ingestor, Actions, Store, and
// Events are required. Insights is optional: without it the insights
// endpoint returns empty matches. NATS is optional: without it the event
// stream degrades to heartbeats over the persisted history.
type Deps struct {
	Config   config.ServerConfig
	Ingestor Ingestor
	Actions  Actions
	Store    *store.Store
	Insights InsightSearcher
	Events   *events.Recorder
	NATS     *nats.Conn
	Logger   *zap.Logger
}

// NewServer wires the echo router, middleware stack, and routes.
func NewServer(d Deps) (*Server, error) {
	if d.Ingestor == nil {
		return nil, errors.New("ingestor is required")
	}
	if d.Actions == nil {
		return nil, errors.New("action applier is required")
	}
	if d.Store == nil {
		return nil, errors.New("store is required")
	}
	if d.Events == nil {
		return nil, errors.New("event recorder is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	logger := d.Logger.Named("httpapi")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newRequestMetrics(logger).middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		cfg:       d.Config,
		ingestor:  d.Ingestor,
		actions:   d.Actions,
		store:     d.Store,
		insights:  d.Insights,
		events:    d.Events,
		nc:        d.NATS,
		heartbeat: 15 * time.Second,
		logger:    logger,
	}
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/webhooks/ci-failure", s.handleWebhook,
		middleware.BodyLimit(webhookBodyLimit), s.webhookRateLimiter())
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/insights", s.handleInsights)
	v1.POST("/runs/:id/actions/:action", s.handleAction)
	v1.GET("/metrics/summary", s.handleSummary)
	v1.GET("/metrics/repositories", s.handleRepositoryMetrics)
	v1.GET("/events/stream", s.handleStream)
}

// webhookRateLimiter bounds ingestion per client IP. CI providers retry
// aggressively on 5xx, and a broken pipeline can fire on every push; the
// limiter keeps that from turning into a run flood. Echo's rate limiter
// answers 429 when the bucket is empty.
func (s *Server) webhookRateLimiter() echo.MiddlewareFunc {
	limit := s.cfg.RateLimit
	if limit <= 0 {
		limit = 5
	}
	burst := s.cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}
	return middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(limit),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		},
	))
}

// Start serves until the listener fails or Shutdown is called. The event
// stream handler lifts the write deadline for its own connection, so the
// global WriteTimeout only bounds the REST endpoints.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))

	s.echo.Server.ReadTimeout = s.cfg.ReadTimeout
	s.echo.Server.WriteTimeout = s.cfg.WriteTimeout
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
