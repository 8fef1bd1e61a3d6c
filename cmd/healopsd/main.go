// Healopsd is the self-healing daemon for CI failures.
//
// It ingests CI failure webhooks, deduplicates them into healing runs,
// drives bounded AI fix attempts through container validation, opens
// pull requests for fixes that pass, and exposes the whole lifecycle
// over a REST API and a live event stream.
//
// Configuration comes from built-in defaults, an optional YAML file
// (--config), and HEALOPS_* environment variables; see internal/config.
//
// Usage:
//
//	# Start with defaults: embedded NATS, SQLite, chromem memory
//	healopsd
//
//	# Start against a config file
//	healopsd --config /etc/healops/config.yaml
//
//	# Show version information
//	healopsd version
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/config"
	"github.com/fyrsmithlabs/healops/internal/events"
	"github.com/fyrsmithlabs/healops/internal/ghpr"
	"github.com/fyrsmithlabs/healops/internal/httpapi"
	"github.com/fyrsmithlabs/healops/internal/ingest"
	"github.com/fyrsmithlabs/healops/internal/llm"
	"github.com/fyrsmithlabs/healops/internal/logging"
	"github.com/fyrsmithlabs/healops/internal/memory"
	"github.com/fyrsmithlabs/healops/internal/notify"
	"github.com/fyrsmithlabs/healops/internal/orchestrator"
	"github.com/fyrsmithlabs/healops/internal/proposal"
	"github.com/fyrsmithlabs/healops/internal/queue"
	"github.com/fyrsmithlabs/healops/internal/sandbox"
	"github.com/fyrsmithlabs/healops/internal/store"
	"github.com/fyrsmithlabs/healops/internal/vectorstore"
	"github.com/fyrsmithlabs/healops/internal/workflow"
)

// Set at build time via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "healopsd",
	Short: "Self-healing daemon for CI failures",
	Long: `healopsd turns CI failure webhooks into bounded AI fix attempts.

Failures are deduplicated into runs, every proposed fix is validated in a
sandboxed container before a pull request is opened, and humans keep the
last word through approve, deny, abort, and human-fix actions.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the healing daemon",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("healopsd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runServe is both the root command and the serve subcommand: a bare
// `healopsd` starts the daemon.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx)
}

// run wires the daemon together and blocks until the context is canceled
// or the HTTP listener fails.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting healopsd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.ListenAddr()),
		zap.Bool("healing_enabled", cfg.Healing.Enabled),
		zap.Int("max_attempts", cfg.Healing.MaxAttempts),
		zap.Bool("github_enabled", cfg.GitHub.Enabled))

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Live bus and job queue. The embedded broker keeps single-binary
	// deployments free of external infrastructure.
	natsURL := cfg.Queue.NATSURL
	if cfg.Queue.Embedded {
		ns, err := queue.StartEmbeddedServer(filepath.Join(filepath.Dir(cfg.Store.Path), "nats-store"))
		if err != nil {
			return fmt.Errorf("starting embedded NATS server: %w", err)
		}
		defer ns.Shutdown()
		natsURL = ns.ClientURL()
	}

	nc, err := queue.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}
	defer nc.Close()
	logger.Info("connected to NATS", zap.String("url", natsURL), zap.Bool("embedded", cfg.Queue.Embedded))

	q, err := queue.New(nc, queue.Options{
		Stream:        cfg.Queue.Stream,
		SubjectPrefix: cfg.Queue.SubjectPrefix,
		Workers:       cfg.Healing.WorkerCount,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing job queue: %w", err)
	}

	recorder := events.NewRecorder(st, nc, cfg.Queue.SubjectPrefix, logger)

	mem, vectors := initMemory(cfg, logger)
	if vectors != nil {
		defer func() { _ = vectors.Close() }()
	}

	llmClient, err := llm.New(llm.Options{
		Provider:    cfg.AI.Provider,
		Model:       cfg.AI.Model,
		APIKey:      cfg.AI.APIKey.Value(),
		BaseURL:     cfg.AI.BaseURL,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("initializing %s client: %w", cfg.AI.Provider, err)
	}

	// Typed nils must not reach the interface fields below, so the
	// optional memory service is only assigned when it exists.
	var retriever proposal.Retriever
	if mem != nil {
		retriever = mem
	}
	proposer := proposal.NewGenerator(llmClient, retriever, cfg.Healing.SafeMode, logger)

	validator := sandbox.New(sandbox.Config{
		Required: cfg.Validation.Required,
		Command:  cfg.Validation.Command,
		WorkDir:  cfg.Validation.Workdir,
		Timeout:  cfg.Validation.Timeout,
	}, logger)

	engine, stopEngine := initEngine(cfg, proposer, validator, logger)
	defer stopEngine()

	gh := ghpr.New(ctx, cfg.GitHub, logger)
	notifier := notify.New(cfg.Notify.WebhookURL.Value())

	var memRecorder orchestrator.MemoryRecorder
	if mem != nil {
		memRecorder = mem
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Engine:   engine,
		Memory:   memRecorder,
		GitHub:   gh,
		Queue:    q,
		Events:   recorder,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}

	ingestor := ingest.New(cfg.Healing, cfg.AI, st, q, recorder, notifier, logger)

	var insights httpapi.InsightSearcher
	if mem != nil {
		insights = mem
	}
	srv, err := httpapi.NewServer(httpapi.Deps{
		Config:   cfg.Server,
		Ingestor: ingestor,
		Actions:  orch,
		Store:    st,
		Insights: insights,
		Events:   recorder,
		NATS:     nc,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := q.Run(workerCtx, orch.ProcessJob); err != nil {
			logger.Error("worker pool exited", zap.Error(err))
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	logger.Info("healopsd ready",
		zap.String("webhook_endpoint", "/api/v1/webhooks/ci-failure"),
		zap.String("events_endpoint", "/api/v1/events/stream"),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-serverErr:
		// Listener failed before any shutdown was requested.
		stopWorkers()
		<-workersDone
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	// Workers Nak in-flight jobs on cancel; the queue redelivers them on
	// the next boot.
	stopWorkers()
	select {
	case <-workersDone:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("worker pool did not drain in time")
	}

	// Flush any leftover publishes before the deferred close.
	if err := nc.Drain(); err != nil {
		logger.Warn("nats drain failed", zap.Error(err))
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// initMemory builds the attempt-memory stack: embedder, vector store,
// service. Failures leave memory off; retrieval and insights degrade
// while ingestion and attempts keep working.
func initMemory(cfg *config.Config, logger *zap.Logger) (*memory.Service, vectorstore.Store) {
	embedder, err := vectorstore.NewEmbedder(vectorstore.EmbedderConfig{
		BaseURL: cfg.Memory.EmbeddingsBaseURL,
		Model:   cfg.Memory.EmbeddingsModel,
		APIKey:  cfg.Memory.EmbeddingsAPIKey.Value(),
	})
	if err != nil {
		logger.Warn("attempt memory disabled: embedder unavailable", zap.Error(err))
		return nil, nil
	}

	vs, err := vectorstore.New(vectorstore.Config{
		Provider:     cfg.Memory.Provider,
		Path:         cfg.Memory.Path,
		Collection:   cfg.Memory.Collection,
		QdrantHost:   cfg.Memory.QdrantHost,
		QdrantPort:   cfg.Memory.QdrantPort,
		QdrantAPIKey: cfg.Memory.QdrantAPIKey.Value(),
	}, embedder, logger)
	if err != nil {
		logger.Warn("attempt memory disabled: vector store unavailable", zap.Error(err))
		return nil, nil
	}

	svc, err := memory.NewService(vs, cfg.Memory.SimilarityThreshold, cfg.Memory.TopK, logger)
	if err != nil {
		logger.Warn("attempt memory disabled", zap.Error(err))
		_ = vs.Close()
		return nil, nil
	}

	logger.Info("attempt memory ready",
		zap.String("provider", cfg.Memory.Provider),
		zap.String("collection", cfg.Memory.Collection))
	return svc, vs
}

// initEngine picks the attempt engine. The sequential engine always
// works; when the durable engine is enabled it runs in front with
// sequential as fallback, and a failed dial degrades to sequential alone.
func initEngine(cfg *config.Config, proposer workflow.Proposer, validator workflow.Validator, logger *zap.Logger) (workflow.Engine, func()) {
	seq := workflow.NewSequential(proposer, validator, logger)
	if !cfg.Workflow.EngineEnabled {
		return seq, func() {}
	}

	tc, err := client.Dial(client.Options{HostPort: cfg.Workflow.TemporalHostPort})
	if err != nil {
		logger.Warn("temporal unavailable, using sequential engine", zap.Error(err))
		return seq, func() {}
	}

	w := workflow.NewWorker(tc, cfg.Workflow.TaskQueue, workflow.NewActivities(proposer, validator))
	if err := w.Start(); err != nil {
		logger.Warn("temporal worker failed to start, using sequential engine", zap.Error(err))
		tc.Close()
		return seq, func() {}
	}

	logger.Info("temporal engine ready",
		zap.String("host_port", cfg.Workflow.TemporalHostPort),
		zap.String("task_queue", cfg.Workflow.TaskQueue))

	temporal := workflow.NewTemporal(tc, cfg.Workflow.TaskQueue, logger)
	return workflow.NewFallback(temporal, seq, logger), func() {
		w.Stop()
		tc.Close()
	}
}
