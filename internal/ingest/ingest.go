// Package ingest turns CI-failure webhooks into queued healing runs. It
// owns signature verification, error-log summarization, fingerprint
// deduplication, and scheduling of the first attempt.
package ingest

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/config"
	"github.com/fyrsmithlabs/healops/internal/events"
	"github.com/fyrsmithlabs/healops/internal/metrics"
	"github.com/fyrsmithlabs/healops/internal/notify"
	"github.com/fyrsmithlabs/healops/internal/queue"
	"github.com/fyrsmithlabs/healops/internal/store"
)

var (
	// ErrDisabled is returned when healing is switched off; the webhook is
	// rejected before any side effect.
	ErrDisabled = errors.New("healing is disabled")

	// ErrBadSignature is returned when a signing secret is configured and
	// the webhook signature is missing or wrong.
	ErrBadSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when required webhook fields are
	// missing.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

const (
	// summaryLines is how many meaningful log lines feed the summary.
	summaryLines = 5

	// summaryLimit caps the summary length in bytes.
	summaryLimit = 1000
)

// Webhook is one CI-failure report as posted by a pipeline.
type Webhook struct {
	Provider    string `json:"provider"`
	Repository  string `json:"repository"`
	Branch      string `json:"branch"`
	CommitSHA   string `json:"commitSha"`
	PipelineURL string `json:"pipelineUrl,omitempty"`
	ErrorType   string `json:"errorType,omitempty"`
	ErrorLog    string `json:"errorLog"`
}

func (w Webhook) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"provider", w.Provider},
		{"repository", w.Repository},
		{"branch", w.Branch},
		{"commitSha", w.CommitSHA},
		{"errorLog", w.ErrorLog},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}

// Receipt is the ingestion response: which run the failure landed on and
// whether it was folded into an existing one.
type Receipt struct {
	RunID        string          `json:"runId"`
	Status       store.RunStatus `json:"status"`
	Deduplicated bool            `json:"deduplicated"`
}

// Ingestor accepts webhooks and opens runs.
type Ingestor struct {
	healing  config.HealingConfig
	store    *store.Store
	queue    queue.Enqueuer
	events   *events.Recorder
	notifier notify.Notifier
	logger   *zap.Logger

	aiProvider string
	aiModel    string
}

// New builds an ingestor. The AI config is only used to stamp new runs
// with the provider and model that will work them.
func New(healing config.HealingConfig, ai config.AIConfig, st *store.Store, q queue.Enqueuer, rec *events.Recorder, notifier notify.Notifier, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		healing:    healing,
		store:      st,
		queue:      q,
		events:     rec,
		notifier:   notifier,
		logger:     logger.Named("ingest"),
		aiProvider: ai.Provider,
		aiModel:    ai.Model,
	}
}

// Ingest processes one webhook: authenticate, summarize, dedup, and either
// return the existing run or create a new one and queue its first attempt.
func (i *Ingestor) Ingest(ctx context.Context, hook Webhook, signature string) (Receipt, error) {
	if !i.healing.Enabled {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return Receipt{}, ErrDisabled
	}
	if i.healing.SigningSecret.IsSet() && !verifySignature(i.healing.SigningSecret.Value(), hook.ErrorLog, signature) {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return Receipt{}, ErrBadSignature
	}
	if err := hook.validate(); err != nil {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return Receipt{}, err
	}

	summary := Summarize(hook.ErrorLog)
	errorHash := Fingerprint(hook.ErrorType, summary)

	if existing, err := i.store.FindByFingerprint(ctx, hook.Repository, hook.CommitSHA, errorHash); err == nil {
		metrics.WebhooksReceived.WithLabelValues("deduplicated").Inc()
		i.logger.Info("webhook deduplicated",
			zap.String("run_id", existing.ID),
			zap.String("repository", hook.Repository),
			zap.String("status", string(existing.Status)))
		return Receipt{RunID: existing.ID, Status: existing.Status, Deduplicated: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Receipt{}, fmt.Errorf("looking up fingerprint: %w", err)
	}

	run := &store.Run{
		ID:           uuid.NewString(),
		Provider:     hook.Provider,
		Repository:   hook.Repository,
		Branch:       hook.Branch,
		CommitSHA:    hook.CommitSHA,
		PipelineURL:  hook.PipelineURL,
		ErrorHash:    errorHash,
		ErrorType:    hook.ErrorType,
		ErrorSummary: summary,
		Status:       store.StatusQueued,
		MaxAttempts:  clampAttempts(i.healing.MaxAttempts),
		AIProvider:   i.aiProvider,
		AIModel:      i.aiModel,
	}
	if err := i.store.CreateRun(ctx, run); err != nil {
		// A concurrent duplicate won the fingerprint index; fold onto it.
		if existing, lookupErr := i.store.FindByFingerprint(ctx, hook.Repository, hook.CommitSHA, errorHash); lookupErr == nil {
			metrics.WebhooksReceived.WithLabelValues("deduplicated").Inc()
			return Receipt{RunID: existing.ID, Status: existing.Status, Deduplicated: true}, nil
		}
		return Receipt{}, fmt.Errorf("creating run: %w", err)
	}

	i.events.Emit(ctx, run.ID, events.TypeRunCreated, store.ActorSystem,
		fmt.Sprintf("CI failure reported for %s@%s", run.Repository, run.Branch),
		map[string]any{
			"provider":  run.Provider,
			"branch":    run.Branch,
			"commitSha": run.CommitSHA,
			"errorType": run.ErrorType,
		})
	i.events.Emit(ctx, run.ID, events.TypeRunQueued, store.ActorSystem,
		fmt.Sprintf("Attempt 1 of %d queued", run.MaxAttempts), nil)

	if err := i.queue.Enqueue(ctx, queue.Job{RunID: run.ID, AttemptNo: 1}); err != nil {
		return Receipt{}, fmt.Errorf("enqueuing first attempt for run %s: %w", run.ID, err)
	}

	notify.Try(ctx, i.notifier, notify.Created(run), i.logger)

	metrics.WebhooksReceived.WithLabelValues("created").Inc()
	i.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("repository", run.Repository),
		zap.String("branch", run.Branch),
		zap.String("error_type", run.ErrorType),
		zap.Int("max_attempts", run.MaxAttempts))

	return Receipt{RunID: run.ID, Status: run.Status, Deduplicated: false}, nil
}

// Summarize reduces a raw error log to its dedup summary: the first five
// non-empty trimmed lines joined by " | ", capped at 1000 bytes.
func Summarize(errorLog string) string {
	var lines []string
	for _, line := range strings.Split(errorLog, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lines = append(lines, trimmed)
		if len(lines) == summaryLines {
			break
		}
	}
	summary := strings.Join(lines, " | ")
	if len(summary) > summaryLimit {
		summary = summary[:summaryLimit]
	}
	return summary
}

// Fingerprint hashes the error type and lowercased summary into the dedup
// key. An absent error type hashes as "unknown" so it still buckets.
func Fingerprint(errorType, summary string) string {
	if errorType == "" {
		errorType = "unknown"
	}
	sum := sha256.Sum256([]byte(errorType + "|" + strings.ToLower(summary)))
	return hex.EncodeToString(sum[:])
}

// Signature computes the webhook signature over payload: the hex SHA-256
// of the secret and payload joined by a colon.
func Signature(secret, payload string) string {
	sum := sha256.Sum256([]byte(secret + ":" + payload))
	return hex.EncodeToString(sum[:])
}

func verifySignature(secret, payload, got string) bool {
	want := Signature(secret, payload)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Run budgets stay inside [1,5] no matter where the config came from.
func clampAttempts(n int) int {
	switch {
	case n == 0:
		return 3
	case n < 1:
		return 1
	case n > 5:
		return 5
	}
	return n
}
