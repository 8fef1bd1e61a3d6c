// Package orchestrator drives the run state machine. It processes attempt
// jobs pulled off the queue (load run, guard terminal states, execute the
// attempt workflow, transition to fixed, requeued, or escalated) and applies
// human decisions to runs. It owns every run mutation after ingestion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/events"
	"github.com/fyrsmithlabs/healops/internal/ghpr"
	"github.com/fyrsmithlabs/healops/internal/memory"
	"github.com/fyrsmithlabs/healops/internal/metrics"
	"github.com/fyrsmithlabs/healops/internal/notify"
	"github.com/fyrsmithlabs/healops/internal/queue"
	"github.com/fyrsmithlabs/healops/internal/store"
	"github.com/fyrsmithlabs/healops/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/healops/internal/orchestrator"

// MemoryRecorder persists concluded attempts for future retrieval.
type MemoryRecorder interface {
	RecordAttempt(ctx context.Context, m memory.AttemptMemory) error
}

// GitHub is the pull-request surface the orchestrator drives.
type GitHub interface {
	Enabled() bool
	OpenPR(ctx context.Context, run *store.Run, att *store.Attempt) (ghpr.Outcome, error)
	Merge(ctx context.Context, run *store.Run) (bool, error)
	ClosePR(ctx context.Context, run *store.Run) (bool, error)
}

// Deps are the collaborators an Orchestrator needs. Store, Engine, Queue,
// and Events are required; Memory, GitHub, and Notifier degrade to no-ops
// when absent.
type Deps struct {
	Store    *store.Store
	Engine   workflow.Engine
	Memory   MemoryRecorder
	GitHub   GitHub
	Queue    queue.Enqueuer
	Events   *events.Recorder
	Notifier notify.Notifier
	Logger   *zap.Logger
}

// Orchestrator processes attempt jobs and human actions for runs.
type Orchestrator struct {
	store    *store.Store
	engine   workflow.Engine
	memory   MemoryRecorder
	github   GitHub
	queue    queue.Enqueuer
	events   *events.Recorder
	notifier notify.Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New builds an Orchestrator from its dependencies.
func New(d Deps) (*Orchestrator, error) {
	if d.Store == nil {
		return nil, errors.New("store is required")
	}
	if d.Engine == nil {
		return nil, errors.New("workflow engine is required")
	}
	if d.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if d.Events == nil {
		return nil, errors.New("event recorder is required")
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	return &Orchestrator{
		store:    d.Store,
		engine:   d.Engine,
		memory:   d.Memory,
		github:   d.GitHub,
		queue:    d.Queue,
		events:   d.Events,
		notifier: d.Notifier,
		logger:   d.Logger.Named("orchestrator"),
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

// ProcessJob runs one attempt job to completion. It is the queue handler:
// a nil return acknowledges the job, an error requests redelivery. Jobs for
// terminal runs are acknowledged without side effects, which makes
// at-least-once delivery safe.
func (o *Orchestrator) ProcessJob(ctx context.Context, job queue.Job) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", job.RunID),
		attribute.Int("attempt_no", job.AttemptNo),
	)

	run, err := o.store.GetRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Nothing a redelivery could fix.
			o.logger.Warn("dropping job for unknown run", zap.String("run_id", job.RunID))
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("loading run %s: %w", job.RunID, err)
	}

	if run.Status.TerminalForJobs() {
		o.logger.Debug("skipping job for concluded run",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)))
		return nil
	}

	attemptNo := run.AttemptCount + 1
	if attemptNo > run.MaxAttempts {
		return o.escalate(ctx, run, "retry limit exhausted")
	}

	run.Status = store.StatusRunning
	run.AttemptCount = attemptNo
	if err := o.store.UpdateRun(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("starting attempt %d for run %s: %w", attemptNo, run.ID, err)
	}
	o.events.Emit(ctx, run.ID, events.TypeAttemptStarted, store.ActorSystem,
		fmt.Sprintf("Attempt %d of %d started", attemptNo, run.MaxAttempts),
		map[string]any{"attemptNo": attemptNo, "maxAttempts": run.MaxAttempts})

	att := &store.Attempt{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		AttemptNo: attemptNo,
		Status:    store.AttemptRunning,
	}
	if err := o.store.CreateAttempt(ctx, att); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("recording attempt %d for run %s: %w", attemptNo, run.ID, err)
	}

	start := time.Now()
	res, err := o.engine.Run(ctx, workflow.Input{
		RunID:        run.ID,
		Repository:   run.Repository,
		Branch:       run.Branch,
		CommitSHA:    run.CommitSHA,
		AttemptNo:    attemptNo,
		ErrorSummary: run.ErrorSummary,
	})
	metrics.AttemptDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Engine infrastructure failures consume an attempt like any
		// other failure so the retry budget still bounds them.
		span.RecordError(err)
		o.logger.Error("workflow engine failed",
			zap.String("run_id", run.ID),
			zap.Int("attempt_no", attemptNo),
			zap.Error(err))
		res = workflow.Result{
			FailureReason: fmt.Sprintf("workflow engine error: %v", err),
			Engine:        o.engine.Name(),
		}
	}

	o.emitReasoningTrace(ctx, run.ID, attemptNo, res)

	att.Diagnosis = res.Diagnosis
	att.ProposedFix = res.ProposedFix
	att.ValidationLog = res.ValidationLog
	att.FailureReason = res.FailureReason
	att.EngineUsed = res.Engine

	if res.Success {
		return o.concludeFixed(ctx, run, att, res)
	}
	return o.concludeFailed(ctx, run, att, res)
}

// emitReasoningTrace persists the attempt's durable reasoning trail: the
// validation transcript when the validator ran, then the diagnosis and
// similarity matches that shaped the proposal.
func (o *Orchestrator) emitReasoningTrace(ctx context.Context, runID string, attemptNo int, res workflow.Result) {
	if res.ValidationRan {
		msg := "Container validation passed"
		if !res.Success {
			msg = "Container validation failed"
		}
		o.events.Emit(ctx, runID, events.TypeAttemptValidation, store.ActorSystem, msg,
			map[string]any{"attemptNo": attemptNo, "validationLog": res.ValidationLog})
	}
	o.events.Emit(ctx, runID, events.TypeAttemptThinking, store.ActorAI,
		fmt.Sprintf("Attempt %d reasoning", attemptNo),
		map[string]any{
			"attemptNo":     attemptNo,
			"diagnosis":     res.Diagnosis,
			"validationLog": res.ValidationLog,
			"matches":       res.Matches,
			"engine":        res.Engine,
		})
}

func (o *Orchestrator) concludeFixed(ctx context.Context, run *store.Run, att *store.Attempt, res workflow.Result) error {
	att.Status = store.AttemptSucceeded
	att.FailureReason = ""
	if err := o.store.UpdateAttempt(ctx, att); err != nil {
		return fmt.Errorf("concluding attempt %d for run %s: %w", att.AttemptNo, run.ID, err)
	}
	o.recordMemory(ctx, run, att)

	run.Status = store.StatusFixed
	run.ResolvedBy = store.ResolvedByAI
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("marking run %s fixed: %w", run.ID, err)
	}
	metrics.RecordAttempt(true)
	metrics.RunTransitions.WithLabelValues("fixed").Inc()

	o.openPullRequest(ctx, run, att)

	o.events.Emit(ctx, run.ID, events.TypeAttemptSucceeded, store.ActorAI,
		fmt.Sprintf("Attempt %d produced a validated fix", att.AttemptNo),
		map[string]any{"attemptNo": att.AttemptNo, "engine": res.Engine})
	notify.Try(ctx, o.notifier, notify.Fixed(run), o.logger)

	o.logger.Info("run fixed",
		zap.String("run_id", run.ID),
		zap.Int("attempt_no", att.AttemptNo),
		zap.String("engine", res.Engine))
	return nil
}

func (o *Orchestrator) concludeFailed(ctx context.Context, run *store.Run, att *store.Attempt, res workflow.Result) error {
	att.Status = store.AttemptFailed
	if err := o.store.UpdateAttempt(ctx, att); err != nil {
		return fmt.Errorf("concluding attempt %d for run %s: %w", att.AttemptNo, run.ID, err)
	}
	o.recordMemory(ctx, run, att)
	metrics.RecordAttempt(false)

	o.events.Emit(ctx, run.ID, events.TypeAttemptFailed, store.ActorAI,
		fmt.Sprintf("Attempt %d failed: %s", att.AttemptNo, res.FailureReason),
		map[string]any{"attemptNo": att.AttemptNo, "reason": res.FailureReason})

	if att.AttemptNo >= run.MaxAttempts {
		reason := res.FailureReason
		if reason == "" {
			reason = "all retries failed"
		}
		return o.escalate(ctx, run, reason)
	}

	run.Status = store.StatusQueued
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("requeueing run %s: %w", run.ID, err)
	}
	next := att.AttemptNo + 1
	if err := o.queue.Enqueue(ctx, queue.Job{RunID: run.ID, AttemptNo: next}); err != nil {
		return fmt.Errorf("enqueuing attempt %d for run %s: %w", next, run.ID, err)
	}
	metrics.RunTransitions.WithLabelValues("requeued").Inc()
	o.events.Emit(ctx, run.ID, events.TypeRunRequeued, store.ActorSystem,
		fmt.Sprintf("Attempt %d of %d queued", next, run.MaxAttempts),
		map[string]any{"nextAttempt": next})
	notify.Try(ctx, o.notifier, notify.Retrying(run, res.FailureReason), o.logger)

	o.logger.Info("run requeued",
		zap.String("run_id", run.ID),
		zap.Int("next_attempt", next),
		zap.String("reason", res.FailureReason))
	return nil
}

// escalate parks the run for a human. reason lands in escalationReason and
// the notification.
func (o *Orchestrator) escalate(ctx context.Context, run *store.Run, reason string) error {
	run.Status = store.StatusEscalated
	run.ResolvedBy = store.ResolvedByHuman
	run.EscalationReason = reason
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("escalating run %s: %w", run.ID, err)
	}
	metrics.RunTransitions.WithLabelValues("escalated").Inc()
	o.events.Emit(ctx, run.ID, events.TypeRunEscalated, store.ActorSystem,
		fmt.Sprintf("Run escalated: %s", reason),
		map[string]any{"reason": reason, "attemptCount": run.AttemptCount})
	notify.Try(ctx, o.notifier, notify.Escalated(run, reason), o.logger)

	o.logger.Warn("run escalated",
		zap.String("run_id", run.ID),
		zap.Int("attempt_count", run.AttemptCount),
		zap.String("reason", reason))
	return nil
}

// openPullRequest runs the PR step after a run is already fixed. The run
// stays fixed whatever happens here: prState only moves off none once
// GitHub confirms the PR, so a failure leaves a consistent record a human
// can act on.
func (o *Orchestrator) openPullRequest(ctx context.Context, run *store.Run, att *store.Attempt) {
	if o.github == nil || !o.github.Enabled() {
		return
	}

	outcome, err := o.github.OpenPR(ctx, run, att)
	if err != nil {
		o.logger.Error("pull request creation failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
		return
	}
	if outcome.Skipped {
		o.events.Emit(ctx, run.ID, events.TypePRSkipped, store.ActorSystem, outcome.SkipReason,
			map[string]any{"reason": outcome.SkipReason})
		return
	}
	if !outcome.Attempted {
		return
	}

	run.PRURL = outcome.PRURL
	run.PRNumber = outcome.PRNumber
	run.PRState = store.PRStateOpen
	run.PRBranch = outcome.Branch
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.Error("failed to persist pull request linkage",
			zap.String("run_id", run.ID),
			zap.Int("pr_number", outcome.PRNumber),
			zap.Error(err))
		return
	}
	o.events.Emit(ctx, run.ID, events.TypePROpened, store.ActorSystem,
		fmt.Sprintf("Opened PR #%d", outcome.PRNumber),
		map[string]any{"prNumber": outcome.PRNumber, "prUrl": outcome.PRURL, "branch": outcome.Branch})
}

// recordMemory ingests the concluded attempt into the retrieval corpus.
// Failures are logged and swallowed: memory is an accelerant, not a
// dependency.
func (o *Orchestrator) recordMemory(ctx context.Context, run *store.Run, att *store.Attempt) {
	if o.memory == nil {
		return
	}
	err := o.memory.RecordAttempt(ctx, memory.AttemptMemory{
		RunID:         run.ID,
		Repository:    run.Repository,
		Branch:        run.Branch,
		CommitSHA:     run.CommitSHA,
		AttemptNo:     att.AttemptNo,
		Status:        string(att.Status),
		ErrorSummary:  run.ErrorSummary,
		Diagnosis:     att.Diagnosis,
		ProposedFix:   att.ProposedFix,
		ValidationLog: att.ValidationLog,
	})
	if err != nil {
		o.logger.Warn("attempt memory ingestion failed",
			zap.String("run_id", run.ID),
			zap.Int("attempt_no", att.AttemptNo),
			zap.Error(err))
	}
}
