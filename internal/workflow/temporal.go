package workflow

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/proposal"
	"github.com/fyrsmithlabs/healops/internal/sandbox"
)

// DefaultTaskQueue is the task queue the in-process worker listens on.
const DefaultTaskQueue = "healops-attempts"

// Activities hosts the attempt steps executed by the Temporal worker.
type Activities struct {
	proposer  Proposer
	validator Validator
}

// NewActivities binds the attempt steps to their implementations.
func NewActivities(proposer Proposer, validator Validator) *Activities {
	return &Activities{proposer: proposer, validator: validator}
}

// GenerateProposal runs the AI proposal step. Provider errors are folded
// into the proposal, so an activity error here is purely infrastructural.
func (a *Activities) GenerateProposal(ctx context.Context, in Input) (*proposal.Proposal, error) {
	prop := a.proposer.Generate(ctx, in.proposalInput())
	return &prop, nil
}

// ValidateFix runs the container-validation gate.
func (a *Activities) ValidateFix(ctx context.Context, in Input) (*sandbox.Outcome, error) {
	out := a.validator.Validate(ctx)
	recordValidation(out)
	return &out, nil
}

// AttemptWorkflow runs one generate-then-validate cycle. Retries are
// owned by the run-level attempt budget, so activities execute exactly
// once; that keeps temporal and sequential behavior identical.
func AttemptWorkflow(ctx workflow.Context, in Input) (*Result, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting fix attempt",
		"run_id", in.RunID,
		"attempt", in.AttemptNo)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var acts *Activities

	var prop proposal.Proposal
	if err := workflow.ExecuteActivity(ctx, acts.GenerateProposal, in).Get(ctx, &prop); err != nil {
		return nil, fmt.Errorf("generate proposal: %w", err)
	}

	out := sandbox.Outcome{}
	if prop.Success {
		// Container validation may legitimately run to its full timeout.
		validateCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 20 * time.Minute,
			RetryPolicy: &temporal.RetryPolicy{
				MaximumAttempts: 1,
			},
		})
		if err := workflow.ExecuteActivity(validateCtx, acts.ValidateFix, in).Get(ctx, &out); err != nil {
			return nil, fmt.Errorf("validate fix: %w", err)
		}
	}

	result := merge(prop, out)
	logger.Info("Fix attempt complete",
		"run_id", in.RunID,
		"attempt", in.AttemptNo,
		"success", result.Success,
		"validation_ran", result.ValidationRan)
	return &result, nil
}

// Temporal executes attempts as workflows on a Temporal cluster.
type Temporal struct {
	client    client.Client
	taskQueue string
	logger    *zap.Logger
}

// NewTemporal wraps an established Temporal client.
func NewTemporal(c client.Client, taskQueue string, logger *zap.Logger) *Temporal {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Temporal{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger.Named("workflow"),
	}
}

// Name identifies this engine in attempt records.
func (t *Temporal) Name() string { return "temporal" }

// Run starts AttemptWorkflow and blocks until it completes.
func (t *Temporal) Run(ctx context.Context, in Input) (Result, error) {
	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("attempt-%s-a%d", in.RunID, in.AttemptNo),
		TaskQueue: t.taskQueue,
	}

	we, err := t.client.ExecuteWorkflow(ctx, opts, AttemptWorkflow, in)
	if err != nil {
		return Result{}, fmt.Errorf("failed to start attempt workflow: %w", err)
	}

	t.logger.Debug("attempt workflow started",
		zap.String("workflow_id", we.GetID()),
		zap.String("run_id", in.RunID))

	var res Result
	if err := we.Get(ctx, &res); err != nil {
		return Result{}, fmt.Errorf("attempt workflow failed: %w", err)
	}
	res.Engine = t.Name()
	return res, nil
}

// Worker hosts AttemptWorkflow and its activities in-process.
type Worker struct {
	w worker.Worker
}

// NewWorker registers the attempt workflow and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) *Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(AttemptWorkflow)
	w.RegisterActivity(acts)
	return &Worker{w: w}
}

// Start begins polling the task queue. Non-blocking.
func (w *Worker) Start() error {
	if err := w.w.Start(); err != nil {
		return fmt.Errorf("failed to start workflow worker: %w", err)
	}
	return nil
}

// Stop drains and shuts down the worker.
func (w *Worker) Stop() {
	w.w.Stop()
}
