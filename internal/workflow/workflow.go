// Package workflow executes one fix attempt, generate then validate,
// through a pluggable engine strategy. The sequential engine calls the
// two steps directly; the temporal engine runs the same steps as
// activities of a registered Temporal workflow. Both produce the same
// Result for the same inputs.
package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/memory"
	"github.com/fyrsmithlabs/healops/internal/metrics"
	"github.com/fyrsmithlabs/healops/internal/proposal"
	"github.com/fyrsmithlabs/healops/internal/sandbox"
)

// Input identifies the attempt to execute.
type Input struct {
	RunID        string
	Repository   string
	Branch       string
	CommitSHA    string
	AttemptNo    int
	ErrorSummary string
}

func (in Input) proposalInput() proposal.Input {
	return proposal.Input{
		RunID:        in.RunID,
		Repository:   in.Repository,
		Branch:       in.Branch,
		CommitSHA:    in.CommitSHA,
		AttemptNo:    in.AttemptNo,
		ErrorSummary: in.ErrorSummary,
	}
}

// Result is the outcome of one attempt cycle. Success requires both a
// usable proposal and a passing (or skipped) container validation.
type Result struct {
	Success       bool
	Diagnosis     string
	ProposedFix   string
	ValidationLog string
	ValidationRan bool
	FailureReason string
	Matches       []memory.Match
	Engine        string
}

// Engine runs one attempt cycle to completion.
type Engine interface {
	Run(ctx context.Context, in Input) (Result, error)
	Name() string
}

// Proposer generates a fix proposal for a failing attempt.
type Proposer interface {
	Generate(ctx context.Context, in proposal.Input) proposal.Proposal
}

// Validator runs the container-validation gate.
type Validator interface {
	Validate(ctx context.Context) sandbox.Outcome
}

// merge folds a proposal and a container-validation outcome into the
// attempt result. Validation is a hard gate: a failed outcome marks the
// attempt failed even when the proposal itself succeeded. When
// validation was skipped, the proposal's own validation section stands.
func merge(prop proposal.Proposal, out sandbox.Outcome) Result {
	res := Result{
		Success:       prop.Success,
		Diagnosis:     prop.Diagnosis,
		ProposedFix:   prop.ProposedFix,
		ValidationLog: prop.Validation,
		FailureReason: prop.FailureReason,
		Matches:       prop.Matches,
	}
	if !prop.Success {
		return res
	}

	res.ValidationRan = out.Ran
	if out.Log != "" {
		res.ValidationLog = out.Log
	}
	if !out.Passed {
		res.Success = false
		res.FailureReason = out.Reason
	}
	return res
}

// recordValidation maps an outcome onto the validation counter. Called
// where the validator actually executed, never from workflow code.
func recordValidation(out sandbox.Outcome) {
	switch {
	case out.Passed && !out.Ran:
		metrics.RecordValidation("skipped")
	case out.Passed:
		metrics.RecordValidation("passed")
	default:
		metrics.RecordValidation("failed")
	}
}

// Fallback wraps a primary engine so an execution error falls back to
// the sequential path for that attempt. A nil primary always runs
// sequential.
type Fallback struct {
	primary    Engine
	sequential *Sequential
	logger     *zap.Logger
}

// NewFallback builds the engine the orchestrator actually calls.
func NewFallback(primary Engine, sequential *Sequential, logger *zap.Logger) *Fallback {
	return &Fallback{
		primary:    primary,
		sequential: sequential,
		logger:     logger.Named("workflow"),
	}
}

// Name reports the engine that will be tried first.
func (f *Fallback) Name() string {
	if f.primary != nil {
		return f.primary.Name()
	}
	return f.sequential.Name()
}

// Run executes the attempt on the primary engine when one is configured,
// falling back to sequential on any execution error.
func (f *Fallback) Run(ctx context.Context, in Input) (Result, error) {
	if f.primary == nil {
		return f.sequential.Run(ctx, in)
	}

	res, err := f.primary.Run(ctx, in)
	if err == nil {
		return res, nil
	}

	f.logger.Warn("workflow engine failed, using sequential fallback",
		zap.String("engine", f.primary.Name()),
		zap.String("run_id", in.RunID),
		zap.Int("attempt", in.AttemptNo),
		zap.Error(err))
	return f.sequential.Run(ctx, in)
}
