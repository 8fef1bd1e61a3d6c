package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/sandbox"
)

// Sequential executes the attempt steps as plain function calls. It is
// the default engine and the fallback when the temporal engine is
// unavailable.
type Sequential struct {
	proposer  Proposer
	validator Validator
	logger    *zap.Logger
}

// NewSequential builds the direct-call engine.
func NewSequential(proposer Proposer, validator Validator, logger *zap.Logger) *Sequential {
	return &Sequential{
		proposer:  proposer,
		validator: validator,
		logger:    logger.Named("workflow"),
	}
}

// Name identifies this engine in attempt records.
func (s *Sequential) Name() string { return "sequential" }

// Run generates a proposal and, when it succeeds, runs container
// validation. Proposal failures skip validation entirely.
func (s *Sequential) Run(ctx context.Context, in Input) (Result, error) {
	prop := s.proposer.Generate(ctx, in.proposalInput())

	out := sandbox.Outcome{}
	if prop.Success {
		out = s.validator.Validate(ctx)
		recordValidation(out)
	}

	res := merge(prop, out)
	res.Engine = s.Name()

	s.logger.Debug("attempt cycle complete",
		zap.String("run_id", in.RunID),
		zap.Int("attempt", in.AttemptNo),
		zap.Bool("success", res.Success),
		zap.Bool("validation_ran", res.ValidationRan))
	return res, nil
}
