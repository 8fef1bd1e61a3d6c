package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/healops/internal/proposal"
	"github.com/fyrsmithlabs/healops/internal/sandbox"
)

type fakeProposer struct {
	prop  proposal.Proposal
	calls int
	gotIn proposal.Input
}

func (f *fakeProposer) Generate(_ context.Context, in proposal.Input) proposal.Proposal {
	f.calls++
	f.gotIn = in
	return f.prop
}

type fakeValidator struct {
	out   sandbox.Outcome
	calls int
}

func (f *fakeValidator) Validate(context.Context) sandbox.Outcome {
	f.calls++
	return f.out
}

func goodProposal() proposal.Proposal {
	return proposal.Proposal{
		Success:     true,
		Diagnosis:   "missing export on the Widget type",
		ProposedFix: "export the Widget type and rebuild the package",
		Validation:  "npm run build && npm test",
	}
}

func testWorkflowInput() Input {
	return Input{
		RunID:        "run-1",
		Repository:   "acme/api",
		Branch:       "main",
		CommitSHA:    "abc123",
		AttemptNo:    2,
		ErrorSummary: "TS2339: property does not exist",
	}
}

func TestSequentialSuccess(t *testing.T) {
	proposer := &fakeProposer{prop: goodProposal()}
	validator := &fakeValidator{out: sandbox.Outcome{
		Ran:    true,
		Passed: true,
		Log:    sandbox.PassedMarker + "\nbuild ok",
	}}
	eng := NewSequential(proposer, validator, zaptest.NewLogger(t))

	res, err := eng.Run(context.Background(), testWorkflowInput())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.ValidationRan)
	assert.Equal(t, sandbox.PassedMarker+"\nbuild ok", res.ValidationLog)
	assert.Equal(t, "sequential", res.Engine)
	assert.Empty(t, res.FailureReason)

	assert.Equal(t, 1, validator.calls)
	assert.Equal(t, "acme/api", proposer.gotIn.Repository)
	assert.Equal(t, "abc123", proposer.gotIn.CommitSHA)
	assert.Equal(t, 2, proposer.gotIn.AttemptNo)
}

func TestSequentialValidationFailureOverridesProposal(t *testing.T) {
	proposer := &fakeProposer{prop: goodProposal()}
	validator := &fakeValidator{out: sandbox.Outcome{
		Ran:    true,
		Passed: false,
		Log:    sandbox.FailedMarker + "\ntest suite failed",
		Reason: "validation command exited with code 2",
	}}
	eng := NewSequential(proposer, validator, zaptest.NewLogger(t))

	res, err := eng.Run(context.Background(), testWorkflowInput())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.ValidationRan)
	assert.Equal(t, "validation command exited with code 2", res.FailureReason)
	assert.Contains(t, res.ValidationLog, sandbox.FailedMarker)

	// The proposal itself is preserved for the attempt record.
	assert.Equal(t, "missing export on the Widget type", res.Diagnosis)
	assert.NotEmpty(t, res.ProposedFix)
}

func TestSequentialValidationSkipped(t *testing.T) {
	proposer := &fakeProposer{prop: goodProposal()}
	validator := &fakeValidator{out: sandbox.Outcome{Ran: false, Passed: true}}
	eng := NewSequential(proposer, validator, zaptest.NewLogger(t))

	res, err := eng.Run(context.Background(), testWorkflowInput())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.ValidationRan)
	assert.Equal(t, "npm run build && npm test", res.ValidationLog)
}

func TestSequentialProposalFailureSkipsValidation(t *testing.T) {
	proposer := &fakeProposer{prop: proposal.Proposal{
		Success:       false,
		Diagnosis:     "AI provider unavailable; manual engineer review required.",
		ProposedFix:   "Fallback: require manual engineer review",
		FailureReason: "connection refused",
	}}
	validator := &fakeValidator{out: sandbox.Outcome{Ran: true, Passed: true}}
	eng := NewSequential(proposer, validator, zaptest.NewLogger(t))

	res, err := eng.Run(context.Background(), testWorkflowInput())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "connection refused", res.FailureReason)
	assert.False(t, res.ValidationRan)
	assert.Equal(t, 0, validator.calls)
}

type stubEngine struct {
	res   Result
	err   error
	calls int
}

func (s *stubEngine) Run(context.Context, Input) (Result, error) {
	s.calls++
	return s.res, s.err
}

func (s *stubEngine) Name() string { return "stub" }

func TestFallbackPrefersPrimary(t *testing.T) {
	primary := &stubEngine{res: Result{Success: true, Engine: "stub"}}
	seq := NewSequential(&fakeProposer{prop: goodProposal()}, &fakeValidator{}, zaptest.NewLogger(t))
	eng := NewFallback(primary, seq, zaptest.NewLogger(t))

	res, err := eng.Run(context.Background(), testWorkflowInput())
	require.NoError(t, err)
	assert.Equal(t, "stub", res.Engine)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, "stub", eng.Name())
}

func TestFallbackOnPrimaryError(t *testing.T) {
	primary := &stubEngine{err: assert.AnError}
	proposer := &fakeProposer{prop: goodProposal()}
	validator := &fakeValidator{out: sandbox.Outcome{Ran: true, Passed: true, Log: sandbox.PassedMarker}}
	seq := NewSequential(proposer, validator, zaptest.NewLogger(t))
	eng := NewFallback(primary, seq, zaptest.NewLogger(t))

	res, err := eng.Run(context.Background(), testWorkflowInput())
	require.NoError(t, err)
	assert.Equal(t, "sequential", res.Engine)
	assert.True(t, res.Success)
	assert.Equal(t, 1, proposer.calls)
}

func TestFallbackWithoutPrimary(t *testing.T) {
	proposer := &fakeProposer{prop: goodProposal()}
	validator := &fakeValidator{out: sandbox.Outcome{Ran: true, Passed: true, Log: sandbox.PassedMarker}}
	seq := NewSequential(proposer, validator, zaptest.NewLogger(t))
	eng := NewFallback(nil, seq, zaptest.NewLogger(t))

	res, err := eng.Run(context.Background(), testWorkflowInput())
	require.NoError(t, err)
	assert.Equal(t, "sequential", res.Engine)
	assert.Equal(t, "sequential", eng.Name())
}
