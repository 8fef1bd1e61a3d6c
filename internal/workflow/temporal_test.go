package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/healops/internal/proposal"
	"github.com/fyrsmithlabs/healops/internal/sandbox"
)

func TestAttemptWorkflow(t *testing.T) {
	t.Run("proposal success and validation pass", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(AttemptWorkflow)

		var acts *Activities
		env.OnActivity(acts.GenerateProposal, mock.Anything, mock.Anything).Return(&proposal.Proposal{
			Success:     true,
			Diagnosis:   "missing export on the Widget type",
			ProposedFix: "export the Widget type and rebuild the package",
			Validation:  "npm run build",
		}, nil)
		env.OnActivity(acts.ValidateFix, mock.Anything, mock.Anything).Return(&sandbox.Outcome{
			Ran:    true,
			Passed: true,
			Log:    sandbox.PassedMarker + "\nbuild ok",
		}, nil)

		env.ExecuteWorkflow(AttemptWorkflow, testWorkflowInput())

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result Result
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.True(t, result.Success)
		assert.True(t, result.ValidationRan)
		assert.Contains(t, result.ValidationLog, sandbox.PassedMarker)
		assert.Empty(t, result.FailureReason)
	})

	t.Run("proposal failure skips validation", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(AttemptWorkflow)

		// ValidateFix is deliberately not mocked: executing it would fail
		// the workflow, so a green run proves it was never scheduled.
		var acts *Activities
		env.OnActivity(acts.GenerateProposal, mock.Anything, mock.Anything).Return(&proposal.Proposal{
			Success:       false,
			Diagnosis:     "AI provider unavailable; manual engineer review required.",
			ProposedFix:   "Fallback: require manual engineer review",
			FailureReason: "request timed out",
		}, nil)

		env.ExecuteWorkflow(AttemptWorkflow, testWorkflowInput())

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result Result
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.False(t, result.Success)
		assert.False(t, result.ValidationRan)
		assert.Equal(t, "request timed out", result.FailureReason)
	})

	t.Run("validation failure marks attempt failed", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(AttemptWorkflow)

		var acts *Activities
		env.OnActivity(acts.GenerateProposal, mock.Anything, mock.Anything).Return(&proposal.Proposal{
			Success:     true,
			Diagnosis:   "flaky integration test on the login flow",
			ProposedFix: "pin the test container image digest",
			Validation:  "make integration",
		}, nil)
		env.OnActivity(acts.ValidateFix, mock.Anything, mock.Anything).Return(&sandbox.Outcome{
			Ran:    true,
			Passed: false,
			Log:    sandbox.FailedMarker + "\n2 tests failed",
			Reason: "validation command exited with code 1",
		}, nil)

		env.ExecuteWorkflow(AttemptWorkflow, testWorkflowInput())

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result Result
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.False(t, result.Success)
		assert.True(t, result.ValidationRan)
		assert.Equal(t, "validation command exited with code 1", result.FailureReason)
		assert.Contains(t, result.ValidationLog, sandbox.FailedMarker)

		// The proposal survives in the record even though the gate failed.
		assert.Equal(t, "flaky integration test on the login flow", result.Diagnosis)
	})
}

func TestActivitiesExecute(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()

	acts := NewActivities(
		&fakeProposer{prop: goodProposal()},
		&fakeValidator{out: sandbox.Outcome{Ran: true, Passed: true, Log: sandbox.PassedMarker}},
	)
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.GenerateProposal, testWorkflowInput())
	require.NoError(t, err)
	var prop proposal.Proposal
	require.NoError(t, val.Get(&prop))
	assert.True(t, prop.Success)
	assert.Equal(t, "missing export on the Widget type", prop.Diagnosis)

	val, err = env.ExecuteActivity(acts.ValidateFix, testWorkflowInput())
	require.NoError(t, err)
	var out sandbox.Outcome
	require.NoError(t, val.Get(&out))
	assert.True(t, out.Passed)
	assert.True(t, out.Ran)
}
