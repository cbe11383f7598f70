package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomaestro/maestro/pkg/protocol"
)

func twoStepPlan() *Plan {
	return &Plan{
		Version:     1,
		GoalSummary: "write report on X",
		Steps: []*Step{
			{ID: "s1", Name: "research", Goal: "gather sources", AssignedRole: "researcher", Status: StatusPending},
			{ID: "s2", Name: "write", Goal: "write the report", AssignedRole: "writer", Dependencies: []string{"s1"}, Status: StatusPending},
		},
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, twoStepPlan().Validate())
}

func TestValidateDuplicateID(t *testing.T) {
	p := twoStepPlan()
	p.Steps = append(p.Steps, &Step{ID: "s1", Status: StatusPending})
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, &protocol.Error{Kind: protocol.KindInvariantViolated}))
}

func TestValidateUnknownDependency(t *testing.T) {
	p := twoStepPlan()
	p.Steps[1].Dependencies = []string{"missing"}
	require.Error(t, p.Validate())
}

func TestValidateCycle(t *testing.T) {
	p := twoStepPlan()
	p.Steps[0].Dependencies = []string{"s2"}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateTwoInProgress(t *testing.T) {
	p := twoStepPlan()
	p.Steps[0].Status = StatusInProgress
	p.Steps[1].Status = StatusInProgress
	p.Steps[1].Dependencies = nil
	require.Error(t, p.Validate())
}

func TestNextReadyOrderAndDeps(t *testing.T) {
	p := twoStepPlan()

	id, st := p.NextReady()
	assert.Equal(t, StateReady, st)
	assert.Equal(t, "s1", id)

	p.Steps[0].Status = StatusInProgress
	id, st = p.NextReady()
	assert.Equal(t, StateBusy, st)
	assert.Empty(t, id)

	p.Steps[0].Status = StatusCompleted
	id, st = p.NextReady()
	assert.Equal(t, StateReady, st)
	assert.Equal(t, "s2", id)
}

func TestNextReadyEmptyPlanCompletes(t *testing.T) {
	p := &Plan{Version: 1}
	id, st := p.NextReady()
	assert.Empty(t, id)
	assert.Equal(t, StateCompleted, st)
}

func TestNextReadyTerminalStates(t *testing.T) {
	p := twoStepPlan()
	p.Steps[0].Status = StatusCompleted
	p.Steps[1].Status = StatusCompleted
	_, st := p.NextReady()
	assert.Equal(t, StateCompleted, st)

	p = twoStepPlan()
	p.Steps[0].Status = StatusFailed
	p.Steps[0].Attempts = MaxAttempts
	_, st = p.NextReady()
	assert.Equal(t, StateFailed, st)

	p = twoStepPlan()
	p.Steps[0].Status = StatusFailed
	p.Steps[0].Attempts = 1
	_, st = p.NextReady()
	assert.Equal(t, StateBlocked, st)
}

func TestSkippedDependencySatisfies(t *testing.T) {
	p := twoStepPlan()
	p.Steps[0].Status = StatusSkipped
	id, st := p.NextReady()
	assert.Equal(t, StateReady, st)
	assert.Equal(t, "s2", id)
}

func TestMarkLifecycle(t *testing.T) {
	p := twoStepPlan()

	p2, err := p.Mark("s1", StatusInProgress, MarkOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Steps[0].Status, "input plan untouched")
	assert.Equal(t, StatusInProgress, p2.Step("s1").Status)
	assert.Equal(t, 1, p2.Step("s1").Attempts)

	p3, err := p2.Mark("s1", StatusCompleted, MarkOptions{ResultRef: "msg:12"})
	require.NoError(t, err)
	assert.Equal(t, "msg:12", p3.Step("s1").ResultRef)
}

func TestMarkRejectsDependencyViolation(t *testing.T) {
	p := twoStepPlan()
	_, err := p.Mark("s2", StatusInProgress, MarkOptions{})
	require.Error(t, err)
}

func TestMarkRejectsSecondInProgress(t *testing.T) {
	p := twoStepPlan()
	p.Steps[0].Status = StatusInProgress
	p.Steps[1].Dependencies = nil
	_, err := p.Mark("s2", StatusInProgress, MarkOptions{})
	require.Error(t, err)
}

func TestMarkRetryCycleExhaustsAttempts(t *testing.T) {
	p := twoStepPlan()
	p.Steps = p.Steps[:1]

	for i := 0; i < MaxAttempts; i++ {
		var err error
		p, err = p.Mark("s1", StatusInProgress, MarkOptions{})
		require.NoError(t, err)
		p, err = p.Mark("s1", StatusFailed, MarkOptions{Error: protocol.NewError(protocol.KindRuntime, "boom")})
		require.NoError(t, err)
		if p.Step("s1").Attempts < MaxAttempts {
			p, err = p.Mark("s1", StatusPending, MarkOptions{})
			require.NoError(t, err)
		}
	}

	assert.Equal(t, MaxAttempts, p.Step("s1").Attempts)
	_, err := p.Mark("s1", StatusPending, MarkOptions{})
	require.Error(t, err, "no retries left")
	_, st := p.NextReady()
	assert.Equal(t, StateFailed, st)
}

func TestMarkCancellationRefundsAttempt(t *testing.T) {
	p := twoStepPlan()
	p, err := p.Mark("s1", StatusInProgress, MarkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Step("s1").Attempts)

	p, err = p.Mark("s1", StatusPending, MarkOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Step("s1").Status)
	assert.Equal(t, 0, p.Step("s1").Attempts)
}

func TestMarkFailedRequeuePreservesAttempts(t *testing.T) {
	p := twoStepPlan()
	p, err := p.Mark("s1", StatusInProgress, MarkOptions{})
	require.NoError(t, err)
	p, err = p.Mark("s1", StatusFailed, MarkOptions{Error: protocol.NewError(protocol.KindRuntime, "boom")})
	require.NoError(t, err)

	// The attempt was consumed going in_progress; requeueing the failure
	// keeps the counter no matter what the options say.
	p, err = p.Mark("s1", StatusPending, MarkOptions{ConsumeAttempt: true})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Step("s1").Attempts)

	p2 := twoStepPlan()
	p2, err = p2.Mark("s1", StatusInProgress, MarkOptions{})
	require.NoError(t, err)
	p2, err = p2.Mark("s1", StatusFailed, MarkOptions{Error: protocol.NewError(protocol.KindRuntime, "boom")})
	require.NoError(t, err)
	p2, err = p2.Mark("s1", StatusPending, MarkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, p2.Step("s1").Attempts)
}

func TestMarkRejectsSkip(t *testing.T) {
	p := twoStepPlan()
	_, err := p.Mark("s1", StatusSkipped, MarkOptions{})
	require.Error(t, err)
}
