package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
)

func newIntakeWorker(t *testing.T, f *fixture) *IntakeWorker {
	t.Helper()
	w, err := NewIntakeWorker(f.apps, f.engine, IntakeConfig{}, zap.NewNop())
	require.NoError(t, err)
	return w
}

// loadIntakePatterns registers minimal intake and decision patterns. Both
// park immediately (on an event and a confirmation), so sessions stay open
// without executing agents.
func loadIntakePatterns(t *testing.T, f *fixture) {
	t.Helper()
	intake := &orchestrator.Pattern{
		Name:              DefaultIntakePattern,
		AllowedInitiators: []string{IntakeAgentID, "loan-officer"},
		Steps: []orchestrator.Step{
			{Name: StepCollectDocuments, Agent: DocumentAgentID, WaitForEvent: "documents_ready"},
		},
	}
	decisionReview := &orchestrator.Pattern{
		Name:              DefaultDecisionPattern,
		AllowedInitiators: []string{IntakeAgentID, "loan-officer"},
		Steps: []orchestrator.Step{
			{Name: StepMakeDecision, Agent: UnderwritingAgentID, RequiresConfirmation: true},
		},
	}
	require.NoError(t, intake.Validate())
	require.NoError(t, decisionReview.Validate())
	f.engine.ReloadPatterns([]*orchestrator.Pattern{intake, decisionReview})
}

func sessionsFor(t *testing.T, f *fixture, appID string) []orchestrator.SessionSnapshot {
	t.Helper()
	snaps, err := f.engine.ListSessions(context.Background(), "")
	require.NoError(t, err)
	var matched []orchestrator.SessionSnapshot
	for _, snap := range snaps {
		if id, _ := snap.Context["application_id"].(string); id == appID {
			matched = append(matched, snap)
		}
	}
	return matched
}

func TestIntakeStartsSession(t *testing.T) {
	f := newFixture(t)
	w := newIntakeWorker(t, f)
	loadIntakePatterns(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)

	require.NoError(t, w.ReceiveMessage(ctx, taskMessage("process_application", appID)))

	sessions := sessionsFor(t, f, appID)
	require.Len(t, sessions, 1)
	assert.Equal(t, DefaultIntakePattern, sessions[0].Pattern)
	assert.Equal(t, IntakeAgentID, sessions[0].Initiator)

	// A second nudge defers to the session already in flight.
	require.NoError(t, w.ReceiveMessage(ctx, taskMessage("process_application", appID)))
	assert.Len(t, sessionsFor(t, f, appID), 1)
}

func TestIntakeStartsDecisionReview(t *testing.T) {
	f := newFixture(t)
	w := newIntakeWorker(t, f)
	loadIntakePatterns(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)
	f.addCompleteDocuments(t, appID)
	f.driveTo(t, appID,
		application.StateDocumentAnalysis,
		application.StateUnderwriting,
		application.StateComplianceCheck,
		application.StateDecisionPending,
	)

	require.NoError(t, w.ReceiveMessage(ctx, taskMessage("process_application", appID)))

	sessions := sessionsFor(t, f, appID)
	require.Len(t, sessions, 1)
	assert.Equal(t, DefaultDecisionPattern, sessions[0].Pattern)
}

func TestIntakeWithoutPatterns(t *testing.T) {
	f := newFixture(t)
	w := newIntakeWorker(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)

	// No pattern loaded is not an error; the pipeline stays task-driven.
	require.NoError(t, w.ReceiveMessage(ctx, taskMessage("process_application", appID)))
	assert.Empty(t, sessionsFor(t, f, appID))
}

func TestIntakeIgnoresMidPipelineStates(t *testing.T) {
	f := newFixture(t)
	w := newIntakeWorker(t, f)
	loadIntakePatterns(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)
	f.addCompleteDocuments(t, appID)
	f.driveTo(t, appID, application.StateDocumentAnalysis, application.StateUnderwriting)

	require.NoError(t, w.ReceiveMessage(ctx, taskMessage("process_application", appID)))
	assert.Empty(t, sessionsFor(t, f, appID))
}

func TestIntakeFlagsManualReview(t *testing.T) {
	f := newFixture(t)
	w := newIntakeWorker(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)

	require.NoError(t, w.ReceiveMessage(ctx, taskMessage("resolve_complex_application", appID)))

	app, err := f.apps.Get(ctx, appID)
	require.NoError(t, err)
	assert.Equal(t, true, app.Context["requires_manual_review"])
}

func TestIntakeRequiresCapabilityGrants(t *testing.T) {
	f := newFixture(t)
	w := newIntakeWorker(t, f)
	loadIntakePatterns(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)

	// Same worker, capabilities without any grants.
	w.Base = agent.NewBase(agent.Capabilities{
		AgentID:   IntakeAgentID,
		TaskTypes: w.Capabilities().TaskTypes,
	})

	err := w.ReceiveMessage(ctx, taskMessage("process_application", appID))
	var secErr *recovery.SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Equal(t, "start_session", secErr.Action)
	assert.Equal(t, IntakeAgentID, secErr.UserID)
	assert.Empty(t, sessionsFor(t, f, appID))

	err = w.ReceiveMessage(ctx, taskMessage("resolve_complex_application", appID))
	require.ErrorAs(t, err, &secErr)
	assert.Equal(t, "resolve_complex_application", secErr.Action)

	app, err := f.apps.Get(ctx, appID)
	require.NoError(t, err)
	assert.NotContains(t, app.Context, "requires_manual_review")
}

func TestIntakeExecutesNoSteps(t *testing.T) {
	f := newFixture(t)
	w := newIntakeWorker(t, f)

	_, err := w.ExecuteStep(context.Background(), StepMakeDecision, map[string]any{"application_id": "x"})
	require.ErrorContains(t, err, "executes no pattern steps")
	assert.False(t, w.CanHandleStep(StepMakeDecision))
}

func TestIntakeConfigDefaults(t *testing.T) {
	f := newFixture(t)

	w, err := NewIntakeWorker(f.apps, f.engine, IntakeConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultIntakePattern, w.config.IntakePattern)
	assert.Equal(t, DefaultDecisionPattern, w.config.DecisionPattern)

	w, err = NewIntakeWorker(f.apps, f.engine, IntakeConfig{
		IntakePattern:   "custom_intake",
		DecisionPattern: "custom_review",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom_intake", w.config.IntakePattern)
	assert.Equal(t, "custom_review", w.config.DecisionPattern)
}
