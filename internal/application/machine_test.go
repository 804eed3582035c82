package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/audit"
)

func newTestMachine(t *testing.T) (Service, audit.Service) {
	t.Helper()
	auditor, err := audit.NewService(nil, audit.NewMemoryStore(), nil)
	require.NoError(t, err)
	m, err := NewService(nil, nil, auditor, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Close())
		require.NoError(t, auditor.Close())
	})
	return m, auditor
}

func driveTo(t *testing.T, m Service, id string, states ...State) {
	t.Helper()
	for _, s := range states {
		require.True(t, m.Transition(context.Background(), id, s, "advance"), "transition to %s", s)
	}
}

func searchAudit(t *testing.T, auditor audit.Service, q audit.Query) []audit.Entry {
	t.Helper()
	entries, err := auditor.Search(context.Background(), q)
	require.NoError(t, err)
	return entries
}

func TestStateTransitionGraph(t *testing.T) {
	cases := []struct {
		from State
		to   State
		ok   bool
	}{
		{StateInitiated, StateDocumentCollection, true},
		{StateInitiated, StateUnderwriting, false},
		{StateDocumentCollection, StateDocumentValidation, true},
		{StateDocumentCollection, StateDocumentAnalysis, false},
		{StateDocumentValidation, StateDocumentCollection, true},
		{StateDocumentValidation, StateDocumentAnalysis, true},
		{StateDocumentValidation, StateDecisionPending, false},
		{StateDocumentAnalysis, StateDocumentValidation, true},
		{StateDocumentAnalysis, StateUnderwriting, true},
		{StateDocumentAnalysis, StateDocumentCollection, false},
		{StateUnderwriting, StateComplianceCheck, true},
		{StateUnderwriting, StateDeclined, false},
		{StateComplianceCheck, StateUnderwriting, true},
		{StateComplianceCheck, StateDecisionPending, true},
		{StateDecisionPending, StateApproved, true},
		{StateDecisionPending, StateConditionallyApproved, true},
		{StateDecisionPending, StateDeclined, true},
		{StateDecisionPending, StateSuspended, true},
		{StateDecisionPending, StateCompleted, false},
		{StateApproved, StateCompleted, true},
		{StateConditionallyApproved, StateCompleted, true},
		{StateDeclined, StateCompleted, true},
		{StateApproved, StateDeclined, false},
		{StateSuspended, StateDocumentCollection, true},
		{StateSuspended, StateUnderwriting, true},
		{StateSuspended, StateCompleted, false},
		{StateCompleted, StateInitiated, false},
		{StateCompleted, StateDocumentCollection, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStateProperties(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.False(t, StateDeclined.Terminal())
	assert.False(t, StateSuspended.Terminal())

	assert.True(t, StateApproved.DecisionState())
	assert.True(t, StateSuspended.DecisionState())
	assert.False(t, StateCompleted.DecisionState())
	assert.False(t, StateUnderwriting.DecisionState())

	assert.Equal(t, StageIntake, StateInitiated.Stage())
	assert.Equal(t, StageIntake, StateDocumentCollection.Stage())
	assert.Equal(t, StageDocumentProcessing, StateDocumentValidation.Stage())
	assert.Equal(t, StageDocumentProcessing, StateDocumentAnalysis.Stage())
	assert.Equal(t, StageUnderwriting, StateUnderwriting.Stage())
	assert.Equal(t, StageUnderwriting, StateComplianceCheck.Stage())
	assert.Equal(t, StageDecision, StateDecisionPending.Stage())
	assert.Equal(t, StagePostDecision, StateApproved.Stage())
	assert.Equal(t, StagePostDecision, StateCompleted.Stage())

	state, err := ParseState("compliance_check")
	require.NoError(t, err)
	assert.Equal(t, StateComplianceCheck, state)
	_, err = ParseState("limbo")
	require.Error(t, err)
}

func TestCreateApplicationAutoAdvances(t *testing.T) {
	m, auditor := newTestMachine(t)
	ctx := context.Background()

	id, err := m.CreateApplication(ctx, map[string]any{"applicant": "J. Doe", "loan_amount": 320000})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, err := m.Current(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDocumentCollection, state)

	history, err := m.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StateInitiated, history[0].From)
	assert.Equal(t, StateDocumentCollection, history[0].To)

	app, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "J. Doe", app.Context["applicant"])

	assert.Len(t, searchAudit(t, auditor, audit.Query{EventTypes: []audit.EventType{audit.EventApplicationCreated}}), 1)
	assert.Len(t, searchAudit(t, auditor, audit.Query{EventTypes: []audit.EventType{audit.EventStateTransition}}), 1)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	m, auditor := newTestMachine(t)
	ctx := context.Background()

	id, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)

	require.True(t, m.Transition(ctx, id, StateDocumentValidation, "documents in"))

	// Jumping straight to a decision is not an edge and must leave the
	// state untouched.
	assert.False(t, m.Transition(ctx, id, StateDecisionPending, "shortcut"))
	state, err := m.Current(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDocumentValidation, state)

	assert.False(t, m.Transition(ctx, "app-unknown", StateDocumentValidation, "ghost"))

	// Only the two valid transitions were audited.
	transitions := searchAudit(t, auditor, audit.Query{EventTypes: []audit.EventType{audit.EventStateTransition}})
	assert.Len(t, transitions, 2)
}

func TestTerminalStateAcceptsNothing(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	id, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)
	driveTo(t, m, id,
		StateDocumentValidation,
		StateDocumentAnalysis,
		StateUnderwriting,
		StateComplianceCheck,
		StateDecisionPending,
		StateApproved,
		StateCompleted,
	)

	for _, next := range States() {
		assert.False(t, m.Transition(ctx, id, next, "post-completion"), "completed -> %s", next)
	}
	err = m.ProcessDocument(ctx, id, Document{Type: "income_verification"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completed")
}

func TestProcessDocumentAdvancesWhenComplete(t *testing.T) {
	m, auditor := newTestMachine(t)
	ctx := context.Background()

	id, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, m.ProcessDocument(ctx, id, Document{Type: "income_verification", Name: "w2-2025.pdf"}))
	state, err := m.Current(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDocumentCollection, state)

	require.NoError(t, m.ProcessDocument(ctx, id, Document{Type: "credit_report"}))
	require.NoError(t, m.ProcessDocument(ctx, id, Document{Type: "property_appraisal"}))

	state, err = m.Current(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDocumentValidation, state)

	app, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, app.Documents, 3)
	assert.False(t, app.Documents["income_verification"].ReceivedAt.IsZero())
	assert.Equal(t, "w2-2025.pdf", app.Documents["income_verification"].Name)

	assert.Len(t, searchAudit(t, auditor, audit.Query{EventTypes: []audit.EventType{audit.EventDocumentReceived}}), 3)

	require.Error(t, m.ProcessDocument(ctx, id, Document{}))
	require.ErrorIs(t, m.ProcessDocument(ctx, "app-unknown", Document{Type: "credit_report"}), ErrApplicationNotFound)
}

func TestProcessDocumentReplacesSameType(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	id, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, m.ProcessDocument(ctx, id, Document{Type: "credit_report", Name: "equifax.pdf"}))
	require.NoError(t, m.ProcessDocument(ctx, id, Document{Type: "credit_report", Name: "transunion.pdf"}))

	app, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, app.Documents, 1)
	assert.Equal(t, "transunion.pdf", app.Documents["credit_report"].Name)
}

func TestHandleTaskOutcomeWalksLifecycle(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	id, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)
	driveTo(t, m, id, StateDocumentValidation)

	state, err := m.HandleTaskOutcome(ctx, id, TaskResult{Task: "analyze_documents", Success: true})
	require.NoError(t, err)
	assert.Equal(t, StateDocumentAnalysis, state)

	// A failed analysis regresses to validation, not all the way back.
	state, err = m.HandleTaskOutcome(ctx, id, TaskResult{Task: "analyze_documents", Success: false})
	require.NoError(t, err)
	assert.Equal(t, StateDocumentValidation, state)

	state, err = m.HandleTaskOutcome(ctx, id, TaskResult{Task: "analyze_documents", Success: true})
	require.NoError(t, err)
	assert.Equal(t, StateDocumentAnalysis, state)
	state, err = m.HandleTaskOutcome(ctx, id, TaskResult{Task: "analyze_documents", Success: true})
	require.NoError(t, err)
	assert.Equal(t, StateUnderwriting, state)
	state, err = m.HandleTaskOutcome(ctx, id, TaskResult{
		Task:    "evaluate_application",
		Success: true,
		Context: map[string]any{"dti_ratio": 0.42},
	})
	require.NoError(t, err)
	assert.Equal(t, StateComplianceCheck, state)

	app, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.42, app.Context["dti_ratio"])

	state, err = m.HandleTaskOutcome(ctx, id, TaskResult{Task: "check_compliance", Success: false})
	require.NoError(t, err)
	assert.Equal(t, StateUnderwriting, state)

	state, err = m.HandleTaskOutcome(ctx, id, TaskResult{Task: "evaluate_application", Success: true})
	require.NoError(t, err)
	state, err = m.HandleTaskOutcome(ctx, id, TaskResult{Task: "check_compliance", Success: true})
	require.NoError(t, err)
	assert.Equal(t, StateDecisionPending, state)

	// A pending decision demands an explicit decision state.
	_, err = m.HandleTaskOutcome(ctx, id, TaskResult{Task: "evaluate_application", Success: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision state")

	state, err = m.HandleTaskOutcome(ctx, id, TaskResult{
		Task:     "evaluate_application",
		Success:  true,
		Decision: StateConditionallyApproved,
		Reason:   "approved pending flood insurance",
	})
	require.NoError(t, err)
	assert.Equal(t, StateConditionallyApproved, state)

	history, err := m.History(ctx, id)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, "approved pending flood insurance", last.Reason)
}

func TestHandleTaskOutcomeUnderwritingFailureParks(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	id, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)
	driveTo(t, m, id, StateDocumentValidation, StateDocumentAnalysis, StateUnderwriting)

	state, err := m.HandleTaskOutcome(ctx, id, TaskResult{Task: "evaluate_application", Success: false})
	require.NoError(t, err)
	assert.Equal(t, StateUnderwriting, state, "underwriting failures stay in place")

	app, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, true, app.Context["requires_manual_review"])
}

func TestAddContextAndByState(t *testing.T) {
	m, auditor := newTestMachine(t)
	ctx := context.Background()

	first, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)
	second, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)
	driveTo(t, m, second, StateDocumentValidation)

	require.NoError(t, m.AddContext(ctx, first, "loan_officer", "m.alvarez"))
	app, err := m.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "m.alvarez", app.Context["loan_officer"])
	require.Error(t, m.AddContext(ctx, first, "", "x"))

	collecting, err := m.ByState(ctx, StateDocumentCollection)
	require.NoError(t, err)
	require.Len(t, collecting, 1)
	assert.Equal(t, first, collecting[0].ID)

	validating, err := m.ByState(ctx, StateDocumentValidation)
	require.NoError(t, err)
	require.Len(t, validating, 1)
	assert.Equal(t, second, validating[0].ID)

	underwriting, err := m.ByState(ctx, StateUnderwriting)
	require.NoError(t, err)
	assert.Empty(t, underwriting)

	access := searchAudit(t, auditor, audit.Query{EventTypes: []audit.EventType{audit.EventApplicationAccess}})
	require.Len(t, access, 1)
	assert.Equal(t, "add_context", access[0].Action)
}

type captureDispatcher struct {
	mu     sync.Mutex
	states []State
}

func (d *captureDispatcher) DispatchStateTasks(_ context.Context, _ string, state State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states = append(d.states, state)
}

func (d *captureDispatcher) seen() []State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]State, len(d.states))
	copy(out, d.states)
	return out
}

func TestDispatcherNotifiedOnTransitions(t *testing.T) {
	m, _ := newTestMachine(t)
	dispatcher := &captureDispatcher{}
	m.SetDispatcher(dispatcher)
	ctx := context.Background()

	id, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)
	require.True(t, m.Transition(ctx, id, StateDocumentValidation, "documents in"))
	assert.False(t, m.Transition(ctx, id, StateCompleted, "invalid"))

	assert.Equal(t, []State{StateDocumentCollection, StateDocumentValidation}, dispatcher.seen())
}

func TestMachineClosed(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	id, err := m.CreateApplication(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.CreateApplication(ctx, nil)
	require.ErrorIs(t, err, ErrClosed)
	assert.False(t, m.Transition(ctx, id, StateDocumentValidation, "late"))
	require.ErrorIs(t, m.ProcessDocument(ctx, id, Document{Type: "credit_report"}), ErrClosed)
	require.ErrorIs(t, m.AddContext(ctx, id, "k", "v"), ErrClosed)
	_, err = m.HandleTaskOutcome(ctx, id, TaskResult{Task: "t", Success: true})
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	app := &Application{
		ID:        "app-1",
		State:     StateDocumentCollection,
		Context:   map[string]any{"amount": 250000},
		Documents: map[string]Document{"credit_report": {Type: "credit_report"}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, app))

	// Mutating the caller's copy after Save must not reach the store.
	app.Context["amount"] = 1
	got, err := store.Get(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 250000, got.Context["amount"])

	// Mutating a returned copy must not reach the store either.
	got.Context["amount"] = 2
	got.Documents["w2"] = Document{Type: "w2"}
	again, err := store.Get(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 250000, again.Context["amount"])
	assert.Len(t, again.Documents, 1)

	_, err = store.Get(ctx, "app-404")
	require.ErrorIs(t, err, ErrApplicationNotFound)

	require.Error(t, store.Save(ctx, &Application{}))
}
