package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
)

func newDocumentWorker(t *testing.T, f *fixture) *DocumentWorker {
	t.Helper()
	w, err := NewDocumentWorker(f.apps, f.engine, zap.NewNop())
	require.NoError(t, err)
	return w
}

func TestNewDocumentWorker(t *testing.T) {
	f := newFixture(t)

	_, err := NewDocumentWorker(nil, f.engine, nil)
	require.ErrorContains(t, err, "application service is required")

	_, err = NewDocumentWorker(f.apps, nil, nil)
	require.ErrorContains(t, err, "session service is required")

	w, err := NewDocumentWorker(f.apps, f.engine, nil)
	require.NoError(t, err)
	assert.Equal(t, DocumentAgentID, w.ID())
	assert.True(t, w.CanHandleStep(StepValidateDocuments))
	assert.False(t, w.CanHandleStep(StepEvaluateApplication))
}

func TestDocumentWorkerCollect(t *testing.T) {
	f := newFixture(t)
	w := newDocumentWorker(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)

	_, err := w.ExecuteStep(ctx, StepCollectDocuments, map[string]any{"application_id": appID})
	require.ErrorContains(t, err, "missing required documents")
	assert.ErrorContains(t, err, "credit_report")

	f.addCompleteDocuments(t, appID)

	outputs, err := w.ExecuteStep(ctx, StepCollectDocuments, map[string]any{"application_id": appID})
	require.NoError(t, err)
	assert.Equal(t, 3, outputs["documents_received"])
	assert.Equal(t, []string{"credit_report", "income_verification", "property_appraisal"},
		outputs["document_types"])
}

func TestDocumentWorkerValidate(t *testing.T) {
	f := newFixture(t)
	w := newDocumentWorker(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)
	f.addCompleteDocuments(t, appID)
	require.Equal(t, application.StateDocumentValidation, f.state(t, appID))

	outputs, err := w.ExecuteStep(ctx, StepValidateDocuments, map[string]any{"application_id": appID})
	require.NoError(t, err)

	validation, ok := outputs["document_validation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, validation["valid"])
	assert.Equal(t, 1.0, validation["completeness_score"])

	assert.Equal(t, application.StateDocumentAnalysis, f.state(t, appID))
}

func TestDocumentWorkerValidateFailure(t *testing.T) {
	f := newFixture(t)
	w := newDocumentWorker(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)
	// The income document arrives without the employer its type requires.
	for _, doc := range []application.Document{
		{Type: "income_verification", Metadata: map[string]any{"monthly_income": 8500}},
		{Type: "credit_report", Metadata: map[string]any{"credit_score": 720}},
		{Type: "property_appraisal", Metadata: map[string]any{"property_value": 450000}},
	} {
		require.NoError(t, f.apps.ProcessDocument(ctx, appID, doc))
	}

	_, err := w.ExecuteStep(ctx, StepValidateDocuments, map[string]any{"application_id": appID})
	var docErr *recovery.DocumentProcessingError
	require.ErrorAs(t, err, &docErr)
	assert.Equal(t, "income_verification", docErr.Kind)
	assert.Contains(t, docErr.Reason, "employer")

	// The failed validation sent the application back to collection with
	// the per-document results recorded.
	assert.Equal(t, application.StateDocumentCollection, f.state(t, appID))
	app, err := f.apps.Get(ctx, appID)
	require.NoError(t, err)
	validation, ok := asMap(app.Context["document_validation"])
	require.True(t, ok)
	assert.Equal(t, false, validation["valid"])
}

func TestDocumentWorkerAnalyze(t *testing.T) {
	f := newFixture(t)
	w := newDocumentWorker(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, map[string]any{"loan_amount": 300000, "loan_type": "conventional"})
	f.addCompleteDocuments(t, appID)
	f.driveTo(t, appID, application.StateDocumentAnalysis)

	outputs, err := w.ExecuteStep(ctx, StepAnalyzeDocuments, map[string]any{"application_id": appID})
	require.NoError(t, err)
	assert.EqualValues(t, 8500, outputs["monthly_income"])
	assert.EqualValues(t, 720, outputs["credit_score"])
	assert.EqualValues(t, 450000, outputs["property_value"])

	// Figures are merged into application context for underwriting.
	app, err := f.apps.Get(ctx, appID)
	require.NoError(t, err)
	assert.EqualValues(t, 8500, app.Context["monthly_income"])
	assert.Equal(t, application.StateUnderwriting, app.State)
}

func TestDocumentWorkerAnalyzeMissingFigures(t *testing.T) {
	f := newFixture(t)
	w := newDocumentWorker(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)
	// A credit report with no score on it cannot feed underwriting.
	for _, doc := range []application.Document{
		{Type: "income_verification", Metadata: map[string]any{"employer": "Initech", "monthly_income": 8500}},
		{Type: "credit_report", Metadata: map[string]any{"provider": "equifax"}},
		{Type: "property_appraisal", Metadata: map[string]any{"property_value": 450000}},
	} {
		require.NoError(t, f.apps.ProcessDocument(ctx, appID, doc))
	}
	f.driveTo(t, appID, application.StateDocumentAnalysis)

	_, err := w.ExecuteStep(ctx, StepAnalyzeDocuments, map[string]any{"application_id": appID})
	var docErr *recovery.DocumentProcessingError
	require.ErrorAs(t, err, &docErr)
	assert.Equal(t, "credit_report", docErr.Kind)
	assert.Contains(t, docErr.Reason, "credit_score")
	assert.Equal(t, application.StateDocumentValidation, f.state(t, appID))
}

func TestDocumentWorkerTaskMessage(t *testing.T) {
	f := newFixture(t)
	w := newDocumentWorker(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)
	f.addCompleteDocuments(t, appID)

	// With no session in flight the dispatched task runs the validation
	// stage directly.
	require.NoError(t, w.ReceiveMessage(ctx, taskMessage("analyze_documents", appID)))
	assert.Equal(t, application.StateDocumentAnalysis, f.state(t, appID))

	// Other task types are ignored.
	require.NoError(t, w.ReceiveMessage(ctx, taskMessage("evaluate_application", appID)))
	assert.Equal(t, application.StateDocumentAnalysis, f.state(t, appID))
}

func TestDocumentWorkerTaskSkipsActiveSession(t *testing.T) {
	f := newFixture(t)
	w := newDocumentWorker(t, f)
	ctx := context.Background()

	appID := f.createApplication(t, nil)
	f.addCompleteDocuments(t, appID)

	pattern := &orchestrator.Pattern{
		Name:              "hold",
		AllowedInitiators: []string{"loan-officer"},
		Steps: []orchestrator.Step{
			{Name: StepCollectDocuments, Agent: DocumentAgentID, WaitForEvent: "documents_ready"},
		},
	}
	require.NoError(t, pattern.Validate())
	f.engine.ReloadPatterns([]*orchestrator.Pattern{pattern})
	_, err := f.engine.CreateSession(ctx, "hold", "loan-officer", map[string]any{"application_id": appID})
	require.NoError(t, err)

	// The session owns the application, so the task is a no-op.
	require.NoError(t, w.ReceiveMessage(ctx, taskMessage("analyze_documents", appID)))
	assert.Equal(t, application.StateDocumentValidation, f.state(t, appID))
}

func TestDocumentWorkerBadInputs(t *testing.T) {
	f := newFixture(t)
	w := newDocumentWorker(t, f)
	ctx := context.Background()

	_, err := w.ExecuteStep(ctx, StepValidateDocuments, map[string]any{})
	require.ErrorContains(t, err, "application_id is required")

	appID := f.createApplication(t, nil)
	_, err = w.ExecuteStep(ctx, "fold_documents", map[string]any{"application_id": appID})
	require.ErrorContains(t, err, "cannot execute step")
}
