package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
	"github.com/fyrsmithlabs/lendingd/internal/routing"
)

// DocumentAgentID is the registry ID the task router targets for document
// work.
const DocumentAgentID = "document-agent"

// documentFields lists the metadata each document type must carry to pass
// validation. Types not listed validate on presence alone.
var documentFields = map[string][]string{
	"income_verification": {"employer", "monthly_income"},
	"credit_report":       {"credit_score"},
	"property_appraisal":  {"property_value"},
	"bank_statement":      {"account_number", "ending_balance"},
	"tax_return":          {"tax_year", "adjusted_gross_income"},
}

// DocumentWorker validates received documents and extracts the financial
// figures underwriting evaluates.
type DocumentWorker struct {
	agent.Base
	apps     application.Service
	sessions orchestrator.Service
	required []string
	logger   *zap.Logger
}

var _ agent.Agent = (*DocumentWorker)(nil)

func NewDocumentWorker(apps application.Service, sessions orchestrator.Service, logger *zap.Logger) (*DocumentWorker, error) {
	if apps == nil {
		return nil, errors.New("workers: application service is required")
	}
	if sessions == nil {
		return nil, errors.New("workers: session service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentWorker{
		Base: agent.NewBase(agent.Capabilities{
			AgentID:       DocumentAgentID,
			Description:   "Validates submitted documents and extracts financial figures",
			Steps:         []string{StepCollectDocuments, StepValidateDocuments, StepAnalyzeDocuments},
			TaskTypes:     []string{string(routing.TaskAnalyzeDocuments)},
			PriorityLevel: 2,
		}),
		apps:     apps,
		sessions: sessions,
		required: application.DefaultServiceConfig().RequiredDocuments,
		logger:   logger.Named("document-worker"),
	}, nil
}

func (w *DocumentWorker) ExecuteStep(ctx context.Context, step string, inputs map[string]any) (map[string]any, error) {
	appID, err := applicationID(inputs)
	if err != nil {
		return nil, err
	}
	app, err := w.apps.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	switch step {
	case StepCollectDocuments:
		return w.collect(app)
	case StepValidateDocuments:
		return w.validate(ctx, app)
	case StepAnalyzeDocuments:
		return w.analyze(ctx, app)
	}
	return nil, fmt.Errorf("workers: document agent cannot execute step %q", step)
}

// ReceiveMessage answers analyze_documents tasks dispatched on state
// transitions. The stage matching the application's current state runs
// unless a session already owns the application.
func (w *DocumentWorker) ReceiveMessage(ctx context.Context, msg agent.Message) error {
	if task, _ := msg.Content["task_type"].(string); task != string(routing.TaskAnalyzeDocuments) {
		w.logger.Debug("ignoring message", zap.String("type", string(msg.Type)), zap.String("from", msg.From))
		return nil
	}
	appID, err := applicationID(msg.Content)
	if err != nil {
		return err
	}
	busy, err := sessionInFlight(ctx, w.sessions, appID)
	if err != nil {
		return err
	}
	if busy {
		w.logger.Debug("session in flight, skipping document task", zap.String("application_id", appID))
		return nil
	}
	app, err := w.apps.Get(ctx, appID)
	if err != nil {
		return err
	}
	switch app.State {
	case application.StateDocumentValidation:
		_, err = w.validate(ctx, app)
	case application.StateDocumentAnalysis:
		_, err = w.analyze(ctx, app)
	default:
		w.logger.Debug("no document stage for state",
			zap.String("application_id", appID),
			zap.String("state", string(app.State)),
		)
	}
	return err
}

// collect reports the received document set and fails while required types
// are outstanding, so the session retries until the borrower submits them.
func (w *DocumentWorker) collect(app *application.Application) (map[string]any, error) {
	var missing []string
	for _, typ := range w.required {
		if _, ok := app.Documents[typ]; !ok {
			missing = append(missing, typ)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("workers: application %s is missing required documents: %s",
			app.ID, strings.Join(missing, ", "))
	}
	types := make([]string, 0, len(app.Documents))
	for typ := range app.Documents {
		types = append(types, typ)
	}
	sort.Strings(types)
	return map[string]any{
		"documents_received": len(app.Documents),
		"document_types":     types,
	}, nil
}

func (w *DocumentWorker) validate(ctx context.Context, app *application.Application) (map[string]any, error) {
	perDocument := make(map[string]any, len(app.Documents))
	var invalid []string
	for typ, doc := range app.Documents {
		missing := missingFields(typ, doc)
		entry := map[string]any{"valid": len(missing) == 0}
		if len(missing) > 0 {
			entry["missing_fields"] = missing
			invalid = append(invalid, typ)
		}
		perDocument[typ] = entry
	}
	sort.Strings(invalid)

	validation := map[string]any{
		"documents":          perDocument,
		"valid":              len(invalid) == 0,
		"completeness_score": w.completeness(app.Documents, invalid),
	}
	reason := "all documents passed validation"
	if len(invalid) > 0 {
		reason = "documents failed validation: " + strings.Join(invalid, ", ")
	}
	if _, err := w.apps.HandleTaskOutcome(ctx, app.ID, application.TaskResult{
		Task:    StepValidateDocuments,
		Success: len(invalid) == 0,
		Reason:  reason,
		Context: map[string]any{"document_validation": validation},
	}); err != nil {
		return nil, err
	}
	if len(invalid) > 0 {
		first := invalid[0]
		return nil, &recovery.DocumentProcessingError{
			DocumentID: documentName(app, first),
			Kind:       first,
			Reason:     "missing " + strings.Join(missingFields(first, app.Documents[first]), ", "),
		}
	}
	w.logger.Info("documents validated", zap.String("application_id", app.ID), zap.Int("documents", len(app.Documents)))
	return map[string]any{"document_validation": validation}, nil
}

// analyze extracts the underwriting figures from document metadata and
// merges them into application context via the task outcome.
func (w *DocumentWorker) analyze(ctx context.Context, app *application.Application) (map[string]any, error) {
	figures := map[string]any{}
	var missing, missingDocs []string
	for _, src := range []struct {
		docType string
		field   string
	}{
		{"income_verification", "monthly_income"},
		{"credit_report", "credit_score"},
		{"property_appraisal", "property_value"},
	} {
		if v, ok := documentFigure(app, src.docType, src.field); ok {
			figures[src.field] = v
		} else {
			missing = append(missing, src.field)
			missingDocs = append(missingDocs, src.docType)
		}
	}

	analysis := map[string]any{
		"document_count": len(app.Documents),
		"figures":        figures,
	}
	if len(missing) > 0 {
		analysis["missing_figures"] = missing
	}

	taskContext := map[string]any{"document_analysis": analysis}
	for field, v := range figures {
		taskContext[field] = v
	}
	reason := "financial figures extracted"
	if len(missing) > 0 {
		reason = "document analysis incomplete, missing: " + strings.Join(missing, ", ")
	}
	if _, err := w.apps.HandleTaskOutcome(ctx, app.ID, application.TaskResult{
		Task:    StepAnalyzeDocuments,
		Success: len(missing) == 0,
		Reason:  reason,
		Context: taskContext,
	}); err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &recovery.DocumentProcessingError{
			DocumentID: documentName(app, missingDocs[0]),
			Kind:       missingDocs[0],
			Reason:     "cannot extract " + strings.Join(missing, ", "),
		}
	}
	w.logger.Info("documents analyzed", zap.String("application_id", app.ID))

	outputs := map[string]any{"document_analysis": analysis}
	for field, v := range figures {
		outputs[field] = v
	}
	return outputs, nil
}

// completeness is the fraction of required document types present and valid.
func (w *DocumentWorker) completeness(docs map[string]application.Document, invalid []string) float64 {
	if len(w.required) == 0 {
		return 1
	}
	bad := make(map[string]bool, len(invalid))
	for _, typ := range invalid {
		bad[typ] = true
	}
	var have int
	for _, typ := range w.required {
		if _, ok := docs[typ]; ok && !bad[typ] {
			have++
		}
	}
	return round(float64(have)/float64(len(w.required)), 2)
}

// documentName prefers the uploaded file name; absent documents fall back
// to the type.
func documentName(app *application.Application, typ string) string {
	if doc, ok := app.Documents[typ]; ok && doc.Name != "" {
		return doc.Name
	}
	return typ
}

func missingFields(typ string, doc application.Document) []string {
	var missing []string
	for _, field := range documentFields[typ] {
		v, ok := doc.Metadata[field]
		if !ok || v == nil {
			missing = append(missing, field)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

func documentFigure(app *application.Application, docType, field string) (float64, bool) {
	doc, ok := app.Documents[docType]
	if !ok {
		return 0, false
	}
	return asFloat(doc.Metadata[field])
}
