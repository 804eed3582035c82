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
	"github.com/fyrsmithlabs/lendingd/internal/decision"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
	"github.com/fyrsmithlabs/lendingd/internal/routing"
)

// ComplianceAgentID is the registry ID the task router targets for
// compliance work.
const ComplianceAgentID = "compliance-agent"

// conformingLoanLimit is the single-unit conforming loan limit used to flag
// jumbo amounts submitted under a conforming program.
const conformingLoanLimit = 726200

// prohibitedBasisKeys are application fields that must never reach a lending
// decision (ECOA prohibited bases). Their presence in application context is
// a violation regardless of value.
var prohibitedBasisKeys = []string{
	"age", "color", "marital_status", "national_origin", "race", "religion", "sex",
}

// requiredDisclosures are the context flags recording that the borrower
// received each mandated disclosure.
var requiredDisclosures = []string{
	"fee_disclosure_provided", "loan_estimate_provided", "tila_respa_disclosed",
}

// High-risk thresholds. Breaches warn rather than block; the final decision
// converts warnings into closing conditions.
const (
	highRiskDTI         = 0.50
	highRiskLTV         = 0.95
	highRiskCreditScore = 580
)

// ComplianceWorker reviews evaluated applications for regulatory problems.
// Violations send the application back to underwriting and fail the step so
// the failure escalates to a human; warnings ride along as conditions.
type ComplianceWorker struct {
	agent.Base
	apps      application.Service
	sessions  orchestrator.Service
	decisions decision.Service
	required  []string
	logger    *zap.Logger
}

var _ agent.Agent = (*ComplianceWorker)(nil)

func NewComplianceWorker(apps application.Service, sessions orchestrator.Service, decisions decision.Service, logger *zap.Logger) (*ComplianceWorker, error) {
	if apps == nil {
		return nil, errors.New("workers: application service is required")
	}
	if sessions == nil {
		return nil, errors.New("workers: session service is required")
	}
	if decisions == nil {
		return nil, errors.New("workers: decision tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComplianceWorker{
		Base: agent.NewBase(agent.Capabilities{
			AgentID:       ComplianceAgentID,
			Description:   "Reviews applications for regulatory compliance",
			Steps:         []string{StepCheckCompliance},
			TaskTypes:     []string{string(routing.TaskCheckCompliance)},
			PriorityLevel: 2,
		}),
		apps:      apps,
		sessions:  sessions,
		decisions: decisions,
		required:  application.DefaultServiceConfig().RequiredDocuments,
		logger:    logger.Named("compliance-worker"),
	}, nil
}

func (w *ComplianceWorker) ExecuteStep(ctx context.Context, step string, inputs map[string]any) (map[string]any, error) {
	if step != StepCheckCompliance {
		return nil, fmt.Errorf("workers: compliance agent cannot execute step %q", step)
	}
	appID, err := applicationID(inputs)
	if err != nil {
		return nil, err
	}
	app, err := w.apps.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	return w.check(ctx, app)
}

func (w *ComplianceWorker) ReceiveMessage(ctx context.Context, msg agent.Message) error {
	if task, _ := msg.Content["task_type"].(string); task != string(routing.TaskCheckCompliance) {
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
		w.logger.Debug("session in flight, skipping compliance task", zap.String("application_id", appID))
		return nil
	}
	app, err := w.apps.Get(ctx, appID)
	if err != nil {
		return err
	}
	if app.State != application.StateComplianceCheck {
		w.logger.Debug("no compliance stage for state",
			zap.String("application_id", appID),
			zap.String("state", string(app.State)),
		)
		return nil
	}
	_, err = w.check(ctx, app)
	return err
}

func (w *ComplianceWorker) check(ctx context.Context, app *application.Application) (map[string]any, error) {
	underwriting, ok := asMap(app.Context["underwriting_results"])
	if !ok {
		return nil, &recovery.DataError{Entity: "application " + app.ID, Reason: "compliance check requires underwriting results"}
	}

	var violations, warnings []string
	checks := make([]map[string]any, 0, 5)

	// Fair lending: the evaluation must rest on financial criteria alone.
	var prohibited []string
	for _, key := range prohibitedBasisKeys {
		if _, present := app.Context[key]; present {
			prohibited = append(prohibited, key)
			violations = append(violations, fmt.Sprintf("application context carries prohibited basis %q", key))
		}
	}
	checks = append(checks, checkResult("fair_lending", len(prohibited) == 0, prohibited))

	// Ability-to-repay documentation.
	var undocumented []string
	for _, typ := range w.required {
		if _, present := app.Documents[typ]; !present {
			undocumented = append(undocumented, typ)
			violations = append(violations, "missing required documentation: "+typ)
		}
	}
	checks = append(checks, checkResult("documentation", len(undocumented) == 0, undocumented))

	// Disclosures still owed to the borrower.
	var pending []string
	for _, flag := range requiredDisclosures {
		if !asBool(app.Context[flag]) {
			pending = append(pending, flag)
			warnings = append(warnings, "disclosure pending: "+flag)
		}
	}
	checks = append(checks, checkResult("disclosures", len(pending) == 0, pending))

	// High-risk combinations flagged for the decision step.
	risks := highRiskFactors(app.Context, underwriting)
	warnings = append(warnings, risks...)
	checks = append(checks, checkResult("high_risk_factors", len(risks) == 0, risks))

	// Conforming limit for the program the application was evaluated under.
	var overLimit []string
	loanType, _ := app.Context["loan_type"].(string)
	if amount, ok := asFloat(app.Context["loan_amount"]); ok &&
		amount > conformingLoanLimit && !strings.EqualFold(loanType, "jumbo") {
		issue := fmt.Sprintf("loan amount %.0f exceeds the conforming limit of %d", amount, conformingLoanLimit)
		overLimit = append(overLimit, issue)
		violations = append(violations, issue)
	}
	checks = append(checks, checkResult("regulatory_limits", len(overLimit) == 0, overLimit))

	passed := len(violations) == 0
	results := map[string]any{
		"passed":           passed,
		"violations":       violations,
		"warnings":         warnings,
		"checks":           checks,
		"conforming_limit": conformingLoanLimit,
	}

	rationale := "no compliance violations"
	if !passed {
		rationale = "violations: " + strings.Join(violations, "; ")
	}
	if _, err := w.decisions.Record(ctx, decision.Decision{
		ApplicationID: app.ID,
		Type:          "compliance",
		Outcome:       passed,
		Rationale:     rationale,
		DecidedBy:     w.ID(),
		Factors: map[string]any{
			"violations": len(violations),
			"warnings":   len(warnings),
		},
	}); err != nil {
		w.logger.Warn("recording compliance decision failed",
			zap.String("application_id", app.ID), zap.Error(err))
	}

	if _, err := w.apps.HandleTaskOutcome(ctx, app.ID, application.TaskResult{
		Task:    StepCheckCompliance,
		Success: passed,
		Reason:  rationale,
		Context: map[string]any{"compliance_results": results},
	}); err != nil {
		return nil, err
	}
	if !passed {
		return nil, errors.New("workers: compliance " + rationale)
	}
	w.logger.Info("compliance review passed",
		zap.String("application_id", app.ID),
		zap.Int("warnings", len(warnings)),
	)
	return map[string]any{"compliance_results": results}, nil
}

// highRiskFactors flags ratio and score combinations that need conditions
// even when every program threshold passed.
func highRiskFactors(appContext, underwriting map[string]any) []string {
	var risks []string
	if ratios, ok := asMap(underwriting["financial_ratios"]); ok {
		if dti, ok := asFloat(ratios["dti_ratio"]); ok && dti > highRiskDTI {
			risks = append(risks, fmt.Sprintf("debt-to-income ratio %.2f above %.2f", dti, highRiskDTI))
		}
		if ltv, ok := asFloat(ratios["ltv_ratio"]); ok && ltv > highRiskLTV {
			risks = append(risks, fmt.Sprintf("loan-to-value ratio %.2f above %.2f", ltv, highRiskLTV))
		}
	}
	if score, ok := asFloat(appContext["credit_score"]); ok && score < highRiskCreditScore {
		risks = append(risks, fmt.Sprintf("credit score %.0f below %d", score, highRiskCreditScore))
	}
	sort.Strings(risks)
	return risks
}

func checkResult(name string, passed bool, issues []string) map[string]any {
	result := map[string]any{
		"check":  name,
		"passed": passed,
	}
	if len(issues) > 0 {
		result["issues"] = issues
	}
	return result
}
