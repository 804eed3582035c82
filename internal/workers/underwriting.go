package workers

import (
	"context"
	"errors"
	"fmt"
	"math"
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

// UnderwritingAgentID is the registry ID the task router targets for
// underwriting work.
const UnderwritingAgentID = "underwriting-agent"

// Underwriting recommendations.
const (
	RecommendApproved    = "approved"
	RecommendConditional = "approved_with_conditions"
	RecommendDeclined    = "declined"
)

// loanLimits are the qualification thresholds of one loan program.
type loanLimits struct {
	maxDTI      float64
	maxLTV      float64
	maxFrontEnd float64
	minCredit   float64
}

var loanPrograms = map[string]loanLimits{
	"CONVENTIONAL": {maxDTI: 0.43, maxLTV: 0.80, maxFrontEnd: 0.28, minCredit: 640},
	"FHA":          {maxDTI: 0.50, maxLTV: 0.965, maxFrontEnd: 0.31, minCredit: 580},
	"VA":           {maxDTI: 0.60, maxLTV: 1.00, maxFrontEnd: 0.31, minCredit: 580},
}

// Criterion weights sum to 100. The weighted score of passing criteria
// decides whether a near-miss application can carry conditions instead of
// being declined.
const (
	weightDTI      = 25
	weightLTV      = 25
	weightFrontEnd = 15
	weightCredit   = 35

	// conditionalScoreFloor is the minimum passing-criteria score a
	// near-miss application needs for a conditional approval.
	conditionalScoreFloor = 65
)

const (
	defaultInterestRate = 0.07
	defaultTermMonths   = 360
)

// criterion is one evaluated qualification threshold.
type criterion struct {
	value     float64
	threshold float64
	passed    bool
	weight    int
}

type applicantFigures struct {
	monthlyIncome float64
	monthlyDebts  float64
	loanAmount    float64
	propertyValue float64
	creditScore   float64
	interestRate  float64
	termMonths    float64
}

// UnderwritingWorker evaluates applications against loan program thresholds
// and issues the final decision once compliance has signed off.
type UnderwritingWorker struct {
	agent.Base
	apps      application.Service
	sessions  orchestrator.Service
	decisions decision.Service
	logger    *zap.Logger
}

var _ agent.Agent = (*UnderwritingWorker)(nil)

func NewUnderwritingWorker(apps application.Service, sessions orchestrator.Service, decisions decision.Service, logger *zap.Logger) (*UnderwritingWorker, error) {
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
	return &UnderwritingWorker{
		Base: agent.NewBase(agent.Capabilities{
			AgentID:              UnderwritingAgentID,
			Description:          "Evaluates applications against loan program thresholds",
			Steps:                []string{StepEvaluateApplication, StepMakeDecision},
			TaskTypes:            []string{string(routing.TaskEvaluateApplication)},
			CanFinalizeDecisions: true,
			PriorityLevel:        2,
		}),
		apps:      apps,
		sessions:  sessions,
		decisions: decisions,
		logger:    logger.Named("underwriting-worker"),
	}, nil
}

func (w *UnderwritingWorker) ExecuteStep(ctx context.Context, step string, inputs map[string]any) (map[string]any, error) {
	appID, err := applicationID(inputs)
	if err != nil {
		return nil, err
	}
	app, err := w.apps.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	switch step {
	case StepEvaluateApplication:
		return w.evaluate(ctx, app)
	case StepMakeDecision:
		return w.makeDecision(ctx, app)
	}
	return nil, fmt.Errorf("workers: underwriting agent cannot execute step %q", step)
}

func (w *UnderwritingWorker) ReceiveMessage(ctx context.Context, msg agent.Message) error {
	if task, _ := msg.Content["task_type"].(string); task != string(routing.TaskEvaluateApplication) {
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
		w.logger.Debug("session in flight, skipping underwriting task", zap.String("application_id", appID))
		return nil
	}
	app, err := w.apps.Get(ctx, appID)
	if err != nil {
		return err
	}
	if app.State != application.StateUnderwriting {
		w.logger.Debug("no underwriting stage for state",
			zap.String("application_id", appID),
			zap.String("state", string(app.State)),
		)
		return nil
	}
	_, err = w.evaluate(ctx, app)
	return err
}

// evaluate runs the threshold evaluation. A completed evaluation always
// advances the lifecycle to compliance, whatever it recommends; only an
// application whose figures cannot be evaluated is parked for a human
// underwriter.
func (w *UnderwritingWorker) evaluate(ctx context.Context, app *application.Application) (map[string]any, error) {
	figures, missing := collectFigures(app.Context)
	if len(missing) > 0 {
		reason := "cannot evaluate application, missing figures: " + strings.Join(missing, ", ")
		if _, err := w.apps.HandleTaskOutcome(ctx, app.ID, application.TaskResult{
			Task:    StepEvaluateApplication,
			Success: false,
			Reason:  reason,
		}); err != nil {
			return nil, err
		}
		return nil, errors.New("workers: " + reason)
	}

	program, limits := loanProgram(app.Context)
	payment := monthlyPayment(figures.loanAmount, figures.interestRate, figures.termMonths)
	dti := (figures.monthlyDebts + payment) / figures.monthlyIncome
	frontEnd := payment / figures.monthlyIncome
	ltv := figures.loanAmount / figures.propertyValue

	criteria := map[string]criterion{
		"dti_ratio":       {value: dti, threshold: limits.maxDTI, passed: dti <= limits.maxDTI, weight: weightDTI},
		"ltv_ratio":       {value: ltv, threshold: limits.maxLTV, passed: ltv <= limits.maxLTV, weight: weightLTV},
		"front_end_ratio": {value: frontEnd, threshold: limits.maxFrontEnd, passed: frontEnd <= limits.maxFrontEnd, weight: weightFrontEnd},
		"credit_score":    {value: figures.creditScore, threshold: limits.minCredit, passed: figures.creditScore >= limits.minCredit, weight: weightCredit},
	}

	score := 0
	var failed []string
	for name, c := range criteria {
		if c.passed {
			score += c.weight
		} else {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)

	recommendation, rationale := recommend(criteria, failed, score, program)

	results := map[string]any{
		"loan_program":   program,
		"recommendation": recommendation,
		"approval_score": score,
		"financial_ratios": map[string]any{
			"dti_ratio":       round(dti, 4),
			"front_end_ratio": round(frontEnd, 4),
			"ltv_ratio":       round(ltv, 4),
			"monthly_payment": round(payment, 2),
		},
		"criteria": criteriaContext(criteria),
	}
	switch recommendation {
	case RecommendConditional:
		results["conditions"] = approvalConditions(failed)
	case RecommendDeclined:
		results["failed_criteria"] = failed
		results["max_loan_amount"] = round(maxAffordableLoan(figures, limits.maxDTI), 2)
	}

	if _, err := w.decisions.Record(ctx, decision.Decision{
		ApplicationID: app.ID,
		Type:          "underwriting",
		Outcome:       recommendation != RecommendDeclined,
		Rationale:     rationale,
		DecidedBy:     w.ID(),
		Factors: map[string]any{
			"loan_program":    program,
			"approval_score":  score,
			"dti_ratio":       round(dti, 4),
			"ltv_ratio":       round(ltv, 4),
			"front_end_ratio": round(frontEnd, 4),
			"credit_score":    figures.creditScore,
		},
	}); err != nil {
		w.logger.Warn("recording underwriting decision failed",
			zap.String("application_id", app.ID), zap.Error(err))
	}

	if _, err := w.apps.HandleTaskOutcome(ctx, app.ID, application.TaskResult{
		Task:    StepEvaluateApplication,
		Success: true,
		Reason:  "underwriting evaluation complete: " + recommendation,
		Context: map[string]any{"underwriting_results": results},
	}); err != nil {
		return nil, err
	}
	w.logger.Info("application evaluated",
		zap.String("application_id", app.ID),
		zap.String("loan_program", program),
		zap.String("recommendation", recommendation),
		zap.Int("approval_score", score),
	)
	return map[string]any{"underwriting_results": results}, nil
}

// makeDecision turns the underwriting recommendation and the compliance
// verdict into the final application state.
func (w *UnderwritingWorker) makeDecision(ctx context.Context, app *application.Application) (map[string]any, error) {
	if !w.Capabilities().CanFinalizeDecisions {
		return nil, &recovery.SecurityError{
			UserID: w.ID(),
			Action: "finalize_decision",
			Reason: "agent is not granted can_finalize_decisions",
		}
	}
	underwriting, ok := asMap(app.Context["underwriting_results"])
	if !ok {
		return nil, &recovery.DataError{Entity: "application " + app.ID, Reason: "final decision requires underwriting results"}
	}
	compliance, ok := asMap(app.Context["compliance_results"])
	if !ok {
		return nil, &recovery.DataError{Entity: "application " + app.ID, Reason: "final decision requires compliance results"}
	}

	recommendation, _ := underwriting["recommendation"].(string)
	warnings := asStrings(compliance["warnings"])
	conditions := asStrings(underwriting["conditions"])
	conditions = append(conditions, warnings...)

	var state application.State
	var reason string
	switch {
	case recommendation == RecommendDeclined:
		reason = "underwriting recommended decline"
		if failed := asStrings(underwriting["failed_criteria"]); len(failed) > 0 {
			reason += ": " + strings.Join(failed, ", ")
		}
		state = application.StateDeclined
	case !asBool(compliance["passed"]):
		state = application.StateDeclined
		reason = "compliance review found violations"
	case recommendation == RecommendConditional || len(warnings) > 0:
		state = application.StateConditionallyApproved
		reason = fmt.Sprintf("approved with %d conditions to clear before closing", len(conditions))
	default:
		state = application.StateApproved
		reason = "all underwriting criteria and compliance checks passed"
	}

	final := map[string]any{
		"state":      string(state),
		"approved":   state != application.StateDeclined,
		"reason":     reason,
		"decided_by": w.ID(),
	}
	if len(conditions) > 0 && state != application.StateDeclined {
		final["conditions"] = conditions
	}

	if _, err := w.decisions.Record(ctx, decision.Decision{
		ApplicationID: app.ID,
		Type:          "final",
		Outcome:       state != application.StateDeclined,
		Rationale:     reason,
		DecidedBy:     w.ID(),
		Factors: map[string]any{
			"recommendation":      recommendation,
			"compliance_warnings": len(warnings),
			"conditions":          len(conditions),
		},
	}); err != nil {
		w.logger.Warn("recording final decision failed",
			zap.String("application_id", app.ID), zap.Error(err))
	}

	next, err := w.apps.HandleTaskOutcome(ctx, app.ID, application.TaskResult{
		Task:     StepMakeDecision,
		Success:  true,
		Decision: state,
		Reason:   reason,
		Context:  map[string]any{"final_decision": final},
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("final decision issued",
		zap.String("application_id", app.ID),
		zap.String("state", string(next)),
	)
	return map[string]any{
		"final_decision":    final,
		"application_state": string(next),
	}, nil
}

// collectFigures pulls the evaluation inputs out of application context,
// which document analysis populated. Absent debts default to zero; rate and
// term default to program norms.
func collectFigures(appContext map[string]any) (applicantFigures, []string) {
	figures := applicantFigures{
		interestRate: defaultInterestRate,
		termMonths:   defaultTermMonths,
	}
	var missing []string

	read := func(key string, dst *float64) {
		if v, ok := asFloat(appContext[key]); ok && v > 0 {
			*dst = v
		} else {
			missing = append(missing, key)
		}
	}
	read("monthly_income", &figures.monthlyIncome)
	read("loan_amount", &figures.loanAmount)
	read("property_value", &figures.propertyValue)
	read("credit_score", &figures.creditScore)

	if v, ok := asFloat(appContext["monthly_debts"]); ok && v >= 0 {
		figures.monthlyDebts = v
	}
	if v, ok := asFloat(appContext["interest_rate"]); ok && v > 0 {
		// Accept the rate as a fraction or as percentage points.
		if v > 1 {
			v /= 100
		}
		figures.interestRate = v
	}
	if v, ok := asFloat(appContext["term_months"]); ok && v > 0 {
		figures.termMonths = v
	}
	sort.Strings(missing)
	return figures, missing
}

// loanProgram resolves the application's loan type to a known program,
// falling back to conventional limits.
func loanProgram(appContext map[string]any) (string, loanLimits) {
	name, _ := appContext["loan_type"].(string)
	name = strings.ToUpper(strings.TrimSpace(name))
	if limits, ok := loanPrograms[name]; ok {
		return name, limits
	}
	return "CONVENTIONAL", loanPrograms["CONVENTIONAL"]
}

// recommend applies the approval rule: every criterion passing approves
// outright; failures that are all within five percent of their threshold can
// be conditioned away when enough weighted criteria still pass; anything
// wider declines.
func recommend(criteria map[string]criterion, failed []string, score int, program string) (string, string) {
	if len(failed) == 0 {
		return RecommendApproved, "all underwriting criteria passed for " + program + " program"
	}
	for _, name := range failed {
		if !nearMiss(criteria[name]) {
			return RecommendDeclined, "failed criteria: " + strings.Join(failed, ", ")
		}
	}
	if score < conditionalScoreFloor {
		return RecommendDeclined, "failed criteria: " + strings.Join(failed, ", ")
	}
	return RecommendConditional, "near-miss on " + strings.Join(failed, ", ") + ", approvable with conditions"
}

// nearMiss reports whether a failed criterion landed within five percent of
// its threshold in either direction.
func nearMiss(c criterion) bool {
	if c.threshold == 0 {
		return false
	}
	ratio := c.value / c.threshold
	return ratio > 0.95 && ratio < 1.05
}

// approvalConditions names the remediation for each near-miss criterion plus
// the standard conditions every borderline approval carries.
func approvalConditions(failed []string) []string {
	var conditions []string
	for _, name := range failed {
		switch name {
		case "dti_ratio":
			conditions = append(conditions, "Reduce overall debt or increase income before closing")
		case "ltv_ratio":
			conditions = append(conditions, "Increase down payment to reduce loan-to-value ratio")
		case "front_end_ratio":
			conditions = append(conditions, "Provide additional cash reserves")
		case "credit_score":
			conditions = append(conditions, "Provide additional collateral or guarantor")
		}
	}
	conditions = append(conditions,
		"Submit updated bank statements before closing",
		"Provide letter explaining any recent credit inquiries",
	)
	return conditions
}

// monthlyPayment is the standard amortized payment for the loan principal.
func monthlyPayment(principal, annualRate, termMonths float64) float64 {
	if termMonths <= 0 {
		return 0
	}
	monthlyRate := annualRate / 12
	if monthlyRate == 0 {
		return principal / termMonths
	}
	return principal * monthlyRate / (1 - math.Pow(1+monthlyRate, -termMonths))
}

// maxAffordableLoan inverts the payment formula at the program's DTI limit,
// giving declined applicants a concrete target.
func maxAffordableLoan(figures applicantFigures, maxDTI float64) float64 {
	budget := figures.monthlyIncome*maxDTI - figures.monthlyDebts
	if budget <= 0 {
		return 0
	}
	monthlyRate := figures.interestRate / 12
	if monthlyRate == 0 {
		return budget * figures.termMonths
	}
	return budget * (1 - math.Pow(1+monthlyRate, -figures.termMonths)) / monthlyRate
}

func criteriaContext(criteria map[string]criterion) map[string]any {
	out := make(map[string]any, len(criteria))
	for name, c := range criteria {
		out[name] = map[string]any{
			"value":     round(c.value, 4),
			"threshold": c.threshold,
			"passed":    c.passed,
			"weight":    c.weight,
		}
	}
	return out
}
