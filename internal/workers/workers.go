// Package workers contains the built-in agents that service the lending
// pipeline: document intake and analysis, underwriting, compliance review,
// customer communication, and application intake. Each worker embeds
// agent.Base, executes the collaboration pattern steps it is named for, and
// advances the application lifecycle through HandleTaskOutcome so the state
// machine and the session stay in lockstep.
//
// The workers also answer routed tasks. When no session is driving an
// application, a dispatched task makes the owning worker execute its stage
// directly, so the pipeline still moves document by document; when a session
// is in flight the task is a duplicate of work the session will do and is
// skipped.
package workers

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/decision"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
)

// Pattern step names the built-in workers execute.
const (
	StepCollectDocuments    = "collect_documents"
	StepValidateDocuments   = "validate_documents"
	StepAnalyzeDocuments    = "analyze_documents"
	StepEvaluateApplication = "evaluate_application"
	StepCheckCompliance     = "check_compliance"
	StepMakeDecision        = "make_decision"
	StepExplainToCustomer   = "generate_customer_explanation"
)

// Deps are the services the built-in workers operate on.
type Deps struct {
	Applications application.Service
	Sessions     orchestrator.Service
	Decisions    decision.Service
	Logger       *zap.Logger

	// IntakePattern is the collaboration pattern the intake worker starts
	// for newly created applications. DecisionPattern is started when an
	// application reaches decision_pending outside a session.
	IntakePattern   string
	DecisionPattern string
}

// RegisterAll constructs the five built-in workers and registers them under
// the agent IDs the task router targets.
func RegisterAll(registry *agent.Registry, deps Deps) error {
	if registry == nil {
		return errors.New("workers: agent registry is required")
	}
	if deps.Applications == nil {
		return errors.New("workers: application service is required")
	}
	if deps.Sessions == nil {
		return errors.New("workers: session service is required")
	}
	if deps.Decisions == nil {
		return errors.New("workers: decision tracker is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	document, err := NewDocumentWorker(deps.Applications, deps.Sessions, logger)
	if err != nil {
		return err
	}
	underwriter, err := NewUnderwritingWorker(deps.Applications, deps.Sessions, deps.Decisions, logger)
	if err != nil {
		return err
	}
	compliance, err := NewComplianceWorker(deps.Applications, deps.Sessions, deps.Decisions, logger)
	if err != nil {
		return err
	}
	customer, err := NewCustomerWorker(deps.Applications, logger)
	if err != nil {
		return err
	}
	intake, err := NewIntakeWorker(deps.Applications, deps.Sessions, IntakeConfig{
		IntakePattern:   deps.IntakePattern,
		DecisionPattern: deps.DecisionPattern,
	}, logger)
	if err != nil {
		return err
	}

	for _, ag := range []agent.Agent{document, underwriter, compliance, customer, intake} {
		if err := registry.Register(ag); err != nil {
			return fmt.Errorf("workers: register %s: %w", ag.ID(), err)
		}
	}
	return nil
}

// applicationID pulls the application reference out of step inputs or task
// message content.
func applicationID(inputs map[string]any) (string, error) {
	id, _ := inputs["application_id"].(string)
	if id == "" {
		return "", errors.New("workers: application_id is required")
	}
	return id, nil
}

// sessionInFlight reports whether a non-terminal session already references
// the application. Routed tasks defer to in-flight sessions.
func sessionInFlight(ctx context.Context, sessions orchestrator.Service, applicationID string) (bool, error) {
	snaps, err := sessions.ListSessions(ctx, "")
	if err != nil {
		return false, err
	}
	for _, snap := range snaps {
		if snap.Status.Terminal() {
			continue
		}
		if id, _ := snap.Context["application_id"].(string); id == applicationID {
			return true, nil
		}
	}
	return false, nil
}

// asFloat coerces the numeric types that reach context maps from JSON
// payloads and Go callers.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// asStrings flattens a []string or []any of strings.
func asStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
