package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/lendingd/internal/recovery"
)

// FallbackAction is what a step does once its retries are exhausted. Beyond
// the four built-in actions, patterns may name a custom fallback; sessions
// hitting one park for an operator who knows the procedure.
type FallbackAction string

const (
	FallbackAbortWorkflow          FallbackAction = "abort_workflow"
	FallbackSkipStep               FallbackAction = "skip_step"
	FallbackManualIntervention     FallbackAction = "manual_intervention"
	FallbackConservativeAssessment FallbackAction = "conservative_assessment"
)

// ErrorAction is a step's immediate reaction to a failed attempt.
type ErrorAction string

const (
	ErrorActionRetry              ErrorAction = "retry"
	ErrorActionNotifyOrchestrator ErrorAction = "notify_orchestrator"
	ErrorActionNotifyHuman        ErrorAction = "notify_human"
)

// ErrorPolicy configures per-step failure handling. OnError covers agent
// and validation failures; OnTimeout covers deadline expiry. Fallback runs
// once MaxRetries attempts have been burned.
type ErrorPolicy struct {
	OnError    ErrorAction    `koanf:"on_error"`
	OnTimeout  ErrorAction    `koanf:"on_timeout"`
	MaxRetries int            `koanf:"max_retries"`
	Fallback   FallbackAction `koanf:"fallback"`
}

// Step is one unit of work in a pattern, executed by a single agent.
type Step struct {
	Name        string `koanf:"name"`
	Agent       string `koanf:"agent"`
	Description string `koanf:"description"`

	// Required marks steps whose failure cannot be skipped regardless of
	// policy. A skip fallback on a required step is a validation error.
	Required bool `koanf:"required"`

	// Timeout bounds one execution attempt.
	Timeout time.Duration `koanf:"timeout"`

	// RequiresConfirmation pauses the session until a human approves.
	RequiresConfirmation bool `koanf:"requires_confirmation"`

	// Condition, when set, must evaluate true against session context for
	// the step to run; otherwise the step is skipped. See ParseCondition
	// for the expression language.
	Condition string `koanf:"condition"`

	// WaitForEvent, when set, parks the session until the named external
	// event is delivered to it.
	WaitForEvent string `koanf:"wait_for_event"`

	// Inputs are context keys handed to the agent. Missing keys are logged
	// and the step proceeds with what exists.
	Inputs []string `koanf:"inputs"`
	// Outputs are context keys the agent is expected to produce. Missing
	// declared outputs are logged, not fatal.
	Outputs []string `koanf:"outputs"`

	ErrorHandling ErrorPolicy `koanf:"error_handling"`

	cond *condExpr
	// hasPolicy records whether the pattern file declared error_handling
	// for this step. Steps without one defer to the pattern's category
	// policies before their defaulted policy applies.
	hasPolicy bool
}

// Pattern is a named, ordered workflow definition.
type Pattern struct {
	Name        string `koanf:"name"`
	Description string `koanf:"description"`
	Version     string `koanf:"version"`

	// AllowedInitiators restricts who may start sessions of this pattern.
	// Validate refuses patterns that leave it empty, so a pattern file
	// cannot ship open by omission.
	AllowedInitiators []string `koanf:"allowed_initiators"`

	// ErrorHandling maps error categories to policies for steps that do
	// not declare their own. Keys must be defined category names.
	ErrorHandling map[string]ErrorPolicy `koanf:"error_handling"`

	Steps []Step `koanf:"steps"`
}

const defaultStepTimeout = 5 * time.Minute

// Validate normalizes and checks a pattern, compiling step conditions.
// It must be called before the pattern is registered with the engine.
func (p *Pattern) Validate() error {
	if p.Name == "" {
		return errors.New("pattern: name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pattern %s: at least one step is required", p.Name)
	}
	if len(p.AllowedInitiators) == 0 {
		return fmt.Errorf("pattern %s: allowed_initiators cannot be empty", p.Name)
	}
	for cat, pol := range p.ErrorHandling {
		if !recovery.ValidCategory(cat) {
			return fmt.Errorf("pattern %s: unknown error category %q", p.Name, cat)
		}
		if err := validatePolicy(&pol, false); err != nil {
			return fmt.Errorf("pattern %s: error_handling %s: %w", p.Name, cat, err)
		}
		p.ErrorHandling[cat] = pol
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("pattern %s: step %d has no name", p.Name, i)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("pattern %s: duplicate step name %q", p.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
		if step.Agent == "" {
			return fmt.Errorf("pattern %s: step %q has no agent", p.Name, step.Name)
		}
		if step.Timeout <= 0 {
			step.Timeout = defaultStepTimeout
		}
		step.hasPolicy = step.ErrorHandling != (ErrorPolicy{})
		if err := validatePolicy(&step.ErrorHandling, step.Required); err != nil {
			return fmt.Errorf("pattern %s: step %q: %w", p.Name, step.Name, err)
		}
		if step.Condition != "" {
			cond, err := ParseCondition(step.Condition)
			if err != nil {
				return fmt.Errorf("pattern %s: step %q: invalid condition: %w", p.Name, step.Name, err)
			}
			step.cond = cond
		}
	}
	return nil
}

func validatePolicy(pol *ErrorPolicy, required bool) error {
	if pol.OnError == "" {
		pol.OnError = ErrorActionRetry
	}
	if pol.OnTimeout == "" {
		pol.OnTimeout = pol.OnError
	}
	if pol.Fallback == "" {
		pol.Fallback = FallbackManualIntervention
	}
	if pol.MaxRetries < 0 {
		return errors.New("max_retries cannot be negative")
	}
	switch pol.OnError {
	case ErrorActionRetry, ErrorActionNotifyOrchestrator, ErrorActionNotifyHuman:
	default:
		return fmt.Errorf("unknown on_error action %q", pol.OnError)
	}
	switch pol.OnTimeout {
	case ErrorActionRetry, ErrorActionNotifyOrchestrator, ErrorActionNotifyHuman:
	default:
		return fmt.Errorf("unknown on_timeout action %q", pol.OnTimeout)
	}
	switch pol.Fallback {
	case FallbackAbortWorkflow, FallbackManualIntervention, FallbackConservativeAssessment:
	case FallbackSkipStep:
		if required {
			return errors.New("required step cannot fall back to skip_step")
		}
	default:
		// Custom fallbacks are permitted; sessions reaching one park for
		// an operator.
	}
	return nil
}

// CategoryPolicy returns the pattern-level policy for an error category.
func (p *Pattern) CategoryPolicy(category string) (ErrorPolicy, bool) {
	pol, ok := p.ErrorHandling[category]
	return pol, ok
}

// InitiatorAllowed reports whether initiator may start this pattern.
// Validated patterns always carry at least one allowed initiator; the
// empty list only occurs on hand-built definitions and admits anyone.
func (p *Pattern) InitiatorAllowed(initiator string) bool {
	if len(p.AllowedInitiators) == 0 {
		return true
	}
	for _, allowed := range p.AllowedInitiators {
		if allowed == initiator {
			return true
		}
	}
	return false
}

// StepByName returns the index of a named step, or -1.
func (p *Pattern) StepByName(name string) int {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return i
		}
	}
	return -1
}
