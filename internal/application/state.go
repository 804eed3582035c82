package application

import "fmt"

// State is the lifecycle position of a mortgage application. States are
// mutated only through validated transitions and never deleted; terminal
// states persist for audit.
type State string

const (
	StateInitiated             State = "initiated"
	StateDocumentCollection    State = "document_collection"
	StateDocumentValidation    State = "document_validation"
	StateDocumentAnalysis      State = "document_analysis"
	StateUnderwriting          State = "underwriting"
	StateComplianceCheck       State = "compliance_check"
	StateDecisionPending       State = "decision_pending"
	StateApproved              State = "approved"
	StateConditionallyApproved State = "conditionally_approved"
	StateDeclined              State = "declined"
	StateSuspended             State = "suspended"
	StateCompleted             State = "completed"
)

// States lists every state in lifecycle order.
func States() []State {
	return []State{
		StateInitiated,
		StateDocumentCollection,
		StateDocumentValidation,
		StateDocumentAnalysis,
		StateUnderwriting,
		StateComplianceCheck,
		StateDecisionPending,
		StateApproved,
		StateConditionallyApproved,
		StateDeclined,
		StateSuspended,
		StateCompleted,
	}
}

// ParseState maps a wire value onto a State.
func ParseState(s string) (State, error) {
	for _, state := range States() {
		if string(state) == s {
			return state, nil
		}
	}
	return "", fmt.Errorf("application: unknown state %q", s)
}

// CanTransitionTo reports whether next is a registered successor of s. The
// transition graph is fixed; there is no way to register additional edges at
// runtime.
func (s State) CanTransitionTo(next State) bool {
	for _, succ := range s.successors() {
		if succ == next {
			return true
		}
	}
	return false
}

func (s State) successors() []State {
	switch s {
	case StateInitiated:
		return []State{StateDocumentCollection}
	case StateDocumentCollection:
		return []State{StateDocumentValidation}
	case StateDocumentValidation:
		return []State{StateDocumentCollection, StateDocumentAnalysis}
	case StateDocumentAnalysis:
		return []State{StateDocumentValidation, StateUnderwriting}
	case StateUnderwriting:
		return []State{StateComplianceCheck}
	case StateComplianceCheck:
		return []State{StateUnderwriting, StateDecisionPending}
	case StateDecisionPending:
		return []State{StateApproved, StateConditionallyApproved, StateDeclined, StateSuspended}
	case StateApproved, StateConditionallyApproved, StateDeclined:
		return []State{StateCompleted}
	case StateSuspended:
		return []State{StateDocumentCollection, StateUnderwriting}
	default:
		return nil
	}
}

// Terminal reports whether the application accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted
}

// DecisionState reports whether s is one of the states a pending decision
// resolves to.
func (s State) DecisionState() bool {
	switch s {
	case StateApproved, StateConditionallyApproved, StateDeclined, StateSuspended:
		return true
	}
	return false
}

// Stage groups states into the coarse phases the routing layer and
// reporting care about.
type Stage string

const (
	StageIntake             Stage = "application_intake"
	StageDocumentProcessing Stage = "document_processing"
	StageUnderwriting       Stage = "underwriting"
	StageDecision           Stage = "decision"
	StagePostDecision       Stage = "post_decision"
)

// Stage returns the phase a state belongs to.
func (s State) Stage() Stage {
	switch s {
	case StateInitiated, StateDocumentCollection:
		return StageIntake
	case StateDocumentValidation, StateDocumentAnalysis:
		return StageDocumentProcessing
	case StateUnderwriting, StateComplianceCheck:
		return StageUnderwriting
	case StateDecisionPending:
		return StageDecision
	default:
		return StagePostDecision
	}
}
