package recovery

import (
	"errors"
	"fmt"
)

// Category buckets an error for strategy selection.
type Category string

const (
	CategoryValidation         Category = "validation"
	CategoryDocumentProcessing Category = "document_processing"
	CategoryAgentFailure       Category = "agent_failure"
	CategoryCommunication      Category = "communication"
	CategorySecurity           Category = "security"
	CategorySystem             Category = "system"
	CategoryIntegration        Category = "integration"
	CategoryData               Category = "data"
	CategoryUnknown            Category = "unknown"
)

// Categories lists every defined category. The order is the one reports use.
func Categories() []Category {
	return []Category{
		CategoryValidation,
		CategoryDocumentProcessing,
		CategoryAgentFailure,
		CategoryCommunication,
		CategorySecurity,
		CategorySystem,
		CategoryIntegration,
		CategoryData,
		CategoryUnknown,
	}
}

// ValidCategory reports whether name is a defined category string.
func ValidCategory(name string) bool {
	for _, c := range Categories() {
		if string(c) == name {
			return true
		}
	}
	return false
}

// Severity ranks how disruptive an error is to a running workflow.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidationError reports input or document data that failed a business
// rule. Value must already be sanitized by the caller; it is rendered into
// logs and audit details.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q: %s", e.Field, e.Reason)
}

// DocumentProcessingError reports a document that could not be parsed,
// classified, or extracted from.
type DocumentProcessingError struct {
	DocumentID string
	Kind       string
	Reason     string
	Cause      error
}

func (e *DocumentProcessingError) Error() string {
	return fmt.Sprintf("document %s (%s) processing failed: %s", e.DocumentID, e.Kind, e.Reason)
}

func (e *DocumentProcessingError) Unwrap() error { return e.Cause }

// AgentFailureError reports an agent that could not complete a step,
// including timeouts. Attempts counts executions so far, the failing one
// included.
type AgentFailureError struct {
	AgentID  string
	Step     string
	Attempts int
	Cause    error
}

func (e *AgentFailureError) Error() string {
	return fmt.Sprintf("agent %s failed step %q (attempt %d): %v", e.AgentID, e.Step, e.Attempts, e.Cause)
}

func (e *AgentFailureError) Unwrap() error { return e.Cause }

// CommunicationError reports a message that could not be delivered between
// agents or between the orchestrator and an agent.
type CommunicationError struct {
	From   string
	To     string
	Reason string
	Cause  error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("message from %s to %s undeliverable: %s", e.From, e.To, e.Reason)
}

func (e *CommunicationError) Unwrap() error { return e.Cause }

// SystemError reports an infrastructure fault (storage, event bus, config).
type SystemError struct {
	Component string
	Cause     error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system failure in %s: %v", e.Component, e.Cause)
}

func (e *SystemError) Unwrap() error { return e.Cause }

// SecurityError reports an authorization or credential-exposure incident.
// It always escalates; no automated strategy retries it.
type SecurityError struct {
	UserID string
	Action string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation by %s during %s: %s", e.UserID, e.Action, e.Reason)
}

// IntegrationError reports a downstream service (credit bureau, core banking,
// document storage) that answered with a fault or not at all.
type IntegrationError struct {
	Service string
	Op      string
	Cause   error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("integration %s failed during %s: %v", e.Service, e.Op, e.Cause)
}

func (e *IntegrationError) Unwrap() error { return e.Cause }

// DataError reports stored state that is internally inconsistent, for
// example a checkpoint referencing a step the pattern no longer has.
type DataError struct {
	Entity string
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("inconsistent data for %s: %s", e.Entity, e.Reason)
}

// Classify maps an error to its category and severity. Unrecognized errors
// land in CategoryUnknown at medium severity so they still get a
// conservative recovery plan.
func Classify(err error) (Category, Severity) {
	var (
		validation    *ValidationError
		document      *DocumentProcessingError
		agentFailure  *AgentFailureError
		communication *CommunicationError
		security      *SecurityError
		system        *SystemError
		integration   *IntegrationError
		data          *DataError
	)
	switch {
	case errors.As(err, &security):
		return CategorySecurity, SeverityCritical
	case errors.As(err, &system):
		return CategorySystem, SeverityCritical
	case errors.As(err, &data):
		return CategoryData, SeverityHigh
	case errors.As(err, &agentFailure):
		return CategoryAgentFailure, SeverityHigh
	case errors.As(err, &document):
		return CategoryDocumentProcessing, SeverityMedium
	case errors.As(err, &integration):
		return CategoryIntegration, SeverityMedium
	case errors.As(err, &communication):
		return CategoryCommunication, SeverityMedium
	case errors.As(err, &validation):
		return CategoryValidation, SeverityMedium
	default:
		return CategoryUnknown, SeverityMedium
	}
}

// errorKind names the taxonomy type of err for record keeping. Wrapped
// errors resolve to the outermost taxonomy type.
func errorKind(err error) string {
	var (
		validation    *ValidationError
		document      *DocumentProcessingError
		agentFailure  *AgentFailureError
		communication *CommunicationError
		security      *SecurityError
		system        *SystemError
		integration   *IntegrationError
		data          *DataError
	)
	switch {
	case errors.As(err, &security):
		return "SecurityError"
	case errors.As(err, &system):
		return "SystemError"
	case errors.As(err, &data):
		return "DataError"
	case errors.As(err, &agentFailure):
		return "AgentFailureError"
	case errors.As(err, &document):
		return "DocumentProcessingError"
	case errors.As(err, &integration):
		return "IntegrationError"
	case errors.As(err, &communication):
		return "CommunicationError"
	case errors.As(err, &validation):
		return "ValidationError"
	default:
		return "error"
	}
}
