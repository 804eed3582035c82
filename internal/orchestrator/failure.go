package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/audit"
	"github.com/fyrsmithlabs/lendingd/internal/checkpoint"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
)

// wrapStepError normalizes an execution failure into the error taxonomy.
// Errors already carrying a taxonomy type pass through so classification
// sees the agent's own diagnosis; everything else, timeouts included,
// becomes an AgentFailureError.
func wrapStepError(agentID, step string, attempt int, cause error, timedOut bool) error {
	if timedOut {
		return &recovery.AgentFailureError{
			AgentID:  agentID,
			Step:     step,
			Attempts: attempt,
			Cause:    context.DeadlineExceeded,
		}
	}
	var (
		validation    *recovery.ValidationError
		document      *recovery.DocumentProcessingError
		communication *recovery.CommunicationError
		security      *recovery.SecurityError
		system        *recovery.SystemError
		integration   *recovery.IntegrationError
		data          *recovery.DataError
		agentFailure  *recovery.AgentFailureError
	)
	if errors.As(cause, &validation) || errors.As(cause, &document) ||
		errors.As(cause, &communication) || errors.As(cause, &security) ||
		errors.As(cause, &system) || errors.As(cause, &integration) ||
		errors.As(cause, &data) || errors.As(cause, &agentFailure) {
		return cause
	}
	return &recovery.AgentFailureError{
		AgentID:  agentID,
		Step:     step,
		Attempts: attempt,
		Cause:    cause,
	}
}

// policyFor resolves the error policy for a failed step: the step's own
// declared policy wins, then the pattern's policy for the error category,
// then the step's defaulted policy.
func policyFor(sess *session, step *Step, category recovery.Category) ErrorPolicy {
	if step.hasPolicy {
		return step.ErrorHandling
	}
	if pol, ok := sess.pattern.CategoryPolicy(string(category)); ok {
		return pol
	}
	return step.ErrorHandling
}

// handleStepFailureLocked drives a failed attempt through the resolved
// error policy. It returns true when the advance loop should keep going
// (retry, skip, conservative) and false when the session parked or ended.
// Callers must hold sess.mu.
func (e *Engine) handleStepFailureLocked(ctx context.Context, sess *session, step *Step, agentID string, cause error, attempt int, timedOut bool, started time.Time, duration time.Duration) bool {
	err := wrapStepError(agentID, step.Name, attempt, cause, timedOut)
	category, severity := recovery.Classify(err)

	e.logger.Error("step execution failed",
		zap.String("session_id", sess.id),
		zap.String("step", step.Name),
		zap.String("agent_id", agentID),
		zap.Int("attempt", attempt),
		zap.String("category", string(category)),
		zap.String("severity", string(severity)),
		zap.Bool("timed_out", timedOut),
		zap.Error(err),
	)
	e.stepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventStepFailed,
		AgentID:    agentID,
		Action:     step.Name,
		ResourceID: sess.id,
		Details: map[string]any{
			"attempt":  attempt,
			"category": string(category),
			"severity": string(severity),
			"timeout":  timedOut,
			"error":    err.Error(),
		},
		Success: false,
	})

	pol := policyFor(sess, step, category)

	// Security violations bypass step policy entirely: no retry may ever
	// re-run the offending call.
	if category == recovery.CategorySecurity {
		e.escalate(ctx, sess, step, err, pol.MaxRetries)
		sess.recordResultLocked(failedResult(step.Name, agentID, attempt, err, started, duration))
		reason := "security violation during step " + step.Name
		e.notifyOrchestratorLocked(ctx, sess, step.Name, reason)
		sess.setStatusLocked(StatusAwaitingOrchestrator, reason)
		e.publish(ctx, sess.id, "suspended", map[string]any{
			"step": step.Name, "reason": "security", "status": string(StatusAwaitingOrchestrator),
		})
		return false
	}

	action := pol.OnError
	if timedOut {
		action = pol.OnTimeout
	}

	switch action {
	case ErrorActionRetry:
		if attempt <= pol.MaxRetries {
			e.logger.Info("retrying step",
				zap.String("session_id", sess.id),
				zap.String("step", step.Name),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", pol.MaxRetries),
			)
			e.stepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "retried")))
			sess.setStatusLocked(StatusRetrying, fmt.Sprintf("retrying %s after attempt %d", step.Name, attempt))
			return true
		}
	case ErrorActionNotifyOrchestrator:
		e.escalate(ctx, sess, step, err, pol.MaxRetries)
		sess.recordResultLocked(failedResult(step.Name, agentID, attempt, err, started, duration))
		reason := "orchestrator instruction requested for step " + step.Name
		e.notifyOrchestratorLocked(ctx, sess, step.Name, reason)
		sess.setStatusLocked(StatusAwaitingOrchestrator, reason)
		e.publish(ctx, sess.id, "suspended", map[string]any{
			"step": step.Name, "reason": "notify_orchestrator", "status": string(StatusAwaitingOrchestrator),
		})
		return false
	case ErrorActionNotifyHuman:
		e.escalate(ctx, sess, step, err, pol.MaxRetries)
		sess.recordResultLocked(failedResult(step.Name, agentID, attempt, err, started, duration))
		sess.setStatusLocked(StatusAwaitingHuman, "human intervention requested for step "+step.Name)
		e.publish(ctx, sess.id, "suspended", map[string]any{
			"step": step.Name, "reason": "notify_human", "status": string(StatusAwaitingHuman),
		})
		return false
	}

	return e.applyFallbackLocked(ctx, sess, step, agentID, pol, err, attempt, started, duration)
}

// applyFallbackLocked runs the policy's terminal failure action once
// retries are exhausted. Callers must hold sess.mu.
func (e *Engine) applyFallbackLocked(ctx context.Context, sess *session, step *Step, agentID string, pol ErrorPolicy, err error, attempt int, started time.Time, duration time.Duration) bool {
	fallback := pol.Fallback
	if fallback == FallbackSkipStep && step.Required {
		// Pattern-level category policies may carry a skip onto a required
		// step; required steps never skip.
		e.logger.Warn("skip fallback refused for required step",
			zap.String("session_id", sess.id),
			zap.String("step", step.Name),
		)
		fallback = FallbackManualIntervention
	}

	switch fallback {
	case FallbackAbortWorkflow:
		sess.recordResultLocked(failedResult(step.Name, agentID, attempt, err, started, duration))
		_, _ = e.auditor.LogEvent(ctx, audit.Event{
			Type:       audit.EventSessionCompleted,
			UserID:     sess.initiator,
			Action:     "abort_session",
			ResourceID: sess.id,
			Details:    map[string]any{"pattern": sess.pattern.Name, "failed_step": step.Name},
			Success:    false,
		})
		e.abortLocked(ctx, sess, fmt.Sprintf("step %s failed: %v", step.Name, err),
			map[string]any{"step": step.Name, "cause": "step_failure"})
		return false

	case FallbackSkipStep:
		res := failedResult(step.Name, agentID, attempt, err, started, duration)
		res.Outcome = StepSkipped
		res.Reason = "retries exhausted, step skipped"
		sess.recordResultLocked(res)
		e.logger.Warn("skipping failed step",
			zap.String("session_id", sess.id),
			zap.String("step", step.Name),
		)
		sess.current++
		sess.attempts = 0
		sess.setStatusLocked(StatusStepInProgress, "")
		return true

	case FallbackConservativeAssessment:
		outputs := conservativeOutputs(step)
		for k, v := range outputs {
			sess.context[k] = v
		}
		sess.context["requires_manual_review"] = true
		res := failedResult(step.Name, agentID, attempt, err, started, duration)
		res.Outcome = StepConservative
		res.Outputs = outputs
		res.Reason = "conservative assessment substituted after failure"
		sess.recordResultLocked(res)
		e.stepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "conservative")))
		_, _ = e.auditor.LogEvent(ctx, audit.Event{
			Type:       audit.EventStepCompleted,
			AgentID:    agentID,
			Action:     step.Name,
			ResourceID: sess.id,
			Details:    map[string]any{"conservative": true, "error": err.Error()},
			Success:    true,
		})
		sess.current++
		sess.attempts = 0
		sess.setStatusLocked(StatusStepInProgress, "")
		return true

	case FallbackManualIntervention:
		e.escalate(ctx, sess, step, err, pol.MaxRetries)
		sess.recordResultLocked(failedResult(step.Name, agentID, attempt, err, started, duration))
		sess.setStatusLocked(StatusAwaitingHuman, "manual intervention required for step "+step.Name)
		e.publish(ctx, sess.id, "suspended", map[string]any{
			"step": step.Name, "reason": "manual_intervention", "status": string(StatusAwaitingHuman),
		})
		return false

	default:
		// A custom fallback names a procedure only an operator knows how
		// to run; park the session under that name.
		e.escalate(ctx, sess, step, err, pol.MaxRetries)
		sess.recordResultLocked(failedResult(step.Name, agentID, attempt, err, started, duration))
		reason := fmt.Sprintf("fallback %s requires an operator for step %s", fallback, step.Name)
		sess.setStatusLocked(StatusAwaitingHuman, reason)
		e.publish(ctx, sess.id, "suspended", map[string]any{
			"step": step.Name, "reason": string(fallback), "status": string(StatusAwaitingHuman),
		})
		return false
	}
}

// escalate opens a recovery record for a failure the step policy could not
// absorb, attaching the loan application, a context snapshot, and the
// step's declared retry bound so the manager never retries past it.
// Repeated escalations for the same step are the manager's problem to
// deduplicate, not ours. Callers must hold sess.mu.
func (e *Engine) escalate(ctx context.Context, sess *session, step *Step, err error, retryBudget int) {
	if e.escalator == nil {
		e.logger.Warn("no failure escalator configured",
			zap.String("session_id", sess.id),
			zap.String("step", step.Name),
		)
		return
	}
	opts := []recovery.HandleOption{
		recovery.WithContext(checkpoint.CloneContext(sess.context)),
		recovery.WithRetryBudget(retryBudget),
	}
	if appID, ok := sess.context["application_id"].(string); ok && appID != "" {
		opts = append(opts, recovery.WithApplicationID(appID))
	}
	rec, escErr := e.escalator.HandleError(ctx, sess.id, step.Name, err, opts...)
	if escErr != nil {
		e.logger.Error("failure escalation failed",
			zap.String("session_id", sess.id),
			zap.String("step", step.Name),
			zap.Error(escErr),
		)
		return
	}
	e.logger.Info("recovery record opened",
		zap.String("session_id", sess.id),
		zap.String("step", step.Name),
		zap.String("record_id", rec.ID),
	)
}

// notifyOrchestratorLocked sends a high-priority escalation message to the
// session's initiating agent and records it on the session message log.
// Delivery failures are logged; the escalation stands regardless. Callers
// must hold sess.mu.
func (e *Engine) notifyOrchestratorLocked(ctx context.Context, sess *session, stepName, reason string) {
	msg := agent.Message{
		ID:        uuid.NewString(),
		Type:      agent.MessageError,
		From:      "orchestrator",
		To:        sess.initiator,
		Priority:  agent.PriorityHigh,
		SessionID: sess.id,
		Content: map[string]any{
			"step":   stepName,
			"reason": reason,
		},
		Timestamp: time.Now().UTC(),
	}
	sess.recordMessageLocked(msg)
	if err := e.agents.Deliver(ctx, msg); err != nil {
		e.logger.Warn("escalation message delivery failed",
			zap.String("session_id", sess.id),
			zap.String("to", msg.To),
			zap.Error(err),
		)
	}
	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventMessageSent,
		AgentID:    msg.From,
		Action:     "escalate",
		ResourceID: sess.id,
		Details:    map[string]any{"to": msg.To, "step": stepName, "reason": reason},
		Success:    true,
	})
}

func failedResult(step, agentID string, attempt int, err error, started time.Time, duration time.Duration) StepResult {
	return StepResult{
		Step:      step,
		Agent:     agentID,
		Outcome:   StepFailed,
		Attempts:  attempt,
		Error:     err.Error(),
		StartedAt: started,
		Duration:  duration,
	}
}

// conservativeOutputs fills a step's declared outputs with a marker value
// downstream steps and reviewers treat as unresolved.
func conservativeOutputs(step *Step) map[string]any {
	outputs := make(map[string]any, len(step.Outputs))
	for _, key := range step.Outputs {
		outputs[key] = "manual_review_required"
	}
	return outputs
}
