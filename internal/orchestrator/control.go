package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/audit"
	"github.com/fyrsmithlabs/lendingd/internal/checkpoint"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
)

func (e *Engine) ConfirmStep(ctx context.Context, sessionID, userID string, approved bool) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "orchestrator.confirm_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.session_id", sessionID),
		attribute.Bool("workflow.approved", approved),
	)

	sess, err := e.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.status != StatusWaitingConfirmation {
		sess.mu.Unlock()
		return ErrNotAwaitingConfirmation
	}
	step := sess.currentStepLocked()
	if step == nil {
		sess.setStatusLocked(StatusStepInProgress, "")
		sess.mu.Unlock()
		e.startAdvance(sess)
		return nil
	}
	stepName := step.Name
	advance := false
	if approved {
		if res := sess.pending; res != nil {
			sess.pending = nil
			e.commitStepLocked(ctx, sess, step, *res)
		}
		sess.setStatusLocked(StatusStepInProgress, "confirmed by "+userID)
		advance = true
	} else {
		// A denial is a failure of the step's result; it runs through the
		// same policy as an execution error.
		sess.pending = nil
		denied := &recovery.ValidationError{
			Field:  "confirmation",
			Value:  stepName,
			Reason: "denied by " + userID,
		}
		attempt := sess.attempts
		if attempt == 0 {
			attempt = 1
		}
		agentID := sess.agentForLocked(sess.current)
		advance = e.handleStepFailureLocked(ctx, sess, step, agentID, denied, attempt, false, time.Now().UTC(), 0)
	}
	sess.mu.Unlock()

	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventDecision,
		UserID:     userID,
		Action:     "confirm_step",
		ResourceID: sessionID,
		Details:    map[string]any{"step": stepName, "approved": approved},
		Success:    approved,
	})
	e.logger.Info("confirmation resolved",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("step", stepName),
		zap.Bool("approved", approved),
	)

	if advance {
		e.startAdvance(sess)
	}
	return nil
}

func (e *Engine) Resume(ctx context.Context, sessionID, userID string, action ResumeAction, data map[string]any) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "orchestrator.resume")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.session_id", sessionID),
		attribute.String("workflow.resume_action", string(action)),
	)

	sess, err := e.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if !sess.status.parked() {
		sess.mu.Unlock()
		return ErrSessionNotParked
	}
	for k, v := range checkpoint.CloneContext(data) {
		sess.context[k] = v
	}

	advance := false
	switch action {
	case ResumeContinue:
		sess.setStatusLocked(StatusStepInProgress, "resumed by "+userID)
		advance = true
	case ResumeRetry:
		sess.attempts = 0
		sess.setStatusLocked(StatusRetrying, "retry requested by "+userID)
		advance = true
	case ResumeSkip:
		step := sess.currentStepLocked()
		if step == nil {
			sess.setStatusLocked(StatusStepInProgress, "resumed by "+userID)
			advance = true
			break
		}
		if step.Required {
			sess.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRequiredStep, step.Name)
		}
		sess.recordResultLocked(StepResult{
			Step:      step.Name,
			Outcome:   StepSkipped,
			Reason:    "skipped by " + userID,
			StartedAt: time.Now().UTC(),
		})
		sess.current++
		sess.attempts = 0
		sess.pending = nil
		sess.setStatusLocked(StatusStepInProgress, "resumed by "+userID)
		advance = true
	case ResumeAbort:
		e.abortLocked(ctx, sess, "aborted by "+userID, map[string]any{"action": "resume_abort"})
	default:
		sess.mu.Unlock()
		return fmt.Errorf("orchestrator: unknown resume action %q", action)
	}
	sess.mu.Unlock()

	details := map[string]any{}
	if len(data) > 0 {
		details["context_keys_merged"] = len(data)
	}
	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventDecision,
		UserID:     userID,
		Action:     "resume_" + string(action),
		ResourceID: sessionID,
		Details:    details,
		Success:    true,
	})

	if advance {
		e.startAdvance(sess)
	}
	return nil
}

func (e *Engine) HandleEvent(ctx context.Context, sessionID, event string, payload map[string]any) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "orchestrator.handle_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.session_id", sessionID),
		attribute.String("workflow.event", event),
	)

	if event == "" {
		return fmt.Errorf("orchestrator: event name is required")
	}
	sess, err := e.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	sess.events[event] = checkpoint.CloneContext(payload)
	resume := false
	if sess.status == StatusWaitingEvent {
		if step := sess.currentStepLocked(); step != nil && step.WaitForEvent == event {
			sess.setStatusLocked(StatusStepInProgress, "resumed by event "+event)
			resume = true
		}
	}
	sess.mu.Unlock()

	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventExternalEvent,
		Action:     event,
		ResourceID: sessionID,
		Details:    map[string]any{"resumed": resume},
		Success:    true,
	})
	e.logger.Debug("external event received",
		zap.String("session_id", sessionID),
		zap.String("event", event),
		zap.Bool("resumed", resume),
	)

	if resume {
		e.startAdvance(sess)
	}
	return nil
}

func (e *Engine) BroadcastEvent(ctx context.Context, event string, payload map[string]any) (int, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "orchestrator.broadcast_event")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.event", event))

	if event == "" {
		return 0, fmt.Errorf("orchestrator: event name is required")
	}

	e.mu.RLock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	matched := 0
	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.status != StatusWaitingEvent {
			sess.mu.Unlock()
			continue
		}
		step := sess.currentStepLocked()
		if step == nil || step.WaitForEvent != event {
			sess.mu.Unlock()
			continue
		}
		sess.events[event] = checkpoint.CloneContext(payload)
		sess.setStatusLocked(StatusStepInProgress, "resumed by event "+event)
		sess.mu.Unlock()
		matched++
		e.startAdvance(sess)
	}

	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:    audit.EventExternalEvent,
		Action:  event,
		Details: map[string]any{"broadcast": true, "matched": matched},
		Success: true,
	})
	e.logger.Debug("external event broadcast",
		zap.String("event", event),
		zap.Int("matched", matched),
	)
	return matched, nil
}

func (e *Engine) SendMessage(ctx context.Context, sessionID string, msg agent.Message) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "orchestrator.send_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.session_id", sessionID),
		attribute.String("workflow.recipient", msg.To),
	)

	if msg.To == "" {
		return fmt.Errorf("orchestrator: message recipient is required")
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
	sess, err := e.lookup(sessionID)
	if err != nil {
		return err
	}

	if msg.From == "" {
		msg.From = "orchestrator"
	}
	if msg.From != "orchestrator" {
		if _, ok := e.agents.Resolve(msg.From); !ok {
			return fmt.Errorf("%w: sender %s", ErrAgentNotRegistered, msg.From)
		}
	}
	if _, ok := e.agents.Resolve(msg.To); !ok {
		return fmt.Errorf("%w: recipient %s", ErrAgentNotRegistered, msg.To)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.SessionID = sessionID

	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	sess.recordMessageLocked(msg)
	sess.mu.Unlock()

	// Delivery faults (full mailbox, stopped consumer) are operational, not
	// caller errors; the message stays on the session log either way.
	deliverErr := e.agents.Deliver(ctx, msg)
	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventMessageSent,
		AgentID:    msg.From,
		Action:     "send_message",
		ResourceID: sessionID,
		Details:    map[string]any{"to": msg.To, "type": string(msg.Type), "message_id": msg.ID},
		Success:    deliverErr == nil,
	})
	if deliverErr != nil {
		e.logger.Warn("message delivery failed",
			zap.String("session_id", sessionID),
			zap.String("to", msg.To),
			zap.String("message_id", msg.ID),
			zap.Error(deliverErr),
		)
	}
	return nil
}

// The methods below are the recovery manager's session control surface.

// RetryCurrentStep re-runs the current step of a parked session with a
// fresh attempt budget.
func (e *Engine) RetryCurrentStep(ctx context.Context, sessionID string) error {
	return e.resumeForRecovery(ctx, sessionID, "retry", func(sess *session) error {
		sess.attempts = 0
		return nil
	})
}

// RestartSession rewinds a parked session to its first step, keeping
// accumulated context.
func (e *Engine) RestartSession(ctx context.Context, sessionID string) error {
	return e.resumeForRecovery(ctx, sessionID, "restart", func(sess *session) error {
		sess.current = 0
		sess.attempts = 0
		sess.pending = nil
		return nil
	})
}

// RevertToCheckpoint restores the last checkpoint of a parked session and
// resumes from it.
func (e *Engine) RevertToCheckpoint(ctx context.Context, sessionID string) error {
	if _, err := e.lookup(sessionID); err != nil {
		return err
	}
	cp, ok, err := e.checkpoints.Latest(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoCheckpoint
	}
	err = e.resumeForRecovery(ctx, sessionID, "revert", func(sess *session) error {
		sess.context = checkpoint.CloneContext(cp.Context)
		sess.current = cp.Step
		sess.attempts = 0
		sess.pending = nil
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("session reverted to checkpoint",
		zap.String("session_id", sessionID),
		zap.Int("step", cp.Step),
		zap.Time("taken_at", cp.TakenAt),
	)
	return nil
}

// AssignAlternateAgent rebinds the current step of a parked session to
// another capable agent and resumes.
func (e *Engine) AssignAlternateAgent(ctx context.Context, sessionID string) (string, error) {
	sess, err := e.lookup(sessionID)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	if !sess.status.parked() {
		sess.mu.Unlock()
		return "", ErrSessionNotParked
	}
	step := sess.currentStepLocked()
	if step == nil {
		sess.mu.Unlock()
		return "", ErrNoAlternateAgent
	}
	current := sess.agentForLocked(sess.current)
	alt, ok := e.agents.FindCapable(step.Name, current)
	if !ok {
		sess.mu.Unlock()
		return "", fmt.Errorf("%w: step %s", ErrNoAlternateAgent, step.Name)
	}
	sess.agentOverrides[sess.current] = alt.ID()
	sess.attempts = 0
	sess.setStatusLocked(StatusStepInProgress, "reassigned to "+alt.ID())
	stepName := step.Name
	sess.mu.Unlock()

	e.logger.Info("alternate agent assigned",
		zap.String("session_id", sessionID),
		zap.String("step", stepName),
		zap.String("previous_agent", current),
		zap.String("alternate_agent", alt.ID()),
	)
	e.startAdvance(sess)
	return alt.ID(), nil
}

// SuspendSession parks an active session for an operator. The advance loop
// notices the status change after the in-flight step attempt, whose result
// is dropped.
func (e *Engine) SuspendSession(ctx context.Context, sessionID, reason string) error {
	sess, err := e.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	sess.setStatusLocked(StatusAwaitingHuman, reason)
	sess.mu.Unlock()

	e.publish(ctx, sessionID, "suspended", map[string]any{
		"reason": reason, "status": string(StatusAwaitingHuman),
	})
	e.logger.Info("session suspended",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
	)
	return nil
}

// EscalateToOrchestrator messages the session's supervising agent at high
// priority and parks the session awaiting its instruction.
func (e *Engine) EscalateToOrchestrator(ctx context.Context, sessionID, reason string) error {
	sess, err := e.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	stepName := ""
	if step := sess.currentStepLocked(); step != nil {
		stepName = step.Name
	}
	e.notifyOrchestratorLocked(ctx, sess, stepName, reason)
	sess.setStatusLocked(StatusAwaitingOrchestrator, reason)
	sess.mu.Unlock()

	e.publish(ctx, sessionID, "suspended", map[string]any{
		"reason": reason, "status": string(StatusAwaitingOrchestrator),
	})
	e.logger.Info("session escalated to orchestrator",
		zap.String("session_id", sessionID),
		zap.String("step", stepName),
		zap.String("reason", reason),
	)
	return nil
}

// ApplyStepFallback applies the parked session's current step fallback as
// declared by its policy. It reports the fallback name and whether the
// session is moving again.
func (e *Engine) ApplyStepFallback(ctx context.Context, sessionID string) (string, bool, error) {
	sess, err := e.lookup(sessionID)
	if err != nil {
		return "", false, err
	}
	sess.mu.Lock()
	if !sess.status.parked() {
		sess.mu.Unlock()
		return "", false, ErrSessionNotParked
	}
	step := sess.currentStepLocked()
	if step == nil {
		sess.mu.Unlock()
		return "", false, fmt.Errorf("%w: no current step", ErrSessionNotActive)
	}
	pol := policyFor(sess, step, recovery.CategoryUnknown)
	cause := fmt.Errorf("recovery fallback requested: %s", sess.statusReason)
	agentID := sess.agentForLocked(sess.current)
	moving := e.applyFallbackLocked(ctx, sess, step, agentID, pol, cause, sess.attempts, time.Now().UTC(), 0)
	sess.mu.Unlock()

	if moving {
		e.startAdvance(sess)
	}
	return string(pol.Fallback), moving, nil
}

// SessionContext returns an isolated copy of a session's context for
// diagnostic capture.
func (e *Engine) SessionContext(ctx context.Context, sessionID string) (map[string]any, error) {
	sess, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.snapshot().Context, nil
}

// resumeForRecovery applies a mutation to a parked session and restarts
// its advance loop.
func (e *Engine) resumeForRecovery(ctx context.Context, sessionID, what string, mutate func(*session) error) error {
	sess, err := e.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if !sess.status.parked() {
		sess.mu.Unlock()
		return ErrSessionNotParked
	}
	if err := mutate(sess); err != nil {
		sess.mu.Unlock()
		return err
	}
	sess.setStatusLocked(StatusStepInProgress, "resumed by recovery ("+what+")")
	sess.mu.Unlock()

	e.logger.Info("session resumed by recovery",
		zap.String("session_id", sessionID),
		zap.String("strategy", what),
	)
	e.startAdvance(sess)
	return nil
}
