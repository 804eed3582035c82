// Package orchestrator coordinates multi-agent workflow sessions: it loads
// collaboration patterns, assigns steps to registered agents, enforces step
// timeouts and confirmation gates, and drives failed steps through the
// error-handling policy attached to the step or its pattern.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/audit"
	"github.com/fyrsmithlabs/lendingd/internal/checkpoint"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
)

const instrumentationName = "github.com/fyrsmithlabs/lendingd/internal/orchestrator"

var (
	ErrUnknownPattern          = errors.New("orchestrator: unknown pattern")
	ErrUnauthorizedInitiator   = errors.New("orchestrator: initiator not allowed for pattern")
	ErrSessionNotFound         = errors.New("orchestrator: session not found")
	ErrNotAwaitingConfirmation = errors.New("orchestrator: session is not awaiting confirmation")
	ErrSessionNotParked        = errors.New("orchestrator: session is not awaiting intervention")
	ErrSessionNotActive        = errors.New("orchestrator: session is no longer active")
	ErrRequiredStep            = errors.New("orchestrator: required step cannot be skipped")
	ErrNoCheckpoint            = errors.New("orchestrator: no checkpoint available")
	ErrNoAlternateAgent        = errors.New("orchestrator: no alternate agent available")
	ErrAgentNotRegistered      = errors.New("orchestrator: agent not registered")
	ErrUnknownMessageType      = errors.New("orchestrator: unknown message type")
	ErrTooManySessions         = errors.New("orchestrator: session limit reached")
	ErrClosed                  = errors.New("orchestrator: engine closed")
)

// AgentDirectory is the registry surface the engine needs.
type AgentDirectory interface {
	Resolve(id string) (agent.Agent, bool)
	FindCapable(step string, exclude ...string) (agent.Agent, bool)
	Deliver(ctx context.Context, msg agent.Message) error
}

// EventPublisher mirrors session lifecycle onto the event bus. A nil
// publisher disables publication.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, sessionID, event string, payload map[string]any) error
}

// FailureEscalator opens recovery records for failures the step policy
// cannot absorb. A nil escalator only logs.
type FailureEscalator interface {
	HandleError(ctx context.Context, sessionID, step string, err error, opts ...recovery.HandleOption) (*recovery.Record, error)
}

// ResumeAction is what an operator or the supervising agent asks a parked
// session to do.
type ResumeAction string

const (
	ResumeContinue ResumeAction = "continue"
	ResumeRetry    ResumeAction = "retry"
	ResumeSkip     ResumeAction = "skip"
	ResumeAbort    ResumeAction = "abort"
)

// Config holds engine settings.
type Config struct {
	// MaxConcurrentSessions bounds non-terminal sessions; CreateSession
	// fails once reached.
	MaxConcurrentSessions int `koanf:"max_concurrent_sessions"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{MaxConcurrentSessions: 256}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if c.MaxConcurrentSessions <= 0 {
		return errors.New("orchestrator: max_concurrent_sessions must be positive")
	}
	return nil
}

// PatternSummary is the read-only listing view of a loaded pattern.
type PatternSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Steps       []string `json:"steps"`
}

// Service is the workflow engine as seen by transports and the CLI.
type Service interface {
	// CreateSession starts a new workflow session and begins executing it.
	CreateSession(ctx context.Context, patternName, initiator string, initial map[string]any) (SessionSnapshot, error)
	// GetSession returns a point-in-time view of one session.
	GetSession(ctx context.Context, sessionID string) (SessionSnapshot, error)
	// ListSessions returns sessions, optionally filtered by status.
	ListSessions(ctx context.Context, status SessionStatus) ([]SessionSnapshot, error)
	// ConfirmStep resolves a confirmation gate holding an executed step's
	// result. Approval commits the step; denial raises a synthetic failure
	// that re-enters the step's error-handling policy.
	ConfirmStep(ctx context.Context, sessionID, userID string, approved bool) error
	// Resume acts on a session awaiting orchestrator instruction or human
	// intervention. Data, when present, is merged into session context
	// before the action applies.
	Resume(ctx context.Context, sessionID, userID string, action ResumeAction, data map[string]any) error
	// HandleEvent delivers an external event to one session. Events arriving
	// before their step are buffered until the step consumes them.
	HandleEvent(ctx context.Context, sessionID, event string, payload map[string]any) error
	// BroadcastEvent wakes every session whose current step waits for the
	// named event and reports how many matched.
	BroadcastEvent(ctx context.Context, event string, payload map[string]any) (int, error)
	// SendMessage validates, records and delivers a message between agents
	// on behalf of a session. Delivery failures are logged, not returned.
	SendMessage(ctx context.Context, sessionID string, msg agent.Message) error
	// ReloadPatterns swaps the pattern set. Running sessions keep the
	// definition they started with.
	ReloadPatterns(patterns []*Pattern)
	// Patterns lists the currently loaded pattern set.
	Patterns() []PatternSummary
	Close() error
}

// Engine implements Service and, for the recovery manager, the session
// control strategies (retry, restart, revert, alternate agent, fallback,
// escalate, suspend).
type Engine struct {
	config      *Config
	logger      *zap.Logger
	agents      AgentDirectory
	auditor     audit.Service
	checkpoints checkpoint.Store
	escalator   FailureEscalator
	publisher   EventPublisher

	mu       sync.RWMutex
	patterns map[string]*Pattern
	sessions map[string]*session
	closed   atomic.Bool
	wg       sync.WaitGroup

	sessionsTotal metric.Int64Counter
	stepsTotal    metric.Int64Counter
}

var (
	_ Service                    = (*Engine)(nil)
	_ recovery.SessionController = (*Engine)(nil)
)

// NewEngine builds the workflow engine. Agents and auditor are required.
// A nil checkpoint store gets an in-memory one; escalator and publisher may
// be nil.
func NewEngine(cfg *Config, agents AgentDirectory, auditor audit.Service, checkpoints checkpoint.Store, escalator FailureEscalator, publisher EventPublisher, logger *zap.Logger) (*Engine, error) {
	if agents == nil {
		return nil, errors.New("orchestrator: agent directory is required")
	}
	if auditor == nil {
		return nil, errors.New("orchestrator: audit service is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if checkpoints == nil {
		checkpoints = checkpoint.NewMemoryStore(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		config:      cfg,
		logger:      logger,
		agents:      agents,
		auditor:     auditor,
		checkpoints: checkpoints,
		escalator:   escalator,
		publisher:   publisher,
		patterns:    make(map[string]*Pattern),
		sessions:    make(map[string]*session),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	e.sessionsTotal, err = meter.Int64Counter("lendingd.orchestrator.sessions_total",
		metric.WithDescription("Session lifecycle events"))
	if err != nil {
		return nil, fmt.Errorf("init orchestrator metrics: %w", err)
	}
	e.stepsTotal, err = meter.Int64Counter("lendingd.orchestrator.steps_total",
		metric.WithDescription("Step execution outcomes"))
	if err != nil {
		return nil, fmt.Errorf("init orchestrator metrics: %w", err)
	}
	return e, nil
}

// ReloadPatterns swaps the active pattern set atomically.
func (e *Engine) ReloadPatterns(patterns []*Pattern) {
	next := make(map[string]*Pattern, len(patterns))
	for _, p := range patterns {
		next[p.Name] = p
	}
	e.mu.Lock()
	e.patterns = next
	e.mu.Unlock()
	e.logger.Info("patterns reloaded", zap.Int("count", len(next)))
}

func (e *Engine) Patterns() []PatternSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PatternSummary, 0, len(e.patterns))
	for _, p := range e.patterns {
		steps := make([]string, len(p.Steps))
		for i := range p.Steps {
			steps[i] = p.Steps[i].Name
		}
		out = append(out, PatternSummary{
			Name:        p.Name,
			Description: p.Description,
			Version:     p.Version,
			Steps:       steps,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) CreateSession(ctx context.Context, patternName, initiator string, initial map[string]any) (SessionSnapshot, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "orchestrator.create_session")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.pattern", patternName))

	if initiator == "" {
		return SessionSnapshot{}, errors.New("orchestrator: initiator is required")
	}

	if e.closed.Load() {
		return SessionSnapshot{}, ErrClosed
	}

	e.mu.Lock()
	p, ok := e.patterns[patternName]
	if !ok {
		e.mu.Unlock()
		span.SetStatus(codes.Error, "unknown pattern")
		return SessionSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownPattern, patternName)
	}
	if !p.InitiatorAllowed(initiator) {
		e.mu.Unlock()
		span.SetStatus(codes.Error, "unauthorized initiator")
		_, _ = e.auditor.LogSecurityEvent(ctx, initiator, "create_session",
			map[string]any{"pattern": patternName, "reason": "initiator not allowed"}, false)
		return SessionSnapshot{}, fmt.Errorf("%w: %s", ErrUnauthorizedInitiator, initiator)
	}
	active := 0
	for _, s := range e.sessions {
		if !s.snapshot().Status.Terminal() {
			active++
		}
	}
	if active >= e.config.MaxConcurrentSessions {
		e.mu.Unlock()
		span.SetStatus(codes.Error, "session limit")
		return SessionSnapshot{}, ErrTooManySessions
	}

	sess := newSession(uuid.NewString(), p, initiator, initial)
	e.sessions[sess.id] = sess
	e.mu.Unlock()

	span.SetAttributes(attribute.String("workflow.session_id", sess.id))
	e.sessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "created")))
	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventSessionCreated,
		UserID:     initiator,
		Action:     "create_session",
		ResourceID: sess.id,
		Details:    map[string]any{"pattern": patternName},
		Success:    true,
	})
	e.publish(ctx, sess.id, "created", map[string]any{"pattern": patternName, "initiator": initiator})
	e.logger.Info("session created",
		zap.String("session_id", sess.id),
		zap.String("pattern", patternName),
		zap.String("initiator", initiator),
	)

	e.startAdvance(sess)
	return sess.snapshot(), nil
}

func (e *Engine) GetSession(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	sess, err := e.lookup(sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return sess.snapshot(), nil
}

func (e *Engine) ListSessions(ctx context.Context, status SessionStatus) ([]SessionSnapshot, error) {
	e.mu.RLock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		snap := s.snapshot()
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close stops accepting work and waits for in-flight step executions to
// settle. Step timeouts bound the wait.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.wg.Wait()
	return nil
}

func (e *Engine) isClosed() bool {
	return e.closed.Load()
}

func (e *Engine) lookup(sessionID string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// startAdvance schedules the session's step loop. At most one loop runs per
// session; redundant schedules exit immediately.
func (e *Engine) startAdvance(sess *session) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.advance(sess)
	}()
}

// advance executes steps sequentially until the session parks on a gate,
// awaits intervention, aborts or completes. The session lock is released
// around agent execution so status queries and control operations stay
// responsive.
func (e *Engine) advance(sess *session) {
	ctx := context.Background()

	sess.mu.Lock()
	if sess.advancing {
		sess.mu.Unlock()
		return
	}
	sess.advancing = true

	for {
		if e.isClosed() || !sess.status.runnable() {
			break
		}
		step := sess.currentStepLocked()
		if step == nil {
			e.completeLocked(ctx, sess)
			break
		}

		if step.cond != nil {
			pass, err := step.cond.Eval(sess.context)
			if err != nil {
				e.logger.Warn("condition evaluation failed",
					zap.String("session_id", sess.id),
					zap.String("step", step.Name),
					zap.Error(err),
				)
				pass = false
			}
			if !pass {
				if step.Required {
					// Only optional steps may be skipped; a required step
					// runs regardless of its condition.
					e.logger.Debug("condition not met on required step, executing anyway",
						zap.String("session_id", sess.id),
						zap.String("step", step.Name),
					)
				} else {
					sess.recordResultLocked(StepResult{
						Step:      step.Name,
						Outcome:   StepSkipped,
						Reason:    "condition not met",
						StartedAt: time.Now().UTC(),
					})
					e.stepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "skipped")))
					e.logger.Debug("step skipped by condition",
						zap.String("session_id", sess.id),
						zap.String("step", step.Name),
					)
					sess.current++
					sess.attempts = 0
					continue
				}
			}
		}

		if step.WaitForEvent != "" {
			payload, arrived := sess.events[step.WaitForEvent]
			if !arrived {
				sess.setStatusLocked(StatusWaitingEvent, "waiting for event "+step.WaitForEvent)
				e.publish(ctx, sess.id, "waiting_event", map[string]any{
					"step": step.Name, "event": step.WaitForEvent,
				})
				break
			}
			delete(sess.events, step.WaitForEvent)
			for k, v := range payload {
				sess.context[k] = v
			}
		}

		sess.setStatusLocked(StatusStepInProgress, "executing "+step.Name)

		inputs := make(map[string]any, len(step.Inputs))
		for _, key := range step.Inputs {
			v, ok := sess.context[key]
			if !ok {
				e.logger.Warn("step input missing from context",
					zap.String("session_id", sess.id),
					zap.String("step", step.Name),
					zap.String("input", key),
				)
				continue
			}
			inputs[key] = v
		}
		inputs = checkpoint.CloneContext(inputs)

		agentID := sess.agentForLocked(sess.current)
		sess.attempts++
		attempt := sess.attempts
		started := time.Now().UTC()

		ag, ok := e.agents.Resolve(agentID)
		if !ok {
			// A step bound to an unregistered agent is a pattern
			// configuration fault; retrying cannot fix it.
			err := fmt.Errorf("%w: %s", ErrAgentNotRegistered, agentID)
			sess.recordResultLocked(StepResult{
				Step:      step.Name,
				Agent:     agentID,
				Outcome:   StepFailed,
				Attempts:  attempt,
				Error:     err.Error(),
				Reason:    "agent not registered",
				StartedAt: started,
			})
			e.stepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
			_, _ = e.auditor.LogEvent(ctx, audit.Event{
				Type:       audit.EventStepFailed,
				AgentID:    agentID,
				Action:     step.Name,
				ResourceID: sess.id,
				Details:    map[string]any{"error": err.Error(), "fatal": true},
				Success:    false,
			})
			e.logger.Error("step agent not registered, aborting session",
				zap.String("session_id", sess.id),
				zap.String("step", step.Name),
				zap.String("agent", agentID),
			)
			e.abortLocked(ctx, sess, "agent "+agentID+" is not registered", map[string]any{"step": step.Name})
			break
		}

		sess.mu.Unlock()
		outputs, timedOut, execErr := e.invokeAgent(ag, step, inputs)
		duration := time.Since(started)
		sess.mu.Lock()

		if sess.status != StatusStepInProgress {
			// The session was aborted or redirected while the agent ran;
			// its result no longer applies.
			e.logger.Info("discarding step result for redirected session",
				zap.String("session_id", sess.id),
				zap.String("step", step.Name),
				zap.String("status", string(sess.status)),
			)
			break
		}

		if execErr != nil {
			if !e.handleStepFailureLocked(ctx, sess, step, agentID, execErr, attempt, timedOut, started, duration) {
				break
			}
			continue
		}

		for k, v := range outputs {
			sess.context[k] = v
		}
		for _, out := range step.Outputs {
			if _, produced := outputs[out]; !produced {
				e.logger.Warn("declared step output missing",
					zap.String("session_id", sess.id),
					zap.String("step", step.Name),
					zap.String("output", out),
				)
			}
		}
		res := StepResult{
			Step:      step.Name,
			Agent:     agentID,
			Outcome:   StepCompleted,
			Attempts:  attempt,
			Outputs:   outputs,
			StartedAt: started,
			Duration:  duration,
		}

		if step.RequiresConfirmation {
			// Hold the executed result until a human approves committing
			// it; denial re-enters failure handling.
			sess.pending = &res
			sess.setStatusLocked(StatusWaitingConfirmation, "step "+step.Name+" awaiting confirmation")
			e.publish(ctx, sess.id, "waiting_confirmation", map[string]any{
				"step": step.Name, "agent": agentID,
			})
			break
		}

		e.commitStepLocked(ctx, sess, step, res)
	}

	sess.advancing = false
	sess.mu.Unlock()
}

// commitStepLocked records a completed step, checkpoints the session and
// moves it to the next step. Callers must hold sess.mu.
func (e *Engine) commitStepLocked(ctx context.Context, sess *session, step *Step, res StepResult) {
	sess.recordResultLocked(res)
	e.stepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "completed")))
	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventStepCompleted,
		AgentID:    res.Agent,
		Action:     step.Name,
		ResourceID: sess.id,
		Details:    map[string]any{"attempt": res.Attempts, "duration_ms": res.Duration.Milliseconds()},
		Success:    true,
	})
	if err := e.checkpoints.Save(ctx, checkpoint.Checkpoint{
		SessionID: sess.id,
		Step:      sess.current + 1,
		StepName:  step.Name,
		Context:   sess.context,
	}); err != nil {
		e.logger.Warn("checkpoint save failed",
			zap.String("session_id", sess.id), zap.Error(err))
	}
	e.publish(ctx, sess.id, "step_completed", map[string]any{
		"step": step.Name, "agent": res.Agent, "attempt": res.Attempts,
	})

	sess.current++
	sess.attempts = 0
}

// invokeAgent runs one bounded execution attempt. The agent goroutine may
// outlive the deadline; its late result is dropped via the buffered channel.
func (e *Engine) invokeAgent(ag agent.Agent, step *Step, inputs map[string]any) (outputs map[string]any, timedOut bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), step.Timeout)
	defer cancel()
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "orchestrator.execute_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.step", step.Name),
		attribute.String("workflow.agent", ag.ID()),
	)

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, execErr := ag.ExecuteStep(ctx, step.Name, inputs)
		done <- result{out, execErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "step execution failed")
			return nil, false, res.err
		}
		return res.out, false, nil
	case <-ctx.Done():
		span.SetStatus(codes.Error, "step timed out")
		return nil, true, ctx.Err()
	}
}

// completeLocked finishes a session that ran past its last step. Callers
// must hold sess.mu.
func (e *Engine) completeLocked(ctx context.Context, sess *session) {
	sess.setStatusLocked(StatusCompleted, "")
	e.sessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "completed")))
	_, _ = e.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventSessionCompleted,
		UserID:     sess.initiator,
		Action:     "complete_session",
		ResourceID: sess.id,
		Details:    map[string]any{"pattern": sess.pattern.Name, "steps": len(sess.results)},
		Success:    true,
	})
	if err := e.checkpoints.Drop(ctx, sess.id); err != nil {
		e.logger.Warn("checkpoint drop failed", zap.String("session_id", sess.id), zap.Error(err))
	}
	e.publish(ctx, sess.id, "completed", map[string]any{"pattern": sess.pattern.Name})
	e.logger.Info("session completed",
		zap.String("session_id", sess.id),
		zap.String("pattern", sess.pattern.Name),
	)
}

// abortLocked terminates a session. Callers must hold sess.mu and write
// their own audit event naming the cause.
func (e *Engine) abortLocked(ctx context.Context, sess *session, reason string, details map[string]any) {
	sess.setStatusLocked(StatusAborted, reason)
	sess.pending = nil
	e.sessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "aborted")))
	if err := e.checkpoints.Drop(ctx, sess.id); err != nil {
		e.logger.Warn("checkpoint drop failed", zap.String("session_id", sess.id), zap.Error(err))
	}
	if details == nil {
		details = make(map[string]any, 1)
	}
	details["reason"] = reason
	e.publish(ctx, sess.id, "aborted", details)
	e.logger.Info("session aborted",
		zap.String("session_id", sess.id),
		zap.String("reason", reason),
	)
}

func (e *Engine) publish(ctx context.Context, sessionID, event string, payload map[string]any) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishSessionEvent(ctx, sessionID, event, payload); err != nil {
		e.logger.Warn("session event publish failed",
			zap.String("session_id", sessionID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
