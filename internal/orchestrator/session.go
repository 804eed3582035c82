package orchestrator

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/checkpoint"
)

// SessionStatus is the lifecycle state of a workflow session.
type SessionStatus string

const (
	// StatusInitialized covers the window between creation and the first
	// step execution.
	StatusInitialized SessionStatus = "initialized"
	// StatusStepInProgress covers condition checks, input gathering and the
	// bounded agent execution of the current step.
	StatusStepInProgress SessionStatus = "step_in_progress"
	// StatusWaitingEvent parks the session until its current step's trigger
	// event arrives.
	StatusWaitingEvent SessionStatus = "waiting_for_event"
	// StatusWaitingConfirmation holds a successfully executed step's result
	// until a human approves committing it.
	StatusWaitingConfirmation SessionStatus = "awaiting_confirmation"
	// StatusRetrying sits between a failed attempt and its re-execution.
	StatusRetrying SessionStatus = "retrying_step"
	// StatusAwaitingOrchestrator parks the session for the supervising
	// agent after an escalation.
	StatusAwaitingOrchestrator SessionStatus = "awaiting_orchestrator_instruction"
	// StatusAwaitingHuman parks the session for an operator.
	StatusAwaitingHuman SessionStatus = "awaiting_human_intervention"
	StatusAborted       SessionStatus = "aborted"
	StatusCompleted     SessionStatus = "completed"
)

// Terminal reports whether no further execution can happen.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// runnable reports whether the advance loop may execute steps.
func (s SessionStatus) runnable() bool {
	return s == StatusInitialized || s == StatusStepInProgress || s == StatusRetrying
}

// parked reports whether the session waits on an explicit resume.
func (s SessionStatus) parked() bool {
	return s == StatusAwaitingOrchestrator || s == StatusAwaitingHuman
}

// StepOutcome is the recorded result of one step.
type StepOutcome string

const (
	StepCompleted    StepOutcome = "completed"
	StepSkipped      StepOutcome = "skipped"
	StepFailed       StepOutcome = "failed"
	StepConservative StepOutcome = "conservative"
)

// StepResult records how one step ended, including skipped and fallback
// outcomes. Attempts counts agent executions; skips record zero.
type StepResult struct {
	Step      string         `json:"step"`
	Agent     string         `json:"agent,omitempty"`
	Outcome   StepOutcome    `json:"outcome"`
	Attempts  int            `json:"attempts"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Error     string         `json:"error,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// session is the engine-private runtime state of one workflow execution.
// All fields behind mu; the pattern pointer is immutable for the session's
// lifetime even if the pattern set is hot-reloaded.
type session struct {
	mu sync.Mutex

	id        string
	pattern   *Pattern
	initiator string

	status       SessionStatus
	statusReason string
	current      int
	attempts     int
	context      map[string]any
	results      []StepResult

	// pending holds a confirmed step's result between execution and the
	// approval that commits it.
	pending *StepResult
	// messages logs every message sent through the session.
	messages []agent.Message
	// events buffers external events by name until a step consumes them.
	events map[string]map[string]any
	// agentOverrides rebinds a step index to an alternate agent after
	// recovery reassignment.
	agentOverrides map[int]string

	advancing bool
	createdAt time.Time
	updatedAt time.Time
}

func newSession(id string, p *Pattern, initiator string, initial map[string]any) *session {
	now := time.Now().UTC()
	ctx := checkpoint.CloneContext(initial)
	if ctx == nil {
		ctx = make(map[string]any)
	}
	return &session{
		id:             id,
		pattern:        p,
		initiator:      initiator,
		status:         StatusInitialized,
		context:        ctx,
		events:         make(map[string]map[string]any),
		agentOverrides: make(map[int]string),
		createdAt:      now,
		updatedAt:      now,
	}
}

// SessionSnapshot is the exported, immutable view of a session.
type SessionSnapshot struct {
	ID           string          `json:"id"`
	Pattern      string          `json:"pattern"`
	Initiator    string          `json:"initiator"`
	Status       SessionStatus   `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	CurrentStep  int             `json:"current_step"`
	StepName     string          `json:"step_name,omitempty"`
	TotalSteps   int             `json:"total_steps"`
	Context      map[string]any  `json:"context"`
	Results      []StepResult    `json:"results"`
	Messages     []agent.Message `json:"messages,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// snapshotLocked builds an isolated view. Callers must hold s.mu.
func (s *session) snapshotLocked() SessionSnapshot {
	snap := SessionSnapshot{
		ID:           s.id,
		Pattern:      s.pattern.Name,
		Initiator:    s.initiator,
		Status:       s.status,
		StatusReason: s.statusReason,
		CurrentStep:  s.current,
		TotalSteps:   len(s.pattern.Steps),
		Context:      checkpoint.CloneContext(s.context),
		Results:      make([]StepResult, len(s.results)),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
	copy(snap.Results, s.results)
	if len(s.messages) > 0 {
		snap.Messages = make([]agent.Message, len(s.messages))
		copy(snap.Messages, s.messages)
	}
	if s.current < len(s.pattern.Steps) {
		snap.StepName = s.pattern.Steps[s.current].Name
	}
	return snap
}

func (s *session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// setStatusLocked transitions status and stamps updatedAt. Callers must
// hold s.mu.
func (s *session) setStatusLocked(status SessionStatus, reason string) {
	s.status = status
	s.statusReason = reason
	s.updatedAt = time.Now().UTC()
}

// recordResultLocked appends a step result. Callers must hold s.mu.
func (s *session) recordResultLocked(res StepResult) {
	s.results = append(s.results, res)
	s.updatedAt = time.Now().UTC()
}

// recordMessageLocked appends to the session message log. Callers must
// hold s.mu.
func (s *session) recordMessageLocked(msg agent.Message) {
	s.messages = append(s.messages, msg)
	s.updatedAt = time.Now().UTC()
}

// currentStepLocked returns the step under execution, or nil when the
// session ran past the last step. Callers must hold s.mu.
func (s *session) currentStepLocked() *Step {
	if s.current < 0 || s.current >= len(s.pattern.Steps) {
		return nil
	}
	return &s.pattern.Steps[s.current]
}

// agentForLocked resolves the effective agent ID for a step index,
// honoring recovery overrides. Callers must hold s.mu.
func (s *session) agentForLocked(idx int) string {
	if id, ok := s.agentOverrides[idx]; ok {
		return id
	}
	return s.pattern.Steps[idx].Agent
}
