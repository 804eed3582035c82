// Package application tracks each mortgage application through a fixed
// lifecycle graph. Every state change goes through a validated transition
// that is recorded in the audit log; invalid edges are rejected without
// error so callers can treat routing mistakes as non-fatal.
package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/audit"
	"github.com/fyrsmithlabs/lendingd/internal/checkpoint"
)

const instrumentationName = "github.com/fyrsmithlabs/lendingd/internal/application"

// ErrClosed is returned by mutating operations after Close.
var ErrClosed = errors.New("application: machine closed")

// ErrTerminalState is returned when documents arrive for a completed
// application.
var ErrTerminalState = errors.New("application: completed applications accept no documents")

// TaskResult reports how an agent task against an application ended. Context
// is merged into the application before any state change; Decision is
// consulted only while the application is in decision_pending.
type TaskResult struct {
	Task     string         `json:"task"`
	Success  bool           `json:"success"`
	Decision State          `json:"decision,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// TaskDispatcher is notified after every committed transition so follow-up
// work can be routed to the owning agent. Implementations must not call back
// into mutating Machine operations.
type TaskDispatcher interface {
	DispatchStateTasks(ctx context.Context, applicationID string, state State)
}

// MultiDispatcher fans committed transitions out to every dispatcher in
// order. Nil entries are skipped.
func MultiDispatcher(dispatchers ...TaskDispatcher) TaskDispatcher {
	return multiDispatcher(dispatchers)
}

type multiDispatcher []TaskDispatcher

func (m multiDispatcher) DispatchStateTasks(ctx context.Context, applicationID string, state State) {
	for _, d := range m {
		if d != nil {
			d.DispatchStateTasks(ctx, applicationID, state)
		}
	}
}

// Service is the application state machine as seen by the orchestration and
// host layers.
type Service interface {
	// CreateApplication registers a new application and moves it straight
	// into document collection.
	CreateApplication(ctx context.Context, data map[string]any) (string, error)
	// Transition attempts one edge. It returns false, without error, when
	// the edge is not in the graph or the application is unknown.
	Transition(ctx context.Context, applicationID string, next State, reason string) bool
	// ProcessDocument records a received document; once every required
	// document type is present the application advances to validation.
	ProcessDocument(ctx context.Context, applicationID string, doc Document) error
	// HandleTaskOutcome merges a task result and advances the lifecycle
	// according to the current state. It returns the resulting state.
	HandleTaskOutcome(ctx context.Context, applicationID string, result TaskResult) (State, error)
	Current(ctx context.Context, applicationID string) (State, error)
	Get(ctx context.Context, applicationID string) (*Application, error)
	History(ctx context.Context, applicationID string) ([]TransitionRecord, error)
	AddContext(ctx context.Context, applicationID, key string, value any) error
	ByState(ctx context.Context, state State) ([]*Application, error)
	// SetDispatcher binds the task router invoked on committed transitions.
	SetDispatcher(d TaskDispatcher)
	Close() error
}

// Config holds state machine settings.
type Config struct {
	// RequiredDocuments are the document types that must all be present
	// before an application leaves document_collection.
	RequiredDocuments []string `koanf:"required_documents"`
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		RequiredDocuments: []string{"income_verification", "credit_report", "property_appraisal"},
	}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if len(c.RequiredDocuments) == 0 {
		return errors.New("application: required_documents cannot be empty")
	}
	return nil
}

type machine struct {
	config  *Config
	store   Store
	auditor audit.Service
	logger  *zap.Logger

	mu         sync.Mutex
	dispatcher TaskDispatcher
	closed     bool

	applicationsTotal metric.Int64Counter
	transitionsTotal  metric.Int64Counter
	documentsTotal    metric.Int64Counter
	byStateReg        metric.Registration
}

var _ Service = (*machine)(nil)

// NewService builds the state machine. The auditor is required; a nil store
// gets an in-memory one and a nil logger logs nowhere.
func NewService(cfg *Config, store Store, auditor audit.Service, logger *zap.Logger) (Service, error) {
	if auditor == nil {
		return nil, errors.New("application: audit service is required")
	}
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &machine{
		config:  cfg,
		store:   store,
		auditor: auditor,
		logger:  logger,
	}
	meter := otel.Meter(instrumentationName)
	var err error
	m.applicationsTotal, err = meter.Int64Counter("lendingd.application.applications_total",
		metric.WithDescription("Applications created"))
	if err != nil {
		return nil, fmt.Errorf("init application metrics: %w", err)
	}
	m.transitionsTotal, err = meter.Int64Counter("lendingd.application.transitions_total",
		metric.WithDescription("State transition attempts"))
	if err != nil {
		return nil, fmt.Errorf("init application metrics: %w", err)
	}
	m.documentsTotal, err = meter.Int64Counter("lendingd.application.documents_total",
		metric.WithDescription("Documents received"))
	if err != nil {
		return nil, fmt.Errorf("init application metrics: %w", err)
	}
	byState, err := meter.Int64ObservableGauge("lendingd.application.by_state",
		metric.WithDescription("Applications currently in each state"))
	if err != nil {
		return nil, fmt.Errorf("init application metrics: %w", err)
	}
	m.byStateReg, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		apps, err := m.store.List(ctx)
		if err != nil {
			return err
		}
		counts := make(map[State]int64, len(States()))
		for _, app := range apps {
			counts[app.State]++
		}
		for _, state := range States() {
			o.ObserveInt64(byState, counts[state], metric.WithAttributes(attribute.String("state", string(state))))
		}
		return nil
	}, byState)
	if err != nil {
		return nil, fmt.Errorf("init application metrics: %w", err)
	}
	return m, nil
}

func (m *machine) SetDispatcher(d TaskDispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

func (m *machine) CreateApplication(ctx context.Context, data map[string]any) (string, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "application.create")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	now := time.Now().UTC()
	app := &Application{
		ID:        uuid.NewString(),
		State:     StateInitiated,
		Context:   checkpoint.CloneContext(data),
		Documents: make(map[string]Document),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if app.Context == nil {
		app.Context = make(map[string]any)
	}
	if err := m.store.Save(ctx, app); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save application")
		return "", fmt.Errorf("save application: %w", err)
	}
	span.SetAttributes(attribute.String("application.id", app.ID))
	m.applicationsTotal.Add(ctx, 1)
	_, _ = m.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventApplicationCreated,
		Action:     "create_application",
		ResourceID: app.ID,
		Details:    map[string]any{"state": string(StateInitiated)},
		Success:    true,
	})
	m.logger.Info("application created", zap.String("application_id", app.ID))

	// Intake is automatic: a fresh application immediately starts
	// collecting documents.
	m.transitionLocked(ctx, app, StateDocumentCollection, "application intake complete")
	return app.ID, nil
}

func (m *machine) Transition(ctx context.Context, applicationID string, next State, reason string) bool {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "application.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("application.id", applicationID),
		attribute.String("application.next_state", string(next)),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	app, err := m.store.Get(ctx, applicationID)
	if err != nil {
		m.logger.Warn("transition rejected: unknown application",
			zap.String("application_id", applicationID),
			zap.String("to", string(next)),
		)
		m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "unknown_application")))
		return false
	}
	return m.transitionLocked(ctx, app, next, reason)
}

// transitionLocked validates and commits one edge. Callers must hold m.mu.
func (m *machine) transitionLocked(ctx context.Context, app *Application, next State, reason string) bool {
	if !app.State.CanTransitionTo(next) {
		m.logger.Warn("transition rejected: no such edge",
			zap.String("application_id", app.ID),
			zap.String("from", string(app.State)),
			zap.String("to", string(next)),
			zap.String("reason", reason),
		)
		m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "rejected")))
		return false
	}

	prev := app.State
	now := time.Now().UTC()
	app.State = next
	app.UpdatedAt = now
	app.History = append(app.History, TransitionRecord{From: prev, To: next, Reason: reason, At: now})
	if err := m.store.Save(ctx, app); err != nil {
		app.State = prev
		app.History = app.History[:len(app.History)-1]
		m.logger.Error("transition save failed",
			zap.String("application_id", app.ID),
			zap.Error(err),
		)
		m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "save_failed")))
		return false
	}

	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "accepted")))
	_, _ = m.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventStateTransition,
		Action:     "transition",
		ResourceID: app.ID,
		Details:    map[string]any{"from": string(prev), "to": string(next), "reason": reason},
		Success:    true,
	})
	m.logger.Info("application state changed",
		zap.String("application_id", app.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("reason", reason),
	)
	if m.dispatcher != nil {
		m.dispatcher.DispatchStateTasks(ctx, app.ID, next)
	}
	return true
}

func (m *machine) ProcessDocument(ctx context.Context, applicationID string, doc Document) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "application.process_document")
	defer span.End()
	span.SetAttributes(
		attribute.String("application.id", applicationID),
		attribute.String("application.document_type", doc.Type),
	)

	if doc.Type == "" {
		return errors.New("application: document type is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	app, err := m.store.Get(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, applicationID)
	}

	if doc.ReceivedAt.IsZero() {
		doc.ReceivedAt = time.Now().UTC()
	}
	app.Documents[doc.Type] = doc
	app.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, app); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save application")
		return fmt.Errorf("save application: %w", err)
	}

	m.documentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("document_type", doc.Type)))
	_, _ = m.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventDocumentReceived,
		Action:     "process_document",
		ResourceID: applicationID,
		Details:    map[string]any{"document_type": doc.Type, "name": doc.Name},
		Success:    true,
	})
	m.logger.Debug("document recorded",
		zap.String("application_id", applicationID),
		zap.String("document_type", doc.Type),
	)

	if app.State == StateDocumentCollection && m.hasRequiredDocuments(app) {
		m.transitionLocked(ctx, app, StateDocumentValidation, "all required documents received")
	}
	return nil
}

func (m *machine) hasRequiredDocuments(app *Application) bool {
	for _, required := range m.config.RequiredDocuments {
		if _, ok := app.Documents[required]; !ok {
			return false
		}
	}
	return true
}

func (m *machine) HandleTaskOutcome(ctx context.Context, applicationID string, result TaskResult) (State, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "application.handle_task_outcome")
	defer span.End()
	span.SetAttributes(
		attribute.String("application.id", applicationID),
		attribute.String("application.task", result.Task),
		attribute.Bool("application.task_success", result.Success),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	app, err := m.store.Get(ctx, applicationID)
	if err != nil {
		return "", err
	}
	if app.State == StateDecisionPending && !result.Decision.DecisionState() {
		return app.State, fmt.Errorf("application: task outcome for %s must carry a decision state", applicationID)
	}

	for k, v := range result.Context {
		app.Context[k] = v
	}

	next, advance := nextStateFor(app.State, result)
	if !advance {
		// No regression edge exists from underwriting; park the application
		// for a human underwriter instead of inventing one.
		if app.State == StateUnderwriting && !result.Success {
			app.Context["requires_manual_review"] = true
		}
		app.UpdatedAt = time.Now().UTC()
		if err := m.store.Save(ctx, app); err != nil {
			return app.State, fmt.Errorf("save application: %w", err)
		}
		return app.State, nil
	}

	reason := result.Reason
	if reason == "" {
		reason = fmt.Sprintf("task %s %s", result.Task, outcomeWord(result.Success))
	}
	if !m.transitionLocked(ctx, app, next, reason) {
		return app.State, fmt.Errorf("application: transition %s -> %s rejected", app.State, next)
	}
	return next, nil
}

// nextStateFor maps a task outcome onto the lifecycle graph: document and
// compliance failures regress one phase, successes advance, and a pending
// decision resolves to the state named by the result.
func nextStateFor(state State, result TaskResult) (State, bool) {
	switch state {
	case StateDocumentValidation:
		if result.Success {
			return StateDocumentAnalysis, true
		}
		return StateDocumentCollection, true
	case StateDocumentAnalysis:
		if result.Success {
			return StateUnderwriting, true
		}
		return StateDocumentValidation, true
	case StateUnderwriting:
		if result.Success {
			return StateComplianceCheck, true
		}
		return "", false
	case StateComplianceCheck:
		if result.Success {
			return StateDecisionPending, true
		}
		return StateUnderwriting, true
	case StateDecisionPending:
		return result.Decision, true
	default:
		return "", false
	}
}

func outcomeWord(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
}

func (m *machine) Current(ctx context.Context, applicationID string) (State, error) {
	app, err := m.store.Get(ctx, applicationID)
	if err != nil {
		return "", err
	}
	return app.State, nil
}

func (m *machine) Get(ctx context.Context, applicationID string) (*Application, error) {
	return m.store.Get(ctx, applicationID)
}

func (m *machine) History(ctx context.Context, applicationID string) ([]TransitionRecord, error) {
	app, err := m.store.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return app.History, nil
}

func (m *machine) AddContext(ctx context.Context, applicationID, key string, value any) error {
	if key == "" {
		return errors.New("application: context key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	app, err := m.store.Get(ctx, applicationID)
	if err != nil {
		return err
	}
	app.Context[key] = value
	app.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, app); err != nil {
		return fmt.Errorf("save application: %w", err)
	}
	_, _ = m.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventApplicationAccess,
		Action:     "add_context",
		ResourceID: applicationID,
		Details:    map[string]any{"key": key},
		Success:    true,
	})
	return nil
}

func (m *machine) ByState(ctx context.Context, state State) ([]*Application, error) {
	apps, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Application, 0, len(apps))
	for _, app := range apps {
		if app.State == state {
			out = append(out, app)
		}
	}
	return out, nil
}

func (m *machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byStateReg != nil {
		_ = m.byStateReg.Unregister()
	}
	m.closed = true
	return nil
}
