// Package recovery classifies workflow errors and coordinates recovery of
// parked sessions. The engine opens a Record when a step's own retry policy
// gives up; operators (or automation) then execute the planned strategies
// one at a time until the session is moving again or the record is handed
// off to a human.
package recovery

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
)

const instrumentationName = "github.com/fyrsmithlabs/lendingd/internal/recovery"

var (
	// ErrRecordNotFound is returned for unknown record IDs.
	ErrRecordNotFound = errors.New("recovery: record not found")
	// ErrNoController is returned when ExecuteRecovery runs before
	// SetController.
	ErrNoController = errors.New("recovery: session controller not bound")
	// ErrNoStrategiesLeft is returned when every planned strategy has been
	// attempted.
	ErrNoStrategiesLeft = errors.New("recovery: no strategies left to attempt")
	// ErrRecordClosed is returned when executing against a record that has
	// already succeeded or failed.
	ErrRecordClosed = errors.New("recovery: record already closed")
	// ErrClosed is returned by all operations after Close.
	ErrClosed = errors.New("recovery: service closed")
)

// Strategy is one recovery action.
type Strategy string

const (
	StrategyRetry      Strategy = "retry"
	StrategyFallback   Strategy = "fallback"
	StrategyRevert     Strategy = "revert"
	StrategyRestart    Strategy = "restart"
	StrategyAlternate  Strategy = "alternate"
	StrategyDiagnostic Strategy = "diagnostic"
	StrategyEscalate   Strategy = "escalate"
	StrategySuspend    Strategy = "suspend"
	StrategyIgnore     Strategy = "ignore"
)

// RecordStatus is the lifecycle of a recovery record. A record starts
// detected, is planned in the same call, moves to in-progress while a
// strategy runs, and lands on successful, failed, or error. Records in the
// error state stay executable so a broken strategy can be retried.
type RecordStatus string

const (
	RecordDetected   RecordStatus = "detected"
	RecordPlanned    RecordStatus = "recovery_planned"
	RecordInProgress RecordStatus = "recovery_in_progress"
	RecordSucceeded  RecordStatus = "recovery_successful"
	RecordFailed     RecordStatus = "recovery_failed"
	RecordErrored    RecordStatus = "recovery_error"
)

// Closed reports whether the record reached a final outcome and no further
// strategies may run against it.
func (s RecordStatus) Closed() bool {
	return s == RecordSucceeded || s == RecordFailed
}

// StrategyAttempt is one executed strategy and its outcome.
type StrategyAttempt struct {
	Strategy Strategy  `json:"strategy"`
	At       time.Time `json:"at"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Record tracks one escalated failure through recovery.
type Record struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	ApplicationID string            `json:"application_id,omitempty"`
	Step          string            `json:"step"`
	ErrorKind     string            `json:"error_kind"`
	Category      Category          `json:"category"`
	Severity      Severity          `json:"severity"`
	Message       string            `json:"message"`
	Context       map[string]any    `json:"context,omitempty"`
	Strategies    []Strategy        `json:"strategies"`
	Attempts      []StrategyAttempt `json:"attempts"`
	Status        RecordStatus      `json:"status"`
	Diagnostics   map[string]any    `json:"diagnostics,omitempty"`
	RetryCount    int               `json:"retry_count"`
	// RetryBudget caps the retry strategy for this record. It carries the
	// failed step's declared max_retries when the engine opened the record,
	// and the service-wide default otherwise.
	RetryBudget int `json:"retry_budget"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// SessionController is the engine surface strategies act through. The
// engine implements it; the binding happens after both sides exist.
type SessionController interface {
	RetryCurrentStep(ctx context.Context, sessionID string) error
	RestartSession(ctx context.Context, sessionID string) error
	RevertToCheckpoint(ctx context.Context, sessionID string) error
	AssignAlternateAgent(ctx context.Context, sessionID string) (string, error)
	SuspendSession(ctx context.Context, sessionID, reason string) error
	// ApplyStepFallback applies the failed step's declared fallback action
	// and reports the action name and whether the session is moving again.
	ApplyStepFallback(ctx context.Context, sessionID string) (string, bool, error)
	// EscalateToOrchestrator notifies the session's supervising agent and
	// parks the session awaiting its instruction.
	EscalateToOrchestrator(ctx context.Context, sessionID, reason string) error
	SessionContext(ctx context.Context, sessionID string) (map[string]any, error)
}

// ApplicationSuspender pauses the loan application a session is processing.
// The application service implements it; binding is optional and happens
// after both sides exist.
type ApplicationSuspender interface {
	SuspendApplication(ctx context.Context, applicationID, reason string) bool
}

// Statistics aggregates recovery activity for operators.
type Statistics struct {
	Total      int                  `json:"total"`
	ByCategory map[Category]int     `json:"by_category"`
	BySeverity map[Severity]int     `json:"by_severity"`
	ByStatus   map[RecordStatus]int `json:"by_status"`
}

// Config holds recovery manager settings.
type Config struct {
	// MaxRetries bounds how many times the retry strategy may run per
	// record before it converts to fallback.
	MaxRetries int `koanf:"max_retries"`
	// HistoryLimit bounds retained records; the oldest are evicted.
	HistoryLimit int `koanf:"history_limit"`
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() *Config {
	return &Config{MaxRetries: 3, HistoryLimit: 1000}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("recovery: max_retries cannot be negative")
	}
	if c.HistoryLimit <= 0 {
		return errors.New("recovery: history_limit must be positive")
	}
	return nil
}

// HandleOption refines how HandleError files a record.
type HandleOption func(*handleOptions)

type handleOptions struct {
	applicationID string
	severity      Severity
	category      Category
	context       map[string]any
	retryBudget   *int
}

// WithApplicationID ties the record to the loan application the failing
// session was processing.
func WithApplicationID(id string) HandleOption {
	return func(o *handleOptions) { o.applicationID = id }
}

// WithSeverity overrides the severity inferred from the error type.
func WithSeverity(sev Severity) HandleOption {
	return func(o *handleOptions) { o.severity = sev }
}

// WithCategory overrides the category inferred from the error type.
func WithCategory(cat Category) HandleOption {
	return func(o *handleOptions) { o.category = cat }
}

// WithContext attaches caller state to the record. The map is stored as
// given; callers clone when they keep mutating it.
func WithContext(ctx map[string]any) HandleOption {
	return func(o *handleOptions) { o.context = ctx }
}

// WithRetryBudget caps the retry strategy at the failed step's declared
// max_retries instead of the service-wide default. Zero means the step
// allows no retries at all.
func WithRetryBudget(n int) HandleOption {
	return func(o *handleOptions) { o.retryBudget = &n }
}

// Service classifies failures, plans strategies and executes them.
type Service interface {
	// HandleError opens a record for a failure, with strategies planned
	// from its category and severity. Options attach the application,
	// caller context, or inference overrides.
	HandleError(ctx context.Context, sessionID, step string, err error, opts ...HandleOption) (*Record, error)
	// ExecuteRecovery runs one strategy against a record's session. An
	// empty strategy picks the next planned one that has not been tried.
	// Retry beyond the configured bound converts to fallback.
	ExecuteRecovery(ctx context.Context, recordID string, strategy Strategy) (*Record, error)
	// Get returns one record.
	Get(ctx context.Context, recordID string) (*Record, error)
	// History lists records, newest first, optionally filtered by session
	// or application ID.
	History(ctx context.Context, key string) ([]*Record, error)
	// Statistics aggregates record counts.
	Statistics(ctx context.Context) (Statistics, error)
	// SetController binds the engine. ExecuteRecovery fails until called.
	SetController(sc SessionController)
	// SetApplicationSuspender binds the application service for the suspend
	// strategy. Without it, suspend only parks the session.
	SetApplicationSuspender(as ApplicationSuspender)
	Close() error
}

type service struct {
	config  *Config
	logger  *zap.Logger
	auditor audit.Service

	mu         sync.RWMutex
	controller SessionController
	suspender  ApplicationSuspender
	records    map[string]*Record
	order      []string
	closed     bool

	recordsTotal    metric.Int64Counter
	strategiesTotal metric.Int64Counter
}

var _ Service = (*service)(nil)

// NewService builds the recovery manager. The auditor is required so every
// recovery action leaves a trail.
func NewService(cfg *Config, auditor audit.Service, logger *zap.Logger) (Service, error) {
	if auditor == nil {
		return nil, errors.New("recovery: audit service is required")
	}
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &service{
		config:  cfg,
		logger:  logger,
		auditor: auditor,
		records: make(map[string]*Record),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	s.recordsTotal, err = meter.Int64Counter("lendingd.recovery.records_total",
		metric.WithDescription("Recovery records opened"))
	if err != nil {
		return nil, fmt.Errorf("init recovery metrics: %w", err)
	}
	s.strategiesTotal, err = meter.Int64Counter("lendingd.recovery.strategies_total",
		metric.WithDescription("Recovery strategies executed"))
	if err != nil {
		return nil, fmt.Errorf("init recovery metrics: %w", err)
	}
	return s, nil
}

func (s *service) SetController(sc SessionController) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controller = sc
}

func (s *service) SetApplicationSuspender(as ApplicationSuspender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspender = as
}

// planStrategies orders recovery actions by error category, falling back
// to severity for categories without a dedicated plan.
func planStrategies(cat Category, sev Severity) []Strategy {
	switch cat {
	case CategoryValidation:
		return []Strategy{StrategyRevert, StrategyAlternate}
	case CategoryAgentFailure:
		if sev == SeverityHigh || sev == SeverityCritical {
			return []Strategy{StrategyDiagnostic, StrategyEscalate}
		}
		return []Strategy{StrategyRetry, StrategyAlternate}
	case CategoryCommunication:
		return []Strategy{StrategyRetry, StrategyFallback}
	case CategorySystem, CategorySecurity:
		return []Strategy{StrategyEscalate, StrategySuspend}
	default:
		switch sev {
		case SeverityLow:
			return []Strategy{StrategyRetry}
		case SeverityMedium:
			return []Strategy{StrategyRetry, StrategyFallback}
		default:
			return []Strategy{StrategyEscalate, StrategySuspend}
		}
	}
}

func (s *service) HandleError(ctx context.Context, sessionID, step string, failure error, opts ...HandleOption) (*Record, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "recovery.handle_error")
	defer span.End()

	if failure == nil {
		return nil, errors.New("recovery: error is required")
	}
	var options handleOptions
	for _, opt := range opts {
		opt(&options)
	}
	category, severity := Classify(failure)
	if options.category != "" {
		category = options.category
	}
	if options.severity != "" {
		severity = options.severity
	}
	span.SetAttributes(
		attribute.String("recovery.category", string(category)),
		attribute.String("recovery.severity", string(severity)),
	)

	now := time.Now().UTC()
	rec := &Record{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ApplicationID: options.applicationID,
		Step:          step,
		ErrorKind:     errorKind(failure),
		Category:      category,
		Severity:      severity,
		Message:       failure.Error(),
		Context:       options.context,
		Status:        RecordDetected,
		RetryBudget:   s.config.MaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if options.retryBudget != nil {
		rec.RetryBudget = *options.retryBudget
	}
	rec.Strategies = planStrategies(category, severity)
	rec.Status = RecordPlanned

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	if len(s.order) > s.config.HistoryLimit {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.records, evicted)
	}
	out := copyRecord(rec)
	s.mu.Unlock()

	s.recordsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(category)),
		attribute.String("severity", string(severity)),
	))
	eventType := audit.EventErrorDetected
	if category == CategorySecurity {
		eventType = audit.EventSecurity
	}
	_, _ = s.auditor.LogEvent(ctx, audit.Event{
		Type:       eventType,
		Action:     "open_recovery_record",
		ResourceID: sessionID,
		Details: map[string]any{
			"record_id":  rec.ID,
			"step":       step,
			"category":   string(category),
			"severity":   string(severity),
			"error_kind": rec.ErrorKind,
			"error":      failure.Error(),
		},
		Success: false,
	})
	s.logger.Warn("recovery record opened",
		zap.String("record_id", rec.ID),
		zap.String("session_id", sessionID),
		zap.String("application_id", rec.ApplicationID),
		zap.String("step", step),
		zap.String("category", string(category)),
		zap.String("severity", string(severity)),
	)
	return out, nil
}

func (s *service) ExecuteRecovery(ctx context.Context, recordID string, strategy Strategy) (*Record, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "recovery.execute")
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	controller := s.controller
	suspender := s.suspender
	rec, ok := s.records[recordID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if rec.Status.Closed() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrRecordClosed, recordID, rec.Status)
	}
	if controller == nil {
		s.mu.Unlock()
		return nil, ErrNoController
	}

	if strategy == "" {
		next, found := nextStrategy(rec)
		if !found {
			rec.Status = RecordFailed
			rec.UpdatedAt = time.Now().UTC()
			s.mu.Unlock()
			s.logger.Warn("recovery plan exhausted",
				zap.String("record_id", recordID),
				zap.String("session_id", rec.SessionID),
			)
			return nil, ErrNoStrategiesLeft
		}
		strategy = next
	}
	if strategy == StrategyRetry && rec.RetryCount >= rec.RetryBudget {
		s.logger.Info("retry budget exhausted, converting to fallback",
			zap.String("record_id", rec.ID),
			zap.Int("retries", rec.RetryCount),
			zap.Int("budget", rec.RetryBudget),
		)
		strategy = StrategyFallback
	}
	if strategy == StrategyRetry {
		rec.RetryCount++
	}
	rec.Status = RecordInProgress
	rec.UpdatedAt = time.Now().UTC()
	snapshot := copyRecord(rec)
	s.mu.Unlock()

	span.SetAttributes(attribute.String("recovery.strategy", string(strategy)))
	detail, resolved, execErr := s.applyStrategy(ctx, controller, suspender, snapshot, strategy)

	s.mu.Lock()
	rec, ok = s.records[recordID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	now := time.Now().UTC()
	attempt := StrategyAttempt{Strategy: strategy, At: now, Success: execErr == nil, Detail: detail}
	if execErr != nil {
		attempt.Error = execErr.Error()
	}
	rec.Attempts = append(rec.Attempts, attempt)
	rec.UpdatedAt = now
	switch {
	case execErr != nil:
		// The strategy itself broke; the record stays executable so the
		// same or another strategy can run once the fault clears.
		rec.Status = RecordErrored
	case strategy == StrategyDiagnostic:
		// Diagnostics gather state; the record stays in progress for the
		// follow-up strategy.
	case resolved:
		rec.Status = RecordSucceeded
	default:
		rec.Status = RecordFailed
	}
	out := copyRecord(rec)
	s.mu.Unlock()

	result := "ok"
	if execErr != nil {
		result = "error"
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "strategy failed")
	}
	s.strategiesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("result", result),
	))
	_, _ = s.auditor.LogEvent(ctx, audit.Event{
		Type:       audit.EventRecoveryAttempt,
		Action:     string(strategy),
		ResourceID: snapshot.SessionID,
		Details:    map[string]any{"record_id": recordID, "detail": detail, "status": string(out.Status)},
		Success:    execErr == nil,
	})
	if execErr != nil {
		return out, fmt.Errorf("recovery strategy %s: %w", strategy, execErr)
	}
	s.logger.Info("recovery strategy executed",
		zap.String("record_id", recordID),
		zap.String("session_id", snapshot.SessionID),
		zap.String("strategy", string(strategy)),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

// applyStrategy runs one strategy through the controller. It reports a
// human-readable detail and whether success means the failure is dealt
// with (the session moving again or the record closeable) as opposed to
// handed off for intervention.
func (s *service) applyStrategy(ctx context.Context, controller SessionController, suspender ApplicationSuspender, rec *Record, strategy Strategy) (detail string, resolved bool, err error) {
	sessionID := rec.SessionID
	switch strategy {
	case StrategyRetry:
		return "current step re-executed", true, controller.RetryCurrentStep(ctx, sessionID)
	case StrategyRevert:
		return "session reverted to last checkpoint", true, controller.RevertToCheckpoint(ctx, sessionID)
	case StrategyRestart:
		return "session restarted from first step", true, controller.RestartSession(ctx, sessionID)
	case StrategyAlternate:
		agentID, err := controller.AssignAlternateAgent(ctx, sessionID)
		if err != nil {
			return "", false, err
		}
		return "step reassigned to " + agentID, true, nil
	case StrategyDiagnostic:
		snapshot, err := controller.SessionContext(ctx, sessionID)
		if err != nil {
			return "", false, err
		}
		s.mu.Lock()
		for _, open := range s.records {
			if open.SessionID == sessionID && !open.Status.Closed() {
				open.Diagnostics = snapshot
			}
		}
		s.mu.Unlock()
		return "session context captured", false, nil
	case StrategyFallback:
		name, moving, err := controller.ApplyStepFallback(ctx, sessionID)
		if err != nil {
			return "", false, err
		}
		return "applied step fallback " + name, moving, nil
	case StrategyEscalate:
		reason := fmt.Sprintf("recovery escalation for step %s: %s", rec.Step, rec.Message)
		return "escalated to orchestrator", false, controller.EscalateToOrchestrator(ctx, sessionID, reason)
	case StrategySuspend:
		detail := "session parked pending review"
		if rec.ApplicationID != "" && suspender != nil {
			if suspender.SuspendApplication(ctx, rec.ApplicationID, "suspended by recovery") {
				detail = "application suspended and session parked"
			}
		}
		return detail, false, controller.SuspendSession(ctx, sessionID, "suspended by recovery")
	case StrategyIgnore:
		return "record closed without action", true, nil
	default:
		return "", false, fmt.Errorf("recovery: unknown strategy %q", strategy)
	}
}

// nextStrategy picks the first planned strategy that has not been attempted
// yet.
func nextStrategy(rec *Record) (Strategy, bool) {
	tried := make(map[Strategy]int, len(rec.Attempts))
	for _, a := range rec.Attempts {
		tried[a.Strategy]++
	}
	for _, st := range rec.Strategies {
		if tried[st] == 0 {
			return st, true
		}
	}
	return "", false
}

func (s *service) Get(ctx context.Context, recordID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.records[recordID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	return copyRecord(rec), nil
}

func (s *service) History(ctx context.Context, key string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*Record, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if rec == nil {
			continue
		}
		if key != "" && rec.SessionID != key && rec.ApplicationID != key {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

func (s *service) Statistics(ctx context.Context) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Statistics{}, ErrClosed
	}
	stats := Statistics{
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
		ByStatus:   make(map[RecordStatus]int),
	}
	for _, rec := range s.records {
		stats.Total++
		stats.ByCategory[rec.Category]++
		stats.BySeverity[rec.Severity]++
		stats.ByStatus[rec.Status]++
	}
	return stats, nil
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyRecord(rec *Record) *Record {
	out := *rec
	out.Strategies = append([]Strategy(nil), rec.Strategies...)
	out.Attempts = append([]StrategyAttempt(nil), rec.Attempts...)
	if rec.Context != nil {
		cctx := make(map[string]any, len(rec.Context))
		for k, v := range rec.Context {
			cctx[k] = v
		}
		out.Context = cctx
	}
	if rec.Diagnostics != nil {
		diag := make(map[string]any, len(rec.Diagnostics))
		for k, v := range rec.Diagnostics {
			diag[k] = v
		}
		out.Diagnostics = diag
	}
	return &out
}
