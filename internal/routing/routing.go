// Package routing maps lending tasks onto the agents that own them and
// dispatches follow-up work as applications move through the lifecycle.
package routing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/application"
)

const instrumentationName = "github.com/fyrsmithlabs/lendingd/internal/routing"

// TaskType names one kind of work an agent can be asked to do.
type TaskType string

const (
	TaskProcessApplication          TaskType = "process_application"
	TaskAnalyzeDocuments            TaskType = "analyze_documents"
	TaskEvaluateApplication         TaskType = "evaluate_application"
	TaskCheckCompliance             TaskType = "check_compliance"
	TaskHandleCustomerInquiry       TaskType = "handle_customer_inquiry"
	TaskResolveComplexApplication   TaskType = "resolve_complex_application"
	TaskGenerateCustomerExplanation TaskType = "generate_customer_explanation"
)

// TaskTypes lists every routable task type.
func TaskTypes() []TaskType {
	return []TaskType{
		TaskProcessApplication,
		TaskAnalyzeDocuments,
		TaskEvaluateApplication,
		TaskCheckCompliance,
		TaskHandleCustomerInquiry,
		TaskResolveComplexApplication,
		TaskGenerateCustomerExplanation,
	}
}

// ParseTaskType converts a wire string into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range TaskTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("routing: unknown task type %q", s)
}

// Task is one unit of routable work.
type Task struct {
	Type          TaskType       `json:"task_type"`
	ApplicationID string         `json:"application_id,omitempty"`
	Description   string         `json:"description,omitempty"`
	Priority      agent.Priority `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Directory is the slice of the agent registry the router needs: non-blocking
// delivery plus the capability listing used when no static route exists.
type Directory interface {
	Deliver(ctx context.Context, msg agent.Message) error
	Agents() []agent.Capabilities
}

// Service routes tasks to agents and suggests follow-up work per application.
type Service interface {
	// Route delivers the task to its owning agent as a request message.
	Route(ctx context.Context, task Task) error
	// Owner resolves the agent id a task type is routed to.
	Owner(t TaskType) (string, bool)
	// SuggestedNextTasks derives the work an application needs in its
	// current state.
	SuggestedNextTasks(ctx context.Context, applicationID string) ([]Task, error)
	// DispatchStateTasks routes the state's tasks after a committed
	// transition. Delivery failures are logged, never returned; the
	// transition has already happened.
	DispatchStateTasks(ctx context.Context, applicationID string, state application.State)
}

// Config holds the static route table.
type Config struct {
	// Routes maps task types to owning agent ids. Task types absent from
	// the table fall back to capability matching, then to FallbackAgent.
	Routes map[TaskType]string `koanf:"routes"`
	// FallbackAgent receives tasks nothing else claims.
	FallbackAgent string `koanf:"fallback_agent"`
}

// DefaultServiceConfig returns the production route table.
func DefaultServiceConfig() *Config {
	return &Config{
		Routes: map[TaskType]string{
			TaskProcessApplication:          "orchestrator-agent",
			TaskAnalyzeDocuments:            "document-agent",
			TaskEvaluateApplication:         "underwriting-agent",
			TaskCheckCompliance:             "compliance-agent",
			TaskHandleCustomerInquiry:       "customer-service-agent",
			TaskResolveComplexApplication:   "orchestrator-agent",
			TaskGenerateCustomerExplanation: "customer-service-agent",
		},
		FallbackAgent: "orchestrator-agent",
	}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if c.FallbackAgent == "" {
		return errors.New("routing: fallback_agent is required")
	}
	for t, id := range c.Routes {
		if id == "" {
			return fmt.Errorf("routing: empty agent id for task type %s", t)
		}
	}
	return nil
}

type router struct {
	config    *Config
	apps      application.Service
	directory Directory
	logger    *zap.Logger

	tasksTotal      metric.Int64Counter
	dispatchesTotal metric.Int64Counter
}

var (
	_ Service                    = (*router)(nil)
	_ application.TaskDispatcher = (*router)(nil)
)

// NewService builds the task router. The directory and application service
// are required; a nil config gets the default route table.
func NewService(cfg *Config, apps application.Service, directory Directory, logger *zap.Logger) (Service, error) {
	if apps == nil {
		return nil, errors.New("routing: application service is required")
	}
	if directory == nil {
		return nil, errors.New("routing: agent directory is required")
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
	r := &router{
		config:    cfg,
		apps:      apps,
		directory: directory,
		logger:    logger,
	}
	meter := otel.Meter(instrumentationName)
	var err error
	r.tasksTotal, err = meter.Int64Counter("lendingd.routing.tasks_total",
		metric.WithDescription("Tasks routed to agents"))
	if err != nil {
		return nil, fmt.Errorf("init routing metrics: %w", err)
	}
	r.dispatchesTotal, err = meter.Int64Counter("lendingd.routing.dispatches_total",
		metric.WithDescription("State-driven task dispatches"))
	if err != nil {
		return nil, fmt.Errorf("init routing metrics: %w", err)
	}
	return r, nil
}

func (r *router) Route(ctx context.Context, task Task) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "routing.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("routing.task_type", string(task.Type)),
		attribute.String("routing.application_id", task.ApplicationID),
	)

	if task.Type == "" {
		return errors.New("routing: task type is required")
	}

	owner, ok := r.Owner(task.Type)
	if !ok {
		owner = r.config.FallbackAgent
		r.logger.Warn("no route for task type, using fallback agent",
			zap.String("task_type", string(task.Type)),
			zap.String("fallback", owner),
		)
	}
	span.SetAttributes(attribute.String("routing.agent_id", owner))

	content := map[string]any{"task_type": string(task.Type)}
	if task.ApplicationID != "" {
		content["application_id"] = task.ApplicationID
	}
	if task.Description != "" {
		content["description"] = task.Description
	}
	for k, v := range task.Payload {
		if _, reserved := content[k]; !reserved {
			content[k] = v
		}
	}

	msg := agent.Message{
		Type:     agent.MessageRequest,
		From:     "task-router",
		To:       owner,
		Content:  content,
		Priority: task.Priority,
	}
	if err := r.directory.Deliver(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deliver task")
		r.tasksTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task_type", string(task.Type)),
			attribute.String("result", "delivery_failed"),
		))
		return fmt.Errorf("routing: deliver %s to %s: %w", task.Type, owner, err)
	}

	r.tasksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", string(task.Type)),
		attribute.String("result", "delivered"),
	))
	r.logger.Debug("task routed",
		zap.String("task_type", string(task.Type)),
		zap.String("agent_id", owner),
		zap.String("application_id", task.ApplicationID),
	)
	return nil
}

// Owner resolves the static route first, then falls back to the first
// registered agent advertising the task type in its capabilities.
func (r *router) Owner(t TaskType) (string, bool) {
	if id, ok := r.config.Routes[t]; ok {
		return id, true
	}
	for _, caps := range r.directory.Agents() {
		for _, declared := range caps.TaskTypes {
			if declared == string(t) {
				return caps.AgentID, true
			}
		}
	}
	return "", false
}

func (r *router) SuggestedNextTasks(ctx context.Context, applicationID string) ([]Task, error) {
	state, err := r.apps.Current(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	var tasks []Task
	for _, t := range tasksForState(state) {
		tasks = append(tasks, Task{
			Type:          t,
			ApplicationID: applicationID,
			Description:   describe(t),
			Priority:      agent.PriorityHigh,
		})
	}
	if !state.Terminal() {
		tasks = append(tasks, Task{
			Type:          TaskHandleCustomerInquiry,
			ApplicationID: applicationID,
			Description:   describe(TaskHandleCustomerInquiry),
			Priority:      agent.PriorityNormal,
		})
	}
	return tasks, nil
}

func (r *router) DispatchStateTasks(ctx context.Context, applicationID string, state application.State) {
	for _, t := range tasksForState(state) {
		task := Task{
			Type:          t,
			ApplicationID: applicationID,
			Description:   describe(t),
			Priority:      agent.PriorityHigh,
		}
		if err := r.Route(ctx, task); err != nil {
			r.logger.Warn("state task dispatch failed",
				zap.String("application_id", applicationID),
				zap.String("state", string(state)),
				zap.String("task_type", string(t)),
				zap.Error(err),
			)
			continue
		}
		r.dispatchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
	}
}

// tasksForState names the work each lifecycle state calls for.
func tasksForState(state application.State) []TaskType {
	switch state {
	case application.StateInitiated, application.StateDocumentCollection:
		return []TaskType{TaskProcessApplication}
	case application.StateDocumentValidation, application.StateDocumentAnalysis:
		return []TaskType{TaskAnalyzeDocuments}
	case application.StateUnderwriting:
		return []TaskType{TaskEvaluateApplication}
	case application.StateComplianceCheck:
		return []TaskType{TaskCheckCompliance}
	case application.StateDecisionPending:
		return []TaskType{TaskProcessApplication}
	case application.StateSuspended:
		return []TaskType{TaskResolveComplexApplication}
	case application.StateApproved, application.StateConditionallyApproved, application.StateDeclined:
		return []TaskType{TaskGenerateCustomerExplanation}
	default:
		return nil
	}
}

func describe(t TaskType) string {
	switch t {
	case TaskProcessApplication:
		return "Move the application through its current phase"
	case TaskAnalyzeDocuments:
		return "Analyze submitted documents"
	case TaskEvaluateApplication:
		return "Evaluate application for an underwriting decision"
	case TaskCheckCompliance:
		return "Check application for regulatory compliance"
	case TaskHandleCustomerInquiry:
		return "Respond to customer inquiries"
	case TaskResolveComplexApplication:
		return "Resolve application through multi-agent review"
	case TaskGenerateCustomerExplanation:
		return "Generate a customer-facing decision explanation"
	default:
		return ""
	}
}
