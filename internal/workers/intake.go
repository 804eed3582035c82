package workers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
	"github.com/fyrsmithlabs/lendingd/internal/routing"
)

// IntakeAgentID is the registry ID for the intake worker. It doubles as the
// task router's fallback agent, so unroutable tasks land here too.
const IntakeAgentID = "orchestrator-agent"

// Default collaboration patterns the intake worker starts.
const (
	DefaultIntakePattern   = "mortgage_application_processing"
	DefaultDecisionPattern = "decision_review"
)

// IntakeConfig names the patterns intake starts per lifecycle stage.
type IntakeConfig struct {
	IntakePattern   string
	DecisionPattern string
}

// IntakeWorker opens collaboration sessions for applications that need one
// and flags applications escalated for manual review. It executes no pattern
// steps itself.
type IntakeWorker struct {
	agent.Base
	apps     application.Service
	sessions orchestrator.Service
	config   IntakeConfig
	logger   *zap.Logger
}

var _ agent.Agent = (*IntakeWorker)(nil)

func NewIntakeWorker(apps application.Service, sessions orchestrator.Service, cfg IntakeConfig, logger *zap.Logger) (*IntakeWorker, error) {
	if apps == nil {
		return nil, errors.New("workers: application service is required")
	}
	if sessions == nil {
		return nil, errors.New("workers: session service is required")
	}
	if cfg.IntakePattern == "" {
		cfg.IntakePattern = DefaultIntakePattern
	}
	if cfg.DecisionPattern == "" {
		cfg.DecisionPattern = DefaultDecisionPattern
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntakeWorker{
		Base: agent.NewBase(agent.Capabilities{
			AgentID:     IntakeAgentID,
			Description: "Starts collaboration sessions and tracks escalated applications",
			TaskTypes: []string{
				string(routing.TaskProcessApplication),
				string(routing.TaskResolveComplexApplication),
			},
			CanInitiate:          true,
			CanFinalizeDecisions: true,
			CanResolveConflicts:  true,
			CanDelegate:          true,
			CanMonitor:           true,
			PriorityLevel:        1,
		}),
		apps:     apps,
		sessions: sessions,
		config:   cfg,
		logger:   logger.Named("intake-worker"),
	}, nil
}

func (w *IntakeWorker) ExecuteStep(ctx context.Context, step string, inputs map[string]any) (map[string]any, error) {
	return nil, errors.New("workers: intake agent executes no pattern steps")
}

func (w *IntakeWorker) ReceiveMessage(ctx context.Context, msg agent.Message) error {
	task, _ := msg.Content["task_type"].(string)
	switch task {
	case string(routing.TaskProcessApplication):
		appID, err := applicationID(msg.Content)
		if err != nil {
			return err
		}
		return w.ensureSession(ctx, appID)
	case string(routing.TaskResolveComplexApplication):
		if !w.Capabilities().CanResolveConflicts {
			return &recovery.SecurityError{
				UserID: w.ID(),
				Action: "resolve_complex_application",
				Reason: "agent is not granted can_resolve_conflicts",
			}
		}
		appID, err := applicationID(msg.Content)
		if err != nil {
			return err
		}
		if err := w.apps.AddContext(ctx, appID, "requires_manual_review", true); err != nil {
			return err
		}
		w.logger.Warn("application flagged for manual review",
			zap.String("application_id", appID),
			zap.String("requested_by", msg.From),
		)
		return nil
	default:
		w.logger.Debug("ignoring message", zap.String("task_type", task), zap.String("from", msg.From))
		return nil
	}
}

// ensureSession starts the pattern matching the application's stage unless a
// session already owns the application.
func (w *IntakeWorker) ensureSession(ctx context.Context, appID string) error {
	if !w.Capabilities().CanInitiate {
		return &recovery.SecurityError{
			UserID: w.ID(),
			Action: "start_session",
			Reason: "agent is not granted can_initiate",
		}
	}
	busy, err := sessionInFlight(ctx, w.sessions, appID)
	if err != nil {
		return err
	}
	if busy {
		w.logger.Debug("session already in flight", zap.String("application_id", appID))
		return nil
	}
	app, err := w.apps.Get(ctx, appID)
	if err != nil {
		return err
	}

	var pattern string
	switch app.State {
	case application.StateInitiated, application.StateDocumentCollection:
		pattern = w.config.IntakePattern
	case application.StateDecisionPending:
		pattern = w.config.DecisionPattern
	default:
		w.logger.Debug("no intake action for state",
			zap.String("application_id", appID),
			zap.String("state", string(app.State)),
		)
		return nil
	}

	snap, err := w.sessions.CreateSession(ctx, pattern, w.ID(), map[string]any{
		"application_id": appID,
	})
	if errors.Is(err, orchestrator.ErrUnknownPattern) {
		// Without the pattern the pipeline still advances task by task.
		w.logger.Warn("pattern not loaded, leaving application task-driven",
			zap.String("application_id", appID),
			zap.String("pattern", pattern),
		)
		return nil
	}
	if err != nil {
		return err
	}
	w.logger.Info("collaboration session started",
		zap.String("application_id", appID),
		zap.String("session_id", snap.ID),
		zap.String("pattern", pattern),
	)
	return nil
}
