package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/routing"
)

// CustomerServiceAgentID is the registry ID the task router targets for
// customer communication.
const CustomerServiceAgentID = "customer-service-agent"

// CustomerWorker turns application outcomes into plain-language borrower
// communication. It never changes lifecycle state; its explanations are
// stored on the application so the API can return them.
type CustomerWorker struct {
	agent.Base
	apps   application.Service
	logger *zap.Logger
}

var _ agent.Agent = (*CustomerWorker)(nil)

func NewCustomerWorker(apps application.Service, logger *zap.Logger) (*CustomerWorker, error) {
	if apps == nil {
		return nil, errors.New("workers: application service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CustomerWorker{
		Base: agent.NewBase(agent.Capabilities{
			AgentID:     CustomerServiceAgentID,
			Description: "Explains application status and decisions to borrowers",
			Steps:       []string{StepExplainToCustomer},
			TaskTypes: []string{
				string(routing.TaskHandleCustomerInquiry),
				string(routing.TaskGenerateCustomerExplanation),
			},
		}),
		apps:   apps,
		logger: logger.Named("customer-worker"),
	}, nil
}

func (w *CustomerWorker) ExecuteStep(ctx context.Context, step string, inputs map[string]any) (map[string]any, error) {
	if step != StepExplainToCustomer {
		return nil, fmt.Errorf("workers: customer service agent cannot execute step %q", step)
	}
	appID, err := applicationID(inputs)
	if err != nil {
		return nil, err
	}
	explanation, err := w.explain(ctx, appID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"customer_explanation": explanation}, nil
}

func (w *CustomerWorker) ReceiveMessage(ctx context.Context, msg agent.Message) error {
	task, _ := msg.Content["task_type"].(string)
	switch task {
	case string(routing.TaskHandleCustomerInquiry), string(routing.TaskGenerateCustomerExplanation):
		appID, err := applicationID(msg.Content)
		if err != nil {
			return err
		}
		if _, err := w.explain(ctx, appID); err != nil {
			return err
		}
		w.logger.Info("customer explanation prepared",
			zap.String("application_id", appID),
			zap.String("requested_by", msg.From),
		)
		return nil
	default:
		w.logger.Debug("ignoring message", zap.String("task_type", task), zap.String("from", msg.From))
		return nil
	}
}

// explain composes the status text and stores it on the application.
func (w *CustomerWorker) explain(ctx context.Context, appID string) (string, error) {
	app, err := w.apps.Get(ctx, appID)
	if err != nil {
		return "", err
	}
	explanation := statusExplanation(app)
	if err := w.apps.AddContext(ctx, appID, "customer_explanation", explanation); err != nil {
		return "", err
	}
	return explanation, nil
}

func statusExplanation(app *application.Application) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your mortgage application (%s) is currently %s. ",
		app.ID, strings.ReplaceAll(string(app.State), "_", " "))

	switch app.State {
	case application.StateApproved, application.StateCompleted:
		b.WriteString("Congratulations! Your loan officer will be in touch soon to discuss the next steps in the closing process.")
	case application.StateConditionallyApproved:
		b.WriteString("Your application has been conditionally approved. This means we need some additional information before giving final approval.")
		if final, ok := asMap(app.Context["final_decision"]); ok {
			if conditions := asStrings(final["conditions"]); len(conditions) > 0 {
				b.WriteString("\n\nTo finalize your approval, please:")
				for i, condition := range conditions {
					fmt.Fprintf(&b, "\n%d. %s", i+1, condition)
				}
			}
		}
	case application.StateDeclined:
		b.WriteString("We regret to inform you that your application was not approved. Your loan officer will contact you to discuss the reasons and potential options.")
		if underwriting, ok := asMap(app.Context["underwriting_results"]); ok {
			if maxLoan, ok := asFloat(underwriting["max_loan_amount"]); ok && maxLoan > 0 {
				fmt.Fprintf(&b, " Based on the income you documented, a loan of up to $%.0f may be within reach.", maxLoan)
			}
		}
	case application.StateDocumentCollection:
		b.WriteString("We are waiting on documents from you. Submitting them promptly keeps your application moving.")
	default:
		b.WriteString("Our team is actively working on your application.")
	}
	return b.String()
}
