// Package decision records the judgments agents and reviewers make about an
// application, so the final outcome can be reconstructed decision by
// decision: who decided, what they decided, and on which factors.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/audit"
	"github.com/fyrsmithlabs/lendingd/internal/checkpoint"
)

const instrumentationName = "github.com/fyrsmithlabs/lendingd/internal/decision"

var (
	// ErrNoDecision is returned by Latest when nothing matches.
	ErrNoDecision = errors.New("decision: no decision recorded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("decision: tracker closed")
)

// Decision is one recorded judgment about an application.
type Decision struct {
	ID            string         `json:"id"`
	ApplicationID string         `json:"application_id"`
	Type          string         `json:"decision_type"`
	Outcome       bool           `json:"outcome"`
	Rationale     string         `json:"rationale,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	Factors       map[string]any `json:"factors,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Trail is the full decision history of one application, newest first, with
// the latest decision of each type pulled out.
type Trail struct {
	ApplicationID string              `json:"application_id"`
	Count         int                 `json:"decision_count"`
	Types         []string            `json:"decision_types"`
	Final         map[string]Decision `json:"final_decisions"`
	All           []Decision          `json:"all_decisions"`
	GeneratedAt   time.Time           `json:"generated_at"`
}

// FactorImpact aggregates how one factor correlated with outcomes across all
// decisions of a type. ImpactScore is (approvals-rejections)/occurrences.
type FactorImpact struct {
	Occurrences int     `json:"occurrences"`
	Approvals   int     `json:"approvals"`
	Rejections  int     `json:"rejections"`
	ImpactScore float64 `json:"impact_score"`
}

// Service tracks decisions per application.
type Service interface {
	// Record stores the decision, assigning ID and Timestamp when absent,
	// and writes a decision audit entry.
	Record(ctx context.Context, d Decision) (Decision, error)
	// List returns an application's decisions newest first, optionally
	// filtered by decision type.
	List(ctx context.Context, applicationID, decisionType string) ([]Decision, error)
	// Latest returns the most recent decision of the given type.
	Latest(ctx context.Context, applicationID, decisionType string) (Decision, error)
	// AuditTrail assembles the full decision history of an application.
	AuditTrail(ctx context.Context, applicationID string) (Trail, error)
	// FactorAnalysis aggregates decision factors by type and factor key.
	FactorAnalysis(ctx context.Context, applicationID string) (map[string]map[string]FactorImpact, error)
	Close() error
}

type tracker struct {
	auditor audit.Service
	logger  *zap.Logger

	mu     sync.RWMutex
	byApp  map[string][]Decision
	closed bool

	decisionsTotal metric.Int64Counter
}

var _ Service = (*tracker)(nil)

// NewService builds the decision tracker. The auditor is required: an
// unaudited decision is worthless to a reviewer.
func NewService(auditor audit.Service, logger *zap.Logger) (Service, error) {
	if auditor == nil {
		return nil, errors.New("decision: audit service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &tracker{
		auditor: auditor,
		logger:  logger,
		byApp:   make(map[string][]Decision),
	}
	var err error
	t.decisionsTotal, err = otel.Meter(instrumentationName).Int64Counter("lendingd.decision.decisions_total",
		metric.WithDescription("Decisions recorded"))
	if err != nil {
		return nil, fmt.Errorf("init decision metrics: %w", err)
	}
	return t, nil
}

func (t *tracker) Record(ctx context.Context, d Decision) (Decision, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "decision.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("decision.application_id", d.ApplicationID),
		attribute.String("decision.type", d.Type),
		attribute.Bool("decision.outcome", d.Outcome),
	)

	if d.ApplicationID == "" {
		return Decision{}, errors.New("decision: application id is required")
	}
	if d.Type == "" {
		return Decision{}, errors.New("decision: decision type is required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	d.Factors = checkpoint.CloneContext(d.Factors)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Decision{}, ErrClosed
	}
	t.byApp[d.ApplicationID] = append(t.byApp[d.ApplicationID], d)
	t.mu.Unlock()

	t.decisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision_type", d.Type),
		attribute.String("outcome", outcomeWord(d.Outcome)),
	))
	_, _ = t.auditor.LogDecision(ctx, d.DecidedBy, d.ApplicationID, outcomeWord(d.Outcome), map[string]any{
		"decision_type": d.Type,
		"rationale":     d.Rationale,
	})
	t.logger.Info("decision recorded",
		zap.String("application_id", d.ApplicationID),
		zap.String("decision_type", d.Type),
		zap.Bool("outcome", d.Outcome),
		zap.String("decided_by", d.DecidedBy),
	)
	return d, nil
}

func (t *tracker) List(ctx context.Context, applicationID, decisionType string) ([]Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}

	stored := t.byApp[applicationID]
	out := make([]Decision, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		if decisionType != "" && stored[i].Type != decisionType {
			continue
		}
		d := stored[i]
		d.Factors = checkpoint.CloneContext(d.Factors)
		out = append(out, d)
	}
	return out, nil
}

func (t *tracker) Latest(ctx context.Context, applicationID, decisionType string) (Decision, error) {
	decisions, err := t.List(ctx, applicationID, decisionType)
	if err != nil {
		return Decision{}, err
	}
	if len(decisions) == 0 {
		return Decision{}, fmt.Errorf("%w: application %s type %q", ErrNoDecision, applicationID, decisionType)
	}
	return decisions[0], nil
}

func (t *tracker) AuditTrail(ctx context.Context, applicationID string) (Trail, error) {
	all, err := t.List(ctx, applicationID, "")
	if err != nil {
		return Trail{}, err
	}

	final := make(map[string]Decision)
	var types []string
	for _, d := range all {
		if _, seen := final[d.Type]; !seen {
			final[d.Type] = d
			types = append(types, d.Type)
		}
	}
	return Trail{
		ApplicationID: applicationID,
		Count:         len(all),
		Types:         types,
		Final:         final,
		All:           all,
		GeneratedAt:   time.Now().UTC(),
	}, nil
}

func (t *tracker) FactorAnalysis(ctx context.Context, applicationID string) (map[string]map[string]FactorImpact, error) {
	all, err := t.List(ctx, applicationID, "")
	if err != nil {
		return nil, err
	}

	analysis := make(map[string]map[string]FactorImpact)
	for _, d := range all {
		byFactor, ok := analysis[d.Type]
		if !ok {
			byFactor = make(map[string]FactorImpact)
			analysis[d.Type] = byFactor
		}
		for key := range d.Factors {
			impact := byFactor[key]
			impact.Occurrences++
			if d.Outcome {
				impact.Approvals++
			} else {
				impact.Rejections++
			}
			impact.ImpactScore = float64(impact.Approvals-impact.Rejections) / float64(impact.Occurrences)
			byFactor[key] = impact
		}
	}
	return analysis, nil
}

func (t *tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func outcomeWord(outcome bool) string {
	if outcome {
		return "approved"
	}
	return "rejected"
}
