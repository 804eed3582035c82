package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/audit"
)

func newTestTracker(t *testing.T) (Service, audit.Service) {
	t.Helper()
	auditor, err := audit.NewService(nil, audit.NewMemoryStore(), nil)
	require.NoError(t, err)
	tracker, err := NewService(auditor, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tracker.Close())
		require.NoError(t, auditor.Close())
	})
	return tracker, auditor
}

func record(t *testing.T, tracker Service, d Decision) Decision {
	t.Helper()
	got, err := tracker.Record(context.Background(), d)
	require.NoError(t, err)
	return got
}

func TestRecordValidatesAndFills(t *testing.T) {
	tracker, auditor := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Record(ctx, Decision{Type: "underwriting"})
	require.Error(t, err)
	_, err = tracker.Record(ctx, Decision{ApplicationID: "app-1"})
	require.Error(t, err)

	got := record(t, tracker, Decision{
		ApplicationID: "app-1",
		Type:          "underwriting",
		Outcome:       true,
		Rationale:     "dti within limits",
		DecidedBy:     "underwriting-agent",
		Factors:       map[string]any{"dti_ratio": 0.31, "credit_score": 742},
	})
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())

	entries, err := auditor.Search(ctx, audit.Query{EventTypes: []audit.EventType{audit.EventDecision}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "underwriting-agent", entries[0].AgentID)
	assert.Equal(t, "app-1", entries[0].ResourceID)
	assert.Equal(t, "approved", entries[0].Details["decision"])
	assert.Equal(t, "underwriting", entries[0].Details["decision_type"])
}

func TestListNewestFirstAndFiltered(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	record(t, tracker, Decision{ApplicationID: "app-1", Type: "underwriting", Outcome: false, Rationale: "first pass"})
	record(t, tracker, Decision{ApplicationID: "app-1", Type: "compliance", Outcome: true})
	record(t, tracker, Decision{ApplicationID: "app-1", Type: "underwriting", Outcome: true, Rationale: "second pass"})
	record(t, tracker, Decision{ApplicationID: "app-2", Type: "underwriting", Outcome: true})

	all, err := tracker.List(ctx, "app-1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "second pass", all[0].Rationale)
	assert.Equal(t, "compliance", all[1].Type)
	assert.Equal(t, "first pass", all[2].Rationale)

	underwriting, err := tracker.List(ctx, "app-1", "underwriting")
	require.NoError(t, err)
	require.Len(t, underwriting, 2)
	assert.True(t, underwriting[0].Outcome)
	assert.False(t, underwriting[1].Outcome)

	none, err := tracker.List(ctx, "app-404", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLatest(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	record(t, tracker, Decision{ApplicationID: "app-1", Type: "underwriting", Outcome: false})
	record(t, tracker, Decision{ApplicationID: "app-1", Type: "underwriting", Outcome: true, Rationale: "income re-verified"})

	latest, err := tracker.Latest(ctx, "app-1", "underwriting")
	require.NoError(t, err)
	assert.True(t, latest.Outcome)
	assert.Equal(t, "income re-verified", latest.Rationale)

	_, err = tracker.Latest(ctx, "app-1", "compliance")
	require.ErrorIs(t, err, ErrNoDecision)
}

func TestAuditTrail(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	record(t, tracker, Decision{ApplicationID: "app-1", Type: "underwriting", Outcome: false})
	record(t, tracker, Decision{ApplicationID: "app-1", Type: "underwriting", Outcome: true})
	record(t, tracker, Decision{ApplicationID: "app-1", Type: "compliance", Outcome: true})

	trail, err := tracker.AuditTrail(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "app-1", trail.ApplicationID)
	assert.Equal(t, 3, trail.Count)
	assert.ElementsMatch(t, []string{"underwriting", "compliance"}, trail.Types)
	require.Len(t, trail.Final, 2)
	assert.True(t, trail.Final["underwriting"].Outcome, "final underwriting decision is the retry")
	assert.True(t, trail.Final["compliance"].Outcome)
	assert.Len(t, trail.All, 3)
	assert.False(t, trail.GeneratedAt.IsZero())
}

func TestFactorAnalysis(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	record(t, tracker, Decision{
		ApplicationID: "app-1", Type: "underwriting", Outcome: false,
		Factors: map[string]any{"dti_ratio": 0.52, "credit_score": 588},
	})
	record(t, tracker, Decision{
		ApplicationID: "app-1", Type: "underwriting", Outcome: true,
		Factors: map[string]any{"dti_ratio": 0.38},
	})
	record(t, tracker, Decision{
		ApplicationID: "app-1", Type: "compliance", Outcome: true,
		Factors: map[string]any{"flood_zone": false},
	})

	analysis, err := tracker.FactorAnalysis(ctx, "app-1")
	require.NoError(t, err)
	require.Contains(t, analysis, "underwriting")
	require.Contains(t, analysis, "compliance")

	dti := analysis["underwriting"]["dti_ratio"]
	assert.Equal(t, 2, dti.Occurrences)
	assert.Equal(t, 1, dti.Approvals)
	assert.Equal(t, 1, dti.Rejections)
	assert.Equal(t, 0.0, dti.ImpactScore)

	score := analysis["underwriting"]["credit_score"]
	assert.Equal(t, 1, score.Occurrences)
	assert.Equal(t, -1.0, score.ImpactScore)

	flood := analysis["compliance"]["flood_zone"]
	assert.Equal(t, 1.0, flood.ImpactScore)
}

func TestFactorsAreIsolated(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	factors := map[string]any{"dti_ratio": 0.31}
	record(t, tracker, Decision{ApplicationID: "app-1", Type: "underwriting", Outcome: true, Factors: factors})
	factors["dti_ratio"] = 0.99

	latest, err := tracker.Latest(ctx, "app-1", "underwriting")
	require.NoError(t, err)
	assert.Equal(t, 0.31, latest.Factors["dti_ratio"])

	latest.Factors["dti_ratio"] = 0.01
	again, err := tracker.Latest(ctx, "app-1", "underwriting")
	require.NoError(t, err)
	assert.Equal(t, 0.31, again.Factors["dti_ratio"])
}

func TestClosedTracker(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	record(t, tracker, Decision{ApplicationID: "app-1", Type: "underwriting", Outcome: true, Timestamp: time.Now()})
	require.NoError(t, tracker.Close())

	_, err := tracker.Record(ctx, Decision{ApplicationID: "app-1", Type: "underwriting"})
	require.ErrorIs(t, err, ErrClosed)
	_, err = tracker.List(ctx, "app-1", "")
	require.ErrorIs(t, err, ErrClosed)
	_, err = tracker.AuditTrail(ctx, "app-1")
	require.ErrorIs(t, err, ErrClosed)
}
