package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/audit"
	"github.com/fyrsmithlabs/lendingd/internal/checkpoint"
	"github.com/fyrsmithlabs/lendingd/internal/decision"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
	"github.com/fyrsmithlabs/lendingd/internal/routing"
	"github.com/fyrsmithlabs/lendingd/internal/security"
)

// autoAgent completes every step it is asked to run.
type autoAgent struct {
	agent.Base
}

func newAutoAgent(id string, steps ...string) *autoAgent {
	return &autoAgent{Base: agent.NewBase(agent.Capabilities{AgentID: id, Steps: steps})}
}

func (a *autoAgent) ExecuteStep(_ context.Context, step string, _ map[string]any) (map[string]any, error) {
	return map[string]any{step + "_done": true}, nil
}

func (a *autoAgent) ReceiveMessage(context.Context, agent.Message) error { return nil }

type apiFixture struct {
	t       *testing.T
	server  *Server
	apps    application.Service
	engine  *orchestrator.Engine
	recov   recovery.Service
	auditor audit.Service
}

// newTestAPI wires the full stack behind the API: audit, applications,
// agents, engine, recovery, routing and the scrubber. The test pattern
// parks on an external event, then on a confirmation.
func newTestAPI(t *testing.T, cfg *Config) *apiFixture {
	t.Helper()

	auditor, err := audit.NewService(nil, audit.NewMemoryStore(), nil)
	require.NoError(t, err)
	apps, err := application.NewService(nil, nil, auditor, zap.NewNop())
	require.NoError(t, err)

	registry, err := agent.NewRegistry(nil, nil)
	require.NoError(t, err)
	require.NoError(t, registry.Register(newAutoAgent("worker-agent", "collect_documents", "review_application")))

	recov, err := recovery.NewService(nil, auditor, zap.NewNop())
	require.NoError(t, err)

	pattern := &orchestrator.Pattern{
		Name:              "intake_review",
		Description:       "collect documents, then review under supervision",
		AllowedInitiators: []string{"loan-officer", "orchestrator-agent"},
		Steps: []orchestrator.Step{
			{
				Name:         "collect_documents",
				Agent:        "worker-agent",
				WaitForEvent: "documents_ready",
				Timeout:      2 * time.Second,
			},
			{
				Name:                 "review_application",
				Agent:                "worker-agent",
				RequiresConfirmation: true,
				Timeout:              2 * time.Second,
			},
		},
	}
	require.NoError(t, pattern.Validate())

	engine, err := orchestrator.NewEngine(nil, registry, auditor, checkpoint.NewMemoryStore(0), recov, nil, zap.NewNop())
	require.NoError(t, err)
	engine.ReloadPatterns([]*orchestrator.Pattern{pattern})
	recov.SetController(engine)

	router, err := routing.NewService(nil, apps, registry, zap.NewNop())
	require.NoError(t, err)
	apps.SetDispatcher(router)

	decisions, err := decision.NewService(auditor, zap.NewNop())
	require.NoError(t, err)

	scrubber, err := security.New(nil)
	require.NoError(t, err)

	if cfg == nil {
		// Generous limits so status polling never trips the limiter.
		cfg = &Config{Host: "localhost", Port: 0, RatePerSecond: 500, RateBurst: 500}
	}
	server, err := NewServer(Dependencies{
		Applications: apps,
		Sessions:     engine,
		Recovery:     recov,
		Audit:        auditor,
		Decisions:    decisions,
		Scrubber:     scrubber,
		Router:       router,
	}, zap.NewNop(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, engine.Close())
		require.NoError(t, registry.Close())
		require.NoError(t, recov.Close())
		require.NoError(t, decisions.Close())
		require.NoError(t, apps.Close())
		require.NoError(t, auditor.Close())
	})
	return &apiFixture{
		t:       t,
		server:  server,
		apps:    apps,
		engine:  engine,
		recov:   recov,
		auditor: auditor,
	}
}

func (f *apiFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(data)
	}
	return f.doRaw(method, path, reader)
}

func (f *apiFixture) doRaw(method, path string, body io.Reader) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
}

// createApplication provisions an application through the API and returns
// its id.
func (f *apiFixture) createApplication(data map[string]any) string {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/applications", data)
	require.Equal(f.t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	var resp ApplicationResponse
	decodeJSON(f.t, rec, &resp)
	require.NotEmpty(f.t, resp.ID)
	return resp.ID
}

// createSession starts a workflow session through the API.
func (f *apiFixture) createSession(body CreateSessionRequest) orchestrator.SessionSnapshot {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/sessions", body)
	require.Equal(f.t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	var snap orchestrator.SessionSnapshot
	decodeJSON(f.t, rec, &snap)
	require.NotEmpty(f.t, snap.ID)
	return snap
}

// waitStatus polls GET /sessions/:id until the session reports status.
func (f *apiFixture) waitStatus(sessionID string, status orchestrator.SessionStatus) orchestrator.SessionSnapshot {
	f.t.Helper()
	var snap orchestrator.SessionSnapshot
	require.Eventually(f.t, func() bool {
		rec := f.do(http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		snap = orchestrator.SessionSnapshot{}
		if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.Status == status
	}, 3*time.Second, 10*time.Millisecond, "session %s never reached %s", sessionID, status)
	return snap
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with full dependencies", func(t *testing.T) {
		f := newTestAPI(t, nil)
		assert.NotNil(t, f.server.Echo())
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		f := newTestAPI(t, nil)
		server, err := NewServer(f.server.deps, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8080, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		f := newTestAPI(t, nil)
		_, err := NewServer(f.server.deps, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when a dependency is missing", func(t *testing.T) {
		_, err := NewServer(Dependencies{}, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "application service")
	})
}

func TestHandleHealth(t *testing.T) {
	f := newTestAPI(t, nil)
	rec := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestAPI(t, nil)
	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestCreateApplication(t *testing.T) {
	t.Run("creates and scrubs the response", func(t *testing.T) {
		f := newTestAPI(t, nil)
		rec := f.do(http.MethodPost, "/api/v1/applications", map[string]any{
			"applicant": "Jane Doe",
			"ssn":       "123-45-6789",
		})
		require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

		var resp ApplicationResponse
		decodeJSON(t, rec, &resp)
		assert.NotEmpty(t, resp.ID)
		assert.Equal(t, application.StateDocumentCollection, resp.State)
		assert.Equal(t, "Jane Doe", resp.Context["applicant"])
		assert.Equal(t, "[REDACTED]", resp.Context["ssn"])
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		f := newTestAPI(t, nil)
		rec := f.doRaw(http.MethodPost, "/api/v1/applications", bytes.NewReader([]byte("{oops")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetApplication(t *testing.T) {
	f := newTestAPI(t, nil)
	id := f.createApplication(map[string]any{"applicant": "Jane Doe"})

	rec := f.do(http.MethodGet, "/api/v1/applications/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ApplicationResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, id, resp.ID)
	assert.NotEmpty(t, resp.History)

	rec = f.do(http.MethodGet, "/api/v1/applications/app-unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessDocument(t *testing.T) {
	f := newTestAPI(t, nil)
	id := f.createApplication(map[string]any{"applicant": "Jane Doe"})

	t.Run("records a document", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/applications/"+id+"/documents", DocumentRequest{
			Type: "income_verification",
			Name: "paystub.pdf",
		})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		var resp DocumentResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, id, resp.ApplicationID)
		assert.Equal(t, application.StateDocumentCollection, resp.State)
	})

	t.Run("rejects missing type", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/applications/"+id+"/documents", DocumentRequest{Name: "blank.pdf"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown application is 404", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/applications/app-unknown/documents", DocumentRequest{Type: "w2"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("completed application is 409", func(t *testing.T) {
		ctx := context.Background()
		for _, next := range []application.State{
			application.StateDocumentValidation,
			application.StateDocumentAnalysis,
			application.StateUnderwriting,
			application.StateComplianceCheck,
			application.StateDecisionPending,
			application.StateApproved,
			application.StateCompleted,
		} {
			require.True(t, f.apps.Transition(ctx, id, next, "advance"))
		}
		rec := f.do(http.MethodPost, "/api/v1/applications/"+id+"/documents", DocumentRequest{Type: "w2"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestSuggestedTasks(t *testing.T) {
	f := newTestAPI(t, nil)
	id := f.createApplication(map[string]any{"applicant": "Jane Doe"})

	rec := f.do(http.MethodGet, "/api/v1/applications/"+id+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SuggestedTasksResponse
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Tasks, 2)
	assert.Equal(t, string(routing.TaskProcessApplication), resp.Tasks[0].Type)
	assert.Equal(t, "high", resp.Tasks[0].Priority)
	assert.Equal(t, string(routing.TaskHandleCustomerInquiry), resp.Tasks[1].Type)
	assert.Equal(t, "normal", resp.Tasks[1].Priority)

	rec = f.do(http.MethodGet, "/api/v1/applications/app-unknown/tasks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatternsEndpoint(t *testing.T) {
	f := newTestAPI(t, nil)
	rec := f.do(http.MethodGet, "/api/v1/patterns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "intake_review")
	assert.Contains(t, rec.Body.String(), "collect_documents")
}

func TestSessionLifecycle(t *testing.T) {
	f := newTestAPI(t, nil)
	appID := f.createApplication(map[string]any{"applicant": "Jane Doe"})

	snap := f.createSession(CreateSessionRequest{
		Pattern:   "intake_review",
		Initiator: "loan-officer",
		Context:   map[string]any{"application_id": appID, "ssn": "123-45-6789"},
	})

	mid := f.waitStatus(snap.ID, orchestrator.StatusWaitingEvent)
	assert.Equal(t, "collect_documents", mid.StepName)
	assert.Equal(t, "[REDACTED]", mid.Context["ssn"])

	rec := f.do(http.MethodPost, "/api/v1/events", EventRequest{
		SessionID: snap.ID,
		Event:     "documents_ready",
		Payload:   map[string]any{"count": 3},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	f.waitStatus(snap.ID, orchestrator.StatusWaitingConfirmation)

	approved := true
	rec = f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/confirm", ConfirmRequest{
		UserID:   "supervisor-1",
		Approved: &approved,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	done := f.waitStatus(snap.ID, orchestrator.StatusCompleted)
	require.NotEmpty(t, done.Results)
	assert.Equal(t, "collect_documents", done.Results[0].Step)

	rec = f.do(http.MethodGet, "/api/v1/sessions?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionListResponse
	decodeJSON(t, rec, &list)
	assert.Equal(t, 1, list.Total)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newTestAPI(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/sessions", CreateSessionRequest{Initiator: "loan-officer"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sessions", CreateSessionRequest{Pattern: "no_such_pattern", Initiator: "loan-officer"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sessions", CreateSessionRequest{Pattern: "intake_review", Initiator: "intruder"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConfirmValidation(t *testing.T) {
	f := newTestAPI(t, nil)
	snap := f.createSession(CreateSessionRequest{Pattern: "intake_review", Initiator: "loan-officer"})
	f.waitStatus(snap.ID, orchestrator.StatusWaitingEvent)

	approved := true
	rec := f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/confirm", ConfirmRequest{Approved: &approved})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/confirm", ConfirmRequest{UserID: "supervisor-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Waiting on an event, not a confirmation.
	rec = f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/confirm", ConfirmRequest{UserID: "supervisor-1", Approved: &approved})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sessions/sess-unknown/confirm", ConfirmRequest{UserID: "supervisor-1", Approved: &approved})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmDenialAborts(t *testing.T) {
	f := newTestAPI(t, nil)
	snap := f.createSession(CreateSessionRequest{Pattern: "intake_review", Initiator: "loan-officer"})
	f.waitStatus(snap.ID, orchestrator.StatusWaitingEvent)

	rec := f.do(http.MethodPost, "/api/v1/events", EventRequest{SessionID: snap.ID, Event: "documents_ready"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.waitStatus(snap.ID, orchestrator.StatusWaitingConfirmation)

	denied := false
	rec = f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/confirm", ConfirmRequest{
		UserID:   "supervisor-1",
		Approved: &denied,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	f.waitStatus(snap.ID, orchestrator.StatusAborted)
}

func TestResumeSession(t *testing.T) {
	f := newTestAPI(t, nil)
	snap := f.createSession(CreateSessionRequest{Pattern: "intake_review", Initiator: "loan-officer"})
	f.waitStatus(snap.ID, orchestrator.StatusWaitingEvent)

	t.Run("invalid action is 400", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/resume", ResumeRequest{UserID: "sup", Action: "reboot"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("resume on a session that is not parked is 409", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/resume", ResumeRequest{UserID: "sup", Action: "continue"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("resume merges supplied data into the context", func(t *testing.T) {
		require.NoError(t, f.engine.SuspendSession(context.Background(), snap.ID, "operator hold"))
		f.waitStatus(snap.ID, orchestrator.StatusAwaitingHuman)

		rec := f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/resume", ResumeRequest{
			UserID: "sup",
			Action: "continue",
			Data:   map[string]any{"rate_quote": "6.125"},
		})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		mid := f.waitStatus(snap.ID, orchestrator.StatusWaitingEvent)
		assert.Equal(t, "6.125", mid.Context["rate_quote"])
	})

	t.Run("abort closes out a parked session", func(t *testing.T) {
		require.NoError(t, f.engine.SuspendSession(context.Background(), snap.ID, "operator hold"))
		rec := f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/resume", ResumeRequest{UserID: "sup", Action: "abort"})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		f.waitStatus(snap.ID, orchestrator.StatusAborted)
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/sessions/sess-unknown/resume", ResumeRequest{UserID: "sup", Action: "abort"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSessionMessages(t *testing.T) {
	f := newTestAPI(t, nil)
	snap := f.createSession(CreateSessionRequest{Pattern: "intake_review", Initiator: "loan-officer"})
	f.waitStatus(snap.ID, orchestrator.StatusWaitingEvent)

	send := func(body MessageRequest) *httptest.ResponseRecorder {
		return f.do(http.MethodPost, "/api/v1/sessions/"+snap.ID+"/messages", body)
	}

	t.Run("delivers and records a message", func(t *testing.T) {
		rec := send(MessageRequest{
			To:       "worker-agent",
			Type:     "notification",
			Content:  map[string]any{"note": "call applicant about ssn 123-45-6789"},
			Priority: "high",
		})
		require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

		var got orchestrator.SessionSnapshot
		decodeJSON(t, rec, &got)
		require.Len(t, got.Messages, 1)
		msg := got.Messages[0]
		assert.Equal(t, "orchestrator", msg.From)
		assert.Equal(t, "worker-agent", msg.To)
		assert.Equal(t, agent.PriorityHigh, msg.Priority)
		assert.NotEmpty(t, msg.ID)
		note, _ := msg.Content["note"].(string)
		assert.Contains(t, note, "[REDACTED]")
		assert.NotContains(t, note, "123-45-6789")
	})

	t.Run("validates the request", func(t *testing.T) {
		rec := send(MessageRequest{Type: "notification"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = send(MessageRequest{To: "worker-agent"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = send(MessageRequest{To: "worker-agent", Type: "carrier_pigeon"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = send(MessageRequest{To: "ghost-agent", Type: "notification"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/sessions/sess-unknown/messages", MessageRequest{
			To: "worker-agent", Type: "notification",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestExternalEventValidation(t *testing.T) {
	f := newTestAPI(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/events", EventRequest{SessionID: "sess-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/events", EventRequest{SessionID: "sess-unknown", Event: "documents_ready"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Without a session id the event broadcasts; nothing is waiting yet.
	rec = f.do(http.MethodPost, "/api/v1/events", EventRequest{Event: "documents_ready"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp EventResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 0, resp.Matched)
}

func TestBroadcastEvent(t *testing.T) {
	f := newTestAPI(t, nil)
	first := f.createSession(CreateSessionRequest{Pattern: "intake_review", Initiator: "loan-officer"})
	second := f.createSession(CreateSessionRequest{Pattern: "intake_review", Initiator: "loan-officer"})
	f.waitStatus(first.ID, orchestrator.StatusWaitingEvent)
	f.waitStatus(second.ID, orchestrator.StatusWaitingEvent)

	rec := f.do(http.MethodPost, "/api/v1/events", EventRequest{
		Event:   "documents_ready",
		Payload: map[string]any{"bundle": "b-7"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())
	var resp EventResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, 2, resp.Matched)

	f.waitStatus(first.ID, orchestrator.StatusWaitingConfirmation)
	done := f.waitStatus(second.ID, orchestrator.StatusWaitingConfirmation)
	assert.Equal(t, "b-7", done.Context["bundle"])
}

func TestErrorEndpoints(t *testing.T) {
	f := newTestAPI(t, nil)
	appID := f.createApplication(map[string]any{"applicant": "Jane Doe"})
	snap := f.createSession(CreateSessionRequest{
		Pattern:   "intake_review",
		Initiator: "loan-officer",
		Context:   map[string]any{"application_id": appID},
	})
	f.waitStatus(snap.ID, orchestrator.StatusWaitingEvent)

	ctx := context.Background()
	_, err := f.recov.HandleError(ctx, snap.ID, "collect_documents", errors.New("intake feed offline"))
	require.NoError(t, err)
	_, err = f.recov.HandleError(ctx, snap.ID, "collect_documents", errors.New("intake feed offline again"))
	require.NoError(t, err)

	t.Run("history lists the application's records", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/errors/"+appID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ErrorHistoryResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, appID, resp.ApplicationID)
		require.Equal(t, 2, resp.Total)
		assert.Equal(t, snap.ID, resp.Records[0].SessionID)
	})

	t.Run("limit bounds the history", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/errors/"+appID+"?limit=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ErrorHistoryResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, 1, resp.Total)

		rec = f.do(http.MethodGet, "/api/v1/errors/"+appID+"?limit=x", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("statistics aggregate the records", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/errors/"+appID+"/statistics", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ErrorStatisticsResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, 2, resp.Total)
		sum := 0
		for _, n := range resp.ByStatus {
			sum += n
		}
		assert.Equal(t, 2, sum)
		assert.Equal(t, float64(0), resp.RecoverySuccessRate)
	})

	t.Run("application with no sessions has empty history", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/errors/app-quiet", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ErrorHistoryResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, 0, resp.Total)
	})
}

func TestDecisionEndpoints(t *testing.T) {
	f := newTestAPI(t, nil)
	appID := f.createApplication(map[string]any{"applicant": "Jane Doe"})

	outcome := true
	record := func(body DecisionRequest) *httptest.ResponseRecorder {
		return f.do(http.MethodPost, "/api/v1/applications/"+appID+"/decisions", body)
	}

	t.Run("records and scrubs a decision", func(t *testing.T) {
		rec := record(DecisionRequest{
			Type:      "underwriting",
			Outcome:   &outcome,
			Rationale: "income verified for ssn 123-45-6789",
			DecidedBy: "underwriting-agent",
			Factors:   map[string]any{"dti_ratio": 0.31},
		})
		require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
		var d decision.Decision
		decodeJSON(t, rec, &d)
		assert.NotEmpty(t, d.ID)
		assert.True(t, d.Outcome)
		assert.NotContains(t, d.Rationale, "123-45-6789")
		assert.Contains(t, d.Rationale, "[REDACTED]")
	})

	t.Run("validates the request", func(t *testing.T) {
		rec := record(DecisionRequest{Outcome: &outcome, DecidedBy: "underwriting-agent"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = record(DecisionRequest{Type: "underwriting", DecidedBy: "underwriting-agent"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = record(DecisionRequest{Type: "underwriting", Outcome: &outcome})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown application is 404", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/applications/app-unknown/decisions", DecisionRequest{
			Type: "underwriting", Outcome: &outcome, DecidedBy: "underwriting-agent",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("trail returns the history", func(t *testing.T) {
		declined := false
		rec := record(DecisionRequest{
			Type:      "compliance",
			Outcome:   &declined,
			DecidedBy: "compliance-agent",
			Factors:   map[string]any{"flood_zone": true},
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = f.do(http.MethodGet, "/api/v1/applications/"+appID+"/decisions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var trail decision.Trail
		decodeJSON(t, rec, &trail)
		assert.Equal(t, 2, trail.Count)
		assert.Len(t, trail.Final, 2)
		assert.Equal(t, "compliance", trail.All[0].Type)
	})

	t.Run("factor analysis aggregates outcomes", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/applications/"+appID+"/decisions/factors", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp FactorAnalysisResponse
		decodeJSON(t, rec, &resp)
		impact := resp.Factors["underwriting"]["dti_ratio"]
		assert.Equal(t, 1, impact.Occurrences)
		assert.Equal(t, 1, impact.Approvals)
		assert.Equal(t, float64(1), impact.ImpactScore)
	})
}

func TestAuditEndpoints(t *testing.T) {
	f := newTestAPI(t, nil)
	f.createApplication(map[string]any{"applicant": "Jane Doe"})

	t.Run("search filters by event type", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/audit/search?event_type=application_created", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp AuditSearchResponse
		decodeJSON(t, rec, &resp)
		require.GreaterOrEqual(t, resp.Total, 1)
		assert.Equal(t, "application_created", resp.Entries[0].Type)
		assert.NotEmpty(t, resp.Entries[0].Hash)
	})

	t.Run("limit bounds the result", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/audit/search?limit=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp AuditSearchResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, 1, resp.Total)
	})

	t.Run("bad time bound is 400", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/audit/search?start=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("verify reports a clean chain", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/audit/verify", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp AuditVerifyResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, "all", resp.Segment)
		assert.True(t, resp.Valid)
	})
}

func TestHandleScrub(t *testing.T) {
	f := newTestAPI(t, nil)

	t.Run("redacts sensitive content", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/scrub", ScrubRequest{Content: "applicant ssn 123-45-6789"})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ScrubResponse
		decodeJSON(t, rec, &resp)
		assert.Contains(t, resp.Content, "[REDACTED]")
		assert.NotContains(t, resp.Content, "123-45-6789")
		assert.Equal(t, 1, resp.FindingsCount)
		assert.Equal(t, 1, resp.ByRule["us-ssn"])
	})

	t.Run("passes clean content through", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/scrub", ScrubRequest{Content: "the appraisal came back within range"})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ScrubResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, "the appraisal came back within range", resp.Content)
		assert.Equal(t, 0, resp.FindingsCount)
	})

	t.Run("rejects empty content", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/scrub", ScrubRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRateLimit(t *testing.T) {
	f := newTestAPI(t, &Config{Host: "localhost", Port: 0, RatePerSecond: 1, RateBurst: 2})

	first := f.do(http.MethodPost, "/api/v1/scrub", ScrubRequest{Content: "hello"})
	second := f.do(http.MethodPost, "/api/v1/scrub", ScrubRequest{Content: "hello"})
	third := f.do(http.MethodPost, "/api/v1/scrub", ScrubRequest{Content: "hello"})

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, http.StatusTooManyRequests, third.Code)

	// Health is outside the limited group.
	rec := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
