package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/agent"
	"github.com/fyrsmithlabs/lendingd/internal/application"
	"github.com/fyrsmithlabs/lendingd/internal/audit"
	"github.com/fyrsmithlabs/lendingd/internal/decision"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/recovery"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ApplicationResponse is the client view of an application. Context and
// document metadata have passed the security filter.
type ApplicationResponse struct {
	ID        string                          `json:"id"`
	State     application.State               `json:"state"`
	Context   map[string]any                  `json:"context,omitempty"`
	Documents map[string]application.Document `json:"documents,omitempty"`
	History   []application.TransitionRecord  `json:"history,omitempty"`
	CreatedAt time.Time                       `json:"created_at"`
	UpdatedAt time.Time                       `json:"updated_at"`
}

// DocumentRequest is the request body for POST /applications/:id/documents.
type DocumentRequest struct {
	Type     string         `json:"type"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DocumentResponse reports the application state after a document landed.
type DocumentResponse struct {
	ApplicationID string            `json:"application_id"`
	State         application.State `json:"state"`
}

// TaskResponse is one suggested follow-up task.
type TaskResponse struct {
	Type        string `json:"task_type"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority"`
}

// SuggestedTasksResponse is the response body for GET /applications/:id/tasks.
type SuggestedTasksResponse struct {
	ApplicationID string         `json:"application_id"`
	Tasks         []TaskResponse `json:"tasks"`
}

// DecisionRequest is the request body for POST /applications/:id/decisions.
type DecisionRequest struct {
	Type      string         `json:"decision_type"`
	Outcome   *bool          `json:"outcome"`
	Rationale string         `json:"rationale,omitempty"`
	DecidedBy string         `json:"decided_by"`
	Factors   map[string]any `json:"factors,omitempty"`
}

// FactorAnalysisResponse is the response body for
// GET /applications/:id/decisions/factors.
type FactorAnalysisResponse struct {
	ApplicationID string                                      `json:"application_id"`
	Factors       map[string]map[string]decision.FactorImpact `json:"factors"`
}

// CreateSessionRequest is the request body for POST /sessions.
type CreateSessionRequest struct {
	Pattern   string         `json:"pattern"`
	Initiator string         `json:"initiator"`
	Context   map[string]any `json:"context,omitempty"`
}

// SessionListResponse is the response body for GET /sessions.
type SessionListResponse struct {
	Total    int                            `json:"total"`
	Sessions []orchestrator.SessionSnapshot `json:"sessions"`
}

// ConfirmRequest is the request body for POST /sessions/:id/confirm.
type ConfirmRequest struct {
	UserID   string `json:"user_id"`
	Approved *bool  `json:"approved"`
}

// ResumeRequest is the request body for POST /sessions/:id/resume. Data is
// merged into the session context before the workflow continues.
type ResumeRequest struct {
	UserID string         `json:"user_id"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

// EventRequest is the request body for POST /events. An empty session_id
// broadcasts the event to every session waiting on it.
type EventRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventResponse reports how many sessions an external event reached.
type EventResponse struct {
	Status  string `json:"status"`
	Matched int    `json:"matched"`
}

// MessageRequest is the request body for POST /sessions/:id/messages. From
// defaults to the orchestrator itself; priority accepts low, normal, high
// or urgent.
type MessageRequest struct {
	From     string         `json:"from,omitempty"`
	To       string         `json:"to"`
	Type     string         `json:"type"`
	Content  map[string]any `json:"content,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

// ErrorHistoryResponse is the response body for GET /errors/:application_id.
type ErrorHistoryResponse struct {
	ApplicationID string             `json:"application_id"`
	Total         int                `json:"total"`
	Records       []*recovery.Record `json:"records"`
}

// ErrorStatisticsResponse aggregates an application's recovery records.
type ErrorStatisticsResponse struct {
	ApplicationID       string         `json:"application_id"`
	Total               int            `json:"total"`
	BySeverity          map[string]int `json:"by_severity"`
	ByCategory          map[string]int `json:"by_category"`
	ByStatus            map[string]int `json:"by_status"`
	RecoverySuccessRate float64        `json:"recovery_success_rate"`
}

// AuditEntryResponse is the client view of one audit entry.
type AuditEntryResponse struct {
	Timestamp  time.Time      `json:"timestamp"`
	ID         string         `json:"id"`
	Type       string         `json:"event_type"`
	UserID     string         `json:"user_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Action     string         `json:"action"`
	ResourceID string         `json:"resource_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Success    bool           `json:"success"`
	Hash       string         `json:"hash"`
}

// AuditSearchResponse is the response body for GET /audit/search.
type AuditSearchResponse struct {
	Total   int                  `json:"total"`
	Entries []AuditEntryResponse `json:"entries"`
}

// AuditVerifyResponse is the response body for GET /audit/verify.
type AuditVerifyResponse struct {
	Segment string `json:"segment"`
	Valid   bool   `json:"valid"`
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string         `json:"content"`
	FindingsCount int            `json:"findings_count"`
	ByRule        map[string]int `json:"findings_by_rule,omitempty"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateApplication(c echo.Context) error {
	var data map[string]any
	if err := c.Bind(&data); err != nil {
		s.logger.Warn("invalid application request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	id, err := s.deps.Applications.CreateApplication(ctx, data)
	if err != nil {
		return mapError(err)
	}
	app, err := s.deps.Applications.Get(ctx, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, s.applicationResponse(app))
}

func (s *Server) handleGetApplication(c echo.Context) error {
	app, err := s.deps.Applications.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, s.applicationResponse(app))
}

func (s *Server) handleProcessDocument(c echo.Context) error {
	var req DocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document type is required")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	err := s.deps.Applications.ProcessDocument(ctx, id, application.Document{
		Type:     req.Type,
		Name:     req.Name,
		Metadata: req.Metadata,
	})
	if err != nil {
		return mapError(err)
	}
	state, err := s.deps.Applications.Current(ctx, id)
	if err != nil {
		return mapError(err)
	}
	if state != application.StateDocumentCollection {
		s.signalDocumentsReady(ctx, id, state)
	}
	return c.JSON(http.StatusOK, DocumentResponse{ApplicationID: id, State: state})
}

// signalDocumentsReady unblocks sessions parked on the documents_ready event
// once the required document set is complete. Sessions not yet at their wait
// step buffer the event.
func (s *Server) signalDocumentsReady(ctx context.Context, applicationID string, state application.State) {
	snaps, err := s.deps.Sessions.ListSessions(ctx, "")
	if err != nil {
		s.logger.Warn("listing sessions for document signal failed", zap.Error(err))
		return
	}
	for _, snap := range snaps {
		if snap.Status.Terminal() {
			continue
		}
		if id, _ := snap.Context["application_id"].(string); id != applicationID {
			continue
		}
		err := s.deps.Sessions.HandleEvent(ctx, snap.ID, "documents_ready", map[string]any{
			"application_id": applicationID,
			"state":          string(state),
		})
		if err != nil {
			s.logger.Warn("documents_ready signal failed",
				zap.String("session_id", snap.ID), zap.Error(err))
		}
	}
}

func (s *Server) handleSuggestedTasks(c echo.Context) error {
	id := c.Param("id")
	tasks, err := s.deps.Router.SuggestedNextTasks(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	resp := SuggestedTasksResponse{ApplicationID: id, Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, TaskResponse{
			Type:        string(t.Type),
			Description: t.Description,
			Priority:    t.Priority.String(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecordDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "decision_type is required")
	}
	if req.Outcome == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "outcome is required")
	}
	if req.DecidedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "decided_by is required")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.deps.Applications.Get(ctx, id); err != nil {
		return mapError(err)
	}
	recorded, err := s.deps.Decisions.Record(ctx, decision.Decision{
		ApplicationID: id,
		Type:          req.Type,
		Outcome:       *req.Outcome,
		Rationale:     req.Rationale,
		DecidedBy:     req.DecidedBy,
		Factors:       req.Factors,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, s.sanitizeDecision(recorded))
}

func (s *Server) handleDecisionTrail(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.deps.Applications.Get(ctx, id); err != nil {
		return mapError(err)
	}
	trail, err := s.deps.Decisions.AuditTrail(ctx, id)
	if err != nil {
		return mapError(err)
	}
	for i := range trail.All {
		trail.All[i] = s.sanitizeDecision(trail.All[i])
	}
	for k, d := range trail.Final {
		trail.Final[k] = s.sanitizeDecision(d)
	}
	return c.JSON(http.StatusOK, trail)
}

func (s *Server) handleFactorAnalysis(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.deps.Applications.Get(ctx, id); err != nil {
		return mapError(err)
	}
	factors, err := s.deps.Decisions.FactorAnalysis(ctx, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, FactorAnalysisResponse{ApplicationID: id, Factors: factors})
}

func (s *Server) handlePatterns(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"patterns": s.deps.Sessions.Patterns()})
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Pattern == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pattern is required")
	}

	snap, err := s.deps.Sessions.CreateSession(c.Request().Context(), req.Pattern, req.Initiator, req.Context)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, s.sanitizeSnapshot(snap))
}

func (s *Server) handleListSessions(c echo.Context) error {
	status := orchestrator.SessionStatus(c.QueryParam("status"))
	snaps, err := s.deps.Sessions.ListSessions(c.Request().Context(), status)
	if err != nil {
		return mapError(err)
	}
	for i := range snaps {
		snaps[i] = s.sanitizeSnapshot(snaps[i])
	}
	return c.JSON(http.StatusOK, SessionListResponse{Total: len(snaps), Sessions: snaps})
}

func (s *Server) handleGetSession(c echo.Context) error {
	snap, err := s.deps.Sessions.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, s.sanitizeSnapshot(snap))
}

func (s *Server) handleConfirmStep(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	if req.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved is required")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.deps.Sessions.ConfirmStep(ctx, id, req.UserID, *req.Approved); err != nil {
		return mapError(err)
	}
	snap, err := s.deps.Sessions.GetSession(ctx, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, s.sanitizeSnapshot(snap))
}

func (s *Server) handleResumeSession(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	action := orchestrator.ResumeAction(req.Action)
	switch action {
	case orchestrator.ResumeContinue, orchestrator.ResumeRetry, orchestrator.ResumeSkip, orchestrator.ResumeAbort:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "action must be one of continue, retry, skip, abort")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.deps.Sessions.Resume(ctx, id, req.UserID, action, req.Data); err != nil {
		return mapError(err)
	}
	snap, err := s.deps.Sessions.GetSession(ctx, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, s.sanitizeSnapshot(snap))
}

func (s *Server) handleSendMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.To == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to is required")
	}
	if req.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type is required")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	msg := agent.Message{
		Type:     agent.MessageType(req.Type),
		From:     req.From,
		To:       req.To,
		Content:  req.Content,
		Priority: agent.ParsePriority(req.Priority),
	}
	if err := s.deps.Sessions.SendMessage(ctx, id, msg); err != nil {
		return mapError(err)
	}
	snap, err := s.deps.Sessions.GetSession(ctx, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, s.sanitizeSnapshot(snap))
}

func (s *Server) handleExternalEvent(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Event == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event is required")
	}

	ctx := c.Request().Context()
	if req.SessionID == "" {
		matched, err := s.deps.Sessions.BroadcastEvent(ctx, req.Event, req.Payload)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusAccepted, EventResponse{Status: "accepted", Matched: matched})
	}
	if err := s.deps.Sessions.HandleEvent(ctx, req.SessionID, req.Event, req.Payload); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, EventResponse{Status: "accepted", Matched: 1})
}

func (s *Server) handleErrorHistory(c echo.Context) error {
	appID := c.Param("application_id")
	records, err := s.deps.Recovery.History(c.Request().Context(), appID)
	if err != nil {
		return mapError(err)
	}

	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		if limit > 0 && len(records) > limit {
			records = records[:limit]
		}
	}
	return c.JSON(http.StatusOK, ErrorHistoryResponse{
		ApplicationID: appID,
		Total:         len(records),
		Records:       records,
	})
}

func (s *Server) handleErrorStatistics(c echo.Context) error {
	appID := c.Param("application_id")
	records, err := s.deps.Recovery.History(c.Request().Context(), appID)
	if err != nil {
		return mapError(err)
	}

	resp := ErrorStatisticsResponse{
		ApplicationID: appID,
		Total:         len(records),
		BySeverity:    make(map[string]int),
		ByCategory:    make(map[string]int),
		ByStatus:      make(map[string]int),
	}
	succeeded := 0
	for _, rec := range records {
		resp.BySeverity[string(rec.Severity)]++
		resp.ByCategory[string(rec.Category)]++
		resp.ByStatus[string(rec.Status)]++
		if rec.Status == recovery.RecordSucceeded {
			succeeded++
		}
	}
	if resp.Total > 0 {
		resp.RecoverySuccessRate = float64(succeeded) / float64(resp.Total)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAuditSearch(c echo.Context) error {
	q := audit.Query{
		UserID:     c.QueryParam("user_id"),
		AgentID:    c.QueryParam("agent_id"),
		ResourceID: c.QueryParam("resource_id"),
		Action:     c.QueryParam("action"),
	}
	if v := c.QueryParam("start"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "start must be RFC3339 or YYYY-MM-DD")
		}
		q.Start = t
	}
	if v := c.QueryParam("end"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "end must be RFC3339 or YYYY-MM-DD")
		}
		q.End = t
	}
	if v := c.QueryParam("event_type"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				q.EventTypes = append(q.EventTypes, audit.EventType(raw))
			}
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		q.Limit = limit
	}

	entries, err := s.deps.Audit.Search(c.Request().Context(), q)
	if err != nil {
		return mapError(err)
	}
	resp := AuditSearchResponse{Total: len(entries), Entries: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, AuditEntryResponse{
			Timestamp:  e.Timestamp,
			ID:         e.ID,
			Type:       string(e.Type),
			UserID:     e.UserID,
			AgentID:    e.AgentID,
			Action:     e.Action,
			ResourceID: e.ResourceID,
			Details:    e.Details,
			Success:    e.Success,
			Hash:       e.Hash,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAuditVerify(c echo.Context) error {
	segment := c.QueryParam("segment")
	valid, err := s.deps.Audit.VerifyIntegrity(c.Request().Context(), segment)
	if err != nil {
		return mapError(err)
	}
	scope := segment
	if scope == "" {
		scope = "all"
	}
	return c.JSON(http.StatusOK, AuditVerifyResponse{Segment: scope, Valid: valid})
}

// handleScrub redacts sensitive data from the provided content.
func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scrub request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	result := s.deps.Scrubber.Scrub(req.Content)

	s.logger.Debug("scrubbed content",
		zap.Int("findings", result.TotalFindings),
		zap.Duration("duration", result.Duration),
	)

	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       result.Scrubbed,
		FindingsCount: result.TotalFindings,
		ByRule:        result.ByRule,
	})
}

// applicationResponse shapes an application for clients, passing context and
// document metadata through the security filter.
func (s *Server) applicationResponse(app *application.Application) ApplicationResponse {
	ctxScrubbed, _ := s.deps.Scrubber.ScrubContext(app.Context)
	docs := make(map[string]application.Document, len(app.Documents))
	for k, d := range app.Documents {
		if d.Metadata != nil {
			d.Metadata, _ = s.deps.Scrubber.ScrubContext(d.Metadata)
		}
		docs[k] = d
	}
	return ApplicationResponse{
		ID:        app.ID,
		State:     app.State,
		Context:   ctxScrubbed,
		Documents: docs,
		History:   app.History,
		CreatedAt: app.CreatedAt,
		UpdatedAt: app.UpdatedAt,
	}
}

// sanitizeSnapshot passes a session's context, step outputs and message
// payloads through the security filter before they leave the API.
func (s *Server) sanitizeSnapshot(snap orchestrator.SessionSnapshot) orchestrator.SessionSnapshot {
	snap.Context, _ = s.deps.Scrubber.ScrubContext(snap.Context)
	for i := range snap.Results {
		if snap.Results[i].Outputs != nil {
			snap.Results[i].Outputs, _ = s.deps.Scrubber.ScrubContext(snap.Results[i].Outputs)
		}
	}
	for i := range snap.Messages {
		if snap.Messages[i].Content != nil {
			snap.Messages[i].Content, _ = s.deps.Scrubber.ScrubContext(snap.Messages[i].Content)
		}
	}
	return snap
}

// sanitizeDecision scrubs the free-text rationale and the factor values.
func (s *Server) sanitizeDecision(d decision.Decision) decision.Decision {
	d.Rationale = s.deps.Scrubber.Scrub(d.Rationale).Scrubbed
	if d.Factors != nil {
		d.Factors, _ = s.deps.Scrubber.ScrubContext(d.Factors)
	}
	return d
}

func parseTimeParam(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// mapError translates domain sentinels into HTTP status codes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	switch {
	case errors.Is(err, application.ErrApplicationNotFound),
		errors.Is(err, orchestrator.ErrSessionNotFound),
		errors.Is(err, orchestrator.ErrUnknownPattern),
		errors.Is(err, recovery.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrUnknownMessageType),
		errors.Is(err, orchestrator.ErrAgentNotRegistered):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrUnauthorizedInitiator):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, orchestrator.ErrTooManySessions):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, orchestrator.ErrNotAwaitingConfirmation),
		errors.Is(err, orchestrator.ErrSessionNotParked),
		errors.Is(err, orchestrator.ErrSessionNotActive),
		errors.Is(err, orchestrator.ErrRequiredStep),
		errors.Is(err, application.ErrTerminalState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrClosed),
		errors.Is(err, application.ErrClosed),
		errors.Is(err, recovery.ErrClosed),
		errors.Is(err, audit.ErrClosed),
		errors.Is(err, decision.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
