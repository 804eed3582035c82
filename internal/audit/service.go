package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/lendingd/internal/audit"

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("audit: service closed")

// Service records, verifies and queries the tamper-evident audit log.
type Service interface {
	// LogEvent sanitizes, chains and persists one entry, returning its ID.
	LogEvent(ctx context.Context, ev Event) (string, error)

	// LogApplicationAccess records a read or mutation of an application.
	LogApplicationAccess(ctx context.Context, userID, applicationID, action string, success bool) (string, error)
	// LogDocumentAccess records access to a document attached to an application.
	LogDocumentAccess(ctx context.Context, userID, applicationID, documentType, action string, success bool) (string, error)
	// LogDecision records an automated or human decision about an application.
	LogDecision(ctx context.Context, agentID, applicationID, decision string, details map[string]any) (string, error)
	// LogAgentAction records a step executed by an agent.
	LogAgentAction(ctx context.Context, agentID, action, resourceID string, details map[string]any, success bool) (string, error)
	// LogSecurityEvent records an authentication or authorization outcome.
	LogSecurityEvent(ctx context.Context, userID, action string, details map[string]any, success bool) (string, error)

	// VerifyIntegrity recomputes the hash chain of one segment, or of every
	// segment when segment is empty. It reports false as soon as any stored
	// hash disagrees with the recomputed chain.
	VerifyIntegrity(ctx context.Context, segment string) (bool, error)
	// Search returns entries matching every set filter, oldest first.
	Search(ctx context.Context, q Query) ([]Entry, error)
	// Purge removes segments older than the retention window and returns
	// how many were removed.
	Purge(ctx context.Context) (int, error)

	Close() error
}

// Query filters Search results. All set fields must match (logical AND).
// Start and End bound the segment day, inclusive; zero values are unbounded.
type Query struct {
	Start      time.Time
	End        time.Time
	EventTypes []EventType
	UserID     string
	AgentID    string
	ResourceID string
	Action     string
	Limit      int
}

// Config holds audit service settings.
type Config struct {
	// RetentionDays is how many days of segments Purge keeps.
	RetentionDays int `koanf:"retention_days"`

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time `koanf:"-"`
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() *Config {
	return &Config{RetentionDays: 90}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if c.RetentionDays <= 0 {
		return errors.New("audit: retention_days must be positive")
	}
	return nil
}

type service struct {
	config *Config
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	curSegment string
	prevHash   string
	closed     bool

	entriesTotal       metric.Int64Counter
	verificationsTotal metric.Int64Counter
}

var _ Service = (*service)(nil)

// NewService builds the audit service. The store is required; a nil config
// uses defaults and a nil logger logs nowhere.
func NewService(cfg *Config, store Store, logger *zap.Logger) (Service, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
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
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	s := &service{
		config: cfg,
		store:  store,
		logger: logger,
		now:    now,
	}
	if err := s.initMetrics(); err != nil {
		return nil, fmt.Errorf("init audit metrics: %w", err)
	}
	return s, nil
}

func (s *service) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	s.entriesTotal, err = meter.Int64Counter("lendingd.audit.entries_total",
		metric.WithDescription("Audit entries appended"))
	if err != nil {
		return err
	}
	s.verificationsTotal, err = meter.Int64Counter("lendingd.audit.verifications_total",
		metric.WithDescription("Hash chain verification runs"))
	return err
}

func (s *service) LogEvent(ctx context.Context, ev Event) (string, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "audit.log_event")
	defer span.End()
	span.SetAttributes(attribute.String("audit.event_type", string(ev.Type)))

	if ev.Type == "" {
		return "", errors.New("audit: event type is required")
	}
	if ev.Action == "" {
		return "", errors.New("audit: action is required")
	}

	entry := Entry{
		Timestamp:  s.now().UTC(),
		ID:         uuid.NewString(),
		Type:       ev.Type,
		UserID:     ev.UserID,
		AgentID:    ev.AgentID,
		Action:     ev.Action,
		ResourceID: ev.ResourceID,
		Details:    sanitizeDetails(ev.Details),
		Success:    ev.Success,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	segment := entry.Timestamp.Format(segmentLayout)
	if segment != s.curSegment {
		prev, err := s.segmentTail(ctx, segment)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "seed segment")
			return "", err
		}
		s.curSegment = segment
		s.prevHash = prev
	}

	line, hash, err := encodeEntry(entry, s.prevHash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode entry")
		return "", err
	}
	if err := s.store.Append(ctx, segment, line); err != nil {
		// Force a tail re-read on the next append: a partial write would
		// otherwise desynchronize the in-memory chain from the segment.
		s.curSegment = ""
		span.RecordError(err)
		span.SetStatus(codes.Error, "append entry")
		return "", err
	}
	s.prevHash = hash

	s.entriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(ev.Type)),
	))
	s.logger.Debug("audit entry recorded",
		zap.String("entry_id", entry.ID),
		zap.String("event_type", string(ev.Type)),
		zap.String("action", ev.Action),
		zap.Bool("success", ev.Success),
	)
	return entry.ID, nil
}

// segmentTail returns the hash the next entry of a segment must chain from:
// the last stored hash when the segment already exists, the seed otherwise.
func (s *service) segmentTail(ctx context.Context, segment string) (string, error) {
	lines, err := s.store.Read(ctx, segment)
	if errors.Is(err, os.ErrNotExist) {
		return chainSeed(), nil
	}
	if err != nil {
		return "", fmt.Errorf("read segment tail: %w", err)
	}
	if len(lines) == 0 {
		return chainSeed(), nil
	}
	last, err := parseLine(lines[len(lines)-1])
	if err != nil {
		return "", fmt.Errorf("parse segment tail: %w", err)
	}
	return last.Hash, nil
}

func (s *service) LogApplicationAccess(ctx context.Context, userID, applicationID, action string, success bool) (string, error) {
	return s.LogEvent(ctx, Event{
		Type:       EventApplicationAccess,
		UserID:     userID,
		Action:     action,
		ResourceID: applicationID,
		Success:    success,
	})
}

func (s *service) LogDocumentAccess(ctx context.Context, userID, applicationID, documentType, action string, success bool) (string, error) {
	return s.LogEvent(ctx, Event{
		Type:       EventDocumentAccess,
		UserID:     userID,
		Action:     action,
		ResourceID: applicationID,
		Details:    map[string]any{"document_type": documentType},
		Success:    success,
	})
}

func (s *service) LogDecision(ctx context.Context, agentID, applicationID, decision string, details map[string]any) (string, error) {
	merged := map[string]any{"decision": decision}
	for k, v := range details {
		merged[k] = v
	}
	return s.LogEvent(ctx, Event{
		Type:       EventDecision,
		AgentID:    agentID,
		Action:     "record_decision",
		ResourceID: applicationID,
		Details:    merged,
		Success:    true,
	})
}

func (s *service) LogAgentAction(ctx context.Context, agentID, action, resourceID string, details map[string]any, success bool) (string, error) {
	return s.LogEvent(ctx, Event{
		Type:       EventAgentAction,
		AgentID:    agentID,
		Action:     action,
		ResourceID: resourceID,
		Details:    details,
		Success:    success,
	})
}

func (s *service) LogSecurityEvent(ctx context.Context, userID, action string, details map[string]any, success bool) (string, error) {
	return s.LogEvent(ctx, Event{
		Type:    EventSecurity,
		UserID:  userID,
		Action:  action,
		Details: details,
		Success: success,
	})
}

func (s *service) VerifyIntegrity(ctx context.Context, segment string) (bool, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "audit.verify_integrity")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return false, err
	}

	segments := []string{segment}
	if segment == "" {
		all, err := s.store.List(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list segments")
			return false, err
		}
		segments = all
	}

	for _, seg := range segments {
		lines, err := s.store.Read(ctx, seg)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read segment")
			return false, err
		}
		if bad := verifyLines(lines); bad >= 0 {
			s.verificationsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("result", "tampered"),
			))
			s.logger.Warn("audit chain verification failed",
				zap.String("segment", seg),
				zap.Int("line", bad+1),
			)
			span.SetAttributes(
				attribute.String("audit.tampered_segment", seg),
				attribute.Int("audit.tampered_line", bad+1),
			)
			return false, nil
		}
	}

	s.verificationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", "ok"),
	))
	return true, nil
}

func (s *service) Search(ctx context.Context, q Query) ([]Entry, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "audit.search")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	segments, err := s.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list segments")
		return nil, err
	}

	var results []Entry
	for _, seg := range segments {
		if !segmentInRange(seg, q.Start, q.End) {
			continue
		}
		lines, err := s.store.Read(ctx, seg)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read segment")
			return nil, err
		}
		for _, line := range lines {
			entry, err := parseLine(line)
			if err != nil {
				s.logger.Warn("skipping malformed audit line",
					zap.String("segment", seg), zap.Error(err))
				continue
			}
			if !q.matches(entry) {
				continue
			}
			results = append(results, entry)
			if q.Limit > 0 && len(results) >= q.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// segmentInRange bounds a segment day by the query window, inclusive on
// both ends. Malformed segment keys are excluded.
func segmentInRange(segment string, start, end time.Time) bool {
	day, err := time.Parse(segmentLayout, segment)
	if err != nil {
		return false
	}
	if !start.IsZero() && day.Before(start.UTC().Truncate(24*time.Hour)) {
		return false
	}
	if !end.IsZero() && day.After(end.UTC()) {
		return false
	}
	return true
}

func (q Query) matches(e Entry) bool {
	if len(q.EventTypes) > 0 {
		found := false
		for _, t := range q.EventTypes {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	return true
}

func (s *service) Purge(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "audit.purge")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.config.RetentionDays)
	segments, err := s.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list segments")
		return 0, err
	}

	removed := 0
	for _, seg := range segments {
		day, err := time.Parse(segmentLayout, seg)
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		if err := s.store.Remove(ctx, seg); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "remove segment")
			return removed, err
		}
		removed++
		s.logger.Info("purged audit segment", zap.String("segment", seg))
	}
	return removed, nil
}

func (s *service) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
