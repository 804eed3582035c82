// Package eventbus mirrors workflow session lifecycle and application state
// changes onto NATS subjects and relays events published by external systems
// (document intake, appraisal vendors) back into waiting workflow sessions.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/application"
)

const instrumentationName = "github.com/fyrsmithlabs/lendingd/internal/eventbus"

const (
	sessionSubjectPrefix  = "lending.workflow.session."
	stateSubjectPrefix    = "lending.application.state."
	externalSubjectPrefix = "lending.events.external."

	// ExternalSubjects is the wildcard external systems publish to. The
	// final token names the event; the body is an ExternalEvent.
	ExternalSubjects = externalSubjectPrefix + ">"
)

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("eventbus: bus closed")

// SessionEvent is the JSON body published on session lifecycle subjects.
type SessionEvent struct {
	SessionID string         `json:"session_id"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StateEvent is the JSON body published when an application changes state.
type StateEvent struct {
	ApplicationID string    `json:"application_id"`
	State         string    `json:"state"`
	Timestamp     time.Time `json:"timestamp"`
}

// ExternalEvent is the JSON body external systems publish under
// lending.events.external.<event>. A session_id targets one session; an
// empty session_id broadcasts to every session waiting on the event.
type ExternalEvent struct {
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SessionEventSink receives relayed external events. The workflow engine
// satisfies it.
type SessionEventSink interface {
	HandleEvent(ctx context.Context, sessionID, event string, payload map[string]any) error
	BroadcastEvent(ctx context.Context, event string, payload map[string]any) (int, error)
}

// Service publishes lending events to NATS and relays external ones back in.
type Service interface {
	// PublishSessionEvent emits a workflow session lifecycle event on
	// lending.workflow.session.<event>.
	PublishSessionEvent(ctx context.Context, sessionID, event string, payload map[string]any) error
	// PublishStateChange emits an application transition on
	// lending.application.state.<state>.
	PublishStateChange(ctx context.Context, applicationID string, state application.State) error
	// DispatchStateTasks adapts the bus to the state machine's dispatcher
	// hook; publish failures are logged, not returned.
	DispatchStateTasks(ctx context.Context, applicationID string, state application.State)
	// SubscribeExternal starts relaying ExternalSubjects messages into sink.
	// Only one subscription may be active.
	SubscribeExternal(sink SessionEventSink) error
	Close() error
}

// Config holds event bus settings.
type Config struct {
	// Enabled toggles the bus. When false the host wires a Noop bus.
	Enabled bool `koanf:"enabled"`
	// URL is the NATS server address.
	URL string `koanf:"url"`
	// MaxReconnects bounds reconnection attempts after a lost connection.
	MaxReconnects int `koanf:"max_reconnects"`
	// ReconnectWait is the pause between reconnection attempts.
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DefaultConfig returns production defaults with the bus disabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       false,
		URL:           nats.DefaultURL,
		MaxReconnects: 5,
		ReconnectWait: time.Second,
	}
}

// Validate checks config invariants. A disabled bus is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("eventbus: url is required")
	}
	if c.ReconnectWait <= 0 {
		return errors.New("eventbus: reconnect_wait must be positive")
	}
	return nil
}

// Connect dials NATS with the retry options the bus expects. The returned
// connection belongs to the caller and outlives any Service built on it.
func Connect(cfg *Config) (*nats.Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect %s: %w", cfg.URL, err)
	}
	return nc, nil
}

type bus struct {
	nc     *nats.Conn
	logger *zap.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool

	publishedTotal metric.Int64Counter
	externalTotal  metric.Int64Counter
}

var (
	_ Service                    = (*bus)(nil)
	_ application.TaskDispatcher = (*bus)(nil)
)

// NewService builds a bus on an established NATS connection. The connection
// is not closed by Close; its owner closes it.
func NewService(nc *nats.Conn, logger *zap.Logger) (Service, error) {
	if nc == nil {
		return nil, errors.New("eventbus: nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &bus{nc: nc, logger: logger}
	meter := otel.Meter(instrumentationName)
	var err error
	b.publishedTotal, err = meter.Int64Counter("lendingd.eventbus.published_total",
		metric.WithDescription("Events published to the bus"))
	if err != nil {
		return nil, fmt.Errorf("init eventbus metrics: %w", err)
	}
	b.externalTotal, err = meter.Int64Counter("lendingd.eventbus.external_events_total",
		metric.WithDescription("External events received from the bus"))
	if err != nil {
		return nil, fmt.Errorf("init eventbus metrics: %w", err)
	}
	return b, nil
}

func (b *bus) PublishSessionEvent(ctx context.Context, sessionID, event string, payload map[string]any) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "eventbus.publish_session_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.session_id", sessionID),
		attribute.String("workflow.event", event),
	)

	if event == "" {
		return errors.New("eventbus: event name is required")
	}
	body := SessionEvent{
		SessionID: sessionID,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	err := b.publish(ctx, sessionSubjectPrefix+event, body, "session")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
	}
	return err
}

func (b *bus) PublishStateChange(ctx context.Context, applicationID string, state application.State) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "eventbus.publish_state_change")
	defer span.End()
	span.SetAttributes(
		attribute.String("application.id", applicationID),
		attribute.String("application.state", string(state)),
	)

	if state == "" {
		return errors.New("eventbus: state is required")
	}
	body := StateEvent{
		ApplicationID: applicationID,
		State:         string(state),
		Timestamp:     time.Now().UTC(),
	}
	err := b.publish(ctx, stateSubjectPrefix+string(state), body, "state")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
	}
	return err
}

func (b *bus) DispatchStateTasks(ctx context.Context, applicationID string, state application.State) {
	if err := b.PublishStateChange(ctx, applicationID, state); err != nil {
		b.logger.Warn("state change publish failed",
			zap.String("application_id", applicationID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

func (b *bus) publish(ctx context.Context, subject string, body any, kind string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("eventbus: marshal %s event: %w", kind, err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.publishedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("result", "failed"),
		))
		return fmt.Errorf("eventbus: publish %s: %w", subject, err)
	}
	b.publishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", "published"),
	))
	b.logger.Debug("event published", zap.String("subject", subject))
	return nil
}

func (b *bus) SubscribeExternal(sink SessionEventSink) error {
	if sink == nil {
		return errors.New("eventbus: sink is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.sub != nil {
		return errors.New("eventbus: external subscription already active")
	}
	sub, err := b.nc.Subscribe(ExternalSubjects, func(msg *nats.Msg) {
		b.relay(sink, msg)
	})
	if err != nil {
		return fmt.Errorf("eventbus: subscribe %s: %w", ExternalSubjects, err)
	}
	b.sub = sub
	b.logger.Info("external event subscription active", zap.String("subject", ExternalSubjects))
	return nil
}

func (b *bus) relay(sink SessionEventSink, msg *nats.Msg) {
	ctx, span := otel.Tracer(instrumentationName).Start(context.Background(), "eventbus.external_event")
	defer span.End()
	span.SetAttributes(attribute.String("eventbus.subject", msg.Subject))

	event := strings.TrimPrefix(msg.Subject, externalSubjectPrefix)
	var body ExternalEvent
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		b.externalTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "invalid")))
		b.logger.Warn("external event body is not valid JSON",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}
	if body.SessionID == "" {
		matched, err := sink.BroadcastEvent(ctx, event, body.Payload)
		if err != nil {
			b.externalTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "rejected")))
			span.RecordError(err)
			span.SetStatus(codes.Error, "broadcast rejected")
			b.logger.Warn("external broadcast rejected", zap.String("event", event), zap.Error(err))
			return
		}
		b.externalTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "broadcast")))
		b.logger.Debug("external event broadcast",
			zap.String("event", event),
			zap.Int("matched", matched),
		)
		return
	}

	if err := sink.HandleEvent(ctx, body.SessionID, event, body.Payload); err != nil {
		b.externalTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "rejected")))
		span.RecordError(err)
		span.SetStatus(codes.Error, "event rejected")
		b.logger.Warn("external event rejected",
			zap.String("session_id", body.SessionID),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	b.externalTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "relayed")))
	b.logger.Debug("external event relayed",
		zap.String("session_id", body.SessionID),
		zap.String("event", event),
	)
}

// Close cancels the external subscription and rejects further publishes.
// It never closes the underlying NATS connection.
func (b *bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Warn("external unsubscribe failed", zap.Error(err))
		}
		b.sub = nil
	}
	return nil
}

// Noop discards publications and never delivers external events. It stands
// in for the bus when eventing is disabled.
type Noop struct{}

var (
	_ Service                    = Noop{}
	_ application.TaskDispatcher = Noop{}
)

func (Noop) PublishSessionEvent(context.Context, string, string, map[string]any) error {
	return nil
}

func (Noop) PublishStateChange(context.Context, string, application.State) error {
	return nil
}

func (Noop) DispatchStateTasks(context.Context, string, application.State) {}

func (Noop) SubscribeExternal(SessionEventSink) error { return nil }

func (Noop) Close() error { return nil }
