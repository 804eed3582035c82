package agent

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

	"github.com/fyrsmithlabs/lendingd/internal/recovery"
)

const instrumentationName = "github.com/fyrsmithlabs/lendingd/internal/agent"

var (
	// ErrDuplicateAgent is returned when registering an ID twice.
	ErrDuplicateAgent = errors.New("agent: id already registered")
	// ErrClosed is returned by registry operations after Close.
	ErrClosed = errors.New("agent: registry closed")
)

// RegistryConfig tunes mailbox capacity and duplicate tracking.
type RegistryConfig struct {
	// MailboxSize bounds each agent's pending message queue. Deliver fails
	// with a CommunicationError when the recipient's mailbox is full.
	MailboxSize int `koanf:"mailbox_size"`
	// DedupWindow is how many recent message IDs each mailbox remembers.
	DedupWindow int `koanf:"dedup_window"`
	// ReceiveTimeout bounds one ReceiveMessage invocation.
	ReceiveTimeout time.Duration `koanf:"receive_timeout"`
}

// DefaultRegistryConfig returns production defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		MailboxSize:    64,
		DedupWindow:    4096,
		ReceiveTimeout: 30 * time.Second,
	}
}

// Validate checks config invariants.
func (c *RegistryConfig) Validate() error {
	if c.MailboxSize <= 0 {
		return errors.New("agent: mailbox_size must be positive")
	}
	if c.DedupWindow <= 0 {
		return errors.New("agent: dedup_window must be positive")
	}
	if c.ReceiveTimeout <= 0 {
		return errors.New("agent: receive_timeout must be positive")
	}
	return nil
}

// Registry holds every registered agent and owns their mailboxes.
type Registry struct {
	config *RegistryConfig
	logger *zap.Logger

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	closed    bool
	wg        sync.WaitGroup

	messagesTotal metric.Int64Counter
}

// NewRegistry builds an empty registry. A nil config uses defaults and a
// nil logger logs nowhere.
func NewRegistry(cfg *RegistryConfig, logger *zap.Logger) (*Registry, error) {
	if cfg == nil {
		cfg = DefaultRegistryConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		config:    cfg,
		logger:    logger,
		mailboxes: make(map[string]*mailbox),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	r.messagesTotal, err = meter.Int64Counter("lendingd.agent.messages_total",
		metric.WithDescription("Messages handled by agent mailboxes"))
	if err != nil {
		return nil, fmt.Errorf("init registry metrics: %w", err)
	}
	return r, nil
}

// Register adds an agent and starts its mailbox consumer.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.ID() == "" {
		return errors.New("agent: agent with non-empty id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, exists := r.mailboxes[a.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID())
	}
	mb := newMailbox(a, r.config, r.logger, r.messagesTotal)
	r.mailboxes[a.ID()] = mb
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		mb.consume()
	}()
	r.logger.Info("agent registered",
		zap.String("agent_id", a.ID()),
		zap.Strings("steps", a.Capabilities().Steps),
	)
	return nil
}

// Resolve returns the agent registered under id.
func (r *Registry) Resolve(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.mailboxes[id]
	if !ok {
		return nil, false
	}
	return mb.agent, true
}

// FindCapable returns the registered agent that can handle the step,
// skipping any excluded IDs. When several agents qualify, the one with the
// lowest (most privileged) PriorityLevel wins; ties break on agent ID so
// selection is deterministic.
func (r *Registry) FindCapable(step string, exclude ...string) (Agent, bool) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best Agent
	for id, mb := range r.mailboxes {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if !mb.agent.CanHandleStep(step) {
			continue
		}
		if best == nil {
			best = mb.agent
			continue
		}
		bp := best.Capabilities().EffectivePriority()
		cp := mb.agent.Capabilities().EffectivePriority()
		if cp < bp || (cp == bp && id < best.ID()) {
			best = mb.agent
		}
	}
	return best, best != nil
}

// Agents lists the capabilities of every registered agent.
func (r *Registry) Agents() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capabilities, 0, len(r.mailboxes))
	for _, mb := range r.mailboxes {
		out = append(out, mb.agent.Capabilities())
	}
	return out
}

// RequestDelegation marks a request message that hands a workflow step to
// another agent. Only senders granted CanDelegate may send one.
const RequestDelegation = "delegation"

// Deliver enqueues a message onto the recipient's mailbox without blocking.
// An unknown recipient or a full mailbox yields a CommunicationError; the
// sender decides whether that fails its own step. Delegation requests from
// a registered sender without the CanDelegate grant are refused with a
// SecurityError.
func (r *Registry) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	if rt, _ := msg.Content["request_type"].(string); rt == RequestDelegation {
		if sender, registered := r.mailboxes[msg.From]; registered && !sender.agent.Capabilities().CanDelegate {
			r.mu.RUnlock()
			r.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "unauthorized")))
			return &recovery.SecurityError{
				UserID: msg.From,
				Action: "delegate_step",
				Reason: "agent is not granted can_delegate",
			}
		}
	}
	mb, ok := r.mailboxes[msg.To]
	r.mu.RUnlock()

	if !ok {
		r.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "unknown_recipient")))
		return &recovery.CommunicationError{
			From:   msg.From,
			To:     msg.To,
			Reason: "unknown recipient",
		}
	}

	select {
	case mb.ch <- msg:
		r.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "enqueued")))
		return nil
	default:
		r.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "mailbox_full")))
		r.logger.Warn("mailbox full, message rejected",
			zap.String("from", msg.From),
			zap.String("to", msg.To),
			zap.String("message_id", msg.ID),
		)
		return &recovery.CommunicationError{
			From:   msg.From,
			To:     msg.To,
			Reason: "mailbox full",
		}
	}
}

// Close stops every mailbox consumer and waits for them to drain.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, mb := range r.mailboxes {
		close(mb.ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

// mailbox pairs an agent with its bounded queue. A single consumer per
// mailbox means seen-ID tracking needs no lock.
type mailbox struct {
	agent   Agent
	ch      chan Message
	logger  *zap.Logger
	timeout time.Duration
	counter metric.Int64Counter

	seen      map[string]struct{}
	seenOrder []string
	seenMax   int
}

func newMailbox(a Agent, cfg *RegistryConfig, logger *zap.Logger, counter metric.Int64Counter) *mailbox {
	return &mailbox{
		agent:   a,
		ch:      make(chan Message, cfg.MailboxSize),
		logger:  logger.With(zap.String("agent_id", a.ID())),
		timeout: cfg.ReceiveTimeout,
		counter: counter,
		seen:    make(map[string]struct{}, cfg.DedupWindow),
		seenMax: cfg.DedupWindow,
	}
}

func (mb *mailbox) consume() {
	for msg := range mb.ch {
		if mb.isDuplicate(msg.ID) {
			mb.counter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("result", "duplicate")))
			mb.logger.Debug("duplicate message dropped", zap.String("message_id", msg.ID))
			continue
		}
		mb.handle(msg)
	}
}

func (mb *mailbox) handle(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), mb.timeout)
	defer cancel()
	if err := mb.agent.ReceiveMessage(ctx, msg); err != nil {
		mb.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "handler_error")))
		mb.logger.Warn("message handler failed",
			zap.String("message_id", msg.ID),
			zap.String("from", msg.From),
			zap.Error(err),
		)
		return
	}
	mb.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "processed")))
}

func (mb *mailbox) isDuplicate(id string) bool {
	if _, dup := mb.seen[id]; dup {
		return true
	}
	mb.seen[id] = struct{}{}
	mb.seenOrder = append(mb.seenOrder, id)
	if len(mb.seenOrder) > mb.seenMax {
		oldest := mb.seenOrder[0]
		mb.seenOrder = mb.seenOrder[1:]
		delete(mb.seen, oldest)
	}
	return false
}
