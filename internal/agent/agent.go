// Package agent defines the contract workflow agents implement and the
// registry that routes steps and messages to them.
//
// Agents never call each other directly. Step execution goes through the
// orchestrator, which resolves an agent from the registry and invokes
// ExecuteStep with a bounded context. Peer messages go through
// Registry.Deliver, which enqueues onto the recipient's bounded mailbox; a
// single consumer goroutine per agent drains the mailbox and invokes
// ReceiveMessage, dropping duplicate message IDs.
package agent

import (
	"context"
	"time"
)

// Agent is a workflow participant that executes steps and receives messages.
// Implementations must be safe for concurrent ExecuteStep calls; the
// registry serializes ReceiveMessage per agent.
type Agent interface {
	// ID returns the stable agent identifier steps are routed by.
	ID() string
	// Capabilities describes what the agent can do.
	Capabilities() Capabilities
	// CanHandleStep reports whether the agent can execute the named step.
	CanHandleStep(step string) bool
	// ExecuteStep runs one workflow step. Inputs are the step's resolved
	// inputs from session context; outputs are merged back into it. The
	// context carries the step's execution deadline.
	ExecuteStep(ctx context.Context, step string, inputs map[string]any) (map[string]any, error)
	// ReceiveMessage handles one delivered message.
	ReceiveMessage(ctx context.Context, msg Message) error
}

// MessageType classifies inter-agent messages.
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
	MessageError        MessageType = "error"
	MessageDecision     MessageType = "decision"
)

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageRequest, MessageResponse, MessageNotification, MessageError, MessageDecision:
		return true
	default:
		return false
	}
}

// Priority orders messages by urgency. It is advisory; mailboxes are FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority maps the wire names low, normal, high and urgent. Unknown
// names and the empty string parse as PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Message is one unit of agent-to-agent communication. ID must be unique;
// redelivery with a seen ID is silently dropped by the recipient mailbox.
type Message struct {
	ID           string         `json:"id"`
	Type         MessageType    `json:"type"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Content      map[string]any `json:"content,omitempty"`
	Priority     Priority       `json:"priority"`
	SessionID    string         `json:"session_id,omitempty"`
	InResponseTo string         `json:"in_response_to,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Capabilities describes an agent to the registry and the routing layer.
// The permission flags are the agent's authority grants: workers check
// their own grant before initiating sessions, finalizing decisions, acting
// on escalated applications, or delegating steps, and the registry refuses
// delegation requests from senders without CanDelegate. PriorityLevel
// orders agents when several can handle the same step; lower wins.
type Capabilities struct {
	AgentID              string   `json:"agent_id"`
	Description          string   `json:"description,omitempty"`
	Steps                []string `json:"steps,omitempty"`
	TaskTypes            []string `json:"task_types,omitempty"`
	CanInitiate          bool     `json:"can_initiate"`
	CanFinalizeDecisions bool     `json:"can_finalize_decisions"`
	CanResolveConflicts  bool     `json:"can_resolve_conflicts"`
	CanDelegate          bool     `json:"can_delegate"`
	CanMonitor           bool     `json:"can_monitor"`
	PriorityLevel        int      `json:"priority_level,omitempty"`
}

// DefaultPriorityLevel applies to agents that leave PriorityLevel unset.
const DefaultPriorityLevel = 3

// EffectivePriority returns the agent's selection priority, substituting
// DefaultPriorityLevel for unset or nonsense values.
func (c Capabilities) EffectivePriority() int {
	if c.PriorityLevel <= 0 {
		return DefaultPriorityLevel
	}
	return c.PriorityLevel
}

// Base implements the descriptive half of Agent from a Capabilities value.
// Concrete agents embed it and implement ExecuteStep and ReceiveMessage.
type Base struct {
	caps Capabilities
}

func NewBase(caps Capabilities) Base {
	return Base{caps: caps}
}

func (b Base) ID() string { return b.caps.AgentID }

func (b Base) Capabilities() Capabilities { return b.caps }

func (b Base) CanHandleStep(step string) bool {
	for _, s := range b.caps.Steps {
		if s == step {
			return true
		}
	}
	return false
}
