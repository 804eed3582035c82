package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType classifies an audit entry.
type EventType string

// Event types emitted by lendingd components. Callers may define their own
// types; these cover the built-in emitters.
const (
	EventApplicationCreated EventType = "application_created"
	EventStateTransition    EventType = "state_transition"
	EventDocumentReceived   EventType = "document_received"
	EventApplicationAccess  EventType = "application_access"
	EventDocumentAccess     EventType = "document_access"
	EventDecision           EventType = "decision_event"
	EventAgentAction        EventType = "agent_action"
	EventSecurity           EventType = "security_event"
	EventErrorDetected      EventType = "error_detected"
	EventRecoveryAttempt    EventType = "recovery_attempt"
	EventSessionCreated     EventType = "session_created"
	EventSessionCompleted   EventType = "session_completed"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventMessageSent        EventType = "message_sent"
	EventExternalEvent      EventType = "external_event"
)

// Event is the caller-supplied portion of an audit entry. UserID, AgentID
// and ResourceID are optional; empty values are stored as "-".
type Event struct {
	Type       EventType
	UserID     string
	AgentID    string
	Action     string
	ResourceID string
	Details    map[string]any
	Success    bool
}

// Entry is a fully materialized audit record as stored in a segment.
type Entry struct {
	Timestamp  time.Time
	ID         string
	Type       EventType
	UserID     string
	AgentID    string
	Action     string
	ResourceID string
	Details    map[string]any
	Success    bool
	Hash       string
}

const (
	fieldAbsent   = "-"
	segmentLayout = "2006-01-02"
)

// chainSeed is the hash the first entry of every segment chains from.
func chainSeed() string {
	sum := sha256.Sum256([]byte("initial"))
	return hex.EncodeToString(sum[:])
}

func orAbsent(s string) string {
	if s == "" {
		return fieldAbsent
	}
	return s
}

func fromAbsent(s string) string {
	if s == fieldAbsent {
		return ""
	}
	return s
}

// entryData serializes every hashed field of an entry, in storage order,
// without the trailing hash. Detail maps serialize via encoding/json, which
// sorts object keys, so serialization is deterministic for a given entry.
func entryData(e Entry) (string, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	fields := []string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ID,
		string(e.Type),
		orAbsent(e.UserID),
		orAbsent(e.AgentID),
		e.Action,
		orAbsent(e.ResourceID),
		string(raw),
		strconv.FormatBool(e.Success),
	}
	return strings.Join(fields, "|"), nil
}

// chainHash computes the hash of an entry given its predecessor's hash.
func chainHash(prevHash, data string) string {
	sum := sha256.Sum256([]byte(prevHash + "|" + data))
	return hex.EncodeToString(sum[:])
}

// encodeEntry renders the storage line for an entry and returns the line
// together with the entry's chain hash.
func encodeEntry(e Entry, prevHash string) (line, hash string, err error) {
	data, err := entryData(e)
	if err != nil {
		return "", "", err
	}
	hash = chainHash(prevHash, data)
	return data + "|" + hash, hash, nil
}

// parseLine decodes a stored line back into an Entry. The details field is
// the only one that may itself contain pipe characters, so the line is split
// from the left for the seven fixed-width-free leading fields and from the
// right for the trailing success flag and hash.
func parseLine(line string) (Entry, error) {
	parts := strings.SplitN(line, "|", 8)
	if len(parts) != 8 {
		return Entry{}, fmt.Errorf("audit: malformed line: %d leading fields", len(parts))
	}
	rest := parts[7]
	hashIdx := strings.LastIndex(rest, "|")
	if hashIdx < 0 {
		return Entry{}, fmt.Errorf("audit: malformed line: missing hash field")
	}
	hash := rest[hashIdx+1:]
	rest = rest[:hashIdx]
	successIdx := strings.LastIndex(rest, "|")
	if successIdx < 0 {
		return Entry{}, fmt.Errorf("audit: malformed line: missing success field")
	}
	successRaw := rest[successIdx+1:]
	detailsRaw := rest[:successIdx]

	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Entry{}, fmt.Errorf("audit: malformed timestamp: %w", err)
	}
	success, err := strconv.ParseBool(successRaw)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: malformed success flag: %w", err)
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(detailsRaw), &details); err != nil {
		return Entry{}, fmt.Errorf("audit: malformed details: %w", err)
	}
	return Entry{
		Timestamp:  ts,
		ID:         parts[1],
		Type:       EventType(parts[2]),
		UserID:     fromAbsent(parts[3]),
		AgentID:    fromAbsent(parts[4]),
		Action:     parts[5],
		ResourceID: fromAbsent(parts[6]),
		Details:    details,
		Success:    success,
		Hash:       hash,
	}, nil
}

// verifyLines walks a segment's lines recomputing the chain from the seed.
// It returns the zero-based index of the first line that fails, or -1 when
// the whole segment verifies.
func verifyLines(lines []string) int {
	prev := chainSeed()
	for i, line := range lines {
		hashIdx := strings.LastIndex(line, "|")
		if hashIdx < 0 {
			return i
		}
		data, stored := line[:hashIdx], line[hashIdx+1:]
		if chainHash(prev, data) != stored {
			return i
		}
		prev = stored
	}
	return -1
}
