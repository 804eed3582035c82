// Package checkpoint snapshots session context so recovery can roll a
// workflow back to the last known-good point instead of restarting it.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Checkpoint is one restorable snapshot of a session.
type Checkpoint struct {
	SessionID string         `json:"session_id"`
	Step      int            `json:"step"`
	StepName  string         `json:"step_name"`
	Context   map[string]any `json:"context"`
	TakenAt   time.Time      `json:"taken_at"`
}

// Store persists checkpoints per session, newest last.
type Store interface {
	// Save appends a checkpoint, evicting the oldest past the per-session
	// limit. The context is cloned; callers may keep mutating theirs.
	Save(ctx context.Context, cp Checkpoint) error
	// Latest returns the most recent checkpoint for a session.
	Latest(ctx context.Context, sessionID string) (Checkpoint, bool, error)
	// List returns all retained checkpoints for a session, oldest first.
	List(ctx context.Context, sessionID string) ([]Checkpoint, error)
	// Drop discards every checkpoint of a session.
	Drop(ctx context.Context, sessionID string) error
}

// CloneContext deep-copies a session context map. Nested maps and slices
// are copied; scalar values are shared, which is safe because context
// values are treated as immutable once stored.
func CloneContext(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneContext(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

const defaultKeepPerSession = 10

// MemoryStore retains a bounded ring of checkpoints per session.
type MemoryStore struct {
	keep int

	mu       sync.RWMutex
	sessions map[string][]Checkpoint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds a store keeping up to keep checkpoints per session;
// keep <= 0 uses the default of 10.
func NewMemoryStore(keep int) *MemoryStore {
	if keep <= 0 {
		keep = defaultKeepPerSession
	}
	return &MemoryStore{
		keep:     keep,
		sessions: make(map[string][]Checkpoint),
	}
}

func (s *MemoryStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.SessionID == "" {
		return errors.New("checkpoint: session id is required")
	}
	cp.Context = CloneContext(cp.Context)
	if cp.TakenAt.IsZero() {
		cp.TakenAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := append(s.sessions[cp.SessionID], cp)
	if len(cps) > s.keep {
		cps = cps[len(cps)-s.keep:]
	}
	s.sessions[cp.SessionID] = cps
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, sessionID string) (Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.sessions[sessionID]
	if len(cps) == 0 {
		return Checkpoint{}, false, nil
	}
	cp := cps[len(cps)-1]
	cp.Context = CloneContext(cp.Context)
	return cp, true, nil
}

func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.sessions[sessionID]
	out := make([]Checkpoint, len(cps))
	for i, cp := range cps {
		cp.Context = CloneContext(cp.Context)
		out[i] = cp
	}
	return out, nil
}

func (s *MemoryStore) Drop(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
