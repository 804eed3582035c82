package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/lendingd/internal/checkpoint"
)

// ErrApplicationNotFound is returned for lookups of unknown application IDs.
var ErrApplicationNotFound = errors.New("application: not found")

// Document is one received applicant document, keyed by its type. A second
// document of the same type replaces the first.
type Document struct {
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TransitionRecord is one committed state change.
type TransitionRecord struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Application is the full record of one mortgage application.
type Application struct {
	ID        string              `json:"id"`
	State     State               `json:"state"`
	Context   map[string]any      `json:"context"`
	Documents map[string]Document `json:"documents"`
	History   []TransitionRecord  `json:"history"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func (a *Application) clone() *Application {
	out := &Application{
		ID:        a.ID,
		State:     a.State,
		Context:   checkpoint.CloneContext(a.Context),
		Documents: make(map[string]Document, len(a.Documents)),
		History:   make([]TransitionRecord, len(a.History)),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	for k, doc := range a.Documents {
		doc.Metadata = checkpoint.CloneContext(doc.Metadata)
		out.Documents[k] = doc
	}
	copy(out.History, a.History)
	return out
}

// Store persists applications by ID. Implementations return isolated copies;
// mutations go through Save.
type Store interface {
	Save(ctx context.Context, app *Application) error
	// Get returns the application or ErrApplicationNotFound.
	Get(ctx context.Context, id string) (*Application, error)
	List(ctx context.Context) ([]*Application, error)
}

// MemoryStore keeps applications in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	apps map[string]*Application
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{apps: make(map[string]*Application)}
}

func (s *MemoryStore) Save(ctx context.Context, app *Application) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if app == nil || app.ID == "" {
		return errors.New("application: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[app.ID] = app.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	return app.clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Application, 0, len(s.apps))
	for _, app := range s.apps {
		out = append(out, app.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
