package audit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store persists audit segments. A segment is an ordered list of encoded
// entry lines keyed by its calendar day ("2006-01-02"). Append must be
// durable before returning; Read returns lines in append order.
type Store interface {
	// Append adds one line to a segment, creating the segment if needed.
	Append(ctx context.Context, segment, line string) error
	// Read returns all lines of a segment. A missing segment yields an
	// error satisfying errors.Is(err, os.ErrNotExist).
	Read(ctx context.Context, segment string) ([]string, error)
	// List returns all segment keys in ascending order.
	List(ctx context.Context) ([]string, error)
	// Remove deletes a segment. Removing a missing segment is not an error.
	Remove(ctx context.Context, segment string) error
}

const (
	segmentPrefix = "audit_"
	segmentSuffix = ".log"
)

// FileStore keeps one append-only file per segment under a directory,
// named audit_<segment>.log. Files are created 0600.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("audit: store directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(segment string) string {
	return filepath.Join(s.dir, segmentPrefix+segment+segmentSuffix)
}

func (s *FileStore) Append(ctx context.Context, segment, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(segment), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", segment, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append to segment %s: %w", segment, err)
	}
	return f.Sync()
}

func (s *FileStore) Read(ctx context.Context, segment string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(segment))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read segment %s: %w", segment, err)
	}
	return lines, nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit directory: %w", err)
	}
	var segments []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		segments = append(segments, strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
	}
	sort.Strings(segments)
	return segments, nil
}

func (s *FileStore) Remove(ctx context.Context, segment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(segment))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[string][]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{segments: make(map[string][]string)}
}

func (s *MemoryStore) Append(ctx context.Context, segment, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[segment] = append(s.segments[segment], line)
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, segment string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lines, ok := s.segments[segment]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	segments := make([]string, 0, len(s.segments))
	for k := range s.segments {
		segments = append(segments, k)
	}
	sort.Strings(segments)
	return segments, nil
}

func (s *MemoryStore) Remove(ctx context.Context, segment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments, segment)
	return nil
}

// Tamper rewrites one line of a segment in place. It exists for integrity
// tests only.
func (s *MemoryStore) Tamper(segment string, index int, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lines, ok := s.segments[segment]; ok && index >= 0 && index < len(lines) {
		lines[index] = line
	}
}
