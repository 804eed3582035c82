package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of filesystem events an editor save
// produces into one reload.
const reloadDebounce = 250 * time.Millisecond

// Loader reads pattern definitions from a directory of YAML files, one
// pattern per file, and optionally watches the directory for changes.
type Loader struct {
	dir    string
	logger *zap.Logger
}

// NewLoader builds a loader over a pattern directory.
func NewLoader(dir string, logger *zap.Logger) (*Loader, error) {
	if dir == "" {
		return nil, errors.New("orchestrator: pattern directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("pattern directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pattern directory %s is not a directory", dir)
	}
	return &Loader{dir: dir, logger: logger}, nil
}

// Load parses and validates every pattern file in the directory. Any
// invalid file fails the whole load so a bad deploy never half-applies.
func (l *Loader) Load() ([]*Pattern, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read pattern directory: %w", err)
	}

	byName := make(map[string]string)
	var patterns []*Pattern
	for _, entry := range entries {
		if entry.IsDir() || !isPatternFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		p, err := loadPatternFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("pattern %q defined in both %s and %s", p.Name, prev, entry.Name())
		}
		byName[p.Name] = entry.Name()
		patterns = append(patterns, p)
	}

	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Name < patterns[j].Name })
	l.logger.Info("patterns loaded",
		zap.Int("count", len(patterns)),
		zap.String("dir", l.dir),
	)
	return patterns, nil
}

func loadPatternFile(path string) (*Pattern, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern %s: %w", path, err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse pattern %s: %w", path, err)
	}
	var p Pattern
	if err := k.Unmarshal("", &p); err != nil {
		return nil, fmt.Errorf("decode pattern %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

func isPatternFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Watch reloads the directory on changes and hands each valid new set to
// onReload. A load failure keeps the previous set and logs. Watch returns
// once the watcher is installed; it stops when ctx is canceled.
func (l *Loader) Watch(ctx context.Context, onReload func([]*Pattern)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pattern watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch pattern directory: %w", err)
	}

	var mu sync.Mutex
	var pending *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(reloadDebounce, func() {
			patterns, err := l.Load()
			if err != nil {
				l.logger.Error("pattern reload failed, keeping previous set", zap.Error(err))
				return
			}
			onReload(patterns)
		})
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if pending != nil {
					pending.Stop()
				}
				mu.Unlock()
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isPatternFile(filepath.Base(ev.Name)) {
					continue
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
					ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					l.logger.Debug("pattern file changed",
						zap.String("file", ev.Name),
						zap.String("op", ev.Op.String()),
					)
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("pattern watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
