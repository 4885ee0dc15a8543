package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Indexer receives loaded skills for search indexing. Implementations
// chunk and embed the skill content.
type Indexer interface {
	IndexSkill(ctx context.Context, s *Skill) error
}

// Loader loads skill YAML documents from a directory into the store and
// watches it for changes. This is the administrative hot-reload path:
// dropping a new version file into the directory makes it selectable
// without a restart.
type Loader struct {
	dir     string
	store   Store
	indexer Indexer // optional
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewLoader creates a loader for the given skills directory. indexer
// may be nil when search indexing is disabled.
func NewLoader(dir string, store Store, indexer Indexer, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:     dir,
		store:   store,
		indexer: indexer,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// LoadDir parses and stores every skill document in the directory.
// Returns the number of skills stored. Invalid documents and duplicate
// versions are logged and skipped so one bad file never blocks the
// rest.
func (l *Loader) LoadDir(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("read skills directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isSkillFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(ctx, path); err != nil {
			l.logger.Warn("Skipping skill file",
				"path", path,
				"error", err)
			continue
		}
		loaded++
	}

	l.logger.Info("Loaded skills directory",
		"dir", l.dir,
		"loaded", loaded)
	return loaded, nil
}

// Watch blocks watching the skills directory until ctx is cancelled.
// File writes are debounced before reloading.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	l.watcher = watcher

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch skills directory: %w", err)
	}

	l.logger.Info("Watching skills directory", "dir", l.dir)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSkillFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				l.pendingMu.Lock()
				l.pending[event.Name] = struct{}{}
				l.pendingMu.Unlock()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			l.flushPending(ctx)
		}
	}
}

// flushPending reloads files accumulated since the last tick.
func (l *Loader) flushPending(ctx context.Context) {
	l.pendingMu.Lock()
	if len(l.pending) == 0 {
		l.pendingMu.Unlock()
		return
	}
	toLoad := make([]string, 0, len(l.pending))
	for path := range l.pending {
		toLoad = append(toLoad, path)
	}
	l.pending = make(map[string]struct{})
	l.pendingMu.Unlock()

	for _, path := range toLoad {
		if err := l.loadFile(ctx, path); err != nil {
			l.logger.Warn("Failed to reload skill file",
				"path", path,
				"error", err)
		}
	}
}

// loadFile parses one skill document and stores it. A version already
// in the store is not an error here: directory rescans see old files.
func (l *Loader) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read skill file: %w", err)
	}

	doc, issues := Parse(data)
	if len(issues) > 0 {
		msgs := make([]string, len(issues))
		for i, issue := range issues {
			msgs[i] = issue.String()
		}
		return fmt.Errorf("invalid skill document: %s", strings.Join(msgs, "; "))
	}

	s, err := doc.ToSkill()
	if err != nil {
		return err
	}

	if err := l.store.PutSkill(ctx, s); err != nil {
		if errors.Is(err, ErrDuplicateSkill) {
			l.logger.Debug("Skill version already stored",
				"skill", s.Name,
				"effective_date", s.EffectiveDate.Format(DateFormat))
			return nil
		}
		return fmt.Errorf("store skill: %w", err)
	}

	if l.indexer != nil {
		if err := l.indexer.IndexSkill(ctx, s); err != nil {
			l.logger.Warn("Failed to index skill",
				"skill", s.Name,
				"error", err)
		}
	}

	l.logger.Info("Loaded skill",
		"skill", s.Name,
		"version", s.Version,
		"effective_date", s.EffectiveDate.Format(DateFormat))
	return nil
}

func isSkillFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
