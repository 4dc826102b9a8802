package knowledge

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PlanData is a finalized plan to index.
type PlanData struct {
	SessionID string
	Request   string
	FinalPlan string
}

// PlanSource lists finalized plans. Implemented by ServicePlans.
type PlanSource interface {
	FinalizedPlans(ctx context.Context) ([]PlanData, error)
}

// IndexerConfig controls what and how content is indexed.
type IndexerConfig struct {
	Root          string
	IndexGoSource bool
	Watch         bool
	PlanSync      time.Duration // default 60s
}

// Indexer keeps the Store in sync with the codebase under Root and with
// finalized plans.
type Indexer struct {
	store  *Store
	config IndexerConfig
	plans  PlanSource // may be nil
	logger *zap.Logger

	mu       sync.Mutex
	debounce map[string]time.Time
}

// NewIndexer creates an Indexer. plans may be nil.
func NewIndexer(store *Store, config IndexerConfig, plans PlanSource, logger *zap.Logger) *Indexer {
	if config.PlanSync <= 0 {
		config.PlanSync = 60 * time.Second
	}
	return &Indexer{
		store:    store,
		config:   config,
		plans:    plans,
		logger:   logger.With(zap.String("component", "indexer")),
		debounce: make(map[string]time.Time),
	}
}

// Start performs a full scan, then watches for changes and periodically
// syncs plans. Blocks until ctx is cancelled.
func (idx *Indexer) Start(ctx context.Context) error {
	start := time.Now()
	indexed, removed := idx.FullScan(ctx)
	idx.logger.Info("full scan done",
		zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		zap.Int("indexed", indexed),
		zap.Int("removed", removed))
	idx.SyncPlans(ctx)

	if idx.config.Watch && idx.config.Root != "" {
		w, err := idx.watch()
		if err != nil {
			idx.logger.Warn("file watcher unavailable", zap.Error(err))
		} else {
			defer w.Close()
			go idx.watchLoop(ctx, w)
		}
	}

	ticker := time.NewTicker(idx.config.PlanSync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			idx.SyncPlans(ctx)
		}
	}
}

// RunOnce performs a full scan and a plan sync without watching.
func (idx *Indexer) RunOnce(ctx context.Context) (indexed, removed int) {
	indexed, removed = idx.FullScan(ctx)
	idx.SyncPlans(ctx)
	return indexed, removed
}

// FullScan indexes every eligible file under Root and removes entries for
// files that no longer exist.
func (idx *Indexer) FullScan(ctx context.Context) (indexed, removed int) {
	root := idx.config.Root
	if root == "" {
		return 0, 0
	}

	existing := make(map[string]bool)
	if paths, err := idx.store.IndexedPaths(ctx); err == nil {
		for _, p := range paths {
			if !strings.HasPrefix(p, "plan:") {
				existing[p] = true
			}
		}
	}
	seen := make(map[string]bool)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || !ShouldIndex(rel, idx.config.IndexGoSource) {
			return nil
		}
		doc, err := ParseFile(path, root)
		if err != nil {
			idx.logger.Warn("parse failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		changed, err := idx.store.IndexIfChanged(ctx, doc)
		if err != nil {
			idx.logger.Warn("index failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		seen[doc.Path] = true
		if changed {
			indexed++
		}
		return nil
	})
	if err != nil {
		idx.logger.Warn("walk failed", zap.Error(err))
		return indexed, removed
	}

	for p := range existing {
		if seen[p] {
			continue
		}
		if err := idx.store.Remove(ctx, p); err != nil {
			idx.logger.Warn("remove failed", zap.String("path", p), zap.Error(err))
			continue
		}
		removed++
	}
	return indexed, removed
}

// SyncPlans indexes finalized plans from the plan source.
func (idx *Indexer) SyncPlans(ctx context.Context) int {
	if idx.plans == nil {
		return 0
	}
	plans, err := idx.plans.FinalizedPlans(ctx)
	if err != nil {
		idx.logger.Warn("plan sync failed", zap.Error(err))
		return 0
	}
	n := 0
	for _, p := range plans {
		changed, err := idx.store.IndexIfChanged(ctx, FormatPlan(p.SessionID, p.Request, p.FinalPlan))
		if err != nil {
			idx.logger.Warn("plan index failed", zap.String("session_id", p.SessionID), zap.Error(err))
			continue
		}
		if changed {
			n++
		}
	}
	return n
}

// watch registers every non-skipped directory under Root.
func (idx *Indexer) watch() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	root := idx.config.Root
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			idx.logger.Debug("watch failed", zap.String("dir", path), zap.Error(err))
		}
		return nil
	})
	return w, nil
}

func (idx *Indexer) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	const debounceWindow = 2 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !SkipDir(info.Name()) {
					_ = w.Add(event.Name)
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(idx.config.Root, event.Name)
			if err != nil || !ShouldIndex(rel, idx.config.IndexGoSource) {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 && idx.recentlyIndexed(event.Name, debounceWindow) {
				continue
			}
			idx.reindex(ctx, event.Name, filepath.ToSlash(rel), event.Op)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			idx.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (idx *Indexer) recentlyIndexed(path string, window time.Duration) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if last, ok := idx.debounce[path]; ok && time.Since(last) < window {
		return true
	}
	idx.debounce[path] = time.Now()
	return false
}

func (idx *Indexer) reindex(ctx context.Context, path, rel string, op fsnotify.Op) {
	if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if err := idx.store.Remove(ctx, rel); err != nil {
			idx.logger.Warn("remove on delete failed", zap.String("path", rel), zap.Error(err))
		}
		return
	}
	doc, err := ParseFile(path, idx.config.Root)
	if err != nil {
		return
	}
	changed, err := idx.store.IndexIfChanged(ctx, doc)
	if err != nil {
		idx.logger.Warn("re-index failed", zap.String("path", rel), zap.Error(err))
		return
	}
	if changed {
		idx.logger.Debug("re-indexed", zap.String("path", doc.Path))
	}
}
