package workspace

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bifrost-hq/bifrost/common/logger"
)

type pendingOp int

const (
	opWrite pendingOp = iota
	opDelete
	opFolderDelete
)

// FileStore is the write surface the watcher needs from the
// file-index store.
type FileStore interface {
	Write(ctx context.Context, path string, content []byte) (string, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) (map[string]string, error)
}

// Watcher publishes local filesystem mutations to the cluster. Events
// are debounced per path, delete dominating modify within a window.
// The loop-suppression cache decides whether a mutation originated
// here or was applied from pub/sub.
type Watcher struct {
	root     string
	store    FileStore
	cache    *Cache
	bus      *Bus
	debounce time.Duration
	exclude  []string
	log      *logger.Logger

	// onChange runs after an originated change is persisted and
	// published, e.g. single-path discovery. May be nil.
	onChange func(ctx context.Context, path string, deleted bool)

	// dirs tracks watched directories by relative path, so a Remove
	// event can be told apart as a folder delete after the path is gone
	mu      sync.Mutex
	pending map[string]pendingOp
	timers  map[string]*time.Timer
	dirs    map[string]struct{}

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a workspace watcher rooted at root
func NewWatcher(root string, store FileStore, cache *Cache, bus *Bus, debounce time.Duration, exclude []string, log *logger.Logger) *Watcher {
	return &Watcher{
		root:     root,
		store:    store,
		cache:    cache,
		bus:      bus,
		debounce: debounce,
		exclude:  exclude,
		log:      log,
		pending:  map[string]pendingOp{},
		timers:   map[string]*time.Timer{},
		dirs:     map[string]struct{}{},
	}
}

// OnChange registers the discovery callback for originated changes
func (w *Watcher) OnChange(fn func(ctx context.Context, path string, deleted bool)) {
	w.onChange = fn
}

// Start begins watching the workspace tree. Stop must be called at
// process shutdown.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.addRecursive(w.root); err != nil {
		_ = fsw.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(runCtx)
	w.log.Info("workspace watcher started", "root", w.root, "debounce", w.debounce)
	return nil
}

// Stop flushes nothing: pending debounced paths are abandoned, the
// next reindex restores convergence.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	if w.done != nil {
		<-w.done
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." {
			if w.excluded(rel) {
				return filepath.SkipDir
			}
			w.trackDir(rel)
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) trackDir(rel string) {
	w.mu.Lock()
	w.dirs[rel] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) isTrackedDir(rel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.dirs[rel]
	return ok
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || w.excluded(rel) {
		return
	}

	// New directories need a watch before their contents produce events
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
			w.handleFolderCreate(ctx, rel)
			return
		}
	}

	var op pendingOp
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// the path is already gone, the tracked-dir set is the only way
		// to tell a directory removal from a file removal
		if w.isTrackedDir(rel) {
			op = opFolderDelete
		} else {
			op = opDelete
		}
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		op = opWrite
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// delete dominates modify within a window
	if existing, has := w.pending[rel]; !has || existing == opWrite {
		w.pending[rel] = op
	}

	if timer, has := w.timers[rel]; has {
		timer.Reset(w.debounce)
		return
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		w.flush(ctx, rel)
	})
}

// flush decides origination for one settled path and publishes when
// this node originated the change.
func (w *Watcher) flush(ctx context.Context, rel string) {
	w.mu.Lock()
	op, has := w.pending[rel]
	delete(w.pending, rel)
	delete(w.timers, rel)
	w.mu.Unlock()
	if !has {
		return
	}

	switch op {
	case opFolderDelete:
		w.flushFolderDelete(ctx, rel)
	case opDelete:
		w.flushDelete(ctx, rel)
	default:
		w.flushWrite(ctx, rel)
	}
}

func (w *Watcher) flushWrite(ctx context.Context, rel string) {
	full := filepath.Join(w.root, filepath.FromSlash(rel))
	content, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			// the file vanished after the write event; treat as delete
			w.flushDelete(ctx, rel)
			return
		}
		w.log.Warn("failed to read changed file", "path", rel, "error", err)
		return
	}

	hash := HashBytes(content)
	if entry := w.cache.Get(ctx, rel); entry != nil && !entry.IsDeleted && entry.Hash == hash {
		// applied from pub/sub, not ours to re-publish
		return
	}

	if _, err := w.store.Write(ctx, rel, content); err != nil {
		w.log.Error("failed to persist local change", "path", rel, "error", err)
		return
	}

	w.cache.Set(ctx, rel, hash, false)

	err = w.bus.Publish(ctx, &Event{
		Type:        EventFileWrite,
		Path:        rel,
		ContentB64:  base64.StdEncoding.EncodeToString(content),
		ContentHash: hash,
	})
	if err != nil {
		w.log.Warn("failed to publish file write", "path", rel, "error", err)
	}

	if w.onChange != nil {
		w.onChange(ctx, rel, false)
	}
}

func (w *Watcher) flushDelete(ctx context.Context, rel string) {
	if entry := w.cache.Get(ctx, rel); entry != nil && entry.IsDeleted {
		return
	}

	if err := w.store.Delete(ctx, rel); err != nil {
		w.log.Error("failed to delete from file index", "path", rel, "error", err)
		return
	}

	w.cache.Set(ctx, rel, "", true)

	if err := w.bus.Publish(ctx, &Event{Type: EventFileDelete, Path: rel}); err != nil {
		w.log.Warn("failed to publish file delete", "path", rel, "error", err)
	}

	if w.onChange != nil {
		w.onChange(ctx, rel, true)
	}
}

// flushFolderDelete handles a removed directory: the indexed subtree is
// deleted file by file so peers deactivate its entities, then the
// folder event announces the removal.
func (w *Watcher) flushFolderDelete(ctx context.Context, rel string) {
	w.mu.Lock()
	for dir := range w.dirs {
		if dir == rel || strings.HasPrefix(dir, rel+"/") {
			delete(w.dirs, dir)
		}
	}
	w.mu.Unlock()

	key := NormalizeDirPath(rel)
	if entry := w.cache.Get(ctx, key); entry != nil && entry.IsDeleted {
		// applied from pub/sub, not ours to re-publish
		return
	}

	files, err := w.store.List(ctx, rel+"/")
	if err != nil {
		w.log.Error("failed to list removed folder", "path", rel, "error", err)
		return
	}
	for path := range files {
		if err := w.store.Delete(ctx, path); err != nil {
			w.log.Error("failed to delete from file index", "path", path, "error", err)
			continue
		}
		w.cache.Set(ctx, path, "", true)
		if w.onChange != nil {
			w.onChange(ctx, path, true)
		}
	}

	w.cache.Set(ctx, key, "", true)

	if err := w.bus.Publish(ctx, &Event{Type: EventFolderDelete, Path: rel}); err != nil {
		w.log.Warn("failed to publish folder delete", "path", rel, "error", err)
	}
}

func (w *Watcher) handleFolderCreate(ctx context.Context, rel string) {
	w.trackDir(rel)

	key := NormalizeDirPath(rel)
	if entry := w.cache.Get(ctx, key); entry != nil && !entry.IsDeleted {
		return
	}

	w.cache.Set(ctx, key, "", false)

	if err := w.bus.Publish(ctx, &Event{Type: EventFolderCreate, Path: rel}); err != nil {
		w.log.Warn("failed to publish folder create", "path", rel, "error", err)
	}
}

func (w *Watcher) excluded(rel string) bool {
	base := filepath.Base(rel)
	if strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, "~") {
		return true
	}
	for _, pattern := range w.exclude {
		pattern = strings.TrimSuffix(pattern, "/")
		if rel == pattern || strings.HasPrefix(rel, pattern+"/") {
			return true
		}
	}
	return false
}
