package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bifrost-hq/bifrost/common/logger"
)

// MirrorStore is the read surface the syncer needs from the
// file-index store.
type MirrorStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	PullAll(ctx context.Context, visit func(path string, content []byte) error) error
}

// Syncer applies remote workspace events to the local disk copy. It
// updates the loop-suppression cache before every local mutation so
// the watcher recognizes applied changes as not-ours.
type Syncer struct {
	root    string
	store   MirrorStore
	cache   *Cache
	bus     *Bus
	modules *ModuleResolver
	log     *logger.Logger

	// onApplied runs after an event lands on disk, e.g. to reindex the
	// touched path. May be nil.
	onApplied func(ctx context.Context, path string)
}

// NewSyncer creates a workspace sync service rooted at root
func NewSyncer(root string, store MirrorStore, cache *Cache, bus *Bus, modules *ModuleResolver, log *logger.Logger) *Syncer {
	return &Syncer{
		root:    root,
		store:   store,
		cache:   cache,
		bus:     bus,
		modules: modules,
		log:     log,
	}
}

// OnApplied registers a callback invoked with each applied file path
func (s *Syncer) OnApplied(fn func(ctx context.Context, path string)) {
	s.onApplied = fn
}

// LocalPath resolves a workspace-relative path under the root,
// rejecting traversal outside it.
func (s *Syncer) LocalPath(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.root, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.root)+string(os.PathSeparator)) && full != filepath.Clean(s.root) {
		return "", fmt.Errorf("path %q escapes workspace root", path)
	}
	return full, nil
}

// Bootstrap prepares the local working copy: ensures the root exists
// and, when a mirror is configured, pulls every file to disk. Cache
// entries are written before each file so the watcher stays quiet.
func (s *Syncer) Bootstrap(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}

	pulled := 0
	err := s.store.PullAll(ctx, func(path string, content []byte) error {
		full, err := s.LocalPath(path)
		if err != nil {
			s.log.Warn("skipping mirrored file with bad path", "path", path)
			return nil
		}

		s.cache.Set(ctx, path, HashBytes(content), false)

		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		pulled++
		return nil
	})
	if err != nil {
		return fmt.Errorf("workspace pull failed: %w", err)
	}

	s.log.Info("workspace bootstrap complete", "root", s.root, "files", pulled)
	return nil
}

// Run subscribes to the bus and applies events until ctx is cancelled
func (s *Syncer) Run(ctx context.Context) error {
	return s.bus.Subscribe(ctx, s.Apply)
}

// Apply handles one remote event: cache first, then disk. Failures
// are logged; convergence comes from the next reindex.
func (s *Syncer) Apply(ctx context.Context, event *Event) {
	var err error
	switch event.Type {
	case EventFileWrite:
		err = s.applyWrite(ctx, event)
	case EventFileDelete:
		err = s.applyDelete(ctx, event.Path)
	case EventFileRename:
		// Rename carries no content; apply it as delete + write from
		// the canonical store.
		if err = s.applyDelete(ctx, event.OldPath); err == nil {
			err = s.applyWriteFromStore(ctx, event.NewPath)
		}
	case EventFolderCreate:
		err = s.applyFolderCreate(ctx, event.Path)
	case EventFolderDelete:
		err = s.applyFolderDelete(ctx, event.Path)
	}

	if err != nil {
		s.log.Error("failed to apply workspace event", "type", event.Type, "path", event.Path, "error", err)
		return
	}

	s.modules.Invalidate(ctx, pathForEvent(event))
}

func pathForEvent(event *Event) string {
	if event.Type == EventFileRename {
		return event.NewPath
	}
	return event.Path
}

func (s *Syncer) applyWrite(ctx context.Context, event *Event) error {
	content, err := base64.StdEncoding.DecodeString(event.ContentB64)
	if err != nil {
		return fmt.Errorf("failed to decode content for %s: %w", event.Path, err)
	}

	if HashBytes(content) != event.ContentHash {
		s.log.Warn("content hash mismatch, dropping event", "path", event.Path)
		return nil
	}

	s.cache.Set(ctx, event.Path, event.ContentHash, false)

	full, err := s.LocalPath(event.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	if s.onApplied != nil {
		s.onApplied(ctx, event.Path)
	}
	return nil
}

func (s *Syncer) applyWriteFromStore(ctx context.Context, path string) error {
	content, err := s.store.Read(ctx, path)
	if err != nil {
		return err
	}

	s.cache.Set(ctx, path, HashBytes(content), false)

	full, err := s.LocalPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	if s.onApplied != nil {
		s.onApplied(ctx, path)
	}
	return nil
}

func (s *Syncer) applyDelete(ctx context.Context, path string) error {
	s.cache.Set(ctx, path, "", true)

	full, err := s.LocalPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

func (s *Syncer) applyFolderCreate(ctx context.Context, path string) error {
	s.cache.Set(ctx, NormalizeDirPath(path), "", false)

	full, err := s.LocalPath(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

func (s *Syncer) applyFolderDelete(ctx context.Context, path string) error {
	s.cache.Set(ctx, NormalizeDirPath(path), "", true)

	full, err := s.LocalPath(path)
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}
