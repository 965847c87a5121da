package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bifrost-hq/bifrost/common/logger"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
)

const (
	moduleIndexKey  = "workspace:module_index"
	moduleKeyPrefix = "workspace:module:"
)

// ModuleSource is one workspace Python module served to workers
type ModuleSource struct {
	Path      string `json:"path"`
	Source    string `json:"source"`
	Hash      string `json:"hash"`
	IsPackage bool   `json:"is_package"`
}

// SourceStore is the read surface the resolver needs from the
// file-index store.
type SourceStore interface {
	List(ctx context.Context, prefix string) (map[string]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}

// ModuleResolver serves workspace modules from Redis so worker imports
// never touch the filesystem. The index is loaded lazily and dropped
// whenever a sync event is applied.
type ModuleResolver struct {
	redis *rediscommon.Client
	store SourceStore
	log   *logger.Logger
}

// NewModuleResolver creates a module resolver
func NewModuleResolver(redis *rediscommon.Client, store SourceStore, log *logger.Logger) *ModuleResolver {
	return &ModuleResolver{redis: redis, store: store, log: log}
}

// CandidatePaths maps a dotted module name to the workspace paths that
// could satisfy it, module file first, package __init__ second.
func CandidatePaths(moduleName string) []string {
	base := strings.ReplaceAll(moduleName, ".", "/")
	return []string{base + ".py", base + "/__init__.py"}
}

// Resolve satisfies a dotted import from the workspace, or returns nil
// when no workspace module matches (the caller falls through to its
// normal import path).
func (m *ModuleResolver) Resolve(ctx context.Context, moduleName string) (*ModuleSource, error) {
	index, err := m.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	for _, candidate := range CandidatePaths(moduleName) {
		if _, ok := index[candidate]; !ok {
			continue
		}
		src, err := m.fetch(ctx, candidate)
		if err != nil {
			return nil, err
		}
		src.IsPackage = strings.HasSuffix(candidate, "/__init__.py")
		return src, nil
	}

	return nil, nil
}

// ListModules returns every indexed workspace module path
func (m *ModuleResolver) ListModules(ctx context.Context) ([]string, error) {
	index, err := m.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(index))
	for path := range index {
		paths = append(paths, path)
	}
	return paths, nil
}

// Bundle returns every indexed workspace module with its source. The
// worker rebuilds the bundle per job so invalidated modules are
// re-fetched, picking up code changes without a restart.
func (m *ModuleResolver) Bundle(ctx context.Context) ([]ModuleSource, error) {
	index, err := m.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	bundle := make([]ModuleSource, 0, len(index))
	for path := range index {
		src, err := m.fetch(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to bundle module %s: %w", path, err)
		}
		src.IsPackage = strings.HasSuffix(path, "/__init__.py")
		bundle = append(bundle, *src)
	}
	return bundle, nil
}

// Invalidate drops the cached source for one path and the whole index.
// The next resolve rebuilds both lazily.
func (m *ModuleResolver) Invalidate(ctx context.Context, path string) {
	if strings.HasSuffix(path, ".py") {
		if err := m.redis.Delete(ctx, moduleKeyPrefix+path); err != nil {
			m.log.Warn("module cache invalidation failed", "path", path, "error", err)
		}
	}
	if err := m.redis.Delete(ctx, moduleIndexKey); err != nil {
		m.log.Warn("module index invalidation failed", "error", err)
	}
}

// loadIndex returns the module path set, rebuilding it from the file
// index on a cache miss.
func (m *ModuleResolver) loadIndex(ctx context.Context) (map[string]struct{}, error) {
	members, err := m.redis.GetSetMembers(ctx, moduleIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read module index: %w", err)
	}

	if len(members) == 0 {
		paths, err := m.store.List(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild module index: %w", err)
		}
		for path := range paths {
			if !strings.HasSuffix(path, ".py") {
				continue
			}
			members = append(members, path)
			if err := m.redis.AddToSet(ctx, moduleIndexKey, path); err != nil {
				m.log.Warn("module index write failed", "path", path, "error", err)
			}
		}
	}

	index := make(map[string]struct{}, len(members))
	for _, path := range members {
		index[path] = struct{}{}
	}
	return index, nil
}

// fetch returns a module's source, read-through to the canonical store
func (m *ModuleResolver) fetch(ctx context.Context, path string) (*ModuleSource, error) {
	if cached, found, err := m.redis.Get(ctx, moduleKeyPrefix+path); err == nil && found {
		src := &ModuleSource{}
		if err := json.Unmarshal([]byte(cached), src); err == nil {
			return src, nil
		}
		m.log.Warn("malformed cached module, refetching", "path", path)
	}

	content, err := m.store.Read(ctx, path)
	if err != nil {
		return nil, err
	}

	src := &ModuleSource{
		Path:   path,
		Source: string(content),
		Hash:   HashBytes(content),
	}

	if data, err := json.Marshal(src); err == nil {
		if err := m.redis.Set(ctx, moduleKeyPrefix+path, string(data), 0); err != nil {
			m.log.Warn("module cache write failed", "path", path, "error", err)
		}
	}

	return src, nil
}
