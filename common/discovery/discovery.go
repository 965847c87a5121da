// Package discovery walks the workspace, parses entity declarations
// out of Python source, and reconciles the entity registry with the
// authoritative file tree.
package discovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	"github.com/bifrost-hq/bifrost/common/pyscan"
	"github.com/bifrost-hq/bifrost/common/workspace"
)

// Registration is one (path, function_name) identity seen during a
// walk. The pair is the stable registration identity across renames of
// the decorator's name.
type Registration struct {
	Path         string
	FunctionName string
}

// IndexStore is the file-index surface discovery writes through
type IndexStore interface {
	Write(ctx context.Context, path string, content []byte) (string, error)
	DeleteMissing(ctx context.Context, livePaths []string) ([]string, error)
}

// EntityRegistry is the repository surface discovery reconciles
type EntityRegistry interface {
	UpsertByPathAndFunction(ctx context.Context, e *models.Entity) (*models.Entity, error)
	DeactivateMany(ctx context.Context, ids []uuid.UUID) error
	ListByPaths(ctx context.Context, paths []string) ([]*models.Entity, error)
	ListActive(ctx context.Context) ([]*models.Entity, error)
}

// Indexer drives single-path discovery and full reindex
type Indexer struct {
	root     string
	store    IndexStore
	cache    *workspace.Cache
	bus      *workspace.Bus
	entities EntityRegistry
	exclude  []string
	log      *logger.Logger
	newID    func() string
}

// NewIndexer creates a discovery indexer rooted at root
func NewIndexer(root string, store IndexStore, cache *workspace.Cache, bus *workspace.Bus, entities EntityRegistry, exclude []string, log *logger.Logger) *Indexer {
	return &Indexer{
		root:     root,
		store:    store,
		cache:    cache,
		bus:      bus,
		entities: entities,
		exclude:  exclude,
		log:      log,
		newID:    uuid.NewString,
	}
}

// IndexPath runs the per-file flow for one workspace path. With
// writeBack enabled, source rewritten by id injection is persisted to
// disk and the file-index store and announced on the bus; with it
// disabled (subscriber bootstrap) discovery is read-only.
func (x *Indexer) IndexPath(ctx context.Context, path string, writeBack bool) ([]Registration, error) {
	full := filepath.Join(x.root, filepath.FromSlash(path))
	content, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if !strings.HasSuffix(path, ".py") {
		if writeBack {
			if _, err := x.store.Write(ctx, path, content); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	rewritten, decorators, changed, err := pyscan.InjectIDs(content, x.newID)
	if err != nil {
		// malformed source: the file stays indexed, the registry stays
		// untouched until the file parses again
		x.log.Warn("skipping unparsable python file", "path", path, "error", err)
		if writeBack {
			if _, werr := x.store.Write(ctx, path, content); werr != nil {
				return nil, werr
			}
		}
		return x.existingRegistrations(ctx, path)
	}

	if changed && writeBack {
		if err := x.persistRewrite(ctx, path, full, rewritten); err != nil {
			return nil, err
		}
		content = rewritten
	} else if writeBack {
		if _, err := x.store.Write(ctx, path, content); err != nil {
			return nil, err
		}
	}

	var live []Registration
	for i := range decorators {
		d := &decorators[i]
		live = append(live, Registration{Path: path, FunctionName: d.FunctionName})

		entity, err := x.entityFromDecorator(path, d)
		if err != nil {
			x.log.Warn("skipping invalid decorator", "path", path, "function", d.FunctionName, "error", err)
			continue
		}

		if _, err := x.entities.UpsertByPathAndFunction(ctx, entity); err != nil {
			if apperr.KindOf(err) == apperr.KindConflict {
				// a same-scope name collision: the earlier registration
				// stays active, this one retries on the next change
				x.log.Warn("duplicate entity name in scope", "path", path, "name", entity.Name, "error", err)
				continue
			}
			return nil, err
		}
	}

	return live, nil
}

// Reindex runs the full walk: per-file discovery, orphan deactivation,
// and file-index cleanup.
func (x *Indexer) Reindex(ctx context.Context, writeBack bool) error {
	var livePaths []string
	liveSet := map[Registration]struct{}{}

	err := filepath.WalkDir(x.root, func(full string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(x.root, full)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && x.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if x.excluded(rel) {
			return nil
		}

		livePaths = append(livePaths, rel)
		regs, err := x.IndexPath(ctx, rel, writeBack)
		if err != nil {
			x.log.Error("failed to index path", "path", rel, "error", err)
			// keep its current registrations out of the orphan diff
			if existing, eerr := x.existingRegistrations(ctx, rel); eerr == nil {
				regs = existing
			}
		}
		for _, reg := range regs {
			liveSet[reg] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("workspace walk failed: %w", err)
	}

	if err := x.deactivateOrphans(ctx, liveSet); err != nil {
		return err
	}

	if writeBack {
		deleted, err := x.store.DeleteMissing(ctx, livePaths)
		if err != nil {
			return err
		}
		if len(deleted) > 0 {
			x.log.Info("pruned stale file-index rows", "count", len(deleted))
		}
	}

	x.log.Info("reindex complete", "files", len(livePaths), "registrations", len(liveSet))
	return nil
}

// deactivateOrphans flags entities whose registration identity was not
// seen in the walk. Rows are never deleted: execution history keeps
// foreign keys to them.
func (x *Indexer) deactivateOrphans(ctx context.Context, liveSet map[Registration]struct{}) error {
	active, err := x.entities.ListActive(ctx)
	if err != nil {
		return err
	}

	var orphans []uuid.UUID
	for _, e := range active {
		reg := Registration{Path: e.Path, FunctionName: e.FunctionName}
		if _, alive := liveSet[reg]; !alive {
			orphans = append(orphans, e.ID)
		}
	}

	if len(orphans) == 0 {
		return nil
	}
	if err := x.entities.DeactivateMany(ctx, orphans); err != nil {
		return err
	}
	x.log.Info("deactivated orphaned entities", "count", len(orphans))
	return nil
}

// HandleChange is the watcher/syncer hook for one settled path
func (x *Indexer) HandleChange(ctx context.Context, path string, deleted bool) {
	if deleted {
		if err := x.deactivatePath(ctx, path); err != nil {
			x.log.Error("failed to deactivate entities for deleted path", "path", path, "error", err)
		}
		return
	}
	if _, err := x.IndexPath(ctx, path, true); err != nil {
		x.log.Error("failed to index changed path", "path", path, "error", err)
	}
}

// HandleApplied is the subscriber-side hook: the canonical bytes are
// already persisted by the originating node, so discovery runs without
// write-back.
func (x *Indexer) HandleApplied(ctx context.Context, path string) {
	if _, err := x.IndexPath(ctx, path, false); err != nil {
		x.log.Error("failed to index applied path", "path", path, "error", err)
	}
}

func (x *Indexer) deactivatePath(ctx context.Context, path string) error {
	entities, err := x.entities.ListByPaths(ctx, []string{path})
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	return x.entities.DeactivateMany(ctx, ids)
}

func (x *Indexer) existingRegistrations(ctx context.Context, path string) ([]Registration, error) {
	entities, err := x.entities.ListByPaths(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	regs := make([]Registration, 0, len(entities))
	for _, e := range entities {
		regs = append(regs, Registration{Path: e.Path, FunctionName: e.FunctionName})
	}
	return regs, nil
}

// persistRewrite pushes id-injected source through the full originated
// write pipeline: disk, file-index store, cache, bus.
func (x *Indexer) persistRewrite(ctx context.Context, path, full string, content []byte) error {
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("failed to write rewritten source: %w", err)
	}

	hash, err := x.store.Write(ctx, path, content)
	if err != nil {
		return err
	}

	x.cache.Set(ctx, path, hash, false)

	err = x.bus.Publish(ctx, &workspace.Event{
		Type:        workspace.EventFileWrite,
		Path:        path,
		ContentB64:  base64.StdEncoding.EncodeToString(content),
		ContentHash: hash,
	})
	if err != nil {
		x.log.Warn("failed to publish rewritten source", "path", path, "error", err)
	}
	return nil
}

// entityFromDecorator derives the registry row from one decorator
func (x *Indexer) entityFromDecorator(path string, d *pyscan.Decorator) (*models.Entity, error) {
	idStr, ok := d.StringArg("id")
	if !ok {
		return nil, fmt.Errorf("decorator has no id after injection")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("decorator id %q is not a UUID: %w", idStr, err)
	}

	name, ok := d.StringArg("name")
	if !ok || name == "" {
		name = d.FunctionName
	}

	entity := &models.Entity{
		ID:           id,
		Name:         name,
		Type:         models.EntityType(d.Type),
		FunctionName: d.FunctionName,
		Path:         path,
		AccessLevel:  models.AccessRoleBased,
		Tags:         d.ListArg("tags"),
	}

	if schedule, ok := d.StringArg("schedule"); ok {
		entity.Schedule = &schedule
	}
	if category, ok := d.StringArg("category"); ok {
		entity.Category = &category
	}
	if access, ok := d.StringArg("access_level"); ok {
		entity.AccessLevel = models.AccessLevel(access)
	}
	entity.EndpointEnabled = d.BoolArg("endpoint_enabled", false)

	schema, err := json.Marshal(pyscan.ParametersSchema(d.Params))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters schema: %w", err)
	}
	entity.ParametersSchema = schema

	return entity, nil
}

func (x *Indexer) excluded(rel string) bool {
	base := filepath.Base(rel)
	if strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, "~") {
		return true
	}
	for _, pattern := range x.exclude {
		pattern = strings.TrimSuffix(pattern, "/")
		if rel == pattern || strings.HasPrefix(rel, pattern+"/") {
			return true
		}
	}
	return false
}
