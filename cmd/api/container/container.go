// Package container wires the API node's repositories, workspace
// plumbing, and handlers once at startup.
package container

import (
	"fmt"

	"github.com/bifrost-hq/bifrost/cmd/api/handlers"
	"github.com/bifrost-hq/bifrost/common/access"
	"github.com/bifrost-hq/bifrost/common/bootstrap"
	"github.com/bifrost-hq/bifrost/common/crypto"
	"github.com/bifrost-hq/bifrost/common/discovery"
	"github.com/bifrost-hq/bifrost/common/dispatch"
	"github.com/bifrost-hq/bifrost/common/repository"
	"github.com/bifrost-hq/bifrost/common/resolver"
	"github.com/bifrost-hq/bifrost/common/workspace"
)

// Container holds all initialized repositories, workspace plumbing,
// and handlers (singleton pattern).
type Container struct {
	Components *bootstrap.Components

	// Repositories
	FileRepo      *repository.FileIndexRepository
	EntityRepo    *repository.EntityRepository
	ExecutionRepo *repository.ExecutionRepository
	ConfigRepo    *repository.ConfigRepository
	AccessRepo    *repository.AccessRepository
	FormRepo      *repository.FormRepository
	OrgRepo       *repository.OrganizationRepository

	// Workspace plumbing
	Store   *workspace.Store
	Cache   *workspace.Cache
	Bus     *workspace.Bus
	Modules *workspace.ModuleResolver
	Syncer  *workspace.Syncer
	Watcher *workspace.Watcher
	Indexer *discovery.Indexer

	// Domain services
	Dispatcher *dispatch.Dispatcher
	Resolver   *resolver.Resolver
	Deriver    *access.Deriver
	Checker    *access.Checker

	// Handlers
	WorkspaceHandler *handlers.WorkspaceHandler
	EntityHandler    *handlers.EntityHandler
	ConfigHandler    *handlers.ConfigHandler
	FormHandler      *handlers.FormHandler
	ExecutionHandler *handlers.ExecutionHandler
	OrgHandler       *handlers.OrgHandler
}

// NewContainer initializes everything once, bottom-up
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Repositories
	fileRepo := repository.NewFileIndexRepository(components.DB)
	entityRepo := repository.NewEntityRepository(components.DB)
	executionRepo := repository.NewExecutionRepository(components.DB)
	configRepo := repository.NewConfigRepository(components.DB)
	accessRepo := repository.NewAccessRepository(components.DB)
	formRepo := repository.NewFormRepository(components.DB)
	orgRepo := repository.NewOrganizationRepository(components.DB, components.Redis, cfg.Workspace.OrgTTL)

	// Workspace plumbing
	store := workspace.NewStore(fileRepo, components.S3, log)
	cache := workspace.NewCache(components.Redis, log)
	bus := workspace.NewBus(components.Redis, cfg.Workspace.Channel, log)
	modules := workspace.NewModuleResolver(components.Redis, store, log)
	indexer := discovery.NewIndexer(cfg.Workspace.Root, store, cache, bus, entityRepo, cfg.Workspace.Exclude, log)
	syncer := workspace.NewSyncer(cfg.Workspace.Root, store, cache, bus, modules, log)
	watcher := workspace.NewWatcher(cfg.Workspace.Root, store, cache, bus, cfg.Workspace.Debounce, cfg.Workspace.Exclude, log)

	// Local edits feed discovery with id write-back; applied remote
	// events re-index read-only, the originating node already persisted
	// the canonical bytes.
	watcher.OnChange(indexer.HandleChange)
	syncer.OnApplied(indexer.HandleApplied)

	// Domain services
	encryptor, err := crypto.NewEncryptor(cfg.Secrets.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	configResolver := resolver.New(configRepo, components.Redis, encryptor, cfg.Workspace.ConfigTTL, log)
	dispatcher := dispatch.NewDispatcher(executionRepo, components.Redis, components.Queue, cfg.Workspace.ContextTTL, log)
	deriver := access.NewDeriver(components.DB, accessRepo, formRepo, log)
	checker := access.NewChecker(accessRepo)

	c := &Container{
		Components:    components,
		FileRepo:      fileRepo,
		EntityRepo:    entityRepo,
		ExecutionRepo: executionRepo,
		ConfigRepo:    configRepo,
		AccessRepo:    accessRepo,
		FormRepo:      formRepo,
		OrgRepo:       orgRepo,
		Store:         store,
		Cache:         cache,
		Bus:           bus,
		Modules:       modules,
		Syncer:        syncer,
		Watcher:       watcher,
		Indexer:       indexer,
		Dispatcher:    dispatcher,
		Resolver:      configResolver,
		Deriver:       deriver,
		Checker:       checker,
	}

	c.WorkspaceHandler = handlers.NewWorkspaceHandler(store, bus, indexer, log)
	c.EntityHandler = handlers.NewEntityHandler(entityRepo, store, bus, log)
	c.ConfigHandler = handlers.NewConfigHandler(configRepo, configResolver, encryptor, log)
	c.FormHandler = handlers.NewFormHandler(formRepo, deriver, log)
	c.ExecutionHandler = handlers.NewExecutionHandler(entityRepo, dispatcher, executionRepo, checker, cfg.Worker.SyncTimeout, log)
	c.OrgHandler = handlers.NewOrgHandler(orgRepo, log)

	return c, nil
}
