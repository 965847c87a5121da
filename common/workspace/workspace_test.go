package workspace

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
)

func newTestRedis(t *testing.T) (*rediscommon.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return rediscommon.NewClient(client, testLogger()), mr
}

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

// fakeStore is an in-memory file-index store
type fakeStore struct {
	mu     sync.Mutex
	files  map[string][]byte
	writes []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: map[string][]byte{}}
}

func (f *fakeStore) Write(ctx context.Context, path string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), content...)
	f.writes = append(f.writes, path)
	return HashBytes(content), nil
}

func (f *fakeStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeStore) Read(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return nil, apperr.NotFound("workspace file " + path)
	}
	return content, nil
}

func (f *fakeStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for path, content := range f.files {
		if strings.HasPrefix(path, prefix) {
			out[path] = HashBytes(content)
		}
	}
	return out, nil
}

func (f *fakeStore) PullAll(ctx context.Context, visit func(path string, content []byte) error) error {
	f.mu.Lock()
	snapshot := make(map[string][]byte, len(f.files))
	for path, content := range f.files {
		snapshot[path] = content
	}
	f.mu.Unlock()

	for path, content := range snapshot {
		if err := visit(path, content); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func TestCacheRoundTrip(t *testing.T) {
	redis, _ := newTestRedis(t)
	cache := NewCache(redis, testLogger())
	ctx := context.Background()

	assert.Nil(t, cache.Get(ctx, "workflows/a.py"))

	cache.Set(ctx, "workflows/a.py", "abc123", false)
	entry := cache.Get(ctx, "workflows/a.py")
	require.NotNil(t, entry)
	assert.Equal(t, "abc123", entry.Hash)
	assert.False(t, entry.IsDeleted)

	cache.Set(ctx, "workflows/a.py", "", true)
	entry = cache.Get(ctx, "workflows/a.py")
	require.NotNil(t, entry)
	assert.True(t, entry.IsDeleted)

	cache.Remove(ctx, "workflows/a.py")
	assert.Nil(t, cache.Get(ctx, "workflows/a.py"))
}

func TestEventValidate(t *testing.T) {
	valid := []Event{
		{Type: EventFileWrite, Path: "a.py", ContentHash: "h"},
		{Type: EventFileDelete, Path: "a.py"},
		{Type: EventFileRename, OldPath: "a.py", NewPath: "b.py"},
		{Type: EventFolderCreate, Path: "dir"},
		{Type: EventFolderDelete, Path: "dir"},
	}
	for _, e := range valid {
		assert.NoError(t, e.Validate(), e.Type)
	}

	invalid := []Event{
		{Type: "workspace_reboot", Path: "a.py"},
		{Type: EventFileWrite, Path: "a.py"},
		{Type: EventFileDelete},
		{Type: EventFileRename, OldPath: "a.py"},
	}
	for _, e := range invalid {
		assert.Error(t, e.Validate(), e.Type)
	}
}

func TestBusPublishRejectsUnknownEvents(t *testing.T) {
	redis, _ := newTestRedis(t)
	bus := NewBus(redis, "test:sync", testLogger())

	err := bus.Publish(context.Background(), &Event{Type: "mystery", Path: "x"})
	require.Error(t, err)
}

func TestBusDeliversEvents(t *testing.T) {
	redis, _ := newTestRedis(t)
	bus := NewBus(redis, "test:sync", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *Event, 1)
	go func() {
		_ = bus.Subscribe(ctx, func(ctx context.Context, event *Event) {
			received <- event
		})
	}()
	time.Sleep(50 * time.Millisecond)

	err := bus.Publish(ctx, &Event{Type: EventFileDelete, Path: "workflows/a.py"})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, EventFileDelete, event.Type)
		assert.Equal(t, "workflows/a.py", event.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestModuleResolverServesWorkspaceModules(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	ctx := context.Background()

	_, _ = store.Write(ctx, "shared/helpers.py", []byte("def f(): pass\n"))
	_, _ = store.Write(ctx, "pkg/__init__.py", []byte(""))
	_, _ = store.Write(ctx, "README.md", []byte("docs"))

	resolver := NewModuleResolver(redis, store, testLogger())

	src, err := resolver.Resolve(ctx, "shared.helpers")
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, "shared/helpers.py", src.Path)
	assert.Equal(t, "def f(): pass\n", src.Source)
	assert.False(t, src.IsPackage)

	pkg, err := resolver.Resolve(ctx, "pkg")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, "pkg/__init__.py", pkg.Path)
	assert.True(t, pkg.IsPackage)

	// non-python files never resolve
	missing, err := resolver.Resolve(ctx, "README")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestModuleResolverFreshnessAfterInvalidation(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	ctx := context.Background()

	_, _ = store.Write(ctx, "shared/helpers.py", []byte("VERSION = 1\n"))
	resolver := NewModuleResolver(redis, store, testLogger())

	src, err := resolver.Resolve(ctx, "shared.helpers")
	require.NoError(t, err)
	assert.Equal(t, "VERSION = 1\n", src.Source)

	// without invalidation the cached source keeps serving
	_, _ = store.Write(ctx, "shared/helpers.py", []byte("VERSION = 2\n"))
	src, err = resolver.Resolve(ctx, "shared.helpers")
	require.NoError(t, err)
	assert.Equal(t, "VERSION = 1\n", src.Source)

	// a sync event invalidates; the next resolve sees the new source
	resolver.Invalidate(ctx, "shared/helpers.py")
	src, err = resolver.Resolve(ctx, "shared.helpers")
	require.NoError(t, err)
	assert.Equal(t, "VERSION = 2\n", src.Source)
}

func TestSyncerAppliesWriteAndSetsCacheFirst(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())
	resolver := NewModuleResolver(redis, store, testLogger())

	root := t.TempDir()
	syncer := NewSyncer(root, store, cache, bus, resolver, testLogger())

	content := []byte("@workflow(name=\"x\")\ndef x():\n    pass\n")
	hash := HashBytes(content)
	ctx := context.Background()

	syncer.Apply(ctx, &Event{
		Type:        EventFileWrite,
		Path:        "workflows/x.py",
		ContentB64:  base64.StdEncoding.EncodeToString(content),
		ContentHash: hash,
	})

	onDisk, err := os.ReadFile(filepath.Join(root, "workflows", "x.py"))
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	entry := cache.Get(ctx, "workflows/x.py")
	require.NotNil(t, entry)
	assert.Equal(t, hash, entry.Hash)
	assert.False(t, entry.IsDeleted)
}

func TestSyncerDropsHashMismatch(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())
	resolver := NewModuleResolver(redis, store, testLogger())

	root := t.TempDir()
	syncer := NewSyncer(root, store, cache, bus, resolver, testLogger())

	syncer.Apply(context.Background(), &Event{
		Type:        EventFileWrite,
		Path:        "workflows/x.py",
		ContentB64:  base64.StdEncoding.EncodeToString([]byte("tampered")),
		ContentHash: "deadbeef",
	})

	_, err := os.Stat(filepath.Join(root, "workflows", "x.py"))
	assert.True(t, os.IsNotExist(err), "mismatched content must not land on disk")
}

func TestSyncerAppliesDelete(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())
	resolver := NewModuleResolver(redis, store, testLogger())

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "workflows"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workflows", "x.py"), []byte("x"), 0o644))

	syncer := NewSyncer(root, store, cache, bus, resolver, testLogger())
	ctx := context.Background()

	syncer.Apply(ctx, &Event{Type: EventFileDelete, Path: "workflows/x.py"})

	_, err := os.Stat(filepath.Join(root, "workflows", "x.py"))
	assert.True(t, os.IsNotExist(err))

	entry := cache.Get(ctx, "workflows/x.py")
	require.NotNil(t, entry)
	assert.True(t, entry.IsDeleted)
}

func TestSyncerBootstrapPullsMirror(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())
	resolver := NewModuleResolver(redis, store, testLogger())
	ctx := context.Background()

	_, _ = store.Write(ctx, "workflows/a.py", []byte("a = 1\n"))
	_, _ = store.Write(ctx, "shared/util.py", []byte("u = 2\n"))

	root := filepath.Join(t.TempDir(), "ws")
	syncer := NewSyncer(root, store, cache, bus, resolver, testLogger())
	require.NoError(t, syncer.Bootstrap(ctx))

	onDisk, err := os.ReadFile(filepath.Join(root, "workflows", "a.py"))
	require.NoError(t, err)
	assert.Equal(t, "a = 1\n", string(onDisk))

	// cache primed so the watcher will not re-publish pulled files
	entry := cache.Get(ctx, "workflows/a.py")
	require.NotNil(t, entry)
	assert.Equal(t, HashBytes([]byte("a = 1\n")), entry.Hash)
}

func TestSyncerRejectsTraversal(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())
	resolver := NewModuleResolver(redis, store, testLogger())

	root := t.TempDir()
	syncer := NewSyncer(root, store, cache, bus, resolver, testLogger())

	full, err := syncer.LocalPath("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full, root), "traversal paths are confined to the root")
}

func TestWatcherPublishesLocalWrite(t *testing.T) {
	redis, mr := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())

	root := t.TempDir()
	watcher := NewWatcher(root, store, cache, bus, 30*time.Millisecond, nil, testLogger())

	changed := make(chan string, 1)
	watcher.OnChange(func(ctx context.Context, path string, deleted bool) {
		if !deleted {
			changed <- path
		}
	})

	require.NoError(t, watcher.Start(context.Background()))
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.py"), []byte("x = 1\n"), 0o644))

	select {
	case path := <-changed:
		assert.Equal(t, "hello.py", path)
	case <-time.After(3 * time.Second):
		t.Fatal("local write never flushed")
	}

	assert.Equal(t, 1, store.writeCount())

	entry := cache.Get(context.Background(), "hello.py")
	require.NotNil(t, entry)
	assert.Equal(t, HashBytes([]byte("x = 1\n")), entry.Hash)
	_ = mr
}

func TestWatcherSuppressesRemoteApplied(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())

	root := t.TempDir()
	content := []byte("remote = True\n")
	ctx := context.Background()

	// simulate the syncer: cache set before the disk write
	cache.Set(ctx, "remote.py", HashBytes(content), false)

	watcher := NewWatcher(root, store, cache, bus, 30*time.Millisecond, nil, testLogger())
	republished := make(chan string, 1)
	watcher.OnChange(func(ctx context.Context, path string, deleted bool) {
		republished <- path
	})

	require.NoError(t, watcher.Start(ctx))
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "remote.py"), content, 0o644))

	select {
	case path := <-republished:
		t.Fatalf("remote-applied change for %s was re-published", path)
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, 0, store.writeCount())
}

func TestWatcherDeleteDominatesModify(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())

	root := t.TempDir()
	target := filepath.Join(root, "volatile.py")
	require.NoError(t, os.WriteFile(target, []byte("v = 0\n"), 0o644))

	watcher := NewWatcher(root, store, cache, bus, 150*time.Millisecond, nil, testLogger())
	deleted := make(chan bool, 4)
	watcher.OnChange(func(ctx context.Context, path string, isDelete bool) {
		deleted <- isDelete
	})

	require.NoError(t, watcher.Start(context.Background()))
	defer watcher.Stop()

	// rapid write then delete inside one debounce window
	require.NoError(t, os.WriteFile(target, []byte("v = 1\n"), 0o644))
	require.NoError(t, os.Remove(target))

	select {
	case isDelete := <-deleted:
		assert.True(t, isDelete, "delete wins over the preceding write")
	case <-time.After(3 * time.Second):
		t.Fatal("coalesced change never flushed")
	}
}

func TestWatcherPublishesFolderDelete(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())
	ctx := context.Background()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "reports"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "reports", "daily.py"), []byte("d = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.py"), []byte("k = 1\n"), 0o644))

	_, _ = store.Write(ctx, "reports/daily.py", []byte("d = 1\n"))
	_, _ = store.Write(ctx, "keep.py", []byte("k = 1\n"))

	watcher := NewWatcher(root, store, cache, bus, 30*time.Millisecond, nil, testLogger())
	removed := make(chan string, 4)
	watcher.OnChange(func(ctx context.Context, path string, deleted bool) {
		if deleted {
			removed <- path
		}
	})

	events := make(chan *Event, 8)
	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	go func() {
		_ = bus.Subscribe(subCtx, func(ctx context.Context, event *Event) {
			events <- event
		})
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, watcher.Start(ctx))
	defer watcher.Stop()

	require.NoError(t, os.RemoveAll(filepath.Join(root, "reports")))

	select {
	case path := <-removed:
		assert.Equal(t, "reports/daily.py", path, "the subtree is deactivated file by file")
	case <-time.After(3 * time.Second):
		t.Fatal("subtree delete never flushed")
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type != EventFolderDelete {
				continue
			}
			assert.Equal(t, "reports", event.Path)

			store.mu.Lock()
			_, subtree := store.files["reports/daily.py"]
			_, sibling := store.files["keep.py"]
			store.mu.Unlock()
			assert.False(t, subtree, "the indexed subtree is gone")
			assert.True(t, sibling, "siblings outside the folder survive")
			return
		case <-deadline:
			t.Fatal("folder delete never published")
		}
	}
}

func TestWatcherIgnoresExcludedPaths(t *testing.T) {
	redis, _ := newTestRedis(t)
	store := newFakeStore()
	cache := NewCache(redis, testLogger())
	bus := NewBus(redis, "test:sync", testLogger())

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	watcher := NewWatcher(root, store, cache, bus, 30*time.Millisecond, []string{".git"}, testLogger())
	fired := make(chan string, 1)
	watcher.OnChange(func(ctx context.Context, path string, deleted bool) {
		fired <- path
	})

	require.NoError(t, watcher.Start(context.Background()))
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "editor.swp"), []byte("swap"), 0o644))

	select {
	case path := <-fired:
		t.Fatalf("excluded path %s produced a change", path)
	case <-time.After(500 * time.Millisecond):
	}
}
