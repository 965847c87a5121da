package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
	"github.com/bifrost-hq/bifrost/common/workspace"
)

type fakeFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{files: map[string][]byte{}}
}

func (f *fakeFiles) Read(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return nil, apperr.NotFound("workspace file")
	}
	return content, nil
}

func (f *fakeFiles) Write(ctx context.Context, path string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return workspace.HashBytes(content), nil
}

func (f *fakeFiles) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeFiles) List(ctx context.Context, prefix string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for path, content := range f.files {
		if strings.HasPrefix(path, prefix) {
			out[path] = workspace.HashBytes(content)
		}
	}
	return out, nil
}

type changeCall struct {
	path    string
	deleted bool
}

type fakeIndexer struct {
	mu    sync.Mutex
	calls []changeCall
}

func (f *fakeIndexer) HandleChange(ctx context.Context, path string, deleted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, changeCall{path: path, deleted: deleted})
}

func newTestBus(t *testing.T) (*workspace.Bus, <-chan *workspace.Event) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("error", "text")
	bus := workspace.NewBus(rediscommon.NewClient(client, log), "test:workspace", log)

	received := make(chan *workspace.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = bus.Subscribe(ctx, func(ctx context.Context, event *workspace.Event) {
			received <- event
		})
	}()
	time.Sleep(20 * time.Millisecond)

	return bus, received
}

func newWorkspaceTest(t *testing.T) (*WorkspaceHandler, *fakeFiles, *fakeIndexer, <-chan *workspace.Event) {
	t.Helper()
	files := newFakeFiles()
	indexer := &fakeIndexer{}
	bus, received := newTestBus(t)
	h := NewWorkspaceHandler(files, bus, indexer, logger.New("error", "text"))
	return h, files, indexer, received
}

func doRequest(t *testing.T, e *echo.Echo, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func waitEvent(t *testing.T, ch <-chan *workspace.Event) *workspace.Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(time.Second):
		t.Fatal("no workspace event received")
		return nil
	}
}

func workspaceEcho(h *WorkspaceHandler) *echo.Echo {
	e := echo.New()
	e.GET("/api/v1/workspace/files", h.ListFiles)
	e.GET("/api/v1/workspace/files/*", h.GetFile)
	e.PUT("/api/v1/workspace/files/*", h.PutFile)
	e.DELETE("/api/v1/workspace/files/*", h.DeleteFile)
	e.POST("/api/v1/workspace/rename", h.RenameFile)
	e.POST("/api/v1/workspace/folders", h.CreateFolder)
	e.DELETE("/api/v1/workspace/folders/*", h.DeleteFolder)
	return e
}

func TestPutFileWritesStoreAndPublishes(t *testing.T) {
	h, files, _, received := newWorkspaceTest(t)
	e := workspaceEcho(h)

	content := []byte("print('hi')\n")
	body, _ := json.Marshal(map[string]string{"content": base64.StdEncoding.EncodeToString(content)})

	rec := doRequest(t, e, http.MethodPut, "/api/v1/workspace/files/scripts/hi.py", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	files.mu.Lock()
	stored := files.files["scripts/hi.py"]
	files.mu.Unlock()
	assert.Equal(t, content, stored)

	event := waitEvent(t, received)
	assert.Equal(t, workspace.EventFileWrite, event.Type)
	assert.Equal(t, "scripts/hi.py", event.Path)
	assert.Equal(t, workspace.HashBytes(content), event.ContentHash)
}

func TestPutFileRejectsTraversal(t *testing.T) {
	h, files, _, _ := newWorkspaceTest(t)
	e := workspaceEcho(h)

	body, _ := json.Marshal(map[string]string{"content": base64.StdEncoding.EncodeToString([]byte("x"))})
	rec := doRequest(t, e, http.MethodPut, "/api/v1/workspace/files/../escape.py", string(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, files.files)
}

func TestGetFileNotFound(t *testing.T) {
	h, _, _, _ := newWorkspaceTest(t)
	e := workspaceEcho(h)

	rec := doRequest(t, e, http.MethodGet, "/api/v1/workspace/files/missing.py", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := apperr.Body{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperr.KindNotFound, body.Kind)
}

func TestDeleteFileDeactivatesEntities(t *testing.T) {
	h, files, indexer, received := newWorkspaceTest(t)
	e := workspaceEcho(h)
	files.files["workflows/old.py"] = []byte("pass")

	rec := doRequest(t, e, http.MethodDelete, "/api/v1/workspace/files/workflows/old.py", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.NotContains(t, files.files, "workflows/old.py")
	require.Len(t, indexer.calls, 1)
	assert.Equal(t, changeCall{path: "workflows/old.py", deleted: true}, indexer.calls[0])

	event := waitEvent(t, received)
	assert.Equal(t, workspace.EventFileDelete, event.Type)
}

func TestRenameFileMovesContent(t *testing.T) {
	h, files, indexer, received := newWorkspaceTest(t)
	e := workspaceEcho(h)
	files.files["a.py"] = []byte("x = 1")

	body, _ := json.Marshal(map[string]string{"old_path": "a.py", "new_path": "b.py"})
	rec := doRequest(t, e, http.MethodPost, "/api/v1/workspace/rename", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.NotContains(t, files.files, "a.py")
	assert.Equal(t, []byte("x = 1"), files.files["b.py"])
	require.Len(t, indexer.calls, 1)
	assert.True(t, indexer.calls[0].deleted)

	event := waitEvent(t, received)
	assert.Equal(t, workspace.EventFileRename, event.Type)
	assert.Equal(t, "a.py", event.OldPath)
	assert.Equal(t, "b.py", event.NewPath)
}

func TestDeleteFolderRemovesSubtree(t *testing.T) {
	h, files, indexer, _ := newWorkspaceTest(t)
	e := workspaceEcho(h)
	files.files["tools/a.py"] = []byte("a")
	files.files["tools/sub/b.py"] = []byte("b")
	files.files["keep.py"] = []byte("k")

	rec := doRequest(t, e, http.MethodDelete, "/api/v1/workspace/folders/tools", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.NotContains(t, files.files, "tools/a.py")
	assert.NotContains(t, files.files, "tools/sub/b.py")
	assert.Contains(t, files.files, "keep.py")
	assert.Len(t, indexer.calls, 2)
}

func TestListFilesByPrefix(t *testing.T) {
	h, files, _, _ := newWorkspaceTest(t)
	e := workspaceEcho(h)
	files.files["workflows/a.py"] = []byte("a")
	files.files["tools/b.py"] = []byte("b")

	rec := doRequest(t, e, http.MethodGet, "/api/v1/workspace/files?prefix=workflows/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	out := struct {
		Files map[string]string `json:"files"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Files, 1)
	assert.Contains(t, out.Files, "workflows/a.py")
}
