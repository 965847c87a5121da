package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-hq/bifrost/common/dispatch"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	"github.com/bifrost-hq/bifrost/common/queue"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
	"github.com/bifrost-hq/bifrost/common/workspace"
)

type fakeStore struct {
	mu        sync.Mutex
	running   []uuid.UUID
	completed []*models.ExecutionResult
}

func (f *fakeStore) CreatePending(ctx context.Context, e *models.Execution) error { return nil }
func (f *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	return nil, nil
}

func (f *fakeStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, id)
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, res *models.ExecutionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, res)
	return nil
}

func (f *fakeStore) lastCompleted() *models.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completed) == 0 {
		return nil
	}
	return f.completed[len(f.completed)-1]
}

type fakeEngine struct {
	result *models.ExecutionResult
	err    error
	jobs   []*Job
}

func (f *fakeEngine) Execute(ctx context.Context, job *Job) (*models.ExecutionResult, error) {
	f.jobs = append(f.jobs, job)
	if f.err != nil {
		return nil, f.err
	}
	result := *f.result
	result.ExecutionID = job.Context.ExecutionID
	return &result, nil
}

type emptySourceStore struct{}

func (emptySourceStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (emptySourceStore) Read(ctx context.Context, path string) ([]byte, error) {
	return nil, nil
}

func newTestProcessor(t *testing.T, engine Engine) (*Processor, *fakeStore, *rediscommon.Client, *dispatch.Dispatcher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("error", "text")
	redis := rediscommon.NewClient(client, log)
	store := &fakeStore{}
	mq := queue.NewMemoryQueue(log)
	dispatcher := dispatch.NewDispatcher(store, redis, mq, time.Hour, log)
	modules := workspace.NewModuleResolver(redis, emptySourceStore{}, log)

	processor := NewProcessor(store, redis, dispatcher, modules, engine, time.Hour, log)
	return processor, store, redis, dispatcher
}

func seedContext(t *testing.T, redis *rediscommon.Client, execCtx *models.ExecutionContext) {
	t.Helper()
	data, err := json.Marshal(execCtx)
	require.NoError(t, err)
	require.NoError(t, redis.Set(context.Background(), dispatch.ContextKey(execCtx.ExecutionID), string(data), time.Hour))
}

func TestInlineEngineEvaluatesScript(t *testing.T) {
	engine := NewInlineEngine()
	id := uuid.New()

	result, err := engine.Execute(context.Background(), &Job{
		Context: &models.ExecutionContext{
			ExecutionID: id,
			Code:        `{"echo": params.msg, "len": size(params.msg)}`,
			Parameters:  map[string]interface{}{"msg": "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, result.Status)
	assert.Equal(t, id, result.ExecutionID)
	assert.JSONEq(t, `{"echo":"hello","len":5}`, string(result.Result))
}

func TestInlineEngineCompileErrorIsUserFailure(t *testing.T) {
	engine := NewInlineEngine()

	result, err := engine.Execute(context.Background(), &Job{
		Context: &models.ExecutionContext{
			ExecutionID: uuid.New(),
			Code:        `params.(((`,
		},
	})
	require.NoError(t, err, "a bad script is a failed execution, not an engine error")
	assert.Equal(t, models.ExecutionFailed, result.Status)
	assert.Equal(t, "validation", result.ErrorKind)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestInlineEngineReusesCompiledPrograms(t *testing.T) {
	engine := NewInlineEngine()
	job := func() *Job {
		return &Job{Context: &models.ExecutionContext{
			ExecutionID: uuid.New(),
			Code:        `params.n`,
			Parameters:  map[string]interface{}{"n": 7.0},
		}}
	}

	for i := 0; i < 3; i++ {
		result, err := engine.Execute(context.Background(), job())
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionSuccess, result.Status)
	}
	assert.Len(t, engine.cache, 1)
}

func TestProcessorRunsInlineJobAndReplies(t *testing.T) {
	processor, store, redis, _ := newTestProcessor(t, &fakeEngine{})
	ctx := context.Background()
	id := uuid.New()

	seedContext(t, redis, &models.ExecutionContext{
		ExecutionID: id,
		Code:        `params.x`,
		Parameters:  map[string]interface{}{"x": "ok"},
		Sync:        true,
	})

	message, err := json.Marshal(&models.ExecutionMessage{ExecutionID: id, Code: `params.x`, Sync: true})
	require.NoError(t, err)

	require.NoError(t, processor.Process(ctx, message))

	assert.Equal(t, []uuid.UUID{id}, store.running)

	completed := store.lastCompleted()
	require.NotNil(t, completed)
	assert.Equal(t, models.ExecutionSuccess, completed.Status)
	assert.JSONEq(t, `"ok"`, string(completed.Result))

	// sync reply pushed for the blocked caller
	popped, err := redis.BlockingPopList(ctx, 100*time.Millisecond, dispatch.ReplyKey(id))
	require.NoError(t, err)
	require.NotNil(t, popped)

	reply := &models.ExecutionResult{}
	require.NoError(t, json.Unmarshal([]byte(popped[1]), reply))
	assert.Equal(t, models.ExecutionSuccess, reply.Status)
}

func TestProcessorUsesSubprocessEngineForWorkflows(t *testing.T) {
	engine := &fakeEngine{result: &models.ExecutionResult{
		Status: models.ExecutionSuccess,
		Result: json.RawMessage(`{"done":true}`),
	}}
	processor, store, redis, _ := newTestProcessor(t, engine)
	ctx := context.Background()
	id := uuid.New()
	workflowID := uuid.New()

	seedContext(t, redis, &models.ExecutionContext{
		ExecutionID:  id,
		WorkflowID:   &workflowID,
		Path:         "workflows/job.py",
		FunctionName: "job",
	})

	message, err := json.Marshal(&models.ExecutionMessage{ExecutionID: id, WorkflowID: &workflowID})
	require.NoError(t, err)

	require.NoError(t, processor.Process(ctx, message))

	require.Len(t, engine.jobs, 1)
	assert.Equal(t, "workflows/job.py", engine.jobs[0].Context.Path)

	completed := store.lastCompleted()
	require.NotNil(t, completed)
	assert.Equal(t, models.ExecutionSuccess, completed.Status)
}

func TestProcessorMalformedMessageAcked(t *testing.T) {
	processor, store, _, _ := newTestProcessor(t, &fakeEngine{})

	err := processor.Process(context.Background(), []byte("not json"))
	require.NoError(t, err, "poison messages are dropped, not requeued")
	assert.Empty(t, store.completed)
}

func TestProcessorMissingContextCompletesFailed(t *testing.T) {
	processor, store, _, _ := newTestProcessor(t, &fakeEngine{})
	id := uuid.New()

	message, err := json.Marshal(&models.ExecutionMessage{ExecutionID: id})
	require.NoError(t, err)

	require.NoError(t, processor.Process(context.Background(), message))

	completed := store.lastCompleted()
	require.NotNil(t, completed)
	assert.Equal(t, models.ExecutionFailed, completed.Status)
	assert.Equal(t, "transient", completed.ErrorKind)
	assert.Empty(t, store.running, "a context-less execution never starts")
}

func TestProcessorCancelledBeforeStart(t *testing.T) {
	processor, store, redis, dispatcher := newTestProcessor(t, &fakeEngine{})
	ctx := context.Background()
	id := uuid.New()

	seedContext(t, redis, &models.ExecutionContext{ExecutionID: id, Code: `1`})
	require.NoError(t, dispatcher.Cancel(ctx, id))

	message, err := json.Marshal(&models.ExecutionMessage{ExecutionID: id, Code: `1`})
	require.NoError(t, err)

	require.NoError(t, processor.Process(ctx, message))

	completed := store.lastCompleted()
	require.NotNil(t, completed)
	assert.Equal(t, models.ExecutionCancelled, completed.Status)
	assert.Empty(t, store.running)
}

func TestSubprocessEngineRejectsEmptyCommand(t *testing.T) {
	_, err := NewSubprocessEngine("   ")
	require.Error(t, err)
}
