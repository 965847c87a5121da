// Package dispatch hands executions to the worker fleet: pending row
// in Postgres, full context in Redis, minimal message on the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	"github.com/bifrost-hq/bifrost/common/queue"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
)

// QueueName is the single work queue carrying execution messages
const QueueName = "workflow-executions"

// Redis key layout for one execution
func ContextKey(id uuid.UUID) string { return fmt.Sprintf("bifrost:exec:%s:context", id) }
func ReplyKey(id uuid.UUID) string   { return fmt.Sprintf("bifrost:exec:%s:reply", id) }
func CancelKey(id uuid.UUID) string  { return fmt.Sprintf("bifrost:exec:%s:cancel", id) }
func EventsKey(id uuid.UUID) string  { return fmt.Sprintf("bifrost:exec:%s:events", id) }

// queuePositionKey tracks enqueue order for position reporting
const queuePositionKey = "bifrost:exec:queue"

// ExecutionStore is the persistence surface dispatch needs
type ExecutionStore interface {
	CreatePending(ctx context.Context, e *models.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
}

// Dispatcher enqueues executions and services sync-mode waits
type Dispatcher struct {
	executions ExecutionStore
	redis      *rediscommon.Client
	queue      queue.Queue
	contextTTL time.Duration
	log        *logger.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(executions ExecutionStore, redis *rediscommon.Client, q queue.Queue, contextTTL time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		executions: executions,
		redis:      redis,
		queue:      q,
		contextTTL: contextTTL,
		log:        log,
	}
}

// Request is one enqueue call
type Request struct {
	ExecutionID  *uuid.UUID // minted when nil
	WorkflowID   *uuid.UUID
	WorkflowName string
	Path         string
	FunctionName string
	Parameters   json.RawMessage
	Caller       models.Caller
	FormID       *uuid.UUID
	Code         string // inline script source; set means no workflow lookup
	ScriptName   string
	Sync         bool
}

// Enqueue persists the pending execution, writes its context to Redis,
// and publishes the queue message. A queue-publish failure bubbles up:
// an execution that never reaches a worker must not look accepted.
func (d *Dispatcher) Enqueue(ctx context.Context, req *Request) (uuid.UUID, error) {
	id := uuid.New()
	if req.ExecutionID != nil {
		id = *req.ExecutionID
	}

	callerJSON, err := json.Marshal(req.Caller)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal caller: %w", err)
	}

	execution := &models.Execution{
		ID:           id,
		WorkflowID:   req.WorkflowID,
		WorkflowName: req.WorkflowName,
		Parameters:   req.Parameters,
		Caller:       callerJSON,
		Status:       models.ExecutionPending,
	}
	if err := d.executions.CreatePending(ctx, execution); err != nil {
		return uuid.Nil, err
	}

	var params map[string]interface{}
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			return uuid.Nil, fmt.Errorf("parameters must be a JSON object: %w", err)
		}
	}

	execCtx := &models.ExecutionContext{
		ExecutionID:  id,
		WorkflowID:   req.WorkflowID,
		Code:         req.Code,
		ScriptName:   req.ScriptName,
		Path:         req.Path,
		FunctionName: req.FunctionName,
		Parameters:   params,
		Caller:       req.Caller,
		FormID:       req.FormID,
		Sync:         req.Sync,
		EnqueuedAt:   time.Now().UTC(),
	}
	ctxJSON, err := json.Marshal(execCtx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal execution context: %w", err)
	}
	if err := d.redis.Set(ctx, ContextKey(id), string(ctxJSON), d.contextTTL); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store execution context: %w", err)
	}

	message := &models.ExecutionMessage{
		ExecutionID: id,
		WorkflowID:  req.WorkflowID,
		Code:        req.Code,
		ScriptName:  req.ScriptName,
		Sync:        req.Sync,
	}
	msgJSON, err := json.Marshal(message)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal execution message: %w", err)
	}
	if err := d.queue.Publish(ctx, QueueName, msgJSON); err != nil {
		return uuid.Nil, fmt.Errorf("failed to publish execution: %w", err)
	}

	// position tracking is best-effort
	if err := d.redis.PushToList(ctx, queuePositionKey, id.String()); err != nil {
		d.log.Warn("queue position tracking failed", "execution_id", id, "error", err)
	}
	d.publishStatus(ctx, id, string(models.ExecutionPending))

	return id, nil
}

// WaitResult blocks on the execution's reply list. A timeout is not a
// failure and never cancels: the caller gets the pending record back
// and can poll.
func (d *Dispatcher) WaitResult(ctx context.Context, id uuid.UUID, timeout time.Duration) (*models.ExecutionResult, error) {
	popped, err := d.redis.BlockingPopList(ctx, timeout, ReplyKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to wait for result: %w", err)
	}
	if popped == nil {
		return nil, nil
	}

	result := &models.ExecutionResult{}
	if err := json.Unmarshal([]byte(popped[1]), result); err != nil {
		return nil, fmt.Errorf("malformed execution reply: %w", err)
	}
	return result, nil
}

// QueuePosition reports the 1-based position of a pending execution,
// 0 when it is no longer queued.
func (d *Dispatcher) QueuePosition(ctx context.Context, id uuid.UUID) (int64, error) {
	pos, err := d.redis.ListPosition(ctx, queuePositionKey, id.String())
	if err != nil {
		return 0, err
	}
	if pos < 0 {
		return 0, nil
	}
	return pos + 1, nil
}

// Dequeued removes an execution from position tracking once a worker
// picks it up, and announces the transition.
func (d *Dispatcher) Dequeued(ctx context.Context, id uuid.UUID) {
	if err := d.redis.RemoveFromList(ctx, queuePositionKey, 1, id.String()); err != nil {
		d.log.Warn("queue position removal failed", "execution_id", id, "error", err)
	}
	d.publishStatus(ctx, id, string(models.ExecutionRunning))
}

// Cancel sets the cooperative cancellation flag. Workers check it
// between phases; a running job stops at its next checkpoint.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := d.redis.Set(ctx, CancelKey(id), "1", d.contextTTL); err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	d.publishStatus(ctx, id, string(models.ExecutionCancelled))
	return nil
}

// IsCancelled reads the cooperative flag
func (d *Dispatcher) IsCancelled(ctx context.Context, id uuid.UUID) bool {
	_, found, err := d.redis.Get(ctx, CancelKey(id))
	if err != nil {
		return false
	}
	return found
}

func (d *Dispatcher) publishStatus(ctx context.Context, id uuid.UUID, status string) {
	payload, err := json.Marshal(map[string]string{"execution_id": id.String(), "status": status})
	if err != nil {
		return
	}
	if err := d.redis.PublishEvent(ctx, EventsKey(id), string(payload)); err != nil {
		d.log.Warn("status publish failed", "execution_id", id, "error", err)
	}
}
