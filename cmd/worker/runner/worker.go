package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost-hq/bifrost/common/dispatch"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
	"github.com/bifrost-hq/bifrost/common/workspace"
)

// ExecutionStore is the persistence surface the processor needs
type ExecutionStore interface {
	MarkRunning(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, res *models.ExecutionResult) error
}

// Processor turns one queue message into a terminal execution record.
// Returning an error from Process requeues the message; a replacement
// worker picks it up after a crash.
type Processor struct {
	executions ExecutionStore
	redis      *rediscommon.Client
	dispatcher *dispatch.Dispatcher
	modules    *workspace.ModuleResolver
	inline     *InlineEngine
	engine     Engine
	replyTTL   time.Duration
	log        *logger.Logger
}

// NewProcessor creates a job processor
func NewProcessor(executions ExecutionStore, redis *rediscommon.Client, dispatcher *dispatch.Dispatcher, modules *workspace.ModuleResolver, engine Engine, replyTTL time.Duration, log *logger.Logger) *Processor {
	return &Processor{
		executions: executions,
		redis:      redis,
		dispatcher: dispatcher,
		modules:    modules,
		inline:     NewInlineEngine(),
		engine:     engine,
		replyTTL:   replyTTL,
		log:        log,
	}
}

// Process handles one queue delivery end to end
func (p *Processor) Process(ctx context.Context, message []byte) error {
	msg := &models.ExecutionMessage{}
	if err := json.Unmarshal(message, msg); err != nil || msg.ExecutionID == uuid.Nil {
		// poison message: reject loudly, do not requeue
		p.log.Error("dropping malformed execution message", "error", err)
		return nil
	}

	log := p.log.WithExecutionID(msg.ExecutionID.String())

	execCtx, err := p.hydrate(ctx, msg.ExecutionID)
	if err != nil {
		// context TTL expired or redis lost it; the execution cannot
		// run and retrying will not help
		log.Error("execution context unavailable", "error", err)
		return p.finish(ctx, &models.ExecutionResult{
			ExecutionID:  msg.ExecutionID,
			Status:       models.ExecutionFailed,
			ErrorKind:    "transient",
			ErrorMessage: "execution context unavailable",
		}, msg.Sync)
	}

	p.dispatcher.Dequeued(ctx, msg.ExecutionID)

	if p.dispatcher.IsCancelled(ctx, msg.ExecutionID) {
		log.Info("execution cancelled before start")
		return p.finish(ctx, &models.ExecutionResult{
			ExecutionID: msg.ExecutionID,
			Status:      models.ExecutionCancelled,
		}, msg.Sync)
	}

	if err := p.executions.MarkRunning(ctx, msg.ExecutionID); err != nil {
		return err
	}

	result, err := p.execute(ctx, execCtx)
	if err != nil {
		// engine-level failure: requeue for a replacement worker
		log.Error("engine failure, requeueing", "error", err)
		return err
	}

	// a cancel raised mid-run wins over the engine's outcome
	if p.dispatcher.IsCancelled(ctx, msg.ExecutionID) && !result.Status.Terminal() {
		result.Status = models.ExecutionCancelled
	}

	log.Info("execution finished",
		"status", result.Status,
		"duration_ms", result.DurationMS,
		"peak_memory_kb", result.PeakMemoryKB,
	)
	return p.finish(ctx, result, msg.Sync)
}

func (p *Processor) hydrate(ctx context.Context, id uuid.UUID) (*models.ExecutionContext, error) {
	raw, found, err := p.redis.Get(ctx, dispatch.ContextKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no context at %s", dispatch.ContextKey(id))
	}

	execCtx := &models.ExecutionContext{}
	if err := json.Unmarshal([]byte(raw), execCtx); err != nil {
		return nil, fmt.Errorf("malformed execution context: %w", err)
	}
	return execCtx, nil
}

func (p *Processor) execute(ctx context.Context, execCtx *models.ExecutionContext) (*models.ExecutionResult, error) {
	job := &Job{Context: execCtx}

	if execCtx.Code != "" {
		return p.inline.Execute(ctx, job)
	}

	// fresh bundle per job: invalidated modules re-fetch from Redis
	bundle, err := p.modules.Bundle(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build module bundle: %w", err)
	}
	job.Modules = bundle

	return p.engine.Execute(ctx, job)
}

// finish records the terminal result and, for sync callers, pushes it
// to the reply list. The message is acked only after both.
func (p *Processor) finish(ctx context.Context, result *models.ExecutionResult, sync bool) error {
	if err := p.executions.Complete(ctx, result); err != nil {
		return err
	}

	if sync {
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal reply: %w", err)
		}
		replyKey := dispatch.ReplyKey(result.ExecutionID)
		if err := p.redis.PushToList(ctx, replyKey, string(payload)); err != nil {
			return fmt.Errorf("failed to push reply: %w", err)
		}
		if err := p.redis.Expire(ctx, replyKey, p.replyTTL); err != nil {
			p.log.Warn("failed to expire reply list", "execution_id", result.ExecutionID, "error", err)
		}
	}

	return nil
}
