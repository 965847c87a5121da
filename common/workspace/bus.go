package workspace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bifrost-hq/bifrost/common/logger"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
)

// Event types carried on the workspace sync channel
const (
	EventFileWrite    = "workspace_file_write"
	EventFileDelete   = "workspace_file_delete"
	EventFileRename   = "workspace_file_rename"
	EventFolderCreate = "workspace_folder_create"
	EventFolderDelete = "workspace_folder_delete"
)

// Event is one workspace change message. Every event carries enough
// state for idempotent application; ordering between events is not
// guaranteed.
type Event struct {
	Type        string `json:"type"`
	Path        string `json:"path,omitempty"`
	OldPath     string `json:"old_path,omitempty"`
	NewPath     string `json:"new_path,omitempty"`
	ContentB64  string `json:"content_b64,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Validate rejects messages of unknown shape before they reach an
// applier.
func (e *Event) Validate() error {
	switch e.Type {
	case EventFileWrite:
		if e.Path == "" || e.ContentHash == "" {
			return fmt.Errorf("file write event missing path or hash")
		}
	case EventFileDelete, EventFolderCreate, EventFolderDelete:
		if e.Path == "" {
			return fmt.Errorf("%s event missing path", e.Type)
		}
	case EventFileRename:
		if e.OldPath == "" || e.NewPath == "" {
			return fmt.Errorf("rename event missing old or new path")
		}
	default:
		return fmt.Errorf("unknown workspace event type %q", e.Type)
	}
	return nil
}

// Bus publishes and receives workspace change events over one Redis
// pub/sub channel.
type Bus struct {
	redis   *rediscommon.Client
	channel string
	log     *logger.Logger
}

// NewBus creates a workspace event bus on the given channel
func NewBus(redis *rediscommon.Client, channel string, log *logger.Logger) *Bus {
	return &Bus{redis: redis, channel: channel, log: log}
}

// Publish sends one event. Publish failures are non-fatal for callers
// on the watcher path; they log and rely on reindex for convergence.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("refusing to publish workspace event: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal workspace event: %w", err)
	}

	if err := b.redis.PublishEvent(ctx, b.channel, string(data)); err != nil {
		return fmt.Errorf("failed to publish workspace event: %w", err)
	}
	return nil
}

// Subscribe delivers decoded events to the handler until the context
// is cancelled. Malformed or unknown messages are logged and dropped.
func (b *Bus) Subscribe(ctx context.Context, handler func(ctx context.Context, event *Event)) error {
	sub := b.redis.Subscribe(ctx, b.channel)

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	ch := sub.Channel()
	for msg := range ch {
		event := &Event{}
		if err := json.Unmarshal([]byte(msg.Payload), event); err != nil {
			b.log.Warn("malformed workspace event, dropping", "error", err)
			continue
		}
		if err := event.Validate(); err != nil {
			b.log.Warn("invalid workspace event, dropping", "error", err)
			continue
		}
		handler(ctx, event)
	}

	return nil
}
