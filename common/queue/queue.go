package queue

import (
	"context"
	"sync"

	"github.com/bifrost-hq/bifrost/common/logger"
)

// Queue interface for message passing
type Queue interface {
	Publish(ctx context.Context, queueName string, message []byte) error
	Subscribe(ctx context.Context, queueName string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages. A nil return acknowledges the
// message; an error requeues it for redelivery.
type MessageHandler func(ctx context.Context, message []byte) error

// MemoryQueue is an in-memory queue for tests and single-node development
type MemoryQueue struct {
	queues map[string]chan []byte
	mu     sync.RWMutex
	log    *logger.Logger
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]chan []byte),
		log:    log,
	}
}

func (q *MemoryQueue) channel(queueName string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, exists := q.queues[queueName]
	if !exists {
		ch = make(chan []byte, 1000) // Buffered channel
		q.queues[queueName] = ch
	}
	return ch
}

// Publish publishes a message to a queue
func (q *MemoryQueue) Publish(ctx context.Context, queueName string, message []byte) error {
	ch := q.channel(queueName)

	select {
	case ch <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe subscribes to a queue and processes messages
func (q *MemoryQueue) Subscribe(ctx context.Context, queueName string, handler MessageHandler) error {
	ch := q.channel(queueName)

	q.log.Info("subscribing to queue", "queue", queueName)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "queue", queueName)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg); err != nil {
					q.log.Error("message handler error", "queue", queueName, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for queueName, ch := range q.queues {
		close(ch)
		q.log.Info("closed queue", "queue", queueName)
	}
	q.queues = make(map[string]chan []byte)

	return nil
}
