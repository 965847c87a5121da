package runner

import (
	"context"
	"sync"

	"github.com/bifrost-hq/bifrost/common/dispatch"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/queue"
)

// Pool runs a fixed number of queue consumers. Each consumer finishes
// its in-flight job before honoring shutdown; unacked messages
// redeliver to surviving workers.
type Pool struct {
	size      int
	queue     queue.Queue
	processor *Processor
	log       *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(size int, q queue.Queue, processor *Processor, log *logger.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, queue: q, processor: processor, log: log}
}

// Start launches the consumers. Stop must be called at shutdown.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.size; i++ {
		worker := i
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.queue.Subscribe(runCtx, dispatch.QueueName, p.processor.Process); err != nil {
				p.log.Error("consumer stopped", "worker", worker, "error", err)
			}
		}()
	}

	p.log.Info("worker pool started", "size", p.size)
	return nil
}

// Stop signals the consumers and waits for in-flight jobs
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}
