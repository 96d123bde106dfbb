package downloader

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/granule"
)

// Dispatcher fans queue messages out to a bounded pool of workers. The cap
// bounds load on the catalog, the token endpoint and the store's connection
// pool.
type Dispatcher struct {
	queue       granule.Queue
	worker      *Worker
	concurrency int
	logger      *zap.Logger
}

// NewDispatcher creates a Dispatcher running concurrency consumer loops.
func NewDispatcher(queue granule.Queue, worker *Worker, concurrency int, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:       queue,
		worker:      worker,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run starts the consumer loops and blocks until the context ends and every
// in-flight message finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.consume(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) consume(ctx context.Context) {
	for {
		received, err := d.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("queue receive failed", zap.Error(err))
			continue
		}

		// A handler error leaves the message on the queue; the visibility
		// timeout redelivers it, and the redrive policy dead-letters it after
		// enough failures.
		if err := d.worker.Handle(ctx, received.Message); err != nil {
			d.logger.Warn("message handling failed, leaving on queue",
				zap.String("granule_id", received.Message.ID),
				zap.Error(err))
			continue
		}
		if err := d.queue.Delete(ctx, received.Receipt); err != nil {
			d.logger.Error("message delete failed",
				zap.String("granule_id", received.Message.ID),
				zap.Error(err))
		}
	}
}
