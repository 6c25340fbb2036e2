package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/conveyor/internal/queue"
	"github.com/rzbill/conveyor/pkg/log"
)

// Options configures a consumer pool.
type Options struct {
	// Group is the consumer group the pool claims tasks for.
	Group string
	// Workers is the number of concurrent consumer loops.
	Workers int
	// Batch is the maximum deliveries claimed per dequeue.
	Batch int
	// BlockTimeout bounds how long an idle consumer waits for work before
	// re-checking for shutdown.
	BlockTimeout time.Duration
}

// Pool runs a fixed set of consumer loops against the queue, dispatching
// each delivery to its registered handler. Handler outcomes map directly to
// queue transitions: nil acknowledges, an error fails with the message
// preserved verbatim.
type Pool struct {
	q        *queue.Queue
	registry *Registry
	logger   log.Logger
	opts     Options

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a Pool.
func NewPool(q *queue.Queue, registry *Registry, logger log.Logger, opts Options) *Pool {
	if opts.Group == "" {
		opts.Group = "default"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = time.Second
	}
	return &Pool{
		q:        q,
		registry: registry,
		logger:   logger.With(log.Component("worker")),
		opts:     opts,
	}
}

// Start launches the consumer loops. Calling Start on a running pool is a
// no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.consume(ctx, i)
	}
	p.logger.Info("worker pool started",
		log.Str("group", p.opts.Group),
		log.Int("workers", p.opts.Workers))
}

// Stop cancels the consumer loops and waits for in-flight handlers to
// return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped", log.Str("group", p.opts.Group))
}

func (p *Pool) consume(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(log.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := p.q.DequeueWait(ctx, p.opts.Group, p.opts.Batch, p.opts.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", log.Err(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, d := range msgs {
			p.process(ctx, logger, d)
		}
	}
}

func (p *Pool) process(ctx context.Context, logger log.Logger, d queue.Delivery) {
	handler, ok := p.registry.Resolve(d.Task.Type)
	if !ok {
		// retrying cannot help an unroutable task, send it straight to the DLQ
		msg := fmt.Sprintf("no handler registered for task type %q", d.Task.Type)
		logger.Warn("unroutable task", log.Str("task_id", d.Task.ID), log.Str("type", d.Task.Type))
		if err := p.q.MoveToDLQ(ctx, p.opts.Group, d, msg); err != nil {
			logger.Error("dlq transition failed", log.Str("task_id", d.Task.ID), log.Err(err))
		}
		return
	}

	taskCtx := ctx
	if d.Task.TimeoutMs > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(d.Task.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	if err := handler(taskCtx, d.Task); err != nil {
		logger.Debug("handler failed",
			log.Str("task_id", d.Task.ID),
			log.Str("type", d.Task.Type),
			log.Err(err))
		if ferr := p.q.Fail(ctx, p.opts.Group, d, err.Error()); ferr != nil {
			logger.Error("fail transition failed", log.Str("task_id", d.Task.ID), log.Err(ferr))
		}
		return
	}
	if err := p.q.Acknowledge(ctx, p.opts.Group, d); err != nil {
		logger.Error("ack failed", log.Str("task_id", d.Task.ID), log.Err(err))
	}
}
