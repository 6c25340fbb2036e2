package runtime

import (
	"context"
	"fmt"

	"github.com/rzbill/conveyor/internal/audit"
	"github.com/rzbill/conveyor/internal/checkpoint"
	"github.com/rzbill/conveyor/internal/config"
	"github.com/rzbill/conveyor/internal/metrics"
	"github.com/rzbill/conveyor/internal/queue"
	"github.com/rzbill/conveyor/internal/recovery"
	"github.com/rzbill/conveyor/internal/saga"
	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
	"github.com/rzbill/conveyor/internal/worker"
	"github.com/rzbill/conveyor/pkg/log"
)

// Runtime wires every subsystem over one shared Pebble store. Components
// receive their dependencies explicitly; nothing here is a global.
type Runtime struct {
	cfg    config.Config
	logger log.Logger
	db     *pebblestore.DB

	Metrics      *metrics.Collector
	Queue        *queue.Queue
	Audit        *audit.Log
	Checkpoints  *checkpoint.Store
	Orchestrator *saga.Orchestrator
	Registry     *worker.Registry

	pool    *worker.Pool
	monitor *recovery.Monitor
}

// Open builds a Runtime from configuration. Background loops are not
// started; call Start for that.
func Open(cfg config.Config, logger log.Logger) (*Runtime, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dataDir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	collector, err := metrics.Open(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open metrics: %w", err)
	}
	q, err := queue.Open(db, collector, logger, queue.Options{
		DefaultTimeoutMs:  cfg.DefaultTaskTimeout.Milliseconds(),
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	auditLog := audit.NewLog(db)
	ckpts := checkpoint.NewStore(db)
	registry := worker.NewRegistry()

	rt := &Runtime{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		Metrics:      collector,
		Queue:        q,
		Audit:        auditLog,
		Checkpoints:  ckpts,
		Orchestrator: saga.NewOrchestrator(db, auditLog, ckpts, logger, saga.Options{DefaultStepRetries: cfg.SagaStepRetries}),
		Registry:     registry,
		pool: worker.NewPool(q, registry, logger, worker.Options{
			Group:        cfg.Group,
			Workers:      cfg.Workers,
			Batch:        cfg.DequeueBatch,
			BlockTimeout: cfg.BlockTimeout,
		}),
		monitor: recovery.NewMonitor(q, logger, recovery.Options{
			Interval:    cfg.RecoveryInterval,
			MaxPerSweep: cfg.RecoveryBatch,
		}),
	}
	logger.Info("runtime opened", log.Str("data_dir", dataDir))
	return rt, nil
}

// Start launches the worker pool and the recovery monitor.
func (r *Runtime) Start(ctx context.Context) {
	r.monitor.Start()
	r.pool.Start(ctx)
}

// Stop halts background loops, waiting for in-flight work to settle.
func (r *Runtime) Stop() {
	r.pool.Stop()
	r.monitor.Stop()
}

// Close stops background loops and releases the store.
func (r *Runtime) Close() error {
	r.Stop()
	return r.db.Close()
}

// Stats is a point-in-time view of queue health.
type Stats struct {
	Counters map[metrics.Counter]uint64 `json:"counters"`
	Depths   map[queue.Priority]int     `json:"depths"`
	DLQDepth int                        `json:"dlq_depth"`
}

// Stats sweeps expired claims first so the depths reflect reality, then
// reports counters and lane depths.
func (r *Runtime) Stats(ctx context.Context) (Stats, error) {
	r.monitor.Sweep(ctx)
	depths, err := r.Queue.Depths()
	if err != nil {
		return Stats{}, err
	}
	dlq, err := r.Queue.DLQDepth()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Counters: r.Metrics.Snapshot(),
		Depths:   depths,
		DLQDepth: dlq,
	}, nil
}
