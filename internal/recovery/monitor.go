package recovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rzbill/conveyor/internal/queue"
	"github.com/rzbill/conveyor/pkg/log"
)

// Options tunes the recovery sweep.
type Options struct {
	// Interval between sweeps. A small jitter is added to each tick so
	// multiple monitors do not sweep in lockstep.
	Interval time.Duration
	// MaxPerSweep bounds how many expired claims one sweep handles (0 = no
	// bound).
	MaxPerSweep int
}

// Monitor periodically returns timed-out tasks to their lanes. A task whose
// claim expired either crashed mid-processing or outran its timeout; the
// sweep requeues it while retries remain and dead-letters it after that.
type Monitor struct {
	q      *queue.Queue
	logger log.Logger
	opts   Options

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a Monitor over q.
func NewMonitor(q *queue.Queue, logger log.Logger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.MaxPerSweep <= 0 {
		opts.MaxPerSweep = 1024
	}
	return &Monitor{
		q:      q,
		logger: logger.With(log.Component("recovery")),
		opts:   opts,
	}
}

// Start launches the sweep loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
	m.logger.Info("recovery monitor started", log.F("interval", m.opts.Interval.String()))
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Monitor) run(stop, done chan struct{}) {
	defer close(done)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		jitter := time.Duration(rng.Int63n(int64(m.opts.Interval/10 + 1)))
		select {
		case <-stop:
			return
		case <-time.After(m.opts.Interval + jitter):
			m.Sweep(context.Background())
		}
	}
}

// Sweep runs one reclaim pass and reports what it did. Safe to call
// directly, e.g. before serving a stats request.
func (m *Monitor) Sweep(ctx context.Context) (requeued, deadLettered int) {
	requeued, deadLettered, err := m.q.ReclaimExpired(ctx, 0, m.opts.MaxPerSweep)
	if err != nil {
		m.logger.Error("reclaim sweep failed", log.Err(err))
		return 0, 0
	}
	if requeued > 0 || deadLettered > 0 {
		m.logger.Info("reclaim sweep",
			log.Int("requeued", requeued),
			log.Int("dead_lettered", deadLettered))
	}
	return requeued, deadLettered
}
