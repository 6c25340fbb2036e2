package metrics

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
)

// Counter names a monotonic queue counter.
type Counter string

// Queue throughput counters.
const (
	Submitted Counter = "submitted"
	Dequeued  Counter = "dequeued"
	Completed Counter = "completed"
	Failed    Counter = "failed"
	Recovered Counter = "recovered"
)

// Counters lists all counters in reporting order.
var Counters = []Counter{Submitted, Dequeued, Completed, Failed, Recovered}

const keyPrefix = "metrics/"

func counterKey(name Counter) []byte {
	return []byte(keyPrefix + string(name))
}

// Collector maintains monotonic counters persisted in the shared store so
// every consumer loop, the recovery monitor, and operator tools observe the
// same totals across restarts. Increments are staged into the same batch as
// the queue transition they count.
type Collector struct {
	db *pebblestore.DB

	mu     sync.Mutex
	counts map[Counter]uint64
}

// Open loads persisted counters and returns a Collector.
func Open(db *pebblestore.DB) (*Collector, error) {
	c := &Collector{db: db, counts: make(map[Counter]uint64, len(Counters))}
	for _, name := range Counters {
		v, err := db.Get(counterKey(name))
		if err != nil {
			if errors.Is(err, pebblestore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if len(v) >= 8 {
			c.counts[name] = binary.BigEndian.Uint64(v[:8])
		}
	}
	return c, nil
}

// Add increments a counter by delta and stages the new value into b.
// The value is committed atomically with whatever transition b carries;
// if the caller's commit fails, the in-memory value may run ahead of the
// persisted one until the next successful increment. Monotonicity holds
// either way.
func (c *Collector) Add(b *pebble.Batch, name Counter, delta uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name] += delta
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.counts[name])
	return b.Set(counterKey(name), buf[:], nil)
}

// Inc is Add with delta 1.
func (c *Collector) Inc(b *pebble.Batch, name Counter) error {
	return c.Add(b, name, 1)
}

// Get returns the current value of one counter.
func (c *Collector) Get(name Counter) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Snapshot returns the current value of all counters.
func (c *Collector) Snapshot() map[Counter]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Counter]uint64, len(Counters))
	for _, name := range Counters {
		out[name] = c.counts[name]
	}
	return out
}
