package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
	"github.com/rzbill/conveyor/pkg/log"
)

// DeadLetter is one exhausted task preserved for inspection. The embedded
// task record and error are kept verbatim from the final failure.
type DeadLetter struct {
	Seq            uint64    `json:"seq"`
	Task           Task      `json:"task"`
	Error          string    `json:"error"`
	Group          string    `json:"group,omitempty"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// ListDLQ returns dead letters in the order they were dead-lettered,
// filtered by f. A nil filter matches everything.
func (q *Queue) ListDLQ(f *Filter) ([]DeadLetter, error) {
	lo, hi := pebblestore.PrefixBounds(dlqEntryPrefix())
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []DeadLetter
	for ok := iter.First(); ok; ok = iter.Next() {
		var dl DeadLetter
		if err := json.Unmarshal(iter.Value(), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		if f.Match(dl) {
			out = append(out, dl)
		}
	}
	return out, nil
}

// ReplayDLQ re-enqueues matching dead letters as fresh PENDING tasks with a
// reset retry budget and removes them from the DLQ. The re-enqueue and the
// DLQ removal commit in one batch per entry, so a task is never both
// requeued and still replayable. Returns how many tasks were replayed.
func (q *Queue) ReplayDLQ(ctx context.Context, f *Filter) (int, error) {
	matched, err := q.ListDLQ(f)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	replayed := 0
	for _, dl := range matched {
		t := dl.Task
		t.Status = StatusPending
		t.RetryCount = 0
		t.ErrorMessage = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		t.ProcessingTimeMs = 0
		t.Cancelled = false
		t.CreatedAt = time.Now().UTC()

		seq := q.lastSeq[t.Priority] + 1
		b := q.db.NewBatch()
		if err := q.stageEnqueue(b, &t, seq); err != nil {
			b.Close()
			return replayed, err
		}
		if err := b.Delete(dlqEntryKey(dl.Seq), nil); err != nil {
			b.Close()
			return replayed, err
		}
		if err := q.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return replayed, fmt.Errorf("replay task %s: %w", t.ID, err)
		}
		b.Close()
		q.lastSeq[t.Priority] = seq
		replayed++
	}
	if replayed > 0 {
		q.signal()
		q.logger.Info("dead letters replayed", log.Int("count", replayed))
	}
	return replayed, nil
}

// FlushDLQ permanently removes matching dead letters. Returns how many were
// removed.
func (q *Queue) FlushDLQ(ctx context.Context, f *Filter) (int, error) {
	matched, err := q.ListDLQ(f)
	if err != nil {
		return 0, err
	}
	if len(matched) == 0 {
		return 0, nil
	}

	b := q.db.NewBatch()
	defer b.Close()
	for _, dl := range matched {
		if err := b.Delete(dlqEntryKey(dl.Seq), nil); err != nil {
			return 0, err
		}
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("commit dlq flush: %w", err)
	}
	q.logger.Info("dead letters flushed", log.Int("count", len(matched)))
	return len(matched), nil
}

// DLQDepth returns the number of dead letters currently held.
func (q *Queue) DLQDepth() (int, error) {
	return q.countPrefix(dlqEntryPrefix())
}
