package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rzbill/conveyor/internal/metrics"
	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
	"github.com/rzbill/conveyor/pkg/log"
)

var testOpts = Options{DefaultTimeoutMs: 60_000, DefaultMaxRetries: 2}

func openTestQueue(t *testing.T, opts Options) (*Queue, *metrics.Collector) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	m, err := metrics.Open(db)
	if err != nil {
		t.Fatalf("open metrics: %v", err)
	}
	logger := log.NewLogger(log.WithWriter(io.Discard))
	q, err := Open(db, m, logger, opts)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q, m
}

func mustEnqueue(t *testing.T, q *Queue, task Task) Task {
	t.Helper()
	out, err := q.Enqueue(context.Background(), task)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return out
}

func TestDequeueDrainsLanesInPriorityOrder(t *testing.T) {
	q, _ := openTestQueue(t, testOpts)
	ctx := context.Background()

	mustEnqueue(t, q, Task{Type: "t", Priority: PriorityLow})
	mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh})
	mustEnqueue(t, q, Task{Type: "t", Priority: PriorityMedium})

	msgs, err := q.Dequeue(ctx, "g", 3)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("want 3 deliveries, got %d", len(msgs))
	}
	want := []Priority{PriorityHigh, PriorityMedium, PriorityLow}
	for i, d := range msgs {
		if d.Priority != want[i] {
			t.Fatalf("delivery %d: want %s got %s", i, want[i], d.Priority)
		}
		if d.Task.Status != StatusProcessing || d.Task.StartedAt == nil {
			t.Fatalf("delivery %d not marked processing: %+v", i, d.Task)
		}
	}
}

func TestFIFOWithinLane(t *testing.T) {
	q, _ := openTestQueue(t, testOpts)
	first := mustEnqueue(t, q, Task{Type: "t", Priority: PriorityMedium})
	second := mustEnqueue(t, q, Task{Type: "t", Priority: PriorityMedium})

	msgs, err := q.Dequeue(context.Background(), "g", 2)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("dequeue: %v (%d)", err, len(msgs))
	}
	if msgs[0].Task.ID != first.ID || msgs[1].Task.ID != second.ID {
		t.Fatalf("lane is not FIFO: %s then %s", msgs[0].Task.ID, msgs[1].Task.ID)
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	q, m := openTestQueue(t, testOpts)
	ctx := context.Background()
	mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh})

	msgs, _ := q.Dequeue(ctx, "g", 1)
	if len(msgs) != 1 {
		t.Fatalf("expected a delivery")
	}
	if err := q.Acknowledge(ctx, "g", msgs[0]); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := q.Acknowledge(ctx, "g", msgs[0]); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}

	got, err := q.Get(msgs[0].Task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("task not completed: %+v", got)
	}
	if m.Get(metrics.Completed) != 1 {
		t.Fatalf("completed counter = %d, want 1", m.Get(metrics.Completed))
	}
}

func TestFailedTaskStaysClaimedUntilReclaim(t *testing.T) {
	q, _ := openTestQueue(t, testOpts)
	ctx := context.Background()
	task := mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh})

	msgs, _ := q.Dequeue(ctx, "g", 1)
	if len(msgs) != 1 {
		t.Fatalf("expected a delivery")
	}
	if err := q.Fail(ctx, "g", msgs[0], "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// the entry is still claimed, so nothing is redelivered yet
	if again, _ := q.Dequeue(ctx, "g", 1); len(again) != 0 {
		t.Fatalf("failed task redelivered before its claim expired")
	}
	got, _ := q.Get(task.ID)
	if got.Status != StatusProcessing || got.ErrorMessage != "boom" || got.RetryCount != 0 {
		t.Fatalf("failure not recorded in place: %+v", got)
	}

	future := time.Now().UnixMilli() + 120_000
	requeued, dead, err := q.ReclaimExpired(ctx, future, 0)
	if err != nil || requeued != 1 || dead != 0 {
		t.Fatalf("reclaim: requeued=%d dead=%d err=%v", requeued, dead, err)
	}
	again, _ := q.Dequeue(ctx, "g", 1)
	if len(again) != 1 || again[0].Task.ID != task.ID {
		t.Fatalf("requeued task not redelivered")
	}
	if again[0].Task.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", again[0].Task.RetryCount)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q, m := openTestQueue(t, testOpts) // max_retries 2: dead-letter on the second failure
	ctx := context.Background()
	task := mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh})

	future := time.Now().UnixMilli() + 200_000
	for attempt := 1; attempt <= 2; attempt++ {
		msgs, err := q.Dequeue(ctx, "g", 1)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("attempt %d: dequeue %v (%d)", attempt, err, len(msgs))
		}
		if err := q.Fail(ctx, "g", msgs[0], "boom"); err != nil {
			t.Fatalf("attempt %d: fail %v", attempt, err)
		}
		if _, _, err := q.ReclaimExpired(ctx, future, 0); err != nil {
			t.Fatalf("attempt %d: reclaim %v", attempt, err)
		}
	}

	if msgs, _ := q.Dequeue(ctx, "g", 1); len(msgs) != 0 {
		t.Fatalf("dead-lettered task was redelivered")
	}
	got, _ := q.Get(task.ID)
	if got.Status != StatusDeadLetter {
		t.Fatalf("status = %s, want DEAD_LETTER", got.Status)
	}
	if got.ErrorMessage != "boom" {
		t.Fatalf("error message = %q, want the handler error verbatim", got.ErrorMessage)
	}
	if got.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", got.RetryCount)
	}
	if n, _ := q.DLQDepth(); n != 1 {
		t.Fatalf("dlq depth = %d, want 1", n)
	}
	if m.Get(metrics.Failed) != 1 || m.Get(metrics.Recovered) != 1 {
		t.Fatalf("failed=%d recovered=%d", m.Get(metrics.Failed), m.Get(metrics.Recovered))
	}
}

func TestCancelledTaskIsSkippedAtDelivery(t *testing.T) {
	q, _ := openTestQueue(t, testOpts)
	ctx := context.Background()
	task := mustEnqueue(t, q, Task{Type: "t", Priority: PriorityLow})

	if err := q.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if msgs, _ := q.Dequeue(ctx, "g", 1); len(msgs) != 0 {
		t.Fatalf("cancelled task was delivered")
	}
	got, _ := q.Get(task.ID)
	if !got.Cancelled || got.Status != StatusFailed {
		t.Fatalf("cancel not recorded: %+v", got)
	}
}

func TestCancelRejectsNonPending(t *testing.T) {
	q, _ := openTestQueue(t, testOpts)
	ctx := context.Background()
	mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh})
	msgs, _ := q.Dequeue(ctx, "g", 1)
	if len(msgs) != 1 {
		t.Fatalf("expected a delivery")
	}
	if err := q.Cancel(ctx, msgs[0].Task.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("want ErrNotCancellable, got %v", err)
	}
	if err := q.Cancel(ctx, "no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("want ErrTaskNotFound, got %v", err)
	}
}

func TestReclaimRequeuesExpiredClaim(t *testing.T) {
	q, m := openTestQueue(t, testOpts)
	ctx := context.Background()
	task := mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh, TimeoutMs: 10})

	msgs, _ := q.Dequeue(ctx, "g", 1)
	if len(msgs) != 1 {
		t.Fatalf("expected a delivery")
	}

	future := time.Now().UnixMilli() + 60_000
	requeued, dead, err := q.ReclaimExpired(ctx, future, 0)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 1 || dead != 0 {
		t.Fatalf("reclaim: requeued=%d dead=%d", requeued, dead)
	}

	again, _ := q.Dequeue(ctx, "g", 1)
	if len(again) != 1 || again[0].Task.ID != task.ID {
		t.Fatalf("requeued task not redelivered")
	}
	if again[0].Task.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", again[0].Task.RetryCount)
	}
	if m.Get(metrics.Recovered) != 1 {
		t.Fatalf("recovered counter = %d, want 1", m.Get(metrics.Recovered))
	}
}

func TestReclaimDeadLettersWhenRetriesExhausted(t *testing.T) {
	q, _ := openTestQueue(t, Options{DefaultTimeoutMs: 10, DefaultMaxRetries: 0})
	ctx := context.Background()
	task := mustEnqueue(t, q, Task{Type: "t", Priority: PriorityMedium})

	if msgs, _ := q.Dequeue(ctx, "g", 1); len(msgs) != 1 {
		t.Fatalf("expected a delivery")
	}
	future := time.Now().UnixMilli() + 60_000
	requeued, dead, err := q.ReclaimExpired(ctx, future, 0)
	if err != nil || requeued != 0 || dead != 1 {
		t.Fatalf("reclaim: requeued=%d dead=%d err=%v", requeued, dead, err)
	}
	got, _ := q.Get(task.ID)
	if got.Status != StatusDeadLetter {
		t.Fatalf("status = %s, want DEAD_LETTER", got.Status)
	}
}

func TestLateAckAfterReclaimIsNoOp(t *testing.T) {
	q, m := openTestQueue(t, testOpts)
	ctx := context.Background()
	task := mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh, TimeoutMs: 10})

	msgs, _ := q.Dequeue(ctx, "g", 1)
	if len(msgs) != 1 {
		t.Fatalf("expected a delivery")
	}
	future := time.Now().UnixMilli() + 60_000
	if _, _, err := q.ReclaimExpired(ctx, future, 0); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// the original consumer comes back after losing its claim
	if err := q.Acknowledge(ctx, "g", msgs[0]); err != nil {
		t.Fatalf("stale ack should be a no-op: %v", err)
	}
	got, _ := q.Get(task.ID)
	if got.Status == StatusCompleted {
		t.Fatalf("stale ack completed a reclaimed task")
	}
	if m.Get(metrics.Completed) != 0 {
		t.Fatalf("completed counter = %d, want 0", m.Get(metrics.Completed))
	}
}

func TestDepths(t *testing.T) {
	q, _ := openTestQueue(t, testOpts)
	mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh})
	mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh})
	mustEnqueue(t, q, Task{Type: "t", Priority: PriorityLow})

	depths, err := q.Depths()
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths[PriorityHigh] != 2 || depths[PriorityMedium] != 0 || depths[PriorityLow] != 1 {
		t.Fatalf("depths = %v", depths)
	}

	if _, err := q.Dequeue(context.Background(), "g", 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	depths, _ = q.Depths()
	if depths[PriorityHigh] != 1 {
		t.Fatalf("claimed task still counted available: %v", depths)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := openTestQueue(t, testOpts)
	ctx := context.Background()

	var verr *ValidationError
	if _, err := q.Enqueue(ctx, Task{Priority: PriorityHigh}); !errors.As(err, &verr) {
		t.Fatalf("missing type accepted: %v", err)
	}
	if _, err := q.Enqueue(ctx, Task{Type: "t", Priority: "URGENT"}); !errors.As(err, &verr) {
		t.Fatalf("bad priority accepted: %v", err)
	}
}

func TestSequencesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	m, _ := metrics.Open(db)
	logger := log.NewLogger(log.WithWriter(io.Discard))
	q, _ := Open(db, m, logger, testOpts)
	first := mustEnqueue(t, q, Task{Type: "t", Priority: PriorityHigh})
	_ = db.Close()

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	m2, _ := metrics.Open(db2)
	q2, err := Open(db2, m2, logger, testOpts)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	second := mustEnqueue(t, q2, Task{Type: "t", Priority: PriorityHigh})

	msgs, _ := q2.Dequeue(context.Background(), "g", 2)
	if len(msgs) != 2 || msgs[0].Task.ID != first.ID || msgs[1].Task.ID != second.ID {
		t.Fatalf("order lost across reopen: %d deliveries", len(msgs))
	}
}

func TestDequeueWaitUnblocksOnEnqueue(t *testing.T) {
	q, _ := openTestQueue(t, testOpts)
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Enqueue(ctx, Task{Type: "t", Priority: PriorityLow})
	}()

	start := time.Now()
	msgs, err := q.DequeueWait(ctx, "g", 1, 5*time.Second)
	if err != nil {
		t.Fatalf("dequeue wait: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected a delivery")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("wait did not unblock promptly")
	}
}
