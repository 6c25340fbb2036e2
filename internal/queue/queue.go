package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/conveyor/internal/metrics"
	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
	"github.com/rzbill/conveyor/pkg/log"
)

// Errors returned by queue operations.
var (
	ErrTaskNotFound   = errors.New("queue: task not found")
	ErrNotCancellable = errors.New("queue: task is not pending")
)

// Options configures queue-wide defaults applied at enqueue time.
type Options struct {
	// DefaultTimeoutMs bounds processing time for tasks that do not set one.
	DefaultTimeoutMs int64
	// DefaultMaxRetries applies to tasks that do not set max_retries.
	DefaultMaxRetries int
}

// Queue is a durable three-lane task queue over the shared store. Tasks are
// appended to their priority lane, claimed by consumer groups for a bounded
// time, and either acknowledged, retried, or dead-lettered.
type Queue struct {
	db      *pebblestore.DB
	metrics *metrics.Collector
	logger  log.Logger
	opts    Options

	mu         sync.Mutex
	lastSeq    map[Priority]uint64
	dlqLastSeq uint64

	notify chan struct{}
}

// claim records one in-flight delivery. The expiry doubles as a fencing
// token: a late ack or fail whose expiry no longer matches is a no-op.
type claim struct {
	TaskID      string   `json:"task_id"`
	Group       string   `json:"group"`
	Priority    Priority `json:"priority"`
	Seq         uint64   `json:"seq"`
	ClaimedAtMs int64    `json:"claimed_at_ms"`
	ExpiresAtMs int64    `json:"expires_at_ms"`
}

// Delivery is one claimed task handed to a consumer. The caller must pass it
// back unchanged to Acknowledge or Fail.
type Delivery struct {
	Task        Task
	Priority    Priority
	Seq         uint64
	ExpiresAtMs int64
}

// Open initializes a Queue, restoring lane sequences from metadata.
func Open(db *pebblestore.DB, collector *metrics.Collector, logger log.Logger, opts Options) (*Queue, error) {
	if opts.DefaultTimeoutMs <= 0 {
		opts.DefaultTimeoutMs = 30_000
	}
	q := &Queue{
		db:      db,
		metrics: collector,
		logger:  logger.With(log.Component("queue")),
		opts:    opts,
		lastSeq: make(map[Priority]uint64, len(Lanes)),
		notify:  make(chan struct{}, 1),
	}
	for _, p := range Lanes {
		if meta, err := db.Get(laneMetaKey(p)); err == nil && len(meta) >= 8 {
			q.lastSeq[p] = binary.BigEndian.Uint64(meta[:8])
		}
	}
	if meta, err := db.Get(dlqMetaKey()); err == nil && len(meta) >= 8 {
		q.dlqLastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	return q, nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue validates and persists a task, appends it to its priority lane,
// and counts the submission, all in one atomic batch. Zero TimeoutMs and
// MaxRetries take the queue defaults. A zero ID gets a generated UUID.
func (q *Queue) Enqueue(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		t.ID = newTaskID()
	}
	if t.TimeoutMs == 0 {
		t.TimeoutMs = q.opts.DefaultTimeoutMs
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = q.opts.DefaultMaxRetries
	}
	if err := t.validate(); err != nil {
		return Task{}, err
	}
	t.Status = StatusPending
	t.RetryCount = 0
	t.CreatedAt = time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.lastSeq[t.Priority] + 1
	b := q.db.NewBatch()
	defer b.Close()

	if err := q.stageEnqueue(b, &t, seq); err != nil {
		return Task{}, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return Task{}, fmt.Errorf("commit enqueue: %w", err)
	}
	q.lastSeq[t.Priority] = seq
	q.signal()

	q.logger.Debug("task enqueued",
		log.Str("task_id", t.ID),
		log.Str("type", t.Type),
		log.Str("priority", string(t.Priority)))
	return t, nil
}

// Get loads a task record by ID.
func (q *Queue) Get(id string) (Task, error) {
	val, err := q.db.Get(taskKey(id))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(val, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}

// Dequeue claims up to max tasks for group, draining lanes strictly in
// priority order. Claimed tasks move to PROCESSING under a claim that
// expires after the task's timeout. Returns an empty slice when no task
// is available.
func (q *Queue) Dequeue(ctx context.Context, group string, max int) ([]Delivery, error) {
	if group == "" {
		return nil, errors.New("queue: group is required")
	}
	if max <= 0 {
		max = 1
	}
	nowMs := time.Now().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.db.NewBatch()
	defer b.Close()
	var out []Delivery

	for _, p := range Lanes {
		if len(out) >= max {
			break
		}
		if err := q.claimLane(b, p, group, nowMs, max, &out); err != nil {
			return nil, err
		}
	}
	if b.Empty() {
		return nil, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return out, nil
}

func (q *Queue) claimLane(b *pebble.Batch, p Priority, group string, nowMs int64, max int, out *[]Delivery) error {
	lo, hi := pebblestore.PrefixBounds(availPrefix(p))
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer iter.Close()

	for ok := iter.First(); ok && len(*out) < max; ok = iter.Next() {
		k := iter.Key()
		if len(k) < 8 {
			continue
		}
		seq := binary.BigEndian.Uint64(k[len(k)-8:])

		env, errGet := q.db.Get(laneEntryKey(p, seq))
		if errGet != nil {
			_ = b.Delete(k, nil)
			continue
		}
		_, taskID, okDec := decodeEnvelope(env)
		if !okDec {
			q.logger.Warn("dropping corrupt lane entry", log.Str("priority", string(p)), log.Int64("seq", int64(seq)))
			_ = b.Delete(k, nil)
			_ = b.Delete(laneEntryKey(p, seq), nil)
			continue
		}
		t, errTask := q.Get(taskID)
		if errTask != nil {
			_ = b.Delete(k, nil)
			_ = b.Delete(laneEntryKey(p, seq), nil)
			continue
		}
		if t.Cancelled {
			// cancelled before delivery: drop the lane keys, close out the record
			_ = b.Delete(k, nil)
			_ = b.Delete(laneEntryKey(p, seq), nil)
			t.Status = StatusFailed
			t.ErrorMessage = "cancelled before processing"
			if err := q.stageTask(b, &t); err != nil {
				return err
			}
			continue
		}

		exp := nowMs + t.TimeoutMs
		c := claim{
			TaskID:      t.ID,
			Group:       group,
			Priority:    p,
			Seq:         seq,
			ClaimedAtMs: nowMs,
			ExpiresAtMs: exp,
		}
		cval, errEnc := json.Marshal(&c)
		if errEnc != nil {
			return errEnc
		}
		if err := b.Set(claimKey(p, group, seq), cval, nil); err != nil {
			return err
		}
		if err := b.Set(claimIdxKey(p, exp, seq), []byte(group), nil); err != nil {
			return err
		}
		if err := b.Delete(k, nil); err != nil {
			return err
		}

		started := time.UnixMilli(nowMs).UTC()
		t.Status = StatusProcessing
		t.StartedAt = &started
		// a fresh attempt clears the previous attempt's error
		t.ErrorMessage = ""
		if err := q.stageTask(b, &t); err != nil {
			return err
		}
		if err := q.metrics.Inc(b, metrics.Dequeued); err != nil {
			return err
		}
		*out = append(*out, Delivery{Task: t, Priority: p, Seq: seq, ExpiresAtMs: exp})
	}
	return nil
}

// DequeueWait behaves like Dequeue but blocks up to wait for a task to
// become available. A wait <= 0 makes a single non-blocking attempt.
func (q *Queue) DequeueWait(ctx context.Context, group string, max int, wait time.Duration) ([]Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		msgs, err := q.Dequeue(ctx, group, max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if wait <= 0 {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		// poll floor catches tasks requeued by the recovery monitor
		poll := 200 * time.Millisecond
		if remaining < poll {
			poll = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-time.After(poll):
		}
	}
}

// loadClaim fetches the claim for a delivery and checks the fencing expiry.
func (q *Queue) loadClaim(group string, d Delivery) (claim, bool, error) {
	val, err := q.db.Get(claimKey(d.Priority, group, d.Seq))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return claim{}, false, nil
		}
		return claim{}, false, err
	}
	var c claim
	if err := json.Unmarshal(val, &c); err != nil {
		return claim{}, false, fmt.Errorf("decode claim: %w", err)
	}
	if c.ExpiresAtMs != d.ExpiresAtMs || c.TaskID != d.Task.ID {
		return claim{}, false, nil
	}
	return c, true, nil
}

// Acknowledge marks a delivered task COMPLETED and releases its claim.
// Acknowledging a task whose claim is gone (already acknowledged, or
// reclaimed after expiry) is a no-op.
func (q *Queue) Acknowledge(ctx context.Context, group string, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok, err := q.loadClaim(group, d)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	t, err := q.Get(c.TaskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.ProcessingTimeMs = now.Sub(*t.StartedAt).Milliseconds()
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := q.releaseClaim(b, c); err != nil {
		return err
	}
	if err := b.Delete(laneEntryKey(c.Priority, c.Seq), nil); err != nil {
		return err
	}
	if err := q.stageTask(b, &t); err != nil {
		return err
	}
	if err := q.metrics.Inc(b, metrics.Completed); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit ack: %w", err)
	}
	q.logger.Debug("task completed",
		log.Str("task_id", t.ID),
		log.Int64("processing_ms", t.ProcessingTimeMs))
	return nil
}

// Fail records a handler failure for a delivered task. The entry stays
// claimed; once the claim expires the recovery sweep requeues it or, with
// retries exhausted, dead-letters it with the recorded error. Failing a task
// whose claim is gone is a no-op.
func (q *Queue) Fail(ctx context.Context, group string, d Delivery, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok, err := q.loadClaim(group, d)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	t, err := q.Get(c.TaskID)
	if err != nil {
		return err
	}
	t.ErrorMessage = errMsg

	b := q.db.NewBatch()
	defer b.Close()
	if err := q.stageTask(b, &t); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit fail: %w", err)
	}
	q.logger.Debug("handler failure recorded",
		log.Str("task_id", t.ID),
		log.Str("error", errMsg),
		log.Int64("claim_expires_ms", c.ExpiresAtMs))
	return nil
}

// MoveToDLQ force-dead-letters a claimed task regardless of remaining
// retries. Like Acknowledge, a missing or superseded claim is a no-op.
func (q *Queue) MoveToDLQ(ctx context.Context, group string, d Delivery, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok, err := q.loadClaim(group, d)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	t, err := q.Get(c.TaskID)
	if err != nil {
		return err
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := q.releaseClaim(b, c); err != nil {
		return err
	}
	if err := q.stageDeadLetter(b, &t, group, errMsg, c.Priority, c.Seq); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit dlq move: %w", err)
	}
	q.logger.Warn("task dead-lettered",
		log.Str("task_id", t.ID),
		log.Str("error", errMsg))
	return nil
}

// Cancel marks a pending task cancelled. The record keeps its history; the
// task is skipped at delivery time. Tasks already claimed or finished
// return ErrNotCancellable.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.Get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return ErrNotCancellable
	}
	if t.Cancelled {
		return nil
	}
	t.Cancelled = true

	b := q.db.NewBatch()
	defer b.Close()
	if err := q.stageTask(b, &t); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	q.logger.Info("task cancelled", log.Str("task_id", id))
	return nil
}

// ReclaimExpired scans claim expiry indexes and returns timed-out tasks to
// their lanes, or dead-letters them when retries are exhausted. If nowMs <= 0,
// the current time is used. Returns how many tasks were requeued and how
// many were dead-lettered.
func (q *Queue) ReclaimExpired(ctx context.Context, nowMs int64, max int) (requeued, deadLettered int, err error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.db.NewBatch()
	defer b.Close()

	for _, p := range Lanes {
		if max > 0 && requeued+deadLettered >= max {
			break
		}
		r, d, errLane := q.reclaimLane(b, p, nowMs, max, requeued+deadLettered)
		if errLane != nil {
			return requeued, deadLettered, errLane
		}
		requeued += r
		deadLettered += d
	}
	if b.Empty() {
		return 0, 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return requeued, deadLettered, fmt.Errorf("commit reclaim: %w", err)
	}
	if requeued > 0 {
		q.signal()
	}
	return requeued, deadLettered, nil
}

func (q *Queue) reclaimLane(b *pebble.Batch, p Priority, nowMs int64, max, done int) (requeued, deadLettered int, err error) {
	prefix := claimIdxPrefix(p)
	lo, hi := pebblestore.PrefixBounds(prefix)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		if max > 0 && done+requeued+deadLettered >= max {
			break
		}
		k := iter.Key()
		if len(k) < len(prefix)+16 {
			continue
		}
		exp := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if exp > nowMs {
			break
		}
		seq := binary.BigEndian.Uint64(k[len(k)-8:])
		group := string(iter.Value())

		cval, errGet := q.db.Get(claimKey(p, group, seq))
		if errGet != nil {
			_ = b.Delete(k, nil)
			continue
		}
		var c claim
		if errDec := json.Unmarshal(cval, &c); errDec != nil || c.ExpiresAtMs != exp {
			// stale index row for a claim that moved on
			_ = b.Delete(k, nil)
			continue
		}
		t, errTask := q.Get(c.TaskID)
		if errTask != nil {
			_ = b.Delete(k, nil)
			_ = b.Delete(claimKey(p, group, seq), nil)
			continue
		}

		if errRel := q.releaseClaim(b, c); errRel != nil {
			return requeued, deadLettered, errRel
		}
		t.RetryCount++
		if t.ErrorMessage == "" {
			t.ErrorMessage = fmt.Sprintf("processing timed out after %dms", t.TimeoutMs)
		}
		if t.RetryCount < t.MaxRetries {
			if errReq := q.stageRequeue(b, &t, p, seq); errReq != nil {
				return requeued, deadLettered, errReq
			}
			if errM := q.metrics.Inc(b, metrics.Recovered); errM != nil {
				return requeued, deadLettered, errM
			}
			requeued++
			q.logger.Info("expired claim requeued",
				log.Str("task_id", t.ID),
				log.Str("group", group),
				log.Int("retry_count", t.RetryCount))
		} else {
			if errDLQ := q.stageDeadLetter(b, &t, group, t.ErrorMessage, p, seq); errDLQ != nil {
				return requeued, deadLettered, errDLQ
			}
			deadLettered++
			q.logger.Warn("expired claim dead-lettered",
				log.Str("task_id", t.ID),
				log.Str("group", group))
		}
	}
	return requeued, deadLettered, nil
}

// Depths returns the number of available (unclaimed) tasks per lane.
func (q *Queue) Depths() (map[Priority]int, error) {
	out := make(map[Priority]int, len(Lanes))
	for _, p := range Lanes {
		n, err := q.countPrefix(availPrefix(p))
		if err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, nil
}

func (q *Queue) countPrefix(prefix []byte) (int, error) {
	lo, hi := pebblestore.PrefixBounds(prefix)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, nil
}

// stageEnqueue stages the task record, lane entry, availability index, lane
// meta, and the submitted counter. Assumes q.mu held; the caller advances
// q.lastSeq after a successful commit.
func (q *Queue) stageEnqueue(b *pebble.Batch, t *Task, seq uint64) error {
	if err := q.stageTask(b, t); err != nil {
		return err
	}
	env := encodeEnvelope(t.CreatedAt.UnixMilli(), t.ID)
	if err := b.Set(laneEntryKey(t.Priority, seq), env, nil); err != nil {
		return err
	}
	if err := b.Set(availKey(t.Priority, seq), nil, nil); err != nil {
		return err
	}
	if err := b.Set(laneMetaKey(t.Priority), be8(seq), nil); err != nil {
		return err
	}
	return q.metrics.Inc(b, metrics.Submitted)
}

// stageTask stages the task record into b.
func (q *Queue) stageTask(b *pebble.Batch, t *Task) error {
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return b.Set(taskKey(t.ID), val, nil)
}

// releaseClaim stages removal of a claim and its expiry index row.
func (q *Queue) releaseClaim(b *pebble.Batch, c claim) error {
	if err := b.Delete(claimKey(c.Priority, c.Group, c.Seq), nil); err != nil {
		return err
	}
	return b.Delete(claimIdxKey(c.Priority, c.ExpiresAtMs, c.Seq), nil)
}

// stageRequeue returns a claimed task to its lane at its original position.
func (q *Queue) stageRequeue(b *pebble.Batch, t *Task, p Priority, seq uint64) error {
	t.Status = StatusPending
	t.StartedAt = nil
	if err := b.Set(availKey(p, seq), nil, nil); err != nil {
		return err
	}
	return q.stageTask(b, t)
}

// stageDeadLetter moves a task out of its lane into the dead letter queue.
// Assumes q.mu held. The DLQ sequence advances at staging time; a failed
// commit leaves a gap, never a duplicate.
func (q *Queue) stageDeadLetter(b *pebble.Batch, t *Task, group, errMsg string, p Priority, seq uint64) error {
	t.Status = StatusDeadLetter
	t.ErrorMessage = errMsg
	if err := b.Delete(laneEntryKey(p, seq), nil); err != nil {
		return err
	}
	q.dlqLastSeq++
	next := q.dlqLastSeq
	dl := DeadLetter{
		Seq:            next,
		Task:           *t,
		Error:          errMsg,
		Group:          group,
		DeadLetteredAt: time.Now().UTC(),
	}
	val, err := json.Marshal(&dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := b.Set(dlqEntryKey(next), val, nil); err != nil {
		return err
	}
	if err := b.Set(dlqMetaKey(), be8(next), nil); err != nil {
		return err
	}
	if err := q.stageTask(b, t); err != nil {
		return err
	}
	return q.metrics.Inc(b, metrics.Failed)
}
