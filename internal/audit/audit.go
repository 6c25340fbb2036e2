package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
)

// EventType discriminates saga lifecycle events.
type EventType string

// Saga lifecycle event types, one per audit entry.
const (
	EventSagaStart            EventType = "saga_start"
	EventStepStart            EventType = "step_start"
	EventStepComplete         EventType = "step_complete"
	EventStepFailed           EventType = "step_failed"
	EventStepRetry            EventType = "step_retry"
	EventCompensationStart    EventType = "compensation_start"
	EventCompensationComplete EventType = "compensation_complete"
	EventSagaComplete         EventType = "saga_complete"
	EventSagaFailed           EventType = "saga_failed"
)

// Entry is one immutable fact about a saga event. Step fields are empty for
// saga-level events.
type Entry struct {
	Seq             uint64                 `json:"seq"`
	SagaID          string                 `json:"saga_id"`
	Type            EventType              `json:"event_type"`
	StepName        string                 `json:"step_name,omitempty"`
	StepIndex       *int                   `json:"step_index,omitempty"`
	EventData       map[string]interface{} `json:"event_data,omitempty"`
	ContextSnapshot map[string]interface{} `json:"context_snapshot,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ErrorStackTrace string                 `json:"error_stack_trace,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	DurationMs      int64                  `json:"duration_ms,omitempty"`
	UserID          string                 `json:"user_id,omitempty"`
	IPAddress       string                 `json:"ip_address,omitempty"`
	StateBefore     string                 `json:"saga_state_before,omitempty"`
	StateAfter      string                 `json:"saga_state_after,omitempty"`
	RetryCount      int                    `json:"retry_count,omitempty"`
}

// Keyspace:
//   audit/{saga}/m            last assigned seq (BE8)
//   audit/{saga}/e/{seq_be8}  entry (JSON)

func metaKey(sagaID string) []byte {
	return []byte("audit/" + sagaID + "/m")
}

func entryKey(sagaID string, seq uint64) []byte {
	k := make([]byte, 0, len(sagaID)+17)
	k = append(k, "audit/"...)
	k = append(k, sagaID...)
	k = append(k, "/e/"...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func entryPrefix(sagaID string) []byte {
	return []byte("audit/" + sagaID + "/e/")
}

// Log is an append-only recorder of saga lifecycle events. Entries are never
// mutated or deleted once written.
type Log struct {
	db *pebblestore.DB
	mu sync.Mutex
}

// NewLog creates a Log over the shared store.
func NewLog(db *pebblestore.DB) *Log {
	return &Log{db: db}
}

// Record appends one entry, assigning the next sequence for its saga.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.SagaID == "" {
		return errors.New("audit: saga id required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var lastSeq uint64
	if meta, err := l.db.Get(metaKey(e.SagaID)); err == nil && len(meta) >= 8 {
		lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	e.Seq = lastSeq + 1

	val, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(e.SagaID, e.Seq), val, nil); err != nil {
		return err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], e.Seq)
	if err := b.Set(metaKey(e.SagaID), meta[:], nil); err != nil {
		return err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit audit entry: %w", err)
	}
	return nil
}

// List returns all entries for a saga in append order.
func (l *Log) List(sagaID string) ([]Entry, error) {
	lo, hi := pebblestore.PrefixBounds(entryPrefix(sagaID))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []Entry
	for ok := iter.First(); ok; ok = iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
