package checkpoint

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

// Checkpoint is an immutable record of step progress for one owner (a saga
// or a long-running task). Data is stored verbatim so a resume sees exactly
// the bytes the step wrote.
type Checkpoint struct {
	Seq       uint64          `json:"seq"`
	OwnerID   string          `json:"owner_id"`
	StepName  string          `json:"step_name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Keyspace:
//   ckpt/{owner}/m            last assigned seq (BE8)
//   ckpt/{owner}/e/{seq_be8}  checkpoint (JSON)

func metaKey(ownerID string) []byte {
	return []byte("ckpt/" + ownerID + "/m")
}

func entryKey(ownerID string, seq uint64) []byte {
	k := make([]byte, 0, len(ownerID)+16)
	k = append(k, "ckpt/"...)
	k = append(k, ownerID...)
	k = append(k, "/e/"...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func entryPrefix(ownerID string) []byte {
	return []byte("ckpt/" + ownerID + "/e/")
}

// Store appends and reads step-progress checkpoints. Checkpoints are never
// updated or deleted within a run's lifetime; ordering is by insertion.
type Store struct {
	db *pebblestore.DB
	mu sync.Mutex
}

// NewStore creates a Store over the shared store.
func NewStore(db *pebblestore.DB) *Store {
	return &Store{db: db}
}

// Save appends a new checkpoint for owner. The data bytes are stored as-is.
func (s *Store) Save(ctx context.Context, ownerID, stepName string, data []byte) (Checkpoint, error) {
	if ownerID == "" {
		return Checkpoint{}, errors.New("checkpoint: owner id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lastSeq uint64
	if meta, err := s.db.Get(metaKey(ownerID)); err == nil && len(meta) >= 8 {
		lastSeq = binary.BigEndian.Uint64(meta[:8])
	}

	cp := Checkpoint{
		Seq:       lastSeq + 1,
		OwnerID:   ownerID,
		StepName:  stepName,
		Data:      append(json.RawMessage(nil), data...),
		Timestamp: time.Now().UTC(),
	}
	val, err := json.Marshal(&cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("marshal checkpoint: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(ownerID, cp.Seq), val, nil); err != nil {
		return Checkpoint{}, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], cp.Seq)
	if err := b.Set(metaKey(ownerID), meta[:], nil); err != nil {
		return Checkpoint{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Checkpoint{}, fmt.Errorf("commit checkpoint: %w", err)
	}
	return cp, nil
}

// List returns all checkpoints for owner strictly in the order they were
// saved.
func (s *Store) List(ownerID string) ([]Checkpoint, error) {
	lo, hi := pebblestore.PrefixBounds(entryPrefix(ownerID))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Checkpoint
	for ok := iter.First(); ok; ok = iter.Next() {
		var cp Checkpoint
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, nil
}

// Latest returns the most recent checkpoint for owner, or ErrNoCheckpoints.
func (s *Store) Latest(ownerID string) (Checkpoint, error) {
	lo, hi := pebblestore.PrefixBounds(entryPrefix(ownerID))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return Checkpoint{}, err
	}
	defer iter.Close()
	if !iter.Last() {
		return Checkpoint{}, ErrNoCheckpoints
	}
	var cp Checkpoint
	if err := json.Unmarshal(iter.Value(), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// ErrNoCheckpoints is returned by Latest for owners with no saved progress.
var ErrNoCheckpoints = errors.New("checkpoint: none recorded")
