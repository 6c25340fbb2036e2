package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
)

// State is the lifecycle state of a saga run.
type State string

const (
	StateIdle         State = "IDLE"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateCompensating State = "COMPENSATING"
	// StateAborted means every compensation ran successfully after a step
	// failure: the system is back to its pre-saga state.
	StateAborted State = "ABORTED"
	// StateFailed means a compensation itself failed and manual
	// intervention is required.
	StateFailed State = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateFailed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateIdle:         {StateRunning},
	StateRunning:      {StateCompleted, StateCompensating},
	StateCompensating: {StateAborted, StateFailed},
}

// CanTransition reports whether s -> to is a legal transition.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Snapshot is the single live record of a saga run, overwritten in place on
// every transition. Completed and compensated step names let a resume skip
// work already done.
type Snapshot struct {
	SagaID           string         `json:"saga_id"`
	Name             string         `json:"name"`
	State            State          `json:"state"`
	CurrentStep      int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	CompletedSteps   []string       `json:"completed_steps,omitempty"`
	CompensatedSteps []string       `json:"compensated_steps,omitempty"`
	Vars             map[string]any `json:"context,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ErrSagaNotFound is returned when no snapshot exists for a saga ID.
var ErrSagaNotFound = errors.New("saga: not found")

func snapshotKey(sagaID string) []byte {
	return []byte("saga/" + sagaID)
}

type snapshotStore struct {
	db *pebblestore.DB
}

func (s snapshotStore) load(sagaID string) (Snapshot, error) {
	val, err := s.db.Get(snapshotKey(sagaID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Snapshot{}, ErrSagaNotFound
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode saga snapshot: %w", err)
	}
	return snap, nil
}

func (s snapshotStore) save(ctx context.Context, snap *Snapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal saga snapshot: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(snapshotKey(snap.SagaID), val, nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// transition moves the snapshot to a new state, enforcing the state machine.
func (s snapshotStore) transition(ctx context.Context, snap *Snapshot, to State) error {
	if !snap.State.CanTransition(to) {
		return fmt.Errorf("saga: illegal transition %s -> %s", snap.State, to)
	}
	snap.State = to
	return s.save(ctx, snap)
}
