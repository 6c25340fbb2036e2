package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/conveyor/internal/audit"
	"github.com/rzbill/conveyor/internal/checkpoint"
	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
	"github.com/rzbill/conveyor/pkg/id"
	"github.com/rzbill/conveyor/pkg/log"
)

// Options configures orchestrator-wide defaults.
type Options struct {
	// DefaultStepRetries applies to steps with a negative MaxRetries.
	DefaultStepRetries int
}

// Orchestrator drives saga definitions to a terminal state, persisting a
// snapshot after every transition so a crashed run can be resumed. Every
// transition is recorded in the audit log, and each completed step saves a
// checkpoint of the accumulated variables.
type Orchestrator struct {
	snaps  snapshotStore
	audit  *audit.Log
	ckpts  *checkpoint.Store
	logger log.Logger
	ids    *id.Generator
	opts   Options
}

// NewOrchestrator creates an Orchestrator over the shared store.
func NewOrchestrator(db *pebblestore.DB, auditLog *audit.Log, ckpts *checkpoint.Store, logger log.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		snaps:  snapshotStore{db: db},
		audit:  auditLog,
		ckpts:  ckpts,
		logger: logger.With(log.Component("saga")),
		ids:    id.NewGenerator(),
		opts:   opts,
	}
}

// Result is the terminal outcome of a saga run. Err carries the causal step
// or compensation error for non-COMPLETED outcomes.
type Result struct {
	SagaID string
	State  State
	Vars   map[string]any
	Err    error
}

// Run executes a definition from the start with the given initial variables.
// The returned error is non-nil only for infrastructure failures; a saga
// that compensated cleanly comes back as Result{State: StateAborted}.
func (o *Orchestrator) Run(ctx context.Context, def Definition, initial map[string]any) (Result, error) {
	if err := def.validate(); err != nil {
		return Result{}, err
	}
	// saga IDs sort by start time, which keeps snapshot scans in run order
	snap := Snapshot{
		SagaID:     o.ids.Next().String(),
		Name:       def.Name,
		State:      StateIdle,
		TotalSteps: len(def.Steps),
		Vars:       copyVars(initial),
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.snaps.transition(ctx, &snap, StateRunning); err != nil {
		return Result{}, err
	}
	if err := o.record(ctx, &snap, audit.Entry{
		Type:            audit.EventSagaStart,
		ContextSnapshot: copyVars(snap.Vars),
		StateBefore:     string(StateIdle),
		StateAfter:      string(StateRunning),
	}); err != nil {
		return Result{}, err
	}
	o.logger.Info("saga started", log.Str("saga_id", snap.SagaID), log.Str("name", def.Name))
	return o.execute(ctx, def, &snap)
}

// Resume picks up a saga where its snapshot left off: forward from the first
// incomplete step for RUNNING sagas, backward through the remaining
// compensations for COMPENSATING ones. Resuming a terminal saga returns its
// recorded outcome without re-running anything.
func (o *Orchestrator) Resume(ctx context.Context, def Definition, sagaID string) (Result, error) {
	if err := def.validate(); err != nil {
		return Result{}, err
	}
	snap, err := o.snaps.load(sagaID)
	if err != nil {
		return Result{}, err
	}
	if snap.Name != def.Name {
		return Result{}, fmt.Errorf("saga %s: snapshot belongs to definition %q, not %q", sagaID, snap.Name, def.Name)
	}
	snap.TotalSteps = len(def.Steps)
	switch {
	case snap.State.Terminal():
		res := Result{SagaID: snap.SagaID, State: snap.State, Vars: snap.Vars}
		if snap.ErrorMessage != "" {
			res.Err = errors.New(snap.ErrorMessage)
		}
		return res, nil
	case snap.State == StateCompensating:
		cause := errors.New(snap.ErrorMessage)
		o.logger.Info("saga resumed during compensation", log.Str("saga_id", sagaID))
		return o.compensate(ctx, def, &snap, cause)
	case snap.State == StateIdle:
		if err := o.snaps.transition(ctx, &snap, StateRunning); err != nil {
			return Result{}, err
		}
		if err := o.record(ctx, &snap, audit.Entry{
			Type:            audit.EventSagaStart,
			ContextSnapshot: copyVars(snap.Vars),
			StateBefore:     string(StateIdle),
			StateAfter:      string(StateRunning),
		}); err != nil {
			return Result{}, err
		}
		fallthrough
	default:
		o.logger.Info("saga resumed",
			log.Str("saga_id", sagaID),
			log.Int("completed_steps", len(snap.CompletedSteps)))
		return o.execute(ctx, def, &snap)
	}
}

// Snapshot returns the persisted state of a saga run.
func (o *Orchestrator) Snapshot(sagaID string) (Snapshot, error) {
	return o.snaps.load(sagaID)
}

func (o *Orchestrator) execute(ctx context.Context, def Definition, snap *Snapshot) (Result, error) {
	for i := len(snap.CompletedSteps); i < len(def.Steps); i++ {
		step := def.Steps[i]
		retries := step.MaxRetries
		if retries < 0 {
			retries = o.opts.DefaultStepRetries
		}
		idx := i
		if err := o.record(ctx, snap, audit.Entry{
			Type:      audit.EventStepStart,
			StepName:  step.Name,
			StepIndex: &idx,
		}); err != nil {
			return Result{}, err
		}

		var updates map[string]any
		var start time.Time
		for attempt := 0; ; attempt++ {
			start = time.Now()
			var stepErr error
			updates, stepErr = step.Action(ctx, copyVars(snap.Vars))
			if stepErr == nil {
				break
			}
			fail := audit.Entry{
				Type:         audit.EventStepFailed,
				StepName:     step.Name,
				StepIndex:    &idx,
				ErrorMessage: stepErr.Error(),
				RetryCount:   attempt,
				DurationMs:   time.Since(start).Milliseconds(),
			}
			if attempt < retries {
				if err := o.record(ctx, snap, fail); err != nil {
					return Result{}, err
				}
				if err := o.record(ctx, snap, audit.Entry{
					Type:       audit.EventStepRetry,
					StepName:   step.Name,
					StepIndex:  &idx,
					RetryCount: attempt + 1,
				}); err != nil {
					return Result{}, err
				}
				continue
			}
			fail.StateBefore = string(StateRunning)
			fail.StateAfter = string(StateCompensating)
			if err := o.record(ctx, snap, fail); err != nil {
				return Result{}, err
			}
			o.logger.Warn("saga step failed, compensating",
				log.Str("saga_id", snap.SagaID),
				log.Str("step", step.Name),
				log.Err(stepErr))
			return o.compensate(ctx, def, snap, stepErr)
		}

		snap.Vars = mergeVars(snap.Vars, updates)
		snap.CompletedSteps = append(snap.CompletedSteps, step.Name)
		snap.CurrentStep = i + 1
		if err := o.snaps.save(ctx, snap); err != nil {
			return Result{}, err
		}
		if err := o.record(ctx, snap, audit.Entry{
			Type:            audit.EventStepComplete,
			StepName:        step.Name,
			StepIndex:       &idx,
			DurationMs:      time.Since(start).Milliseconds(),
			ContextSnapshot: copyVars(snap.Vars),
		}); err != nil {
			return Result{}, err
		}
		data, err := json.Marshal(snap.Vars)
		if err != nil {
			return Result{}, fmt.Errorf("marshal step variables: %w", err)
		}
		if _, err := o.ckpts.Save(ctx, snap.SagaID, step.Name, data); err != nil {
			return Result{}, err
		}
	}

	if err := o.snaps.transition(ctx, snap, StateCompleted); err != nil {
		return Result{}, err
	}
	if err := o.record(ctx, snap, audit.Entry{
		Type:            audit.EventSagaComplete,
		ContextSnapshot: copyVars(snap.Vars),
		StateBefore:     string(StateRunning),
		StateAfter:      string(StateCompleted),
	}); err != nil {
		return Result{}, err
	}
	o.logger.Info("saga completed", log.Str("saga_id", snap.SagaID))
	return Result{SagaID: snap.SagaID, State: StateCompleted, Vars: snap.Vars}, nil
}

// compensate undoes completed steps in strict reverse order.
func (o *Orchestrator) compensate(ctx context.Context, def Definition, snap *Snapshot, cause error) (Result, error) {
	if snap.State != StateCompensating {
		snap.ErrorMessage = cause.Error()
		if err := o.snaps.transition(ctx, snap, StateCompensating); err != nil {
			return Result{}, err
		}
	}

	compensated := make(map[string]bool, len(snap.CompensatedSteps))
	for _, name := range snap.CompensatedSteps {
		compensated[name] = true
	}

	for i := len(snap.CompletedSteps) - 1; i >= 0; i-- {
		name := snap.CompletedSteps[i]
		if compensated[name] {
			continue
		}
		idx := def.stepIndex(name)
		if idx < 0 {
			return Result{}, fmt.Errorf("saga %s: completed step %q missing from definition", snap.SagaID, name)
		}
		step := def.Steps[idx]
		if step.Compensate != nil {
			if err := o.record(ctx, snap, audit.Entry{
				Type:      audit.EventCompensationStart,
				StepName:  name,
				StepIndex: &idx,
			}); err != nil {
				return Result{}, err
			}
			start := time.Now()
			if compErr := step.Compensate(ctx, copyVars(snap.Vars)); compErr != nil {
				snap.ErrorMessage = compErr.Error()
				if err := o.snaps.transition(ctx, snap, StateFailed); err != nil {
					return Result{}, err
				}
				if err := o.record(ctx, snap, audit.Entry{
					Type:         audit.EventSagaFailed,
					StepName:     name,
					StepIndex:    &idx,
					ErrorMessage: compErr.Error(),
					StateBefore:  string(StateCompensating),
					StateAfter:   string(StateFailed),
				}); err != nil {
					return Result{}, err
				}
				o.logger.Error("saga compensation failed",
					log.Str("saga_id", snap.SagaID),
					log.Str("step", name),
					log.Err(compErr))
				return Result{SagaID: snap.SagaID, State: StateFailed, Vars: snap.Vars, Err: compErr}, nil
			}
			if err := o.record(ctx, snap, audit.Entry{
				Type:       audit.EventCompensationComplete,
				StepName:   name,
				StepIndex:  &idx,
				DurationMs: time.Since(start).Milliseconds(),
			}); err != nil {
				return Result{}, err
			}
		}
		snap.CompensatedSteps = append(snap.CompensatedSteps, name)
		if err := o.snaps.save(ctx, snap); err != nil {
			return Result{}, err
		}
	}

	if err := o.snaps.transition(ctx, snap, StateAborted); err != nil {
		return Result{}, err
	}
	if err := o.record(ctx, snap, audit.Entry{
		Type:         audit.EventSagaFailed,
		ErrorMessage: cause.Error(),
		StateBefore:  string(StateCompensating),
		StateAfter:   string(StateAborted),
	}); err != nil {
		return Result{}, err
	}
	o.logger.Warn("saga aborted", log.Str("saga_id", snap.SagaID), log.Err(cause))
	return Result{SagaID: snap.SagaID, State: StateAborted, Vars: snap.Vars, Err: cause}, nil
}

// record fills in the saga identity and attributes an entry to the
// requesting user when the variables carry one.
func (o *Orchestrator) record(ctx context.Context, snap *Snapshot, e audit.Entry) error {
	e.SagaID = snap.SagaID
	if e.StateBefore == "" {
		e.StateBefore = string(snap.State)
	}
	if e.StateAfter == "" {
		e.StateAfter = string(snap.State)
	}
	if uid, ok := snap.Vars["user_id"].(string); ok {
		e.UserID = uid
	}
	if ip, ok := snap.Vars["ip_address"].(string); ok {
		e.IPAddress = ip
	}
	return o.audit.Record(ctx, e)
}
