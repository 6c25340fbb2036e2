package saga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rzbill/conveyor/internal/audit"
	"github.com/rzbill/conveyor/internal/checkpoint"
	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
	"github.com/rzbill/conveyor/pkg/log"
)

func openTestOrchestrator(t *testing.T) (*Orchestrator, *audit.Log, *checkpoint.Store) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	auditLog := audit.NewLog(db)
	ckpts := checkpoint.NewStore(db)
	logger := log.NewLogger(log.WithWriter(io.Discard))
	return NewOrchestrator(db, auditLog, ckpts, logger, Options{}), auditLog, ckpts
}

func step(name string, calls *[]string) Step {
	return Step{
		Name: name,
		Action: func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			*calls = append(*calls, "do:"+name)
			return map[string]any{name: "done"}, nil
		},
		Compensate: func(ctx context.Context, vars map[string]any) error {
			*calls = append(*calls, "undo:"+name)
			return nil
		},
	}
}

func TestRunCompletes(t *testing.T) {
	o, auditLog, ckpts := openTestOrchestrator(t)
	var calls []string
	def := Definition{Name: "pipeline", Steps: []Step{
		step("fetch", &calls), step("process", &calls), step("save", &calls),
	}}

	res, err := o.Run(context.Background(), def, map[string]any{"input": "x"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("result: %+v", res)
	}
	wantCalls := []string{"do:fetch", "do:process", "do:save"}
	if fmt.Sprint(calls) != fmt.Sprint(wantCalls) {
		t.Fatalf("calls = %v", calls)
	}
	if res.Vars["input"] != "x" || res.Vars["save"] != "done" {
		t.Fatalf("variables not accumulated: %v", res.Vars)
	}

	snap, err := o.Snapshot(res.SagaID)
	if err != nil || snap.State != StateCompleted {
		t.Fatalf("snapshot: %+v %v", snap, err)
	}

	entries, _ := auditLog.List(res.SagaID)
	var types []audit.EventType
	for _, e := range entries {
		types = append(types, e.Type)
	}
	want := []audit.EventType{
		audit.EventSagaStart,
		audit.EventStepStart, audit.EventStepComplete,
		audit.EventStepStart, audit.EventStepComplete,
		audit.EventStepStart, audit.EventStepComplete,
		audit.EventSagaComplete,
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("audit trail = %v", types)
	}

	cps, _ := ckpts.List(res.SagaID)
	if len(cps) != 3 || cps[0].StepName != "fetch" || cps[2].StepName != "save" {
		t.Fatalf("checkpoints = %+v", cps)
	}
}

func TestFailureCompensatesInReverseOrder(t *testing.T) {
	o, _, _ := openTestOrchestrator(t)
	var calls []string
	def := Definition{Name: "payments", Steps: []Step{
		step("s1", &calls),
		step("s2", &calls),
		{Name: "s3", Action: func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return nil, errors.New("charge declined")
		}},
		step("s4", &calls),
		step("s5", &calls),
	}}

	res, err := o.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateAborted {
		t.Fatalf("state = %s, want ABORTED", res.State)
	}
	if res.Err == nil || res.Err.Error() != "charge declined" {
		t.Fatalf("cause not preserved: %v", res.Err)
	}
	want := []string{"do:s1", "do:s2", "undo:s2", "undo:s1"}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %v (steps after the failure must never run)", calls)
	}

	snap, _ := o.Snapshot(res.SagaID)
	if snap.State != StateAborted || len(snap.CompensatedSteps) != 2 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestAuditTrailForFailedRun(t *testing.T) {
	o, auditLog, _ := openTestOrchestrator(t)
	var calls []string
	def := Definition{Name: "etl", Steps: []Step{
		step("fetch", &calls),
		{Name: "process", Action: func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return nil, errors.New("parse error")
		}},
		step("save", &calls),
	}}

	res, err := o.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateAborted {
		t.Fatalf("state = %s, want ABORTED", res.State)
	}

	entries, _ := auditLog.List(res.SagaID)
	var trail []string
	for _, e := range entries {
		if e.StepName != "" {
			trail = append(trail, string(e.Type)+"("+e.StepName+")")
		} else {
			trail = append(trail, string(e.Type))
		}
	}
	want := []string{
		"saga_start",
		"step_start(fetch)", "step_complete(fetch)",
		"step_start(process)", "step_failed(process)",
		"compensation_start(fetch)", "compensation_complete(fetch)",
		"saga_failed",
	}
	if fmt.Sprint(trail) != fmt.Sprint(want) {
		t.Fatalf("audit trail = %v", trail)
	}

	snap, _ := o.Snapshot(res.SagaID)
	if snap.State != StateAborted {
		t.Fatalf("snapshot state = %s", snap.State)
	}
}

func TestStepRetriesBeforeCompensating(t *testing.T) {
	o, auditLog, _ := openTestOrchestrator(t)
	attempts := 0
	def := Definition{Name: "flaky", Steps: []Step{
		{
			Name:       "wobble",
			MaxRetries: 2,
			Action: func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				attempts++
				if attempts < 3 {
					return nil, errors.New("transient")
				}
				return nil, nil
			},
		},
	}}

	res, err := o.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted || attempts != 3 {
		t.Fatalf("state=%s attempts=%d", res.State, attempts)
	}

	entries, _ := auditLog.List(res.SagaID)
	var failed, retried int
	for _, e := range entries {
		switch e.Type {
		case audit.EventStepFailed:
			failed++
		case audit.EventStepRetry:
			retried++
		}
	}
	if failed != 2 || retried != 2 {
		t.Fatalf("audit: failed=%d retried=%d", failed, retried)
	}
}

func TestStepDurationsArePerAttempt(t *testing.T) {
	o, auditLog, _ := openTestOrchestrator(t)
	attempts := 0
	def := Definition{Name: "flaky", Steps: []Step{
		{
			Name:       "wobble",
			MaxRetries: 1,
			Action: func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				attempts++
				if attempts == 1 {
					time.Sleep(300 * time.Millisecond)
					return nil, errors.New("slow transient")
				}
				return nil, nil
			},
		},
	}}

	res, err := o.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}

	entries, _ := auditLog.List(res.SagaID)
	for _, e := range entries {
		switch e.Type {
		case audit.EventStepFailed:
			if e.DurationMs < 300 {
				t.Fatalf("failed attempt duration = %dms, want >= 300", e.DurationMs)
			}
		case audit.EventStepComplete:
			if e.DurationMs >= 300 {
				t.Fatalf("successful attempt duration = %dms includes earlier attempts", e.DurationMs)
			}
		}
	}
}

func TestResumeIdleSagaRecordsStart(t *testing.T) {
	o, auditLog, _ := openTestOrchestrator(t)
	ctx := context.Background()
	var calls []string
	def := Definition{Name: "pipeline", Steps: []Step{step("s1", &calls)}}

	// a run that persisted its snapshot but crashed before starting
	snap := Snapshot{SagaID: "cold-start", Name: "pipeline", State: StateIdle}
	if err := o.snaps.save(ctx, &snap); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	res, err := o.Resume(ctx, def, "cold-start")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	entries, _ := auditLog.List("cold-start")
	if len(entries) == 0 || entries[0].Type != audit.EventSagaStart {
		t.Fatalf("trail missing its opening event: %+v", entries)
	}
}

func TestCompensationFailureIsTerminalFailed(t *testing.T) {
	o, _, _ := openTestOrchestrator(t)
	var calls []string
	def := Definition{Name: "stuck", Steps: []Step{
		{
			Name: "s1",
			Action: func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				return nil, nil
			},
			Compensate: func(ctx context.Context, vars map[string]any) error {
				return errors.New("undo broke")
			},
		},
		step("s2", &calls),
		{Name: "s3", Action: func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}},
	}}

	res, err := o.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want FAILED", res.State)
	}
	if res.Err == nil || res.Err.Error() != "undo broke" {
		t.Fatalf("err = %v", res.Err)
	}
	snap, _ := o.Snapshot(res.SagaID)
	if snap.State != StateFailed || snap.ErrorMessage != "undo broke" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	o, _, _ := openTestOrchestrator(t)
	ctx := context.Background()
	var calls []string
	def := Definition{Name: "pipeline", Steps: []Step{
		step("s1", &calls), step("s2", &calls), step("s3", &calls),
	}}

	// snapshot of a run that crashed after s1
	snap := Snapshot{
		SagaID:         "resume-me",
		Name:           "pipeline",
		State:          StateRunning,
		CompletedSteps: []string{"s1"},
		Vars:           map[string]any{"s1": "done"},
	}
	if err := o.snaps.save(ctx, &snap); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	res, err := o.Resume(ctx, def, "resume-me")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	want := []string{"do:s2", "do:s3"}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("resume re-ran steps: %v", calls)
	}
	if res.Vars["s1"] != "done" {
		t.Fatalf("restored variables lost: %v", res.Vars)
	}
}

func TestResumeTerminalSagaIsReadOnly(t *testing.T) {
	o, _, _ := openTestOrchestrator(t)
	ctx := context.Background()
	var calls []string
	def := Definition{Name: "pipeline", Steps: []Step{step("s1", &calls)}}

	res, err := o.Run(ctx, def, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	calls = nil

	again, err := o.Resume(ctx, def, res.SagaID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if again.State != StateCompleted || len(calls) != 0 {
		t.Fatalf("terminal resume executed steps: state=%s calls=%v", again.State, calls)
	}
}

func TestResumeUnknownSaga(t *testing.T) {
	o, _, _ := openTestOrchestrator(t)
	var calls []string
	def := Definition{Name: "pipeline", Steps: []Step{step("s1", &calls)}}
	if _, err := o.Resume(context.Background(), def, "nope"); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("want ErrSagaNotFound, got %v", err)
	}
}

func TestDefinitionValidation(t *testing.T) {
	o, _, _ := openTestOrchestrator(t)
	ctx := context.Background()
	nop := func(ctx context.Context, vars map[string]any) (map[string]any, error) { return nil, nil }

	cases := []Definition{
		{},
		{Name: "x"},
		{Name: "x", Steps: []Step{{Name: "", Action: nop}}},
		{Name: "x", Steps: []Step{{Name: "a", Action: nop}, {Name: "a", Action: nop}}},
		{Name: "x", Steps: []Step{{Name: "a"}}},
	}
	for i, def := range cases {
		if _, err := o.Run(ctx, def, nil); err == nil {
			t.Fatalf("case %d: invalid definition accepted", i)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	if !StateIdle.CanTransition(StateRunning) {
		t.Fatalf("IDLE -> RUNNING must be legal")
	}
	if StateRunning.CanTransition(StateAborted) {
		t.Fatalf("RUNNING -> ABORTED must go through COMPENSATING")
	}
	if StateCompleted.CanTransition(StateRunning) {
		t.Fatalf("terminal states must not transition")
	}
	for _, s := range []State{StateCompleted, StateAborted, StateFailed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}
