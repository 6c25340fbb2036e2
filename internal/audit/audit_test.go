package audit

import (
	"context"
	"testing"

	pebblestore "github.com/rzbill/conveyor/internal/storage/pebble"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewLog(db)
}

func TestRecordAssignsSequence(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for _, typ := range []EventType{EventSagaStart, EventStepStart, EventStepComplete} {
		if err := l.Record(ctx, Entry{SagaID: "s1", Type: typ}); err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}

	entries, err := l.List("s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
	}
	if entries[0].Type != EventSagaStart || entries[2].Type != EventStepComplete {
		t.Fatalf("entries out of order: %+v", entries)
	}
}

func TestSagasAreIsolated(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	_ = l.Record(ctx, Entry{SagaID: "a", Type: EventSagaStart})
	_ = l.Record(ctx, Entry{SagaID: "b", Type: EventSagaStart})
	_ = l.Record(ctx, Entry{SagaID: "a", Type: EventSagaComplete})

	a, _ := l.List("a")
	b, _ := l.List("b")
	if len(a) != 2 || len(b) != 1 {
		t.Fatalf("cross-saga leakage: a=%d b=%d", len(a), len(b))
	}
}

func TestRecordRequiresSagaID(t *testing.T) {
	l := openTestLog(t)
	if err := l.Record(context.Background(), Entry{Type: EventSagaStart}); err == nil {
		t.Fatalf("expected error for missing saga id")
	}
}

func TestStepFieldsRoundTrip(t *testing.T) {
	l := openTestLog(t)
	idx := 2
	e := Entry{
		SagaID:       "s",
		Type:         EventStepFailed,
		StepName:     "persist",
		StepIndex:    &idx,
		ErrorMessage: "boom",
		StateBefore:  "RUNNING",
		StateAfter:   "COMPENSATING",
		RetryCount:   1,
	}
	if err := l.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, _ := l.List("s")
	if len(got) != 1 {
		t.Fatalf("want 1 entry")
	}
	e2 := got[0]
	if e2.StepName != "persist" || e2.StepIndex == nil || *e2.StepIndex != 2 {
		t.Fatalf("step fields lost: %+v", e2)
	}
	if e2.ErrorMessage != "boom" || e2.StateAfter != "COMPENSATING" {
		t.Fatalf("error/state fields lost: %+v", e2)
	}
}
