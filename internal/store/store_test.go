package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.db")
	mp := noopmetric.MeterProvider{}
	s, err := Open(path, mp.Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowParamsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, found, err := s.LoadWorkflowParams(); err != nil || found {
		t.Fatalf("expected no workflow params before any write, found=%v err=%v", found, err)
	}

	want := WorkflowParams{InitialPoint: "1", FinalPoint: "10", CyclingMode: "integer", RunMode: "live"}
	if err := s.PutWorkflowParams(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := s.LoadWorkflowParams()
	if err != nil || !found {
		t.Fatalf("expected to find workflow params, found=%v err=%v", found, err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestTaskStateLatestWriteWinsPerKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec1 := TaskStateRecord{CyclePoint: "1", Name: "foo", SubmitNum: 1, State: "submitted"}
	rec2 := TaskStateRecord{CyclePoint: "1", Name: "foo", SubmitNum: 1, State: "succeeded"}
	if err := s.PutTaskState(ctx, rec1); err != nil {
		t.Fatalf("put rec1: %v", err)
	}
	if err := s.PutTaskState(ctx, rec2); err != nil {
		t.Fatalf("put rec2: %v", err)
	}

	out, err := s.LoadTaskStates()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one record for name.cycle_point \"foo.1\", got %d", len(out))
	}
	if out[0].State != "succeeded" {
		t.Fatalf("expected the latest write (succeeded) to win, got %q", out[0].State)
	}
}

func TestAppendBroadcastRecordsAssignsIncreasingSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []BroadcastRecord{
		{Cycle: "all-cycles", Namespace: "foo", Settings: map[string]any{"script": "a"}},
		{Cycle: "all-cycles", Namespace: "bar", Settings: map[string]any{"script": "b"}},
	}
	if err := s.AppendBroadcastRecords(ctx, recs); err != nil {
		t.Fatalf("append: %v", err)
	}

	out, err := s.LoadBroadcastRecords()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected two records, got %d", len(out))
	}
	if out[0].Seq >= out[1].Seq {
		t.Fatalf("expected strictly increasing sequence numbers, got %d then %d", out[0].Seq, out[1].Seq)
	}
}

func TestAppendBroadcastRecordsNoopOnEmpty(t *testing.T) {
	s := openTestStore(t)
	if err := s.AppendBroadcastRecords(context.Background(), nil); err != nil {
		t.Fatalf("expected a nil slice to be a no-op, got %v", err)
	}
}

func TestXTriggerResultRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := XTriggerRecord{Signature: "clock:c1@1", Satisfied: true, Data: map[string]string{"k": "v"}}
	if err := s.PutXTriggerResult(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := s.LoadXTriggerResults()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := out["clock:c1@1"]
	if !ok {
		t.Fatalf("expected a result keyed by signature")
	}
	if !got.Satisfied || got.Data["k"] != "v" {
		t.Fatalf("expected the round-tripped record to match, got %+v", got)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Checkpoint(ctx, "start", at); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	cp, found, err := s.LoadCheckpoint("start")
	if err != nil || !found {
		t.Fatalf("expected to find the checkpoint, found=%v err=%v", found, err)
	}
	if !cp.Timestamp.Equal(at) {
		t.Fatalf("expected timestamp %v, got %v", at, cp.Timestamp)
	}
	if _, found, err := s.LoadCheckpoint("missing"); err != nil || found {
		t.Fatalf("expected no checkpoint named missing, found=%v err=%v", found, err)
	}
}
