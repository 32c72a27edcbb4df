package xtrigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cylcgo/scheduler/internal/cycletime"
)

func newTestManager(now time.Time) *Manager {
	m := NewManager(nil)
	m.now = func() time.Time { return now }
	return m
}

func TestEvaluateClockSatisfiedWhenPointHasPassed(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	m := newTestManager(now)
	point := cycletime.NewISOPoint(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if !m.EvaluateClock(ClockTrigger{Label: "c1"}, point) {
		t.Fatalf("expected a clock trigger for a past point to be satisfied")
	}
}

func TestEvaluateClockUnsatisfiedForFuturePoint(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(now)
	point := cycletime.NewISOPoint(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if m.EvaluateClock(ClockTrigger{Label: "c1"}, point) {
		t.Fatalf("expected a clock trigger for a future point to be unsatisfied")
	}
}

func TestEvaluateClockAppliesOffset(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(now)
	point := cycletime.NewISOPoint(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	offset := cycletime.MustParseISOInterval("PT6H")
	if !m.EvaluateClock(ClockTrigger{Label: "c1", Offset: offset}, point) {
		t.Fatalf("expected point+6h (noon) to be satisfied by a now of noon")
	}
	offset24 := cycletime.MustParseISOInterval("PT18H")
	if m.EvaluateClock(ClockTrigger{Label: "c2", Offset: offset24}, point) {
		t.Fatalf("expected point+18h (6pm) to be unsatisfied by a now of noon")
	}
}

func TestEvaluateClockMemoizesBySignature(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	m := newTestManager(now)
	point := cycletime.NewISOPoint(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ct := ClockTrigger{Label: "c1"}
	if !m.EvaluateClock(ct, point) {
		t.Fatalf("expected first evaluation to be satisfied")
	}
	// Moving "now" backwards must not change the cached result.
	m.now = func() time.Time { return time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC) }
	if !m.EvaluateClock(ct, point) {
		t.Fatalf("expected the memoized result to be returned regardless of the new now")
	}
}

type fakeDispatcher struct {
	calls  int
	result Result
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, call Call) (Result, error) {
	f.calls++
	return f.result, f.err
}

func TestPollCachesSatisfiedForever(t *testing.T) {
	m := newTestManager(time.Now())
	d := &fakeDispatcher{result: Result{Satisfied: true}}
	call := Call{FuncName: "f", Interval: time.Minute}

	res, err := m.Poll(context.Background(), call, d)
	if err != nil || !res.Satisfied {
		t.Fatalf("expected satisfied result, got %+v, %v", res, err)
	}
	if _, err := m.Poll(context.Background(), call, d); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if d.calls != 1 {
		t.Fatalf("expected the dispatcher to be called exactly once, got %d", d.calls)
	}
}

func TestPollThrottlesUnsatisfiedRetries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(now)
	d := &fakeDispatcher{result: Result{Satisfied: false}}
	call := Call{FuncName: "f", Interval: time.Hour}

	if _, err := m.Poll(context.Background(), call, d); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if _, err := m.Poll(context.Background(), call, d); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if d.calls != 1 {
		t.Fatalf("expected the throttle window to suppress the second dispatch, got %d calls", d.calls)
	}

	m.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := m.Poll(context.Background(), call, d); err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if d.calls != 2 {
		t.Fatalf("expected the dispatcher to be called again once the interval elapses, got %d", d.calls)
	}
}

func TestPollPropagatesDispatchError(t *testing.T) {
	m := newTestManager(time.Now())
	d := &fakeDispatcher{err: errors.New("boom")}
	call := Call{FuncName: "f", Interval: time.Minute}

	if _, err := m.Poll(context.Background(), call, d); err == nil {
		t.Fatalf("expected an error to propagate from a failing dispatch")
	}
	if m.IsPending(call.Signature()) {
		t.Fatalf("expected the pending flag to be cleared after the call completes")
	}
}

func TestCallSignatureIsDeterministic(t *testing.T) {
	c := Call{FuncName: "f", Args: []string{"a", "b"}, Kwargs: map[string]string{"z": "1", "a": "2"}}
	sig1 := c.Signature()
	sig2 := c.Signature()
	if sig1 != sig2 {
		t.Fatalf("expected a stable signature across calls, got %q and %q", sig1, sig2)
	}
}
