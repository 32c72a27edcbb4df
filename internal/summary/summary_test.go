package summary

import "testing"

func TestRollupStateFailedDominates(t *testing.T) {
	got := RollupState([]string{"succeeded", "running", "failed"})
	if got != "failed" {
		t.Fatalf("expected failed to dominate, got %q", got)
	}
}

func TestRollupStateRunningBeatsWaiting(t *testing.T) {
	got := RollupState([]string{"waiting", "running", "succeeded"})
	if got != "running" {
		t.Fatalf("expected running to dominate over waiting/succeeded, got %q", got)
	}
}

func TestRollupStateAllSucceeded(t *testing.T) {
	got := RollupState([]string{"succeeded", "succeeded"})
	if got != "succeeded" {
		t.Fatalf("expected succeeded, got %q", got)
	}
}

func TestRollupStateRunaheadIsLeastDominant(t *testing.T) {
	got := RollupState([]string{"runahead", "succeeded"})
	if got != "succeeded" {
		t.Fatalf("expected succeeded to dominate over runahead, got %q", got)
	}
}

func TestRollupStateEmptyChildren(t *testing.T) {
	if got := RollupState(nil); got != "" {
		t.Fatalf("expected an empty string for no children, got %q", got)
	}
}

func TestRollupStateUnknownStateTreatedAsLeastDominant(t *testing.T) {
	got := RollupState([]string{"bogus", "running"})
	if got != "running" {
		t.Fatalf("expected a known state to dominate an unrecognised one, got %q", got)
	}
}

func TestHistogramCountsStates(t *testing.T) {
	h := Histogram([]string{"running", "running", "succeeded"})
	if h["running"] != 2 || h["succeeded"] != 1 {
		t.Fatalf("expected running=2 succeeded=1, got %+v", h)
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := Histogram(nil)
	if len(h) != 0 {
		t.Fatalf("expected an empty histogram, got %+v", h)
	}
}
