package prereq

import (
	"testing"

	"github.com/cylcgo/scheduler/internal/boolexpr"
)

func keys() []AtomKey {
	return []AtomKey{
		{UpstreamName: "foo", UpstreamPoint: "1", Output: "succeeded"},
		{UpstreamName: "bar", UpstreamPoint: "1", Output: "succeeded"},
	}
}

func TestPrerequisiteImplicitConjunction(t *testing.T) {
	ks := keys()
	p := New(ks, nil)
	if p.IsSatisfied() {
		t.Fatalf("expected unsatisfied with no atoms set")
	}
	p.SatisfyNaturally(ks[0])
	if p.IsSatisfied() {
		t.Fatalf("expected still unsatisfied with one of two atoms set")
	}
	p.SatisfyNaturally(ks[1])
	if !p.IsSatisfied() {
		t.Fatalf("expected satisfied once every atom is set")
	}
}

func TestPrerequisiteConditionalExpression(t *testing.T) {
	ks := keys()
	expr, err := boolexpr.Parse(ks[0].String() + " | " + ks[1].String())
	if err != nil {
		t.Fatalf("parse expr: %v", err)
	}
	p := New(ks, expr)
	if p.IsSatisfied() {
		t.Fatalf("expected unsatisfied initially")
	}
	p.SatisfyNaturally(ks[1])
	if !p.IsSatisfied() {
		t.Fatalf("expected satisfied once either side of an OR is set")
	}
}

func TestPrerequisiteSatisfactionIsMonotonic(t *testing.T) {
	ks := keys()
	p := New(ks, nil)
	p.SatisfyNaturally(ks[0])
	p.Set(ks[0], Unsatisfied)
	if p.State(ks[0]) != SatisfiedNaturally {
		t.Fatalf("expected a satisfied atom to stay satisfied until Reset")
	}
}

func TestPrerequisiteReset(t *testing.T) {
	ks := keys()
	p := New(ks, nil)
	p.SatisfyNaturally(ks[0])
	p.SatisfyNaturally(ks[1])
	if !p.IsSatisfied() {
		t.Fatalf("expected satisfied before reset")
	}
	p.Reset()
	if p.IsSatisfied() {
		t.Fatalf("expected unsatisfied after reset")
	}
	if p.State(ks[0]) != Unsatisfied {
		t.Fatalf("expected every atom cleared after reset")
	}
}

func TestPrerequisiteOverrideSatisfaction(t *testing.T) {
	ks := keys()
	p := New(ks, nil)
	p.SatisfyOverride(ks[0])
	p.SatisfyOverride(ks[1])
	if !p.IsSatisfied() {
		t.Fatalf("expected satisfied after administrative override")
	}
	if p.State(ks[0]) != SatisfiedOverride {
		t.Fatalf("expected override state recorded distinctly from natural satisfaction")
	}
}

func TestPrerequisiteEmptyIsSatisfied(t *testing.T) {
	p := New(nil, nil)
	if !p.IsSatisfied() {
		t.Fatalf("expected an empty prerequisite to be trivially satisfied")
	}
}
