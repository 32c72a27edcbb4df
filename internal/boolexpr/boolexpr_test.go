package boolexpr

import "testing"

func lookup(satisfied ...string) func(string) bool {
	set := make(map[string]bool, len(satisfied))
	for _, s := range satisfied {
		set[s] = true
	}
	return func(atom string) bool { return set[atom] }
}

func TestParseAtom(t *testing.T) {
	e, err := Parse("foo.1:succeeded")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !e.Eval(lookup("foo.1:succeeded")) {
		t.Fatalf("expected satisfied atom to evaluate true")
	}
	if e.Eval(lookup()) {
		t.Fatalf("expected unsatisfied atom to evaluate false")
	}
	if got := e.Atoms(); len(got) != 1 || got[0] != "foo.1:succeeded" {
		t.Fatalf("expected one atom, got %v", got)
	}
}

func TestParseAndOrPrecedence(t *testing.T) {
	// '&' binds tighter than '|': "a | b & c" is "a | (b & c)".
	e, err := Parse("a | b & c")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !e.Eval(lookup("a")) {
		t.Fatalf("expected a alone to satisfy the OR")
	}
	if e.Eval(lookup("b")) {
		t.Fatalf("expected b alone (without c) to leave the AND branch false")
	}
	if !e.Eval(lookup("b", "c")) {
		t.Fatalf("expected b & c to satisfy the OR")
	}
}

func TestParseNegation(t *testing.T) {
	e, err := Parse("!a")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Eval(lookup("a")) {
		t.Fatalf("expected negated satisfied atom to evaluate false")
	}
	if !e.Eval(lookup()) {
		t.Fatalf("expected negated unsatisfied atom to evaluate true")
	}
}

func TestParseParentheses(t *testing.T) {
	e, err := Parse("(a | b) & c")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Eval(lookup("a")) {
		t.Fatalf("expected a alone (without c) to evaluate false")
	}
	if !e.Eval(lookup("a", "c")) {
		t.Fatalf("expected a & c to evaluate true")
	}
}

func TestParseAtomsDeduped(t *testing.T) {
	e, err := Parse("a & (a | b)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := e.Atoms()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected deduped atoms [a b], got %v", got)
	}
}

func TestParseRejectsUnbalancedParens(t *testing.T) {
	if _, err := Parse("(a & b"); err == nil {
		t.Fatalf("expected an error for an unclosed parenthesis")
	}
}

func TestParseRejectsEmptyExpression(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatalf("expected an error for an empty expression")
	}
	if _, err := Parse("   "); err == nil {
		t.Fatalf("expected an error for a whitespace-only expression")
	}
}

func TestParseRejectsDanglingOperator(t *testing.T) {
	if _, err := Parse("a &"); err == nil {
		t.Fatalf("expected an error for a dangling operator")
	}
	if _, err := Parse("& a"); err == nil {
		t.Fatalf("expected an error for a leading operator")
	}
}

func TestStringRoundTripsOperators(t *testing.T) {
	e, err := Parse("a & b | !c")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// '&' binds tighter, so this is "(a & b) | !c".
	want := "(a & b) | !c"
	if got := e.String(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
