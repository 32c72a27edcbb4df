package cycletime

import "testing"

// TestParseSequenceSlashForms checks the Rn/start/period and period/end
// slash-delimited recurrences.
func TestParseSequenceSlashForms(t *testing.T) {
	start := MustParseISOPoint("2024-01-01T00Z")

	seq, err := ParseSequence("R3/2024-01-01T00Z/P1D", KindISO, nil, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !seq.OnSequence(start) {
		t.Fatalf("expected start point on sequence")
	}
	if seq.maxReps != 3 {
		t.Fatalf("expected maxReps 3, got %d", seq.maxReps)
	}

	seq2, err := ParseSequence("P1D/2024-01-03T00Z", KindISO, nil, nil)
	if err != nil {
		t.Fatalf("parse period/end: %v", err)
	}
	if seq2.end == nil {
		t.Fatalf("expected an end bound")
	}
}

// TestParseSequenceBareR1 matches the original scheduler's own fixture:
// "R1" alone resolves to a single occurrence at the context start point
// with a zero period.
func TestParseSequenceBareR1(t *testing.T) {
	start := MustParseISOPoint("2024-01-01T00Z")
	end := MustParseISOPoint("2024-01-05T00Z")

	seq, err := ParseSequence("R1", KindISO, start, end)
	if err != nil {
		t.Fatalf("parse R1: %v", err)
	}
	if !seq.OnSequence(start) {
		t.Fatalf("expected context start point on sequence")
	}
	other := MustParseISOPoint("2024-01-02T00Z")
	if seq.OnSequence(other) {
		t.Fatalf("expected only one occurrence")
	}
	if seq.Next(start) != nil {
		t.Fatalf("expected no point after the single occurrence")
	}
}

func TestParseSequenceBareRGreaterThanOneRequiresPeriod(t *testing.T) {
	start := MustParseISOPoint("2024-01-01T00Z")
	if _, err := ParseSequence("R3", KindISO, start, nil); err == nil {
		t.Fatalf("expected an error for a bare repeat count other than 1")
	}
}

// TestParseSequenceBarePeriodISO mirrors spec.md's S1 scenario: a graph
// section header of bare "P1D" anchored at the workflow's initial point.
func TestParseSequenceBarePeriodISO(t *testing.T) {
	initial := MustParseISOPoint("2024-01-01T00Z")
	final := MustParseISOPoint("2024-01-03T00Z")

	seq, err := ParseSequence("P1D", KindISO, initial, final)
	if err != nil {
		t.Fatalf("parse P1D: %v", err)
	}
	for _, s := range []string{"2024-01-01T00Z", "2024-01-02T00Z", "2024-01-03T00Z"} {
		p := MustParseISOPoint(s)
		if !seq.OnSequence(p) {
			t.Fatalf("expected %s on sequence", s)
		}
	}
	next := seq.Next(initial)
	if next == nil || !Equal(next, MustParseISOPoint("2024-01-02T00Z")) {
		t.Fatalf("expected next point to be 2024-01-02, got %v", next)
	}
}

// TestParseSequenceBarePeriodInteger covers the integer-cycling analogue
// used throughout internal/config's and internal/engine's test fixtures.
func TestParseSequenceBarePeriodInteger(t *testing.T) {
	initial := IntPoint(1)
	final := IntPoint(5)

	seq, err := ParseSequence("P1", KindInteger, initial, final)
	if err != nil {
		t.Fatalf("parse P1: %v", err)
	}
	if !seq.OnSequence(IntPoint(1)) || !seq.OnSequence(IntPoint(2)) {
		t.Fatalf("expected every integer point on sequence")
	}
}

// TestParseSequenceBareTimeOfDay checks the truncated "Thhmm" header form,
// including the case where the time-of-day falls before the context start
// point on the same date and must advance a day (grounded on the original
// scheduler's own test_time_parser.py fixtures for "T06").
func TestParseSequenceBareTimeOfDay(t *testing.T) {
	start := MustParseISOPoint("2024-01-01T09:30Z")

	seq, err := ParseSequence("T06", KindISO, start, nil)
	if err != nil {
		t.Fatalf("parse T06: %v", err)
	}
	want := MustParseISOPoint("2024-01-02T06:00Z")
	first := seq.First()
	if first == nil || !Equal(first, want) {
		t.Fatalf("expected first occurrence %v, got %v", want, first)
	}

	seq2, err := ParseSequence("T12", KindISO, start, nil)
	if err != nil {
		t.Fatalf("parse T12: %v", err)
	}
	want2 := MustParseISOPoint("2024-01-01T12:00Z")
	first2 := seq2.First()
	if first2 == nil || !Equal(first2, want2) {
		t.Fatalf("expected first occurrence %v, got %v", want2, first2)
	}
}

func TestParseSequenceBareRequiresContextStart(t *testing.T) {
	if _, err := ParseSequence("P1D", KindISO, nil, nil); err == nil {
		t.Fatalf("expected an error when no context start point is available")
	}
}

// TestSequenceRoundTripLaws covers spec §8's recurrence round-trip
// properties: Next(Prev(p)) == p and Prev(Next(p)) == p for on-sequence
// points strictly inside the sequence's bounds, and FirstOnOrAfter of an
// on-sequence point is that point.
func TestSequenceRoundTripLaws(t *testing.T) {
	initial := MustParseISOPoint("2024-01-01T00Z")
	final := MustParseISOPoint("2024-01-10T00Z")
	seq, err := ParseSequence("P1D", KindISO, initial, final)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	mid := MustParseISOPoint("2024-01-05T00Z")
	next := seq.Next(mid)
	if next == nil {
		t.Fatalf("expected a next point")
	}
	back := seq.Prev(next)
	if back == nil || !Equal(back, mid) {
		t.Fatalf("expected Prev(Next(p)) == p, got %v", back)
	}

	prev := seq.Prev(mid)
	if prev == nil {
		t.Fatalf("expected a previous point")
	}
	fwd := seq.Next(prev)
	if fwd == nil || !Equal(fwd, mid) {
		t.Fatalf("expected Next(Prev(p)) == p, got %v", fwd)
	}

	if got := seq.FirstOnOrAfter(mid); got == nil || !Equal(got, mid) {
		t.Fatalf("expected FirstOnOrAfter(on-sequence point) == itself, got %v", got)
	}
}

// TestSequenceEqualByNormalForm checks that two differently-spelled source
// strings resolving to the same start/period/repeat-count compare equal,
// per spec §3's "Sequences are compared for equality by their normal form,
// not their source string".
func TestSequenceEqualByNormalForm(t *testing.T) {
	a, err := ParseSequence("R3/2024-01-01T00Z/P1D", KindISO, nil, nil)
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	b, err := ParseSequence("R3/2024-01-01T00:00:00Z/P1D", KindISO, nil, nil)
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected sequences with the same normal form to be equal")
	}
	if a.String() == b.String() {
		t.Fatalf("expected distinct source spellings to be preserved by String()")
	}
}

func TestSequenceOffset(t *testing.T) {
	initial := MustParseISOPoint("2024-01-01T00Z")
	seq, err := ParseSequence("P1D", KindISO, initial, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	offset := seq.Offset(MustParseISOInterval("-P1D"))
	want := MustParseISOPoint("2023-12-31T00Z")
	if offset.start == nil || !Equal(offset.start, want) {
		t.Fatalf("expected offset start %v, got %v", want, offset.start)
	}
}
