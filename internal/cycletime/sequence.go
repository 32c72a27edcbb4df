package cycletime

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sequence is a recurring set of cycle points generated from an ISO-8601 or
// integer recurrence expression (spec §4.1): "Rn/start/period",
// "R/start/period", "period/end", or "Rn/period/end". Sequences compare
// equal by normal form (start/end/period/repeat-count), never by the
// source string two differently-spelled recurrences might share. In the
// end-anchored forms the repeat count is parsed but not applied: such a
// sequence extends without limit before end.
type Sequence struct {
	kind    Kind
	start   Point    // nil when anchored only by end
	end     Point    // nil when unbounded
	period  Interval
	maxReps int // 0 = unlimited; only meaningful when start != nil
	raw     string
}

var rTokenRe = regexp.MustCompile(`^R(\d*)$`)
var timeOfDayTokenRe = regexp.MustCompile(`^T(\d{2})(\d{2})?$`)

// ParseSequence parses a recurrence expression for the given point kind.
// contextStart and contextEnd are the workflow's own initial and final
// points (spec §3: "a context start point, and a context end point");
// contextEnd may be nil if the workflow has no final point. They anchor the
// bare (no-slash) recurrence forms below — "R1", "P1D", "T00" — the same
// way the dep_section context points anchor ISO8601Sequence in the original
// scheduler.
func ParseSequence(s string, kind Kind, contextStart, contextEnd Point) (*Sequence, error) {
	if !strings.Contains(s, "/") {
		return parseBareSequence(s, kind, contextStart, contextEnd)
	}

	parts := strings.Split(s, "/")
	seq := &Sequence{kind: kind, raw: s}

	switch len(parts) {
	case 3:
		m := rTokenRe.FindStringSubmatch(parts[0])
		if m == nil {
			return nil, &SequenceError{Msg: fmt.Sprintf("malformed repeat count in recurrence %q", s)}
		}
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, &SequenceError{Msg: fmt.Sprintf("malformed repeat count in recurrence %q: %v", s, err)}
			}
			seq.maxReps = n
		}

		if isIntervalToken(parts[1]) {
			period, err := parseIntervalForKind(parts[1], kind)
			if err != nil {
				return nil, err
			}
			end, err := parsePointForKind(parts[2], kind)
			if err != nil {
				return nil, err
			}
			seq.period, seq.end = period, end
		} else {
			start, err := parsePointForKind(parts[1], kind)
			if err != nil {
				return nil, err
			}
			period, err := parseIntervalForKind(parts[2], kind)
			if err != nil {
				return nil, err
			}
			seq.start, seq.period = start, period
		}

	case 2:
		period, err := parseIntervalForKind(parts[0], kind)
		if err != nil {
			return nil, err
		}
		end, err := parsePointForKind(parts[1], kind)
		if err != nil {
			return nil, err
		}
		seq.period, seq.end = period, end

	default:
		return nil, &SequenceError{Msg: fmt.Sprintf("malformed recurrence: %q", s)}
	}

	if seq.period.IsZero() {
		return nil, &SequenceError{Msg: fmt.Sprintf("recurrence period must be non-zero: %q", s)}
	}
	return seq, nil
}

// parseBareSequence handles a recurrence with no slashes at all: the
// graph-section-header shorthand ("R1", "P1D", "T00") that names a
// workflow's most common cycling forms. Each resolves against the
// workflow's own initial/final point exactly as the original scheduler's
// ISO8601Sequence resolves dep_section against context_start_point /
// context_end_point.
func parseBareSequence(s string, kind Kind, contextStart, contextEnd Point) (*Sequence, error) {
	if contextStart == nil {
		return nil, &SequenceError{Msg: fmt.Sprintf("bare recurrence %q needs a context start point", s)}
	}
	if contextEnd != nil && After(contextStart, contextEnd) {
		return nil, &SequenceError{Msg: fmt.Sprintf("context start point is after context end point for recurrence %q", s)}
	}

	seq := &Sequence{kind: kind, raw: s}

	if m := rTokenRe.FindStringSubmatch(s); m != nil {
		n := 1
		if m[1] != "" {
			var err error
			n, err = strconv.Atoi(m[1])
			if err != nil {
				return nil, &SequenceError{Msg: fmt.Sprintf("malformed repeat count in recurrence %q: %v", s, err)}
			}
		}
		if n != 1 {
			// "R1" alone is well-defined (a single occurrence at the context
			// start point, with a zero period); any other bare repeat count
			// needs an explicit period to say how far apart the repeats are.
			return nil, &SequenceError{Msg: fmt.Sprintf("bare recurrence %q needs an explicit period for repeat counts other than 1", s)}
		}
		seq.start = contextStart
		seq.maxReps = 1
		seq.period = zeroInterval(kind)
		return seq, nil
	}

	if isIntervalToken(s) {
		period, err := parseIntervalForKind(s, kind)
		if err != nil {
			return nil, err
		}
		if period.IsZero() {
			return nil, &SequenceError{Msg: fmt.Sprintf("recurrence period must be non-zero: %q", s)}
		}
		seq.start = contextStart
		seq.period = period
		return seq, nil
	}

	if kind == KindISO {
		if hour, minute, ok := parseTimeOfDayToken(s); ok {
			cs, okCast := contextStart.(ISOPoint)
			if !okCast {
				return nil, &SequenceError{Msg: fmt.Sprintf("time-of-day recurrence %q needs an ISO-8601 context start point", s)}
			}
			t := cs.Time()
			start := NewISOPoint(time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location()))
			dayInterval := MustParseISOInterval("P1D")
			if Before(start, cs) {
				start = start.Add(dayInterval).(ISOPoint)
			}
			seq.start = start
			seq.period = dayInterval
			return seq, nil
		}
	}

	return nil, &SequenceError{Msg: fmt.Sprintf("malformed recurrence: %q", s)}
}

// parseTimeOfDayToken recognises the truncated "Thhmm" graph-header form
// ("T06", "T1230"); it is only meaningful for ISO-8601 cycling.
func parseTimeOfDayToken(s string) (hour, minute int, ok bool) {
	m := timeOfDayTokenRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	return hour, minute, true
}

func zeroInterval(kind Kind) Interval {
	if kind == KindISO {
		return ISOInterval{Sign: 1}
	}
	return IntInterval(0)
}

func isIntervalToken(tok string) bool {
	return strings.HasPrefix(tok, "P") || strings.HasPrefix(tok, "-P")
}

func parsePointForKind(s string, kind Kind) (Point, error) {
	if kind == KindISO {
		return ParseISOPoint(s)
	}
	return ParseIntPoint(s)
}

func parseIntervalForKind(s string, kind Kind) (Interval, error) {
	if kind == KindISO {
		return ParseISOInterval(s)
	}
	return ParseIntInterval(strings.TrimPrefix(s, "P"))
}

func (sq *Sequence) Kind() Kind { return sq.kind }

// String renders the source recurrence expression as given.
func (sq *Sequence) String() string { return sq.raw }

// Equal compares sequences by normal form, not source spelling.
func (sq *Sequence) Equal(other *Sequence) bool {
	if sq == nil || other == nil {
		return sq == other
	}
	if sq.kind != other.kind || sq.maxReps != other.maxReps {
		return false
	}
	if !pointsEqual(sq.start, other.start) || !pointsEqual(sq.end, other.end) {
		return false
	}
	return CompareIntervals(sq.period, other.period) == 0
}

func pointsEqual(a, b Point) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Equal(a, b)
}

func (sq *Sequence) anchor() Point {
	if sq.start != nil {
		return sq.start
	}
	return sq.end
}

func (sq *Sequence) pointAt(k int) Point {
	return sq.anchor().Add(sq.period.Mul(k))
}

// flooredIndex returns the largest k such that pointAt(k) <= p < pointAt(k+1).
func (sq *Sequence) flooredIndex(p Point) int {
	a := sq.anchor()
	diff := a.Diff(p)
	period := sq.period.approxSeconds()
	if period == 0 {
		return 0
	}
	k := int(math.Floor(diff.approxSeconds() / period))
	for guard := 0; Before(p, sq.pointAt(k)) && guard < 10000; guard++ {
		k--
	}
	for guard := 0; !Before(p, sq.pointAt(k+1)) && guard < 10000; guard++ {
		k++
	}
	return k
}

func (sq *Sequence) inBounds(k int) bool {
	if sq.start != nil {
		if k < 0 {
			return false
		}
		if sq.maxReps > 0 && k >= sq.maxReps {
			return false
		}
	} else if k > 0 {
		return false
	}
	if sq.end != nil && After(sq.pointAt(k), sq.end) {
		return false
	}
	return true
}

// OnSequence reports whether p is exactly a member of this sequence.
func (sq *Sequence) OnSequence(p Point) bool {
	k := sq.flooredIndex(p)
	return Equal(sq.pointAt(k), p) && sq.inBounds(k)
}

// FirstOnOrAfter returns the earliest sequence point >= p, or nil if the
// sequence has no such point (exhausted by max-repeat count or end bound).
func (sq *Sequence) FirstOnOrAfter(p Point) Point {
	k := sq.flooredIndex(p)
	candidate := k
	if !Equal(sq.pointAt(k), p) {
		candidate = k + 1
	}
	return sq.firstInBoundsFrom(candidate)
}

// Next returns the sequence point strictly after p, or nil if none remains.
func (sq *Sequence) Next(p Point) Point {
	k := sq.flooredIndex(p)
	return sq.firstInBoundsFrom(k + 1)
}

// Prev returns the sequence point strictly before p, or nil if none exists.
func (sq *Sequence) Prev(p Point) Point {
	k := sq.flooredIndex(p)
	if Equal(sq.pointAt(k), p) {
		k--
	}
	return sq.lastInBoundsUpTo(k)
}

// First returns the earliest point of the sequence, or nil if the sequence
// is anchored only by its end (unbounded into the past).
func (sq *Sequence) First() Point {
	if sq.start == nil {
		return nil
	}
	return sq.firstInBoundsFrom(0)
}

func (sq *Sequence) firstInBoundsFrom(k int) Point {
	if sq.start != nil {
		for guard := 0; guard < 1000000; guard++ {
			if !sq.inBounds(k) {
				return nil
			}
			if sq.end == nil || !After(sq.pointAt(k), sq.end) {
				return sq.pointAt(k)
			}
			k++
		}
		return nil
	}
	// Anchored only by end: bounded above at k==0.
	if k > 0 {
		return nil
	}
	return sq.pointAt(k)
}

func (sq *Sequence) lastInBoundsUpTo(k int) Point {
	for guard := 0; guard < 1000000; guard++ {
		if sq.start != nil && k < 0 {
			return nil
		}
		if sq.inBounds(k) {
			return sq.pointAt(k)
		}
		k--
	}
	return nil
}

// Offset returns a new sequence shifted by iv, used for cycle-point offset
// graph syntax such as "A[-P1D] => B" (spec §4.1/§4.2).
func (sq *Sequence) Offset(iv Interval) *Sequence {
	out := &Sequence{kind: sq.kind, period: sq.period, maxReps: sq.maxReps, raw: sq.raw}
	if sq.start != nil {
		out.start = sq.start.Add(iv)
	}
	if sq.end != nil {
		out.end = sq.end.Add(iv)
	}
	return out
}
