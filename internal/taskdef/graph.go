package taskdef

import (
	"fmt"
	"strings"

	"github.com/cylcgo/scheduler/internal/boolexpr"
	"github.com/cylcgo/scheduler/internal/cycletime"
	"github.com/cylcgo/scheduler/internal/prereq"
)

// Dependency is a parsed boolean expression over TaskTrigger atoms, plus a
// suicide flag, attached to one sequence and targeting one downstream task
// (spec §3, §4.4).
type Dependency struct {
	Target   string // downstream task name
	Sequence *cycletime.Sequence
	Expr     boolexpr.Expr
	Triggers map[string]*TaskTrigger // atom token (as it appears in Expr) -> trigger
	Suicide  bool
}

// Materialise builds the concrete Prerequisite for one downstream proxy at
// the given point, resolving every trigger atom to an absolute upstream
// point and applying the pre-initial simplification rule (spec §4.3): an
// offset atom that resolves before the workflow's initial point is dropped
// from evaluation by marking it permanently satisfied.
func (d *Dependency) Materialise(downstream, initial cycletime.Point) *prereq.Prerequisite {
	keys := make(map[string]prereq.AtomKey, len(d.Triggers))
	ordered := make([]prereq.AtomKey, 0, len(d.Triggers))
	preInitial := make(map[prereq.AtomKey]bool)
	for tok, trig := range d.Triggers {
		key := trig.AtomKey(downstream, initial)
		keys[tok] = key
		ordered = append(ordered, key)
		if !trig.IsXTrigger && !trig.InitialOnly {
			up := trig.GetPoint(downstream, initial)
			if cycletime.Before(up, initial) {
				preInitial[key] = true
			}
		}
	}
	p := prereq.New(ordered, remapAtoms(d.Expr, func(tok string) string { return keys[tok].String() }))
	for key := range preInitial {
		p.SatisfyOverride(key)
	}
	return p
}

// remapAtoms rewrites every Atom leaf's token through f, used to translate
// graph-parse-time tokens (trigger specs) into prerequisite atom keys.
func remapAtoms(e boolexpr.Expr, f func(string) string) boolexpr.Expr {
	switch v := e.(type) {
	case boolexpr.Atom:
		return boolexpr.Atom(f(string(v)))
	case boolexpr.Not:
		return boolexpr.Not{X: remapAtoms(v.X, f)}
	case boolexpr.And:
		return boolexpr.And{L: remapAtoms(v.L, f), R: remapAtoms(v.R, f)}
	case boolexpr.Or:
		return boolexpr.Or{L: remapAtoms(v.L, f), R: remapAtoms(v.R, f)}
	default:
		return e
	}
}

// ParseGraphLine parses one graph-section line (spec §4.2) attached to seq,
// for the given cycle-point kind. Lines may chain ("A => B => C") into
// multiple Dependency values, one per arrow.
func ParseGraphLine(line string, seq *cycletime.Sequence, kind cycletime.Kind) ([]*Dependency, error) {
	parts := strings.Split(line, "=>")
	if len(parts) < 2 {
		return nil, &ConfigError{Msg: fmt.Sprintf("graph line has no trigger arrow: %q", line)}
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var deps []*Dependency
	for i := 0; i+1 < len(parts); i++ {
		lhs := parts[i]
		rhsRaw := parts[i+1]

		suicide := false
		rhs := rhsRaw
		if strings.HasPrefix(rhs, "!") {
			suicide = true
			rhs = strings.TrimSpace(strings.TrimPrefix(rhs, "!"))
		}
		if rhs == "" {
			return nil, &ConfigError{Msg: fmt.Sprintf("graph line has empty target: %q", line)}
		}
		target, _, err := splitOutput(rhs)
		if err != nil {
			return nil, err
		}

		expr, err := boolexpr.Parse(lhs)
		if err != nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("graph line %q: %v", line, err)}
		}

		triggers := make(map[string]*TaskTrigger, len(expr.Atoms()))
		for _, tok := range expr.Atoms() {
			trig, err := parseTriggerAtom(tok, kind)
			if err != nil {
				return nil, &ConfigError{Msg: fmt.Sprintf("graph line %q: %v", line, err)}
			}
			triggers[tok] = trig
		}

		deps = append(deps, &Dependency{
			Target:   target,
			Sequence: seq,
			Expr:     expr,
			Triggers: triggers,
			Suicide:  suicide,
		})

		// Chained arrows: the next segment's upstream is this segment's
		// target, referencing its default "succeeded" output.
		if i+2 < len(parts) {
			parts[i+1] = target
		}
	}
	return deps, nil
}

func splitOutput(tok string) (name, output string, err error) {
	if idx := strings.IndexByte(tok, ':'); idx >= 0 {
		return tok[:idx], tok[idx+1:], nil
	}
	return tok, "succeeded", nil
}

// parseTriggerAtom parses one trigger-spec token as produced by the
// boolexpr tokenizer: "A", "A:out", "A[-P1D]", "A[-P1D]:out", "A[^]",
// or "@xtrig".
func parseTriggerAtom(tok string, kind cycletime.Kind) (*TaskTrigger, error) {
	if tok == "" {
		return nil, fmt.Errorf("empty trigger atom")
	}
	if strings.HasPrefix(tok, "@") {
		return &TaskTrigger{IsXTrigger: true, XTrigLabel: strings.TrimPrefix(tok, "@")}, nil
	}

	rest := tok
	output := "succeeded"
	if idx := strings.LastIndexByte(rest, ':'); idx >= 0 && !strings.Contains(rest[idx:], "]") {
		output = rest[idx+1:]
		rest = rest[:idx]
	}

	name := rest
	var offsetStr string
	hasOffset := false
	if start := strings.IndexByte(rest, '['); start >= 0 {
		end := strings.IndexByte(rest, ']')
		if end < start {
			return nil, fmt.Errorf("unbalanced brackets in trigger atom %q", tok)
		}
		name = rest[:start]
		offsetStr = rest[start+1 : end]
		hasOffset = true
	}
	if name == "" {
		return nil, fmt.Errorf("missing task name in trigger atom %q", tok)
	}

	t := &TaskTrigger{UpstreamName: name, Output: output}
	if hasOffset {
		if offsetStr == "^" {
			t.InitialOnly = true
		} else {
			iv, err := parseOffset(offsetStr, kind)
			if err != nil {
				return nil, fmt.Errorf("trigger atom %q: %w", tok, err)
			}
			t.Offset = iv
		}
	}
	return t, nil
}

func parseOffset(s string, kind cycletime.Kind) (cycletime.Interval, error) {
	if kind == cycletime.KindISO {
		return cycletime.ParseISOInterval(s)
	}
	return cycletime.ParseIntInterval(strings.TrimPrefix(s, "P"))
}
