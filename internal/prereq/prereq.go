// Package prereq implements the prerequisite/output model (spec §3, §4.3):
// per-instance satisfaction tracking over upstream-output atoms, evaluated
// through the safe boolean grammar in internal/boolexpr.
package prereq

import (
	"fmt"
	"strings"

	"github.com/cylcgo/scheduler/internal/boolexpr"
)

// AtomState is the satisfaction state of one prerequisite atom.
type AtomState int

const (
	Unsatisfied AtomState = iota
	SatisfiedNaturally
	SatisfiedOverride
)

func (s AtomState) Satisfied() bool { return s != Unsatisfied }

func (s AtomState) String() string {
	switch s {
	case SatisfiedNaturally:
		return "satisfied-naturally"
	case SatisfiedOverride:
		return "satisfied-override"
	default:
		return "unsatisfied"
	}
}

// AtomKey identifies one prerequisite atom: an upstream task at a resolved
// cycle point, and the output it must produce.
type AtomKey struct {
	UpstreamName  string
	UpstreamPoint string
	Output        string
}

func (k AtomKey) String() string {
	return fmt.Sprintf("%s.%s:%s", k.UpstreamName, k.UpstreamPoint, k.Output)
}

// Prerequisite is the concrete, per-instance condition a TaskProxy waits on
// (spec §3). With no expression, all atoms must be satisfied; otherwise the
// expression is evaluated over the atoms' truth values.
type Prerequisite struct {
	atoms   map[AtomKey]AtomState
	order   []AtomKey // insertion order, for stable iteration/printing
	expr    boolexpr.Expr
	cached  *bool
}

// New builds a Prerequisite over the given atom keys. If expr is nil, the
// implicit expression is the conjunction of all atoms.
func New(keys []AtomKey, expr boolexpr.Expr) *Prerequisite {
	p := &Prerequisite{atoms: make(map[AtomKey]AtomState, len(keys)), order: append([]AtomKey{}, keys...)}
	for _, k := range keys {
		p.atoms[k] = Unsatisfied
	}
	if expr == nil {
		expr = conjunctionOf(keys)
	}
	p.expr = expr
	return p
}

func conjunctionOf(keys []AtomKey) boolexpr.Expr {
	if len(keys) == 0 {
		return boolexpr.Atom("")
	}
	e := boolexpr.Expr(boolexpr.Atom(keys[0].String()))
	for _, k := range keys[1:] {
		e = boolexpr.And{L: e, R: boolexpr.Atom(k.String())}
	}
	return e
}

// Set records a state transition for one atom (spec invariant: an atom
// only transitions unsatisfied -> satisfied; only Reset walks it back).
// Setting an already-satisfied atom to Unsatisfied is a no-op.
func (p *Prerequisite) Set(key AtomKey, state AtomState) {
	cur, ok := p.atoms[key]
	if !ok {
		p.order = append(p.order, key)
	} else if cur.Satisfied() && !state.Satisfied() {
		return
	} else if cur == state {
		return
	}
	p.atoms[key] = state
	p.cached = nil
}

// SatisfyNaturally marks an atom satisfied by an observed upstream output.
func (p *Prerequisite) SatisfyNaturally(key AtomKey) { p.Set(key, SatisfiedNaturally) }

// SatisfyOverride marks an atom satisfied administratively (e.g. a manual
// `trigger` command, or pre-initial simplification, spec §4.3).
func (p *Prerequisite) SatisfyOverride(key AtomKey) { p.Set(key, SatisfiedOverride) }

// Reset clears every atom back to unsatisfied (spec §4.5: reset on retry
// clears prior satisfaction for the new attempt's prerequisites — this does
// not apply to normal operation, only explicit re-arming).
func (p *Prerequisite) Reset() {
	for k := range p.atoms {
		p.atoms[k] = Unsatisfied
	}
	p.cached = nil
}

// State returns the current state of one atom.
func (p *Prerequisite) State(key AtomKey) AtomState { return p.atoms[key] }

// Atoms returns the atom keys in insertion order.
func (p *Prerequisite) Atoms() []AtomKey { return append([]AtomKey{}, p.order...) }

// IsSatisfied evaluates the prerequisite's expression, caching the result
// until the next atom-state change invalidates it. A Prerequisite with no
// atoms at all is trivially satisfied (no prerequisites left after
// pre-initial simplification).
func (p *Prerequisite) IsSatisfied() bool {
	if len(p.atoms) == 0 {
		return true
	}
	if p.cached != nil {
		return *p.cached
	}
	result := p.expr.Eval(func(atom string) bool {
		for k, st := range p.atoms {
			if k.String() == atom {
				return st.Satisfied()
			}
		}
		return false
	})
	p.cached = &result
	return result
}

func (p *Prerequisite) String() string {
	var b strings.Builder
	for i, k := range p.order {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%s", k, p.atoms[k])
	}
	return b.String()
}
