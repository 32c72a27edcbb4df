// Package depgraph implements the dependency graph (spec §4.4): mapping a
// (task-name, cycle-point) pair to the Prerequisite list a TaskProxy is
// materialised with, and computing each task's cleanup-cutoff reach for
// the pool's housekeeping (spec §4.8).
package depgraph

import (
	"fmt"

	"github.com/cylcgo/scheduler/internal/cycletime"
	"github.com/cylcgo/scheduler/internal/prereq"
	"github.com/cylcgo/scheduler/internal/taskdef"
)

// Graph wraps a taskdef.Registry with the workflow's initial cycle point
// and a precomputed reverse-dependency index used for cleanup cutoffs.
type Graph struct {
	reg     *taskdef.Registry
	initial cycletime.Point

	// reverse[upstreamName] is every (downstream, offset) pair a downstream
	// trigger applies when referencing upstreamName, static across all cycle
	// points.
	reverse map[string][]reverseEdge
}

type reverseEdge struct {
	downstream string
	offset     cycletime.Interval // nil for same-cycle or absolute/xtrigger references
}

// New builds a Graph from a fully-populated registry.
func New(reg *taskdef.Registry, initial cycletime.Point) *Graph {
	g := &Graph{reg: reg, initial: initial, reverse: make(map[string][]reverseEdge)}
	for _, def := range reg.All() {
		for _, dep := range def.Deps {
			for _, trig := range dep.Triggers {
				if trig.IsXTrigger {
					continue
				}
				g.reverse[trig.UpstreamName] = append(g.reverse[trig.UpstreamName], reverseEdge{
					downstream: dep.Target,
					offset:     trig.Offset,
				})
			}
		}
	}
	return g
}

// Prerequisites materialises every Dependency expression attached to name
// at point into concrete Prerequisites (spec §4.4). A task with no
// dependencies attached at this point returns an empty (trivially
// satisfied) list.
func (g *Graph) Prerequisites(name string, point cycletime.Point) ([]*prereq.Prerequisite, error) {
	deps, err := g.reg.MaterialiseDependencies(name, point, g.initial)
	if err != nil {
		return nil, err
	}
	out := make([]*prereq.Prerequisite, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.Materialise(point, g.initial))
	}
	return out, nil
}

// SuicideDependencies returns the Dependency expressions attached to name
// at point that are marked as suicide triggers, separately from ordinary
// prerequisites (spec §4.4, §9's suicide-trigger open question).
func (g *Graph) SuicideDependencies(name string, point cycletime.Point) ([]*taskdef.Dependency, error) {
	deps, err := g.reg.MaterialiseDependencies(name, point, g.initial)
	if err != nil {
		return nil, err
	}
	var out []*taskdef.Dependency
	for _, d := range deps {
		if d.Suicide {
			out = append(out, d)
		}
	}
	return out, nil
}

// CleanupCutoff computes TaskDef.get_cleanup_cutoff_point for a terminal
// proxy of name at point (spec §4.8): the largest point+reach over every
// downstream dependent's reference to this task's outputs at point.
// unbounded is true when no finite cutoff can be established (retain
// forever) — in this implementation, when name has no reverse-dependency
// edges at all, meaning nothing in the graph can express when it becomes
// safe to forget this task's outputs.
func (g *Graph) CleanupCutoff(name string, point cycletime.Point) (cutoff cycletime.Point, unbounded bool, err error) {
	edges, ok := g.reverse[name]
	if !ok || len(edges) == 0 {
		return nil, true, nil
	}

	cutoff = point
	any := false
	for _, e := range edges {
		reach := forwardReach(e.offset)
		if reach == nil {
			continue
		}
		candidate := point.Add(reach)
		if !any || cycletime.After(candidate, cutoff) {
			cutoff = candidate
			any = true
		}
	}
	if !any {
		return point, false, nil
	}
	return cutoff, false, nil
}

// forwardReach returns how far forward of the upstream point a downstream
// instance may sit, given the trigger offset used to resolve upstream from
// downstream (upstream = downstream + offset). A negative offset (the
// common "[-P1D]" previous-cycle form) means the downstream instance sits
// |offset| ahead of the upstream point it depends on.
func forwardReach(offset cycletime.Interval) cycletime.Interval {
	if offset == nil || offset.IsZero() {
		return nil
	}
	neg := offset.Negate()
	return neg
}

// ValidateReferences checks that every trigger in the registry references a
// task name that exists, after resolving xtrigger/absolute forms (spec §3
// invariant: "Prerequisite atoms reference only upstream tasks that exist
// in the static model").
func (g *Graph) ValidateReferences() error {
	for _, def := range g.reg.All() {
		for _, dep := range def.Deps {
			for tok, trig := range dep.Triggers {
				if trig.IsXTrigger {
					continue
				}
				if _, ok := g.reg.Get(trig.UpstreamName); !ok {
					return fmt.Errorf("task %q references undefined upstream task %q (atom %q)", def.Name, trig.UpstreamName, tok)
				}
			}
		}
	}
	return nil
}
