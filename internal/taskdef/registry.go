package taskdef

import (
	"fmt"

	"github.com/cylcgo/scheduler/internal/cycletime"
)

// Registry is the static workflow model: every TaskDef, indexed by name,
// plus the family inheritance tree used to flatten runtime settings
// (spec §4.2).
type Registry struct {
	defs     map[string]*TaskDef
	parents  map[string][]string // namespace -> declared parents, nearest-first
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*TaskDef), parents: make(map[string][]string)}
}

// Add registers a new TaskDef. It is an error to register the same name
// twice.
func (r *Registry) Add(def *TaskDef) error {
	if _, exists := r.defs[def.Name]; exists {
		return &ConfigError{Msg: fmt.Sprintf("task %q defined more than once", def.Name)}
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Get looks up a TaskDef by name.
func (r *Registry) Get(name string) (*TaskDef, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// All returns every registered TaskDef in registration order.
func (r *Registry) All() []*TaskDef {
	out := make([]*TaskDef, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.defs[n])
	}
	return out
}

// DeclareInheritance records namespace's parents, nearest-first, as written
// in an `inherit = ParentA, ParentB` runtime setting.
func (r *Registry) DeclareInheritance(namespace string, parents []string) {
	r.parents[namespace] = parents
}

// FlattenFirstParents computes the first-parent chain for namespace
// (immediate parent first, "root" last), used by TaskDef.FirstParents for
// family-rollup priority in the state summary (spec §4.12).
func (r *Registry) FlattenFirstParents(namespace string) ([]string, error) {
	var chain []string
	seen := map[string]bool{namespace: true}
	cur := namespace
	for {
		parents := r.parents[cur]
		if len(parents) == 0 {
			if cur != "root" {
				chain = append(chain, "root")
			}
			return chain, nil
		}
		next := parents[0]
		if seen[next] {
			return nil, &ConfigError{Msg: fmt.Sprintf("inheritance cycle detected at %q", next)}
		}
		seen[next] = true
		chain = append(chain, next)
		cur = next
	}
}

// MaterialiseDependencies resolves, for one task at one cycle point, every
// Dependency attached to a sequence containing that point (spec §4.4: "for
// each (task-name, cycle-point) pair the graph yields a list of Dependency
// expressions").
func (r *Registry) MaterialiseDependencies(name string, point, initial cycletime.Point) ([]*Dependency, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, &ConfigError{Msg: fmt.Sprintf("unknown task %q", name)}
	}
	var out []*Dependency
	for _, d := range def.Deps {
		if d.Target != name {
			continue
		}
		if d.Sequence.OnSequence(point) {
			out = append(out, d)
		}
	}
	return out, nil
}
