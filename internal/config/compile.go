package config

import (
	"fmt"
	"strings"

	"github.com/cylcgo/scheduler/internal/cycletime"
	"github.com/cylcgo/scheduler/internal/depgraph"
	"github.com/cylcgo/scheduler/internal/taskdef"
)

// Compiled is the static model built from a Document: every task
// definition, the dependency graph, and the resolved cycle-point kind and
// bounds (spec §4.2, §4.4).
type Compiled struct {
	Kind    cycletime.Kind
	Initial cycletime.Point
	Final   cycletime.Point
	Reg     *taskdef.Registry
	Graph   *depgraph.Graph
}

// Compile turns a validated settings Document into the static workflow
// model: task definitions (declared namespaces plus any task named only in
// a graph line, exactly as Cylc treats undeclared graph participants),
// parsed sequences, and materialised Dependency expressions.
func Compile(doc *Document) (*Compiled, error) {
	kind := cycletime.KindISO
	if strings.EqualFold(doc.Scheduling.CyclingMode, "integer") {
		kind = cycletime.KindInteger
	}

	initial, err := parsePoint(doc.Scheduling.InitialPoint, kind)
	if err != nil {
		return nil, fmt.Errorf("initial point: %w", err)
	}
	var final cycletime.Point
	if doc.Scheduling.FinalPoint != "" {
		final, err = parsePoint(doc.Scheduling.FinalPoint, kind)
		if err != nil {
			return nil, fmt.Errorf("final point: %w", err)
		}
	}

	reg := taskdef.NewRegistry()
	defsByName := make(map[string]*taskdef.TaskDef)

	ensure := func(name string) *taskdef.TaskDef {
		if d, ok := defsByName[name]; ok {
			return d
		}
		d := &taskdef.TaskDef{Name: name, Outputs: make(map[string]string), Settings: make(map[string]any)}
		defsByName[name] = d
		return d
	}

	for name, ns := range doc.Runtime {
		d := ensure(name)
		d.Outputs = ns.Outputs
		if d.Outputs == nil {
			d.Outputs = make(map[string]string)
		}
		d.Settings = namespaceSettings(ns)
		if ns.ClockTrigger != "" {
			d.ClockTriggerLabel = ns.ClockTrigger
			if ns.ClockTriggerOffset != "" {
				iv, err := parseIntervalForKind(ns.ClockTriggerOffset, kind)
				if err != nil {
					return nil, fmt.Errorf("task %s: clock trigger offset: %w", name, err)
				}
				d.ClockTriggerOffset = iv
			}
		}
		for _, s := range ns.ExecutionRetryDelays {
			iv, err := parseIntervalForKind(s, kind)
			if err != nil {
				return nil, fmt.Errorf("task %s: execution retry delay: %w", name, err)
			}
			d.ExecutionRetryDelays = append(d.ExecutionRetryDelays, iv)
		}
		for _, s := range ns.SubmitRetryDelays {
			iv, err := parseIntervalForKind(s, kind)
			if err != nil {
				return nil, fmt.Errorf("task %s: submit retry delay: %w", name, err)
			}
			d.SubmitRetryDelays = append(d.SubmitRetryDelays, iv)
		}
		reg.DeclareInheritance(name, ns.Inherit)
	}

	for recurrence, graphText := range doc.Scheduling.Graphs {
		seq, err := cycletime.ParseSequence(recurrence, kind, initial, final)
		if err != nil {
			return nil, fmt.Errorf("recurrence %q: %w", recurrence, err)
		}
		for _, line := range strings.Split(graphText, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			deps, err := taskdef.ParseGraphLine(line, seq, kind)
			if err != nil {
				return nil, err
			}
			for _, dep := range deps {
				d := ensure(dep.Target)
				d.Deps = append(d.Deps, dep)
				if !containsSequence(d.Sequences, seq) {
					d.Sequences = append(d.Sequences, seq)
				}
				for _, trig := range dep.Triggers {
					if trig.IsXTrigger && !containsString(d.XTriggerLabels, trig.XTrigLabel) {
						d.XTriggerLabels = append(d.XTriggerLabels, trig.XTrigLabel)
					}
				}
				// every trigger's upstream also participates on this sequence
				for _, trig := range dep.Triggers {
					if trig.IsXTrigger {
						continue
					}
					up := ensure(trig.UpstreamName)
					if !containsSequence(up.Sequences, seq) {
						up.Sequences = append(up.Sequences, seq)
					}
				}
			}
		}
	}

	for name, d := range defsByName {
		chain, err := reg.FlattenFirstParents(name)
		if err != nil {
			return nil, err
		}
		d.FirstParents = chain
		if err := reg.Add(d); err != nil {
			return nil, err
		}
	}

	graph := depgraph.New(reg, initial)
	if err := graph.ValidateReferences(); err != nil {
		return nil, err
	}

	return &Compiled{Kind: kind, Initial: initial, Final: final, Reg: reg, Graph: graph}, nil
}

func namespaceSettings(ns NamespaceConfig) map[string]any {
	out := make(map[string]any, len(ns.Environment)+2)
	if len(ns.Environment) > 0 {
		env := make(map[string]any, len(ns.Environment))
		for k, v := range ns.Environment {
			env[k] = v
		}
		out["environment"] = env
	}
	if ns.Script != "" {
		out["script"] = ns.Script
	}
	if len(ns.Directives) > 0 {
		dirs := make(map[string]any, len(ns.Directives))
		for k, v := range ns.Directives {
			dirs[k] = v
		}
		out["directives"] = dirs
	}
	return out
}

func parsePoint(s string, kind cycletime.Kind) (cycletime.Point, error) {
	if kind == cycletime.KindInteger {
		return cycletime.ParseIntPoint(s)
	}
	return cycletime.ParseISOPoint(s)
}

func parseIntervalForKind(s string, kind cycletime.Kind) (cycletime.Interval, error) {
	if kind == cycletime.KindInteger {
		return cycletime.ParseIntInterval(s)
	}
	return cycletime.ParseISOInterval(s)
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsSequence(seqs []*cycletime.Sequence, s *cycletime.Sequence) bool {
	for _, v := range seqs {
		if v == s || v.Equal(s) {
			return true
		}
	}
	return false
}
