package pool

import (
	"fmt"

	"github.com/cylcgo/scheduler/internal/broadcast"
	"github.com/cylcgo/scheduler/internal/cycletime"
	"github.com/cylcgo/scheduler/internal/depgraph"
	"github.com/cylcgo/scheduler/internal/taskdef"
	"github.com/cylcgo/scheduler/internal/taskstate"
)

// StopReason names why the pool considers the run finished (spec §4.8).
type StopReason string

const (
	StopFinalPoint   StopReason = "final-cycle-point-reached"
	StopCommand      StopReason = "stop-command"
	StopAfterTask    StopReason = "stop-after-task-succeeded"
	StopAtClockTime  StopReason = "stop-at-clock-time"
	StopAutoShutdown StopReason = "pool-empty-auto-shutdown"
)

// StopConfig holds the configured stop conditions (spec §4.8).
type StopConfig struct {
	FinalPoint      cycletime.Point
	StopCommand     bool
	StopAfterTaskID string
	StopAtClock     func() bool // evaluated each tick; true once the clock time is reached
	AutoShutdown    bool
}

// Pool is the set of active TaskProxys (spec §4.8).
type Pool struct {
	graph     *depgraph.Graph
	registry  *taskdef.Registry
	broadcast *broadcast.Store

	initial cycletime.Point
	final   cycletime.Point

	runaheadLimit cycletime.Interval

	proxies   map[string]*TaskProxy
	minActive cycletime.Point

	stop StopConfig
}

// New builds an empty Pool.
func New(reg *taskdef.Registry, g *depgraph.Graph, bstore *broadcast.Store, initial, final cycletime.Point, runaheadLimit cycletime.Interval, stop StopConfig) *Pool {
	return &Pool{
		graph:         g,
		registry:      reg,
		broadcast:     bstore,
		initial:       initial,
		final:         final,
		runaheadLimit: runaheadLimit,
		proxies:       make(map[string]*TaskProxy),
		minActive:     initial,
		stop:          stop,
	}
}

// Get looks up a proxy by "name.point" id.
func (p *Pool) Get(id string) (*TaskProxy, bool) {
	tp, ok := p.proxies[id]
	return tp, ok
}

// All returns every active proxy, in no particular order.
func (p *Pool) All() []*TaskProxy {
	out := make([]*TaskProxy, 0, len(p.proxies))
	for _, tp := range p.proxies {
		out = append(out, tp)
	}
	return out
}

// Materialise creates a proxy for (name, point) if one does not already
// exist, enforcing the "no orphan proxies" invariant (spec §3, §8): point
// must lie on at least one of the task's sequences.
func (p *Pool) Materialise(name string, point cycletime.Point) (*TaskProxy, error) {
	def, ok := p.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("pool: unknown task %q", name)
	}
	id := name + "." + point.String()
	if existing, ok := p.proxies[id]; ok {
		return existing, nil
	}

	onAnySequence := false
	for _, seq := range def.Sequences {
		if seq.OnSequence(point) {
			onAnySequence = true
			break
		}
	}
	if !onAnySequence {
		return nil, fmt.Errorf("pool: %s does not lie on any sequence of task %q", point, name)
	}

	prereqs, err := p.graph.Prerequisites(name, point)
	if err != nil {
		return nil, err
	}

	execDelays := toSeconds(def.ExecutionRetryDelays)
	submitDelays := toSeconds(def.SubmitRetryDelays)

	tp := &TaskProxy{
		Def:               def,
		Point:             point,
		Machine:           taskstate.New(execDelays, submitDelays),
		Prereqs:           prereqs,
		Outputs:           NewTaskOutputs(def.Outputs),
		XTriggerSatisfied: make(map[string]bool, len(def.XTriggerLabels)),
	}
	p.proxies[id] = tp
	p.recomputeRunaheadFlag(tp)
	return tp, nil
}

func toSeconds(ivs []cycletime.Interval) []float64 {
	out := make([]float64, len(ivs))
	for i, iv := range ivs {
		out[i] = cycletime.Seconds(iv)
	}
	return out
}

// Remove deletes a proxy outright (explicit client command, or housekeeping
// past cleanup cutoff).
func (p *Pool) Remove(id string) {
	delete(p.proxies, id)
}

// SpawnSuccessors materialises, for each of tp's sequences, the next point
// after tp's own, provided that point lies within the runahead window
// (spec §4.8). Returns the newly created proxies (existing ones are
// skipped, not returned).
func (p *Pool) SpawnSuccessors(tp *TaskProxy) ([]*TaskProxy, error) {
	window := p.RunaheadWindowEnd()
	var created []*TaskProxy
	for _, seq := range tp.Def.Sequences {
		next := seq.Next(tp.Point)
		if next == nil {
			continue
		}
		if window != nil && cycletime.After(next, window) {
			continue
		}
		id := tp.Def.Name + "." + next.String()
		if _, exists := p.proxies[id]; exists {
			continue
		}
		child, err := p.Materialise(tp.Def.Name, next)
		if err != nil {
			return created, err
		}
		created = append(created, child)
	}
	return created, nil
}

// RunaheadWindowEnd returns minActive + runaheadLimit, the furthest point a
// non-runahead proxy may occupy (spec §4.8).
func (p *Pool) RunaheadWindowEnd() cycletime.Point {
	if p.minActive == nil || p.runaheadLimit == nil {
		return nil
	}
	return p.minActive.Add(p.runaheadLimit)
}

// RecomputeMinActive scans every non-terminal proxy and advances minActive
// to the smallest such point, never decreasing it (spec §8: "monotone min
// point... modulo reload").
func (p *Pool) RecomputeMinActive() {
	var min cycletime.Point
	for _, tp := range p.proxies {
		if tp.Machine.State().Terminal() {
			continue
		}
		if min == nil || cycletime.Before(tp.Point, min) {
			min = tp.Point
		}
	}
	if min == nil {
		return
	}
	if p.minActive == nil || cycletime.After(min, p.minActive) {
		p.minActive = min
	}
}

// ReloadMinActive force-sets minActive, the one sanctioned exception to
// monotonicity (spec §8: "except across a reload that changes the initial
// point").
func (p *Pool) ReloadMinActive(point cycletime.Point) { p.minActive = point }

// Reload swaps in a newly compiled registry, graph, and final point,
// leaving already-materialised proxies and the pool's minimum active point
// untouched (spec §6's `reload` command, §8's reload exception to minimum
// point monotonicity). Already-spawned proxies keep referencing their
// original TaskDef until they terminate; only future Materialise/
// SpawnSuccessors calls see the new definitions.
func (p *Pool) Reload(reg *taskdef.Registry, g *depgraph.Graph, final cycletime.Point) {
	p.registry = reg
	p.graph = g
	p.final = final
	p.stop.FinalPoint = final
}

// UpdateRunaheadFlags marks every waiting proxy beyond the runahead window
// as runahead, and clears the flag for those back within it.
func (p *Pool) UpdateRunaheadFlags() {
	for _, tp := range p.proxies {
		p.recomputeRunaheadFlag(tp)
	}
}

func (p *Pool) recomputeRunaheadFlag(tp *TaskProxy) {
	window := p.RunaheadWindowEnd()
	if window == nil {
		tp.Machine.SetRunahead(false)
		return
	}
	tp.Machine.SetRunahead(cycletime.After(tp.Point, window))
}

// Cleanup removes every terminal proxy whose cleanup cutoff has been
// passed by the pool's minimum active point (spec §4.8), returning the
// removed ids.
func (p *Pool) Cleanup() ([]string, error) {
	var removed []string
	for id, tp := range p.proxies {
		if !tp.Machine.State().Terminal() {
			continue
		}
		cutoff, unbounded, err := p.graph.CleanupCutoff(tp.Def.Name, tp.Point)
		if err != nil {
			return removed, err
		}
		if unbounded {
			continue
		}
		if p.minActive != nil && cycletime.After(p.minActive, cutoff) {
			delete(p.proxies, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// IsStalled implements the spec §4.8 stall predicate: every non-terminal
// proxy is waiting/held, each such proxy has some unsatisfied
// prerequisite, there is no active xtrigger call, and no running,
// submitted, ready, or queued proxy exists whose success could still
// satisfy something.
func (p *Pool) IsStalled(anyXTriggerPending bool) bool {
	if anyXTriggerPending {
		return false
	}
	for _, tp := range p.proxies {
		st := tp.Machine.State()
		switch st {
		case taskstate.Running, taskstate.Submitted, taskstate.Ready, taskstate.Queued:
			return false // progress is still possible
		case taskstate.Succeeded, taskstate.Failed, taskstate.Expired, taskstate.SubmitFailed:
			continue // terminal, irrelevant to stall
		case taskstate.Waiting, taskstate.Held, taskstate.Retrying, taskstate.SubmitRetrying:
			if tp.PrerequisitesSatisfied() && tp.XTriggersSatisfied() {
				return false // this one should be progressing; not actually stuck
			}
		}
	}
	return len(p.proxies) > 0
}

// CheckStopConditions evaluates the configured stop conditions (spec
// §4.8), returning the first one that currently holds.
func (p *Pool) CheckStopConditions() (StopReason, bool) {
	if p.stop.StopCommand {
		return StopCommand, true
	}
	if p.stop.StopAfterTaskID != "" {
		if tp, ok := p.proxies[p.stop.StopAfterTaskID]; ok && tp.Machine.State() == taskstate.Succeeded {
			return StopAfterTask, true
		}
	}
	if p.stop.StopAtClock != nil && p.stop.StopAtClock() {
		return StopAtClockTime, true
	}
	if p.stop.FinalPoint != nil && p.minActive != nil && !cycletime.Before(p.minActive, p.stop.FinalPoint) {
		allTerminalAtOrBeforeFinal := true
		for _, tp := range p.proxies {
			if !tp.Machine.State().Terminal() {
				allTerminalAtOrBeforeFinal = false
				break
			}
		}
		if allTerminalAtOrBeforeFinal {
			return StopFinalPoint, true
		}
	}
	if p.stop.AutoShutdown && len(p.proxies) == 0 {
		return StopAutoShutdown, true
	}
	return "", false
}
