// Package taskdef implements the static workflow model (spec §4.2): task
// definitions, parameter expansion, and graph parsing into Dependency
// expressions over TaskTrigger atoms.
package taskdef

import (
	"github.com/cylcgo/scheduler/internal/cycletime"
	"github.com/cylcgo/scheduler/internal/prereq"
)

// TaskDef is the static per-task definition (spec §3).
type TaskDef struct {
	Name string

	Sequences []*cycletime.Sequence
	Deps      []*Dependency // all dependency expressions attached to this task, across graph sections

	Outputs map[string]string // output name -> message string

	XTriggerLabels     []string
	ClockTriggerLabel  string
	ClockTriggerOffset cycletime.Interval

	FirstParents []string // immediate parent first, root last

	Settings map[string]any

	ExecutionRetryDelays []cycletime.Interval
	SubmitRetryDelays    []cycletime.Interval

	// MaxFutureOffset is the largest positive inter-cycle offset of any of
	// this task's own prerequisites (spec §3). Config compilation does not
	// set it and the pool does not read it; spawning is bounded by the
	// runahead window alone.
	MaxFutureOffset cycletime.Interval
}

// TaskTrigger is an upstream dependency atom (spec §3).
type TaskTrigger struct {
	UpstreamName string
	AbsPoint     cycletime.Point    // non-nil for an absolute reference
	Offset       cycletime.Interval // non-nil for an inter-cycle offset
	InitialOnly  bool               // true for the A[^] "at initial point" form
	Output       string             // defaults to "succeeded"

	IsXTrigger bool   // true for an @xtrig atom; UpstreamName unused
	XTrigLabel string
}

// GetPoint resolves the upstream cycle point this trigger targets, given
// the downstream proxy's point and the workflow's initial point.
func (t *TaskTrigger) GetPoint(downstream, initial cycletime.Point) cycletime.Point {
	switch {
	case t.AbsPoint != nil:
		return t.AbsPoint
	case t.InitialOnly:
		return initial
	case t.Offset != nil:
		return downstream.Add(t.Offset)
	default:
		return downstream
	}
}

// AtomKey builds the prerequisite atom key this trigger resolves to for a
// given downstream point.
func (t *TaskTrigger) AtomKey(downstream, initial cycletime.Point) prereq.AtomKey {
	if t.IsXTrigger {
		return prereq.AtomKey{UpstreamName: "@" + t.XTrigLabel, UpstreamPoint: downstream.String(), Output: "satisfied"}
	}
	up := t.GetPoint(downstream, initial)
	return prereq.AtomKey{UpstreamName: t.UpstreamName, UpstreamPoint: up.String(), Output: t.Output}
}
