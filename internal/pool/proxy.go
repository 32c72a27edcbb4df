// Package pool implements the task pool (spec §4.8): the set of active
// TaskProxys, spawning successors, the runahead window, cleanup cutoff,
// stall detection, and stop conditions.
package pool

import (
	"time"

	"github.com/cylcgo/scheduler/internal/cycletime"
	"github.com/cylcgo/scheduler/internal/prereq"
	"github.com/cylcgo/scheduler/internal/taskdef"
	"github.com/cylcgo/scheduler/internal/taskstate"
)

// standardOutputs are always present on every TaskOutputs (spec §3).
var standardOutputs = []string{"expired", "submitted", "submit-failed", "started", "succeeded", "failed"}

// TaskOutputs tracks completion of standard and user-declared outputs for
// one task instance (spec §3).
type TaskOutputs struct {
	completed map[string]bool
	messages  map[string]string // output name -> declared message, for set-by-message lookup
}

// NewTaskOutputs builds a TaskOutputs for a task with the given
// user-declared custom outputs (name -> message string).
func NewTaskOutputs(custom map[string]string) *TaskOutputs {
	o := &TaskOutputs{completed: make(map[string]bool), messages: make(map[string]string)}
	for _, name := range standardOutputs {
		o.messages[name] = name
	}
	for name, msg := range custom {
		o.messages[name] = msg
	}
	return o
}

// SetByTrigger marks an output complete by its declared name.
func (o *TaskOutputs) SetByTrigger(name string) { o.completed[name] = true }

// SetByMessage marks complete whichever output (if any) declares this
// exact message string, returning its name.
func (o *TaskOutputs) SetByMessage(message string) (name string, ok bool) {
	for n, msg := range o.messages {
		if msg == message {
			o.completed[n] = true
			return n, true
		}
	}
	return "", false
}

// Completed reports whether an output has fired.
func (o *TaskOutputs) Completed(name string) bool { return o.completed[name] }

// Reset clears every output (spec §9: reset-state clears outputs without
// retroactively un-satisfying downstream prerequisites).
func (o *TaskOutputs) Reset() {
	o.completed = make(map[string]bool)
}

// TaskProxy is one active task instance (spec §3).
type TaskProxy struct {
	Def   *taskdef.TaskDef
	Point cycletime.Point

	Machine *taskstate.Machine
	Prereqs []*prereq.Prerequisite
	Outputs *TaskOutputs

	XTriggerSatisfied  map[string]bool
	ClockTrigSatisfied bool

	Host      string
	JobRunner string
	JobID     string

	TimeSubmitted *time.Time
	TimeStarted   *time.Time
	TimeFinished  *time.Time

	// ElapsedRuns holds up to the 10 most recent completed run durations,
	// used for mean-runtime reporting (spec §3).
	ElapsedRuns []time.Duration
}

// ID returns the "name.point" identifier used as the pool's map key and in
// persisted records.
func (p *TaskProxy) ID() string { return p.Def.Name + "." + p.Point.String() }

// RecordElapsed appends a completed run's duration, capping the deque at 10
// entries (spec §3).
func (p *TaskProxy) RecordElapsed(d time.Duration) {
	p.ElapsedRuns = append(p.ElapsedRuns, d)
	if len(p.ElapsedRuns) > 10 {
		p.ElapsedRuns = p.ElapsedRuns[len(p.ElapsedRuns)-10:]
	}
}

// MeanElapsed returns the mean of the recorded recent run durations.
func (p *TaskProxy) MeanElapsed() time.Duration {
	if len(p.ElapsedRuns) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range p.ElapsedRuns {
		total += d
	}
	return total / time.Duration(len(p.ElapsedRuns))
}

// PrerequisitesSatisfied reports whether every attached Prerequisite
// evaluates satisfied.
func (p *TaskProxy) PrerequisitesSatisfied() bool {
	for _, pr := range p.Prereqs {
		if !pr.IsSatisfied() {
			return false
		}
	}
	return true
}

// XTriggersSatisfied reports whether every xtrigger label (including the
// clock trigger, if any) this proxy depends on is satisfied.
func (p *TaskProxy) XTriggersSatisfied() bool {
	if p.Def.ClockTriggerLabel != "" && !p.ClockTrigSatisfied {
		return false
	}
	for _, label := range p.Def.XTriggerLabels {
		if !p.XTriggerSatisfied[label] {
			return false
		}
	}
	return true
}
