// Package summary implements the state-summary snapshot (spec §4.12): a
// plain, publishable view of the task pool for read-only clients, with
// deterministic family-state rollup.
package summary

import "time"

// TaskSummary is one task instance's published view.
type TaskSummary struct {
	Name        string     `json:"name"`
	CyclePoint  string     `json:"cycle_point"`
	State       string     `json:"state"`
	SubmitNum   int        `json:"submit_num"`
	Host        string     `json:"host,omitempty"`
	JobID       string     `json:"job_id,omitempty"`
	Submitted   *time.Time `json:"time_submitted,omitempty"`
	Started     *time.Time `json:"time_started,omitempty"`
	Finished    *time.Time `json:"time_finished,omitempty"`
	MeanElapsed float64    `json:"mean_elapsed_seconds,omitempty"`
}

// FamilySummary is one family's rolled-up state at one cycle point.
type FamilySummary struct {
	Name       string `json:"name"`
	CyclePoint string `json:"cycle_point"`
	State      string `json:"state"`
}

// Snapshot is the full publishable view (spec §4.12).
type Snapshot struct {
	Mode            string         `json:"mode"` // live | simulation
	MinPoint        string         `json:"min_point"`
	MaxPoint        string         `json:"max_point"`
	RunaheadPoint   string         `json:"runahead_point"`
	StatesHistogram map[string]int `json:"states_histogram"`
	Status          string         `json:"status"` // spec §4.12 status strings below
	Tasks           []TaskSummary  `json:"tasks"`
	Families        []FamilySummary `json:"families"`
}

// Status strings published on Snapshot.Status.
const (
	StatusRunning        = "running"
	StatusHeld           = "held"
	StatusStopping       = "stopping"
	StatusRunningToStop  = "running-to-stop"
	StatusRunningToHold  = "running-to-hold"
	StatusStalled        = "stalled"
)

// rollupPriority orders states from "most dominant" to "least dominant"
// for family rollup (spec §4.12: "failed > submit-failed > running >
// submitted > ... > succeeded > runahead"). Gaps in the spec's ellipsis
// are filled with the natural progression toward completion, placing
// expired alongside failed (both are unrecoverable-without-intervention
// outcomes) and runahead as most dormant.
var rollupPriority = []string{
	"failed",
	"submit-failed",
	"expired",
	"running",
	"submitted",
	"submit-retrying",
	"retrying",
	"ready",
	"queued",
	"held",
	"waiting",
	"succeeded",
	"runahead",
}

var priorityIndex = func() map[string]int {
	m := make(map[string]int, len(rollupPriority))
	for i, s := range rollupPriority {
		m[s] = i
	}
	return m
}()

// RollupState computes one family's state from its children's states,
// returning the highest-priority state present.
func RollupState(childStates []string) string {
	if len(childStates) == 0 {
		return ""
	}
	best := childStates[0]
	bestRank, ok := priorityIndex[best]
	if !ok {
		bestRank = len(rollupPriority)
	}
	for _, s := range childStates[1:] {
		rank, ok := priorityIndex[s]
		if !ok {
			rank = len(rollupPriority)
		}
		if rank < bestRank {
			best = s
			bestRank = rank
		}
	}
	return best
}

// Histogram counts task states across a snapshot's tasks.
func Histogram(states []string) map[string]int {
	h := make(map[string]int)
	for _, s := range states {
		h[s]++
	}
	return h
}
