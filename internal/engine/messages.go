package engine

import (
	"github.com/cylcgo/scheduler/internal/cycletime"
	"github.com/cylcgo/scheduler/internal/depgraph"
	"github.com/cylcgo/scheduler/internal/taskdef"
)

// TaskMessage is an inbound status message from a running job (spec §6):
// "started", "succeeded", "failed", or a user-declared custom-output
// message, scoped to a specific (task, cycle-point, submit-num).
type TaskMessage struct {
	TaskName   string
	CyclePoint string
	SubmitNum  int
	Message    string
	Severity   string
}

// CommandKind names one of the client command surface's operations
// (spec §6).
type CommandKind string

const (
	CmdHold        CommandKind = "hold"
	CmdRelease     CommandKind = "release"
	CmdStopClean   CommandKind = "stop-clean"
	CmdStopNow     CommandKind = "stop-now"
	CmdTrigger     CommandKind = "trigger"
	CmdPoll        CommandKind = "poll"
	CmdKill        CommandKind = "kill"
	CmdRemove      CommandKind = "remove"
	CmdInsert      CommandKind = "insert"
	CmdResetState  CommandKind = "reset-state"
	CmdSetRunahead CommandKind = "set-runahead"
	CmdBroadcast   CommandKind = "broadcast"
	CmdReload      CommandKind = "reload"
	CmdCheckpoint  CommandKind = "checkpoint"
	CmdNudge       CommandKind = "nudge"
)

// Command is one inbound client command (spec §6).
type Command struct {
	Kind    CommandKind
	TaskIDs []string // "name.point" identifiers the command targets
	Reply   chan error

	// Payload carries the command-specific argument: *ReloadPayload for
	// CmdReload, *InsertPayload for CmdInsert, *BroadcastPayload for
	// CmdBroadcast, or cycletime.Interval for CmdSetRunahead. Unused by
	// every other command kind.
	Payload any
}

// ReloadPayload carries a freshly compiled workflow model into a reload
// command (spec §6, §7's ConfigError note: "on reload, the reload is
// rejected and the old configuration continues").
type ReloadPayload struct {
	Reg   *taskdef.Registry
	Graph *depgraph.Graph
	Final cycletime.Point
}

// InsertPayload names the task/cycle-point pair an insert command
// materialises outside the normal successor-spawning path (spec §6).
type InsertPayload struct {
	Name  string
	Point cycletime.Point
}

// BroadcastPayload carries a runtime settings override (spec §4.6, §6).
type BroadcastPayload struct {
	Namespace string
	Point     string // broadcast.AllCycles for a cycle-unbound override
	Settings  map[string]any
}

// messageKind tags the inbound queue entries so the main loop can dispatch
// each without type-switching on an any payload (spec §4.10 step 1: "a
// single queue" carrying several message shapes).
type messageKind int

const (
	kindTaskMessage messageKind = iota
	kindCommand
	kindCallback
	kindNudge
)

// inboundEnvelope is the queue's element type.
type inboundEnvelope struct {
	kind     messageKind
	taskMsg  TaskMessage
	command  Command
	callback func()
}

// EnqueueTaskMessage submits a job status message for processing on the
// next loop iteration. Safe to call from the NATS subscription callback
// goroutine (spec §4.10: "completed-subprocess callbacks... are enqueued
// and consumed on the main thread").
func (e *Engine) EnqueueTaskMessage(m TaskMessage) {
	e.inbox <- inboundEnvelope{kind: kindTaskMessage, taskMsg: m}
}

// EnqueueCommand submits a client command for processing on the next loop
// iteration.
func (e *Engine) EnqueueCommand(c Command) {
	e.inbox <- inboundEnvelope{kind: kindCommand, command: c}
}

// Nudge wakes the loop without carrying any payload, so the loop need not
// wait a full tick for work that doesn't need one of the richer envelope
// kinds; the engine's periodic checkpoint job calls it.
func (e *Engine) Nudge() {
	select {
	case e.inbox <- inboundEnvelope{kind: kindNudge}:
	default: // queue already has work pending; no need to pile up nudges
	}
}
