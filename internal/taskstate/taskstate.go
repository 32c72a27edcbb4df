// Package taskstate implements the per-instance task lifecycle state
// machine (spec §4.5): waiting through submitted/running to a terminal
// state, with retries, holds, and idempotent message handling.
package taskstate

import "fmt"

// State is one of the fixed lifecycle states a TaskProxy can occupy.
type State string

const (
	Waiting        State = "waiting"
	Held           State = "held"
	Queued         State = "queued"
	Ready          State = "ready"
	Expired        State = "expired"
	Submitted      State = "submitted"
	SubmitFailed   State = "submit-failed"
	SubmitRetrying State = "submit-retrying"
	Running        State = "running"
	Succeeded      State = "succeeded"
	Failed         State = "failed"
	Retrying       State = "retrying"
	Runahead       State = "runahead"
)

// Terminal reports whether a proxy in this state will never transition
// again without external intervention (reset, restart).
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Expired || s == SubmitFailed
}

// StateTransitionError reports an illegal transition request (spec §7:
// "defensive only; logged, not fatal").
type StateTransitionError struct {
	From  State
	Event string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %q from state %q", e.Event, e.From)
}

// Machine is the state machine for one TaskProxy's current submission
// attempt. Held and runahead are tracked as overlay flags rather than
// destinations reachable from every other state, matching the spec note
// that "held tasks never leave waiting/queued upward": the underlying
// state keeps advancing machinery simple while EffectiveState reports the
// externally-visible held/runahead view.
type Machine struct {
	state    State
	held     bool
	runahead bool

	submitNum int

	execRetryDelays   []float64 // remaining delays in seconds, head consumed per failure
	submitRetryDelays []float64

	// PendingRetryDelay is the delay, in seconds, armed by the most recent
	// ToFailed/ToSubmitFailed call that resulted in a retry state. Nothing
	// in the pool or the engine schedules RetryElapsed after this delay; a
	// machine stays in its retry state until RetryElapsed is called.
	PendingRetryDelay float64
}

// New creates a Machine in the waiting state with the given ordered retry
// delay lists (spec §3: TaskProxy / §4.5: "ordered lists of execution-retry
// and submit-retry intervals").
func New(execRetryDelays, submitRetryDelays []float64) *Machine {
	return &Machine{
		state:             Waiting,
		execRetryDelays:   append([]float64{}, execRetryDelays...),
		submitRetryDelays: append([]float64{}, submitRetryDelays...),
	}
}

// State returns the underlying lifecycle state (without the held/runahead
// overlay).
func (m *Machine) State() State { return m.state }

// EffectiveState reports the externally-visible state, substituting Held
// or Runahead for waiting/queued when those overlay flags are set.
func (m *Machine) EffectiveState() State {
	switch {
	case m.held && (m.state == Waiting || m.state == Queued):
		return Held
	case m.runahead && m.state == Waiting:
		return Runahead
	default:
		return m.state
	}
}

func (m *Machine) Held() bool     { return m.held }
func (m *Machine) Runahead() bool { return m.runahead }
func (m *Machine) SubmitNum() int { return m.submitNum }

// Hold sets the held overlay flag. It never changes the underlying state,
// so release is simply clearing the flag again.
func (m *Machine) Hold() { m.held = true }

// Release clears the held overlay flag.
func (m *Machine) Release() { m.held = false }

// SetRunahead sets or clears the runahead overlay flag (spec §4.8: no
// non-runahead proxy may sit beyond the runahead window).
func (m *Machine) SetRunahead(v bool) { m.runahead = v }

// ReadyToQueue transitions waiting -> queued, gated by the caller having
// already confirmed prerequisites/xtriggers are satisfied and the proxy is
// neither held nor runahead-limited (spec §4.5).
func (m *Machine) ReadyToQueue() error {
	if m.held || m.runahead {
		return &StateTransitionError{From: m.EffectiveState(), Event: "ready-to-queue"}
	}
	if m.state == Queued {
		return nil // idempotent
	}
	if m.state != Waiting {
		return &StateTransitionError{From: m.state, Event: "ready-to-queue"}
	}
	m.state = Queued
	return nil
}

// Admit transitions queued -> ready (the queue admits the task).
func (m *Machine) Admit() error {
	if m.state == Ready {
		return nil
	}
	if m.state != Queued {
		return &StateTransitionError{From: m.state, Event: "admit"}
	}
	m.state = Ready
	return nil
}

// ToSubmitted transitions ready -> submitted, incrementing the submit
// number (spec §4.5: "Submit number increments on every new attempt").
func (m *Machine) ToSubmitted() error {
	if m.state == Submitted {
		return nil
	}
	if m.state != Ready {
		return &StateTransitionError{From: m.state, Event: "submitted"}
	}
	m.submitNum++
	m.state = Submitted
	return nil
}

// ToRunning transitions submitted -> running, idempotent, and ignored
// (not an error) if it would regress a later terminal/retry state (spec
// §4.5: "started after succeeded... ignored when they would regress").
func (m *Machine) ToRunning() error {
	if m.state == Running {
		return nil
	}
	if m.state.Terminal() || m.state == Retrying || m.state == SubmitRetrying {
		return nil
	}
	if m.state != Submitted {
		return &StateTransitionError{From: m.state, Event: "running"}
	}
	m.state = Running
	return nil
}

// ToSucceeded transitions running -> succeeded, idempotent.
func (m *Machine) ToSucceeded() error {
	if m.state == Succeeded {
		return nil
	}
	if m.state.Terminal() {
		return nil // regression guard
	}
	if m.state != Running {
		return &StateTransitionError{From: m.state, Event: "succeeded"}
	}
	m.state = Succeeded
	return nil
}

// ToFailed transitions running -> failed, or running -> retrying if
// execution-retry delays remain (spec §4.5).
func (m *Machine) ToFailed() error {
	if m.state == Failed || m.state == Retrying {
		return nil
	}
	if m.state.Terminal() {
		return nil
	}
	if m.state != Running {
		return &StateTransitionError{From: m.state, Event: "failed"}
	}
	if len(m.execRetryDelays) > 0 {
		m.PendingRetryDelay = m.execRetryDelays[0]
		m.execRetryDelays = m.execRetryDelays[1:]
		m.state = Retrying
		return nil
	}
	m.state = Failed
	return nil
}

// ToSubmitFailed transitions ready/submitted -> submit-failed, or
// -> submit-retrying if submit-retry delays remain (spec §7: JobSubmitError).
func (m *Machine) ToSubmitFailed() error {
	if m.state == SubmitFailed || m.state == SubmitRetrying {
		return nil
	}
	if m.state.Terminal() {
		return nil
	}
	if m.state != Ready && m.state != Submitted {
		return &StateTransitionError{From: m.state, Event: "submit-failed"}
	}
	if len(m.submitRetryDelays) > 0 {
		m.PendingRetryDelay = m.submitRetryDelays[0]
		m.submitRetryDelays = m.submitRetryDelays[1:]
		m.state = SubmitRetrying
		return nil
	}
	m.state = SubmitFailed
	return nil
}

// RetryElapsed fires when the armed retry timer expires, moving
// retrying/submit-retrying back to ready for resubmission.
func (m *Machine) RetryElapsed() error {
	switch m.state {
	case Retrying, SubmitRetrying:
		m.state = Ready
		return nil
	default:
		return &StateTransitionError{From: m.state, Event: "retry-elapsed"}
	}
}

// ToExpired transitions waiting/held -> expired (spec §4.5: expiration
// offset exceeded).
func (m *Machine) ToExpired() error {
	if m.state == Expired {
		return nil
	}
	if m.state != Waiting {
		return &StateTransitionError{From: m.state, Event: "expired"}
	}
	m.state = Expired
	return nil
}

// Reset re-arms the proxy for re-evaluation from waiting, without
// retroactively affecting downstream prerequisites that already observed
// this proxy's prior outputs (spec §9 open question). Retry-delay lists
// are left as-is; only the held/runahead overlay and underlying state are
// cleared.
func (m *Machine) Reset() {
	m.state = Waiting
	m.held = false
	m.runahead = false
	m.PendingRetryDelay = 0
}

// ForceState bypasses transition guards entirely, used only when
// reconstructing a proxy from a persisted record at restart (spec §4.11).
func (m *Machine) ForceState(s State, submitNum int) {
	m.state = s
	m.submitNum = submitNum
}
