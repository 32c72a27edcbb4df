package taskstate

import "testing"

func TestMachineHappyPathToSucceeded(t *testing.T) {
	m := New(nil, nil)
	if m.State() != Waiting {
		t.Fatalf("expected initial state waiting, got %s", m.State())
	}
	if err := m.ReadyToQueue(); err != nil {
		t.Fatalf("ready-to-queue: %v", err)
	}
	if err := m.Admit(); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.ToSubmitted(); err != nil {
		t.Fatalf("submitted: %v", err)
	}
	if m.SubmitNum() != 1 {
		t.Fatalf("expected submit number 1, got %d", m.SubmitNum())
	}
	if err := m.ToRunning(); err != nil {
		t.Fatalf("running: %v", err)
	}
	if err := m.ToSucceeded(); err != nil {
		t.Fatalf("succeeded: %v", err)
	}
	if m.State() != Succeeded || !m.State().Terminal() {
		t.Fatalf("expected terminal succeeded state, got %s", m.State())
	}
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	m := New(nil, nil)
	if err := m.ToRunning(); err == nil {
		t.Fatalf("expected an error transitioning directly from waiting to running")
	}
}

func TestMachineToFailedRetriesWhenDelaysRemain(t *testing.T) {
	m := New([]float64{30, 60}, nil)
	m.ReadyToQueue()
	m.Admit()
	m.ToSubmitted()
	m.ToRunning()
	if err := m.ToFailed(); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if m.State() != Retrying {
		t.Fatalf("expected retrying with delays remaining, got %s", m.State())
	}
	if m.PendingRetryDelay != 30 {
		t.Fatalf("expected the first delay (30s) to be armed, got %v", m.PendingRetryDelay)
	}
	if err := m.RetryElapsed(); err != nil {
		t.Fatalf("retry-elapsed: %v", err)
	}
	if m.State() != Ready {
		t.Fatalf("expected ready after retry timer elapses, got %s", m.State())
	}
}

func TestMachineToFailedTerminalWhenDelaysExhausted(t *testing.T) {
	m := New(nil, nil)
	m.ReadyToQueue()
	m.Admit()
	m.ToSubmitted()
	m.ToRunning()
	if err := m.ToFailed(); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if m.State() != Failed || !m.State().Terminal() {
		t.Fatalf("expected terminal failed state with no retry delays, got %s", m.State())
	}
}

func TestMachineToRunningIgnoredAfterTerminal(t *testing.T) {
	m := New(nil, nil)
	m.ReadyToQueue()
	m.Admit()
	m.ToSubmitted()
	m.ToRunning()
	m.ToSucceeded()
	if err := m.ToRunning(); err != nil {
		t.Fatalf("expected a late 'started' message after succeeded to be silently ignored, got error: %v", err)
	}
	if m.State() != Succeeded {
		t.Fatalf("expected state to remain succeeded, got %s", m.State())
	}
}

func TestMachineHeldOverlayBlocksReadyToQueue(t *testing.T) {
	m := New(nil, nil)
	m.Hold()
	if m.EffectiveState() != Held {
		t.Fatalf("expected effective state held, got %s", m.EffectiveState())
	}
	if err := m.ReadyToQueue(); err == nil {
		t.Fatalf("expected ready-to-queue to be blocked while held")
	}
	m.Release()
	if err := m.ReadyToQueue(); err != nil {
		t.Fatalf("expected ready-to-queue to succeed once released: %v", err)
	}
}

func TestMachineRunaheadOverlayReflectsInEffectiveState(t *testing.T) {
	m := New(nil, nil)
	m.SetRunahead(true)
	if m.EffectiveState() != Runahead {
		t.Fatalf("expected effective state runahead, got %s", m.EffectiveState())
	}
	if m.State() != Waiting {
		t.Fatalf("expected underlying state to remain waiting, got %s", m.State())
	}
}

func TestMachineSubmitFailedRetriesThenTerminal(t *testing.T) {
	m := New(nil, []float64{5})
	m.ReadyToQueue()
	m.Admit()
	m.ToSubmitted()
	if err := m.ToSubmitFailed(); err != nil {
		t.Fatalf("submit-failed: %v", err)
	}
	if m.State() != SubmitRetrying {
		t.Fatalf("expected submit-retrying, got %s", m.State())
	}
	m.RetryElapsed()
	m.ToSubmitted()
	if err := m.ToSubmitFailed(); err != nil {
		t.Fatalf("submit-failed (2nd): %v", err)
	}
	if m.State() != SubmitFailed || !m.State().Terminal() {
		t.Fatalf("expected terminal submit-failed once delays are exhausted, got %s", m.State())
	}
}

func TestMachineResetClearsOverlaysAndState(t *testing.T) {
	m := New(nil, nil)
	m.Hold()
	m.ReadyToQueue()
	// unreachable while held; release first to drive to a non-waiting state
	m.Release()
	m.ReadyToQueue()
	m.Reset()
	if m.State() != Waiting || m.Held() || m.Runahead() {
		t.Fatalf("expected a clean waiting state after reset, got state=%s held=%v runahead=%v", m.State(), m.Held(), m.Runahead())
	}
}

func TestMachineForceStateBypassesGuards(t *testing.T) {
	m := New(nil, nil)
	m.ForceState(Running, 3)
	if m.State() != Running || m.SubmitNum() != 3 {
		t.Fatalf("expected forced state running with submit number 3, got %s/%d", m.State(), m.SubmitNum())
	}
}
