package jobrunner

import "testing"

func TestNewRegistryHasBuiltinBackends(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("background"); !ok {
		t.Fatalf("expected a registered background runner")
	}
	if _, ok := r.Get("simulation"); !ok {
		t.Fatalf("expected a registered simulation runner")
	}
	if _, ok := r.Get("slurm"); ok {
		t.Fatalf("expected no runner registered for an unknown tag")
	}
}

func TestRegistryRegisterOverridesTag(t *testing.T) {
	r := NewRegistry()
	r.Register("background", SimulationRunner{})
	jr, ok := r.Get("background")
	if !ok || jr.Name() != "simulation" {
		t.Fatalf("expected Register to override the existing background entry, got %+v", jr)
	}
}

func TestBackgroundRunnerSubmitCommand(t *testing.T) {
	b := BackgroundRunner{}
	argv, stdin := b.SubmitCommand("/path/to/job.sh", nil)
	if len(argv) == 0 {
		t.Fatalf("expected a non-empty submit command")
	}
	if stdin != "" {
		t.Fatalf("expected no stdin for the background runner, got %q", stdin)
	}
}

func TestBackgroundRunnerParseSubmitOutput(t *testing.T) {
	b := BackgroundRunner{}
	pid, err := b.ParseSubmitOutput("12345\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pid != "12345" {
		t.Fatalf("expected pid 12345, got %q", pid)
	}
}

func TestBackgroundRunnerParseSubmitOutputRejectsEmpty(t *testing.T) {
	b := BackgroundRunner{}
	if _, err := b.ParseSubmitOutput("   "); err == nil {
		t.Fatalf("expected an error for empty submit output")
	}
}

func TestBackgroundRunnerParseSubmitOutputRejectsNonNumeric(t *testing.T) {
	b := BackgroundRunner{}
	if _, err := b.ParseSubmitOutput("not-a-pid"); err == nil {
		t.Fatalf("expected an error for a non-numeric pid")
	}
}

func TestBackgroundRunnerKillAndPollCommandsReferenceJobID(t *testing.T) {
	b := BackgroundRunner{}
	kill := b.KillCommand("555")
	if len(kill) == 0 || kill[len(kill)-1] != "555" {
		t.Fatalf("expected the kill command to reference the job id, got %v", kill)
	}
	poll := b.PollCommand("555")
	found := false
	for _, a := range poll {
		if a == "555" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the poll command to reference the job id, got %v", poll)
	}
}

func TestSimulationRunnerParseSubmitOutputIsConstant(t *testing.T) {
	s := SimulationRunner{}
	jobID, err := s.ParseSubmitOutput("")
	if err != nil || jobID != "simulated" {
		t.Fatalf("expected jobID \"simulated\" with no error, got %q, %v", jobID, err)
	}
}

func TestSimulationRunnerCommandsAreNoops(t *testing.T) {
	s := SimulationRunner{}
	argv, stdin := s.SubmitCommand("unused.sh", nil)
	if len(argv) == 0 {
		t.Fatalf("expected a non-empty argv even for a no-op submit")
	}
	if stdin != "" {
		t.Fatalf("expected no stdin, got %q", stdin)
	}
}
