// Package jobrunner implements the closed set of job-submission back-ends
// (spec §9: "Dynamic dispatch of job-submission methods... becomes a
// closed set of back-end implementations satisfying a JobRunner capability
// set {format_directives, submit_command, kill_command, poll_command,
// parse_submit_output}, selected by tag from config").
package jobrunner

import (
	"fmt"
	"strconv"
	"strings"
)

// JobSubmitError reports a submission back-end refusing a job (spec §7).
type JobSubmitError struct {
	TaskID string
	Msg    string
}

func (e *JobSubmitError) Error() string {
	return fmt.Sprintf("job submit error for %s: %s", e.TaskID, e.Msg)
}

// JobRunner is the capability set every back-end satisfies.
type JobRunner interface {
	Name() string
	FormatDirectives(settings map[string]any) []string
	SubmitCommand(jobScriptPath string, directives []string) (argv []string, stdin string)
	KillCommand(jobID string) []string
	PollCommand(jobID string) []string
	ParseSubmitOutput(stdout string) (jobID string, err error)
}

// Registry is the closed set of available back-ends, selected by tag.
type Registry struct {
	runners map[string]JobRunner
}

// NewRegistry builds the registry with the two back-ends the core itself
// implements: "background" (out-of-scope submission back-ends like
// qsub/slurm/ssh are external collaborators per spec §1) and "simulation"
// (run mode used for dry-run/testing, spec §6's `[cylc]` run-mode setting).
func NewRegistry() *Registry {
	r := &Registry{runners: make(map[string]JobRunner)}
	r.runners["background"] = BackgroundRunner{}
	r.runners["simulation"] = SimulationRunner{}
	return r
}

func (r *Registry) Register(tag string, jr JobRunner) { r.runners[tag] = jr }

func (r *Registry) Get(tag string) (JobRunner, bool) {
	jr, ok := r.runners[tag]
	return jr, ok
}

// BackgroundRunner submits a job script as a detached local process,
// tracking it by PID. It has no directive concept.
type BackgroundRunner struct{}

func (BackgroundRunner) Name() string { return "background" }

func (BackgroundRunner) FormatDirectives(map[string]any) []string { return nil }

func (BackgroundRunner) SubmitCommand(jobScriptPath string, _ []string) ([]string, string) {
	return []string{"sh", "-c", fmt.Sprintf("nohup %s >/dev/null 2>&1 & echo $!", jobScriptPath)}, ""
}

func (BackgroundRunner) KillCommand(jobID string) []string {
	return []string{"kill", jobID}
}

func (BackgroundRunner) PollCommand(jobID string) []string {
	return []string{"ps", "-p", jobID, "-o", "state="}
}

func (BackgroundRunner) ParseSubmitOutput(stdout string) (string, error) {
	pid := strings.TrimSpace(stdout)
	if pid == "" {
		return "", fmt.Errorf("background runner: empty submit output")
	}
	if _, err := strconv.Atoi(pid); err != nil {
		return "", fmt.Errorf("background runner: malformed pid %q: %w", pid, err)
	}
	return pid, nil
}

// SimulationRunner never execs a real job script: its submit, kill and
// poll commands are all `true`, run through the subprocess pool like any
// other back-end's, and its submit output always parses to the job id
// "simulated". No job run time or failure is simulated. It satisfies
// JobRunner so the engine's dispatch path is uniform across run modes.
type SimulationRunner struct{}

func (SimulationRunner) Name() string { return "simulation" }

func (SimulationRunner) FormatDirectives(map[string]any) []string { return nil }

func (SimulationRunner) SubmitCommand(string, []string) ([]string, string) {
	return []string{"true"}, ""
}

func (SimulationRunner) KillCommand(string) []string { return []string{"true"} }

func (SimulationRunner) PollCommand(string) []string { return []string{"true"} }

func (SimulationRunner) ParseSubmitOutput(string) (string, error) {
	return "simulated", nil
}
