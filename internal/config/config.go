// Package config represents the validated settings tree the (out-of-scope)
// file parser is expected to produce (spec §6): `[scheduling]`,
// `[runtime]`, and `[cylc]` sections, plus a thin YAML loader for local and
// development runs. The Jinja2/EmPy templating and full Cylc-file grammar
// stay out of scope, exactly as spec §1 states.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchedulingConfig is the `[scheduling]` section (spec §6): initial/final
// cycle point, cycling mode, runahead limit, the sequence->graph map, and
// xtrigger function definitions.
type SchedulingConfig struct {
	InitialPoint  string            `yaml:"initial_point"`
	FinalPoint    string            `yaml:"final_point"`
	CyclingMode   string            `yaml:"cycling_mode"` // "iso8601" or "integer"
	RunaheadLimit string            `yaml:"runahead_limit"`
	Graphs        map[string]string `yaml:"graphs"` // recurrence string -> multi-line graph text
	XTriggers     map[string]string `yaml:"xtriggers"`
}

// NamespaceConfig is one `[runtime]` namespace entry (spec §6): per-task
// environment, script, directives, retry delays, timeouts, and events.
type NamespaceConfig struct {
	Inherit             []string          `yaml:"inherit"`
	Environment         map[string]string `yaml:"environment"`
	Script              string            `yaml:"script"`
	Directives          map[string]string `yaml:"directives"`
	ExecutionRetryDelays []string         `yaml:"execution_retry_delays"`
	SubmitRetryDelays    []string         `yaml:"submit_retry_delays"`
	ExecutionTimeout    string            `yaml:"execution_timeout"`
	SubmissionTimeout   string            `yaml:"submission_timeout"`
	Events              []string          `yaml:"events"`
	JobRunner           string            `yaml:"job_runner"`
	Outputs             map[string]string `yaml:"outputs"`
	Parameters          map[string][]string `yaml:"parameters"`
	ClockTrigger        string            `yaml:"clock_trigger"`
	ClockTriggerOffset  string            `yaml:"clock_trigger_offset"`
}

// RuntimeConfig is the full `[runtime]` section: every namespace by name.
type RuntimeConfig map[string]NamespaceConfig

// CylcConfig is the `[cylc]` section (spec §6): events, mail, log policy,
// and the run mode.
type CylcConfig struct {
	RunMode      string `yaml:"run_mode"` // "live" or "simulation"
	StopAfterTask string `yaml:"stop_after_task"`
	Mail         string `yaml:"mail"`
	LogLevel     string `yaml:"log_level"`
}

// Document is the top-level parsed settings tree (spec §6).
type Document struct {
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Cylc       CylcConfig       `yaml:"cylc"`
}

// Load reads and parses a YAML settings document from path. This is the
// dev-mode loader only (spec §9's design note): production configs are
// expected to arrive already validated by the out-of-scope file parser.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &doc, nil
}

// SchedulerContext bundles a fully validated configuration for handoff into
// the engine (spec §9: "no global config singleton"; the context is
// constructed once and threaded explicitly).
type SchedulerContext struct {
	Scheduling SchedulingConfig
	Runtime    RuntimeConfig
	Cylc       CylcConfig
}
