// Package config loads the YAML pipeline configuration described in spec §6:
// workflow.entry_phase, workflow.phases[], optional workflow.defaults and a
// top-level jira section the core never reads.
package config

// File is the top-level structure parsed from pipeline YAML.
type File struct {
	Workflow Workflow          `yaml:"workflow"`
	Jira     map[string]string `yaml:"jira,omitempty"`
}

// Workflow is the pipeline definition: entry phase, phases, and defaults.
type Workflow struct {
	EntryPhase string            `yaml:"entry_phase"`
	Phases     []PhaseConfig     `yaml:"phases"`
	Defaults   map[string]string `yaml:"defaults,omitempty"`
}

// PhaseConfig is one YAML phase entry. Exactly one of Skill or Resolver must
// be set; Load validates this before returning.
type PhaseConfig struct {
	Name          string   `yaml:"name"`
	Status        string   `yaml:"status"`
	Skill         string   `yaml:"skill,omitempty"`
	Resolver      string   `yaml:"resolver,omitempty"`
	TransitionsTo []string `yaml:"transitions_to,omitempty"`
}
