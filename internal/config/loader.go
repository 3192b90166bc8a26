package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jakekausler/stagehand/internal/pipeline"
)

// Load reads and parses a pipeline configuration from the given YAML file
// path, then validates it.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := Validate(&f); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &f, nil
}

// LoadDefault searches for a pipeline config in standard locations and loads
// the first one found. Search order: ./pipeline.yaml, ~/.stagehand/config.yaml
func LoadDefault() (*File, error) {
	candidates := []string{"pipeline.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".stagehand", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no pipeline config found (searched: %v)", candidates)
}

// ToModel converts a loaded File into a pipeline.Model, the shape the core
// actually consumes.
func ToModel(f *File) (*pipeline.Model, error) {
	phases := make([]pipeline.Phase, len(f.Workflow.Phases))
	for i, pc := range f.Workflow.Phases {
		phases[i] = pipeline.Phase{
			Name:          pc.Name,
			Status:        pc.Status,
			Skill:         pc.Skill,
			Resolver:      pc.Resolver,
			TransitionsTo: pc.TransitionsTo,
		}
	}
	return pipeline.NewModel(f.Workflow.EntryPhase, phases)
}
