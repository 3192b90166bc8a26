package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
workflow:
  entry_phase: Design
  phases:
    - name: design
      status: Design
      skill: design-skill
      transitions_to: [Build]
    - name: build
      status: Build
      skill: build-skill
      transitions_to: [PR Created]
    - name: pr
      status: PR Created
      resolver: pr-status
      transitions_to: [Done]
  defaults:
    model: sonnet
`

func TestLoad_Valid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if f.Workflow.EntryPhase != "Design" {
		t.Errorf("EntryPhase = %q, want Design", f.Workflow.EntryPhase)
	}
	if len(f.Workflow.Phases) != 3 {
		t.Fatalf("got %d phases, want 3", len(f.Workflow.Phases))
	}
}

func TestLoad_BothSkillAndResolver(t *testing.T) {
	const bad = `
workflow:
  entry_phase: Design
  phases:
    - name: design
      status: Design
      skill: design-skill
      resolver: pr-status
`
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	os.WriteFile(path, []byte(bad), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for phase with both skill and resolver")
	}
}

func TestLoad_UndeclaredTransition(t *testing.T) {
	const bad = `
workflow:
  entry_phase: Design
  phases:
    - name: design
      status: Design
      skill: design-skill
      transitions_to: [Nonsense]
`
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	os.WriteFile(path, []byte(bad), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for undeclared transition target")
	}
}

func TestToModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	os.WriteFile(path, []byte(validYAML), 0o644)

	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	m, err := ToModel(f)
	if err != nil {
		t.Fatalf("ToModel returned error: %v", err)
	}
	if got := m.SkillFor("Design"); got != "design-skill" {
		t.Errorf("SkillFor(Design) = %q, want design-skill", got)
	}
	if got := m.ResolverFor("PR Created"); got != "pr-status" {
		t.Errorf("ResolverFor(PR Created) = %q, want pr-status", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/pipeline.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
