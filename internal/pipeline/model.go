package pipeline

import "fmt"

// Phase is one entry in a pipeline configuration: a status and exactly one
// of the two advancement mechanisms that move a stage out of it.
type Phase struct {
	Name          string
	Status        string
	Skill         string
	Resolver      string
	TransitionsTo []string
}

// IsSkill reports whether this phase advances via a worker subprocess.
func (p Phase) IsSkill() bool { return p.Skill != "" }

// IsResolver reports whether this phase advances via a pure function of
// external state.
func (p Phase) IsResolver() bool { return p.Resolver != "" }

// Model is the pipeline model (C1): ordered phases plus the derived set of
// legal statuses.
type Model struct {
	EntryPhase string
	Phases     []Phase

	byStatus map[string]Phase
}

// NewModel validates and builds a Model from phases. Every phase must carry
// exactly one of skill or resolver.
func NewModel(entryPhase string, phases []Phase) (*Model, error) {
	byStatus := make(map[string]Phase, len(phases))
	for _, p := range phases {
		if p.IsSkill() == p.IsResolver() {
			return nil, fmt.Errorf("phase %q: must declare exactly one of skill or resolver", p.Name)
		}
		if _, dup := byStatus[p.Status]; dup {
			return nil, fmt.Errorf("phase %q: duplicate status %q", p.Name, p.Status)
		}
		byStatus[p.Status] = p
	}
	return &Model{EntryPhase: entryPhase, Phases: phases, byStatus: byStatus}, nil
}

// Statuses returns the full set of legal statuses: reserved ones plus every
// status declared by a phase.
func (m *Model) Statuses() []string {
	seen := map[string]bool{
		StatusNotStarted: true,
		StatusComplete:   true,
		StatusSkipped:    true,
		StatusInProgress: true,
	}
	out := []string{StatusNotStarted, StatusComplete, StatusSkipped, StatusInProgress}
	for _, p := range m.Phases {
		if !seen[p.Status] {
			seen[p.Status] = true
			out = append(out, p.Status)
		}
	}
	return out
}

// SkillFor returns the skill name bound to status, or "" if status is a
// resolver phase or terminal.
func (m *Model) SkillFor(status string) string {
	if p, ok := m.byStatus[status]; ok && p.IsSkill() {
		return p.Skill
	}
	return ""
}

// ResolverFor returns the resolver name bound to status, or "" symmetrically
// with SkillFor.
func (m *Model) ResolverFor(status string) string {
	if p, ok := m.byStatus[status]; ok && p.IsResolver() {
		return p.Resolver
	}
	return ""
}

// IsTerminal reports whether status is one of the reserved terminal states.
func IsTerminal(status string) bool {
	switch status {
	case StatusComplete, StatusDone, StatusSkipped:
		return true
	default:
		return false
	}
}

// TransitionsFrom returns the legal successor statuses declared for status.
func (m *Model) TransitionsFrom(status string) []string {
	if p, ok := m.byStatus[status]; ok {
		return p.TransitionsTo
	}
	return nil
}

// ValidateTransition checks that `to` is reachable from the phase that
// produced `from` (per §4.1's invariant), unless `to` is terminal.
func (m *Model) ValidateTransition(from, to string) error {
	if IsTerminal(to) {
		return nil
	}
	for _, allowed := range m.TransitionsFrom(from) {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("status %q does not appear in transitions_to of phase for %q", to, from)
}

// DerivedStatus implements the §4.7 rule shared by ticket and epic status
// derivation: given the map of child statuses, compute the parent's status.
func DerivedStatus(childStatuses map[string]string) string {
	if len(childStatuses) == 0 {
		return ""
	}
	allComplete := true
	allNotStarted := true
	for _, s := range childStatuses {
		if s != StatusComplete {
			allComplete = false
		}
		if s != StatusNotStarted {
			allNotStarted = false
		}
	}
	switch {
	case allComplete:
		return StatusComplete
	case allNotStarted:
		return StatusNotStarted
	default:
		return StatusInProgress
	}
}
