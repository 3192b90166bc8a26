package config

import (
	"fmt"

	"github.com/jakekausler/stagehand/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type validationErrors []ValidationError

func (v validationErrors) Error() string {
	if len(v) == 0 {
		return "no validation errors"
	}
	msg := v[0].Error()
	if len(v) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(v)-1)
	}
	return msg
}

// Validate checks a File for structural and semantic errors: every phase
// must declare exactly one of skill/resolver (§4.1), transitions_to must
// reference a declared status or a terminal one, and entry_phase must name
// the status of a declared phase.
func Validate(f *File) error {
	var errs validationErrors

	if len(f.Workflow.Phases) == 0 {
		errs = append(errs, ValidationError{Field: "workflow.phases", Message: "at least one phase is required"})
	}

	statuses := make(map[string]bool, len(f.Workflow.Phases))
	names := make(map[string]bool, len(f.Workflow.Phases))
	for i, p := range f.Workflow.Phases {
		prefix := fmt.Sprintf("workflow.phases[%d]", i)
		if p.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "is required"})
		} else if names[p.Name] {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: fmt.Sprintf("duplicate phase name %q", p.Name)})
		}
		names[p.Name] = true

		if p.Status == "" {
			errs = append(errs, ValidationError{Field: prefix + ".status", Message: "is required"})
		} else if statuses[p.Status] {
			errs = append(errs, ValidationError{Field: prefix + ".status", Message: fmt.Sprintf("duplicate status %q", p.Status)})
		}
		statuses[p.Status] = true

		if (p.Skill == "") == (p.Resolver == "") {
			errs = append(errs, ValidationError{Field: prefix, Message: "must declare exactly one of skill or resolver"})
		}
	}

	for i, p := range f.Workflow.Phases {
		prefix := fmt.Sprintf("workflow.phases[%d].transitions_to", i)
		for _, to := range p.TransitionsTo {
			if pipeline.IsTerminal(to) || statuses[to] {
				continue
			}
			errs = append(errs, ValidationError{Field: prefix, Message: fmt.Sprintf("references undeclared status %q", to)})
		}
	}

	if f.Workflow.EntryPhase != "" && !statuses[f.Workflow.EntryPhase] {
		errs = append(errs, ValidationError{Field: "workflow.entry_phase", Message: fmt.Sprintf("references undeclared status %q", f.Workflow.EntryPhase)})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
