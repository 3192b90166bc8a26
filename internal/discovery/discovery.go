// Package discovery implements C5: producing the ordered list of ready
// stages from the store. Grounded on the teacher's Store.List (WalkDir scan
// + sort.Slice by a deterministic key, internal/pipeline/store.go),
// generalized from "every pipeline, sorted by issue number" to the spec's
// three-key priority ordering over stage frontmatter.
package discovery

import (
	"sort"

	"github.com/jakekausler/stagehand/internal/lock"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/store"
)

// Result is discover's return shape.
type Result struct {
	ReadyStages     []*pipeline.Stage
	BlockedCount    int
	InProgressCount int
	ToConvertCount  int
}

// Discoverer implements Discover against a Store, a pipeline Model, and a
// lock manager (for the free-lock check).
type Discoverer struct {
	st    *store.Store
	model *pipeline.Model
	locks *lock.Manager
}

// NewDiscoverer builds a Discoverer.
func NewDiscoverer(st *store.Store, model *pipeline.Model, locks *lock.Manager) *Discoverer {
	return &Discoverer{st: st, model: model, locks: locks}
}

// Discover returns up to limit ready stages: bound to a skill, whose
// dependencies are at least soft-resolved, and whose lock is free; ordered
// by descending priority, then ascending due_date (nulls last), then
// ascending id.
func (d *Discoverer) Discover(limit int) (*Result, error) {
	paths, err := d.st.ListStageFiles()
	if err != nil {
		return nil, err
	}

	var candidates []*pipeline.Stage
	res := &Result{}
	byID := make(map[string]*pipeline.Stage, len(paths))
	stages := make([]*pipeline.Stage, 0, len(paths))

	for _, p := range paths {
		st, _, err := d.st.ReadStage(p)
		if err != nil {
			continue
		}
		stages = append(stages, st)
		byID[st.ID] = st
	}

	for _, st := range stages {
		if pipeline.IsTerminal(st.Status) {
			continue
		}
		if st.Status == pipeline.StatusInProgress {
			res.InProgressCount++
		}
		if d.model.SkillFor(st.Status) == "" {
			// Resolver or unbound status: not schedulable by the orchestrator.
			if d.model.ResolverFor(st.Status) != "" {
				res.ToConvertCount++
			}
			continue
		}

		if !dependenciesSatisfied(st, byID) {
			res.BlockedCount++
			continue
		}

		locked, err := d.locks.IsLocked(st.FilePath)
		if err != nil || locked {
			continue
		}

		candidates = append(candidates, st)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		ad, bd := a.DueDate, b.DueDate
		if ad == "" && bd != "" {
			return false
		}
		if ad != "" && bd == "" {
			return true
		}
		if ad != bd {
			return ad < bd
		}
		return a.ID < b.ID
	})

	if limit >= 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	res.ReadyStages = candidates
	return res, nil
}

// dependenciesSatisfied reports whether every dependency of st is at least
// soft-resolved: the parent is Complete (hard) or in a soft-resolving
// status.
func dependenciesSatisfied(st *pipeline.Stage, byID map[string]*pipeline.Stage) bool {
	for _, depID := range st.DependsOn {
		parent, ok := byID[depID]
		if !ok {
			return false
		}
		if parent.Status == pipeline.StatusComplete || pipeline.IsSoftResolving(parent.Status) {
			continue
		}
		return false
	}
	return true
}
