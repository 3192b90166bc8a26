// Package sync implements the soft-resolution collaborator (§4.10): for
// every stage with at least one soft-resolved parent, it maintains
// is_draft and pending_merge_parents in that stage's frontmatter so the
// chain manager and discovery can reason about merge state without
// re-deriving it on every read. Grounded on the teacher's functional
// Store.Update read-modify-write idiom (internal/pipeline/store.go),
// applied here across every stage file rather than one.
package sync

import (
	"fmt"

	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/store"
)

// Syncer applies the soft-resolution rule across a repo's stage files.
type Syncer struct {
	st  *store.Store
	log logx.Logger
}

// NewSyncer builds a Syncer.
func NewSyncer(st *store.Store, log logx.Logger) *Syncer {
	return &Syncer{st: st, log: log}
}

// Sync implements the external sync(repo) collaborator the exit gate
// invokes, including on behalf of the resolver runner and the PR poller.
func (s *Syncer) Sync(repo string) error {
	paths, err := s.st.ListStageFiles()
	if err != nil {
		return fmt.Errorf("sync %s: list stage files: %w", repo, err)
	}

	byID := make(map[string]*pipeline.Stage, len(paths))
	contents := make(map[string]string, len(paths))
	order := make([]string, 0, len(paths))
	for _, path := range paths {
		st, content, err := s.st.ReadStage(path)
		if err != nil {
			s.log.Warn("sync: read stage failed, skipping", "path", path, "err", err)
			continue
		}
		byID[st.ID] = st
		contents[st.ID] = content
		order = append(order, st.ID)
	}

	for _, id := range order {
		stage := byID[id]
		pending := softResolvedParents(stage, byID)

		wantDraft := len(pending) > 0
		if stage.IsDraft == wantDraft && pendingMergeParentsEqual(stage.PendingMergeParents, pending) {
			continue
		}

		stage.IsDraft = wantDraft
		stage.PendingMergeParents = pending
		if err := s.st.WriteStage(stage, contents[id]); err != nil {
			s.log.Warn("sync: write stage failed, skipping", "stage_id", id, "err", err)
		}
	}
	return nil
}

// softResolvedParents returns the pending-merge-parent entries for every
// dependency of stage whose status is soft-resolved (not yet Complete).
func softResolvedParents(stage *pipeline.Stage, byID map[string]*pipeline.Stage) []pipeline.PendingMergeParent {
	var out []pipeline.PendingMergeParent
	for _, depID := range stage.DependsOn {
		parent, ok := byID[depID]
		if !ok {
			continue
		}
		if pipeline.IsSoftResolving(parent.Status) {
			out = append(out, pipeline.PendingMergeParent{
				StageID:  parent.ID,
				Branch:   parent.WorktreeBranch,
				PRURL:    parent.PRURL,
				PRNumber: parent.PRNumber,
			})
		}
	}
	return out
}

func pendingMergeParentsEqual(a, b []pipeline.PendingMergeParent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
