// Package mrchain implements the MR chain manager (C10): reconciling
// parent-branch tracking rows against the code host, spawning rebases on
// the affected child stages, and retargeting/promoting child PRs once
// their parents merge. Grounded on the teacher's triage/runner.go
// sequential-candidate-processing shape and internal/worktree's
// lock-then-act pattern, generalized to the five-step algorithm of §4.10.
package mrchain

import (
	"context"
	"fmt"

	"github.com/jakekausler/stagehand/internal/codehost"
	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/store"
)

// Event names per §4.10's result shape.
const (
	EventNoChange        = "no_change"
	EventParentMerged    = "parent_merged"
	EventParentUpdated   = "parent_updated"
	EventSkippedLocked   = "skipped_locked"
	EventSkippedConflict = "skipped_conflict"
	EventSkippedNoFile   = "skipped_no_file"
)

// Result is one entry of checkParentChains's return value.
type Result struct {
	ChildStageID    string
	ParentStageID   string
	Event           string
	RebaseSpawned   bool
	Retargeted      bool
	PromotedToReady bool
}

// TrackingStore is the subset of the tracking-row database the chain
// manager needs.
type TrackingStore interface {
	GetActiveTrackingRows(ctx context.Context) ([]pipeline.ParentBranchTrackingRow, error)
	GetTrackingRowsForChild(ctx context.Context, childStageID string) ([]pipeline.ParentBranchTrackingRow, error)
	UpdateTrackingRow(ctx context.Context, childStageID, parentStageID, head string, merged bool) error
}

// LockManager is the subset of the lock manager the chain manager needs.
type LockManager interface {
	IsLocked(stagePath string) (bool, error)
	AcquireLock(stagePath, owner string) error
	ReleaseLock(stagePath string) error
}

// SessionLauncher spawns a fire-and-forget rebase session on a child
// stage. Its completion is handled by the same handler the orchestrator
// uses for ordinary sessions, which releases the lock.
type SessionLauncher interface {
	LaunchRebase(stageID, stageFilePath string) error
}

// Manager runs the MR chain reconciliation.
type Manager struct {
	tracking      TrackingStore
	host          codehost.Adapter // nil when no code host is configured
	st            *store.Store
	locks         LockManager
	sessions      SessionLauncher
	log           logx.Logger
	defaultBranch string
}

// NewManager builds a Manager. host may be nil; CheckParentChains then
// short-circuits per §4.10's guard.
func NewManager(tracking TrackingStore, host codehost.Adapter, st *store.Store, locks LockManager, sessions SessionLauncher, log logx.Logger, defaultBranch string) *Manager {
	return &Manager{tracking: tracking, host: host, st: st, locks: locks, sessions: sessions, log: log, defaultBranch: defaultBranch}
}

// CheckParentChains implements §4.10's checkParentChains(repo).
func (m *Manager) CheckParentChains(ctx context.Context, repo string) []Result {
	if m.host == nil {
		m.log.Warn("mr chain manager: no code-host adapter configured, skipping cycle")
		return nil
	}

	rows, err := m.tracking.GetActiveTrackingRows(ctx)
	if err != nil {
		panic(fmt.Errorf("mr chain manager: get active tracking rows: %w", err))
	}

	var results []Result
	for _, row := range rows {
		res := m.reconcileRow(ctx, row)
		results = append(results, res)
	}
	return results
}

// reconcileRow runs steps 2-4 of §4.10 for one tracking row.
func (m *Manager) reconcileRow(ctx context.Context, row pipeline.ParentBranchTrackingRow) Result {
	res := Result{ChildStageID: row.ChildStageID, ParentStageID: row.ParentStageID, Event: EventNoChange}

	merged := false
	newHead := row.LastKnownHead

	if row.ParentPRURL != "" {
		status, err := m.host.GetPRStatus(row.ParentPRURL)
		if err != nil {
			m.log.Warn("mr chain manager: fetch PR status failed", "parent_pr_url", row.ParentPRURL, "err", err)
			return res
		}
		if status.Merged {
			merged = true
			res.Event = EventParentMerged
			if err := m.tracking.UpdateTrackingRow(ctx, row.ChildStageID, row.ParentStageID, row.LastKnownHead, true); err != nil {
				m.log.Warn("mr chain manager: update tracking row failed", "err", err)
			}
		}
	}

	if !merged {
		head, err := m.host.GetBranchHead(row.ParentBranch)
		if err != nil {
			m.log.Warn("mr chain manager: get branch head failed", "branch", row.ParentBranch, "err", err)
			return res
		}
		if head == "" {
			return res
		}
		if row.LastKnownHead == "" {
			newHead = head
			if err := m.tracking.UpdateTrackingRow(ctx, row.ChildStageID, row.ParentStageID, newHead, false); err != nil {
				m.log.Warn("mr chain manager: seed tracking row head failed", "err", err)
			}
			return res
		}
		if head != row.LastKnownHead {
			newHead = head
			res.Event = EventParentUpdated
			if err := m.tracking.UpdateTrackingRow(ctx, row.ChildStageID, row.ParentStageID, newHead, false); err != nil {
				m.log.Warn("mr chain manager: update tracking row head failed", "err", err)
			}
		}
	}

	if res.Event == EventParentMerged || res.Event == EventParentUpdated {
		m.attemptRebaseSpawn(&res)
	}
	if merged {
		m.retargetAndPromote(ctx, &res)
	}

	return res
}

// attemptRebaseSpawn runs §4.10 step 3.
func (m *Manager) attemptRebaseSpawn(res *Result) {
	childPath, err := m.st.FindStageFile(res.ChildStageID)
	if err != nil {
		res.Event = EventSkippedNoFile
		return
	}

	child, _, err := m.st.ReadStage(childPath)
	if err != nil {
		res.Event = EventSkippedNoFile
		return
	}
	if child.RebaseConflict {
		res.Event = EventSkippedConflict
		return
	}

	locked, err := m.locks.IsLocked(childPath)
	if err != nil {
		m.log.Error("mr chain manager: check lock failed", "stage_id", res.ChildStageID, "err", err)
		res.Event = EventSkippedLocked
		return
	}
	if locked {
		res.Event = EventSkippedLocked
		return
	}

	if err := m.locks.AcquireLock(childPath, "mr-chain-manager"); err != nil {
		m.log.Error("mr chain manager: acquire lock failed", "stage_id", res.ChildStageID, "err", err)
		res.Event = EventSkippedLocked
		return
	}

	if err := m.sessions.LaunchRebase(res.ChildStageID, childPath); err != nil {
		m.log.Error("mr chain manager: launch rebase session failed", "stage_id", res.ChildStageID, "err", err)
		m.locks.ReleaseLock(childPath)
		return
	}

	res.RebaseSpawned = true
}

// retargetAndPromote runs §4.10 step 4.
func (m *Manager) retargetAndPromote(ctx context.Context, res *Result) {
	childPath, err := m.st.FindStageFile(res.ChildStageID)
	if err != nil {
		return
	}
	child, content, err := m.st.ReadStage(childPath)
	if err != nil {
		return
	}
	if child.PRNumber == 0 {
		return
	}

	rows, err := m.tracking.GetTrackingRowsForChild(ctx, res.ChildStageID)
	if err != nil {
		m.log.Warn("mr chain manager: get tracking rows for child failed", "stage_id", res.ChildStageID, "err", err)
		return
	}

	var remaining []pipeline.ParentBranchTrackingRow
	for _, r := range rows {
		if !r.IsMerged {
			remaining = append(remaining, r)
		}
	}

	if len(remaining) == 0 {
		if err := m.host.EditPRBase(child.PRNumber, m.defaultBranch); err != nil {
			m.log.Warn("mr chain manager: edit PR base failed", "pr_number", child.PRNumber, "err", err)
		} else {
			res.Retargeted = true
		}
	} else {
		if err := m.host.EditPRBase(child.PRNumber, remaining[0].ParentBranch); err != nil {
			m.log.Warn("mr chain manager: edit PR base failed", "pr_number", child.PRNumber, "err", err)
		} else {
			res.Retargeted = true
		}
	}

	if len(remaining) == 0 && child.IsDraft {
		if err := m.host.MarkPRReady(child.PRNumber); err != nil {
			m.log.Warn("mr chain manager: mark PR ready failed", "pr_number", child.PRNumber, "err", err)
			return
		}
		child.IsDraft = false
		child.PendingMergeParents = nil
		if err := m.st.WriteStage(child, content); err != nil {
			m.log.Warn("mr chain manager: write stage after promotion failed", "stage_id", child.ID, "err", err)
			return
		}
		res.PromotedToReady = true
	}
}
