// Package exitgate implements the exit-gate runner (C7): the single place
// a stage's status change propagates upward into its ticket and epic, and
// out to the sync collaborator. Grounded on the teacher's functional
// read-modify-write Store.Update (internal/pipeline/store.go) generalized
// from one flat PipelineState file to the three-level stage/ticket/epic
// hierarchy, with pipeline.DerivedStatus supplying the §4.7 rule.
package exitgate

import (
	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/store"
)

// WorkerInfo is the subset of session bookkeeping the exit gate needs.
type WorkerInfo struct {
	StageID       string
	StageFilePath string
	StatusBefore  string
}

// Result is what run resolves to. Run never returns an error: every failure
// mode is reported as a field per §4.7, with SyncResult holding the sync
// collaborator's error, if any.
type Result struct {
	StatusChanged   bool
	StatusBefore    string
	StatusAfter     string
	TicketUpdated   bool
	TicketCompleted bool
	EpicUpdated     bool
	EpicCompleted   bool
	SyncResult      error
}

// Syncer is the external sync(repo) collaborator.
type Syncer interface {
	Sync(repo string) error
}

// Runner runs the exit gate.
type Runner struct {
	st   *store.Store
	sync Syncer
	log  logx.Logger
}

// NewRunner builds a Runner.
func NewRunner(st *store.Store, sync Syncer, log logx.Logger) *Runner {
	return &Runner{st: st, sync: sync, log: log}
}

// Run executes the §4.7 algorithm for one stage status transition.
func (r *Runner) Run(info WorkerInfo, repo string, statusAfter string) *Result {
	res := &Result{StatusBefore: info.StatusBefore, StatusAfter: statusAfter}
	if statusAfter == info.StatusBefore {
		return res
	}
	res.StatusChanged = true

	if _, _, err := r.st.ReadStage(info.StageFilePath); err != nil {
		r.log.Error("exit gate: read stage failed", "stage_id", info.StageID, "err", err)
	}

	ticketPath := store.TicketPathForStage(info.StageFilePath)
	ticket, ticketContent, err := r.st.ReadTicket(ticketPath)
	ticketStatusChanged := false
	if err != nil {
		r.log.Warn("exit gate: ticket not found", "path", ticketPath, "err", err)
	} else {
		if ticket.StageStatuses == nil {
			ticket.StageStatuses = map[string]string{}
		}
		ticket.StageStatuses[info.StageID] = statusAfter
		newStatus := pipeline.DerivedStatus(ticket.StageStatuses)
		ticketStatusChanged = newStatus != "" && newStatus != ticket.Status
		if newStatus != "" {
			ticket.Status = newStatus
		}
		if err := r.st.WriteTicket(ticket, ticketContent); err != nil {
			r.log.Warn("exit gate: write ticket failed", "path", ticketPath, "err", err)
		} else {
			res.TicketUpdated = true
			res.TicketCompleted = ticket.Status == pipeline.StatusComplete
		}
	}

	if ticketStatusChanged {
		epicPath := store.EpicPathForTicket(ticketPath)
		epic, epicContent, err := r.st.ReadEpic(epicPath)
		if err != nil {
			r.log.Warn("exit gate: epic not found", "path", epicPath, "err", err)
		} else {
			if epic.TicketStatuses == nil {
				epic.TicketStatuses = map[string]string{}
			}
			epic.TicketStatuses[ticket.ID] = ticket.Status
			newStatus := pipeline.DerivedStatus(epic.TicketStatuses)
			if newStatus != "" {
				epic.Status = newStatus
			}
			if err := r.st.WriteEpic(epic, epicContent); err != nil {
				r.log.Warn("exit gate: write epic failed", "path", epicPath, "err", err)
			} else {
				res.EpicUpdated = true
				res.EpicCompleted = epic.Status == pipeline.StatusComplete
			}
		}
	}

	if r.sync != nil {
		err := r.sync.Sync(repo)
		if err != nil {
			r.log.Warn("exit gate: sync failed, retrying once", "repo", repo, "err", err)
			err = r.sync.Sync(repo)
			if err != nil {
				r.log.Warn("exit gate: sync retry failed", "repo", repo, "err", err)
			}
		}
		res.SyncResult = err
	}

	return res
}
