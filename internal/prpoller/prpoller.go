// Package prpoller implements the PR comment poller (C9): reconciling
// review-comment state on open PRs against the local comment_tracking
// rows. Grounded on the teacher's triage/runner.go polling-loop shape
// (query candidates, act on each in sequence, log-and-continue on
// failure), generalized to the spec's four-branch action determination.
package prpoller

import (
	"context"

	"github.com/jakekausler/stagehand/internal/codehost"
	"github.com/jakekausler/stagehand/internal/exitgate"
	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/store"
)

// Result is one entry of poll's return value.
type Result struct {
	StageID            string
	PRURL              string
	Action             string // merged | first_poll | new_comments | no_change | error
	PreviousUnresolved int
	NewUnresolvedCount int
}

// TrackingStore is the subset of the tracking-row database the poller
// needs.
type TrackingStore interface {
	GetCommentTracking(ctx context.Context, stageID, repoID string) (*pipeline.CommentTrackingRow, error)
	UpsertCommentTracking(ctx context.Context, row pipeline.CommentTrackingRow) error
}

// Poller runs the comment-polling reconciliation.
type Poller struct {
	st       *store.Store
	tracking TrackingStore
	host     codehost.Adapter // nil when no code host is configured
	exitGate *exitgate.Runner
	log      logx.Logger
	maxStages int
}

// NewPoller builds a Poller. host may be nil; Poll then short-circuits per
// §4.9's guard.
func NewPoller(st *store.Store, tracking TrackingStore, host codehost.Adapter, exitGate *exitgate.Runner, log logx.Logger, maxStagesPerCycle int) *Poller {
	return &Poller{st: st, tracking: tracking, host: host, exitGate: exitGate, log: log, maxStages: maxStagesPerCycle}
}

// Poll implements §4.9's poll(repo).
func (p *Poller) Poll(ctx context.Context, repo string) []Result {
	if p.host == nil {
		p.log.Warn("pr comment poller: no code-host adapter configured, skipping cycle")
		return nil
	}

	paths, err := p.st.ListStageFiles()
	if err != nil {
		p.log.Error("pr comment poller: list stage files failed", "err", err)
		return nil
	}

	type candidate struct {
		stage   *pipeline.Stage
		path    string
		content string
	}
	var candidates []candidate
	for _, path := range paths {
		if len(candidates) >= p.maxStages {
			break
		}
		stage, content, err := p.st.ReadStage(path)
		if err != nil {
			p.log.Warn("pr comment poller: read stage failed, skipping", "path", path, "err", err)
			continue
		}
		if stage.Status != pipeline.StatusPRCreated {
			continue
		}
		if stage.PRURL == "" {
			p.log.Warn("pr comment poller: stage missing pr_url, skipping", "stage_id", stage.ID)
			continue
		}
		candidates = append(candidates, candidate{stage: stage, path: path, content: content})
	}

	var results []Result
	for _, c := range candidates {
		results = append(results, p.pollOne(ctx, repo, c.stage, c.path, c.content))
	}
	return results
}

func (p *Poller) pollOne(ctx context.Context, repo string, stage *pipeline.Stage, path, content string) Result {
	status, err := p.host.GetPRStatus(stage.PRURL)
	if err != nil {
		p.log.Warn("pr comment poller: fetch PR status failed", "stage_id", stage.ID, "pr_url", stage.PRURL, "err", err)
		return Result{StageID: stage.ID, PRURL: stage.PRURL, Action: "error"}
	}

	prior, err := p.tracking.GetCommentTracking(ctx, stage.ID, repo)
	if err != nil {
		p.log.Warn("pr comment poller: read tracking row failed", "stage_id", stage.ID, "err", err)
	}

	switch {
	case status.Merged:
		stage.Status = pipeline.StatusDone
		writeErr := p.st.WriteStage(stage, content)
		if writeErr != nil {
			p.log.Warn("pr comment poller: write stage failed", "stage_id", stage.ID, "err", writeErr)
			return Result{StageID: stage.ID, PRURL: stage.PRURL, Action: "error"}
		}
		if p.exitGate != nil {
			p.exitGate.Run(exitgate.WorkerInfo{StageID: stage.ID, StageFilePath: path, StatusBefore: pipeline.StatusPRCreated}, repo, pipeline.StatusDone)
		}
		p.upsertTracking(ctx, stage.ID, repo, status.UnresolvedThreadCount)
		return Result{StageID: stage.ID, PRURL: stage.PRURL, Action: "merged", NewUnresolvedCount: status.UnresolvedThreadCount}

	case prior == nil:
		p.upsertTracking(ctx, stage.ID, repo, status.UnresolvedThreadCount)
		return Result{StageID: stage.ID, PRURL: stage.PRURL, Action: "first_poll", NewUnresolvedCount: status.UnresolvedThreadCount}

	case status.UnresolvedThreadCount > prior.LastKnownUnresolvedCount:
		stage.Status = pipeline.StatusAddressingComments
		writeErr := p.st.WriteStage(stage, content)
		if writeErr != nil {
			p.log.Warn("pr comment poller: write stage failed", "stage_id", stage.ID, "err", writeErr)
			return Result{StageID: stage.ID, PRURL: stage.PRURL, Action: "error"}
		}
		if p.exitGate != nil {
			p.exitGate.Run(exitgate.WorkerInfo{StageID: stage.ID, StageFilePath: path, StatusBefore: pipeline.StatusPRCreated}, repo, pipeline.StatusAddressingComments)
		}
		p.upsertTracking(ctx, stage.ID, repo, status.UnresolvedThreadCount)
		return Result{StageID: stage.ID, PRURL: stage.PRURL, Action: "new_comments", PreviousUnresolved: prior.LastKnownUnresolvedCount, NewUnresolvedCount: status.UnresolvedThreadCount}

	default:
		p.upsertTracking(ctx, stage.ID, repo, status.UnresolvedThreadCount)
		return Result{StageID: stage.ID, PRURL: stage.PRURL, Action: "no_change", NewUnresolvedCount: status.UnresolvedThreadCount}
	}
}

func (p *Poller) upsertTracking(ctx context.Context, stageID, repo string, count int) {
	err := p.tracking.UpsertCommentTracking(ctx, pipeline.CommentTrackingRow{
		StageID:                  stageID,
		RepoID:                   repo,
		LastKnownUnresolvedCount: count,
	})
	if err != nil {
		p.log.Warn("pr comment poller: upsert tracking row failed", "stage_id", stageID, "err", err)
	}
}
