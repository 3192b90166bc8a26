package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jakekausler/stagehand/internal/pipeline"
)

// LogSessionEvent inserts a session event, grounded on the teacher's
// LogSessionEvent (same verb, generalized from issue/stage ints to a
// stage id).
func (d *DB) LogSessionEvent(ctx context.Context, sessionID, stageID, event string, exitCode *int, metadata []byte) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO session_events (session_id, stage_id, event, exit_code, metadata) VALUES ($1, $2, $3, $4, $5)`,
		sessionID, stageID, event, exitCode, metadata,
	)
	if err != nil {
		return fmt.Errorf("log session event: %w", err)
	}
	return nil
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, stageID, event, detail string) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO pipeline_events (stage_id, event, detail) VALUES ($1, $2, $3)`,
		stageID, event, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetCommentTracking returns the stored comment-tracking row for
// (stageID, repoID), or nil if none has been recorded yet.
func (d *DB) GetCommentTracking(ctx context.Context, stageID, repoID string) (*pipeline.CommentTrackingRow, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT stage_id, repo_id, last_poll_timestamp, last_known_unresolved_count
		 FROM comment_tracking WHERE stage_id = $1 AND repo_id = $2`,
		stageID, repoID,
	)
	var r pipeline.CommentTrackingRow
	err := row.Scan(&r.StageID, &r.RepoID, &r.LastPollTimestamp, &r.LastKnownUnresolvedCount)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get comment tracking %s/%s: %w", stageID, repoID, err)
	}
	return &r, nil
}

// UpsertCommentTracking records the latest poll's observed state for a
// stage under review.
func (d *DB) UpsertCommentTracking(ctx context.Context, row pipeline.CommentTrackingRow) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO comment_tracking (stage_id, repo_id, last_poll_timestamp, last_known_unresolved_count)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (stage_id, repo_id) DO UPDATE SET
		   last_poll_timestamp = EXCLUDED.last_poll_timestamp,
		   last_known_unresolved_count = EXCLUDED.last_known_unresolved_count`,
		row.StageID, row.RepoID, row.LastPollTimestamp, row.LastKnownUnresolvedCount,
	)
	if err != nil {
		return fmt.Errorf("upsert comment tracking %s/%s: %w", row.StageID, row.RepoID, err)
	}
	return nil
}

// GetActiveTrackingRows returns every parent-branch tracking row that has
// not yet observed its parent merged — the MR chain manager's working set
// for one tick.
func (d *DB) GetActiveTrackingRows(ctx context.Context) ([]pipeline.ParentBranchTrackingRow, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, child_stage_id, parent_stage_id, parent_branch, parent_pr_url, last_known_head, is_merged, last_checked
		 FROM parent_branch_tracking WHERE is_merged = FALSE`,
	)
	if err != nil {
		return nil, fmt.Errorf("get active tracking rows: %w", err)
	}
	defer rows.Close()

	var out []pipeline.ParentBranchTrackingRow
	for rows.Next() {
		var r pipeline.ParentBranchTrackingRow
		var prURL, head, lastChecked *string
		if err := rows.Scan(&r.ID, &r.ChildStageID, &r.ParentStageID, &r.ParentBranch, &prURL, &head, &r.IsMerged, &lastChecked); err != nil {
			return nil, fmt.Errorf("scan tracking row: %w", err)
		}
		if prURL != nil {
			r.ParentPRURL = *prURL
		}
		if head != nil {
			r.LastKnownHead = *head
		}
		if lastChecked != nil {
			r.LastChecked = *lastChecked
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetTrackingRowsForChild returns every tracking row whose child is
// childStageID — a stage may depend on more than one parent branch.
func (d *DB) GetTrackingRowsForChild(ctx context.Context, childStageID string) ([]pipeline.ParentBranchTrackingRow, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, child_stage_id, parent_stage_id, parent_branch, parent_pr_url, last_known_head, is_merged, last_checked
		 FROM parent_branch_tracking WHERE child_stage_id = $1`,
		childStageID,
	)
	if err != nil {
		return nil, fmt.Errorf("get tracking rows for %s: %w", childStageID, err)
	}
	defer rows.Close()

	var out []pipeline.ParentBranchTrackingRow
	for rows.Next() {
		var r pipeline.ParentBranchTrackingRow
		var prURL, head, lastChecked *string
		if err := rows.Scan(&r.ID, &r.ChildStageID, &r.ParentStageID, &r.ParentBranch, &prURL, &head, &r.IsMerged, &lastChecked); err != nil {
			return nil, fmt.Errorf("scan tracking row: %w", err)
		}
		if prURL != nil {
			r.ParentPRURL = *prURL
		}
		if head != nil {
			r.LastKnownHead = *head
		}
		if lastChecked != nil {
			r.LastChecked = *lastChecked
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertTrackingRow creates or updates the row for (childStageID,
// parentStageID).
func (d *DB) UpsertTrackingRow(ctx context.Context, row pipeline.ParentBranchTrackingRow) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := d.pool.Exec(ctx,
		`INSERT INTO parent_branch_tracking (child_stage_id, parent_stage_id, parent_branch, parent_pr_url, last_known_head, is_merged, last_checked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (child_stage_id, parent_stage_id) DO UPDATE SET
		   parent_branch = EXCLUDED.parent_branch,
		   parent_pr_url = EXCLUDED.parent_pr_url,
		   last_known_head = EXCLUDED.last_known_head,
		   is_merged = EXCLUDED.is_merged,
		   last_checked = EXCLUDED.last_checked`,
		row.ChildStageID, row.ParentStageID, row.ParentBranch, nullable(row.ParentPRURL), nullable(row.LastKnownHead), row.IsMerged, now,
	)
	if err != nil {
		return fmt.Errorf("upsert tracking row %s/%s: %w", row.ChildStageID, row.ParentStageID, err)
	}
	return nil
}

// UpdateTrackingRow marks an existing row's merge/head state after an MR
// chain tick observes a change.
func (d *DB) UpdateTrackingRow(ctx context.Context, childStageID, parentStageID, head string, merged bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := d.pool.Exec(ctx,
		`UPDATE parent_branch_tracking SET last_known_head = $3, is_merged = $4, last_checked = $5
		 WHERE child_stage_id = $1 AND parent_stage_id = $2`,
		childStageID, parentStageID, head, merged, now,
	)
	if err != nil {
		return fmt.Errorf("update tracking row %s/%s: %w", childStageID, parentStageID, err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
