// Package pipeline defines the phase/status model shared by every
// reconciliation loop, and the in-memory shapes of the three-level work
// hierarchy (stage, ticket, epic) plus the auxiliary tracking rows.
package pipeline

// Reserved statuses every pipeline carries regardless of configured phases.
const (
	StatusNotStarted         = "Not Started"
	StatusInProgress         = "In Progress"
	StatusComplete           = "Complete"
	StatusDone               = "Done"
	StatusSkipped            = "Skipped"
	StatusPRCreated          = "PR Created"
	StatusAddressingComments = "Addressing Comments"
)

// SoftResolvingStatuses lists the statuses that satisfy a dependency edge
// for scheduling purposes without the parent being Complete. It is consumed,
// through IsSoftResolving, by the sync collaborator (is_draft /
// pending_merge_parents) and by discovery's dependency check, so the two
// rules share one list. DerivedStatus does not consult it.
var SoftResolvingStatuses = []string{StatusPRCreated, StatusAddressingComments}

// IsSoftResolving reports whether status satisfies a dependency softly.
func IsSoftResolving(status string) bool {
	for _, s := range SoftResolvingStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// PendingMergeParent is one entry of a stage's pending_merge_parents list.
type PendingMergeParent struct {
	StageID  string `yaml:"stage_id" json:"stage_id"`
	Branch   string `yaml:"branch" json:"branch"`
	PRURL    string `yaml:"pr_url,omitempty" json:"pr_url,omitempty"`
	PRNumber int    `yaml:"pr_number,omitempty" json:"pr_number,omitempty"`
}

// Stage is the atomic unit of work.
type Stage struct {
	ID                  string                `yaml:"id" json:"id"`
	TicketID            string                `yaml:"ticket" json:"ticket"`
	EpicID              string                `yaml:"epic" json:"epic"`
	Title               string                `yaml:"title,omitempty" json:"title,omitempty"`
	Status              string                `yaml:"status" json:"status"`
	WorktreeBranch      string                `yaml:"worktree_branch,omitempty" json:"worktree_branch,omitempty"`
	PRURL               string                `yaml:"pr_url,omitempty" json:"pr_url,omitempty"`
	PRNumber            int                   `yaml:"pr_number,omitempty" json:"pr_number,omitempty"`
	SessionActive       bool                  `yaml:"session_active" json:"session_active"`
	LockedAt            string                `yaml:"locked_at,omitempty" json:"locked_at,omitempty"`
	LockedBy            string                `yaml:"locked_by,omitempty" json:"locked_by,omitempty"`
	Priority            int                   `yaml:"priority,omitempty" json:"priority,omitempty"`
	DueDate             string                `yaml:"due_date,omitempty" json:"due_date,omitempty"`
	DependsOn           []string              `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	RefinementType      []string              `yaml:"refinement_type,omitempty" json:"refinement_type,omitempty"`
	PendingMergeParents []PendingMergeParent  `yaml:"pending_merge_parents,omitempty" json:"pending_merge_parents,omitempty"`
	IsDraft             bool                  `yaml:"is_draft" json:"is_draft"`
	RebaseConflict      bool                  `yaml:"rebase_conflict,omitempty" json:"rebase_conflict,omitempty"`

	// FilePath is where the stage is persisted; not part of frontmatter.
	FilePath string `yaml:"-" json:"-"`
}

// Ticket groups stages.
type Ticket struct {
	ID            string            `yaml:"id" json:"id"`
	EpicID        string            `yaml:"epic" json:"epic"`
	Title         string            `yaml:"title,omitempty" json:"title,omitempty"`
	Status        string            `yaml:"status" json:"status"`
	JiraKey       string            `yaml:"jira_key,omitempty" json:"jira_key,omitempty"`
	StageStatuses map[string]string `yaml:"stage_statuses,omitempty" json:"stage_statuses,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	FilePath string `yaml:"-" json:"-"`
}

// Epic groups tickets.
type Epic struct {
	ID             string            `yaml:"id" json:"id"`
	Title          string            `yaml:"title,omitempty" json:"title,omitempty"`
	Status         string            `yaml:"status" json:"status"`
	TicketStatuses map[string]string `yaml:"ticket_statuses,omitempty" json:"ticket_statuses,omitempty"`
	DependsOn      []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	FilePath string `yaml:"-" json:"-"`
}

// Dependency is a directed edge from → to at any level.
type Dependency struct {
	From     string
	To       string
	Resolved bool
}

// ParentBranchTrackingRow is the authoritative record the MR chain manager
// consults: one row per (child stage, parent stage) pair.
type ParentBranchTrackingRow struct {
	ID            int64
	ChildStageID  string
	ParentStageID string
	ParentBranch  string
	ParentPRURL   string
	LastKnownHead string
	IsMerged      bool
	LastChecked   string
}

// CommentTrackingRow remembers the last polled unresolved-comment count for
// a stage currently under review.
type CommentTrackingRow struct {
	StageID                  string
	LastPollTimestamp        string
	LastKnownUnresolvedCount int
	RepoID                   string
}

// WorkerInfo is the in-memory record of one active session.
type WorkerInfo struct {
	StageID        string
	StageFilePath  string
	WorktreePath   string
	WorktreeIndex  int
	StatusBefore   string
	StartTime      int64 // monotonic ms, from clock.Clock
	CorrelationID  string
}
