// Package codehost implements the code-host adapter (§6): a gh-CLI-backed
// client for PR status, branch heads, retargeting, and draft promotion.
// Grounded on the teacher's internal/github/github.go (CmdRunner interface,
// ExecRunner subprocess pattern, JSON-via-gh-CLI parsing), generalized from
// issue/PR-creation helpers to the read/reconcile operations the MR chain
// manager and PR comment poller need. Wrapped with github.com/sony/gobreaker
// (also referenced in jordigilh-kubernaut's notification suite) so a flaky
// or rate-limited code host degrades to fast failure instead of hanging
// every reconciliation tick.
package codehost

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// CmdRunner executes a gh CLI invocation. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.Command.
type ExecRunner struct{}

func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// PRStatus is getPRStatus's return shape.
type PRStatus struct {
	Merged                bool
	HasUnresolvedComments bool
	UnresolvedThreadCount int
	State                 string
}

// Adapter is the code-host adapter named in §6: getPRStatus, getBranchHead,
// editPRBase, markPRReady. Every method may fail; callers treat failure as
// recoverable-local per §7.
type Adapter interface {
	GetPRStatus(prURL string) (*PRStatus, error)
	GetBranchHead(branch string) (string, error)
	EditPRBase(prNumber int, targetBranch string) error
	MarkPRReady(prNumber int) error
}

// Client implements Adapter against the gh CLI, with a circuit breaker
// around every call so a string of upstream failures trips open instead of
// stalling the reconciliation loops that depend on it.
type Client struct {
	cmd CmdRunner
	cb  *gobreaker.CircuitBreaker
}

// NewClient builds a Client. name identifies this breaker instance in logs
// and metrics (one per configured repo is typical).
func NewClient(cmd CmdRunner, name string) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{cmd: cmd, cb: cb}
}

type unresolvedReviewThread struct {
	IsResolved bool `json:"isResolved"`
}

type prViewJSON struct {
	State         string                   `json:"state"`
	Mergeable     string                   `json:"mergeable"`
	ReviewThreads []unresolvedReviewThread `json:"reviewThreads"`
}

// GetPRStatus fetches the PR identified by prURL.
func (c *Client) GetPRStatus(prURL string) (*PRStatus, error) {
	raw, err := c.cb.Execute(func() (any, error) {
		return c.cmd.Run("pr", "view", prURL, "--json", "state,mergeable,reviewThreads")
	})
	if err != nil {
		return nil, fmt.Errorf("get PR status %s: %w", prURL, err)
	}

	var parsed prViewJSON
	if err := json.Unmarshal([]byte(raw.(string)), &parsed); err != nil {
		return nil, fmt.Errorf("parse PR status %s: %w", prURL, err)
	}

	unresolved := 0
	for _, t := range parsed.ReviewThreads {
		if !t.IsResolved {
			unresolved++
		}
	}

	return &PRStatus{
		Merged:                strings.EqualFold(parsed.State, "merged"),
		HasUnresolvedComments: unresolved > 0,
		UnresolvedThreadCount: unresolved,
		State:                 parsed.State,
	}, nil
}

// GetBranchHead returns the current commit SHA at the tip of branch. An
// empty string (with no error) means "unchanged" per §6's note, and is
// returned verbatim from a gh API miss rather than synthesized here.
func (c *Client) GetBranchHead(branch string) (string, error) {
	raw, err := c.cb.Execute(func() (any, error) {
		return c.cmd.Run("api", fmt.Sprintf("repos/{owner}/{repo}/commits/%s", branch), "--jq", ".sha")
	})
	if err != nil {
		return "", fmt.Errorf("get branch head %s: %w", branch, err)
	}
	return strings.TrimSpace(raw.(string)), nil
}

// EditPRBase retargets prNumber's base branch.
func (c *Client) EditPRBase(prNumber int, targetBranch string) error {
	_, err := c.cb.Execute(func() (any, error) {
		return c.cmd.Run("pr", "edit", fmt.Sprintf("%d", prNumber), "--base", targetBranch)
	})
	if err != nil {
		return fmt.Errorf("edit PR %d base to %s: %w", prNumber, targetBranch, err)
	}
	return nil
}

// MarkPRReady promotes a draft PR to ready for review.
func (c *Client) MarkPRReady(prNumber int) error {
	_, err := c.cb.Execute(func() (any, error) {
		return c.cmd.Run("pr", "ready", fmt.Sprintf("%d", prNumber))
	})
	if err != nil {
		return fmt.Errorf("mark PR %d ready: %w", prNumber, err)
	}
	return nil
}
