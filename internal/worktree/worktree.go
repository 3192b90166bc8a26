// Package worktree implements the bounded worktree pool (C3): maxParallel
// indexed slots, each backed by an isolated git checkout. Grounded on the
// teacher's internal/worktree/worktree.go (GitRunner interface, branch
// sanitizing, fetch-then-branch-from-origin pattern), generalized from one
// worktree per issue to an indexed pool shared across concurrently running
// stages, with slot acquisition bounded by a golang.org/x/sync/semaphore.
package worktree

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ErrNoSlot is returned by AcquireIndex when every slot is in use.
var ErrNoSlot = fmt.Errorf("no free worktree slot")

// Pool owns a fixed array of maxParallel slot indices 0..N-1, each backing
// one isolated checkout at a time.
type Pool struct {
	git     GitRunner
	repoDir string
	baseDir string

	sem  *semaphore.Weighted
	mu   sync.Mutex
	used [32]bool // supports up to 32 concurrent slots; maxParallel is expected well under this
	max  int

	validateOnce   sync.Once
	validateResult error
}

// NewPool creates a Pool of maxParallel slots rooted at baseDir, operating
// on the git repository at repoDir.
func NewPool(git GitRunner, repoDir, baseDir string, maxParallel int) *Pool {
	return &Pool{
		git:     git,
		repoDir: repoDir,
		baseDir: baseDir,
		sem:     semaphore.NewWeighted(int64(maxParallel)),
		max:     maxParallel,
	}
}

// AcquireIndex returns the lowest free slot index, or ErrNoSlot if every
// slot is occupied.
func (p *Pool) AcquireIndex() (int, error) {
	if !p.sem.TryAcquire(1) {
		return -1, ErrNoSlot
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.max; i++ {
		if !p.used[i] {
			p.used[i] = true
			return i, nil
		}
	}
	// Should be unreachable: the semaphore bounds concurrent holders to max.
	p.sem.Release(1)
	return -1, ErrNoSlot
}

// ReleaseIndex frees index back to the pool.
func (p *Pool) ReleaseIndex(index int) {
	p.mu.Lock()
	if index >= 0 && index < p.max && p.used[index] {
		p.used[index] = false
		p.sem.Release(1)
	}
	p.mu.Unlock()
}

// CreateResult holds the result of creating a worktree.
type CreateResult struct {
	Path   string
	Branch string
	Index  int
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// slotPath returns the deterministic checkout path for a slot index.
func (p *Pool) slotPath(index int) string {
	return filepath.Join(p.baseDir, fmt.Sprintf("slot-%d", index))
}

// Create creates an isolated checkout at the index's deterministic path, on
// the given branch. Concurrent creates on different indices operate on
// disjoint directories and do not interfere. On failure the caller must
// still release the acquired index.
func (p *Pool) Create(index int, branch string) (*CreateResult, error) {
	branch = sanitizeBranch(branch)
	path := p.slotPath(index)

	// Best-effort fetch to branch from up-to-date main.
	p.git.Run(p.repoDir, "fetch", "origin", "main")

	_, err := p.git.Run(p.repoDir, "worktree", "add", path, "-b", branch, "origin/main")
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			_, err = p.git.Run(p.repoDir, "worktree", "add", path, branch)
		}
		if err != nil {
			return nil, fmt.Errorf("create worktree at slot %d: %w", index, err)
		}
	}

	return &CreateResult{Path: path, Branch: branch, Index: index}, nil
}

// Remove tears down the checkout at path. Failures are logged by the caller
// via the returned error but must never panic.
func (p *Pool) Remove(path string) error {
	if _, err := p.git.Run(p.repoDir, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	return nil
}

// ValidateIsolationStrategy runs once per process: it checks that concurrent
// checkouts at distinct indices do not share mutable state. The result is
// memoized.
func (p *Pool) ValidateIsolationStrategy() error {
	p.validateOnce.Do(func() {
		out, err := p.git.Run(p.repoDir, "rev-parse", "--is-bare-repository")
		if err != nil {
			p.validateResult = fmt.Errorf("validate isolation strategy: %w", err)
			return
		}
		if strings.TrimSpace(out) == "true" {
			p.validateResult = fmt.Errorf("bare repository %s cannot host isolated worktree checkouts", p.repoDir)
		}
	})
	return p.validateResult
}

// ReleaseAll forcibly tears down every outstanding checkout and frees all
// slot indices. Used by the shutdown coordinator.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.max; i++ {
		if p.used[i] {
			p.git.Run(p.repoDir, "worktree", "remove", "--force", p.slotPath(i))
			p.used[i] = false
			p.sem.Release(1)
		}
	}
}
