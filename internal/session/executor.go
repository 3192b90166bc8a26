// Package session implements the session executor (C4): it spawns the
// opaque worker subprocess, writes a deterministic prompt to its stdin,
// forwards every byte of stdout/stderr verbatim to a logger, and runs a
// side-path JSON-line scanner over a copy of stdout looking for the first
// session_id. Grounded on the teacher's internal/session/session.go for the
// lifecycle shape (Create/Kill, CmdRunner-style interfaces, DB event
// logging) generalized from tmux panes to a real child process, and on
// golang.org/x/sync/errgroup (used across the pack, e.g.
// jordigilh-kubernaut, yungbote-neurobridge-backend) for the stdin writer
// and stdout/stderr pump goroutines.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jakekausler/stagehand/internal/clock"
)

// Options configures one Spawn call.
type Options struct {
	StageID       string
	StageFilePath string
	SkillName     string
	WorktreePath  string
	WorktreeIndex int
	Model         string
	WorkflowEnv   map[string]string
	OnSessionID   func(string) // invoked at most once, side-path only
}

// Logger receives every byte the child writes to stdout/stderr, verbatim.
type Logger interface {
	Write(chunk []byte) (int, error)
}

// Result is what Spawn resolves to.
type Result struct {
	ExitCode   int
	DurationMs int64
}

// activeChild tracks one live worker subprocess.
type activeChild struct {
	pid           int
	stageID       string
	correlationID string
	cmd           *exec.Cmd
}

// Executor spawns and tracks worker subprocesses.
type Executor struct {
	clk clock.Clock

	mu     sync.Mutex
	active map[int]*activeChild // keyed by pid

	// workerBin is the executable spawned as the worker subprocess.
	workerBin string
}

// NewExecutor builds an Executor that spawns workerBin as the worker
// subprocess for every session.
func NewExecutor(workerBin string, clk clock.Clock) *Executor {
	return &Executor{
		clk:       clk,
		active:    make(map[int]*activeChild),
		workerBin: workerBin,
	}
}

// Spawn launches the worker subprocess per §4.4 and blocks until it exits.
func (e *Executor) Spawn(ctx context.Context, opts Options, logger Logger) (*Result, error) {
	start := e.clk.NowMillis()

	cmd := exec.CommandContext(ctx, e.workerBin)
	cmd.Dir = opts.WorktreePath
	cmd.Env = buildEnv(opts)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &Result{ExitCode: 1, DurationMs: e.clk.NowMillis() - start}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return &Result{ExitCode: 1, DurationMs: e.clk.NowMillis() - start}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return &Result{ExitCode: 1, DurationMs: e.clk.NowMillis() - start}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil || cmd.Process == nil {
		return &Result{ExitCode: 1, DurationMs: e.clk.NowMillis() - start}, fmt.Errorf("spawn worker: %w", err)
	}

	correlationID := uuid.NewString()
	child := &activeChild{pid: cmd.Process.Pid, stageID: opts.StageID, correlationID: correlationID, cmd: cmd}
	e.mu.Lock()
	e.active[child.pid] = child
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, child.pid)
		e.mu.Unlock()
	}()

	var g errgroup.Group
	g.Go(func() error {
		prompt := buildPrompt(opts)
		if _, err := io.WriteString(stdin, prompt); err != nil {
			stdin.Close()
			return fmt.Errorf("write stdin: %w", err)
		}
		return stdin.Close()
	})
	g.Go(func() error {
		return pumpWithSessionIDWatch(stdoutPipe, logger, opts.OnSessionID)
	})
	g.Go(func() error {
		return pumpVerbatim(stderrPipe, logger)
	})

	pumpErr := g.Wait()
	waitErr := cmd.Wait()

	duration := e.clk.NowMillis() - start
	exitCode := 0
	if waitErr != nil {
		exitCode = 1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	if pumpErr != nil && waitErr == nil {
		// The child exited cleanly but a pipe failed; surface it without
		// masking a successful exit code the caller may still act on.
		return &Result{ExitCode: exitCode, DurationMs: duration}, fmt.Errorf("pump I/O: %w", pumpErr)
	}
	return &Result{ExitCode: exitCode, DurationMs: duration}, nil
}

// ActiveSession describes one live child, as returned by GetActiveSessions.
type ActiveSession struct {
	PID           int
	StageID       string
	CorrelationID string
}

// GetActiveSessions returns metadata for every currently live child.
func (e *Executor) GetActiveSessions() []ActiveSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ActiveSession, 0, len(e.active))
	for _, c := range e.active {
		out = append(out, ActiveSession{PID: c.pid, StageID: c.stageID, CorrelationID: c.correlationID})
	}
	return out
}

// KillAll signals every live child with sig (default SIGTERM).
func (e *Executor) KillAll(sig os.Signal) {
	if sig == nil {
		sig = syscall.SIGTERM
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.active {
		c.cmd.Process.Signal(sig)
	}
}

// buildPrompt assembles the deterministic textual prompt per §4.4: stage id,
// file path, worktree path and index, skill name, and every workflow_env
// entry listed alphabetically.
func buildPrompt(opts Options) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "stage_id: %s\n", opts.StageID)
	fmt.Fprintf(&b, "stage_file_path: %s\n", opts.StageFilePath)
	fmt.Fprintf(&b, "worktree_path: %s\n", opts.WorktreePath)
	fmt.Fprintf(&b, "worktree_index: %d\n", opts.WorktreeIndex)
	fmt.Fprintf(&b, "skill: %s\n", opts.SkillName)
	if opts.Model != "" {
		fmt.Fprintf(&b, "model: %s\n", opts.Model)
	}

	keys := make([]string, 0, len(opts.WorkflowEnv))
	for k := range opts.WorkflowEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "env.%s: %s\n", k, opts.WorkflowEnv[k])
	}
	return b.String()
}

// buildEnv builds the child's environment: parent env plus WORKTREE_INDEX
// plus every workflow_env entry.
func buildEnv(opts Options) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, fmt.Sprintf("WORKTREE_INDEX=%d", opts.WorktreeIndex))
	for k, v := range opts.WorkflowEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// pumpVerbatim forwards every byte read from r to logger unmodified.
func pumpVerbatim(r io.Reader, logger Logger) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := logger.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// sessionIDMessage is the shape of the JSON-line the side-path watches for.
type sessionIDMessage struct {
	SessionID string `json:"session_id"`
}

// pumpWithSessionIDWatch forwards stdout bytes verbatim to logger while a
// side-path line scanner over a copy of the same bytes looks for the first
// object whose session_id field is present. The side-path never alters or
// stops forwarding: it reads from a tee, not from the forwarded stream, and
// keeps draining the tee after its scanner stops (e.g. on an over-long line).
func pumpWithSessionIDWatch(r io.Reader, logger Logger, onSessionID func(string)) error {
	pr, pw := io.Pipe()
	tee := io.TeeReader(r, pw)

	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		defer pr.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		found := false
		for scanner.Scan() {
			if found {
				continue
			}
			var msg sessionIDMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			if msg.SessionID != "" {
				found = true
				if onSessionID != nil {
					onSessionID(msg.SessionID)
				}
			}
		}
		io.Copy(io.Discard, pr)
	}()

	err := pumpVerbatim(tee, logger)
	pw.Close()
	watchWG.Wait()
	return err
}
