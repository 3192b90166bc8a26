// Package orchestrator implements the orchestrator loop (C6): the
// foreground discover → lock → worktree → session tick, the three
// background reconciliation loops, and the shutdown coordinator. Grounded
// on the teacher's Orchestrator (internal/orchestrator.go): the same
// NewOrchestrator-with-collaborators constructor shape, SetProgress-style
// logging hook, and handleSessionExit-as-completion-callback idiom,
// generalized from one issue's linear pipeline to the worker-pool/worktree
// tick described in §4.6, and from a single synchronous CLI invocation to
// an errgroup of four independently-ticking loops.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jakekausler/stagehand/internal/discovery"
	"github.com/jakekausler/stagehand/internal/exitgate"
	"github.com/jakekausler/stagehand/internal/lock"
	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/mrchain"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/prpoller"
	"github.com/jakekausler/stagehand/internal/resolver"
	"github.com/jakekausler/stagehand/internal/session"
	"github.com/jakekausler/stagehand/internal/store"
	"github.com/jakekausler/stagehand/internal/worktree"
)

// ErrAlreadyRunning is returned by Start when the orchestrator is already
// running; re-entrant starts are a programmer error.
var ErrAlreadyRunning = errors.New("orchestrator: already running")

// Settings are the runtime knobs named throughout §4.6/§5/§7.
type Settings struct {
	MaxParallel         int
	TickInterval        time.Duration
	ResolverInterval    time.Duration
	PRPollInterval      time.Duration
	MRChainInterval     time.Duration
	DrainTimeout        time.Duration
	GracefulKillTimeout time.Duration
	MaxStagesPerCycle   int
	SessionLogDir       string
	DefaultModel        string
}

// WorkerInfo records one in-flight worker per §4.6.
type WorkerInfo struct {
	StageID       string
	StageFilePath string
	WorktreePath  string
	Index         int
	StatusBefore  string
	StartTime     time.Time
}

// Orchestrator composes the discovery/lock/worktree/session collaborators
// into the tick algorithm and the background reconciliation loops.
type Orchestrator struct {
	st    *store.Store
	model *pipeline.Model
	locks *lock.Manager
	pool  *worktree.Pool
	exec  *session.Executor
	disc  *discovery.Discoverer
	gate  *exitgate.Runner

	resolverRunner *resolver.Runner
	resolverCtx    resolver.Context
	prPoller       *prpoller.Poller
	chainManager   *mrchain.Manager

	log  logx.Logger
	repo string
	cfg  Settings

	mu               sync.Mutex
	running          bool
	workers          map[int]*WorkerInfo
	isolationChecked bool
	shuttingDown     bool
	wakeCh           chan struct{}
	nextRebaseIdx    int
}

// New builds an Orchestrator.
func New(
	st *store.Store,
	model *pipeline.Model,
	locks *lock.Manager,
	pool *worktree.Pool,
	exec *session.Executor,
	disc *discovery.Discoverer,
	gate *exitgate.Runner,
	resolverRunner *resolver.Runner,
	resolverCtx resolver.Context,
	prPoller *prpoller.Poller,
	chainManager *mrchain.Manager,
	log logx.Logger,
	repo string,
	cfg Settings,
) *Orchestrator {
	return &Orchestrator{
		st: st, model: model, locks: locks, pool: pool, exec: exec, disc: disc, gate: gate,
		resolverRunner: resolverRunner, resolverCtx: resolverCtx, prPoller: prPoller, chainManager: chainManager,
		log: log, repo: repo, cfg: cfg,
		workers:       make(map[int]*WorkerInfo),
		wakeCh:        make(chan struct{}, 1),
		nextRebaseIdx: -1,
	}
}

// LaunchRebase implements mrchain.SessionLauncher per §4.10 step 3e: it
// launches a fire-and-forget rebase worker on the child stage with skill
// rebase-child-mr, worktree_path=repo, worktree_index=-1, outside the
// worktree pool's index space and outside the maxParallel budget. Its
// completion runs through the same handleSessionExit used by ordinary
// sessions.
func (o *Orchestrator) LaunchRebase(stageID, stageFilePath string) error {
	status, err := o.locks.ReadStatus(stageFilePath)
	if err != nil {
		return fmt.Errorf("launch rebase: read status: %w", err)
	}

	sessionLog, err := logx.NewSessionLogger(stageID, o.cfg.SessionLogDir)
	if err != nil {
		return fmt.Errorf("launch rebase: create session logger: %w", err)
	}

	o.mu.Lock()
	idx := o.nextRebaseIdx
	o.nextRebaseIdx--
	info := &WorkerInfo{
		StageID:       stageID,
		StageFilePath: stageFilePath,
		WorktreePath:  o.repo,
		Index:         idx,
		StatusBefore:  status,
		StartTime:     time.Now(),
	}
	o.workers[idx] = info
	o.mu.Unlock()

	go o.runRebaseSession(info, sessionLog)
	return nil
}

// runRebaseSession spawns the rebase worker and hands its completion to
// handleSessionExit, same as an ordinary tick-launched session.
func (o *Orchestrator) runRebaseSession(info *WorkerInfo, sessionLog *logx.SessionLogger) {
	result, err := o.exec.Spawn(context.Background(), session.Options{
		StageID:       info.StageID,
		StageFilePath: info.StageFilePath,
		SkillName:     "rebase-child-mr",
		WorktreePath:  info.WorktreePath,
		WorktreeIndex: -1,
		Model:         o.cfg.DefaultModel,
	}, sessionLog)
	o.handleSessionExit(*info, result, err, sessionLog)
}

// IsRunning reports whether the orchestrator's foreground loop is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// GetActiveWorkers returns a snapshot of the in-flight worker map.
func (o *Orchestrator) GetActiveWorkers() []WorkerInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]WorkerInfo, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, *w)
	}
	return out
}

// Start runs the foreground tick loop plus, unless once is true, the three
// background reconciliation loops, until Stop is called or ctx is
// cancelled. It returns ErrAlreadyRunning on a re-entrant call.
func (o *Orchestrator) Start(ctx context.Context, once bool) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.shuttingDown = false
	o.mu.Unlock()

	if once {
		o.runForeground(ctx, true)
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { o.runForeground(gctx, false); return nil })
	g.Go(func() error { o.runReconciliationLoop(gctx, "resolver", o.cfg.ResolverInterval, o.runResolverCycle); return nil })
	g.Go(func() error { o.runReconciliationLoop(gctx, "pr-poller", o.cfg.PRPollInterval, o.runPRPollCycle); return nil })
	g.Go(func() error { o.runReconciliationLoop(gctx, "mr-chain", o.cfg.MRChainInterval, o.runMRChainCycle); return nil })
	err := g.Wait()

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	return err
}

// Stop requests the foreground loop and all reconciliation loops exit at
// their next check. A blocked idle sleep wakes promptly.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) isRunningUnsafe() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// runForeground implements the §4.6 tick algorithm, looping until stopped
// (or, in once mode, until a tick launches nothing and no workers remain).
func (o *Orchestrator) runForeground(ctx context.Context, once bool) {
	for {
		if !once && !o.isRunningUnsafe() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		launched, err := o.tick(ctx)
		if err != nil {
			o.log.Error("orchestrator: tick failed", "err", err)
		}

		active := len(o.GetActiveWorkers())
		if once {
			if launched == 0 && active == 0 {
				return
			}
			o.waitForIdleWorkers(ctx)
			if launched == 0 {
				return
			}
			continue
		}

		if active >= o.cfg.MaxParallel {
			o.waitForAnyExit(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-o.wakeCh:
		case <-time.After(o.cfg.TickInterval):
		}
	}
}

// waitForIdleWorkers blocks (via a short poll, since worker exit is
// signalled by handleSessionExit removing map entries) until no workers
// remain active or the context is cancelled.
func (o *Orchestrator) waitForIdleWorkers(ctx context.Context) {
	for len(o.GetActiveWorkers()) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// waitForAnyExit blocks until the worker count drops, Stop is called, or
// ctx is cancelled.
func (o *Orchestrator) waitForAnyExit(ctx context.Context) {
	before := len(o.GetActiveWorkers())
	for len(o.GetActiveWorkers()) >= before && before > 0 {
		select {
		case <-ctx.Done():
			return
		case <-o.wakeCh:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// tick runs one pass of the §4.6 algorithm and returns the number of
// sessions launched.
func (o *Orchestrator) tick(ctx context.Context) (int, error) {
	active := len(o.GetActiveWorkers())
	slots := o.cfg.MaxParallel - active
	if slots <= 0 {
		return 0, nil
	}

	result, err := o.disc.Discover(slots)
	if err != nil {
		return 0, fmt.Errorf("discover: %w", err)
	}

	launched := 0
	for _, stage := range result.ReadyStages {
		if o.launchOne(ctx, stage) {
			launched++
		}
	}
	return launched, nil
}

// launchOne runs steps 1-9 of the §4.6 tick algorithm for a single
// candidate stage. It returns true iff a session was launched.
func (o *Orchestrator) launchOne(ctx context.Context, stage *pipeline.Stage) bool {
	if err := o.locks.AcquireLock(stage.FilePath, "orchestrator"); err != nil {
		return false
	}

	status, err := o.locks.ReadStatus(stage.FilePath)
	if err != nil {
		o.locks.ReleaseLock(stage.FilePath)
		return false
	}

	skill := o.model.SkillFor(status)
	if skill == "" {
		o.locks.ReleaseLock(stage.FilePath)
		return false
	}

	if !o.isolationChecked {
		if err := o.pool.ValidateIsolationStrategy(); err != nil {
			o.log.Error("orchestrator: worktree isolation strategy invalid", "err", err)
			o.locks.ReleaseLock(stage.FilePath)
			return false
		}
		o.isolationChecked = true
	}

	index, err := o.pool.AcquireIndex()
	if err != nil {
		o.locks.ReleaseLock(stage.FilePath)
		return false
	}

	wt, err := o.pool.Create(index, stage.WorktreeBranch)
	if err != nil {
		o.pool.ReleaseIndex(index)
		o.locks.ReleaseLock(stage.FilePath)
		return false
	}

	sessionLog, err := logx.NewSessionLogger(stage.ID, o.cfg.SessionLogDir)
	if err != nil {
		o.log.Error("orchestrator: create session logger failed", "stage_id", stage.ID, "err", err)
		o.pool.Remove(wt.Path)
		o.pool.ReleaseIndex(index)
		o.locks.ReleaseLock(stage.FilePath)
		return false
	}

	info := &WorkerInfo{
		StageID:       stage.ID,
		StageFilePath: stage.FilePath,
		WorktreePath:  wt.Path,
		Index:         index,
		StatusBefore:  status,
		StartTime:     time.Now(),
	}
	o.mu.Lock()
	o.workers[index] = info
	o.mu.Unlock()

	go o.runSession(ctx, info, skill, sessionLog)
	return true
}

// runSession spawns the worker subprocess and, on completion, hands off to
// handleSessionExit.
func (o *Orchestrator) runSession(ctx context.Context, info *WorkerInfo, skill string, sessionLog *logx.SessionLogger) {
	result, err := o.exec.Spawn(ctx, session.Options{
		StageID:       info.StageID,
		StageFilePath: info.StageFilePath,
		SkillName:     skill,
		WorktreePath:  info.WorktreePath,
		WorktreeIndex: info.Index,
		Model:         o.cfg.DefaultModel,
	}, sessionLog)
	o.handleSessionExit(*info, result, err, sessionLog)
}

// handleSessionExit implements §4.6's handleSessionExit: it unconditionally
// releases the lock, removes the worktree, closes the logger, and drops
// the worker entry; on success it invokes the exit gate when the status
// changed.
func (o *Orchestrator) handleSessionExit(info WorkerInfo, result *session.Result, execErr error, sessionLog *logx.SessionLogger) {
	statusAfter, readErr := o.locks.ReadStatus(info.StageFilePath)
	if readErr != nil {
		o.log.Error("orchestrator: read post-session status failed", "stage_id", info.StageID, "err", readErr)
		statusAfter = info.StatusBefore
	}

	defer func() {
		if err := o.locks.ReleaseLock(info.StageFilePath); err != nil {
			o.log.Warn("orchestrator: release lock failed", "stage_id", info.StageID, "err", err)
		}
		if info.Index >= 0 {
			if err := o.pool.Remove(info.WorktreePath); err != nil {
				o.log.Warn("orchestrator: remove worktree failed", "stage_id", info.StageID, "err", err)
			}
			o.pool.ReleaseIndex(info.Index)
		}
		if err := sessionLog.Close(); err != nil {
			o.log.Warn("orchestrator: close session logger failed", "stage_id", info.StageID, "err", err)
		}
		o.mu.Lock()
		delete(o.workers, info.Index)
		o.mu.Unlock()
		select {
		case o.wakeCh <- struct{}{}:
		default:
		}
	}()

	if execErr != nil {
		o.log.Error("orchestrator: session error", "stage_id", info.StageID, "err", execErr)
		return
	}

	if statusAfter == info.StatusBefore {
		if result != nil && result.ExitCode != 0 {
			o.log.Error("orchestrator: session crashed", "stage_id", info.StageID, "exit_code", result.ExitCode)
		} else {
			o.log.Info("orchestrator: session completed without status change", "stage_id", info.StageID)
		}
		return
	}

	gateResult := o.gate.Run(exitgate.WorkerInfo{
		StageID:       info.StageID,
		StageFilePath: info.StageFilePath,
		StatusBefore:  info.StatusBefore,
	}, o.repo, statusAfter)

	duration := time.Duration(0)
	if result != nil {
		duration = time.Duration(result.DurationMs) * time.Millisecond
	}
	o.log.Info("orchestrator: session completed", "stage_id", info.StageID,
		"status_before", info.StatusBefore, "status_after", statusAfter, "duration", duration,
		"ticket_updated", gateResult.TicketUpdated, "epic_updated", gateResult.EpicUpdated)
}

// runReconciliationLoop ticks fn every interval until ctx is cancelled or
// the orchestrator is stopped.
func (o *Orchestrator) runReconciliationLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.isRunningUnsafe() {
				return
			}
			fn(ctx)
		}
	}
}

func (o *Orchestrator) runResolverCycle(ctx context.Context) {
	if o.resolverRunner == nil {
		return
	}
	results := o.resolverRunner.CheckAll(o.repo, o.resolverCtx)
	for _, r := range results {
		if r.Propagated {
			o.log.Info("resolver: stage advanced", "stage_id", r.StageID, "resolver", r.ResolverName, "status", r.NewStatus)
		}
	}
}

func (o *Orchestrator) runPRPollCycle(ctx context.Context) {
	if o.prPoller == nil {
		return
	}
	results := o.prPoller.Poll(ctx, o.repo)
	for _, r := range results {
		if r.Action != "no_change" {
			o.log.Info("pr comment poller: action taken", "stage_id", r.StageID, "action", r.Action)
		}
	}
}

func (o *Orchestrator) runMRChainCycle(ctx context.Context) {
	if o.chainManager == nil {
		return
	}
	results := o.chainManager.CheckParentChains(ctx, o.repo)
	for _, r := range results {
		if r.Event != mrchain.EventNoChange {
			o.log.Info("mr chain manager: event", "child_stage_id", r.ChildStageID, "event", r.Event)
		}
	}
}

// Shutdown implements §7's shutdown sequence: stop the orchestrator, drain
// up to DrainTimeout, escalate to SIGTERM then (after GracefulKillTimeout)
// SIGKILL, release remaining locks/worktrees, and release all worktree
// slots. It is idempotent: a second call while shutdown is in progress is
// a no-op.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	o.shuttingDown = true
	o.mu.Unlock()

	o.Stop()

	if o.waitUpTo(o.cfg.DrainTimeout) {
		o.pool.ReleaseAll()
		return
	}

	o.log.Warn("orchestrator: drain timeout exceeded, escalating to SIGTERM")
	o.exec.KillAll(syscall.SIGTERM)

	if o.waitUpTo(o.cfg.GracefulKillTimeout) {
		o.pool.ReleaseAll()
		return
	}

	o.log.Warn("orchestrator: graceful kill timeout exceeded, escalating to SIGKILL")
	o.exec.KillAll(syscall.SIGKILL)

	for _, w := range o.GetActiveWorkers() {
		if err := o.locks.ReleaseLock(w.StageFilePath); err != nil {
			o.log.Warn("orchestrator: shutdown release lock failed", "stage_id", w.StageID, "err", err)
		}
		if err := o.pool.Remove(w.WorktreePath); err != nil {
			o.log.Warn("orchestrator: shutdown remove worktree failed", "stage_id", w.StageID, "err", err)
		}
	}
	o.pool.ReleaseAll()
}

// waitUpTo blocks until no workers remain active or timeout elapses,
// returning true in the former case.
func (o *Orchestrator) waitUpTo(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(o.GetActiveWorkers()) == 0 {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return len(o.GetActiveWorkers()) == 0
}

// OnSignal registers handler to run when the process receives one of the
// given OS signals (SIGINT, SIGTERM), per §6's Shutdown deps.
func OnSignal(handler func(os.Signal), signals ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	go func() {
		sig := <-ch
		handler(sig)
	}()
}
