package cli

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jakekausler/stagehand/internal/clock"
	"github.com/jakekausler/stagehand/internal/codehost"
	"github.com/jakekausler/stagehand/internal/config"
	"github.com/jakekausler/stagehand/internal/db"
	"github.com/jakekausler/stagehand/internal/discovery"
	"github.com/jakekausler/stagehand/internal/exitgate"
	"github.com/jakekausler/stagehand/internal/lock"
	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/mrchain"
	"github.com/jakekausler/stagehand/internal/orchestrator"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/prpoller"
	"github.com/jakekausler/stagehand/internal/resolver"
	"github.com/jakekausler/stagehand/internal/session"
	"github.com/jakekausler/stagehand/internal/store"
	"github.com/jakekausler/stagehand/internal/sync"
	"github.com/jakekausler/stagehand/internal/worktree"
)

// app bundles every collaborator a command needs, built once per
// invocation from persistent flags and the environment. Grounded on the
// teacher's internal/cli/root.go buildApp-style helper that every
// subcommand's RunE calls first.
type app struct {
	st    *store.Store
	model *pipeline.Model
	log   logx.Logger
	repo  string
	db    *db.DB
	host  codehost.Adapter

	locks *lock.Manager
	pool  *worktree.Pool
	exec  *session.Executor
	disc  *discovery.Discoverer
	gate  *exitgate.Runner
}

func newApp(cmd *cobra.Command) (*app, error) {
	flags := cmd.Flags()
	storeRoot, _ := flags.GetString("store")
	cfgPath, _ := flags.GetString("config")
	repo, _ := flags.GetString("repo")
	dsn, _ := flags.GetString("db-url")

	log, err := logx.New()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	cfgFile, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	model, err := config.ToModel(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("build pipeline model: %w", err)
	}

	st := store.New(storeRoot, store.NewFileStore())

	if dsn == "" {
		dsn = db.DefaultDSN()
	}
	database, err := db.Open(cmd.Context(), dsn)
	if err != nil {
		log.Warn("could not connect to tracking database, PR-poll and MR-chain reconciliation are unavailable", "err", err)
		database = nil
	}

	var host codehost.Adapter
	if hostName := cfgFile.Jira["code_host"]; hostName != "" {
		host = codehost.NewClient(&codehost.ExecRunner{}, hostName)
	} else if repo != "" {
		host = codehost.NewClient(&codehost.ExecRunner{}, repo)
	}

	locks := lock.NewManager(st, 10*time.Minute, clock.Real{}, log)
	// The pool has one slot per allowed worker; it holds at most 32 slots.
	poolSize, _ := flags.GetInt("max-parallel")
	if poolSize <= 0 {
		poolSize = 4
	}
	if poolSize > 32 {
		poolSize = 32
	}
	pool := worktree.NewPool(&worktree.ExecGit{}, storeRoot, storeRoot+"/.worktrees", poolSize)
	exec := session.NewExecutor(os.Getenv("STAGEHAND_WORKER_BIN"), clock.Real{})
	disc := discovery.NewDiscoverer(st, model, locks)
	syncer := sync.NewSyncer(st, log)
	gate := exitgate.NewRunner(st, syncer, log)

	return &app{
		st: st, model: model, log: log, repo: repo, db: database, host: host,
		locks: locks, pool: pool, exec: exec, disc: disc, gate: gate,
	}, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// buildOrchestrator wires the full collaborator set (§4.6/§7) for the
// orchestrator run|once subcommands. The chain manager needs the
// orchestrator itself as its SessionLauncher (LaunchRebase), so a first
// orchestrator is built with chainManager nil to serve as that launcher, and
// a second one carrying the chain manager is returned — New is cheap, it
// only assembles a struct. Rebase sessions are tracked in the first
// instance's worker map, not the returned one's.
func (a *app) buildOrchestrator(cfg orchestrator.Settings, defaultBranch string) *orchestrator.Orchestrator {
	registry := resolver.NewRegistry()
	resolverRunner := resolver.NewRunner(a.st, a.model, registry, a.locks, a.gate, a.log)
	resolverCtx := resolver.Context{CodeHost: a.host}

	var prPoller *prpoller.Poller
	if a.db != nil {
		prPoller = prpoller.NewPoller(a.st, a.db, a.host, a.gate, a.log, cfg.MaxStagesPerCycle)
	}

	o := orchestrator.New(a.st, a.model, a.locks, a.pool, a.exec, a.disc, a.gate,
		resolverRunner, resolverCtx, prPoller, nil, a.log, a.repo, cfg)

	if a.db != nil {
		chainManager := mrchain.NewManager(a.db, a.host, a.st, a.locks, o, a.log, defaultBranch)
		o = orchestrator.New(a.st, a.model, a.locks, a.pool, a.exec, a.disc, a.gate,
			resolverRunner, resolverCtx, prPoller, chainManager, a.log, a.repo, cfg)
	}

	return o
}

func orchestratorSettingsFromFlags(cmd *cobra.Command) orchestrator.Settings {
	flags := cmd.Flags()
	maxParallel, _ := flags.GetInt("max-parallel")
	tick, _ := flags.GetDuration("tick-interval")
	resolverInt, _ := flags.GetDuration("resolver-interval")
	prPollInt, _ := flags.GetDuration("pr-poll-interval")
	mrChainInt, _ := flags.GetDuration("mr-chain-interval")
	drain, _ := flags.GetDuration("drain-timeout")
	killTimeout, _ := flags.GetDuration("graceful-kill-timeout")
	maxPerCycle, _ := flags.GetInt("max-stages-per-cycle")
	logDir, _ := flags.GetString("session-log-dir")
	model, _ := flags.GetString("model")

	return orchestrator.Settings{
		MaxParallel:         maxParallel,
		TickInterval:        tick,
		ResolverInterval:    resolverInt,
		PRPollInterval:      prPollInt,
		MRChainInterval:     mrChainInt,
		DrainTimeout:        drain,
		GracefulKillTimeout: killTimeout,
		MaxStagesPerCycle:   maxPerCycle,
		SessionLogDir:       logDir,
		DefaultModel:        model,
	}
}

// withSignalShutdown runs the orchestrator until it stops; the first
// SIGINT/SIGTERM invokes the §7 shutdown sequence exactly once.
func withSignalShutdown(ctx context.Context, o *orchestrator.Orchestrator) error {
	errCh := make(chan error, 1)
	go func() { errCh <- o.Start(ctx, false) }()

	orchestrator.OnSignal(func(os.Signal) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		o.Shutdown(shutdownCtx)
	}, os.Interrupt, syscall.SIGTERM)

	return <-errCh
}
