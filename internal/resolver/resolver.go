// Package resolver implements the resolver runner (C8): the registry of
// pure status-advancement functions, the two built-ins named in §6
// (pr-status, testing-router), and checkAll's discovery-and-apply loop.
// Grounded on the teacher's triage/runner.go (discover-every-file,
// skip-locked, process-and-continue-on-error shape), generalized from
// triage heuristics to resolver functions keyed by status.
package resolver

import (
	"github.com/jakekausler/stagehand/internal/codehost"
	"github.com/jakekausler/stagehand/internal/exitgate"
	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/store"
)

// StageInput is what a resolver function receives: the subset of a stage's
// frontmatter resolvers are allowed to consult.
type StageInput struct {
	ID             string
	Status         string
	TicketID       string
	EpicID         string
	PRURL          string
	PRNumber       int
	WorktreeBranch string
	RefinementType []string
}

// Context carries the collaborators a resolver function may need.
type Context struct {
	CodeHost codehost.Adapter // nil when no code host is configured
}

// Func is a registered resolver: given a stage and context, it returns the
// new status, or "" if the stage isn't ready to advance.
type Func func(StageInput, Context) (string, error)

// Registry maps resolver names to Funcs.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry builds a Registry pre-populated with the built-in resolvers.
func NewRegistry() *Registry {
	r := &Registry{funcs: map[string]Func{}}
	r.Register("pr-status", PRStatusResolver)
	r.Register("testing-router", TestingRouterResolver)
	return r
}

// Register adds or replaces a named resolver.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Get looks up a resolver by name.
func (r *Registry) Get(name string) (Func, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// PRStatusResolver consults the code-host adapter and returns Done when the
// stage's PR has merged, else "".
func PRStatusResolver(in StageInput, ctx Context) (string, error) {
	if ctx.CodeHost == nil || in.PRURL == "" {
		return "", nil
	}
	status, err := ctx.CodeHost.GetPRStatus(in.PRURL)
	if err != nil {
		return "", err
	}
	if status.Merged {
		return pipeline.StatusDone, nil
	}
	return "", nil
}

// TestingRouterResolver inspects refinement_type and routes to Manual
// Testing when any entry names "frontend", else Finalize.
func TestingRouterResolver(in StageInput, _ Context) (string, error) {
	for _, t := range in.RefinementType {
		if t == "frontend" {
			return "Manual Testing", nil
		}
	}
	return "Finalize", nil
}

// Result is one entry of checkAll's return value.
type Result struct {
	StageID        string
	ResolverName   string
	PreviousStatus string
	NewStatus      string // "" when the resolver declined to advance
	Propagated     bool
}

// LockChecker is the subset of the lock manager checkAll needs.
type LockChecker interface {
	IsLocked(stagePath string) (bool, error)
}

// Runner runs the resolver loop.
type Runner struct {
	st       *store.Store
	model    *pipeline.Model
	registry *Registry
	locks    LockChecker
	exitGate *exitgate.Runner
	log      logx.Logger
}

// NewRunner builds a Runner.
func NewRunner(st *store.Store, model *pipeline.Model, registry *Registry, locks LockChecker, exitGate *exitgate.Runner, log logx.Logger) *Runner {
	return &Runner{st: st, model: model, registry: registry, locks: locks, exitGate: exitGate, log: log}
}

// CheckAll implements §4.8's checkAll(repo, context).
func (r *Runner) CheckAll(repo string, ctx Context) []Result {
	paths, err := r.st.ListStageFiles()
	if err != nil {
		r.log.Error("resolver runner: list stage files failed", "err", err)
		return nil
	}

	var results []Result
	for _, path := range paths {
		stage, content, err := r.st.ReadStage(path)
		if err != nil {
			r.log.Warn("resolver runner: read stage failed, skipping", "path", path, "err", err)
			continue
		}
		if stage.ID == "" || stage.Status == "" {
			r.log.Warn("resolver runner: stage missing id or status, skipping", "path", path)
			continue
		}
		if stage.SessionActive {
			continue
		}
		resolverName := r.model.ResolverFor(stage.Status)
		if resolverName == "" {
			continue
		}
		fn, ok := r.registry.Get(resolverName)
		if !ok {
			r.log.Warn("resolver runner: unregistered resolver, skipping", "stage_id", stage.ID, "resolver", resolverName)
			continue
		}

		in := StageInput{
			ID:             stage.ID,
			Status:         stage.Status,
			TicketID:       stage.TicketID,
			EpicID:         stage.EpicID,
			PRURL:          stage.PRURL,
			PRNumber:       stage.PRNumber,
			WorktreeBranch: stage.WorktreeBranch,
			RefinementType: stage.RefinementType,
		}

		newStatus, err := fn(in, ctx)
		if err != nil {
			r.log.Error("resolver runner: resolver failed, skipping stage", "stage_id", stage.ID, "resolver", resolverName, "err", err)
			continue
		}
		if newStatus == "" {
			results = append(results, Result{StageID: stage.ID, ResolverName: resolverName, PreviousStatus: stage.Status})
			continue
		}

		previous := stage.Status
		stage.Status = newStatus
		if err := r.st.WriteStage(stage, content); err != nil {
			r.log.Warn("resolver runner: write stage failed, skipping", "stage_id", stage.ID, "err", err)
			continue
		}

		propagated := false
		if r.exitGate != nil {
			r.exitGate.Run(exitgate.WorkerInfo{
				StageID:       stage.ID,
				StageFilePath: path,
				StatusBefore:  previous,
			}, repo, newStatus)
			propagated = true
		}

		results = append(results, Result{
			StageID:        stage.ID,
			ResolverName:   resolverName,
			PreviousStatus: previous,
			NewStatus:      newStatus,
			Propagated:     propagated,
		})
	}
	return results
}
