package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jakekausler/stagehand/internal/clock"
	"github.com/jakekausler/stagehand/internal/discovery"
	"github.com/jakekausler/stagehand/internal/exitgate"
	"github.com/jakekausler/stagehand/internal/lock"
	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/resolver"
	"github.com/jakekausler/stagehand/internal/session"
	"github.com/jakekausler/stagehand/internal/store"
	"github.com/jakekausler/stagehand/internal/worktree"
)

type mockGit struct{}

func (mockGit) Run(dir string, args ...string) (string, error) { return "", nil }

type fakeSyncer struct{ calls []string }

func (f *fakeSyncer) Sync(repo string) error {
	f.calls = append(f.calls, repo)
	return nil
}

func testModel(t *testing.T) *pipeline.Model {
	t.Helper()
	m, err := pipeline.NewModel("Design", []pipeline.Phase{
		{Name: "design", Status: "Design", Skill: "design-skill", TransitionsTo: []string{"Build"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func writeFakeWorker(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// harness bundles a fully wired Orchestrator with real in-process
// collaborators (store, lock manager, worktree pool with a mock git runner,
// a real session executor against a fake worker script) for tick-level
// tests, mirroring the teacher's orchestrator_test.go fixture style.
type harness struct {
	o      *Orchestrator
	st     *store.Store
	locks  *lock.Manager
	syncer *fakeSyncer
}

func newHarness(t *testing.T, maxParallel int, workerScript string) *harness {
	t.Helper()
	root := t.TempDir()
	st := store.New(root, store.NewFileStore())
	model := testModel(t)
	locks := lock.NewManager(st, time.Minute, clock.NewFake(0), logx.NewNop())
	pool := worktree.NewPool(mockGit{}, root, filepath.Join(root, "worktrees"), maxParallel)
	exec := session.NewExecutor(writeFakeWorker(t, workerScript), clock.NewFake(0))
	disc := discovery.NewDiscoverer(st, model, locks)
	syncer := &fakeSyncer{}
	gate := exitgate.NewRunner(st, syncer, logx.NewNop())

	cfg := Settings{
		MaxParallel:   maxParallel,
		TickInterval:  10 * time.Millisecond,
		DrainTimeout:  200 * time.Millisecond,
		SessionLogDir: t.TempDir(),
	}
	o := New(st, model, locks, pool, exec, disc, gate, nil, resolver.Context{}, nil, nil, logx.NewNop(), "repo", cfg)
	return &harness{o: o, st: st, locks: locks, syncer: syncer}
}

func writeStage(t *testing.T, st *store.Store, id, status string) string {
	t.Helper()
	path := st.StagePath("EPIC-1", "TICKET-1-1", id)
	if err := st.WriteStage(&pipeline.Stage{ID: id, TicketID: "TICKET-1-1", EpicID: "EPIC-1", Status: status, WorktreeBranch: "feat/" + id, FilePath: path}, ""); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTick_LaunchesUpToSlotsAndRespectsMaxParallel(t *testing.T) {
	h := newHarness(t, 1, `
cat >/dev/null
sleep 0.2
exit 0
`)
	writeStage(t, h.st, "STAGE-1-1-1", "Design")
	writeStage(t, h.st, "STAGE-1-1-2", "Design")

	launched, err := h.o.tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if launched != 1 {
		t.Fatalf("launched = %d, want 1 (bounded by maxParallel)", launched)
	}
	if got := len(h.o.GetActiveWorkers()); got != 1 {
		t.Fatalf("active workers = %d, want 1", got)
	}
}

func TestHandleSessionExit_PropagatesStatusChangeThroughExitGate(t *testing.T) {
	h := newHarness(t, 2, `
prompt=$(cat)
path=$(echo "$prompt" | sed -n 's/^stage_file_path: //p')
sed -i 's/^status: Design$/status: Build/' "$path"
exit 0
`)
	path := writeStage(t, h.st, "STAGE-1-1-1", "Design")
	stage, _, err := h.st.ReadStage(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if !h.o.launchOne(ctx, stage) {
		t.Fatal("expected launchOne to succeed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.o.GetActiveWorkers()) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(h.o.GetActiveWorkers()); got != 0 {
		t.Fatalf("active workers = %d, want 0 after session exit", got)
	}

	locked, err := h.locks.IsLocked(path)
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Error("expected lock released after session exit")
	}

	updated, _, err := h.st.ReadStage(path)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != "Build" {
		t.Fatalf("status = %q, want Build", updated.Status)
	}
	if len(h.syncer.calls) != 1 || h.syncer.calls[0] != "repo" {
		t.Errorf("expected sync invoked once with repo, got %v", h.syncer.calls)
	}
}

func TestStart_ReentrantStartReturnsError(t *testing.T) {
	h := newHarness(t, 1, "exit 0\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.o.mu.Lock()
	h.o.running = true
	h.o.mu.Unlock()

	if err := h.o.Start(ctx, true); err != ErrAlreadyRunning {
		t.Fatalf("Start while running = %v, want ErrAlreadyRunning", err)
	}
}

func TestStart_OnceModeExitsWhenNoStagesReady(t *testing.T) {
	h := newHarness(t, 1, "exit 0\n")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.o.Start(ctx, true) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start(once) returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start(once) did not return with no ready stages")
	}
	if h.o.IsRunning() {
		t.Error("expected IsRunning false after once-mode completion")
	}
}

func TestShutdown_IsIdempotent(t *testing.T) {
	h := newHarness(t, 1, "exit 0\n")
	h.o.mu.Lock()
	h.o.running = true
	h.o.mu.Unlock()

	ctx := context.Background()
	h.o.Shutdown(ctx)
	h.o.Shutdown(ctx) // must not panic or double-release

	if h.o.IsRunning() {
		t.Error("expected not running after shutdown")
	}
}
