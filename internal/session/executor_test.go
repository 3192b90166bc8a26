package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jakekausler/stagehand/internal/clock"
)

// fakeLogger records every chunk written to it, verbatim.
type fakeLogger struct {
	buf []byte
}

func (f *fakeLogger) Write(chunk []byte) (int, error) {
	f.buf = append(f.buf, chunk...)
	return len(chunk), nil
}

// writeFakeWorker writes the given shell script body as an executable
// worker.sh in a temp dir — standing in for the opaque worker subprocess.
func writeFakeWorker(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSpawn_HappyPath_ReportsExitCodeAndSessionID(t *testing.T) {
	worker := writeFakeWorker(t, `
cat >/dev/null
echo '{"session_id":"abc-123"}'
echo 'plain line'
exit 0
`)
	exec := NewExecutor(worker, clock.NewFake(1000))

	var gotID string
	logger := &fakeLogger{}
	opts := Options{
		StageID:       "STAGE-1-1-1",
		StageFilePath: "/repo/stages/STAGE-1-1-1.md",
		SkillName:     "design-skill",
		WorktreePath:  t.TempDir(),
		WorktreeIndex: 0,
		WorkflowEnv:   map[string]string{"B": "2", "A": "1"},
		OnSessionID:   func(id string) { gotID = id },
	}

	res, err := exec.Spawn(context.Background(), opts, logger)
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if gotID != "abc-123" {
		t.Errorf("OnSessionID got %q, want abc-123", gotID)
	}
	if !strings.Contains(string(logger.buf), "session_id") {
		t.Error("expected stdout forwarded verbatim to logger")
	}
}

func TestSpawn_NonZeroExit(t *testing.T) {
	worker := writeFakeWorker(t, `
cat >/dev/null
exit 7
`)
	exec := NewExecutor(worker, clock.NewFake(0))
	res, err := exec.Spawn(context.Background(), Options{WorktreePath: t.TempDir()}, &fakeLogger{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestBuildPrompt_EnvVarsAlphabetical(t *testing.T) {
	prompt := buildPrompt(Options{
		StageID:     "STAGE-1-1-1",
		WorkflowEnv: map[string]string{"ZETA": "z", "ALPHA": "a", "MID": "m"},
	})
	iAlpha := strings.Index(prompt, "env.ALPHA")
	iMid := strings.Index(prompt, "env.MID")
	iZeta := strings.Index(prompt, "env.ZETA")
	if !(iAlpha < iMid && iMid < iZeta) {
		t.Errorf("expected env vars in alphabetical order, got prompt:\n%s", prompt)
	}
}

func TestGetActiveSessions_EmptyWhenIdle(t *testing.T) {
	exec := NewExecutor("/bin/true", clock.NewFake(0))
	if got := exec.GetActiveSessions(); len(got) != 0 {
		t.Errorf("expected no active sessions, got %v", got)
	}
}

func TestPumpWithSessionIDWatch_OnlyFirstSessionIDFires(t *testing.T) {
	r := strings.NewReader(`{"session_id":"first"}
{"session_id":"second"}
not json at all
`)
	var calls []string
	logger := &fakeLogger{}
	if err := pumpWithSessionIDWatch(r, logger, func(id string) { calls = append(calls, id) }); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "first" {
		t.Errorf("calls = %v, want exactly one call with %q", calls, "first")
	}
	if !bytes.Contains(logger.buf, []byte("second")) {
		t.Error("expected all bytes forwarded verbatim even after session_id found")
	}
}
