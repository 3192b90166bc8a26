package lock

import (
	"os"
	"testing"
	"time"

	"github.com/jakekausler/stagehand/internal/clock"
	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, string) {
	t.Helper()
	root := t.TempDir()
	st := store.New(root, store.NewFileStore())
	path := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")
	if err := st.WriteStage(&pipeline.Stage{ID: "STAGE-1-1-1", FilePath: path, Status: "Design"}, ""); err != nil {
		t.Fatal(err)
	}
	m := NewManager(st, time.Hour, clock.Real{}, logx.NewNop())
	return m, st, path
}

func TestAcquireRelease(t *testing.T) {
	m, st, path := newTestManager(t)

	if err := m.AcquireLock(path, "worker-1"); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	locked, err := m.IsLocked(path)
	if err != nil || !locked {
		t.Fatalf("IsLocked = %v, %v, want true, nil", locked, err)
	}

	got, _, err := st.ReadStage(path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.SessionActive || got.LockedAt == "" || got.LockedBy != "worker-1" {
		t.Errorf("stage not marked locked: %+v", got)
	}

	if err := m.ReleaseLock(path); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	locked, _ = m.IsLocked(path)
	if locked {
		t.Error("expected unlocked after ReleaseLock")
	}

	got, _, _ = st.ReadStage(path)
	if got.SessionActive || got.LockedAt != "" || got.LockedBy != "" {
		t.Errorf("stage still marked locked after release: %+v", got)
	}
}

func TestAcquireLock_AlreadyHeldByLiveProcess(t *testing.T) {
	m, _, path := newTestManager(t)

	if err := m.AcquireLock(path, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.AcquireLock(path, "worker-2"); err != ErrLockHeld {
		t.Errorf("second AcquireLock = %v, want ErrLockHeld", err)
	}
}

func TestAcquireLock_StaleDeadOwnerIsCleared(t *testing.T) {
	root := t.TempDir()
	st := store.New(root, store.NewFileStore())
	path := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")
	if err := st.WriteStage(&pipeline.Stage{ID: "STAGE-1-1-1", FilePath: path, Status: "Design"}, ""); err != nil {
		t.Fatal(err)
	}

	fc := clock.NewFake(0)
	m := NewManager(st, time.Minute, fc, logx.NewNop())

	// Write a lock file by hand with a PID that cannot be alive.
	f, err := os.OpenFile(lockPath(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("999999999\n0\nghost\n")
	f.Close()

	fc.Advance(int64(2 * time.Minute / time.Millisecond))

	if err := m.AcquireLock(path, "worker-1"); err != nil {
		t.Fatalf("expected stale lock to be cleared and reacquired, got: %v", err)
	}
}

func TestReadStatus(t *testing.T) {
	m, _, path := newTestManager(t)
	status, err := m.ReadStatus(path)
	if err != nil {
		t.Fatal(err)
	}
	if status != "Design" {
		t.Errorf("ReadStatus = %q, want Design", status)
	}
}
