package exitgate

import (
	"errors"
	"testing"

	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/store"
)

type fakeSyncer struct {
	calls int
	errs  []error
}

func (f *fakeSyncer) Sync(repo string) error {
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	return err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(t.TempDir(), store.NewFileStore())
}

func seedHierarchy(t *testing.T, st *store.Store, stageStatus string) (string, string) {
	t.Helper()
	epicPath := st.EpicPath("EPIC-1")
	ticketPath := st.TicketPath("EPIC-1", "TICKET-1-1")
	stagePath := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")

	epic := &pipeline.Epic{ID: "EPIC-1", Status: "In Progress", FilePath: epicPath,
		TicketStatuses: map[string]string{"TICKET-1-1": "In Progress"}}
	if err := st.WriteEpic(epic, ""); err != nil {
		t.Fatal(err)
	}
	ticket := &pipeline.Ticket{ID: "TICKET-1-1", EpicID: "EPIC-1", Status: "In Progress", FilePath: ticketPath,
		StageStatuses: map[string]string{"STAGE-1-1-1": stageStatus}}
	if err := st.WriteTicket(ticket, ""); err != nil {
		t.Fatal(err)
	}
	stage := &pipeline.Stage{ID: "STAGE-1-1-1", TicketID: "TICKET-1-1", EpicID: "EPIC-1", Status: stageStatus, FilePath: stagePath}
	if err := st.WriteStage(stage, ""); err != nil {
		t.Fatal(err)
	}
	return stagePath, ticketPath
}

func TestRun_NoChangeWhenStatusSame(t *testing.T) {
	st := newTestStore(t)
	stagePath, _ := seedHierarchy(t, st, "Design")
	r := NewRunner(st, nil, logx.NewNop())

	res := r.Run(WorkerInfo{StageID: "STAGE-1-1-1", StageFilePath: stagePath, StatusBefore: "Design"}, "repo", "Design")
	if res.StatusChanged {
		t.Error("expected StatusChanged = false")
	}
}

func TestRun_PropagatesToTicketButNotEpicWhenSiblingsIncomplete(t *testing.T) {
	st := newTestStore(t)
	stagePath, ticketPath := seedHierarchy(t, st, "Design")
	// add a second stage to the ticket so the derived status is not simply complete
	ticket, content, _ := st.ReadTicket(ticketPath)
	ticket.StageStatuses["STAGE-1-1-2"] = "Not Started"
	st.WriteTicket(ticket, content)

	r := NewRunner(st, nil, logx.NewNop())
	res := r.Run(WorkerInfo{StageID: "STAGE-1-1-1", StageFilePath: stagePath, StatusBefore: "Design"}, "repo", "Complete")

	if !res.StatusChanged || !res.TicketUpdated {
		t.Fatalf("expected status and ticket updated, got %+v", res)
	}
	if res.TicketCompleted {
		t.Error("ticket should not be complete while a sibling stage is Not Started")
	}
	if res.EpicUpdated {
		t.Error("epic should not update when ticket status is unchanged")
	}
}

func TestRun_PropagatesToEpicWhenTicketCompletes(t *testing.T) {
	st := newTestStore(t)
	stagePath, _ := seedHierarchy(t, st, "Design")

	r := NewRunner(st, nil, logx.NewNop())
	res := r.Run(WorkerInfo{StageID: "STAGE-1-1-1", StageFilePath: stagePath, StatusBefore: "Design"}, "repo", "Complete")

	if !res.TicketUpdated || !res.TicketCompleted {
		t.Fatalf("expected ticket completed, got %+v", res)
	}
	if !res.EpicUpdated || !res.EpicCompleted {
		t.Fatalf("expected epic completed, got %+v", res)
	}
}

func TestRun_SyncRetriesOnceThenRecordsFailure(t *testing.T) {
	st := newTestStore(t)
	stagePath, _ := seedHierarchy(t, st, "Design")
	syncer := &fakeSyncer{errs: []error{errors.New("first fail"), errors.New("second fail")}}

	r := NewRunner(st, syncer, logx.NewNop())
	res := r.Run(WorkerInfo{StageID: "STAGE-1-1-1", StageFilePath: stagePath, StatusBefore: "Design"}, "repo", "Complete")

	if syncer.calls != 2 {
		t.Errorf("expected exactly 2 sync attempts, got %d", syncer.calls)
	}
	if res.SyncResult == nil {
		t.Error("expected SyncResult to carry the final failure")
	}
}

func TestRun_SyncSucceedsOnRetry(t *testing.T) {
	st := newTestStore(t)
	stagePath, _ := seedHierarchy(t, st, "Design")
	syncer := &fakeSyncer{errs: []error{errors.New("first fail"), nil}}

	r := NewRunner(st, syncer, logx.NewNop())
	res := r.Run(WorkerInfo{StageID: "STAGE-1-1-1", StageFilePath: stagePath, StatusBefore: "Design"}, "repo", "Complete")

	if res.SyncResult != nil {
		t.Errorf("expected nil SyncResult after successful retry, got %v", res.SyncResult)
	}
}

func TestRun_MissingTicketIsWarningNotFatal(t *testing.T) {
	st := newTestStore(t)
	stagePath := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")
	stage := &pipeline.Stage{ID: "STAGE-1-1-1", Status: "Design", FilePath: stagePath}
	if err := st.WriteStage(stage, ""); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(st, nil, logx.NewNop())
	res := r.Run(WorkerInfo{StageID: "STAGE-1-1-1", StageFilePath: stagePath, StatusBefore: "Design"}, "repo", "Complete")

	if !res.StatusChanged {
		t.Error("expected StatusChanged = true even though ticket is missing")
	}
	if res.TicketUpdated {
		t.Error("expected TicketUpdated = false when ticket file is absent")
	}
}
