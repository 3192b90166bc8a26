package prpoller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jakekausler/stagehand/internal/codehost"
	"github.com/jakekausler/stagehand/internal/exitgate"
	"github.com/jakekausler/stagehand/internal/logx"
	"github.com/jakekausler/stagehand/internal/pipeline"
	"github.com/jakekausler/stagehand/internal/store"
)

type fakeHost struct {
	byURL map[string]*codehost.PRStatus
	errs  map[string]error
}

func (f *fakeHost) GetPRStatus(url string) (*codehost.PRStatus, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if status, ok := f.byURL[url]; ok {
		return status, nil
	}
	return &codehost.PRStatus{}, nil
}
func (f *fakeHost) GetBranchHead(string) (string, error) { return "", nil }
func (f *fakeHost) EditPRBase(int, string) error         { return nil }
func (f *fakeHost) MarkPRReady(int) error                { return nil }

type memTracking struct {
	mu   sync.Mutex
	rows map[string]pipeline.CommentTrackingRow
}

func newMemTracking() *memTracking { return &memTracking{rows: map[string]pipeline.CommentTrackingRow{}} }

func key(stageID, repo string) string { return stageID + "|" + repo }

func (m *memTracking) GetCommentTracking(_ context.Context, stageID, repoID string) (*pipeline.CommentTrackingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key(stageID, repoID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memTracking) UpsertCommentTracking(_ context.Context, row pipeline.CommentTrackingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key(row.StageID, row.RepoID)] = row
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(t.TempDir(), store.NewFileStore())
}

func TestPoll_NoCodeHostReturnsEmpty(t *testing.T) {
	st := newTestStore(t)
	p := NewPoller(st, newMemTracking(), nil, nil, logx.NewNop(), 10)
	if got := p.Poll(context.Background(), "repo"); got != nil {
		t.Errorf("expected nil results, got %v", got)
	}
}

func TestPoll_FirstPollCreatesTrackingRow(t *testing.T) {
	st := newTestStore(t)
	path := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")
	st.WriteStage(&pipeline.Stage{ID: "STAGE-1-1-1", Status: pipeline.StatusPRCreated, PRURL: "https://x/pr/1", FilePath: path}, "")

	host := &fakeHost{byURL: map[string]*codehost.PRStatus{"https://x/pr/1": {UnresolvedThreadCount: 2}}}
	p := NewPoller(st, newMemTracking(), host, nil, logx.NewNop(), 10)

	results := p.Poll(context.Background(), "repo")
	if len(results) != 1 || results[0].Action != "first_poll" || results[0].NewUnresolvedCount != 2 {
		t.Fatalf("got %+v", results)
	}
}

func TestPoll_Merged(t *testing.T) {
	st := newTestStore(t)
	path := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")
	st.WriteStage(&pipeline.Stage{ID: "STAGE-1-1-1", Status: pipeline.StatusPRCreated, PRURL: "https://x/pr/1", FilePath: path}, "")

	host := &fakeHost{byURL: map[string]*codehost.PRStatus{"https://x/pr/1": {Merged: true}}}
	eg := exitgate.NewRunner(st, nil, logx.NewNop())
	p := NewPoller(st, newMemTracking(), host, eg, logx.NewNop(), 10)

	results := p.Poll(context.Background(), "repo")
	if len(results) != 1 || results[0].Action != "merged" {
		t.Fatalf("got %+v", results)
	}
	updated, _, err := st.ReadStage(path)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != pipeline.StatusDone {
		t.Errorf("status = %q, want Done", updated.Status)
	}
}

func TestPoll_NewComments(t *testing.T) {
	st := newTestStore(t)
	path := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")
	st.WriteStage(&pipeline.Stage{ID: "STAGE-1-1-1", Status: pipeline.StatusPRCreated, PRURL: "https://x/pr/1", FilePath: path}, "")

	tracking := newMemTracking()
	tracking.rows[key("STAGE-1-1-1", "repo")] = pipeline.CommentTrackingRow{StageID: "STAGE-1-1-1", RepoID: "repo", LastKnownUnresolvedCount: 1}

	host := &fakeHost{byURL: map[string]*codehost.PRStatus{"https://x/pr/1": {UnresolvedThreadCount: 4}}}
	p := NewPoller(st, tracking, host, nil, logx.NewNop(), 10)

	results := p.Poll(context.Background(), "repo")
	if len(results) != 1 || results[0].Action != "new_comments" || results[0].PreviousUnresolved != 1 || results[0].NewUnresolvedCount != 4 {
		t.Fatalf("got %+v", results)
	}
	updated, _, _ := st.ReadStage(path)
	if updated.Status != pipeline.StatusAddressingComments {
		t.Errorf("status = %q, want Addressing Comments", updated.Status)
	}
}

func TestPoll_NoChange(t *testing.T) {
	st := newTestStore(t)
	path := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")
	st.WriteStage(&pipeline.Stage{ID: "STAGE-1-1-1", Status: pipeline.StatusPRCreated, PRURL: "https://x/pr/1", FilePath: path}, "")

	tracking := newMemTracking()
	tracking.rows[key("STAGE-1-1-1", "repo")] = pipeline.CommentTrackingRow{StageID: "STAGE-1-1-1", RepoID: "repo", LastKnownUnresolvedCount: 3}

	host := &fakeHost{byURL: map[string]*codehost.PRStatus{"https://x/pr/1": {UnresolvedThreadCount: 3}}}
	p := NewPoller(st, tracking, host, nil, logx.NewNop(), 10)

	results := p.Poll(context.Background(), "repo")
	if len(results) != 1 || results[0].Action != "no_change" {
		t.Fatalf("got %+v", results)
	}
}

func TestPoll_FetchFailureRecordsError(t *testing.T) {
	st := newTestStore(t)
	path := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")
	st.WriteStage(&pipeline.Stage{ID: "STAGE-1-1-1", Status: pipeline.StatusPRCreated, PRURL: "https://x/pr/1", FilePath: path}, "")

	host := &fakeHost{errs: map[string]error{"https://x/pr/1": errors.New("rate limited")}}
	p := NewPoller(st, newMemTracking(), host, nil, logx.NewNop(), 10)

	results := p.Poll(context.Background(), "repo")
	if len(results) != 1 || results[0].Action != "error" {
		t.Fatalf("got %+v", results)
	}
}

func TestPoll_SkipsStageMissingPRURL(t *testing.T) {
	st := newTestStore(t)
	path := st.StagePath("EPIC-1", "TICKET-1-1", "STAGE-1-1-1")
	st.WriteStage(&pipeline.Stage{ID: "STAGE-1-1-1", Status: pipeline.StatusPRCreated, FilePath: path}, "")

	p := NewPoller(st, newMemTracking(), &fakeHost{}, nil, logx.NewNop(), 10)
	results := p.Poll(context.Background(), "repo")
	if len(results) != 0 {
		t.Errorf("expected stage without pr_url skipped, got %v", results)
	}
}

func TestPoll_RespectsMaxStagesPerCycle(t *testing.T) {
	st := newTestStore(t)
	for i, id := range []string{"STAGE-1-1-1", "STAGE-1-1-2", "STAGE-1-1-3"} {
		path := st.StagePath("EPIC-1", "TICKET-1-1", id)
		st.WriteStage(&pipeline.Stage{ID: id, Status: pipeline.StatusPRCreated, PRURL: "https://x/pr/" + string(rune('1'+i)), FilePath: path}, "")
	}
	host := &fakeHost{byURL: map[string]*codehost.PRStatus{}}
	p := NewPoller(st, newMemTracking(), host, nil, logx.NewNop(), 2)

	results := p.Poll(context.Background(), "repo")
	if len(results) != 2 {
		t.Fatalf("expected 2 results bounded by maxStagesPerCycle, got %d", len(results))
	}
}
