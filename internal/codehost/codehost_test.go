package codehost

import (
	"errors"
	"testing"
)

type mockCmd struct {
	calls   [][]string
	outputs []string
	errs    []error
	idx     int
}

func (m *mockCmd) Run(args ...string) (string, error) {
	m.calls = append(m.calls, args)
	if m.idx >= len(m.outputs) {
		return "", nil
	}
	out, err := m.outputs[m.idx], m.errs[m.idx]
	m.idx++
	return out, err
}

func TestGetPRStatus_MergedNoUnresolvedComments(t *testing.T) {
	cmd := &mockCmd{
		outputs: []string{`{"state":"MERGED","mergeable":"UNKNOWN","reviewThreads":[{"isResolved":true}]}`},
		errs:    []error{nil},
	}
	c := NewClient(cmd, "test")

	status, err := c.GetPRStatus("https://example.com/pr/1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Merged {
		t.Error("expected Merged = true")
	}
	if status.HasUnresolvedComments {
		t.Error("expected HasUnresolvedComments = false")
	}
}

func TestGetPRStatus_UnresolvedComments(t *testing.T) {
	cmd := &mockCmd{
		outputs: []string{`{"state":"OPEN","reviewThreads":[{"isResolved":false},{"isResolved":true},{"isResolved":false}]}`},
		errs:    []error{nil},
	}
	c := NewClient(cmd, "test")

	status, err := c.GetPRStatus("https://example.com/pr/2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Merged {
		t.Error("expected Merged = false")
	}
	if !status.HasUnresolvedComments || status.UnresolvedThreadCount != 2 {
		t.Errorf("got HasUnresolvedComments=%v count=%d, want true/2", status.HasUnresolvedComments, status.UnresolvedThreadCount)
	}
}

func TestGetBranchHead_ReturnsSHA(t *testing.T) {
	cmd := &mockCmd{outputs: []string{"abc123\n"}, errs: []error{nil}}
	c := NewClient(cmd, "test")

	head, err := c.GetBranchHead("feature/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != "abc123" {
		t.Errorf("head = %q, want abc123", head)
	}
}

func TestEditPRBase_IssuesEditCommand(t *testing.T) {
	cmd := &mockCmd{outputs: []string{""}, errs: []error{nil}}
	c := NewClient(cmd, "test")

	if err := c.EditPRBase(42, "main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cmd.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(cmd.calls))
	}
	want := []string{"pr", "edit", "42", "--base", "main"}
	got := cmd.calls[0]
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("args = %v, want %v", got, want)
		}
	}
}

func TestMarkPRReady_PropagatesFailure(t *testing.T) {
	cmd := &mockCmd{outputs: []string{""}, errs: []error{errors.New("gh: not found")}}
	c := NewClient(cmd, "test")

	if err := c.MarkPRReady(7); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cmd := &mockCmd{
		outputs: make([]string, 6),
		errs:    []error{errors.New("e"), errors.New("e"), errors.New("e"), errors.New("e"), errors.New("e"), nil},
	}
	c := NewClient(cmd, "test-trip")

	for i := 0; i < 5; i++ {
		if err := c.EditPRBase(1, "main"); err == nil {
			t.Fatalf("call %d: expected underlying failure", i)
		}
	}

	// The breaker should now be open: the 6th call must fail fast without
	// reaching the mock command at all, even though the mock's 6th slot is
	// the first success.
	callsBefore := len(cmd.calls)
	err := c.EditPRBase(1, "main")
	if err == nil {
		t.Fatal("expected circuit breaker to short-circuit the 6th call")
	}
	if len(cmd.calls) != callsBefore {
		t.Errorf("expected no additional call once circuit is open, calls went from %d to %d", callsBefore, len(cmd.calls))
	}
}
