package plan

import (
	"context"
	"testing"
	"time"
)

func TestAddStepCreatesProposedPlan(t *testing.T) {
	m := NewManager()
	p := m.AddStep("session-1", "write_file", []byte(`{"path":"a.txt"}`), "Write to a.txt")
	if p.Status != StatusProposed {
		t.Fatalf("expected proposed, got %s", p.Status)
	}
	if len(p.Steps) != 1 || p.Steps[0].Preview != "Write to a.txt" {
		t.Fatalf("unexpected steps: %+v", p.Steps)
	}
}

func TestCreatePlanReplacesPriorRegardlessOfStatus(t *testing.T) {
	m := NewManager()
	m.AddStep("s", "tool", nil, "x")
	if _, ok := m.Approve("s"); !ok {
		t.Fatal("expected approve to succeed")
	}
	replaced := m.CreatePlan("s")
	if replaced.Status != StatusProposed {
		t.Fatalf("expected fresh plan to be proposed, got %s", replaced.Status)
	}
	if len(replaced.Steps) != 0 {
		t.Fatalf("expected fresh plan with no steps, got %+v", replaced.Steps)
	}
}

func TestWaitForApprovalReleasedByApprove(t *testing.T) {
	m := NewManager()
	m.AddStep("s", "tool", nil, "x")

	done := make(chan Status, 1)
	go func() {
		status, err := m.WaitForApproval(context.Background(), "s", time.Second)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		done <- status
	}()

	time.Sleep(10 * time.Millisecond)
	if _, ok := m.Approve("s"); !ok {
		t.Fatal("approve failed")
	}

	select {
	case status := <-done:
		if status != StatusApproved {
			t.Fatalf("expected approved, got %s", status)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestWaitForApprovalTimesOut(t *testing.T) {
	m := NewManager()
	m.AddStep("s", "tool", nil, "x")
	_, err := m.WaitForApproval(context.Background(), "s", 20*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestGetActivePurgesExpiredProposed(t *testing.T) {
	m := NewManager()
	base := time.Now()
	m.nowFunc = func() time.Time { return base }
	m.AddStep("s", "tool", nil, "x")

	m.nowFunc = func() time.Time { return base.Add(6 * time.Minute) }
	if _, ok := m.GetActive("s"); ok {
		t.Fatal("expected expired plan to be absent")
	}
	if _, ok := m.GetActive("s"); ok {
		t.Fatal("expected plan to remain purged")
	}
}

func TestReplacingRejectsPriorWaiter(t *testing.T) {
	m := NewManager()
	m.AddStep("s", "tool", nil, "x")

	done := make(chan Status, 1)
	go func() {
		status, _ := m.WaitForApproval(context.Background(), "s", time.Second)
		done <- status
	}()

	time.Sleep(10 * time.Millisecond)
	m.CreatePlan("s")

	select {
	case status := <-done:
		if status != StatusRejected {
			t.Fatalf("expected prior waiter to see rejected, got %s", status)
		}
	case <-time.After(time.Second):
		t.Fatal("prior waiter was not released on replace")
	}
}
