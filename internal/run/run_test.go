package run_test

import (
	"testing"
	"time"

	"protovault/internal/domain"
	"protovault/internal/run"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func threeSteps() []domain.Step {
	return []domain.Step{
		{ID: "s1", Title: "Confirm intake", Type: "action"},
		{ID: "s2", Title: "Approve budget", Type: "decision", RequiredRole: "Finance Lead"},
		{ID: "s3", Title: "Record ticket id", Type: "input"},
	}
}

func TestNewRejectsEmptySteps(t *testing.T) {
	if _, err := run.New(nil); err != run.ErrNoExecutableSteps {
		t.Fatalf("expected ErrNoExecutableSteps, got %v", err)
	}
}

func TestActionGate(t *testing.T) {
	s, err := run.New(threeSteps())
	if err != nil {
		t.Fatal(err)
	}
	// unconfirmed action is a no-op
	if s.Advance(now) {
		t.Fatalf("advance should no-op with confirmed=false")
	}
	if s.Index != 0 || len(s.Log) != 0 {
		t.Fatalf("state mutated on no-op: index=%d log=%d", s.Index, len(s.Log))
	}
	s.Captured.Confirmed = true
	if !s.Advance(now) {
		t.Fatalf("advance should succeed once confirmed")
	}
	if s.Index != 1 || len(s.Log) != 1 {
		t.Fatalf("index=%d log=%d, want 1/1", s.Index, len(s.Log))
	}
}

func TestCapturedClearedBetweenSteps(t *testing.T) {
	s, _ := run.New(threeSteps())
	s.Captured = run.Captured{Confirmed: true, Choice: run.ChoiceApproved, Text: "leftover"}
	s.Advance(now)
	if s.Captured != (run.Captured{}) {
		t.Fatalf("captured slots not cleared: %+v", s.Captured)
	}
	// leftover values must not satisfy the decision gate
	if s.Advance(now) {
		t.Fatalf("decision gate passed with no choice set")
	}
}

func TestDecisionGate(t *testing.T) {
	s, _ := run.New(threeSteps())
	s.Captured.Confirmed = true
	s.Advance(now)

	s.Captured.Choice = "maybe"
	if s.Advance(now) {
		t.Fatalf("invalid choice accepted")
	}
	s.Captured.Choice = run.ChoiceRejected
	if !s.Advance(now) {
		t.Fatalf("rejected is a valid choice")
	}
	if got := s.Log[1].Action; got != "Decision: REJECTED" {
		t.Fatalf("action rendering = %q", got)
	}
}

func TestInputGate(t *testing.T) {
	s, _ := run.New(threeSteps())
	s.Captured.Confirmed = true
	s.Advance(now)
	s.Captured.Choice = run.ChoiceApproved
	s.Advance(now)

	s.Captured.Text = "   "
	if s.Advance(now) {
		t.Fatalf("blank input accepted")
	}
	s.Captured.Text = "TCK-42"
	if !s.Advance(now) {
		t.Fatalf("input gate should pass")
	}
	if s.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
}

func TestAutomationAlwaysPasses(t *testing.T) {
	s, _ := run.New([]domain.Step{{ID: "a", Title: "Sync", Type: "automation"}})
	if !s.Advance(now) {
		t.Fatalf("automation gate should always pass")
	}
	if s.Log[0].Action != "Automated Trigger" {
		t.Fatalf("action = %q", s.Log[0].Action)
	}
	if s.Log[0].Role != run.DefaultRole {
		t.Fatalf("role = %q, want default", s.Log[0].Role)
	}
}

func TestCompletesExactlyOnce(t *testing.T) {
	s, _ := run.New(threeSteps())
	s.Captured.Confirmed = true
	s.Advance(now)
	s.Captured.Choice = run.ChoiceApproved
	s.Advance(now)
	if s.Status == run.StatusCompleted {
		t.Fatalf("completed before last gate satisfied")
	}
	s.Captured.Text = "done"
	s.Advance(now)
	if s.Status != run.StatusCompleted {
		t.Fatalf("not completed after final step")
	}
	// terminal state: further advances are no-ops
	if s.Advance(now) {
		t.Fatalf("advance after completion must no-op")
	}
	if done, total := s.Progress(); done != 3 || total != 3 {
		t.Fatalf("progress = %d/%d", done, total)
	}
}

func TestLogOrderAndUniqueness(t *testing.T) {
	steps := threeSteps()
	s, _ := run.New(steps)
	s.Captured.Confirmed = true
	s.Advance(now)
	s.Captured.Choice = run.ChoiceApproved
	s.Advance(now)
	s.Captured.Text = "x"
	s.Advance(now)
	if len(s.Log) != len(steps) {
		t.Fatalf("log entries = %d, want %d", len(s.Log), len(steps))
	}
	for i, e := range s.Log {
		if e.StepID != steps[i].ID {
			t.Fatalf("log[%d] step %s, want %s", i, e.StepID, steps[i].ID)
		}
	}
	if len(s.Completed) != len(steps) {
		t.Fatalf("completed set = %d", len(s.Completed))
	}
}

func TestAbandon(t *testing.T) {
	s, _ := run.New(threeSteps())
	s.Captured.Confirmed = true
	s.Advance(now)
	s.Abandon()
	if s.Status != run.StatusAbandoned {
		t.Fatalf("status = %s", s.Status)
	}
	if s.Advance(now) {
		t.Fatalf("abandoned run must not advance")
	}
	if len(s.Log) != 1 {
		t.Fatalf("partial log lost")
	}
	// abandoning a completed run is a no-op
	c, _ := run.New([]domain.Step{{ID: "a", Type: "automation"}})
	c.Advance(now)
	c.Abandon()
	if c.Status != run.StatusCompleted {
		t.Fatalf("abandon overwrote terminal state")
	}
}

func TestResume(t *testing.T) {
	s, err := run.Resume(threeSteps(), 1, []string{"s1"}, run.StatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	if s.Current().ID != "s2" {
		t.Fatalf("current = %s", s.Current().ID)
	}
	if _, err := run.Resume(threeSteps(), 5, nil, run.StatusRunning); err == nil {
		t.Fatalf("expected out of range error")
	}
}
