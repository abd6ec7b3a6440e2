package run

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"protovault/internal/domain"
)

// ErrNoExecutableSteps is raised before a state machine is constructed for a
// protocol with an empty step list. Distinct from any entitlement denial.
var ErrNoExecutableSteps = errors.New("protocol has no executable steps")

// DefaultRole is recorded in log entries for steps with no required role.
const DefaultRole = "General Operator"

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Decision choices for decision-type steps.
const (
	ChoiceApproved = "approved"
	ChoiceRejected = "rejected"
)

// Captured holds the value entered for the current step. All three slots are
// cleared on every step entry so a prior step's leftover value can never
// satisfy the next step's gate.
type Captured struct {
	Confirmed bool   `json:"confirmed,omitempty"`
	Choice    string `json:"choice,omitempty"`
	Text      string `json:"text,omitempty"`
}

// State drives a single execution of a protocol's ordered step list. It is a
// plain value owned by one session; Advance is the sole gate past a step.
type State struct {
	Steps     []domain.Step
	Index     int
	Completed []string
	Captured  Captured
	Status    Status
	Log       []domain.LogEntry
}

// New builds a state machine positioned at step 0.
func New(steps []domain.Step) (*State, error) {
	if len(steps) == 0 {
		return nil, ErrNoExecutableSteps
	}
	return &State{Steps: steps, Status: StatusRunning}, nil
}

// Resume rebuilds a state machine from persisted fields.
func Resume(steps []domain.Step, index int, completed []string, status Status) (*State, error) {
	if len(steps) == 0 {
		return nil, ErrNoExecutableSteps
	}
	if index < 0 || index >= len(steps) {
		return nil, fmt.Errorf("step index %d out of range [0,%d)", index, len(steps))
	}
	return &State{Steps: steps, Index: index, Completed: completed, Status: status}, nil
}

// Current returns the active step.
func (s *State) Current() domain.Step {
	return s.Steps[s.Index]
}

// CanAdvance evaluates the per-step-type gate for the current step.
//   - action: the operator must have explicitly confirmed
//   - decision: a choice of approved or rejected must be set
//   - input: non-blank text after trimming
//   - automation: always satisfied
func CanAdvance(step domain.Step, c Captured) bool {
	switch step.Type {
	case "action":
		return c.Confirmed
	case "decision":
		return c.Choice == ChoiceApproved || c.Choice == ChoiceRejected
	case "input":
		return strings.TrimSpace(c.Text) != ""
	case "automation":
		return true
	default:
		return true
	}
}

// Advance attempts to move past the current step. On an unsatisfied gate it
// is a no-op returning false and the state is unchanged. Otherwise it appends
// a log entry, records the step as completed, and either advances to the next
// step (clearing all captured slots) or transitions to Completed.
func (s *State) Advance(now time.Time) bool {
	if s.Status != StatusRunning {
		return false
	}
	step := s.Current()
	if !CanAdvance(step, s.Captured) {
		return false
	}
	s.Log = append(s.Log, entryFor(step, s.Captured, now))
	s.markCompleted(step.ID)
	if s.Index == len(s.Steps)-1 {
		s.Status = StatusCompleted
		return true
	}
	s.Index++
	s.Captured = Captured{}
	return true
}

// Abandon terminates the run before completion. The partial log remains
// renderable; no-op once the run already reached a terminal state.
func (s *State) Abandon() {
	if s.Status == StatusRunning {
		s.Status = StatusAbandoned
	}
}

// Progress returns completed steps out of total.
func (s *State) Progress() (done, total int) {
	return len(s.Completed), len(s.Steps)
}

func (s *State) markCompleted(stepID string) {
	for _, id := range s.Completed {
		if id == stepID {
			return
		}
	}
	s.Completed = append(s.Completed, stepID)
}

func entryFor(step domain.Step, c Captured, now time.Time) domain.LogEntry {
	role := step.RequiredRole
	if role == "" {
		role = DefaultRole
	}
	return domain.LogEntry{
		StepID:      step.ID,
		Title:       step.Title,
		Description: step.Description,
		Role:        role,
		Action:      describeAction(step, c),
		TS:          now.UTC().Format(time.RFC3339),
	}
}

func describeAction(step domain.Step, c Captured) string {
	switch step.Type {
	case "action":
		return "Confirmed Checkbox"
	case "decision":
		return "Decision: " + strings.ToUpper(c.Choice)
	case "input":
		return fmt.Sprintf("Input Value: %q", c.Text)
	default:
		return "Automated Trigger"
	}
}
