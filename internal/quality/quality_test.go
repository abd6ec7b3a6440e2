package quality_test

import (
	"errors"
	"strings"
	"testing"

	"protovault/internal/domain"
	"protovault/internal/quality"
)

func fullDraft() domain.Protocol {
	return domain.Protocol{
		ID:            "sop-onboarding",
		Title:         "Onboarding Flow",
		Purpose:       strings.Repeat("p", 25),
		ScopeIncludes: strings.Repeat("s", 15),
		Roles:         []domain.Role{{Role: "HR Manager"}},
		Steps: []domain.Step{
			{ID: "1", Type: "action"},
			{ID: "2", Type: "decision"},
			{ID: "3", Type: "input"},
			{ID: "4", Type: "automation"},
		},
	}
}

func TestMissingRiskDimensionBlocksPublish(t *testing.T) {
	// structure=100, logic=100, risk=0 -> round(200/3) = 67
	s := quality.Evaluate(fullDraft())
	if s.Structure != 100 || s.Logic != 100 || s.Risk != 0 {
		t.Fatalf("breakdown = %+v", s)
	}
	if s.Total != 67 {
		t.Fatalf("total = %d, want 67", s.Total)
	}
	if _, err := quality.CheckPublish(fullDraft()); err == nil {
		t.Fatalf("67 must be rejected")
	}
}

func TestPublishPassesAtThreshold(t *testing.T) {
	p := fullDraft()
	p.Risks = []domain.Risk{{Trigger: "vendor outage"}}
	p.Escalation = []domain.Escalation{{Condition: "SLA breach", Contact: "ops"}}
	// structure 100 + logic 100 + risk 70 = round(270/3) = 90
	s, err := quality.CheckPublish(p)
	if err != nil {
		t.Fatalf("expected pass: %v (score %+v)", err, s)
	}
	if s.Total != 90 {
		t.Fatalf("total = %d, want 90", s.Total)
	}
}

func TestStructureWeights(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Protocol)
		want   int
	}{
		{"short title", func(p *domain.Protocol) { p.Title = "Hi" }, 80},
		{"no id", func(p *domain.Protocol) { p.ID = "" }, 90},
		{"short purpose", func(p *domain.Protocol) { p.Purpose = "brief" }, 80},
		{"short scope", func(p *domain.Protocol) { p.ScopeIncludes = "tiny" }, 80},
		{"no roles", func(p *domain.Protocol) { p.Roles = nil }, 70},
	}
	for _, c := range cases {
		p := fullDraft()
		c.mutate(&p)
		if got := quality.Evaluate(p).Structure; got != c.want {
			t.Errorf("%s: structure = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestLogicWeights(t *testing.T) {
	p := fullDraft()
	p.Steps = []domain.Step{{ID: "1", Type: "action"}, {ID: "2", Type: "action"}}
	if got := quality.Evaluate(p).Logic; got != 0 {
		t.Fatalf("two action steps: logic = %d, want 0", got)
	}
	p.Steps = append(p.Steps, domain.Step{ID: "3", Type: "decision"})
	if got := quality.Evaluate(p).Logic; got != 70 {
		t.Fatalf("3 steps + decision: logic = %d, want 70", got)
	}
}

func TestRiskWeights(t *testing.T) {
	p := fullDraft()
	p.KPIs = []string{"cycle time"}
	if got := quality.Evaluate(p).Risk; got != 30 {
		t.Fatalf("kpi only: risk = %d, want 30", got)
	}
}

func TestIdempotent(t *testing.T) {
	p := fullDraft()
	if quality.Evaluate(p) != quality.Evaluate(p) {
		t.Fatalf("score must be a pure function of the draft")
	}
}

func TestRoundHalfUp(t *testing.T) {
	// structure 30 + logic 30 + risk 40 = 100/3 = 33.33 -> 33
	p := domain.Protocol{
		Roles: []domain.Role{{Role: "op"}},
		Steps: []domain.Step{{Type: "action"}, {Type: "action"}, {Type: "action"}},
		Risks: []domain.Risk{{Trigger: "t"}},
	}
	if got := quality.Evaluate(p).Total; got != 33 {
		t.Fatalf("total = %d, want 33", got)
	}
	// structure 70 + logic 70 + risk 0: 140/3 = 46.67 -> 47
	p2 := domain.Protocol{
		ID:            "x",
		Title:         "Longer Title",
		Purpose:       strings.Repeat("p", 25),
		ScopeIncludes: strings.Repeat("s", 15),
		Steps:         []domain.Step{{Type: "decision"}, {Type: "input"}},
	}
	if got := quality.Evaluate(p2).Total; got != 47 {
		t.Fatalf("total = %d, want 47", got)
	}
}

func TestSubThresholdError(t *testing.T) {
	_, err := quality.CheckPublish(fullDraft())
	var sub quality.SubThresholdError
	if !errors.As(err, &sub) {
		t.Fatalf("expected SubThresholdError, got %T", err)
	}
	if sub.Score.Weakest() != "risk" {
		t.Fatalf("weakest = %s, want risk", sub.Score.Weakest())
	}
}
