package quality

import (
	"fmt"
	"math"

	"protovault/internal/domain"
)

// PublishThreshold is the minimum total score a draft needs to go active.
// Enforced as a hard block with no override path.
const PublishThreshold = 80

// Score is a deterministic structural completeness breakdown, each dimension
// 0..100. Recomputed fresh from the draft on every call; never persisted.
type Score struct {
	Total     int `json:"total"`
	Structure int `json:"structure"`
	Logic     int `json:"logic"`
	Risk      int `json:"risk"`
}

// Weakest names the lowest-scoring dimension, for author guidance.
func (s Score) Weakest() string {
	name, min := "structure", s.Structure
	if s.Logic < min {
		name, min = "logic", s.Logic
	}
	if s.Risk < min {
		name = "risk"
	}
	return name
}

// SubThresholdError is returned when publish is refused; it carries the
// breakdown so the caller can point at the weakest dimension.
type SubThresholdError struct {
	Score Score
}

func (e SubThresholdError) Error() string {
	return fmt.Sprintf("quality score %d below publish threshold %d (weakest: %s)",
		e.Score.Total, PublishThreshold, e.Score.Weakest())
}

// Evaluate computes the quality score of a draft. The weight table is part of
// the publish contract; the final division rounds half up.
func Evaluate(p domain.Protocol) Score {
	structure := 0
	if len(p.Title) > 5 {
		structure += 20
	}
	if p.ID != "" {
		structure += 10
	}
	if len(p.Purpose) > 20 {
		structure += 20
	}
	if len(p.ScopeIncludes) > 10 {
		structure += 20
	}
	if len(p.Roles) > 0 {
		structure += 30
	}

	logic := 0
	if len(p.Steps) >= 3 {
		logic += 30
	}
	if hasStepType(p.Steps, "decision") {
		logic += 40
	}
	if hasStepType(p.Steps, "input") {
		logic += 30
	}

	risk := 0
	if len(p.Risks) > 0 {
		risk += 40
	}
	if len(p.Escalation) > 0 {
		risk += 30
	}
	if len(p.KPIs) > 0 {
		risk += 30
	}

	total := int(math.Floor(float64(structure+logic+risk)/3 + 0.5))
	return Score{Total: total, Structure: structure, Logic: logic, Risk: risk}
}

// CheckPublish returns the score and a SubThresholdError when it falls short.
func CheckPublish(p domain.Protocol) (Score, error) {
	s := Evaluate(p)
	if s.Total < PublishThreshold {
		return s, SubThresholdError{Score: s}
	}
	return s, nil
}

func hasStepType(steps []domain.Step, typ string) bool {
	for _, s := range steps {
		if s.Type == typ {
			return true
		}
	}
	return false
}
