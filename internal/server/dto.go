package server

import (
	"protovault/internal/domain"
	"protovault/internal/quality"
)

// Request payloads

type ProtocolDraftRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
	Version     *string `json:"version,omitempty"`

	Price           float64 `json:"price,omitempty"`
	TierAccess      *string `json:"tier_access,omitempty" enum:"observer,operator,commander,authority,sovereign"`
	ExecutionWeight *int    `json:"execution_weight,omitempty"`
	RiskClass       *string `json:"risk_class,omitempty"`
	Jurisdiction    *string `json:"jurisdiction,omitempty"`

	Purpose       *string             `json:"purpose,omitempty"`
	ScopeIncludes *string             `json:"scope_includes,omitempty"`
	ScopeExcludes *string             `json:"scope_excludes,omitempty"`
	Roles         []domain.Role       `json:"roles,omitempty"`
	Prerequisites []string            `json:"prerequisites,omitempty"`
	Inputs        []string            `json:"inputs,omitempty"`
	Outputs       []string            `json:"outputs,omitempty"`
	KPIs          []string            `json:"kpis,omitempty"`
	Risks         []domain.Risk       `json:"risks,omitempty"`
	Escalation    []domain.Escalation `json:"escalation,omitempty"`
	ChangeLog     []domain.ChangeNote `json:"change_log,omitempty"`
	Steps         []domain.Step       `json:"steps,omitempty"`
}

func (r ProtocolDraftRequest) toDomain() domain.Protocol {
	p := domain.Protocol{
		Title:         r.Title,
		Price:         r.Price,
		Roles:         r.Roles,
		Prerequisites: r.Prerequisites,
		Inputs:        r.Inputs,
		Outputs:       r.Outputs,
		KPIs:          r.KPIs,
		Risks:         r.Risks,
		Escalation:    r.Escalation,
		ChangeLog:     r.ChangeLog,
		Steps:         r.Steps,
	}
	setIf(&p.Description, r.Description)
	setIf(&p.Category, r.Category)
	setIf(&p.Version, r.Version)
	setIf(&p.TierAccess, r.TierAccess)
	setIf(&p.RiskClass, r.RiskClass)
	setIf(&p.Jurisdiction, r.Jurisdiction)
	setIf(&p.Purpose, r.Purpose)
	setIf(&p.ScopeIncludes, r.ScopeIncludes)
	setIf(&p.ScopeExcludes, r.ScopeExcludes)
	if r.ExecutionWeight != nil {
		p.ExecutionWeight = *r.ExecutionWeight
	}
	return p
}

func setIf(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

type StartRunRequest struct {
	SessionID *string `json:"session_id,omitempty"`
}

type AdvanceRunRequest struct {
	Confirmed bool   `json:"confirmed,omitempty"`
	Choice    string `json:"choice,omitempty" enum:",approved,rejected"`
	Text      string `json:"text,omitempty"`
}

type SetEntitlementRequest struct {
	Tier string `json:"tier" enum:"observer,operator,commander,authority,sovereign"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ScoreResponse struct {
	Total     int    `json:"total"`
	Structure int    `json:"structure"`
	Logic     int    `json:"logic"`
	Risk      int    `json:"risk"`
	Weakest   string `json:"weakest"`
	Threshold int    `json:"threshold"`
}

func scoreResponse(s quality.Score) ScoreResponse {
	return ScoreResponse{
		Total:     s.Total,
		Structure: s.Structure,
		Logic:     s.Logic,
		Risk:      s.Risk,
		Weakest:   s.Weakest(),
		Threshold: quality.PublishThreshold,
	}
}

type PublishResponse struct {
	Protocol domain.Protocol `json:"protocol"`
	Score    ScoreResponse   `json:"score"`
}

type ReportResponse struct {
	RunID  string `json:"run_id"`
	Report string `json:"report"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
