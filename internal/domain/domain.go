package domain

type Protocol struct {
	ID          string `json:"id"`
	AuthorID    string `json:"author_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Version     string `json:"version"`
	Status      string `json:"status" enum:"draft,active,archived,rejected"`

	Price float64 `json:"price"`
	// TierAccess and ExecutionWeight are optional declared overrides;
	// when empty/zero the tier ledger derives both from Price.
	TierAccess      string `json:"tier_access,omitempty"`
	ExecutionWeight int    `json:"execution_weight,omitempty"`
	RiskClass       string `json:"risk_class,omitempty"`
	Jurisdiction    string `json:"jurisdiction,omitempty"`

	Purpose       string       `json:"purpose,omitempty"`
	ScopeIncludes string       `json:"scope_includes,omitempty"`
	ScopeExcludes string       `json:"scope_excludes,omitempty"`
	Roles         []Role       `json:"roles,omitempty"`
	Prerequisites []string     `json:"prerequisites,omitempty"`
	Inputs        []string     `json:"inputs,omitempty"`
	Outputs       []string     `json:"outputs,omitempty"`
	KPIs          []string     `json:"kpis,omitempty"`
	Risks         []Risk       `json:"risks,omitempty"`
	Escalation    []Escalation `json:"escalation,omitempty"`
	ChangeLog     []ChangeNote `json:"change_log,omitempty"`

	Steps []Step `json:"steps,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Role struct {
	Role             string `json:"role"`
	Authority        string `json:"authority,omitempty"`
	Responsibilities string `json:"responsibilities,omitempty"`
}

type Risk struct {
	Trigger    string `json:"trigger"`
	Mitigation string `json:"mitigation,omitempty"`
	Severity   string `json:"severity,omitempty"`
}

type Escalation struct {
	Condition string `json:"condition"`
	Contact   string `json:"contact"`
	SLA       string `json:"sla,omitempty"`
}

type ChangeNote struct {
	Version string `json:"version"`
	Date    string `json:"date"`
	Author  string `json:"author"`
	Changes string `json:"changes"`
}

// Step is one node in a protocol's execution sequence. Type decides
// which gate applies before a run may advance past it.
type Step struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Type         string `json:"type" enum:"action,decision,input,automation"`
	RequiredRole string `json:"required_role,omitempty"`
}

// Run is the persisted form of one execution attempt.
type Run struct {
	ID         string  `json:"id"`
	ProtocolID string  `json:"protocol_id"`
	ActorID    string  `json:"actor_id"`
	SessionID  string  `json:"session_id"`
	StepIndex  int     `json:"step_index"`
	Status     string  `json:"status" enum:"running,completed,abandoned"`
	Cost       int     `json:"cost"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
	EndedAt    *string `json:"ended_at,omitempty" format:"date-time"`
}

// LogEntry records one completed step within a run. Never mutated after insert.
type LogEntry struct {
	ID          int64  `json:"id"`
	RunID       string `json:"run_id"`
	StepID      string `json:"step_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Role        string `json:"role"`
	Action      string `json:"action"`
	TS          string `json:"ts" format:"date-time"`
}

// Entitlement is an actor's license snapshot. A balance of -1 means unlimited.
type Entitlement struct {
	ActorID   string `json:"actor_id"`
	Tier      string `json:"tier" enum:"observer,operator,commander,authority,sovereign"`
	Balance   int    `json:"balance"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
