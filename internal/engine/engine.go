package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"protovault/internal/audit"
	"protovault/internal/config"
	"protovault/internal/domain"
	"protovault/internal/events"
	"protovault/internal/gate"
	"protovault/internal/quality"
	"protovault/internal/repo"
	"protovault/internal/run"
	"protovault/internal/tier"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ErrStepGateUnsatisfied is returned when an advance attempt does not satisfy
// the current step's gate. The run is unchanged.
var ErrStepGateUnsatisfied = errors.New("current step gate not satisfied")

// ErrRunNotRunning is returned for advance/abandon attempts on terminal runs.
var ErrRunNotRunning = errors.New("run is not running")

// ErrNotRunOwner is returned when an actor touches a run they did not start.
var ErrNotRunOwner = errors.New("run belongs to a different actor")

// InitVault seeds the vault config row with migrations already run.
func (e Engine) InitVault(ctx context.Context, vaultID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(vaultID)
	}
	if err := e.Repo.UpsertVaultConfigTx(ctx, tx, vaultID, cfg); err != nil {
		return fmt.Errorf("insert vault config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "vault.init", "vault", vaultID, actorID, events.EventPayload{"kind": "protocol-vault"}); err != nil {
		return err
	}
	return tx.Commit()
}

// ProtocolCreateOptions are parameters for creating a draft.
type ProtocolCreateOptions struct {
	ID       string
	AuthorID string
	Draft    domain.Protocol
}

// CreateProtocol stores a new protocol in draft status. The document's
// lifecycle fields are engine-owned and overwrite whatever the draft carries.
func (e Engine) CreateProtocol(ctx context.Context, opts ProtocolCreateOptions) (domain.Protocol, error) {
	if opts.Draft.Title == "" {
		return domain.Protocol{}, errors.New("title is required")
	}
	if opts.AuthorID == "" {
		return domain.Protocol{}, errors.New("author is required")
	}
	if e.Config != nil && opts.Draft.Category != "" && !contains(e.Config.Categories, opts.Draft.Category) {
		return domain.Protocol{}, fmt.Errorf("unknown category %s", opts.Draft.Category)
	}
	for i, s := range opts.Draft.Steps {
		if err := validateStep(s, i); err != nil {
			return domain.Protocol{}, err
		}
	}

	now := e.stamp()
	p := opts.Draft
	p.ID = opts.ID
	if p.ID == "" {
		p.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.AuthorID+"|"+p.Title+"|"+now)).String()
	}
	p.AuthorID = opts.AuthorID
	p.Status = "draft"
	if p.Version == "" {
		p.Version = "1.0"
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Protocol{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProtocol(ctx, tx, p); err != nil {
		return domain.Protocol{}, fmt.Errorf("insert protocol: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "protocol.create", "protocol", p.ID, opts.AuthorID, events.EventPayload{"title": p.Title, "status": p.Status}); err != nil {
		return domain.Protocol{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Protocol{}, err
	}
	return p, nil
}

// UpdateProtocol replaces a draft's content. Only the author may edit, and
// only while the protocol is still a draft; published documents are immutable.
func (e Engine) UpdateProtocol(ctx context.Context, id, actorID string, draft domain.Protocol) (domain.Protocol, error) {
	p, err := e.Repo.GetProtocol(ctx, id)
	if err != nil {
		return domain.Protocol{}, err
	}
	if p.AuthorID != actorID {
		return domain.Protocol{}, fmt.Errorf("protocol %s belongs to a different author", id)
	}
	if p.Status != "draft" {
		return domain.Protocol{}, fmt.Errorf("protocol %s is %s; only drafts can be edited", id, p.Status)
	}
	if draft.Title == "" {
		return domain.Protocol{}, errors.New("title is required")
	}
	for i, s := range draft.Steps {
		if err := validateStep(s, i); err != nil {
			return domain.Protocol{}, err
		}
	}

	next := draft
	next.ID = p.ID
	next.AuthorID = p.AuthorID
	next.Status = p.Status
	next.CreatedAt = p.CreatedAt
	next.UpdatedAt = e.stamp()
	if next.Version == "" {
		next.Version = p.Version
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Protocol{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateProtocol(ctx, tx, next); err != nil {
		return domain.Protocol{}, fmt.Errorf("update protocol: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "protocol.update", "protocol", next.ID, actorID, events.EventPayload{"title": next.Title}); err != nil {
		return domain.Protocol{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Protocol{}, err
	}
	return next, nil
}

// ScoreProtocol recomputes the quality breakdown. Read-only.
func (e Engine) ScoreProtocol(ctx context.Context, id string) (quality.Score, error) {
	p, err := e.Repo.GetProtocol(ctx, id)
	if err != nil {
		return quality.Score{}, err
	}
	return quality.Evaluate(p), nil
}

// PublishProtocol moves a draft to active. The quality gate is a hard block;
// a sub-threshold draft stays in draft with the breakdown in the error.
func (e Engine) PublishProtocol(ctx context.Context, id, actorID string) (domain.Protocol, quality.Score, error) {
	p, err := e.Repo.GetProtocol(ctx, id)
	if err != nil {
		return domain.Protocol{}, quality.Score{}, err
	}
	if err := ensureProtocolTransition(p.Status, "active"); err != nil {
		return domain.Protocol{}, quality.Score{}, err
	}
	score, err := quality.CheckPublish(p)
	if err != nil {
		return domain.Protocol{}, score, err
	}
	if p.RiskClass == "" {
		p.RiskClass = deriveRiskClass(p.Risks)
	}
	p.Status = "active"
	p.UpdatedAt = e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Protocol{}, score, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateProtocol(ctx, tx, p); err != nil {
		return domain.Protocol{}, score, fmt.Errorf("publish protocol: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "protocol.publish", "protocol", p.ID, actorID, events.EventPayload{
		"score":      score.Total,
		"risk_class": p.RiskClass,
	}); err != nil {
		return domain.Protocol{}, score, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Protocol{}, score, err
	}
	return p, score, nil
}

// ArchiveProtocol retires an active protocol. Existing runs are untouched.
func (e Engine) ArchiveProtocol(ctx context.Context, id, actorID string) (domain.Protocol, error) {
	return e.transitionProtocol(ctx, id, actorID, "archived", "protocol.archive")
}

// RejectProtocol marks a draft as rejected by review.
func (e Engine) RejectProtocol(ctx context.Context, id, actorID string) (domain.Protocol, error) {
	return e.transitionProtocol(ctx, id, actorID, "rejected", "protocol.reject")
}

func (e Engine) transitionProtocol(ctx context.Context, id, actorID, target, evtType string) (domain.Protocol, error) {
	p, err := e.Repo.GetProtocol(ctx, id)
	if err != nil {
		return domain.Protocol{}, err
	}
	if err := ensureProtocolTransition(p.Status, target); err != nil {
		return domain.Protocol{}, err
	}
	p.Status = target
	p.UpdatedAt = e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Protocol{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateProtocolStatus(ctx, tx, p.ID, p.Status, p.UpdatedAt); err != nil {
		return domain.Protocol{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "protocol", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Protocol{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Protocol{}, err
	}
	return p, nil
}

// ensureProtocolTransition guards the protocol lifecycle. Publishing passes
// the quality gate separately; this is only the status edge check.
func ensureProtocolTransition(oldStatus, newStatus string) error {
	allowed := map[string][]string{
		"draft":    {"active", "rejected"},
		"active":   {"archived"},
		"rejected": {"draft"},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return fmt.Errorf("invalid protocol transition %s -> %s", oldStatus, newStatus)
}

func deriveRiskClass(risks []domain.Risk) string {
	for _, r := range risks {
		if strings.EqualFold(r.Severity, "high") {
			return "High"
		}
	}
	if len(risks) > 0 {
		return "Medium"
	}
	return "Low"
}

// GetEntitlement returns the actor's entitlement, defaulting a never-seen
// actor to the lowest tier and the configured starting balance. The default
// is not persisted until first debit or explicit set.
func (e Engine) GetEntitlement(ctx context.Context, actorID string) (domain.Entitlement, error) {
	ent, err := e.Repo.GetEntitlement(ctx, actorID)
	if err == repo.ErrNotFound {
		return e.defaultEntitlement(actorID), nil
	}
	return ent, err
}

func (e Engine) defaultEntitlement(actorID string) domain.Entitlement {
	balance := 2
	if e.Config != nil {
		balance = e.Config.Tiers.StartingBalance
	}
	return domain.Entitlement{ActorID: actorID, Tier: string(tier.Observer), Balance: balance}
}

// SetEntitlement moves an actor to a tier and applies the tier's credit
// grant from config.
func (e Engine) SetEntitlement(ctx context.Context, actorID, tierName, byActorID string) (domain.Entitlement, error) {
	t := tier.Tier(tierName)
	if !tier.Valid(t) {
		return domain.Entitlement{}, fmt.Errorf("unknown tier %s", tierName)
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default("default")
	}
	credits, unlimited := cfg.GrantFor(t)
	balance := credits
	if unlimited {
		balance = gate.UnlimitedBalance
	}
	ent := domain.Entitlement{
		ActorID:   actorID,
		Tier:      string(t),
		Balance:   balance,
		UpdatedAt: e.stamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entitlement{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertEntitlement(ctx, tx, ent); err != nil {
		return domain.Entitlement{}, fmt.Errorf("upsert entitlement: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "entitlement.set", "entitlement", actorID, byActorID, events.EventPayload{
		"tier":    ent.Tier,
		"balance": ent.Balance,
	}); err != nil {
		return domain.Entitlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entitlement{}, err
	}
	return ent, nil
}

// StartRunOptions are parameters for starting a run.
type StartRunOptions struct {
	ProtocolID string
	ActorID    string
	SessionID  string
}

// StartRun authorizes and opens a run. The step-list check comes before the
// entitlement gate so an empty protocol never costs a denial or a credit.
// Cost deduction, run insert and event append share one transaction.
func (e Engine) StartRun(ctx context.Context, opts StartRunOptions) (domain.Run, error) {
	p, err := e.Repo.GetProtocol(ctx, opts.ProtocolID)
	if err != nil {
		return domain.Run{}, err
	}
	if p.Status != "active" {
		return domain.Run{}, fmt.Errorf("protocol %s is %s; only active protocols can be run", p.ID, p.Status)
	}
	if len(p.Steps) == 0 {
		return domain.Run{}, run.ErrNoExecutableSteps
	}
	ent, err := e.GetEntitlement(ctx, opts.ActorID)
	if err != nil {
		return domain.Run{}, err
	}
	decision := gate.Authorize(p, ent)
	if !decision.Allowed {
		return domain.Run{}, gate.DeniedError{Decision: decision}
	}

	now := e.stamp()
	r := domain.Run{
		ID:         uuid.New().String(),
		ProtocolID: p.ID,
		ActorID:    opts.ActorID,
		SessionID:  opts.SessionID,
		Status:     string(run.StatusRunning),
		Cost:       decision.Cost,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if r.SessionID == "" {
		r.SessionID = uuid.New().String()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if ent.Balance != gate.UnlimitedBalance {
		// Seed the row if this actor has never been persisted, then debit
		// under the balance predicate so a concurrent start cannot overdraw.
		if err := e.Repo.EnsureEntitlement(ctx, tx, domain.Entitlement{
			ActorID: opts.ActorID, Tier: ent.Tier, Balance: ent.Balance, UpdatedAt: now,
		}); err != nil {
			return domain.Run{}, err
		}
		ok, err := e.Repo.DebitEntitlement(ctx, tx, opts.ActorID, decision.Cost, now)
		if err != nil {
			return domain.Run{}, err
		}
		if !ok {
			return domain.Run{}, gate.DeniedError{Decision: gate.Decision{
				Reason: gate.ReasonInsufficientBalance, Cost: decision.Cost, RequiredTier: decision.RequiredTier,
			}}
		}
	}
	if err := e.Repo.InsertRun(ctx, tx, r); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.start", "run", r.ID, opts.ActorID, events.EventPayload{
		"protocol_id": p.ID,
		"cost":        decision.Cost,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return r, nil
}

// AdvanceRunOptions carry the captured value for the current step.
type AdvanceRunOptions struct {
	RunID    string
	ActorID  string
	Captured run.Captured
}

// AdvanceRun applies a captured value and attempts to move the run forward.
// An unsatisfied gate returns ErrStepGateUnsatisfied and persists nothing.
func (e Engine) AdvanceRun(ctx context.Context, opts AdvanceRunOptions) (domain.Run, error) {
	r, p, state, err := e.loadRunState(ctx, opts.RunID, opts.ActorID)
	if err != nil {
		return domain.Run{}, err
	}
	if state.Status != run.StatusRunning {
		return domain.Run{}, ErrRunNotRunning
	}
	state.Captured = opts.Captured
	if !state.Advance(e.now()) {
		return domain.Run{}, ErrStepGateUnsatisfied
	}

	now := e.stamp()
	r.StepIndex = state.Index
	r.Status = string(state.Status)
	r.UpdatedAt = now
	evtType := "run.advance"
	if state.Status == run.StatusCompleted {
		r.EndedAt = &now
		evtType = "run.complete"
	}
	entry := state.Log[len(state.Log)-1]
	entry.RunID = r.ID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.AppendRunLog(ctx, tx, entry); err != nil {
		return domain.Run{}, fmt.Errorf("append run log: %w", err)
	}
	if err := e.Repo.UpdateRun(ctx, tx, r); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "run", r.ID, opts.ActorID, events.EventPayload{
		"protocol_id": p.ID,
		"step_id":     entry.StepID,
		"step_index":  r.StepIndex,
		"status":      r.Status,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return r, nil
}

// AbandonRun halts a running run. The partial log stays renderable.
func (e Engine) AbandonRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	r, p, state, err := e.loadRunState(ctx, runID, actorID)
	if err != nil {
		return domain.Run{}, err
	}
	if state.Status != run.StatusRunning {
		return domain.Run{}, ErrRunNotRunning
	}
	state.Abandon()

	now := e.stamp()
	r.Status = string(state.Status)
	r.UpdatedAt = now
	r.EndedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateRun(ctx, tx, r); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.abandon", "run", r.ID, actorID, events.EventPayload{
		"protocol_id": p.ID,
		"step_index":  r.StepIndex,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return r, nil
}

// RenderReport assembles the audit trail for any run, terminal or not.
func (e Engine) RenderReport(ctx context.Context, runID string) (string, error) {
	r, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	p, err := e.Repo.GetProtocol(ctx, r.ProtocolID)
	if err != nil {
		return "", err
	}
	entries, err := e.Repo.ListRunLog(ctx, runID)
	if err != nil {
		return "", err
	}
	return audit.Report(p, r, entries), nil
}

func (e Engine) loadRunState(ctx context.Context, runID, actorID string) (domain.Run, domain.Protocol, *run.State, error) {
	r, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, domain.Protocol{}, nil, err
	}
	if actorID != "" && r.ActorID != actorID {
		return domain.Run{}, domain.Protocol{}, nil, ErrNotRunOwner
	}
	p, err := e.Repo.GetProtocol(ctx, r.ProtocolID)
	if err != nil {
		return domain.Run{}, domain.Protocol{}, nil, err
	}
	entries, err := e.Repo.ListRunLog(ctx, runID)
	if err != nil {
		return domain.Run{}, domain.Protocol{}, nil, err
	}
	completed := make([]string, 0, len(entries))
	for _, entry := range entries {
		completed = append(completed, entry.StepID)
	}
	state, err := run.Resume(p.Steps, r.StepIndex, completed, run.Status(r.Status))
	if err != nil {
		return domain.Run{}, domain.Protocol{}, nil, err
	}
	return r, p, state, nil
}

func validateStep(s domain.Step, i int) error {
	if s.ID == "" {
		return fmt.Errorf("step %d missing id", i)
	}
	if s.Title == "" {
		return fmt.Errorf("step %s missing title", s.ID)
	}
	switch s.Type {
	case "action", "decision", "input", "automation":
		return nil
	default:
		return fmt.Errorf("step %s has unknown type %q", s.ID, s.Type)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
