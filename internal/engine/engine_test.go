package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"protovault/internal/config"
	"protovault/internal/db"
	"protovault/internal/domain"
	"protovault/internal/engine"
	"protovault/internal/gate"
	"protovault/internal/migrate"
	"protovault/internal/quality"
	"protovault/internal/run"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("vault-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.InitVault(ctx, "vault-1", "tester"); err != nil {
		t.Fatalf("init vault: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// publishableDraft returns a draft that scores well above the publish gate.
func publishableDraft() domain.Protocol {
	return domain.Protocol{
		Title:         "Incident Containment",
		Category:      "IT",
		Price:         80,
		Purpose:       "Contain and document security incidents quickly",
		ScopeIncludes: "All production systems",
		Roles:         []domain.Role{{Role: "Incident Lead"}},
		Risks:         []domain.Risk{{Trigger: "Containment fails", Mitigation: "Escalate", Severity: "high"}},
		Escalation:    []domain.Escalation{{Condition: "No response in 15m", Contact: "CISO"}},
		KPIs:          []string{"time-to-contain"},
		Steps: []domain.Step{
			{ID: "s1", Title: "Isolate host", Type: "action"},
			{ID: "s2", Title: "Approve comms", Type: "decision", RequiredRole: "Incident Lead"},
			{ID: "s3", Title: "Record root cause", Type: "input"},
			{ID: "s4", Title: "Notify registry", Type: "automation"},
		},
	}
}

func mustPublish(t *testing.T, env testEnv, draft domain.Protocol) domain.Protocol {
	t.Helper()
	p, err := env.Engine.CreateProtocol(env.Ctx, engine.ProtocolCreateOptions{AuthorID: "author-1", Draft: draft})
	if err != nil {
		t.Fatalf("create protocol: %v", err)
	}
	p, _, err = env.Engine.PublishProtocol(env.Ctx, p.ID, "author-1")
	if err != nil {
		t.Fatalf("publish protocol: %v", err)
	}
	return p
}

func TestPublishQualityGate(t *testing.T) {
	env := newTestEnv(t)
	// sparse draft: strong structure and logic, empty risk dimension
	draft := publishableDraft()
	draft.Risks = nil
	draft.Escalation = nil
	draft.KPIs = nil
	p, err := env.Engine.CreateProtocol(env.Ctx, engine.ProtocolCreateOptions{AuthorID: "author-1", Draft: draft})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, score, err := env.Engine.PublishProtocol(env.Ctx, p.ID, "author-1")
	var sub quality.SubThresholdError
	if !errors.As(err, &sub) {
		t.Fatalf("expected SubThresholdError, got %v", err)
	}
	if score.Total != 67 {
		t.Fatalf("score = %d, want 67", score.Total)
	}
	if sub.Score.Weakest() != "risk" {
		t.Fatalf("weakest = %s, want risk", sub.Score.Weakest())
	}
	got, err := env.Engine.Repo.GetProtocol(env.Ctx, p.ID)
	if err != nil || got.Status != "draft" {
		t.Fatalf("status after refused publish = %s (%v), want draft", got.Status, err)
	}
}

func TestPublishDerivesRiskClass(t *testing.T) {
	env := newTestEnv(t)
	p := mustPublish(t, env, publishableDraft())
	if p.Status != "active" {
		t.Fatalf("status = %s, want active", p.Status)
	}
	if p.RiskClass != "High" {
		t.Fatalf("risk class = %s, want High", p.RiskClass)
	}
}

func TestPublishedProtocolIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	p := mustPublish(t, env, publishableDraft())
	_, err := env.Engine.UpdateProtocol(env.Ctx, p.ID, "author-1", publishableDraft())
	if err == nil || !strings.Contains(err.Error(), "only drafts") {
		t.Fatalf("expected draft-only error, got %v", err)
	}
}

func TestUpdateRequiresAuthor(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProtocol(env.Ctx, engine.ProtocolCreateOptions{AuthorID: "author-1", Draft: publishableDraft()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateProtocol(env.Ctx, p.ID, "someone-else", publishableDraft()); err == nil {
		t.Fatalf("expected author error")
	}
}

func TestProtocolTransitions(t *testing.T) {
	env := newTestEnv(t)
	p := mustPublish(t, env, publishableDraft())
	p, err := env.Engine.ArchiveProtocol(env.Ctx, p.ID, "tester")
	if err != nil || p.Status != "archived" {
		t.Fatalf("archive: %v status=%s", err, p.Status)
	}
	// archived is terminal
	if _, err := env.Engine.RejectProtocol(env.Ctx, p.ID, "tester"); err == nil {
		t.Fatalf("expected transition error from archived")
	}
}

func TestStartRunTierBeforeBalance(t *testing.T) {
	env := newTestEnv(t)
	draft := publishableDraft()
	draft.Price = 150 // commander tier, cost 4
	p := mustPublish(t, env, draft)

	// fresh actor: observer tier, balance 2; fails both checks
	_, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "actor-1"})
	var denied gate.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Decision.Reason != gate.ReasonInsufficientTier {
		t.Fatalf("reason = %s, want insufficient_tier", denied.Decision.Reason)
	}
	if denied.Decision.RequiredTier != "commander" {
		t.Fatalf("required tier = %s, want commander", denied.Decision.RequiredTier)
	}
}

func TestStartRunBalanceDenial(t *testing.T) {
	env := newTestEnv(t)
	draft := publishableDraft()
	draft.Price = 50 // operator tier, cost 2
	p := mustPublish(t, env, draft)

	// operator tier but drained balance
	if _, err := env.Engine.SetEntitlement(env.Ctx, "actor-1", "operator", "tester"); err != nil {
		t.Fatal(err)
	}
	ent, _ := env.Engine.GetEntitlement(env.Ctx, "actor-1")
	if ent.Balance != 60 {
		t.Fatalf("operator grant = %d, want 60", ent.Balance)
	}
	for i := 0; i < 30; i++ { // 30 runs x 2 credits = 60
		if _, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "actor-1"}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	ent, _ = env.Engine.GetEntitlement(env.Ctx, "actor-1")
	if ent.Balance != 0 {
		t.Fatalf("balance after drain = %d, want 0", ent.Balance)
	}
	_, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "actor-1"})
	var denied gate.DeniedError
	if !errors.As(err, &denied) || denied.Decision.Reason != gate.ReasonInsufficientBalance {
		t.Fatalf("expected balance denial, got %v", err)
	}
	if denied.Decision.Cost != 2 {
		t.Fatalf("denial cost = %d, want 2", denied.Decision.Cost)
	}
}

func TestStartRunUnlimitedBalanceUntouched(t *testing.T) {
	env := newTestEnv(t)
	p := mustPublish(t, env, publishableDraft())
	if _, err := env.Engine.SetEntitlement(env.Ctx, "actor-1", "sovereign", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "actor-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ent, _ := env.Engine.GetEntitlement(env.Ctx, "actor-1")
	if ent.Balance != gate.UnlimitedBalance {
		t.Fatalf("balance = %d, want unlimited sentinel", ent.Balance)
	}
}

func TestStartRunNoExecutableSteps(t *testing.T) {
	env := newTestEnv(t)
	draft := publishableDraft()
	p := mustPublish(t, env, draft)
	// strip steps directly; the empty-steps check must win over the gate
	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE protocol_id=?`, p.ID); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "broke-actor"})
	if !errors.Is(err, run.ErrNoExecutableSteps) {
		t.Fatalf("expected ErrNoExecutableSteps, got %v", err)
	}
}

func TestRunAdvancesToCompletion(t *testing.T) {
	env := newTestEnv(t)
	draft := publishableDraft()
	draft.Price = 0 // free protocol, cost 1
	p := mustPublish(t, env, draft)

	r, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "actor-1", SessionID: "sess-9"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Cost != 1 {
		t.Fatalf("cost = %d, want 1", r.Cost)
	}

	// action gate refused without confirmation
	_, err = env.Engine.AdvanceRun(env.Ctx, engine.AdvanceRunOptions{RunID: r.ID, ActorID: "actor-1"})
	if !errors.Is(err, engine.ErrStepGateUnsatisfied) {
		t.Fatalf("expected gate error, got %v", err)
	}
	got, _ := env.Engine.Repo.GetRun(env.Ctx, r.ID)
	if got.StepIndex != 0 {
		t.Fatalf("refused advance moved index to %d", got.StepIndex)
	}

	steps := []engine.AdvanceRunOptions{
		{RunID: r.ID, ActorID: "actor-1", Captured: run.Captured{Confirmed: true}},
		{RunID: r.ID, ActorID: "actor-1", Captured: run.Captured{Choice: run.ChoiceApproved}},
		{RunID: r.ID, ActorID: "actor-1", Captured: run.Captured{Text: "faulty patch"}},
		{RunID: r.ID, ActorID: "actor-1"},
	}
	for i, opts := range steps {
		r, err = env.Engine.AdvanceRun(env.Ctx, opts)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if r.Status != "completed" {
		t.Fatalf("status = %s, want completed", r.Status)
	}
	if r.EndedAt == nil {
		t.Fatalf("completed run has no ended_at")
	}

	entries, err := env.Engine.Repo.ListRunLog(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("log entries = %d, want 4", len(entries))
	}
	wantActions := []string{"Confirmed Checkbox", "Decision: APPROVED", `Input Value: "faulty patch"`, "Automated Trigger"}
	for i, entry := range entries {
		if entry.Action != wantActions[i] {
			t.Fatalf("entry %d action = %q, want %q", i, entry.Action, wantActions[i])
		}
	}
	if entries[1].Role != "Incident Lead" {
		t.Fatalf("decision role = %s", entries[1].Role)
	}
	if entries[0].Role != run.DefaultRole {
		t.Fatalf("default role = %s", entries[0].Role)
	}

	// terminal run refuses further advances
	if _, err := env.Engine.AdvanceRun(env.Ctx, steps[3]); !errors.Is(err, engine.ErrRunNotRunning) {
		t.Fatalf("expected ErrRunNotRunning, got %v", err)
	}
}

func TestAbandonRunKeepsPartialLog(t *testing.T) {
	env := newTestEnv(t)
	draft := publishableDraft()
	draft.Price = 0
	p := mustPublish(t, env, draft)
	r, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "actor-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, engine.AdvanceRunOptions{RunID: r.ID, ActorID: "actor-1", Captured: run.Captured{Confirmed: true}}); err != nil {
		t.Fatal(err)
	}
	r, err = env.Engine.AbandonRun(env.Ctx, r.ID, "actor-1")
	if err != nil || r.Status != "abandoned" {
		t.Fatalf("abandon: %v status=%s", err, r.Status)
	}
	report, err := env.Engine.RenderReport(env.Ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(report, "HALTED PREMATURELY") {
		t.Fatalf("report missing halted banner:\n%s", report)
	}
	if !strings.Contains(report, "Steps completed: 1 of 4") {
		t.Fatalf("report missing progress line:\n%s", report)
	}
	// abandoning twice is refused
	if _, err := env.Engine.AbandonRun(env.Ctx, r.ID, "actor-1"); !errors.Is(err, engine.ErrRunNotRunning) {
		t.Fatalf("expected ErrRunNotRunning, got %v", err)
	}
}

func TestRunOwnership(t *testing.T) {
	env := newTestEnv(t)
	draft := publishableDraft()
	draft.Price = 0
	p := mustPublish(t, env, draft)
	r, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "actor-1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AdvanceRun(env.Ctx, engine.AdvanceRunOptions{RunID: r.ID, ActorID: "intruder", Captured: run.Captured{Confirmed: true}})
	if !errors.Is(err, engine.ErrNotRunOwner) {
		t.Fatalf("expected ErrNotRunOwner, got %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	draft := publishableDraft()
	draft.Price = 0
	p := mustPublish(t, env, draft)
	r, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "actor-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AbandonRun(env.Ctx, r.ID, "actor-1"); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	for _, want := range []string{"vault.init", "protocol.create", "protocol.publish", "run.start", "run.abandon"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestStartRunRequiresActiveProtocol(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProtocol(env.Ctx, engine.ProtocolCreateOptions{AuthorID: "author-1", Draft: publishableDraft()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProtocolID: p.ID, ActorID: "actor-1"})
	if err == nil || !strings.Contains(err.Error(), "only active") {
		t.Fatalf("expected active-only error, got %v", err)
	}
}
