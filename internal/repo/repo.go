package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"protovault/internal/config"
	"protovault/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// sections bundles the structural lists stored as one JSON column.
type sections struct {
	Roles         []domain.Role       `json:"roles,omitempty"`
	Prerequisites []string            `json:"prerequisites,omitempty"`
	Inputs        []string            `json:"inputs,omitempty"`
	Outputs       []string            `json:"outputs,omitempty"`
	KPIs          []string            `json:"kpis,omitempty"`
	Risks         []domain.Risk       `json:"risks,omitempty"`
	Escalation    []domain.Escalation `json:"escalation,omitempty"`
	ChangeLog     []domain.ChangeNote `json:"change_log,omitempty"`
}

func sectionsOf(p domain.Protocol) sections {
	return sections{
		Roles:         p.Roles,
		Prerequisites: p.Prerequisites,
		Inputs:        p.Inputs,
		Outputs:       p.Outputs,
		KPIs:          p.KPIs,
		Risks:         p.Risks,
		Escalation:    p.Escalation,
		ChangeLog:     p.ChangeLog,
	}
}

func (s sections) applyTo(p *domain.Protocol) {
	p.Roles = s.Roles
	p.Prerequisites = s.Prerequisites
	p.Inputs = s.Inputs
	p.Outputs = s.Outputs
	p.KPIs = s.KPIs
	p.Risks = s.Risks
	p.Escalation = s.Escalation
	p.ChangeLog = s.ChangeLog
}

func (r Repo) InsertProtocol(ctx context.Context, tx *sql.Tx, p domain.Protocol) error {
	sec, err := json.Marshal(sectionsOf(p))
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO protocols(id,author_id,title,description,category,version,status,price,tier_access,execution_weight,risk_class,jurisdiction,purpose,scope_includes,scope_excludes,sections_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.AuthorID, p.Title, nullable(p.Description), nullable(p.Category), p.Version, p.Status, p.Price,
		nullable(p.TierAccess), nullableInt(p.ExecutionWeight), nullable(p.RiskClass), nullable(p.Jurisdiction),
		nullable(p.Purpose), nullable(p.ScopeIncludes), nullable(p.ScopeExcludes), string(sec), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	return r.replaceSteps(ctx, tx, p.ID, p.Steps)
}

func (r Repo) UpdateProtocol(ctx context.Context, tx *sql.Tx, p domain.Protocol) error {
	sec, err := json.Marshal(sectionsOf(p))
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE protocols SET title=?, description=?, category=?, version=?, status=?, price=?, tier_access=?, execution_weight=?, risk_class=?, jurisdiction=?, purpose=?, scope_includes=?, scope_excludes=?, sections_json=?, updated_at=? WHERE id=?`,
		p.Title, nullable(p.Description), nullable(p.Category), p.Version, p.Status, p.Price,
		nullable(p.TierAccess), nullableInt(p.ExecutionWeight), nullable(p.RiskClass), nullable(p.Jurisdiction),
		nullable(p.Purpose), nullable(p.ScopeIncludes), nullable(p.ScopeExcludes), string(sec), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.replaceSteps(ctx, tx, p.ID, p.Steps)
}

func (r Repo) UpdateProtocolStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE protocols SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) replaceSteps(ctx context.Context, tx *sql.Tx, protocolID string, steps []domain.Step) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE protocol_id=?`, protocolID); err != nil {
		return err
	}
	for i, s := range steps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO steps(id,protocol_id,position,title,description,type,required_role) VALUES (?,?,?,?,?,?,?)`,
			s.ID, protocolID, i, s.Title, nullable(s.Description), s.Type, nullable(s.RequiredRole)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetProtocol(ctx context.Context, id string) (domain.Protocol, error) {
	var p domain.Protocol
	var description, category, tierAccess, riskClass, jurisdiction, purpose, scopeInc, scopeExc, sectionsJSON sql.NullString
	var weight sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id,author_id,title,description,category,version,status,price,tier_access,execution_weight,risk_class,jurisdiction,purpose,scope_includes,scope_excludes,sections_json,created_at,updated_at FROM protocols WHERE id=?`, id).
		Scan(&p.ID, &p.AuthorID, &p.Title, &description, &category, &p.Version, &p.Status, &p.Price, &tierAccess, &weight, &riskClass, &jurisdiction, &purpose, &scopeInc, &scopeExc, &sectionsJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Description = description.String
	p.Category = category.String
	p.TierAccess = tierAccess.String
	p.RiskClass = riskClass.String
	p.Jurisdiction = jurisdiction.String
	p.Purpose = purpose.String
	p.ScopeIncludes = scopeInc.String
	p.ScopeExcludes = scopeExc.String
	if weight.Valid {
		p.ExecutionWeight = int(weight.Int64)
	}
	if sectionsJSON.Valid && sectionsJSON.String != "" {
		var sec sections
		if err := json.Unmarshal([]byte(sectionsJSON.String), &sec); err != nil {
			return p, fmt.Errorf("sections for %s: %w", id, err)
		}
		sec.applyTo(&p)
	}
	steps, err := r.ListSteps(ctx, p.ID)
	if err != nil {
		return p, err
	}
	p.Steps = steps
	return p, nil
}

func (r Repo) ListSteps(ctx context.Context, protocolID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,description,type,required_role FROM steps WHERE protocol_id=? ORDER BY position ASC`, protocolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		var s domain.Step
		var description, role sql.NullString
		if err := rows.Scan(&s.ID, &s.Title, &description, &s.Type, &role); err != nil {
			return nil, err
		}
		s.Description = description.String
		s.RequiredRole = role.String
		res = append(res, s)
	}
	return res, rows.Err()
}

type ProtocolFilters struct {
	Status          string
	Category        string
	AuthorID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListProtocols returns catalog rows without steps or sections; callers
// needing the full document fetch it by id.
func (r Repo) ListProtocols(ctx context.Context, f ProtocolFilters) ([]domain.Protocol, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,author_id,title,description,category,version,status,price,tier_access,execution_weight,risk_class,jurisdiction,created_at,updated_at FROM protocols ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Protocol
	for rows.Next() {
		var p domain.Protocol
		var description, category, tierAccess, riskClass, jurisdiction sql.NullString
		var weight sql.NullInt64
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.Title, &description, &category, &p.Version, &p.Status, &p.Price, &tierAccess, &weight, &riskClass, &jurisdiction, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Description = description.String
		p.Category = category.String
		p.TierAccess = tierAccess.String
		p.RiskClass = riskClass.String
		p.Jurisdiction = jurisdiction.String
		if weight.Valid {
			p.ExecutionWeight = int(weight.Int64)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountProtocolsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM protocols GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) UpsertVaultConfig(ctx context.Context, vaultID string, cfg *config.Config) error {
	return upsertVaultConfig(ctx, r.DB, nil, vaultID, cfg)
}

func (r Repo) UpsertVaultConfigTx(ctx context.Context, tx *sql.Tx, vaultID string, cfg *config.Config) error {
	return upsertVaultConfig(ctx, nil, tx, vaultID, cfg)
}

func upsertVaultConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, vaultID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Vault.ID = vaultID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO vault_configs(vault_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(vault_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, vaultID, string(payload), now, now)
	return err
}

func (r Repo) GetVaultConfig(ctx context.Context, vaultID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM vault_configs WHERE vault_id=?`, vaultID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Vault.ID == "" {
		cfg.Vault.ID = vaultID
	}
	return &cfg, cfg.Validate()
}

// SingleVaultID returns the vault id when exactly one vault config exists.
func (r Repo) SingleVaultID(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT vault_id FROM vault_configs LIMIT 2`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", ErrNotFound
	}
	return ids[0], nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
