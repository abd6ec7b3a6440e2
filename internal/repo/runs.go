package repo

import (
	"context"
	"database/sql"

	"protovault/internal/domain"
)

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,protocol_id,actor_id,session_id,step_index,status,cost,started_at,updated_at,ended_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProtocolID, run.ActorID, run.SessionID, run.StepIndex, run.Status, run.Cost,
		run.StartedAt, run.UpdatedAt, nullablePtr(run.EndedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	var run domain.Run
	var endedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,protocol_id,actor_id,session_id,step_index,status,cost,started_at,updated_at,ended_at FROM runs WHERE id=?`, id).
		Scan(&run.ID, &run.ProtocolID, &run.ActorID, &run.SessionID, &run.StepIndex, &run.Status, &run.Cost, &run.StartedAt, &run.UpdatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.String
	}
	return run, nil
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET step_index=?, status=?, updated_at=?, ended_at=? WHERE id=?`,
		run.StepIndex, run.Status, run.UpdatedAt, nullablePtr(run.EndedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRunsByActor(ctx context.Context, actorID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,protocol_id,actor_id,session_id,step_index,status,cost,started_at,updated_at,ended_at FROM runs WHERE actor_id=? ORDER BY started_at DESC, id DESC LIMIT ?`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var endedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.ProtocolID, &run.ActorID, &run.SessionID, &run.StepIndex, &run.Status, &run.Cost, &run.StartedAt, &run.UpdatedAt, &endedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			run.EndedAt = &endedAt.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) AppendRunLog(ctx context.Context, tx *sql.Tx, e domain.LogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run_log(run_id,step_id,title,description,role,action,ts) VALUES (?,?,?,?,?,?,?)`,
		e.RunID, e.StepID, e.Title, nullable(e.Description), e.Role, e.Action, e.TS)
	return err
}

// ListRunLog returns the run's log in insertion order.
func (r Repo) ListRunLog(ctx context.Context, runID string) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,step_id,title,description,role,action,ts FROM run_log WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var description sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepID, &e.Title, &description, &e.Role, &e.Action, &e.TS); err != nil {
			return nil, err
		}
		e.Description = description.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
