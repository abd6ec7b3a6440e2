package repo

import (
	"context"
	"database/sql"

	"protovault/internal/domain"
	"protovault/internal/gate"
)

func (r Repo) GetEntitlement(ctx context.Context, actorID string) (domain.Entitlement, error) {
	var e domain.Entitlement
	err := r.DB.QueryRowContext(ctx, `SELECT actor_id,tier,balance,updated_at FROM entitlements WHERE actor_id=?`, actorID).
		Scan(&e.ActorID, &e.Tier, &e.Balance, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) UpsertEntitlement(ctx context.Context, tx *sql.Tx, e domain.Entitlement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entitlements(actor_id,tier,balance,updated_at) VALUES (?,?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET tier=excluded.tier, balance=excluded.balance, updated_at=excluded.updated_at`,
		e.ActorID, e.Tier, e.Balance, e.UpdatedAt)
	return err
}

// EnsureEntitlement inserts the row if the actor was never persisted.
// Existing rows are left untouched.
func (r Repo) EnsureEntitlement(ctx context.Context, tx *sql.Tx, e domain.Entitlement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entitlements(actor_id,tier,balance,updated_at) VALUES (?,?,?,?)
ON CONFLICT(actor_id) DO NOTHING`, e.ActorID, e.Tier, e.Balance, e.UpdatedAt)
	return err
}

// DebitEntitlement subtracts cost from the actor's balance. The predicate
// makes the decrement atomic: a concurrent debit that would overdraw
// matches zero rows instead of going negative. Unlimited balances are
// left untouched.
func (r Repo) DebitEntitlement(ctx context.Context, tx *sql.Tx, actorID string, cost int, updatedAt string) (bool, error) {
	if cost <= 0 {
		return true, nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE entitlements
SET balance = CASE WHEN balance = ? THEN balance ELSE balance - ? END, updated_at = ?
WHERE actor_id = ? AND (balance >= ? OR balance = ?)`,
		gate.UnlimitedBalance, cost, updatedAt, actorID, cost, gate.UnlimitedBalance)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListEntitlements(ctx context.Context) ([]domain.Entitlement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id,tier,balance,updated_at FROM entitlements ORDER BY actor_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entitlement
	for rows.Next() {
		var e domain.Entitlement
		if err := rows.Scan(&e.ActorID, &e.Tier, &e.Balance, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
