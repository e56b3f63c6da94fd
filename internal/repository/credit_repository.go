package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumigen-ai/lumigen/internal/models"
)

type CreditRepository struct {
	db *sql.DB
}

func NewCreditRepository(db *sql.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

// appendTransaction inserts one immutable ledger row inside the caller's
// transaction. Rows are never updated or deleted afterwards.
func appendTransaction(ctx context.Context, tx *sql.Tx, t *models.CreditTransaction) error {
	const query = `
INSERT INTO credit_transactions (user_id, amount, type, description, related_image_id, related_order_id)
VALUES (?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query, t.UserID, t.Amount, t.Type, t.Description, t.RelatedImageID, t.RelatedOrderID)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// adjustBalance moves the denormalized credits cache inside the caller's
// transaction. Must only be called alongside appendTransaction for the same
// amount; the cache and the ledger sum diverging is a bug.
func adjustBalance(ctx context.Context, tx *sql.Tx, userID, delta int64) error {
	const query = `UPDATE users SET credits = credits + ?, updated_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, delta, userID); err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	return nil
}

// conditionalDebit decrements the cache only if the user can afford it. The
// guard lives in the WHERE clause so concurrent spenders cannot both pass a
// stale sufficiency check.
func conditionalDebit(ctx context.Context, tx *sql.Tx, userID, amount int64) (bool, error) {
	const query = `
UPDATE users SET credits = credits - ?, updated_at = NOW()
WHERE id = ? AND credits >= ?`
	res, err := tx.ExecContext(ctx, query, amount, userID, amount)
	if err != nil {
		return false, fmt.Errorf("conditional debit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit rows affected: %w", err)
	}
	return affected > 0, nil
}

// Award appends a positive (or corrective) transaction and updates the
// balance cache in one transaction. It performs no sufficiency check; callers
// spending credits go through the conditional debit paths instead.
func (r *CreditRepository) Award(ctx context.Context, t *models.CreditTransaction) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin award: %w", err)
	}
	defer tx.Rollback()

	if err := appendTransaction(ctx, tx, t); err != nil {
		return err
	}
	if err := adjustBalance(ctx, tx, t.UserID, t.Amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit award: %w", err)
	}
	return nil
}

func (r *CreditRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
SELECT id, user_id, amount, type, description, related_image_id, related_order_id, created_at
FROM credit_transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var out []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var imageID, orderID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &imageID, &orderID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		if imageID.Valid {
			t.RelatedImageID = &imageID.Int64
		}
		if orderID.Valid {
			t.RelatedOrderID = &orderID.Int64
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumByUser recomputes the true balance from the ledger. Used by the
// reconciliation admin surface and tests; serving paths read the cache.
func (r *CreditRepository) SumByUser(ctx context.Context, userID int64) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = ?`
	var sum int64
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum credit transactions: %w", err)
	}
	return sum, nil
}
