package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumigen-ai/lumigen/internal/models"
)

type CheckInRepository struct {
	db *sql.DB
}

func NewCheckInRepository(db *sql.DB) *CheckInRepository {
	return &CheckInRepository{db: db}
}

// Record applies one daily check-in atomically: the check_ins insert (whose
// unique key is the one-per-UTC-day guard), the streak bookkeeping on the
// user row, the ledger row and the balance cache all commit together.
// Returns ErrDuplicateCheckIn if the user already checked in that day.
func (r *CheckInRepository) Record(ctx context.Context, checkIn *models.CheckIn) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin check-in: %w", err)
	}
	defer tx.Rollback()

	day := checkIn.CheckInDate.UTC().Format("2006-01-02")

	const insertQuery = `
INSERT INTO check_ins (user_id, check_in_date, streak_day, credits)
VALUES (?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insertQuery, checkIn.UserID, day, checkIn.StreakDay, checkIn.Credits)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateCheckIn
		}
		return fmt.Errorf("insert check-in: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	checkIn.ID = id

	const userQuery = `
UPDATE users SET last_check_in_date = ?, check_in_streak = ?, updated_at = NOW()
WHERE id = ?`
	if _, err := tx.ExecContext(ctx, userQuery, day, checkIn.StreakDay, checkIn.UserID); err != nil {
		return fmt.Errorf("update streak: %w", err)
	}

	if err := appendTransaction(ctx, tx, &models.CreditTransaction{
		UserID:      checkIn.UserID,
		Amount:      checkIn.Credits,
		Type:        models.TransactionCheckIn,
		Description: fmt.Sprintf("daily check-in day %d", checkIn.StreakDay),
	}); err != nil {
		return err
	}
	if err := adjustBalance(ctx, tx, checkIn.UserID, checkIn.Credits); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit check-in: %w", err)
	}
	return nil
}

// Last returns the most recent check-in for a user, or nil.
func (r *CheckInRepository) Last(ctx context.Context, userID int64) (*models.CheckIn, error) {
	const query = `
SELECT id, user_id, check_in_date, streak_day, credits, created_at
FROM check_ins WHERE user_id = ? ORDER BY check_in_date DESC LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, userID)
	var c models.CheckIn
	if err := row.Scan(&c.ID, &c.UserID, &c.CheckInDate, &c.StreakDay, &c.Credits, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan check-in: %w", err)
	}
	return &c, nil
}
