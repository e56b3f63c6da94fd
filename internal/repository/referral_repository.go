package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lumigen-ai/lumigen/internal/models"
)

type ReferralRepository struct {
	db *sql.DB
}

func NewReferralRepository(db *sql.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// CreateWithSignupReward links referee to referrer and immediately credits
// the referrer's signup reward, all in one transaction. The unique key on
// referee_id enforces at-most-one referral per referee; a duplicate insert
// surfaces as ErrAlreadyReferred with nothing applied.
func (r *ReferralRepository) CreateWithSignupReward(ctx context.Context, referral *models.Referral) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin referral: %w", err)
	}
	defer tx.Rollback()

	const insertQuery = `
INSERT INTO referrals (referrer_id, referee_id, status, referrer_reward, referee_reward)
VALUES (?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insertQuery, referral.ReferrerID, referral.RefereeID, referral.Status, referral.ReferrerReward, referral.RefereeReward)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrAlreadyReferred
		}
		return fmt.Errorf("insert referral: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	referral.ID = id

	const linkQuery = `UPDATE users SET referred_by = ?, updated_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, linkQuery, referral.ReferrerID, referral.RefereeID); err != nil {
		return fmt.Errorf("link referee: %w", err)
	}

	if err := appendTransaction(ctx, tx, &models.CreditTransaction{
		UserID:      referral.ReferrerID,
		Amount:      referral.ReferrerReward,
		Type:        models.TransactionReferral,
		Description: "referral signup reward",
	}); err != nil {
		return err
	}
	if err := adjustBalance(ctx, tx, referral.ReferrerID, referral.ReferrerReward); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit referral: %w", err)
	}
	return nil
}

// CompleteWithReward grants the purchase-completion reward exactly once. The
// pending→completed transition is a single conditional update; a replayed
// purchase trigger loses the guard and grants nothing. Reports whether this
// call performed the transition.
func (r *ReferralRepository) CompleteWithReward(ctx context.Context, refereeID, reward int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin referral completion: %w", err)
	}
	defer tx.Rollback()

	applied, referrerID, err := completeReferralTx(ctx, tx, refereeID, reward)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if err := appendTransaction(ctx, tx, &models.CreditTransaction{
		UserID:      referrerID,
		Amount:      reward,
		Type:        models.TransactionReferral,
		Description: "referral purchase reward",
	}); err != nil {
		return false, err
	}
	if err := adjustBalance(ctx, tx, referrerID, reward); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit referral completion: %w", err)
	}
	return true, nil
}

// completeReferralTx runs the guarded status transition inside tx and
// returns the referrer to reward when this caller won the guard.
func completeReferralTx(ctx context.Context, tx *sql.Tx, refereeID, reward int64) (bool, int64, error) {
	const query = `
UPDATE referrals SET status = ?, referrer_reward = referrer_reward + ?, updated_at = NOW()
WHERE referee_id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, query, models.ReferralCompleted, reward, refereeID, models.ReferralPending)
	if err != nil {
		return false, 0, fmt.Errorf("complete referral: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("referral rows affected: %w", err)
	}
	if affected == 0 {
		return false, 0, nil
	}

	var referrerID int64
	const selectQuery = `SELECT referrer_id FROM referrals WHERE referee_id = ?`
	if err := tx.QueryRowContext(ctx, selectQuery, refereeID).Scan(&referrerID); err != nil {
		return false, 0, fmt.Errorf("load referrer: %w", err)
	}
	return true, referrerID, nil
}

func (r *ReferralRepository) FindByReferee(ctx context.Context, refereeID int64) (*models.Referral, error) {
	const query = `
SELECT id, referrer_id, referee_id, status, referrer_reward, referee_reward, created_at, updated_at
FROM referrals WHERE referee_id = ?`
	row := r.db.QueryRowContext(ctx, query, refereeID)
	var ref models.Referral
	if err := row.Scan(&ref.ID, &ref.ReferrerID, &ref.RefereeID, &ref.Status, &ref.ReferrerReward, &ref.RefereeReward, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan referral: %w", err)
	}
	return &ref, nil
}
