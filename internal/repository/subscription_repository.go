package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumigen-ai/lumigen/internal/models"
)

type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// AllocationResult reports what Allocate did. Applied is false on replays.
type AllocationResult struct {
	Applied          bool
	Subscription     *models.Subscription
	ReferralRewarded bool
}

// Allocate performs the entire order-completion fan-out in one transaction,
// gated by the order status. The gate is a conditional update: only the call
// that moves the order pending→completed runs the fan-out, so the payment
// webhook and the browser redirect can both fire (repeatedly) and the
// subscription, ledger row, balance update and referral reward still happen
// exactly once.
func (r *SubscriptionRepository) Allocate(ctx context.Context, order *models.Order, plan *models.Plan, referralReward int64, now time.Time) (*AllocationResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin allocation: %w", err)
	}
	defer tx.Rollback()

	const gateQuery = `UPDATE orders SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, gateQuery, models.OrderCompleted, order.ID, models.OrderPending)
	if err != nil {
		return nil, fmt.Errorf("complete order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("order rows affected: %w", err)
	}
	if affected == 0 {
		return &AllocationResult{Applied: false}, nil
	}

	// At most one active subscription per user: retire the previous one
	// inside the same transaction that creates its successor.
	const retireQuery = `UPDATE subscriptions SET status = ?, updated_at = NOW() WHERE user_id = ? AND status = ?`
	if _, err := tx.ExecContext(ctx, retireQuery, models.SubscriptionExpired, order.UserID, models.SubscriptionActive); err != nil {
		return nil, fmt.Errorf("retire active subscription: %w", err)
	}

	periodStart := now.UTC()
	periodEnd := periodStart.AddDate(0, 0, plan.PeriodDays)
	sub := &models.Subscription{
		UserID:                 order.UserID,
		PlanID:                 plan.ID,
		Status:                 models.SubscriptionActive,
		CurrentPeriodStart:     periodStart,
		CurrentPeriodEnd:       periodEnd,
		CreditsIncluded:        plan.CreditsIncluded,
		ExternalSubscriptionID: order.ExternalRef,
	}

	const insertQuery = `
INSERT INTO subscriptions (user_id, plan_id, status, current_period_start, current_period_end, credits_included, external_subscription_id)
VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''))`
	subRes, err := tx.ExecContext(ctx, insertQuery, sub.UserID, sub.PlanID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CreditsIncluded, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	subID, err := subRes.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = subID

	if err := appendTransaction(ctx, tx, &models.CreditTransaction{
		UserID:         order.UserID,
		Amount:         plan.CreditsIncluded,
		Type:           models.TransactionPurchase,
		Description:    fmt.Sprintf("subscription credits: %s", plan.Title),
		RelatedOrderID: &order.ID,
	}); err != nil {
		return nil, err
	}
	if err := adjustBalance(ctx, tx, order.UserID, plan.CreditsIncluded); err != nil {
		return nil, err
	}

	// First completed purchase also completes a pending referral for the
	// buyer. The guard inside completeReferralTx makes this idempotent
	// across order replays and across multiple orders.
	rewarded := false
	if referralReward > 0 {
		applied, referrerID, err := completeReferralTx(ctx, tx, order.UserID, referralReward)
		if err != nil {
			return nil, err
		}
		if applied {
			if err := appendTransaction(ctx, tx, &models.CreditTransaction{
				UserID:      referrerID,
				Amount:      referralReward,
				Type:        models.TransactionReferral,
				Description: "referral purchase reward",
			}); err != nil {
				return nil, err
			}
			if err := adjustBalance(ctx, tx, referrerID, referralReward); err != nil {
				return nil, err
			}
			rewarded = true
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit allocation: %w", err)
	}
	return &AllocationResult{Applied: true, Subscription: sub, ReferralRewarded: rewarded}, nil
}

func (r *SubscriptionRepository) FindActiveByUser(ctx context.Context, userID int64) (*models.Subscription, error) {
	const query = `
SELECT id, user_id, plan_id, status, current_period_start, current_period_end, credits_included, COALESCE(external_subscription_id, ''), created_at, updated_at
FROM subscriptions WHERE user_id = ? AND status = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, userID, models.SubscriptionActive)
	var s models.Subscription
	if err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CreditsIncluded, &s.ExternalSubscriptionID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &s, nil
}
