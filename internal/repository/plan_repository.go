package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lumigen-ai/lumigen/internal/models"
)

type PlanRepository struct {
	db *sql.DB
}

func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, title, COALESCE(description, ''), currency, price_minor_units, credits_included, period_days, is_active, created_at, updated_at`

func scanPlan(row *sql.Row) (*models.Plan, error) {
	var p models.Plan
	var active int
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Currency, &p.PriceMinorUnits, &p.CreditsIncluded, &p.PeriodDays, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.IsActive = active != 0
	return &p, nil
}

func (r *PlanRepository) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = ?`
	return scanPlan(r.db.QueryRowContext(ctx, query, id))
}

func (r *PlanRepository) ListActive(ctx context.Context) ([]models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE is_active = 1 ORDER BY price_minor_units ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []models.Plan
	for rows.Next() {
		var p models.Plan
		var active int
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Currency, &p.PriceMinorUnits, &p.CreditsIncluded, &p.PeriodDays, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		p.IsActive = active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// EnsureDefault seeds a starter plan so a fresh deployment can sell
// something before an operator configures real plans.
func (r *PlanRepository) EnsureDefault(ctx context.Context) error {
	const countQuery = `SELECT COUNT(*) FROM plans`
	var count int
	if err := r.db.QueryRowContext(ctx, countQuery).Scan(&count); err != nil {
		return fmt.Errorf("count plans: %w", err)
	}
	if count > 0 {
		return nil
	}

	const insertQuery = `
INSERT INTO plans (title, description, currency, price_minor_units, credits_included, period_days, is_active)
VALUES (?, ?, ?, ?, ?, ?, 1)`
	if _, err := r.db.ExecContext(ctx, insertQuery, "Starter", "Monthly starter subscription", "USD", 999, 100, 30); err != nil {
		return fmt.Errorf("insert default plan: %w", err)
	}
	return nil
}
