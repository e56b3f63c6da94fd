package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lumigen-ai/lumigen/internal/models"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	const query = `
INSERT INTO orders (user_id, plan_id, status, external_ref)
VALUES (?, ?, ?, NULLIF(?, ''))`
	res, err := r.db.ExecContext(ctx, query, order.UserID, order.PlanID, order.Status, order.ExternalRef)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	order.ID = id
	return nil
}

func scanOrder(row *sql.Row) (*models.Order, error) {
	var o models.Order
	var externalRef sql.NullString
	if err := row.Scan(&o.ID, &o.UserID, &o.PlanID, &o.Status, &externalRef, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if externalRef.Valid {
		o.ExternalRef = externalRef.String
	}
	return &o, nil
}

const orderColumns = `id, user_id, plan_id, status, external_ref, created_at, updated_at`

func (r *OrderRepository) FindByID(ctx context.Context, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	return scanOrder(r.db.QueryRowContext(ctx, query, id))
}

func (r *OrderRepository) FindByExternalRef(ctx context.Context, ref string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE external_ref = ? LIMIT 1`
	return scanOrder(r.db.QueryRowContext(ctx, query, ref))
}

// MarkFailed records a failed checkout. Only pending orders move; completed
// orders are immutable.
func (r *OrderRepository) MarkFailed(ctx context.Context, orderID int64) error {
	const query = `UPDATE orders SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?`
	if _, err := r.db.ExecContext(ctx, query, models.OrderFailed, orderID, models.OrderPending); err != nil {
		return fmt.Errorf("mark order failed: %w", err)
	}
	return nil
}
