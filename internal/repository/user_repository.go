package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lumigen-ai/lumigen/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) DB() *sql.DB {
	return r.db
}

const userColumns = `id, email, api_token, credits, referral_code, referred_by, last_check_in_date, check_in_streak, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var referredBy sql.NullInt64
	var lastCheckIn sql.NullTime
	if err := row.Scan(&u.ID, &u.Email, &u.APIToken, &u.Credits, &u.ReferralCode, &referredBy, &lastCheckIn, &u.CheckInStreak, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if referredBy.Valid {
		u.ReferredBy = &referredBy.Int64
	}
	if lastCheckIn.Valid {
		t := lastCheckIn.Time
		u.LastCheckInDate = &t
	}
	return &u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) FindByAPIToken(ctx context.Context, token string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE api_token = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, token))
}

func (r *UserRepository) FindByReferralCode(ctx context.Context, code string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE referral_code = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, code))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (email, api_token, credits, referral_code)
VALUES (?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, user.Email, user.APIToken, user.Credits, user.ReferralCode)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	return user, nil
}

// Balance reads the denormalized credits cache. Every writer updates this
// field in the same transaction as its ledger insert, so it is authoritative.
func (r *UserRepository) Balance(ctx context.Context, userID int64) (int64, error) {
	const query = `SELECT credits FROM users WHERE id = ?`
	var credits int64
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&credits); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return credits, nil
}
