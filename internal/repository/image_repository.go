package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lumigen-ai/lumigen/internal/models"
)

type ImageRepository struct {
	db *sql.DB
}

func NewImageRepository(db *sql.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

const imageColumns = `id, user_id, external_task_id, status, prompt, COALESCE(processed_image_url, ''), COALESCE(error_message, ''), cost, COALESCE(metadata, ''), created_at, updated_at, completed_at`

func scanImage(scan func(dest ...any) error) (*models.ImageRecord, error) {
	var img models.ImageRecord
	var taskID sql.NullString
	var completedAt sql.NullTime
	if err := scan(&img.ID, &img.UserID, &taskID, &img.Status, &img.Prompt, &img.ProcessedImageURL, &img.ErrorMessage, &img.Cost, &img.Metadata, &img.CreatedAt, &img.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if taskID.Valid {
		img.ExternalTaskID = &taskID.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		img.CompletedAt = &t
	}
	return &img, nil
}

// CreateWithDebit inserts the pending image record, the usage ledger row and
// the balance-cache update as one transaction. The debit is conditional on
// the cached balance still covering the cost; an earlier read is not trusted.
// Returns ErrInsufficientCredits without side effects when it does not.
func (r *ImageRepository) CreateWithDebit(ctx context.Context, img *models.ImageRecord, description string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback()

	ok, err := conditionalDebit(ctx, tx, img.UserID, img.Cost)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientCredits
	}

	const query = `
INSERT INTO images (user_id, external_task_id, status, prompt, cost, metadata)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))`
	res, err := tx.ExecContext(ctx, query, img.UserID, img.ExternalTaskID, img.Status, img.Prompt, img.Cost, img.Metadata)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	img.ID = id

	if err := appendTransaction(ctx, tx, &models.CreditTransaction{
		UserID:         img.UserID,
		Amount:         -img.Cost,
		Type:           models.TransactionUsage,
		Description:    description,
		RelatedImageID: &img.ID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit submit: %w", err)
	}
	return nil
}

func (r *ImageRepository) FindByTaskID(ctx context.Context, taskID string) (*models.ImageRecord, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE external_task_id = ?`
	img, err := scanImage(r.db.QueryRowContext(ctx, query, taskID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan image: %w", err)
	}
	return img, nil
}

func (r *ImageRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.ImageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + imageColumns + ` FROM images WHERE user_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []models.ImageRecord
	for rows.Next() {
		img, err := scanImage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

// MarkProcessing moves a pending record to processing. Used when a terminal
// outcome is being finalized so an observer sees the task as claimed.
func (r *ImageRepository) MarkProcessing(ctx context.Context, taskID string) (bool, error) {
	const query = `
UPDATE images SET status = ?, updated_at = NOW()
WHERE external_task_id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, models.TaskProcessing, taskID, models.TaskPending)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("processing rows affected: %w", err)
	}
	return affected > 0, nil
}

// Complete performs the guarded terminal transition to completed. The guard
// is the WHERE clause itself: only a still-non-terminal row transitions, so
// racing actors (webhook vs manual poll) cannot both win. Returns whether
// this caller performed the transition.
func (r *ImageRepository) Complete(ctx context.Context, taskID, durableURL string, costTimeMs int64) (bool, error) {
	const query = `
UPDATE images
SET status = ?, processed_image_url = ?, error_message = NULL,
    metadata = JSON_SET(COALESCE(metadata, '{}'), '$.costTimeMs', ?),
    completed_at = NOW(), updated_at = NOW()
WHERE external_task_id = ? AND status IN (?, ?)`
	res, err := r.db.ExecContext(ctx, query, models.TaskCompleted, durableURL, costTimeMs, taskID, models.TaskPending, models.TaskProcessing)
	if err != nil {
		return false, fmt.Errorf("complete image: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return affected > 0, nil
}

// Fail performs the guarded terminal transition to failed.
func (r *ImageRepository) Fail(ctx context.Context, taskID, message string) (bool, error) {
	const query = `
UPDATE images
SET status = ?, error_message = ?, completed_at = NOW(), updated_at = NOW()
WHERE external_task_id = ? AND status IN (?, ?)`
	res, err := r.db.ExecContext(ctx, query, models.TaskFailed, message, taskID, models.TaskPending, models.TaskProcessing)
	if err != nil {
		return false, fmt.Errorf("fail image: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail rows affected: %w", err)
	}
	return affected > 0, nil
}
