package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumigen-ai/lumigen/internal/models"
)

func pendingImage(userID int64, taskID string, cost int64) *models.ImageRecord {
	return &models.ImageRecord{
		UserID:         userID,
		ExternalTaskID: &taskID,
		Status:         models.TaskPending,
		Prompt:         "a red fox",
		Cost:           cost,
	}
}

func TestCreateWithDebit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewImageRepository(db)

	img := pendingImage(1, "task-1", 5)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET credits = credits - ?")).
		WithArgs(int64(5), int64(1), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO images")).
		WithArgs(int64(1), "task-1", models.TaskPending, "a red fox", int64(5), "").
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
		WithArgs(int64(1), int64(-5), models.TransactionUsage, "image generation task-1", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateWithDebit(context.Background(), img, "image generation task-1"))
	assert.EqualValues(t, 11, img.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithDebitInsufficientCredits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewImageRepository(db)

	mock.ExpectBegin()
	// The WHERE credits >= ? guard matches no row: nothing else runs.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET credits = credits - ?")).
		WithArgs(int64(5), int64(1), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = repo.CreateWithDebit(context.Background(), pendingImage(1, "task-1", 5), "image generation task-1")
	require.ErrorIs(t, err, ErrInsufficientCredits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteWinsGuardedTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewImageRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE images")).
		WithArgs(models.TaskCompleted, "https://cdn/x.png", int64(4200), "task-1", models.TaskPending, models.TaskProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := repo.Complete(context.Background(), "task-1", "https://cdn/x.png", 4200)
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteLosesWhenAlreadyTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewImageRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE images")).
		WithArgs(models.TaskCompleted, "https://cdn/x.png", int64(4200), "task-1", models.TaskPending, models.TaskProcessing).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.Complete(context.Background(), "task-1", "https://cdn/x.png", 4200)
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailGuardedTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewImageRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE images")).
		WithArgs(models.TaskFailed, "model crashed", "task-1", models.TaskPending, models.TaskProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := repo.Fail(context.Background(), "task-1", "model crashed")
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByTaskIDMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewImageRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM images WHERE external_task_id = ?")).
		WithArgs("task-x").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	img, err := repo.FindByTaskID(context.Background(), "task-x")
	require.NoError(t, err)
	assert.Nil(t, img)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByTaskID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewImageRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "external_task_id", "status", "prompt",
		"processed_image_url", "error_message", "cost", "metadata",
		"created_at", "updated_at", "completed_at",
	}).AddRow(11, 1, "task-1", "completed", "a red fox", "https://cdn/x.png", "", 5, "{}", now, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM images WHERE external_task_id = ?")).
		WithArgs("task-1").
		WillReturnRows(rows)

	img, err := repo.FindByTaskID(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, models.TaskCompleted, img.Status)
	assert.Equal(t, "https://cdn/x.png", img.ProcessedImageURL)
	require.NotNil(t, img.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
