package service

import (
	"context"
	"time"

	"github.com/lumigen-ai/lumigen/internal/kie"
	"github.com/lumigen-ai/lumigen/internal/models"
	"github.com/lumigen-ai/lumigen/internal/repository"
)

// Store and collaborator interfaces consumed by the services. The concrete
// implementations live in internal/repository, internal/kie, internal/storage
// and internal/taskstore; tests substitute in-memory fakes that keep the same
// conditional-update semantics.

type Provider interface {
	CreateTask(ctx context.Context, opts kie.GenerateOptions) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (*kie.TaskStatus, error)
}

type TaskMetadataStore interface {
	Get(ctx context.Context, taskID string) (*models.GenerationTask, error)
	Put(ctx context.Context, task *models.GenerationTask) error
}

type AssetUploader interface {
	Put(ctx context.Context, data []byte, key, contentType string) (string, error)
}

type ImageStore interface {
	CreateWithDebit(ctx context.Context, img *models.ImageRecord, description string) error
	FindByTaskID(ctx context.Context, taskID string) (*models.ImageRecord, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.ImageRecord, error)
	Complete(ctx context.Context, taskID, durableURL string, costTimeMs int64) (bool, error)
	Fail(ctx context.Context, taskID, message string) (bool, error)
}

type UserDirectory interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByReferralCode(ctx context.Context, code string) (*models.User, error)
	Balance(ctx context.Context, userID int64) (int64, error)
}

type LedgerStore interface {
	Award(ctx context.Context, t *models.CreditTransaction) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error)
}

type CheckInStore interface {
	Record(ctx context.Context, checkIn *models.CheckIn) error
}

type ReferralStore interface {
	CreateWithSignupReward(ctx context.Context, referral *models.Referral) error
	FindByReferee(ctx context.Context, refereeID int64) (*models.Referral, error)
}

type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id int64) (*models.Order, error)
	FindByExternalRef(ctx context.Context, ref string) (*models.Order, error)
}

type PlanStore interface {
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
	ListActive(ctx context.Context) ([]models.Plan, error)
}

type SubscriptionStore interface {
	Allocate(ctx context.Context, order *models.Order, plan *models.Plan, referralReward int64, now time.Time) (*repository.AllocationResult, error)
	FindActiveByUser(ctx context.Context, userID int64) (*models.Subscription, error)
}
