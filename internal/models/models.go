package models

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type TransactionType string

const (
	TransactionUsage    TransactionType = "usage"
	TransactionBonus    TransactionType = "bonus"
	TransactionReferral TransactionType = "referral"
	TransactionCheckIn  TransactionType = "check_in"
	TransactionPurchase TransactionType = "purchase"
)

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
	ReferralInvalid   ReferralStatus = "invalid"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
)

type User struct {
	ID              int64
	Email           string
	APIToken        string
	Credits         int64
	ReferralCode    string
	ReferredBy      *int64
	LastCheckInDate *time.Time
	CheckInStreak   int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GenerationTask is the per-task metadata record kept in object storage,
// independent of the relational database.
type GenerationTask struct {
	TaskID         string     `json:"taskId"`
	Status         TaskStatus `json:"status"`
	ResultURLs     []string   `json:"resultUrls,omitempty"`
	Error          string     `json:"error,omitempty"`
	ConsumeCredits int64      `json:"consumeCredits"`
	CostTimeMs     int64      `json:"costTimeMs"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

type ImageRecord struct {
	ID                int64
	UserID            int64
	ExternalTaskID    *string
	Status            TaskStatus
	Prompt            string
	ProcessedImageURL string
	ErrorMessage      string
	Cost              int64
	Metadata          string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

type CreditTransaction struct {
	ID             int64
	UserID         int64
	Amount         int64
	Type           TransactionType
	Description    string
	RelatedImageID *int64
	RelatedOrderID *int64
	CreatedAt      time.Time
}

type CheckIn struct {
	ID          int64
	UserID      int64
	CheckInDate time.Time
	StreakDay   int
	Credits     int64
	CreatedAt   time.Time
}

type Referral struct {
	ID             int64
	ReferrerID     int64
	RefereeID      int64
	Status         ReferralStatus
	ReferrerReward int64
	RefereeReward  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Subscription struct {
	ID                     int64
	UserID                 int64
	PlanID                 int64
	Status                 SubscriptionStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CreditsIncluded        int64
	ExternalSubscriptionID string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

type Order struct {
	ID          int64
	UserID      int64
	PlanID      int64
	Status      OrderStatus
	ExternalRef string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Plan struct {
	ID              int64
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	CreditsIncluded int64
	PeriodDays      int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
