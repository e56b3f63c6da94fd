package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lumigen-ai/lumigen/internal/config"
	"github.com/lumigen-ai/lumigen/internal/kie"
	"github.com/lumigen-ai/lumigen/internal/models"
	"github.com/lumigen-ai/lumigen/internal/repository"
	"github.com/lumigen-ai/lumigen/internal/taskstore"
)

// memStore is an in-memory stand-in for the relational repositories. It
// keeps the property the SQL layer provides: every guarded transition is a
// single conditional mutation under one lock, and ledger rows commit
// together with the balance cache.
type memStore struct {
	mu           sync.Mutex
	users        map[int64]*models.User
	imagesByTask map[string]*models.ImageRecord
	ledger       []models.CreditTransaction
	checkInDays  map[string]bool
	referrals    map[int64]*models.Referral
	orders       map[int64]*models.Order
	plans        map[int64]*models.Plan
	subs         []*models.Subscription
	nextID       int64
}

func newMemStore() *memStore {
	return &memStore{
		users:        make(map[int64]*models.User),
		imagesByTask: make(map[string]*models.ImageRecord),
		checkInDays:  make(map[string]bool),
		referrals:    make(map[int64]*models.Referral),
		orders:       make(map[int64]*models.Order),
		plans:        make(map[int64]*models.Plan),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addUser(u *models.User) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.id()
	}
	// Seed opening credits through the ledger so the cache always equals the
	// ledger sum, as the SQL layer guarantees.
	opening := u.Credits
	u.Credits = 0
	m.users[u.ID] = u
	if opening != 0 {
		m.appendLedgerLocked(models.CreditTransaction{
			UserID:      u.ID,
			Amount:      opening,
			Type:        models.TransactionBonus,
			Description: "opening balance",
		})
	}
	return u
}

func (m *memStore) addPlan(p *models.Plan) *models.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.id()
	}
	m.plans[p.ID] = p
	return p
}

func (m *memStore) appendLedgerLocked(t models.CreditTransaction) {
	t.ID = m.id()
	t.CreatedAt = time.Now().UTC()
	m.ledger = append(m.ledger, t)
	m.users[t.UserID].Credits += t.Amount
}

func (m *memStore) ledgerSum(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, t := range m.ledger {
		if t.UserID == userID {
			sum += t.Amount
		}
	}
	return sum
}

func (m *memStore) balance(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].Credits
}

func (m *memStore) ledgerCount(userID int64, typ models.TransactionType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.ledger {
		if t.UserID == userID && t.Type == typ {
			count++
		}
	}
	return count
}

// ImageStore

func (m *memStore) CreateWithDebit(ctx context.Context, img *models.ImageRecord, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[img.UserID]
	if !ok {
		return fmt.Errorf("user %d not found", img.UserID)
	}
	if user.Credits < img.Cost {
		return repository.ErrInsufficientCredits
	}
	img.ID = m.id()
	img.CreatedAt = time.Now().UTC()
	m.imagesByTask[*img.ExternalTaskID] = img
	m.appendLedgerLocked(models.CreditTransaction{
		UserID:         img.UserID,
		Amount:         -img.Cost,
		Type:           models.TransactionUsage,
		Description:    description,
		RelatedImageID: &img.ID,
	})
	return nil
}

func (m *memStore) FindByTaskID(ctx context.Context, taskID string) (*models.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.imagesByTask[taskID]
	if !ok {
		return nil, nil
	}
	copied := *img
	return &copied, nil
}

func (m *memStore) ListByUser(ctx context.Context, userID int64, limit int) ([]models.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ImageRecord
	for _, img := range m.imagesByTask {
		if img.UserID == userID {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (m *memStore) Complete(ctx context.Context, taskID, durableURL string, costTimeMs int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.imagesByTask[taskID]
	if !ok || img.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	img.Status = models.TaskCompleted
	img.ProcessedImageURL = durableURL
	img.ErrorMessage = ""
	img.CompletedAt = &now
	return true, nil
}

func (m *memStore) Fail(ctx context.Context, taskID, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.imagesByTask[taskID]
	if !ok || img.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	img.Status = models.TaskFailed
	img.ErrorMessage = message
	img.CompletedAt = &now
	return true, nil
}

// UserDirectory

func (m *memStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (m *memStore) FindByReferralCode(ctx context.Context, code string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.ReferralCode == code {
			copied := *user
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) Balance(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %d not found", userID)
	}
	return user.Credits, nil
}

// LedgerStore. memLedger wraps the shared state because the ledger listing
// would otherwise collide with the image listing on memStore.
type memLedger struct {
	*memStore
}

func (m *memStore) ledgerView() *memLedger {
	return &memLedger{m}
}

func (m *memLedger) Award(ctx context.Context, t *models.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[t.UserID]; !ok {
		return fmt.Errorf("user %d not found", t.UserID)
	}
	m.appendLedgerLocked(*t)
	return nil
}

func (m *memLedger) ListByUser(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CreditTransaction
	for _, t := range m.ledger {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// CheckInStore

func (m *memStore) Record(ctx context.Context, checkIn *models.CheckIn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d|%s", checkIn.UserID, checkIn.CheckInDate.Format("2006-01-02"))
	if m.checkInDays[key] {
		return repository.ErrDuplicateCheckIn
	}
	m.checkInDays[key] = true
	user := m.users[checkIn.UserID]
	date := checkIn.CheckInDate
	user.LastCheckInDate = &date
	user.CheckInStreak = checkIn.StreakDay
	m.appendLedgerLocked(models.CreditTransaction{
		UserID:      checkIn.UserID,
		Amount:      checkIn.Credits,
		Type:        models.TransactionCheckIn,
		Description: fmt.Sprintf("daily check-in day %d", checkIn.StreakDay),
	})
	return nil
}

// ReferralStore

func (m *memStore) CreateWithSignupReward(ctx context.Context, referral *models.Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.referrals[referral.RefereeID]; exists {
		return repository.ErrAlreadyReferred
	}
	referral.ID = m.id()
	m.referrals[referral.RefereeID] = referral
	m.users[referral.RefereeID].ReferredBy = &referral.ReferrerID
	m.appendLedgerLocked(models.CreditTransaction{
		UserID:      referral.ReferrerID,
		Amount:      referral.ReferrerReward,
		Type:        models.TransactionReferral,
		Description: "referral signup reward",
	})
	return nil
}

func (m *memStore) FindByReferee(ctx context.Context, refereeID int64) (*models.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.referrals[refereeID]
	if !ok {
		return nil, nil
	}
	copied := *ref
	return &copied, nil
}

// OrderStore. memOrders wraps the shared state because the order lookup
// would otherwise collide with the user lookup on memStore.
type memOrders struct {
	*memStore
}

func (m *memStore) ordersView() *memOrders {
	return &memOrders{m}
}

func (m *memOrders) Create(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.ID = m.id()
	m.orders[order.ID] = order
	return nil
}

func (m *memOrders) FindByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	copied := *order
	return &copied, nil
}

func (m *memOrders) FindByExternalRef(ctx context.Context, ref string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.ExternalRef == ref {
			copied := *order
			return &copied, nil
		}
	}
	return nil, nil
}

// PlanStore

func (m *memStore) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return nil, nil
	}
	copied := *plan
	return &copied, nil
}

func (m *memStore) ListActive(ctx context.Context) ([]models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Plan
	for _, p := range m.plans {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

// SubscriptionStore

func (m *memStore) Allocate(ctx context.Context, order *models.Order, plan *models.Plan, referralReward int64, now time.Time) (*repository.AllocationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.orders[order.ID]
	if stored == nil || stored.Status != models.OrderPending {
		return &repository.AllocationResult{Applied: false}, nil
	}
	stored.Status = models.OrderCompleted

	for _, sub := range m.subs {
		if sub.UserID == order.UserID && sub.Status == models.SubscriptionActive {
			sub.Status = models.SubscriptionExpired
		}
	}

	sub := &models.Subscription{
		ID:                 m.id(),
		UserID:             order.UserID,
		PlanID:             plan.ID,
		Status:             models.SubscriptionActive,
		CurrentPeriodStart: now.UTC(),
		CurrentPeriodEnd:   now.UTC().AddDate(0, 0, plan.PeriodDays),
		CreditsIncluded:    plan.CreditsIncluded,
	}
	m.subs = append(m.subs, sub)

	m.appendLedgerLocked(models.CreditTransaction{
		UserID:         order.UserID,
		Amount:         plan.CreditsIncluded,
		Type:           models.TransactionPurchase,
		Description:    fmt.Sprintf("subscription credits: %s", plan.Title),
		RelatedOrderID: &order.ID,
	})

	rewarded := false
	if referralReward > 0 {
		if ref, ok := m.referrals[order.UserID]; ok && ref.Status == models.ReferralPending {
			ref.Status = models.ReferralCompleted
			ref.ReferrerReward += referralReward
			m.appendLedgerLocked(models.CreditTransaction{
				UserID:      ref.ReferrerID,
				Amount:      referralReward,
				Type:        models.TransactionReferral,
				Description: "referral purchase reward",
			})
			rewarded = true
		}
	}

	return &repository.AllocationResult{Applied: true, Subscription: sub, ReferralRewarded: rewarded}, nil
}

func (m *memStore) FindActiveByUser(ctx context.Context, userID int64) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.UserID == userID && sub.Status == models.SubscriptionActive {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, nil
}

// fakeTaskStore is an in-memory TaskMetadataStore.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.GenerationTask
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*models.GenerationTask)}
}

func (f *fakeTaskStore) Get(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, taskstore.ErrNotFound
	}
	copied := *task
	return &copied, nil
}

func (f *fakeTaskStore) Put(ctx context.Context, task *models.GenerationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *task
	f.tasks[task.TaskID] = &copied
	return nil
}

// fakeProvider scripts provider responses.
type fakeProvider struct {
	mu          sync.Mutex
	nextTaskID  string
	createErr   error
	createCalls int
	status      *kie.TaskStatus
	statusErr   error
}

func (f *fakeProvider) CreateTask(ctx context.Context, opts kie.GenerateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.nextTaskID, nil
}

func (f *fakeProvider) GetTaskStatus(ctx context.Context, taskID string) (*kie.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

// fakeUploader counts uploads per key so tests can assert exactly one
// durable asset exists per task.
type fakeUploader struct {
	mu      sync.Mutex
	uploads map[string]int
	err     error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploads: make(map[string]int)}
}

func (f *fakeUploader) Put(ctx context.Context, data []byte, key, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.uploads[key]++
	return "https://cdn.example.com/" + key, nil
}

func (f *fakeUploader) objectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func testConfig() config.Config {
	return config.Config{
		GenerationCost:         5,
		ProviderMaxRetries:     2,
		ProviderRetryBase:      time.Millisecond,
		ProviderRetryMaxGap:    time.Millisecond,
		ReferralSignupReward:   10,
		ReferralPurchaseReward: 30,
		CheckInRewards:         []int64{1, 2, 3, 4, 5, 6, 10},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okFetch(ctx context.Context, url string) ([]byte, string, error) {
	return []byte("image-bytes"), "image/png", nil
}
