package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lumigen-ai/lumigen/internal/apperr"
	"github.com/lumigen-ai/lumigen/internal/config"
	"github.com/lumigen-ai/lumigen/internal/kie"
	"github.com/lumigen-ai/lumigen/internal/models"
	"github.com/lumigen-ai/lumigen/internal/repository"
	"github.com/lumigen-ai/lumigen/internal/retry"
	"github.com/lumigen-ai/lumigen/internal/storage"
	"github.com/lumigen-ai/lumigen/internal/taskstore"
)

const noResultsError = "provider returned no results"

// Outcome is a normalized terminal report for a task, whether it arrived via
// the callback webhook or a direct status poll. Both paths feed the same
// transition function so they agree on the final state.
type Outcome struct {
	Success        bool
	ResultURLs     []string
	Error          string
	ConsumeCredits int64
	CostTimeMs     int64
}

// PollResult is what the callback and manual-poll endpoints report back.
type PollResult struct {
	TaskID   string
	Status   models.TaskStatus
	ImageURL string
	Error    string
}

type GenerationService struct {
	cfg      config.Config
	log      *slog.Logger
	provider Provider
	tasks    TaskMetadataStore
	uploader AssetUploader
	images   ImageStore
	users    UserDirectory

	// fetch downloads a provider result URL; swapped out in tests.
	fetch func(ctx context.Context, url string) ([]byte, string, error)
}

func NewGenerationService(cfg config.Config, log *slog.Logger, provider Provider, tasks TaskMetadataStore, uploader AssetUploader, images ImageStore, users UserDirectory) *GenerationService {
	return &GenerationService{
		cfg:      cfg,
		log:      log,
		provider: provider,
		tasks:    tasks,
		uploader: uploader,
		images:   images,
		users:    users,
		fetch:    fetchAsset,
	}
}

// Submit creates a provider task and debits the user, in that order: a
// failure before a task id exists must leave the balance untouched. The
// provider call carries an idempotency key that is stable across the retry
// budget, so an ambiguous timeout retried by the budget cannot create two
// billable tasks for one logical request.
func (s *GenerationService) Submit(ctx context.Context, userID int64, prompt string) (*models.ImageRecord, error) {
	if prompt == "" {
		return nil, apperr.Validation("prompt is required")
	}
	cost := s.cfg.GenerationCost

	balance, err := s.users.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance < cost {
		return nil, apperr.InsufficientCredits(cost, balance)
	}

	opts := kie.GenerateOptions{
		Prompt:         prompt,
		IdempotencyKey: uuid.NewString(),
	}

	var taskID string
	err = retry.Do(ctx, retry.Config{
		MaxRetries:  uint64(s.cfg.ProviderMaxRetries),
		Base:        s.cfg.ProviderRetryBase,
		MaxInterval: s.cfg.ProviderRetryMaxGap,
	}, func() error {
		var createErr error
		taskID, createErr = s.provider.CreateTask(ctx, opts)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("create provider task: %w", err)
	}

	now := time.Now().UTC()
	task := &models.GenerationTask{
		TaskID:         taskID,
		Status:         models.TaskPending,
		ConsumeCredits: cost,
		CreatedAt:      now,
	}
	if err := s.tasks.Put(ctx, task); err != nil {
		// The provider task exists but we cannot track it; fail closed with
		// no debit rather than charge for a task the webhook will reject.
		return nil, apperr.Storage("record task metadata", err)
	}

	img := &models.ImageRecord{
		UserID:         userID,
		ExternalTaskID: &taskID,
		Status:         models.TaskPending,
		Prompt:         prompt,
		Cost:           cost,
	}
	if err := s.images.CreateWithDebit(ctx, img, fmt.Sprintf("image generation %s", taskID)); err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			// The balance moved between the read and the conditional debit.
			current, balErr := s.users.Balance(ctx, userID)
			if balErr != nil {
				current = balance
			}
			return nil, apperr.InsufficientCredits(cost, current)
		}
		return nil, err
	}

	s.log.Info("generation submitted", "task_id", taskID, "user_id", userID, "cost", cost)
	return img, nil
}

// HandleCallback applies a webhook delivery. Unknown task ids and replays of
// terminal tasks are no-ops; the HTTP layer answers 200 either way.
func (s *GenerationService) HandleCallback(ctx context.Context, taskID string, outcome Outcome) (*PollResult, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			s.log.Warn("callback for unknown task", "task_id", taskID)
			return nil, apperr.UnknownTask(taskID)
		}
		return nil, fmt.Errorf("load task metadata: %w", err)
	}
	return s.applyOutcome(ctx, task, outcome)
}

// ManualPoll queries the provider directly and reconciles through the same
// transition function the callback uses.
func (s *GenerationService) ManualPoll(ctx context.Context, taskID string) (*PollResult, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return nil, apperr.UnknownTask(taskID)
		}
		return nil, fmt.Errorf("load task metadata: %w", err)
	}
	if task.Status.Terminal() {
		return resultFromTask(task), nil
	}

	status, err := s.provider.GetTaskStatus(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("poll provider: %w", err)
	}
	if kie.Running(status.State) {
		return resultFromTask(task), nil
	}

	outcome := Outcome{
		Success:        status.State == kie.StateSuccess,
		ResultURLs:     status.ResultURLs,
		Error:          status.FailMsg,
		ConsumeCredits: status.ConsumeCredits,
		CostTimeMs:     status.CostTimeMs,
	}
	return s.applyOutcome(ctx, task, outcome)
}

// applyOutcome is the guarded transition function shared by the callback
// receiver and the manual-poll reconciler. Terminal states are immutable;
// the relational row's conditional update decides the race, and only the
// winner performs side effects and finalizes the metadata record.
func (s *GenerationService) applyOutcome(ctx context.Context, task *models.GenerationTask, outcome Outcome) (*PollResult, error) {
	if task.Status.Terminal() {
		return resultFromTask(task), nil
	}

	switch {
	case outcome.Success && len(outcome.ResultURLs) > 0:
		return s.completeTask(ctx, task, outcome)
	case outcome.Success:
		// Success with nothing attached has no defined terminal state from
		// the provider; close it out as failed rather than leave it open.
		return s.failTask(ctx, task, noResultsError)
	default:
		msg := outcome.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		return s.failTask(ctx, task, msg)
	}
}

func (s *GenerationService) completeTask(ctx context.Context, task *models.GenerationTask, outcome Outcome) (*PollResult, error) {
	// The provider URL is ephemeral; only a durable copy may be recorded.
	data, contentType, err := s.fetch(ctx, outcome.ResultURLs[0])
	if err != nil {
		s.log.Error("download result failed", "task_id", task.TaskID, "err", err)
		return s.failTask(ctx, task, fmt.Sprintf("download result: %v", err))
	}

	// Deterministic key per task: a replayed upload overwrites the same
	// object instead of accumulating duplicates.
	key := task.TaskID + storage.ExtensionForContentType(contentType)
	durableURL, err := s.uploader.Put(ctx, data, key, contentType)
	if err != nil {
		s.log.Error("upload result failed", "task_id", task.TaskID, "err", err)
		return s.failTask(ctx, task, fmt.Sprintf("store result: %v", err))
	}

	won, err := s.images.Complete(ctx, task.TaskID, durableURL, outcome.CostTimeMs)
	if err != nil {
		return nil, fmt.Errorf("complete image record: %w", err)
	}
	if !won {
		// Lost the race; report whatever the winner recorded.
		return s.currentResult(ctx, task.TaskID)
	}

	now := time.Now().UTC()
	task.Status = models.TaskCompleted
	task.ResultURLs = []string{durableURL}
	task.Error = ""
	if outcome.ConsumeCredits > 0 {
		task.ConsumeCredits = outcome.ConsumeCredits
	}
	task.CostTimeMs = outcome.CostTimeMs
	task.CompletedAt = &now
	if err := s.tasks.Put(ctx, task); err != nil {
		// The relational row already carries the durable truth; a lagging
		// metadata record only costs an extra reconcile later.
		s.log.Error("finalize task metadata failed", "task_id", task.TaskID, "err", err)
	}

	s.log.Info("task completed", "task_id", task.TaskID, "url", durableURL)
	return resultFromTask(task), nil
}

func (s *GenerationService) failTask(ctx context.Context, task *models.GenerationTask, message string) (*PollResult, error) {
	won, err := s.images.Fail(ctx, task.TaskID, message)
	if err != nil {
		return nil, fmt.Errorf("fail image record: %w", err)
	}
	if !won {
		return s.currentResult(ctx, task.TaskID)
	}

	now := time.Now().UTC()
	task.Status = models.TaskFailed
	task.Error = message
	task.CompletedAt = &now
	if err := s.tasks.Put(ctx, task); err != nil {
		s.log.Error("finalize task metadata failed", "task_id", task.TaskID, "err", err)
	}

	s.log.Info("task failed", "task_id", task.TaskID, "reason", message)
	return resultFromTask(task), nil
}

// currentResult reads back the state recorded by whichever actor won the
// transition race.
func (s *GenerationService) currentResult(ctx context.Context, taskID string) (*PollResult, error) {
	img, err := s.images.FindByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("reload image record: %w", err)
	}
	if img == nil {
		return &PollResult{TaskID: taskID, Status: models.TaskPending}, nil
	}
	return &PollResult{
		TaskID:   taskID,
		Status:   img.Status,
		ImageURL: img.ProcessedImageURL,
		Error:    img.ErrorMessage,
	}, nil
}

// History lists a user's image records, newest first.
func (s *GenerationService) History(ctx context.Context, userID int64, limit int) ([]models.ImageRecord, error) {
	return s.images.ListByUser(ctx, userID, limit)
}

func resultFromTask(task *models.GenerationTask) *PollResult {
	res := &PollResult{
		TaskID: task.TaskID,
		Status: task.Status,
		Error:  task.Error,
	}
	if len(task.ResultURLs) > 0 {
		res.ImageURL = task.ResultURLs[0]
	}
	return res
}

func fetchAsset(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download asset: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read asset: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}
