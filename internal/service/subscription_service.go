package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumigen-ai/lumigen/internal/apperr"
	"github.com/lumigen-ai/lumigen/internal/config"
	"github.com/lumigen-ai/lumigen/internal/models"
	"github.com/lumigen-ai/lumigen/internal/repository"
)

// SubscriptionService owns plan listing, order creation and the
// order-completion fan-out. Allocation is gated entirely by the order's
// status: the payment webhook, the post-checkout redirect and any later
// replay all funnel into the same conditional path.
type SubscriptionService struct {
	cfg    config.Config
	log    *slog.Logger
	orders OrderStore
	plans  PlanStore
	subs   SubscriptionStore
}

func NewSubscriptionService(cfg config.Config, log *slog.Logger, orders OrderStore, plans PlanStore, subs SubscriptionStore) *SubscriptionService {
	return &SubscriptionService{
		cfg:    cfg,
		log:    log,
		orders: orders,
		plans:  plans,
		subs:   subs,
	}
}

func (s *SubscriptionService) Plans(ctx context.Context) ([]models.Plan, error) {
	return s.plans.ListActive(ctx)
}

// CreateOrder opens a pending order for a plan. Checkout itself happens at
// the payment gateway; only its completion callback matters here.
func (s *SubscriptionService) CreateOrder(ctx context.Context, userID, planID int64, externalRef string) (*models.Order, error) {
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if plan == nil || !plan.IsActive {
		return nil, apperr.Validation("unknown or inactive plan")
	}

	order := &models.Order{
		UserID:      userID,
		PlanID:      planID,
		Status:      models.OrderPending,
		ExternalRef: externalRef,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// Allocate runs the order-completion fan-out: mark the order completed,
// create the subscription period, append the purchase credits and complete a
// pending referral for the buyer. Replays (webhook plus redirect, double
// webhooks, back button) find the order already completed and change
// nothing.
func (s *SubscriptionService) Allocate(ctx context.Context, orderID int64) (*repository.AllocationResult, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return s.allocateOrder(ctx, order)
}

// AllocateByExternalRef is the webhook entry point, keyed by the payment
// gateway's reference.
func (s *SubscriptionService) AllocateByExternalRef(ctx context.Context, ref string) (*repository.AllocationResult, error) {
	if ref == "" {
		return nil, apperr.Validation("payment reference is required")
	}
	order, err := s.orders.FindByExternalRef(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return s.allocateOrder(ctx, order)
}

func (s *SubscriptionService) allocateOrder(ctx context.Context, order *models.Order) (*repository.AllocationResult, error) {
	if order == nil {
		return nil, apperr.New(apperr.CodeNotFound, "order not found")
	}
	if order.Status == models.OrderCompleted {
		// Fast path for replays; the conditional gate below would catch this
		// anyway.
		return &repository.AllocationResult{Applied: false}, nil
	}

	plan, err := s.plans.GetByID(ctx, order.PlanID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if plan == nil {
		return nil, apperr.New(apperr.CodeNotFound, "plan not found")
	}

	result, err := s.subs.Allocate(ctx, order, plan, s.cfg.ReferralPurchaseReward, time.Now())
	if err != nil {
		return nil, err
	}
	if result.Applied {
		s.log.Info("order allocated",
			"order_id", order.ID, "user_id", order.UserID, "plan_id", plan.ID,
			"credits", plan.CreditsIncluded, "referral_rewarded", result.ReferralRewarded)
	} else {
		s.log.Info("order allocation replayed, no-op", "order_id", order.ID)
	}
	return result, nil
}

func (s *SubscriptionService) ActiveSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	return s.subs.FindActiveByUser(ctx, userID)
}
